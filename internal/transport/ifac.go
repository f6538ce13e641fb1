package transport

import (
	"crypto/sha256"

	"github.com/reticulum-go/rns/internal/crypto"
)

// IFACMaskSize is the trailing HMAC suffix length appended to every
// outbound packet on an IFAC-protected interface (§6).
const IFACMaskSize = 16

// DeriveIFACKey computes ifac_key = HKDF(sha256(netname), sha256(netkey), nil, 32).
func DeriveIFACKey(netname string, netkey []byte) ([]byte, error) {
	ikm := sha256.Sum256([]byte(netname))
	salt := sha256.Sum256(netkey)
	return crypto.HKDF(ikm[:], salt[:], nil, 32)
}

// MaskPacket appends HMAC-SHA256(ifac_key, raw)[:16] to raw.
func MaskPacket(ifacKey, raw []byte) []byte {
	mac := crypto.HMACSHA256(ifacKey, raw)
	out := make([]byte, 0, len(raw)+IFACMaskSize)
	out = append(out, raw...)
	out = append(out, mac[:IFACMaskSize]...)
	return out
}

// UnmaskPacket verifies and strips the trailing IFAC HMAC. It returns
// ok=false (no error detail, per §7's silent IfacReject) on mismatch
// or too-short input.
func UnmaskPacket(ifacKey, masked []byte) (raw []byte, ok bool) {
	if len(masked) < IFACMaskSize {
		return nil, false
	}
	split := len(masked) - IFACMaskSize
	raw = masked[:split]
	gotMAC := masked[split:]
	wantMAC := crypto.HMACSHA256(ifacKey, raw)
	if !crypto.ConstantTimeEqual(gotMAC, wantMAC[:IFACMaskSize]) {
		return nil, false
	}
	return raw, true
}
