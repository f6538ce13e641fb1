// Package identity implements the Reticulum Identity: a dual keypair
// (X25519 for encryption, Ed25519 for signing) with a 16-byte hash
// derived from both public keys.
package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/reticulum-go/rns/internal/crypto"
)

const (
	HashSize = 16

	privEncSize = crypto.KeySize
	privSigSize = ed25519.SeedSize
	pubEncSize  = crypto.KeySize
	pubSigSize  = ed25519.PublicKeySize
)

// ErrMissingPrivateKey is returned when sign/decrypt is attempted on an
// Identity constructed from public key material alone.
var ErrMissingPrivateKey = errors.New("identity: missing private key")

// Hash is a 16-byte identity hash, SHA-256(pub_enc ‖ pub_sig)[:16].
type Hash [HashSize]byte

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// Identity owns an encryption keypair and a signing keypair, plus the
// derived hash that names it on the wire. An Identity built from public
// keys alone has nil private key material and cannot sign or decrypt.
type Identity struct {
	privEnc *[crypto.KeySize]byte
	pubEnc  [crypto.KeySize]byte
	privSig ed25519.PrivateKey // nil on a public-only Identity
	pubSig  ed25519.PublicKey
	hash    Hash
}

func deriveHash(pubEnc [crypto.KeySize]byte, pubSig ed25519.PublicKey) Hash {
	digest := crypto.SHA256(pubEnc[:], pubSig)
	var h Hash
	copy(h[:], digest[:HashSize])
	return h
}

// Create generates a new random Identity.
func Create() (*Identity, error) {
	privEnc, pubEnc, err := crypto.X25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("identity: generate encryption key: %w", err)
	}
	privSig, pubSig, err := crypto.Ed25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("identity: generate signing key: %w", err)
	}
	id := &Identity{
		privEnc: &privEnc,
		pubEnc:  pubEnc,
		privSig: privSig,
		pubSig:  pubSig,
	}
	id.hash = deriveHash(id.pubEnc, id.pubSig)
	return id, nil
}

// FromPrivate reconstructs a full Identity from raw private key material:
// priv_enc(32) ‖ priv_sig(32), the on-disk identity file format (§6).
func FromPrivate(raw []byte) (*Identity, error) {
	if len(raw) != privEncSize+privSigSize {
		return nil, fmt.Errorf("identity: bad private key length %d", len(raw))
	}
	var privEnc [crypto.KeySize]byte
	copy(privEnc[:], raw[:privEncSize])
	pubEnc, err := crypto.X25519PublicFromPrivate(privEnc)
	if err != nil {
		return nil, fmt.Errorf("identity: derive encryption public key: %w", err)
	}
	seed := raw[privEncSize : privEncSize+privSigSize]
	privSig := ed25519.NewKeyFromSeed(seed)
	pubSig := privSig.Public().(ed25519.PublicKey)

	id := &Identity{
		privEnc: &privEnc,
		pubEnc:  pubEnc,
		privSig: privSig,
		pubSig:  pubSig,
	}
	id.hash = deriveHash(id.pubEnc, id.pubSig)
	return id, nil
}

// FromPublic constructs a capability-downgraded Identity from public key
// material alone: pub_enc(32) ‖ pub_sig(32). Such an Identity can
// encrypt-to and validate, but never sign or decrypt.
func FromPublic(raw []byte) (*Identity, error) {
	if len(raw) != pubEncSize+pubSigSize {
		return nil, fmt.Errorf("identity: bad public key length %d", len(raw))
	}
	var pubEnc [crypto.KeySize]byte
	copy(pubEnc[:], raw[:pubEncSize])
	pubSig := ed25519.PublicKey(append([]byte(nil), raw[pubEncSize:pubEncSize+pubSigSize]...))

	id := &Identity{
		pubEnc: pubEnc,
		pubSig: pubSig,
	}
	id.hash = deriveHash(id.pubEnc, id.pubSig)
	return id, nil
}

// FromParts constructs a public-only Identity directly from the two
// public key byte slices, as parsed out of an announce payload.
func FromParts(pubEnc, pubSig []byte) (*Identity, error) {
	return FromPublic(append(append([]byte(nil), pubEnc...), pubSig...))
}

// LoadOrGenerate loads an identity file at path, or generates and
// persists a new one if it doesn't exist.
func LoadOrGenerate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return FromPrivate(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}
	id, err := Create()
	if err != nil {
		return nil, err
	}
	if err := id.SaveTo(path); err != nil {
		return nil, err
	}
	return id, nil
}

// SaveTo writes the raw private key material to path (0600), creating
// parent directories as needed.
func (id *Identity) SaveTo(path string) error {
	if id.privEnc == nil || id.privSig == nil {
		return ErrMissingPrivateKey
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("identity: create directory: %w", err)
	}
	raw := make([]byte, 0, privEncSize+privSigSize)
	raw = append(raw, id.privEnc[:]...)
	raw = append(raw, id.privSig.Seed()...)
	return os.WriteFile(path, raw, 0600)
}

// Hash returns the identity hash.
func (id *Identity) Hash() Hash { return id.hash }

// PublicEnc returns the X25519 public encryption key.
func (id *Identity) PublicEnc() [crypto.KeySize]byte { return id.pubEnc }

// PublicSig returns the Ed25519 public signing key.
func (id *Identity) PublicSig() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), id.pubSig...)
}

// HasPrivateKey reports whether this Identity can sign and decrypt.
func (id *Identity) HasPrivateKey() bool {
	return id.privEnc != nil && id.privSig != nil
}

// PublicKeyBytes returns pub_enc ‖ pub_sig, the wire form used in
// announces and identity recall.
func (id *Identity) PublicKeyBytes() []byte {
	out := make([]byte, 0, pubEncSize+pubSigSize)
	out = append(out, id.pubEnc[:]...)
	out = append(out, id.pubSig...)
	return out
}

// Sign signs a message with the Ed25519 signing key.
func (id *Identity) Sign(message []byte) ([]byte, error) {
	if id.privSig == nil {
		return nil, ErrMissingPrivateKey
	}
	return crypto.Sign(id.privSig, message), nil
}

// Validate verifies a signature against this identity's public signing key.
func (id *Identity) Validate(sig, message []byte) bool {
	return crypto.Verify(id.pubSig, message, sig)
}

// Encrypt implements Identity.encrypt (§4.2): ephemeral X25519 key
// agreement against the recipient's public encryption key (or, if
// ratchetPub is supplied, against that ratchet public key instead),
// HKDF-derived Token keys salted with the recipient's identity hash.
func (id *Identity) Encrypt(plaintext []byte, ratchetPub *[crypto.KeySize]byte) ([]byte, error) {
	ephPriv, ephPub, err := crypto.X25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("identity: encrypt ephemeral key: %w", err)
	}

	target := id.pubEnc
	if ratchetPub != nil {
		target = *ratchetPub
	}
	shared, err := crypto.X25519(ephPriv, target)
	if err != nil {
		return nil, err
	}
	derived, err := crypto.HKDF(shared, id.hash[:], nil, 64)
	if err != nil {
		return nil, err
	}
	keys, _ := crypto.SplitKeys(derived)

	token, err := crypto.TokenEncrypt(keys, plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, crypto.KeySize+len(token))
	out = append(out, ephPub[:]...)
	out = append(out, token...)
	return out, nil
}

// RatchetSource supplies ratchet private keys newest-first for decrypt
// attempts. Implemented by destination.RatchetRing.
type RatchetSource interface {
	RatchetPrivateKeys() [][crypto.KeySize]byte
}

// Decrypt implements Identity.decrypt (§4.2). It tries each ratchet
// private key (newest first) before falling back to the identity's own
// private encryption key, unless enforceRatchets is true. usedRatchet
// reports the index of the ratchet that succeeded, or -1 if the base
// key was used.
func (id *Identity) Decrypt(ciphertext []byte, ratchets RatchetSource, enforceRatchets bool) (plaintext []byte, usedRatchet int, ok bool) {
	if len(ciphertext) < crypto.KeySize {
		return nil, -1, false
	}
	var ephPub [crypto.KeySize]byte
	copy(ephPub[:], ciphertext[:crypto.KeySize])
	token := ciphertext[crypto.KeySize:]

	tryKey := func(priv [crypto.KeySize]byte) ([]byte, bool) {
		shared, err := crypto.X25519(priv, ephPub)
		if err != nil {
			return nil, false
		}
		derived, err := crypto.HKDF(shared, id.hash[:], nil, 64)
		if err != nil {
			return nil, false
		}
		keys, ok := crypto.SplitKeys(derived)
		if !ok {
			return nil, false
		}
		return crypto.TokenDecrypt(keys, token)
	}

	if ratchets != nil {
		for i, priv := range ratchets.RatchetPrivateKeys() {
			if pt, ok := tryKey(priv); ok {
				return pt, i, true
			}
		}
	}
	if enforceRatchets {
		return nil, -1, false
	}
	if id.privEnc == nil {
		return nil, -1, false
	}
	if pt, ok := tryKey(*id.privEnc); ok {
		return pt, -1, true
	}
	return nil, -1, false
}
