package destination

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/reticulum-go/rns/internal/crypto"
	"github.com/reticulum-go/rns/internal/identity"
	"github.com/reticulum-go/rns/internal/packet"
)

var (
	ErrAnnounceTooShort    = errors.New("destination: announce payload too short")
	ErrAnnounceBadSig      = errors.New("destination: announce signature invalid")
	ErrAnnounceHashMismatch = errors.New("destination: announce destination hash mismatch")
)

const signatureSize = 64

// AnnounceInfo is the result of successfully validating a received
// announce.
type AnnounceInfo struct {
	Identity        *identity.Identity
	NameHash        NameHash
	DestinationHash Hash
	RandomHash      [10]byte
	Timestamp       int64
	HasRatchet      bool
	RatchetPub      [32]byte
	AppData         []byte
}

// GenerateAnnounce implements §4.3's announce generation for a SINGLE/IN
// destination. If the ring is enabled, it rotates first when due.
func (d *Destination) GenerateAnnounce(appData []byte, pathResponse bool, nowUnix int64) (*packet.Packet, error) {
	if !d.CanAnnounce() {
		return nil, ErrNotAnnounceable
	}
	if appData == nil {
		appData = d.DefaultAppData
	}

	var ratchetPub [32]byte
	hasRatchet := false
	if d.Ratchets != nil {
		if _, err := d.Ratchets.MaybeRotate(nowUnix); err != nil {
			return nil, err
		}
		if pub, ok := d.Ratchets.NewestPublic(); ok {
			ratchetPub = pub
			hasRatchet = true
		}
	}

	randomBytes, err := crypto.RandomBytes(5)
	if err != nil {
		return nil, err
	}
	var random5 [5]byte
	copy(random5[:], randomBytes)
	randomHash := packet.EncodeRandomHash(random5, nowUnix)

	pubEnc := d.Identity.PublicEnc()
	pubSig := d.Identity.PublicSig()

	signedData := buildSignedData(d.Hash, pubEnc[:], pubSig, d.NameHash[:], randomHash[:], hasRatchet, ratchetPub[:], appData)
	sig, err := d.Identity.Sign(signedData)
	if err != nil {
		return nil, err
	}

	wire := buildWirePayload(pubEnc[:], pubSig, d.NameHash[:], randomHash[:], hasRatchet, ratchetPub[:], sig, appData)

	ctx := packet.ContextNone
	if pathResponse {
		ctx = packet.ContextPathResponse
	}
	p := &packet.Packet{
		Header: packet.Header{
			HeaderType:      packet.HeaderType1,
			TransportType:   packet.TransportBroadcast,
			DestinationType: packet.DestinationSingle,
			Type:            packet.TypeAnnounce,
			ContextFlag:     hasRatchet,
			Hops:            0,
			Context:         ctx,
		},
		Data: wire,
	}
	copy(p.Header.DestinationHash[:], d.Hash[:])
	return p, nil
}

func buildSignedData(destHash Hash, pubEnc, pubSig, nameHash, randomHash []byte, hasRatchet bool, ratchetPub, appData []byte) []byte {
	var buf bytes.Buffer
	buf.Write(destHash[:])
	buf.Write(pubEnc)
	buf.Write(pubSig)
	buf.Write(nameHash)
	buf.Write(randomHash)
	if hasRatchet {
		buf.Write(ratchetPub)
	}
	buf.Write(appData)
	return buf.Bytes()
}

// buildWirePayload packs the announce payload in ON-WIRE order, which
// differs from the signed_data order: the signature moves after the
// ratchet key instead of being absent, and is followed by app_data
// (§9 "wire-format gotcha to preserve").
func buildWirePayload(pubEnc, pubSig, nameHash, randomHash []byte, hasRatchet bool, ratchetPub, sig, appData []byte) []byte {
	var buf bytes.Buffer
	buf.Write(pubEnc)
	buf.Write(pubSig)
	buf.Write(nameHash)
	buf.Write(randomHash)
	if hasRatchet {
		buf.Write(ratchetPub)
	}
	buf.Write(sig)
	buf.Write(appData)
	return buf.Bytes()
}

// ValidateAnnounce implements §4.3's announce validation: it
// reconstructs signed_data with the destination hash re-derived from
// the packet's own key material, and rejects on any mismatch.
func ValidateAnnounce(p *packet.Packet) (*AnnounceInfo, error) {
	data := p.Data
	const fixedMin = 32 + 32 + 10 + 10 + signatureSize
	if len(data) < fixedMin {
		return nil, ErrAnnounceTooShort
	}
	pos := 0
	pubEnc := data[pos : pos+32]
	pos += 32
	pubSig := data[pos : pos+32]
	pos += 32
	nameHash := data[pos : pos+10]
	pos += 10
	randomHash := data[pos : pos+10]
	pos += 10

	hasRatchet := p.Header.ContextFlag
	var ratchetPub []byte
	if hasRatchet {
		if len(data) < pos+32+signatureSize {
			return nil, ErrAnnounceTooShort
		}
		ratchetPub = data[pos : pos+32]
		pos += 32
	}
	if len(data) < pos+signatureSize {
		return nil, ErrAnnounceTooShort
	}
	sig := data[pos : pos+signatureSize]
	pos += signatureSize
	appData := data[pos:]

	idHashDigest := crypto.SHA256(pubEnc, pubSig)
	var idHash identity.Hash
	copy(idHash[:], idHashDigest[:identity.HashSize])

	destDigest := crypto.SHA256(nameHash, idHash[:])
	var destHash Hash
	copy(destHash[:], destDigest[:HashSize])

	if !bytes.Equal(destHash[:], p.Header.DestinationHash[:]) {
		return nil, ErrAnnounceHashMismatch
	}

	var ratchetForSigned []byte
	var ratchetPubArr [32]byte
	if hasRatchet {
		ratchetForSigned = ratchetPub
		copy(ratchetPubArr[:], ratchetPub)
	}
	signedData := buildSignedData(destHash, pubEnc, pubSig, nameHash, randomHash, hasRatchet, ratchetForSigned, appData)

	peerIdentity, err := identity.FromParts(pubEnc, pubSig)
	if err != nil {
		return nil, err
	}
	if !peerIdentity.Validate(sig, signedData) {
		return nil, ErrAnnounceBadSig
	}
	peerIdentity = identity.Remember(peerIdentity)

	var rh [10]byte
	copy(rh[:], randomHash)
	var nh NameHash
	copy(nh[:], nameHash)

	return &AnnounceInfo{
		Identity:        peerIdentity,
		NameHash:        nh,
		DestinationHash: destHash,
		RandomHash:      rh,
		Timestamp:       packet.DecodeRandomHashTimestamp(rh),
		HasRatchet:      hasRatchet,
		RatchetPub:      ratchetPubArr,
		AppData:         append([]byte(nil), appData...),
	}, nil
}

// PathResponseCache suppresses duplicate path-response announces for
// the same requester tag within a 30-second window (§4.3).
type PathResponseCache struct {
	mu      sync.Mutex
	entries map[string]cachedResponse
	ttl     time.Duration
}

type cachedResponse struct {
	data      []byte
	timestamp time.Time
}

// NewPathResponseCache creates a cache with the spec-mandated 30s TTL.
func NewPathResponseCache() *PathResponseCache {
	return &PathResponseCache{entries: make(map[string]cachedResponse), ttl: 30 * time.Second}
}

// ShouldSuppress reports whether a path response for tag was already
// cached within the TTL window; if not, it records data as the new
// cached response for tag.
func (c *PathResponseCache) ShouldSuppress(tag string, data []byte, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[tag]; ok && now.Sub(e.timestamp) < c.ttl {
		return true
	}
	c.entries[tag] = cachedResponse{data: append([]byte(nil), data...), timestamp: now}
	return false
}

// Sweep drops entries older than the TTL, bounding cache growth.
func (c *PathResponseCache) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.Sub(e.timestamp) >= c.ttl {
			delete(c.entries, k)
		}
	}
}
