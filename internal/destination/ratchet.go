package destination

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/reticulum-go/rns/internal/crypto"
	"github.com/reticulum-go/rns/internal/identity"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	RatchetIDSize = 10

	DefaultRatchetRetention    = 512
	DefaultRatchetMinInterval = int64(30 * 60) // 30 minutes, seconds
)

var ErrRatchetFileCorrupt = errors.New("destination: ratchet file signature invalid")

// Ratchet is a single X25519 key pair used for forward-secret
// per-destination encryption, identified by the low 10 bytes of
// SHA-256(pub).
type Ratchet struct {
	Priv [32]byte
	Pub  [32]byte
	ID   [RatchetIDSize]byte
}

func newRatchet() (Ratchet, error) {
	priv, pub, err := crypto.X25519KeyPair()
	if err != nil {
		return Ratchet{}, err
	}
	digest := crypto.SHA256(pub[:])
	var r Ratchet
	r.Priv = priv
	r.Pub = pub
	copy(r.ID[:], digest[:RatchetIDSize])
	return r, nil
}

// RatchetRing is a destination's ordered (newest-first) set of ratchet
// keys, with bounded retention and a minimum rotation interval,
// persisted atomically to a signed file.
type RatchetRing struct {
	mu           sync.RWMutex
	ring         []Ratchet
	retention    int
	minInterval  int64
	lastRotation int64
	path         string
	identity     *identity.Identity
}

// LoadRatchetRing loads a persisted ring from path (if it exists and
// validates) or starts a new, empty ring.
func LoadRatchetRing(path string, owner *identity.Identity, retention int, minInterval int64) (*RatchetRing, error) {
	if retention <= 0 {
		retention = DefaultRatchetRetention
	}
	if minInterval <= 0 {
		minInterval = DefaultRatchetMinInterval
	}
	r := &RatchetRing{
		retention:   retention,
		minInterval: minInterval,
		path:        path,
		identity:    owner,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("destination: read ratchet file: %w", err)
	}
	ring, err := verifyAndDecodeRatchetFile(data, owner)
	if err != nil {
		return nil, err
	}
	r.ring = ring
	return r, nil
}

// packRatchets canonically encodes the ring's private keys, newest
// first, as a msgpack array of 32-byte strings.
func packRatchets(ring []Ratchet) ([]byte, error) {
	privs := make([][]byte, len(ring))
	for i, r := range ring {
		privs[i] = append([]byte(nil), r.Priv[:]...)
	}
	return msgpack.Marshal(privs)
}

func unpackRatchets(packed []byte) ([]Ratchet, error) {
	var privs [][]byte
	if err := msgpack.Unmarshal(packed, &privs); err != nil {
		return nil, fmt.Errorf("destination: decode packed ratchets: %w", err)
	}
	ring := make([]Ratchet, 0, len(privs))
	for _, p := range privs {
		if len(p) != 32 {
			return nil, ErrRatchetFileCorrupt
		}
		var priv [32]byte
		copy(priv[:], p)
		pub, err := crypto.X25519PublicFromPrivate(priv)
		if err != nil {
			return nil, err
		}
		digest := crypto.SHA256(pub[:])
		var id [RatchetIDSize]byte
		copy(id[:], digest[:RatchetIDSize])
		ring = append(ring, Ratchet{Priv: priv, Pub: pub, ID: id})
	}
	return ring, nil
}

func verifyAndDecodeRatchetFile(data []byte, owner *identity.Identity) ([]Ratchet, error) {
	const sigSize = 64
	if len(data) < sigSize {
		return nil, ErrRatchetFileCorrupt
	}
	sig := data[:sigSize]
	packed := data[sigSize:]
	idHash := owner.Hash()
	signed := append(append([]byte(nil), idHash[:]...), packed...)
	if !owner.Validate(sig, signed) {
		return nil, ErrRatchetFileCorrupt
	}
	return unpackRatchets(packed)
}

// persist writes sign(identity_hash ‖ packed_ratchets) ‖ packed_ratchets
// atomically via temp-file-then-rename (§5, §6).
func (r *RatchetRing) persist() error {
	if r.path == "" {
		return nil
	}
	packed, err := packRatchets(r.ring)
	if err != nil {
		return err
	}
	idHash := r.identity.Hash()
	signed := append(append([]byte(nil), idHash[:]...), packed...)
	sig, err := r.identity.Sign(signed)
	if err != nil {
		return fmt.Errorf("destination: sign ratchet file: %w", err)
	}
	out := append(append([]byte(nil), sig...), packed...)

	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("destination: create ratchet directory: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0600); err != nil {
		return fmt.Errorf("destination: write ratchet temp file: %w", err)
	}
	return os.Rename(tmp, r.path)
}

// MaybeRotate rotates the ring (prepending a fresh ratchet, trimming to
// retention, persisting) iff the ring is empty or now-lastRotation is
// at least minInterval. It reports whether a rotation occurred.
func (r *RatchetRing) MaybeRotate(now int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ring) > 0 && now-r.lastRotation < r.minInterval {
		return false, nil
	}
	fresh, err := newRatchet()
	if err != nil {
		return false, err
	}
	r.ring = append([]Ratchet{fresh}, r.ring...)
	if len(r.ring) > r.retention {
		r.ring = r.ring[:r.retention]
	}
	r.lastRotation = now
	if err := r.persist(); err != nil {
		return false, err
	}
	return true, nil
}

// NewestPublic returns the public key of the most recently rotated
// ratchet, if any.
func (r *RatchetRing) NewestPublic() ([32]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.ring) == 0 {
		return [32]byte{}, false
	}
	return r.ring[0].Pub, true
}

// NewestID returns the id of the most recently rotated ratchet.
func (r *RatchetRing) NewestID() ([RatchetIDSize]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.ring) == 0 {
		return [RatchetIDSize]byte{}, false
	}
	return r.ring[0].ID, true
}

// RatchetPrivateKeys implements identity.RatchetSource: private keys
// newest first, for decrypt attempts.
func (r *RatchetRing) RatchetPrivateKeys() [][32]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([][32]byte, len(r.ring))
	for i, rk := range r.ring {
		out[i] = rk.Priv
	}
	return out
}

// Len reports the current ring size.
func (r *RatchetRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ring)
}

// IDs returns the ratchet ids newest-first, for tests/diagnostics.
func (r *RatchetRing) IDs() [][RatchetIDSize]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([][RatchetIDSize]byte, len(r.ring))
	for i, rk := range r.ring {
		out[i] = rk.ID
	}
	return out
}
