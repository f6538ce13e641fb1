// Package destination implements the Reticulum Destination: a named,
// identity-bound endpoint with a 16-byte hash, the ratchet key ring
// that gives SINGLE destinations forward secrecy, and announce
// generation/validation (§3, §4.3).
package destination

import (
	"errors"
	"fmt"
	"strings"

	"github.com/reticulum-go/rns/internal/crypto"
	"github.com/reticulum-go/rns/internal/identity"
)

// Direction of a destination: whether this node owns it (IN) or merely
// addresses it (OUT).
type Direction uint8

const (
	DirectionIn Direction = iota
	DirectionOut
)

// Type selects the addressing/encryption model of a destination.
type Type uint8

const (
	TypeSingle Type = iota
	TypeGroup
	TypePlain
	TypeLink
)

const (
	NameHashSize = 10
	HashSize     = 16
)

var (
	ErrDotInComponent  = errors.New("destination: app_name/aspect may not contain '.'")
	ErrEmptyName       = errors.New("destination: app_name must not be empty")
	ErrNotAnnounceable = errors.New("destination: only SINGLE/IN destinations may announce")
	ErrRatchetNotSingle = errors.New("destination: ratchets are only valid on SINGLE destinations")
)

// Hash identifies a destination on the wire.
type Hash [HashSize]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

// NameHash identifies a destination's (app_name, aspects) pair.
type NameHash [NameHashSize]byte

// Name joins app_name and aspects into the dotted name string and
// computes its 10-byte hash, validating that no component contains a
// literal dot.
func Name(appName string, aspects ...string) (string, NameHash, error) {
	if appName == "" {
		return "", NameHash{}, ErrEmptyName
	}
	components := append([]string{appName}, aspects...)
	for _, c := range components {
		if strings.Contains(c, ".") {
			return "", NameHash{}, ErrDotInComponent
		}
	}
	full := strings.Join(components, ".")
	digest := crypto.SHA256([]byte(full))
	var nh NameHash
	copy(nh[:], digest[:NameHashSize])
	return full, nh, nil
}

// ComputeHash derives a destination hash from its name hash and, for
// non-PLAIN destinations, the owning identity's hash (§3): for PLAIN,
// hash = SHA-256(name_hash)[:16]; otherwise
// hash = SHA-256(name_hash ‖ identity_hash)[:16].
func ComputeHash(t Type, nameHash NameHash, idHash *identity.Hash) Hash {
	var digest []byte
	if t == TypePlain || idHash == nil {
		digest = crypto.SHA256(nameHash[:])
	} else {
		digest = crypto.SHA256(nameHash[:], idHash[:])
	}
	var h Hash
	copy(h[:], digest[:HashSize])
	return h
}

// Destination is a named, identity-bound Reticulum endpoint.
type Destination struct {
	Identity  *identity.Identity // nil for PLAIN destinations
	Direction Direction
	Type      Type
	AppName   string
	Aspects   []string
	FullName  string
	NameHash  NameHash
	Hash      Hash

	// DefaultAppData is used as the app_data of outgoing announces when
	// no explicit app_data is given.
	DefaultAppData []byte

	// GroupKey is a 32-byte symmetric key, GROUP destinations only.
	GroupKey *[32]byte

	Ratchets *RatchetRing // non-nil only for SINGLE destinations with ratchets enabled
}

// Create builds a new Destination. ident may be nil only for
// TypePlain. Ratchets are not enabled by default; call EnableRatchets.
func Create(ident *identity.Identity, dir Direction, typ Type, appName string, aspects ...string) (*Destination, error) {
	full, nameHash, err := Name(appName, aspects...)
	if err != nil {
		return nil, err
	}
	var idHash *identity.Hash
	if ident != nil {
		h := ident.Hash()
		idHash = &h
	}
	d := &Destination{
		Identity:  ident,
		Direction: dir,
		Type:      typ,
		AppName:   appName,
		Aspects:   append([]string(nil), aspects...),
		FullName:  full,
		NameHash:  nameHash,
		Hash:      ComputeHash(typ, nameHash, idHash),
	}
	return d, nil
}

// CanAnnounce reports whether this destination may generate announces
// (§3: "Only SINGLE/IN destinations may announce").
func (d *Destination) CanAnnounce() bool {
	return d.Type == TypeSingle && d.Direction == DirectionIn
}

// EnableRatchets turns on the ratchet ring for a SINGLE destination,
// loading any persisted ring from path (or starting empty).
func (d *Destination) EnableRatchets(path string, retention int, minInterval int64) error {
	if d.Type != TypeSingle {
		return ErrRatchetNotSingle
	}
	ring, err := LoadRatchetRing(path, d.Identity, retention, minInterval)
	if err != nil {
		return err
	}
	d.Ratchets = ring
	return nil
}

// Encrypt encrypts plaintext to this destination, using the newest
// ratchet key if a ring is enabled and non-empty, else the identity's
// base public key.
func (d *Destination) Encrypt(plaintext []byte) ([]byte, error) {
	if d.Identity == nil {
		return nil, errors.New("destination: no identity to encrypt to")
	}
	var ratchetPub *[32]byte
	if d.Ratchets != nil {
		if pub, ok := d.Ratchets.NewestPublic(); ok {
			ratchetPub = &pub
		}
	}
	return d.Identity.Encrypt(plaintext, ratchetPub)
}

// Decrypt decrypts ciphertext addressed to this IN destination.
func (d *Destination) Decrypt(ciphertext []byte, enforceRatchets bool) ([]byte, int, bool) {
	var ratchets identity.RatchetSource
	if d.Ratchets != nil {
		ratchets = d.Ratchets
	}
	return d.Identity.Decrypt(ciphertext, ratchets, enforceRatchets)
}
