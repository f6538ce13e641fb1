// Package lxmf implements the store-and-forward messaging layer built
// on top of Destination/Link/Resource: message wire form and
// signature, a delivery state machine with opportunistic/direct/
// propagated/resource-based paths, propagation-node sync, and an
// in-memory outbound queue with retries (§4.9); the queue is not
// persisted across restarts.
package lxmf

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/reticulum-go/rns/internal/crypto"
	"github.com/reticulum-go/rns/internal/destination"
)

var (
	ErrBadSignature  = errors.New("lxmf: message signature invalid")
	ErrMessageTooShort = errors.New("lxmf: message shorter than fixed header")
)

// fields carries arbitrary named attachments (e.g. "file", "image",
// "group") alongside title/content, msgpack-encoded as a generic map
// so unknown keys round-trip untouched.
type Fields map[string]any

// Message is one LXMF message: destination/source addressing, a
// timestamp, free-form title/content, and a signature over the fixed
// fields (§4.9).
type Message struct {
	DestinationHash destination.Hash
	SourceHash      destination.Hash
	Timestamp       int64
	Title           string
	Content         []byte
	Fields          Fields

	Signature []byte
}

type payload struct {
	// Encoded as a msgpack array [title, content, fields].
	_msgpack struct{} `msgpack:",as_array"`

	Title   string `msgpack:"title"`
	Content []byte `msgpack:"content"`
	Fields  Fields `msgpack:"fields"`
}

func (m *Message) signedData() ([]byte, error) {
	buf := make([]byte, 0, 16+16+8)
	buf = append(buf, m.DestinationHash[:]...)
	buf = append(buf, m.SourceHash[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(m.Timestamp))
	buf = append(buf, ts[:]...)
	buf = append(buf, []byte(m.Title)...)
	buf = append(buf, m.Content...)
	if len(m.Fields) > 0 {
		encodedFields, err := msgpack.Marshal(m.Fields)
		if err != nil {
			return nil, err
		}
		buf = append(buf, encodedFields...)
	}
	return buf, nil
}

// Sign computes and stores the message signature under src.
func (m *Message) Sign(src destinationSigner) error {
	data, err := m.signedData()
	if err != nil {
		return err
	}
	sig, err := src.Sign(data)
	if err != nil {
		return fmt.Errorf("lxmf: sign message: %w", err)
	}
	m.Signature = sig
	return nil
}

// destinationSigner is the minimal capability Message.Sign needs,
// satisfied by *identity.Identity.
type destinationSigner interface {
	Sign(message []byte) ([]byte, error)
}

// destinationVerifier is the minimal capability Verify needs.
type destinationVerifier interface {
	Validate(sig, message []byte) bool
}

// Verify checks m.Signature against srcIdentity's public signing key.
func (m *Message) Verify(srcIdentity destinationVerifier) bool {
	data, err := m.signedData()
	if err != nil {
		return false
	}
	return srcIdentity.Validate(m.Signature, data)
}

// Encode serializes the wire form:
// destination_hash ‖ source_hash ‖ signature ‖ timestamp(8) ‖
// msgpack([title, content, fields]) (§4.9).
func (m *Message) Encode() ([]byte, error) {
	body, err := msgpack.Marshal(payload{Title: m.Title, Content: m.Content, Fields: m.Fields})
	if err != nil {
		return nil, fmt.Errorf("lxmf: marshal payload: %w", err)
	}
	buf := make([]byte, 0, 16+16+len(m.Signature)+8+len(body))
	buf = append(buf, m.DestinationHash[:]...)
	buf = append(buf, m.SourceHash[:]...)
	buf = append(buf, m.Signature...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(m.Timestamp))
	buf = append(buf, ts[:]...)
	buf = append(buf, body...)
	return buf, nil
}

const sigSize = 64

// Decode parses the wire form produced by Encode.
func Decode(raw []byte) (*Message, error) {
	if len(raw) < 16+16+sigSize+8 {
		return nil, ErrMessageTooShort
	}
	m := &Message{}
	pos := 0
	copy(m.DestinationHash[:], raw[pos:pos+16])
	pos += 16
	copy(m.SourceHash[:], raw[pos:pos+16])
	pos += 16
	m.Signature = append([]byte(nil), raw[pos:pos+sigSize]...)
	pos += sigSize
	m.Timestamp = int64(binary.BigEndian.Uint64(raw[pos : pos+8]))
	pos += 8

	var p payload
	if err := msgpack.Unmarshal(raw[pos:], &p); err != nil {
		return nil, fmt.Errorf("lxmf: unmarshal payload: %w", err)
	}
	m.Title = p.Title
	m.Content = p.Content
	m.Fields = p.Fields
	return m, nil
}

// HashID returns the content-addressed identifier of an encoded
// message, used as its propagation-store key.
func HashID(encoded []byte) [16]byte {
	d := crypto.SHA256(encoded)
	var h [16]byte
	copy(h[:], d[:16])
	return h
}
