// Package packet implements the bit-exact Reticulum packet header and
// payload codec (§3, §4.4): a single flag byte, a hop counter, an
// optional transport id, a 16-byte destination hash, a context byte,
// and the payload.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderType selects whether a transport_id field is present.
type HeaderType uint8

const (
	HeaderType1 HeaderType = 0 // no transport_id
	HeaderType2 HeaderType = 1 // transport_id present
)

// TransportType distinguishes a locally-originated broadcast from a
// forwarded, transport-relayed packet.
type TransportType uint8

const (
	TransportBroadcast TransportType = 0
	TransportRelay      TransportType = 1
	TransportTunnel     TransportType = 2
)

// DestinationType per §6.
type DestinationType uint8

const (
	DestinationSingle DestinationType = 0x00
	DestinationGroup  DestinationType = 0x01
	DestinationPlain  DestinationType = 0x02
	DestinationLink   DestinationType = 0x03
)

// Type is the packet type per §6.
type Type uint8

const (
	TypeData         Type = 0x00
	TypeAnnounce     Type = 0x01
	TypeLinkRequest  Type = 0x02
	TypeProof        Type = 0x03
)

// Context values, selected constants from §6.
type Context uint8

const (
	ContextNone         Context = 0x00
	ContextResource     Context = 0x01
	ContextResourceAdv  Context = 0x02
	ContextResourceReq  Context = 0x03
	ContextResourceHMU  Context = 0x04
	ContextResourcePRF  Context = 0x05
	ContextResourceICL  Context = 0x06
	ContextResourceRCL  Context = 0x07
	ContextCacheRequest Context = 0x08
	ContextRequest      Context = 0x09
	ContextResponse     Context = 0x0A
	ContextPathResponse Context = 0x0B
	ContextChannel      Context = 0x0E
	ContextKeepalive    Context = 0xFA
	ContextLinkIdentify Context = 0xFB
	ContextLinkClose    Context = 0xFC
	ContextLinkProof    Context = 0xFD
	ContextLRRTT        Context = 0xFE
	ContextLRProof      Context = 0xFF
)

const (
	DestinationHashSize = 16
	TransportIDSize     = 16

	// HeaderMin1 is the minimum raw size of a HEADER_1 packet:
	// flags(1) + hops(1) + dest_hash(16) + context(1).
	HeaderMin1 = 1 + 1 + DestinationHashSize + 1
	// HeaderMin2 additionally carries a transport_id.
	HeaderMin2 = HeaderMin1 + TransportIDSize
)

var (
	ErrTooShort    = errors.New("packet: buffer shorter than minimum header")
	ErrBadContext  = errors.New("packet: context_flag set but no ratchet/extra data")
)

// Header is the decoded flag byte plus the fields it selects.
type Header struct {
	HeaderType      HeaderType
	TransportType   TransportType
	DestinationType DestinationType
	Type            Type
	ContextFlag     bool
	Hops            uint8
	TransportID     [TransportIDSize]byte // valid iff HeaderType == HeaderType2
	HasTransportID  bool
	DestinationHash [DestinationHashSize]byte
	Context         Context
}

func encodeFlags(h Header) byte {
	var b byte
	if h.HeaderType == HeaderType2 {
		b |= 1 << 7
	}
	b |= (byte(h.TransportType) & 0x3) << 5
	b |= (byte(h.DestinationType) & 0x3) << 3
	b |= (byte(h.Type) & 0x3) << 1
	if h.ContextFlag {
		b |= 1
	}
	return b
}

func decodeFlags(b byte) Header {
	var h Header
	if b&(1<<7) != 0 {
		h.HeaderType = HeaderType2
	} else {
		h.HeaderType = HeaderType1
	}
	h.TransportType = TransportType((b >> 5) & 0x3)
	h.DestinationType = DestinationType((b >> 3) & 0x3)
	h.Type = Type((b >> 1) & 0x3)
	h.ContextFlag = b&1 != 0
	return h
}

// Packet is a fully decoded Reticulum packet.
type Packet struct {
	Header  Header
	Data    []byte
}

// Encode serializes the packet to its wire form.
func (p *Packet) Encode() []byte {
	size := 1 + 1 + DestinationHashSize + 1 + len(p.Data)
	if p.Header.HeaderType == HeaderType2 {
		size += TransportIDSize
	}
	buf := make([]byte, 0, size)
	buf = append(buf, encodeFlags(p.Header))
	buf = append(buf, p.Header.Hops)
	if p.Header.HeaderType == HeaderType2 {
		buf = append(buf, p.Header.TransportID[:]...)
	}
	buf = append(buf, p.Header.DestinationHash[:]...)
	buf = append(buf, byte(p.Header.Context))
	buf = append(buf, p.Data...)
	return buf
}

// Decode parses a raw packet from the wire.
func Decode(raw []byte) (*Packet, error) {
	if len(raw) < HeaderMin1 {
		return nil, ErrTooShort
	}
	h := decodeFlags(raw[0])
	pos := 1
	h.Hops = raw[pos]
	pos++

	if h.HeaderType == HeaderType2 {
		if len(raw) < HeaderMin2 {
			return nil, ErrTooShort
		}
		copy(h.TransportID[:], raw[pos:pos+TransportIDSize])
		h.HasTransportID = true
		pos += TransportIDSize
	}

	copy(h.DestinationHash[:], raw[pos:pos+DestinationHashSize])
	pos += DestinationHashSize

	h.Context = Context(raw[pos])
	pos++

	return &Packet{Header: h, Data: raw[pos:]}, nil
}

// RawWithoutHops returns a copy of the packet's encoded form with the
// hops byte zeroed, used as the dedup key (§4.5) so that re-emission
// with an incremented hop count doesn't escape deduplication.
func RawWithoutHops(raw []byte) []byte {
	if len(raw) < 2 {
		return raw
	}
	out := append([]byte(nil), raw...)
	out[1] = 0
	return out
}

func (t Type) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeAnnounce:
		return "announce"
	case TypeLinkRequest:
		return "link_request"
	case TypeProof:
		return "proof"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// EncodeRandomHash packs the announce random_hash field: 5 random bytes
// followed by the 5 low bytes of a big-endian unix-seconds timestamp.
func EncodeRandomHash(random [5]byte, unixSeconds int64) [10]byte {
	var out [10]byte
	copy(out[:5], random[:])
	var full [8]byte
	binary.BigEndian.PutUint64(full[:], uint64(unixSeconds))
	copy(out[5:], full[3:8])
	return out
}

// DecodeRandomHashTimestamp extracts the big-endian seconds-since-epoch
// trailer of a random_hash field.
func DecodeRandomHashTimestamp(randomHash [10]byte) int64 {
	var full [8]byte
	copy(full[3:8], randomHash[5:])
	return int64(binary.BigEndian.Uint64(full[:]))
}
