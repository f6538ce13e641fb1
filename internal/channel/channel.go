// Package channel implements a sequenced, windowed-ACK message stream
// multiplexed over a Link, plus a Buffer byte-stream abstraction on
// top of it (§4.8).
package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/reticulum-go/rns/internal/link"
	"github.com/reticulum-go/rns/internal/packet"
)

const (
	// SystemMessageMin is the first msg_type value reserved for
	// channel-internal control messages (ACK, etc.); application
	// message types must stay below it.
	SystemMessageMin = 0xF000

	msgTypeACK = SystemMessageMin + 1

	DefaultWindow = 2
	MaxWindow     = 48

	envelopeHeaderSize = 2 + 2 // msg_type + seq
)

var (
	ErrEnvelopeTooShort = errors.New("channel: envelope shorter than header")
	ErrWindowFull       = errors.New("channel: send window full")
	ErrUnknownType      = errors.New("channel: no handler registered for message type")
)

// envelope is the wire unit: msg_type(2) ‖ seq(2, big-endian, mod
// 2^16) ‖ msgpack(payload).
type envelope struct {
	msgType uint16
	seq     uint16
	payload []byte
}

func encodeEnvelope(e envelope) []byte {
	buf := make([]byte, envelopeHeaderSize+len(e.payload))
	binary.BigEndian.PutUint16(buf[0:2], e.msgType)
	binary.BigEndian.PutUint16(buf[2:4], e.seq)
	copy(buf[4:], e.payload)
	return buf
}

func decodeEnvelope(raw []byte) (envelope, error) {
	if len(raw) < envelopeHeaderSize {
		return envelope{}, ErrEnvelopeTooShort
	}
	return envelope{
		msgType: binary.BigEndian.Uint16(raw[0:2]),
		seq:     binary.BigEndian.Uint16(raw[2:4]),
		payload: raw[4:],
	}, nil
}

// MessageHandler decodes and acts on one received payload for a given
// msg_type. Implementations use msgpack to unmarshal payload.
type MessageHandler func(payload []byte) error

// Channel sequences outbound envelopes and tracks a windowed ACK
// scheme over an underlying Link (§4.8).
type Channel struct {
	mu sync.Mutex

	l *link.Link

	sendSeq    uint16
	recvSeq    uint16
	window     int
	inFlight   map[uint16][]byte
	handlers   map[uint16]MessageHandler

	outOfOrder map[uint16]envelope
}

// New wraps l with channel framing. Every received Link payload is
// routed through Dispatch via l's data callback.
func New(l *link.Link) *Channel {
	c := &Channel{
		l:        l,
		window:   DefaultWindow,
		inFlight: make(map[uint16][]byte),
		handlers: make(map[uint16]MessageHandler),
		outOfOrder: make(map[uint16]envelope),
	}
	l.OnData(func(_ *link.Link, _ packet.Context, plaintext []byte) {
		c.dispatch(plaintext)
	})
	return c
}

// RegisterHandler binds a handler for a given application msg_type.
// msgType must be below SystemMessageMin.
func (c *Channel) RegisterHandler(msgType uint16, h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = h
}

// Send marshals payload with msgpack, assigns the next sequence
// number, and ships the envelope over the Link, failing if the send
// window is already full (§4.8).
func (c *Channel) Send(msgType uint16, payload any) error {
	encoded, err := msgpack.Marshal(payload)
	if err != nil {
		return fmt.Errorf("channel: marshal payload: %w", err)
	}

	c.mu.Lock()
	if len(c.inFlight) >= c.window {
		c.mu.Unlock()
		return ErrWindowFull
	}
	seq := c.sendSeq
	c.sendSeq++
	env := envelope{msgType: msgType, seq: seq, payload: encoded}
	raw := encodeEnvelope(env)
	c.inFlight[seq] = raw
	c.mu.Unlock()

	return c.l.Send(raw)
}

func (c *Channel) sendACK(seq uint16) {
	env := envelope{msgType: msgTypeACK, seq: seq}
	_ = c.l.Send(encodeEnvelope(env))
}

// dispatch handles one decrypted payload arriving from the Link: ACKs
// clear the sender's in-flight map; everything else is delivered
// in-order to its registered handler, buffering early arrivals.
func (c *Channel) dispatch(raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return
	}

	if env.msgType == msgTypeACK {
		c.mu.Lock()
		delete(c.inFlight, env.seq)
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if env.seq != c.recvSeq {
		c.outOfOrder[env.seq] = env
		c.mu.Unlock()
		return
	}
	c.recvSeq++
	ready := []envelope{env}
	for {
		next, ok := c.outOfOrder[c.recvSeq]
		if !ok {
			break
		}
		delete(c.outOfOrder, c.recvSeq)
		ready = append(ready, next)
		c.recvSeq++
	}
	handlers := c.handlers
	c.mu.Unlock()

	for _, e := range ready {
		c.sendACK(e.seq)
		if h, ok := handlers[e.msgType]; ok {
			_ = h(e.payload)
		}
	}
}

// InFlight returns the count of unacknowledged sent envelopes.
func (c *Channel) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}
