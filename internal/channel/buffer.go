package channel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// streamDataMsgType is the application-level msg_type a Buffer uses
// for its framed stream payloads.
const streamDataMsgType = 0x0001

const (
	flagNone = 0
	flagEOF  = 1 << 0
)

var ErrBufferClosed = errors.New("channel: buffer closed")

// streamDataMessage is stream_id(2) ‖ flags(1) ‖ data (§4.8).
type streamDataMessage struct {
	StreamID uint16
	Flags    byte
	Data     []byte
}

func (m streamDataMessage) encode() []byte {
	buf := make([]byte, 3+len(m.Data))
	binary.BigEndian.PutUint16(buf[0:2], m.StreamID)
	buf[2] = m.Flags
	copy(buf[3:], m.Data)
	return buf
}

func decodeStreamData(raw []byte) (streamDataMessage, error) {
	if len(raw) < 3 {
		return streamDataMessage{}, errors.New("channel: stream data message truncated")
	}
	return streamDataMessage{
		StreamID: binary.BigEndian.Uint16(raw[0:2]),
		Flags:    raw[2],
		Data:     raw[3:],
	}, nil
}

// Buffer exposes a simple reliable byte stream over a Channel, for
// callers that want io-style semantics instead of discrete messages.
type Buffer struct {
	mu       sync.Mutex
	ch       *Channel
	streamID uint16
	rx       bytes.Buffer
	eof      bool
	closed   bool
	cond     *sync.Cond
}

// NewBuffer opens a byte-stream identified by streamID on top of ch.
func NewBuffer(ch *Channel, streamID uint16) *Buffer {
	b := &Buffer{ch: ch, streamID: streamID}
	b.cond = sync.NewCond(&b.mu)
	ch.RegisterHandler(streamDataMsgType, func(payload []byte) error {
		return b.onPayload(payload)
	})
	return b
}

func (b *Buffer) onPayload(payload []byte) error {
	var raw []byte
	if err := msgpack.Unmarshal(payload, &raw); err != nil {
		return err
	}
	msg, err := decodeStreamData(raw)
	if err != nil {
		return err
	}
	if msg.StreamID != b.streamID {
		return nil
	}
	b.mu.Lock()
	b.rx.Write(msg.Data)
	if msg.Flags&flagEOF != 0 {
		b.eof = true
	}
	b.cond.Broadcast()
	b.mu.Unlock()
	return nil
}

// Write sends data as one stream-data message, without EOF.
func (b *Buffer) Write(data []byte) (int, error) {
	msg := streamDataMessage{StreamID: b.streamID, Flags: flagNone, Data: data}
	if err := b.ch.Send(streamDataMsgType, msg.encode()); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Close sends a zero-length EOF-flagged stream-data message.
func (b *Buffer) Close() error {
	msg := streamDataMessage{StreamID: b.streamID, Flags: flagEOF}
	return b.ch.Send(streamDataMsgType, msg.encode())
}

// Read drains up to len(p) bytes received so far, blocking until data
// or EOF is available.
func (b *Buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.rx.Len() == 0 && !b.eof && !b.closed {
		b.cond.Wait()
	}
	if b.rx.Len() == 0 {
		if b.eof {
			return 0, errBufferEOF
		}
		return 0, ErrBufferClosed
	}
	return b.rx.Read(p)
}

var errBufferEOF = errors.New("channel: buffer EOF")
