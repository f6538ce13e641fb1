package channel

import (
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/reticulum-go/rns/internal/destination"
	"github.com/reticulum-go/rns/internal/identity"
	"github.com/reticulum-go/rns/internal/link"
	"github.com/reticulum-go/rns/internal/packet"
	"github.com/stretchr/testify/require"
)

func linkedPair(t *testing.T) (a, b *link.Link, aToB, bToA chan *packet.Packet) {
	t.Helper()
	id, err := identity.Create()
	require.NoError(t, err)
	dest, err := destination.Create(id, destination.DirectionIn, destination.TypeSingle, "example_app", "channel")
	require.NoError(t, err)

	aToB = make(chan *packet.Packet, 16)
	bToA = make(chan *packet.Packet, 16)

	a, lr, err := link.CreateOutbound(dest, func(p *packet.Packet) error { aToB <- p; return nil }, nil)
	require.NoError(t, err)
	lrRaw := lr.Encode()
	decodedLR, err := packet.Decode(lrRaw)
	require.NoError(t, err)
	b, proof, err := link.AcceptInbound(decodedLR, lrRaw, nil, func(p *packet.Packet) error { bToA <- p; return nil }, nil)
	require.NoError(t, err)
	require.NoError(t, a.HandleProof(proof))
	b.CompleteAsResponder()

	go func() {
		for p := range aToB {
			b.HandleData(p)
		}
	}()
	go func() {
		for p := range bToA {
			a.HandleData(p)
		}
	}()
	return a, b, aToB, bToA
}

func TestChannelSendReceiveInOrder(t *testing.T) {
	a, b, aToB, bToA := linkedPair(t)
	defer close(aToB)
	defer close(bToA)

	chA := New(a)
	chB := New(b)

	var received []string
	done := make(chan struct{})
	chB.RegisterHandler(0x10, func(payload []byte) error {
		var s string
		if err := msgpack.Unmarshal(payload, &s); err != nil {
			return err
		}
		received = append(received, s)
		if len(received) == 2 {
			close(done)
		}
		return nil
	})

	require.NoError(t, chA.Send(0x10, "first"))
	require.NoError(t, chA.Send(0x10, "second"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("messages never arrived in order")
	}
	require.Equal(t, []string{"first", "second"}, received)

	require.Eventually(t, func() bool { return chA.InFlight() == 0 }, time.Second, time.Millisecond)
}

func TestChannelSendFailsWhenWindowFull(t *testing.T) {
	a, _, aToB, bToA := linkedPair(t)
	defer close(aToB)
	defer close(bToA)

	chA := New(a)
	chA.window = 1

	// First send consumes the only window slot; nothing acks it because
	// the peer side never registers a Channel to auto-ACK.
	require.NoError(t, chA.Send(0x10, "one"))
	err := chA.Send(0x10, "two")
	require.ErrorIs(t, err, ErrWindowFull)
}

func TestBufferWriteReadRoundTrip(t *testing.T) {
	a, b, aToB, bToA := linkedPair(t)
	defer close(aToB)
	defer close(bToA)

	chA := New(a)
	chB := New(b)

	bufA := NewBuffer(chA, 1)
	bufB := NewBuffer(chB, 1)
	_ = bufA

	_, err := bufA.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = bufA.Write([]byte("world"))
	require.NoError(t, err)

	got := make([]byte, 64)
	total := 0
	for total < len("hello world") {
		n, err := bufB.Read(got[total:])
		require.NoError(t, err)
		total += n
	}
	require.Equal(t, "hello world", string(got[:total]))
}
