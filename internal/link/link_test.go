package link

import (
	"testing"
	"time"

	"github.com/reticulum-go/rns/internal/destination"
	"github.com/reticulum-go/rns/internal/identity"
	"github.com/reticulum-go/rns/internal/packet"
	"github.com/stretchr/testify/require"
)

func mustDestination(t *testing.T) *destination.Destination {
	t.Helper()
	id, err := identity.Create()
	require.NoError(t, err)
	d, err := destination.Create(id, destination.DirectionIn, destination.TypeSingle, "example_app", "link")
	require.NoError(t, err)
	return d
}

// wireHarness wires an initiator and a responder Link directly,
// bypassing Transport/iface — the handshake/key-schedule logic under
// test doesn't depend on how packets are carried.
type wireHarness struct {
	initiatorOut []*packet.Packet
	responderOut []*packet.Packet
}

func TestHandshakeDerivesMatchingKeysBothSides(t *testing.T) {
	dest := mustDestination(t)

	var lrPacket *packet.Packet
	initiator, lr, err := CreateOutbound(dest, func(p *packet.Packet) error {
		lrPacket = p
		return nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusHandshake, initiator.Status())
	lrRaw := lr.Encode()
	// CreateOutbound returns the LINKREQUEST for the caller to send; it
	// does not pass it to the outbound callback itself.
	require.Nil(t, lrPacket)

	var proofSent *packet.Packet
	decodedLR, err := packet.Decode(lrRaw)
	require.NoError(t, err)
	responder, proof, err := AcceptInbound(decodedLR, lrRaw, nil, func(p *packet.Packet) error {
		proofSent = p
		return nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, initiator.ID(), responder.ID())

	require.NoError(t, initiator.HandleProof(proof))
	require.Equal(t, StatusActive, initiator.Status())

	responder.CompleteAsResponder()
	require.Equal(t, StatusActive, responder.Status())
	// Likewise AcceptInbound returns the PROOF rather than sending it.
	require.Nil(t, proofSent)

	require.Equal(t, initiator.tokenKeys, responder.tokenKeys)
}

func TestHandshakeRejectsTamperedProofHMAC(t *testing.T) {
	dest := mustDestination(t)
	initiator, lr, err := CreateOutbound(dest, func(p *packet.Packet) error { return nil }, nil)
	require.NoError(t, err)
	lrRaw := lr.Encode()

	decodedLR, err := packet.Decode(lrRaw)
	require.NoError(t, err)
	_, proof, err := AcceptInbound(decodedLR, lrRaw, nil, func(p *packet.Packet) error { return nil }, nil)
	require.NoError(t, err)

	tampered := &packet.Packet{Header: proof.Header, Data: append([]byte(nil), proof.Data...)}
	tampered.Data[len(tampered.Data)-1] ^= 0xFF

	err = initiator.HandleProof(tampered)
	require.ErrorIs(t, err, ErrBadProof)
	require.Equal(t, StatusHandshake, initiator.Status())
}

func TestMTUNegotiationPicksMinimum(t *testing.T) {
	dest := mustDestination(t)
	initiator, lr, err := CreateOutbound(dest, func(p *packet.Packet) error { return nil }, nil)
	require.NoError(t, err)
	initiator.localMTU = 1500
	lrRaw := lr.Encode()

	decodedLR, err := packet.Decode(lrRaw)
	require.NoError(t, err)
	responder, proof, err := AcceptInbound(decodedLR, lrRaw, nil, func(p *packet.Packet) error { return nil }, nil)
	require.NoError(t, err)
	responder.localMTU = 900
	// The PROOF already carries the MTU the responder had when
	// AcceptInbound built it; re-encode the lowered value into it.
	mtu := EncodeMTU(0, responder.localMTU)
	copy(proof.Data[ephemeralPairSize:ephemeralPairSize+3], mtu[:])

	require.NoError(t, initiator.HandleProof(proof))
	responder.CompleteAsResponder()

	require.Equal(t, uint32(900), initiator.MTU())
	require.Equal(t, uint32(900), responder.MTU())
}

func TestSendReceiveRoundTripThroughToken(t *testing.T) {
	dest := mustDestination(t)

	var fromInitiator *packet.Packet
	initiator, lr, err := CreateOutbound(dest, func(p *packet.Packet) error { fromInitiator = p; return nil }, nil)
	require.NoError(t, err)
	lrRaw := lr.Encode()

	decodedLR, err := packet.Decode(lrRaw)
	require.NoError(t, err)
	var fromResponder *packet.Packet
	responder, proof, err := AcceptInbound(decodedLR, lrRaw, nil, func(p *packet.Packet) error { fromResponder = p; return nil }, nil)
	require.NoError(t, err)

	require.NoError(t, initiator.HandleProof(proof))
	responder.CompleteAsResponder()

	var got []byte
	responder.OnData(func(l *Link, ctx packet.Context, plaintext []byte) { got = plaintext })

	require.NoError(t, initiator.Send([]byte("hello link")))
	require.NotNil(t, fromInitiator)
	responder.HandleData(fromInitiator)
	require.Equal(t, []byte("hello link"), got)

	var gotBack []byte
	initiator.OnData(func(l *Link, ctx packet.Context, plaintext []byte) { gotBack = plaintext })
	require.NoError(t, responder.Send([]byte("reply")))
	require.NotNil(t, fromResponder)
	initiator.HandleData(fromResponder)
	require.Equal(t, []byte("reply"), gotBack)
}

func TestHandleDataIntegrityFailureClosesAfterThreshold(t *testing.T) {
	dest := mustDestination(t)
	initiator, lr, err := CreateOutbound(dest, func(p *packet.Packet) error { return nil }, nil)
	require.NoError(t, err)
	lrRaw := lr.Encode()
	decodedLR, err := packet.Decode(lrRaw)
	require.NoError(t, err)
	responder, proof, err := AcceptInbound(decodedLR, lrRaw, nil, func(p *packet.Packet) error { return nil }, nil)
	require.NoError(t, err)
	require.NoError(t, initiator.HandleProof(proof))
	responder.CompleteAsResponder()

	bogus := &packet.Packet{Data: []byte("not a valid token at all, too short or wrong mac")}
	for i := 0; i < IntegrityFailureThreshold; i++ {
		responder.HandleData(bogus)
	}
	require.Equal(t, StatusClosed, responder.Status())
}

func TestRecordRTTEWMA(t *testing.T) {
	dest := mustDestination(t)
	initiator, _, err := CreateOutbound(dest, func(p *packet.Packet) error { return nil }, nil)
	require.NoError(t, err)

	initiator.RecordRTT(100 * time.Millisecond)
	require.Equal(t, 100*time.Millisecond, initiator.RTT())

	initiator.RecordRTT(200 * time.Millisecond)
	require.Greater(t, initiator.RTT(), 100*time.Millisecond)
	require.Less(t, initiator.RTT(), 200*time.Millisecond)
}

func TestCloseInvokesCallbackAndIsIdempotent(t *testing.T) {
	dest := mustDestination(t)
	initiator, _, err := CreateOutbound(dest, func(p *packet.Packet) error { return nil }, nil)
	require.NoError(t, err)

	var closedCount int
	initiator.OnClosed(func(l *Link) { closedCount++ })

	initiator.Close()
	initiator.Close()
	require.Equal(t, 1, closedCount)
	require.Equal(t, StatusClosed, initiator.Status())
}

func TestSendOnInactiveLinkFails(t *testing.T) {
	dest := mustDestination(t)
	initiator, _, err := CreateOutbound(dest, func(p *packet.Packet) error { return nil }, nil)
	require.NoError(t, err)

	err = initiator.Send([]byte("too early"))
	require.ErrorIs(t, err, ErrNotActive)
}

func TestManagerWatchdogTransitionsStaleThenClosed(t *testing.T) {
	dest := mustDestination(t)
	initiator, lr, err := CreateOutbound(dest, func(p *packet.Packet) error { return nil }, nil)
	require.NoError(t, err)
	lrRaw := lr.Encode()
	decodedLR, err := packet.Decode(lrRaw)
	require.NoError(t, err)
	responder, proof, err := AcceptInbound(decodedLR, lrRaw, nil, func(p *packet.Packet) error { return nil }, nil)
	require.NoError(t, err)
	require.NoError(t, initiator.HandleProof(proof))
	responder.CompleteAsResponder()

	now := time.Now()
	initiator.lastActivity = now.Add(-1 * time.Hour)
	initiator.checkTimeouts(now, 30*time.Second, 2*time.Minute)
	require.Equal(t, StatusStale, initiator.Status())

	initiator.lastActivity = now.Add(-1 * time.Hour)
	initiator.checkTimeouts(now, 30*time.Second, 1*time.Second)
	require.Equal(t, StatusClosed, initiator.Status())
}

func TestAcceptInboundRejectsShortPayload(t *testing.T) {
	p := &packet.Packet{Data: []byte("short")}
	_, _, err := AcceptInbound(p, p.Encode(), nil, func(p *packet.Packet) error { return nil }, nil)
	require.ErrorIs(t, err, ErrBadLinkRequest)
}
