package transport

import (
	"testing"
	"time"

	"github.com/reticulum-go/rns/internal/destination"
	"github.com/reticulum-go/rns/internal/iface"
	"github.com/reticulum-go/rns/internal/identity"
	"github.com/reticulum-go/rns/internal/packet"
	"github.com/stretchr/testify/require"
)

func mustDestination(t *testing.T) (*identity.Identity, *destination.Destination) {
	t.Helper()
	id, err := identity.Create()
	require.NoError(t, err)
	d, err := destination.Create(id, destination.DirectionIn, destination.TypeSingle, "example_app", "echo")
	require.NoError(t, err)
	return id, d
}

func TestInboundAnnounceIncrementsHopsOnce(t *testing.T) {
	_, d := mustDestination(t)
	tr := New(nil, false, nil)
	a, _ := iface.NewPipePair("a", "b", 1500)

	p, err := d.GenerateAnnounce(nil, false, time.Now().Unix())
	require.NoError(t, err)
	require.Equal(t, uint8(0), p.Header.Hops)

	var gotHops uint8
	var fired int
	tr.RegisterAnnounceHandler(func(info *destination.AnnounceInfo, pkt *packet.Packet, from iface.Interface) {
		fired++
		gotHops = pkt.Header.Hops
	})

	tr.Inbound(p.Encode(), a)
	require.Equal(t, 1, fired)
	require.Equal(t, uint8(1), gotHops)
}

func TestPathPreferenceKeepsFewerHopsRegardlessOfArrivalOrder(t *testing.T) {
	_, d := mustDestination(t)
	tr := New(nil, false, nil)
	a, _ := iface.NewPipePair("a", "b", 1500)
	c, _ := iface.NewPipePair("c", "d", 1500)

	base := time.Now().Unix()
	pFar, err := d.GenerateAnnounce(nil, false, base)
	require.NoError(t, err)
	pFar.Header.Hops = 2 // pre-forwarded through two hops already

	pNear, err := d.GenerateAnnounce(nil, false, base+1)
	require.NoError(t, err)
	// pNear arrives fresh (0 existing hops); Inbound increments it to 1,
	// which still beats pFar's post-admission 3.

	// Farther path arrives first.
	tr.Inbound(pFar.Encode(), a)
	entry, ok := tr.paths.Lookup(d.Hash, time.Now())
	require.True(t, ok)
	require.Equal(t, uint8(3), entry.Hops) // incremented from 2 to 3 on admission
	require.Equal(t, a, entry.NextHopInterface)

	// Nearer path arrives second; Inbound increments 0 -> 1, which beats 3.
	tr.Inbound(pNear.Encode(), c)
	entry, ok = tr.paths.Lookup(d.Hash, time.Now())
	require.True(t, ok)
	require.Equal(t, uint8(1), entry.Hops)
	require.Equal(t, c, entry.NextHopInterface)
}

func TestIFACIsolationRejectsWrongKeyBeforeUnpacking(t *testing.T) {
	_, d := mustDestination(t)
	tr := New(nil, false, nil)

	a, _ := iface.NewPipePair("a", "b", 1500)
	a.NetName = "test_network"
	a.NetKey = []byte("passphrase-one")

	var fired int
	tr.RegisterAnnounceHandler(func(info *destination.AnnounceInfo, pkt *packet.Packet, from iface.Interface) {
		fired++
	})

	p, err := d.GenerateAnnounce(nil, false, time.Now().Unix())
	require.NoError(t, err)

	wrongKey, err := DeriveIFACKey("test_network", []byte("passphrase-two"))
	require.NoError(t, err)
	masked := MaskPacket(wrongKey, p.Encode())

	tr.Inbound(masked, a)
	require.Equal(t, 0, fired)
	require.Equal(t, 0, tr.paths.Len())
}

func TestIFACAcceptsMatchingKey(t *testing.T) {
	_, d := mustDestination(t)
	tr := New(nil, false, nil)

	a, _ := iface.NewPipePair("a", "b", 1500)
	a.NetName = "test_network"
	a.NetKey = []byte("shared-passphrase")

	var fired int
	tr.RegisterAnnounceHandler(func(info *destination.AnnounceInfo, pkt *packet.Packet, from iface.Interface) {
		fired++
	})

	p, err := d.GenerateAnnounce(nil, false, time.Now().Unix())
	require.NoError(t, err)

	key, err := DeriveIFACKey("test_network", []byte("shared-passphrase"))
	require.NoError(t, err)
	masked := MaskPacket(key, p.Encode())

	tr.Inbound(masked, a)
	require.Equal(t, 1, fired)
}

func TestDedupSuppressesReplayedPacket(t *testing.T) {
	_, d := mustDestination(t)
	tr := New(nil, false, nil)
	a, _ := iface.NewPipePair("a", "b", 1500)

	p, err := d.GenerateAnnounce(nil, false, time.Now().Unix())
	require.NoError(t, err)

	var fired int
	tr.RegisterAnnounceHandler(func(info *destination.AnnounceInfo, pkt *packet.Packet, from iface.Interface) {
		fired++
	})

	raw := p.Encode()
	tr.Inbound(raw, a)
	tr.Inbound(raw, a)
	require.Equal(t, 1, fired)
}

func TestRegisteredDestinationReceivesDecryptedData(t *testing.T) {
	recvID, recvDest := mustDestination(t)
	tr := New(nil, false, nil)
	tr.RegisterDestination(recvDest)
	a, _ := iface.NewPipePair("a", "b", 1500)

	// A peer holding only recvDest's public key material encrypts to it.
	pub, err := identity.FromPublic(recvID.PublicKeyBytes())
	require.NoError(t, err)
	ct, err := pub.Encrypt([]byte("hello"), nil)
	require.NoError(t, err)

	p := &packet.Packet{
		Header: packet.Header{
			HeaderType:      packet.HeaderType1,
			TransportType:   packet.TransportBroadcast,
			DestinationType: packet.DestinationSingle,
			Type:            packet.TypeData,
			Context:         packet.ContextNone,
		},
		Data: ct,
	}
	copy(p.Header.DestinationHash[:], recvDest.Hash[:])

	var gotPlaintext []byte
	tr.RegisterDataHandler(func(dest *destination.Destination, plaintext []byte, pkt *packet.Packet) {
		gotPlaintext = plaintext
	})

	tr.Inbound(p.Encode(), a)
	require.Equal(t, []byte("hello"), gotPlaintext)
}

func TestOutboundBroadcastsWhenNoPathKnown(t *testing.T) {
	_, d := mustDestination(t)
	tr := New(nil, false, nil)
	a, b := iface.NewPipePair("a", "b", 1500)
	tr.RegisterInterface(a)

	var delivered int
	b.SetPacketHandler(func(payload []byte, from iface.Interface) { delivered++ })

	p, err := d.GenerateAnnounce(nil, false, time.Now().Unix())
	require.NoError(t, err)
	require.NoError(t, tr.Outbound(p))
	require.Equal(t, 1, delivered)
}

func TestAnnounceQueueEvictsOldestNonLocalFirst(t *testing.T) {
	q := &AnnounceQueue{capacity: 2}
	q.Push(QueuedAnnounce{Local: true})
	q.Push(QueuedAnnounce{Local: false})
	q.Push(QueuedAnnounce{Local: false}) // should evict the non-local one above

	first, ok := q.Pop()
	require.True(t, ok)
	require.True(t, first.Local)
}
