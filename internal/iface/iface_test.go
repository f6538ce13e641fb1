package iface

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPipePairDeliversOutgoingToPeer(t *testing.T) {
	a, b := NewPipePair("a", "b", 500)
	var got []byte
	var gotFrom Interface
	b.SetPacketHandler(func(payload []byte, from Interface) {
		got = payload
		gotFrom = from
	})

	require.NoError(t, a.ProcessOutgoing([]byte("hello")))
	require.Equal(t, []byte("hello"), got)
	require.Equal(t, b, gotFrom)
}

func TestPipeDisconnectTakesBothEndsOffline(t *testing.T) {
	a, b := NewPipePair("a", "b", 500)
	require.True(t, a.Online())
	require.True(t, b.Online())
	a.Disconnect()
	require.False(t, a.Online())
	require.False(t, b.Online())
}

func TestRegistrySendableFiltersOffline(t *testing.T) {
	a, b := NewPipePair("a", "b", 500)
	r := NewRegistry()
	r.Register(a)
	r.Register(b)
	require.Len(t, r.Sendable(), 2)

	a.Disconnect()
	require.Len(t, r.Sendable(), 0)
}

func TestRegistryGetAndUnregister(t *testing.T) {
	a, _ := NewPipePair("a", "b", 500)
	r := NewRegistry()
	r.Register(a)
	got, ok := r.Get("a")
	require.True(t, ok)
	require.Equal(t, a, got)

	r.Unregister("a")
	_, ok = r.Get("a")
	require.False(t, ok)
}
