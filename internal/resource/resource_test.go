package resource

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func transferRoundTrip(t *testing.T, size int) {
	t.Helper()
	plain := make([]byte, size)
	rng := rand.New(rand.NewSource(int64(size) + 1))
	rng.Read(plain)

	sender, err := NewSender(plain, Config{SDUSize: 64})
	require.NoError(t, err)

	recv := NewReceiver(sender.PartCount(), sender.RandomHash(), sender.ResourceHash(), sender.MapHashes(), nil)
	for i := 0; i < sender.PartCount(); i++ {
		require.True(t, recv.Submit(i, sender.Part(i)))
	}
	require.True(t, recv.Complete())

	got, proof, err := recv.Reassemble(sender.SendKeys())
	require.NoError(t, err)
	require.True(t, bytes.Equal(plain, got))
	require.True(t, sender.VerifyProof(proof))
	require.Equal(t, StatusComplete, recv.Status())
}

func TestRoundTripAcrossSizes(t *testing.T) {
	for _, size := range []int{1, 319, 320, 10000, 1_500_000} {
		size := size
		t.Run("", func(t *testing.T) { transferRoundTrip(t, size) })
	}
}

func TestCompressibleDataShrinksBeforeEncryption(t *testing.T) {
	plain := bytes.Repeat([]byte("reticulum mesh networking "), 2000)
	sender, err := NewSender(plain, Config{})
	require.NoError(t, err)

	totalCiphertext := 0
	for i := 0; i < sender.PartCount(); i++ {
		totalCiphertext += len(sender.Part(i))
	}
	require.Less(t, totalCiphertext, len(plain))
}

func TestReceiverRejectsPartNotMatchingMapHash(t *testing.T) {
	sender, err := NewSender([]byte("hello world"), Config{SDUSize: 4})
	require.NoError(t, err)
	recv := NewReceiver(sender.PartCount(), sender.RandomHash(), sender.ResourceHash(), sender.MapHashes(), nil)

	require.False(t, recv.Submit(0, []byte("wrong")))
	require.True(t, recv.Submit(0, sender.Part(0)))
	require.False(t, recv.Submit(0, sender.Part(0))) // already have it
}

func TestMissingRespectsWindowBound(t *testing.T) {
	hashes := make([][MapHashSize]byte, 50)
	recv := NewReceiver(50, nil, [32]byte{}, hashes, nil)
	missing := recv.Missing()
	require.Len(t, missing, WindowStart)
	require.Equal(t, 0, missing[0])
}

func TestWindowGrowsAndShrinksWithinBounds(t *testing.T) {
	hashes := make([][MapHashSize]byte, 10)
	recv := NewReceiver(10, nil, [32]byte{}, hashes, nil)
	for i := 0; i < WindowMax+10; i++ {
		recv.GrowWindow()
	}
	require.Equal(t, WindowMax, recv.window)
	for i := 0; i < WindowMax+10; i++ {
		recv.ShrinkWindow()
	}
	require.Equal(t, WindowMin, recv.window)
}

func TestWatchdogRetriesThenFails(t *testing.T) {
	hashes := make([][MapHashSize]byte, 2)
	recv := NewReceiver(2, nil, [32]byte{}, hashes, nil)
	recv.rtt = 10 * time.Millisecond
	recv.lastRecv = time.Now().Add(-1 * time.Hour)

	retries := 0
	now := time.Now()
	for i := 0; i < MaxRetries+2; i++ {
		if recv.Watchdog(now) {
			retries++
		}
	}
	require.Equal(t, MaxRetries, retries)
	require.Equal(t, StatusFailed, recv.Status())
}

func TestReassembleBeforeCompleteErrors(t *testing.T) {
	sender, err := NewSender([]byte("abc"), Config{})
	require.NoError(t, err)
	recv := NewReceiver(sender.PartCount(), sender.RandomHash(), sender.ResourceHash(), sender.MapHashes(), nil)
	_, _, err = recv.Reassemble(sender.SendKeys())
	require.Error(t, err)
}
