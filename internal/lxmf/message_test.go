package lxmf

import (
	"testing"
	"time"

	"github.com/reticulum-go/rns/internal/destination"
	"github.com/reticulum-go/rns/internal/identity"
	"github.com/stretchr/testify/require"
)

func TestMessageSignVerifyRoundTrip(t *testing.T) {
	srcID, err := identity.Create()
	require.NoError(t, err)
	dstID, err := identity.Create()
	require.NoError(t, err)
	dst, err := destination.Create(dstID, destination.DirectionIn, destination.TypeSingle, "lxmf", "delivery")
	require.NoError(t, err)

	m := &Message{
		DestinationHash: dst.Hash,
		SourceHash:      destination.Hash(srcID.Hash()),
		Timestamp:       time.Now().Unix(),
		Title:           "hello",
		Content:         []byte("world"),
		Fields:          Fields{"tag": "test"},
	}
	require.NoError(t, m.Sign(srcID))
	require.True(t, m.Verify(srcID))

	encoded, err := m.Encode()
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, m.DestinationHash, decoded.DestinationHash)
	require.Equal(t, m.Title, decoded.Title)
	require.Equal(t, m.Content, decoded.Content)
	require.True(t, decoded.Verify(srcID))
}

func TestMessageVerifyRejectsTamperedContent(t *testing.T) {
	srcID, err := identity.Create()
	require.NoError(t, err)
	m := &Message{Timestamp: 1, Title: "t", Content: []byte("original")}
	require.NoError(t, m.Sign(srcID))

	m.Content = []byte("tampered")
	require.False(t, m.Verify(srcID))
}

func TestDecodeRejectsTooShort(t *testing.T) {
	_, err := Decode([]byte("too short"))
	require.ErrorIs(t, err, ErrMessageTooShort)
}
