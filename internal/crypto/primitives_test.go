package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	var keys Keys
	copy(keys.EncKey[:], mustRandom(t, KeySize))
	copy(keys.HMACKey[:], mustRandom(t, KeySize))

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	token, err := TokenEncrypt(keys, plaintext)
	require.NoError(t, err)

	// len(ciphertext) == IV + ceil((len(P)+1)/16)*16 + HMAC per spec invariant 2.
	paddedLen := (len(plaintext) + aesBlockSize) / aesBlockSize * aesBlockSize
	require.Len(t, token, IVSize+paddedLen+MACSize)

	got, ok := TokenDecrypt(keys, token)
	require.True(t, ok)
	require.Equal(t, plaintext, got)
}

func TestTokenDecryptRejectsTamperedMAC(t *testing.T) {
	var keys Keys
	copy(keys.EncKey[:], mustRandom(t, KeySize))
	copy(keys.HMACKey[:], mustRandom(t, KeySize))

	token, err := TokenEncrypt(keys, []byte("hello"))
	require.NoError(t, err)
	token[len(token)-1] ^= 0xFF

	_, ok := TokenDecrypt(keys, token)
	require.False(t, ok)
}

func TestTokenDecryptRejectsShortInput(t *testing.T) {
	var keys Keys
	_, ok := TokenDecrypt(keys, []byte("short"))
	require.False(t, ok)
}

func TestSplitKeys(t *testing.T) {
	derived := mustRandom(t, 64)
	keys, ok := SplitKeys(derived)
	require.True(t, ok)
	require.Equal(t, derived[:32], keys.EncKey[:])
	require.Equal(t, derived[32:], keys.HMACKey[:])

	_, ok = SplitKeys(derived[:10])
	require.False(t, ok)
}

func TestHKDFDeterministic(t *testing.T) {
	ikm := []byte("shared-secret")
	salt := []byte("salt")
	a, err := HKDF(ikm, salt, nil, 64)
	require.NoError(t, err)
	b, err := HKDF(ikm, salt, nil, 64)
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := HKDF(ikm, []byte("other-salt"), nil, 64)
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func mustRandom(t *testing.T, n int) []byte {
	t.Helper()
	b, err := RandomBytes(n)
	require.NoError(t, err)
	return b
}

const aesBlockSize = 16
