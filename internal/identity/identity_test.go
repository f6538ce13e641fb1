package identity

import (
	"testing"

	"github.com/reticulum-go/rns/internal/crypto"
	"github.com/stretchr/testify/require"
)

func TestHashDerivation(t *testing.T) {
	id, err := Create()
	require.NoError(t, err)

	want := crypto.SHA256(id.PublicEnc()[:], id.PublicSig())
	require.Equal(t, want[:HashSize], id.Hash())
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, err := Create()
	require.NoError(t, err)
	bob, err := Create()
	require.NoError(t, err)

	plaintext := []byte("hello from alice")
	_ = alice

	// Encrypt is keyed to the recipient's Identity: alice holds bob's
	// public-only view and encrypts to it.
	bobPub, err := FromPublic(bob.PublicKeyBytes())
	require.NoError(t, err)
	ct, err := bobPub.Encrypt(plaintext, nil)
	require.NoError(t, err)

	got, usedRatchet, ok := bob.Decrypt(ct, nil, false)
	require.True(t, ok)
	require.Equal(t, -1, usedRatchet)
	require.Equal(t, plaintext, got)

	// Ciphertext length invariant: 32 (eph pub) + Token(16 IV + padded + 32 HMAC).
	paddedLen := ((len(plaintext)+1)/16 + 1) * 16
	require.Len(t, ct, 32+16+paddedLen+32)
}

func TestPublicOnlyIdentityCannotSignOrDecrypt(t *testing.T) {
	id, err := Create()
	require.NoError(t, err)
	pubOnly, err := FromPublic(id.PublicKeyBytes())
	require.NoError(t, err)

	require.False(t, pubOnly.HasPrivateKey())
	_, err = pubOnly.Sign([]byte("msg"))
	require.ErrorIs(t, err, ErrMissingPrivateKey)

	_, _, ok := pubOnly.Decrypt(make([]byte, 64), nil, false)
	require.False(t, ok)
}

func TestSignValidateRoundTrip(t *testing.T) {
	id, err := Create()
	require.NoError(t, err)
	msg := []byte("sign me")
	sig, err := id.Sign(msg)
	require.NoError(t, err)
	require.True(t, id.Validate(sig, msg))

	sig[0] ^= 0xFF
	require.False(t, id.Validate(sig, msg))
}

type fakeRatchets struct {
	keys [][crypto.KeySize]byte
}

func (f fakeRatchets) RatchetPrivateKeys() [][crypto.KeySize]byte { return f.keys }

func TestDecryptWithRatchet(t *testing.T) {
	bob, err := Create()
	require.NoError(t, err)

	ratchetPriv, ratchetPub, err := crypto.X25519KeyPair()
	require.NoError(t, err)

	bobPub, err := FromPublic(bob.PublicKeyBytes())
	require.NoError(t, err)

	plaintext := []byte("ratcheted message")
	ct, err := bobPub.Encrypt(plaintext, &ratchetPub)
	require.NoError(t, err)

	// Base key alone must fail when a ratchet is required.
	_, _, ok := bob.Decrypt(ct, nil, true)
	require.False(t, ok)

	// With the ratchet supplied, decrypt succeeds and reports which ratchet.
	got, used, ok := bob.Decrypt(ct, fakeRatchets{keys: [][crypto.KeySize]byte{ratchetPriv}}, true)
	require.True(t, ok)
	require.Equal(t, 0, used)
	require.Equal(t, plaintext, got)
}
