package crypto

import (
	"crypto/ed25519"
	"errors"

	"golang.org/x/crypto/curve25519"
)

var ErrKeyAgreementFailed = errors.New("crypto: key agreement failed")

// X25519KeyPair generates a clamped Curve25519 private key and its
// derived public key.
func X25519KeyPair() (priv, pub [KeySize]byte, err error) {
	rb, err := RandomBytes(KeySize)
	if err != nil {
		return priv, pub, err
	}
	copy(priv[:], rb)
	// RFC 7748 clamping.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, err
	}
	copy(pub[:], pubBytes)
	return priv, pub, nil
}

// X25519PublicFromPrivate derives the public key for a given clamped private key.
func X25519PublicFromPrivate(priv [KeySize]byte) ([KeySize]byte, error) {
	var pub [KeySize]byte
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, err
	}
	copy(pub[:], pubBytes)
	return pub, nil
}

// X25519 performs the Diffie-Hellman operation DH(priv, pub).
func X25519(priv, pub [KeySize]byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, ErrKeyAgreementFailed
	}
	return shared, nil
}

// Ed25519KeyPair generates a signing key pair.
func Ed25519KeyPair() (priv ed25519.PrivateKey, pub ed25519.PublicKey, err error) {
	pub, priv, err = ed25519.GenerateKey(nil)
	return priv, pub, err
}

// Sign signs message with an Ed25519 private key.
func Sign(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

// Verify validates an Ed25519 signature.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}
