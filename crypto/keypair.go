// Package crypto handles the public key material the peerchat server
// stores and serves: Ed25519 identity keys and X25519 prekeys. The
// server side never derives or persists private keys; key pair
// generation lives here for clients and tests.
package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/box"
)

const (
	// PublicKeySize is the size of an X25519 or Ed25519 public key in bytes.
	PublicKeySize = 32
)

// KeyPair represents an X25519 key pair used for prekey material.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}, nil
}

// ValidatePublicKey checks that raw key material has the expected size
// and is not all zeroes.
func ValidatePublicKey(key []byte) error {
	if len(key) != PublicKeySize {
		return errors.New("public key must be 32 bytes")
	}
	var zero [PublicKeySize]byte
	allZero := true
	for i, b := range key {
		if b != zero[i] {
			allZero = false
			break
		}
	}
	if allZero {
		return errors.New("public key is all zeroes")
	}
	return nil
}
