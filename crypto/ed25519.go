package crypto

import (
	"crypto/ed25519"
	"errors"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Sign creates an Ed25519 signature for a message using a 32-byte seed
// private key. Used by tests and client-side bundle construction; the
// server only verifies.
func Sign(message []byte, privateKey [32]byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("empty message")
	}

	// Ed25519 private keys are 64 bytes (32 bytes seed + 32 bytes public key)
	edPrivateKey := ed25519.NewKeyFromSeed(privateKey[:])
	return ed25519.Sign(edPrivateKey, message), nil
}

// Verify checks if a signature is valid for a message and public key.
func Verify(message, signature, publicKey []byte) (bool, error) {
	if len(message) == 0 {
		return false, errors.New("empty message")
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return false, errors.New("public key must be 32 bytes")
	}
	if len(signature) != ed25519.SignatureSize {
		return false, errors.New("signature must be 64 bytes")
	}

	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature), nil
}

// VerifySignedPrekey checks that an X25519 signed-prekey public key
// carries a valid signature from the owner's Ed25519 identity key.
func VerifySignedPrekey(identityKey, prekeyPublic, signature []byte) error {
	if err := ValidatePublicKey(identityKey); err != nil {
		return err
	}
	if err := ValidatePublicKey(prekeyPublic); err != nil {
		return err
	}

	ok, err := Verify(prekeyPublic, signature, identityKey)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("signed prekey signature verification failed")
	}
	return nil
}
