package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	assert.NoError(t, ValidatePublicKey(kp.Public[:]))

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, kp.Public, other.Public)
}

func TestValidatePublicKey(t *testing.T) {
	t.Run("rejects wrong size", func(t *testing.T) {
		assert.Error(t, ValidatePublicKey(make([]byte, 31)))
		assert.Error(t, ValidatePublicKey(nil))
	})

	t.Run("rejects all-zero key", func(t *testing.T) {
		assert.Error(t, ValidatePublicKey(make([]byte, 32)))
	})
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var seed [32]byte
	copy(seed[:], priv.Seed())

	message := []byte("signed prekey material")
	sig, err := Sign(message, seed)
	require.NoError(t, err)

	ok, err := Verify(message, sig, pub)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify([]byte("tampered"), sig, pub)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifySignedPrekey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var seed [32]byte
	copy(seed[:], priv.Seed())

	prekey, err := GenerateKeyPair()
	require.NoError(t, err)

	sig, err := Sign(prekey.Public[:], seed)
	require.NoError(t, err)

	assert.NoError(t, VerifySignedPrekey(pub, prekey.Public[:], sig))

	bad := make([]byte, SignatureSize)
	assert.Error(t, VerifySignedPrekey(pub, prekey.Public[:], bad))
}
