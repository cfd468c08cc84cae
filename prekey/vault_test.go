package prekey

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerchat/crypto"
	apperr "github.com/opd-ai/peerchat/errors"
	"github.com/opd-ai/peerchat/storage"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func signedUpload(t *testing.T, userID uuid.UUID, oneTime int) UploadRequest {
	t.Helper()
	identityPub, identityPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var seed [32]byte
	copy(seed[:], identityPriv.Seed())

	signed, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	sig, err := crypto.Sign(signed.Public[:], seed)
	require.NoError(t, err)

	keys := make([]storage.OneTimePrekey, 0, oneTime)
	for i := 0; i < oneTime; i++ {
		kp, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		keys = append(keys, storage.OneTimePrekey{ID: fmt.Sprintf("otk-%d", i), PublicKey: kp.Public[:]})
	}

	return UploadRequest{
		UserID:      userID,
		IdentityKey: identityPub,
		SignedPrekey: storage.SignedPrekey{
			ID:        1,
			PublicKey: signed.Public[:],
			Signature: sig,
		},
		OneTimePrekeys: keys,
	}
}

func TestUploadValidation(t *testing.T) {
	ctx := context.Background()
	vault := NewVault(storage.NewMemoryStore(), nil)
	userID := uuid.New()

	t.Run("valid bundle", func(t *testing.T) {
		require.NoError(t, vault.Upload(ctx, signedUpload(t, userID, 3)))
	})

	t.Run("bad signature", func(t *testing.T) {
		req := signedUpload(t, userID, 3)
		req.SignedPrekey.Signature = make([]byte, crypto.SignatureSize)
		err := vault.Upload(ctx, req)
		assert.True(t, apperr.HasCode(err, apperr.CodeValidation))
	})

	t.Run("empty pool", func(t *testing.T) {
		req := signedUpload(t, userID, 0)
		err := vault.Upload(ctx, req)
		assert.True(t, apperr.HasCode(err, apperr.CodeValidation))
	})

	t.Run("duplicate ids in one batch", func(t *testing.T) {
		req := signedUpload(t, userID, 2)
		req.OneTimePrekeys[1].ID = req.OneTimePrekeys[0].ID
		err := vault.Upload(ctx, req)
		assert.True(t, apperr.HasCode(err, apperr.CodeConflict))
	})

	t.Run("malformed one-time key", func(t *testing.T) {
		req := signedUpload(t, userID, 1)
		req.OneTimePrekeys[0].PublicKey = []byte{1, 2, 3}
		err := vault.Upload(ctx, req)
		assert.True(t, apperr.HasCode(err, apperr.CodeValidation))
	})
}

func TestFetchConsumesPool(t *testing.T) {
	ctx := context.Background()
	vault := NewVault(storage.NewMemoryStore(), nil)
	userID := uuid.New()
	require.NoError(t, vault.Upload(ctx, signedUpload(t, userID, 2)))

	first, err := vault.Fetch(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, first.OneTimePrekey)
	assert.Equal(t, "otk-0", first.OneTimePrekey.ID, "FIFO head first")

	second, err := vault.Fetch(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, second.OneTimePrekey)
	assert.Equal(t, "otk-1", second.OneTimePrekey.ID)

	t.Run("exhausted pool degrades without error", func(t *testing.T) {
		res, err := vault.Fetch(ctx, userID)
		require.NoError(t, err)
		assert.Nil(t, res.OneTimePrekey)
		assert.NotEmpty(t, res.IdentityKey)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := vault.Fetch(ctx, uuid.New())
		assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))
	})
}

// Concurrent fetches must hand out each one-time key at most once.
func TestFetchConcurrentUniqueKeys(t *testing.T) {
	ctx := context.Background()
	vault := NewVault(storage.NewMemoryStore(), nil)
	userID := uuid.New()

	const poolSize = 16
	require.NoError(t, vault.Upload(ctx, signedUpload(t, userID, poolSize)))

	const initiators = 32
	results := make(chan *FetchResult, initiators)
	var wg sync.WaitGroup
	for i := 0; i < initiators; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := vault.Fetch(ctx, userID)
			assert.NoError(t, err)
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	served := 0
	for res := range results {
		if res == nil || res.OneTimePrekey == nil {
			continue
		}
		served++
		assert.False(t, seen[res.OneTimePrekey.ID], "key %s served twice", res.OneTimePrekey.ID)
		seen[res.OneTimePrekey.ID] = true
	}
	assert.Equal(t, poolSize, served)
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	vault := NewVault(storage.NewMemoryStore(), nil)
	userID := uuid.New()
	require.NoError(t, vault.Upload(ctx, signedUpload(t, userID, 2)))

	fresh := func(id string) storage.OneTimePrekey {
		kp, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		return storage.OneTimePrekey{ID: id, PublicKey: kp.Public[:]}
	}

	t.Run("append grows the pool", func(t *testing.T) {
		total, err := vault.Refresh(ctx, userID, []storage.OneTimePrekey{fresh("otk-10")})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
	})

	t.Run("collision with existing pool rejects the batch", func(t *testing.T) {
		_, err := vault.Refresh(ctx, userID, []storage.OneTimePrekey{fresh("otk-11"), fresh("otk-0")})
		assert.True(t, apperr.HasCode(err, apperr.CodeConflict))

		status, err := vault.BundleStatus(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, 3, status.OneTimeRemaining)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := vault.Refresh(ctx, uuid.New(), []storage.OneTimePrekey{fresh("otk-1")})
		assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))
	})
}

func TestBundleStatus(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	vault := NewVault(storage.NewMemoryStore(), fixedClock{now: now})
	userID := uuid.New()

	t.Run("missing bundle", func(t *testing.T) {
		status, err := vault.BundleStatus(ctx, userID)
		require.NoError(t, err)
		assert.False(t, status.Exists)
	})

	t.Run("existing bundle", func(t *testing.T) {
		require.NoError(t, vault.Upload(ctx, signedUpload(t, userID, 4)))

		status, err := vault.BundleStatus(ctx, userID)
		require.NoError(t, err)
		assert.True(t, status.Exists)
		assert.Equal(t, 4, status.OneTimeRemaining)
		assert.Equal(t, now, status.LastRefreshed)
	})
}
