// Package prekey stores the public key-bootstrap material peers need
// to open an encrypted session with an offline user: an identity key,
// a signed prekey and a pool of single-use prekeys. Private keys never
// enter the vault.
package prekey

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerchat/crypto"
	apperr "github.com/opd-ai/peerchat/errors"
	"github.com/opd-ai/peerchat/storage"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Vault implements the prekey bundle operations.
type Vault struct {
	store storage.PrekeyStore
	clock Clock
}

// NewVault builds a Vault. A nil clock gets the wall clock.
func NewVault(store storage.PrekeyStore, clock Clock) *Vault {
	if clock == nil {
		clock = realClock{}
	}
	return &Vault{store: store, clock: clock}
}

// UploadRequest is a full bundle publication. It replaces whatever the
// vault held for the user.
type UploadRequest struct {
	UserID         uuid.UUID
	IdentityKey    []byte
	SignedPrekey   storage.SignedPrekey
	OneTimePrekeys []storage.OneTimePrekey
}

// FetchResult is what a session initiator gets. OneTimePrekey is nil
// when the pool ran dry; the initiator proceeds in the degraded mode
// without one.
type FetchResult struct {
	IdentityKey   []byte                 `json:"identityKey"`
	SignedPrekey  storage.SignedPrekey   `json:"signedPrekey"`
	OneTimePrekey *storage.OneTimePrekey `json:"oneTimePrekey,omitempty"`
}

// Status describes a user's bundle without consuming anything.
type Status struct {
	Exists           bool      `json:"exists"`
	SignedPrekeyAge  string    `json:"signedPrekeyAge,omitempty"`
	OneTimeRemaining int       `json:"oneTimeRemaining"`
	LastRefreshed    time.Time `json:"lastRefreshed,omitempty"`
}

// Upload validates and stores a complete bundle. The signed prekey's
// signature must verify against the identity key, and the one-time
// pool must be non-empty with unique ids.
func (v *Vault) Upload(ctx context.Context, req UploadRequest) error {
	if err := v.validate(req); err != nil {
		return err
	}

	bundle := &storage.PrekeyBundle{
		UserID:         req.UserID,
		IdentityKey:    req.IdentityKey,
		SignedPrekey:   req.SignedPrekey,
		OneTimePrekeys: req.OneTimePrekeys,
		LastRefreshed:  v.clock.Now(),
	}
	if bundle.SignedPrekey.CreatedAt.IsZero() {
		bundle.SignedPrekey.CreatedAt = bundle.LastRefreshed
	}
	if err := v.store.UpsertBundle(ctx, bundle); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Upload",
		"user_id":  req.UserID.String()[:8],
		"one_time": len(req.OneTimePrekeys),
	}).Info("prekey bundle stored")
	return nil
}

func (v *Vault) validate(req UploadRequest) error {
	if err := crypto.ValidatePublicKey(req.SignedPrekey.PublicKey); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "signed prekey public key", err)
	}
	if err := crypto.VerifySignedPrekey(req.IdentityKey, req.SignedPrekey.PublicKey, req.SignedPrekey.Signature); err != nil {
		return apperr.ErrInvalidSignedPrekey
	}
	if len(req.OneTimePrekeys) == 0 {
		return apperr.Validation("one-time prekey pool must not be empty")
	}
	seen := make(map[string]struct{}, len(req.OneTimePrekeys))
	for _, k := range req.OneTimePrekeys {
		if k.ID == "" {
			return apperr.Validation("one-time prekey id must not be empty")
		}
		if _, dup := seen[k.ID]; dup {
			return apperr.ErrDuplicatePrekeyID
		}
		seen[k.ID] = struct{}{}
		if err := crypto.ValidatePublicKey(k.PublicKey); err != nil {
			return apperr.Wrap(apperr.CodeValidation, "one-time prekey public key", err)
		}
	}
	return nil
}

// Fetch returns the bundle for a session initiator, consuming one key
// from the one-time pool. An exhausted pool is not an error.
func (v *Vault) Fetch(ctx context.Context, userID uuid.UUID) (*FetchResult, error) {
	bundle, err := v.store.GetBundle(ctx, userID)
	if err != nil {
		return nil, err
	}
	oneTime, err := v.store.PopOneTimePrekey(ctx, userID)
	if err != nil {
		return nil, err
	}
	if oneTime == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Fetch",
			"user_id":  userID.String()[:8],
		}).Warn("one-time prekey pool exhausted")
	}
	return &FetchResult{
		IdentityKey:   bundle.IdentityKey,
		SignedPrekey:  bundle.SignedPrekey,
		OneTimePrekey: oneTime,
	}, nil
}

// Refresh appends fresh one-time prekeys to an existing bundle. Any id
// collision with the current pool rejects the whole batch.
func (v *Vault) Refresh(ctx context.Context, userID uuid.UUID, keys []storage.OneTimePrekey) (int, error) {
	if len(keys) == 0 {
		return 0, apperr.Validation("refresh batch must not be empty")
	}
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k.ID == "" {
			return 0, apperr.Validation("one-time prekey id must not be empty")
		}
		if _, dup := seen[k.ID]; dup {
			return 0, apperr.ErrDuplicatePrekeyID
		}
		seen[k.ID] = struct{}{}
		if err := crypto.ValidatePublicKey(k.PublicKey); err != nil {
			return 0, apperr.Wrap(apperr.CodeValidation, "one-time prekey public key", err)
		}
	}
	return v.store.AppendOneTimePrekeys(ctx, userID, keys, v.clock.Now())
}

// BundleStatus reports existence, signed-prekey age and remaining
// one-time keys.
func (v *Vault) BundleStatus(ctx context.Context, userID uuid.UUID) (*Status, error) {
	bundle, err := v.store.GetBundle(ctx, userID)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeNotFound) {
			return &Status{Exists: false}, nil
		}
		return nil, err
	}
	count, err := v.store.CountOneTimePrekeys(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Status{
		Exists:           true,
		SignedPrekeyAge:  v.clock.Now().Sub(bundle.SignedPrekey.CreatedAt).Truncate(time.Second).String(),
		OneTimeRemaining: count,
		LastRefreshed:    bundle.LastRefreshed,
	}, nil
}
