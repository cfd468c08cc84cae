package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserStore persists users and their relationship sets. All set
// mutations are atomic conditional operations; concurrent inbound
// messages from different peers may race on the same user's lists.
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	GetUserByHandle(ctx context.Context, handle string) (*User, error)

	// SetPresence toggles the online flag, stamps lastSeen and records
	// the current session marker.
	SetPresence(ctx context.Context, id uuid.UUID, online bool, lastSeen time.Time, sessionID string) error

	// AddSecondaryContact inserts peer into the user's secondary set
	// only if peer is absent from both sets. Returns true when the
	// insert happened.
	AddSecondaryContact(ctx context.Context, userID, peer uuid.UUID, at time.Time) (bool, error)

	// PromoteContact removes peer from the secondary set and ensures it
	// is present in the primary set.
	PromoteContact(ctx context.Context, userID, peer uuid.UUID) error

	// DemoteContact removes peer from the primary set and ensures it is
	// present in the secondary set.
	DemoteContact(ctx context.Context, userID, peer uuid.UUID, at time.Time) error

	// RemoveContact removes peer from both relationship sets.
	RemoveContact(ctx context.Context, userID, peer uuid.UUID) error

	// AddBlock inserts peer into the user's block set. Returns false
	// when the peer was already blocked.
	AddBlock(ctx context.Context, userID, peer uuid.UUID, at time.Time) (bool, error)

	// RemoveBlock removes peer from the block set. Returns false when
	// no block entry existed.
	RemoveBlock(ctx context.Context, userID, peer uuid.UUID) (bool, error)

	// IsBlockedEither reports whether a blocked b or b blocked a.
	IsBlockedEither(ctx context.Context, a, b uuid.UUID) (bool, error)

	ListBlocks(ctx context.Context, userID uuid.UUID) ([]BlockEntry, error)

	// ToggleMute flips peer's membership in the mute set and returns
	// the new muted state.
	ToggleMute(ctx context.Context, userID, peer uuid.UUID) (bool, error)
}

// MessageStore persists message records and their lifecycle
// transitions. Terminal-state transitions are conditional so sweeps and
// user-triggered deletes can race safely.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id uuid.UUID) (*Message, error)

	SetDeliveryStatus(ctx context.Context, id uuid.UUID, status DeliveryStatus) error

	// MarkRead transitions read=false→true for each id and returns the
	// messages that actually transitioned.
	MarkRead(ctx context.Context, ids []uuid.UUID, at time.Time) ([]*Message, error)

	// AddDeletedBy set-inserts actor into deletedBy (idempotent) and
	// returns the updated message.
	AddDeletedBy(ctx context.Context, id, actor uuid.UUID) (*Message, error)

	// SetDeleted marks the message deleted (idempotent).
	SetDeleted(ctx context.Context, id uuid.UUID, at time.Time) error

	// ScrubContent irreversibly clears all content fields and marks the
	// message deleted.
	ScrubContent(ctx context.Context, id uuid.UUID, at time.Time) error

	// MarkSelfDestructed performs the conditional transition
	// "selfDestruct.deletedAt unset → set". Returns false when another
	// actor already completed it.
	MarkSelfDestructed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	// ListExpiredSelfDestruct returns messages with selfDestruct
	// enabled, expiresAt ≤ now and deletedAt unset.
	ListExpiredSelfDestruct(ctx context.Context, now time.Time, limit int) ([]*Message, error)

	// ListPeerHistory returns messages between a and b older than
	// before, newest last, at most limit.
	ListPeerHistory(ctx context.Context, a, b uuid.UUID, before time.Time, limit int) ([]*Message, error)

	ListRoomHistory(ctx context.Context, roomID string, before time.Time, limit int) ([]*Message, error)

	ListSessionMessages(ctx context.Context, sessionID uuid.UUID) ([]*Message, error)

	// DeleteBySession hard-deletes every message tagged with the
	// ephemeral session and returns how many were removed.
	DeleteBySession(ctx context.Context, sessionID uuid.UUID) (int, error)

	// TagPeerHistoryDeletedFor set-inserts userID into deletedBy for
	// the whole history with peer (delete-chat / clear-chat).
	TagPeerHistoryDeletedFor(ctx context.Context, userID, peer uuid.UUID) (int, error)

	AddReaction(ctx context.Context, id uuid.UUID, reaction Reaction) (*Message, error)
}

// PrekeyStore persists prekey bundles. PopOneTimePrekey is the
// sharpest concurrency hazard of the system: it must be a single
// atomic remove-and-return-the-head operation so that no one-time key
// is ever served to two session initiators.
type PrekeyStore interface {
	UpsertBundle(ctx context.Context, bundle *PrekeyBundle) error

	// GetBundle returns the bundle without consuming anything.
	GetBundle(ctx context.Context, userID uuid.UUID) (*PrekeyBundle, error)

	// PopOneTimePrekey atomically removes and returns the FIFO head of
	// the pool. An empty pool returns (nil, nil).
	PopOneTimePrekey(ctx context.Context, userID uuid.UUID) (*OneTimePrekey, error)

	// AppendOneTimePrekeys appends keys to the pool. Id collisions with
	// the existing pool fail the whole batch. Returns the new pool size.
	AppendOneTimePrekeys(ctx context.Context, userID uuid.UUID, keys []OneTimePrekey, at time.Time) (int, error)

	CountOneTimePrekeys(ctx context.Context, userID uuid.UUID) (int, error)
}

// TempSessionStore persists ephemeral sessions.
type TempSessionStore interface {
	CreateTempSession(ctx context.Context, session *TempSession) error
	GetTempSession(ctx context.Context, id uuid.UUID) (*TempSession, error)

	// GetActiveTempSessionByCode resolves a join code among active,
	// non-destroyed sessions.
	GetActiveTempSessionByCode(ctx context.Context, code string) (*TempSession, error)

	// AddParticipant inserts the user as a participant, assigning the
	// next Anon alias while holding the session, so concurrent joiners
	// never share an alias. Returns the stored participant (the
	// original one when the user already joined) and whether an insert
	// happened.
	AddParticipant(ctx context.Context, sessionID, userID uuid.UUID, at time.Time) (TempParticipant, bool, error)

	// EndTempSession performs the conditional transition active→false,
	// stamping endedAt. Returns false when the session already ended.
	EndTempSession(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	// MarkDestroyed flags the session after its messages were purged.
	MarkDestroyed(ctx context.Context, id uuid.UUID) error

	// ListExpiredTempSessions returns sessions with expiresAt ≤ now and
	// destroyed=false.
	ListExpiredTempSessions(ctx context.Context, now time.Time) ([]*TempSession, error)
}

// Store is the full persisted-store collaborator the engines consume.
type Store interface {
	UserStore
	MessageStore
	PrekeyStore
	TempSessionStore
}
