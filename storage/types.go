// Package storage defines the persisted entities of the messaging core
// and the store interfaces the engines mutate them through. Two
// implementations are provided: an in-memory store used by default and
// in tests, and a Postgres store built on bun.
//
// Every mutation that touches shared relationship state is exposed as a
// conditional read-modify-write operation (set-insert, set-remove,
// conditional transition); callers never overwrite whole records.
package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus is the sent → delivered progression of a message.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// MessageType distinguishes text from media-bearing messages.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeMedia MessageType = "media"
)

// ContactRequest is a pending (secondary) contact entry.
type ContactRequest struct {
	Peer        uuid.UUID `json:"peer"`
	RequestedAt time.Time `json:"requestedAt"`
}

// BlockEntry records a blocked peer and when the block was placed.
type BlockEntry struct {
	Peer      uuid.UUID `json:"peer"`
	BlockedAt time.Time `json:"blockedAt"`
}

// User owns its relationship, block and mute sets exclusively.
// PrimaryChat and the peers of SecondaryChat are disjoint.
type User struct {
	ID          uuid.UUID `bun:",pk,type:uuid" json:"id"`
	Handle      string    `bun:",unique,notnull" json:"handle"`
	Description string    `bun:",nullzero" json:"description,omitempty"`

	Online    bool      `bun:",default:false" json:"online"`
	LastSeen  time.Time `bun:",nullzero" json:"lastSeen"`
	SessionID string    `bun:",nullzero" json:"-"`

	// Relationship sets. Persisted as side tables in Postgres; the
	// store assembles them when loading a user.
	PrimaryChat   []uuid.UUID      `bun:"-" json:"primaryChat"`
	SecondaryChat []ContactRequest `bun:"-" json:"secondaryChat"`
	BlockedUsers  []BlockEntry     `bun:"-" json:"blockedUsers"`
	MutedChats    []uuid.UUID      `bun:"-" json:"mutedChats"`

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"createdAt"`
}

// InPrimary reports whether peer is in the user's primary set.
func (u *User) InPrimary(peer uuid.UUID) bool {
	for _, id := range u.PrimaryChat {
		if id == peer {
			return true
		}
	}
	return false
}

// InSecondary reports whether peer is in the user's secondary set.
func (u *User) InSecondary(peer uuid.UUID) bool {
	for _, c := range u.SecondaryChat {
		if c.Peer == peer {
			return true
		}
	}
	return false
}

// HasBlocked reports whether the user has blocked peer.
func (u *User) HasBlocked(peer uuid.UUID) bool {
	for _, b := range u.BlockedUsers {
		if b.Peer == peer {
			return true
		}
	}
	return false
}

// SelfDestruct is the per-message time-to-live state.
type SelfDestruct struct {
	Enabled    bool       `json:"enabled"`
	TTLSeconds int        `json:"ttlSeconds,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
}

// Reaction is an emoji reaction attached to a message.
type Reaction struct {
	UserID uuid.UUID `json:"userId"`
	Emoji  string    `json:"emoji"`
	At     time.Time `json:"at"`
}

// Message is a chat message record. Exactly one of RecipientID and
// RoomID is set, and Ciphertext being present implies Text is absent.
type Message struct {
	ID        uuid.UUID  `bun:",pk,type:uuid" json:"id"`
	SenderID  uuid.UUID  `bun:",notnull,type:uuid" json:"senderId"`
	Recipient *uuid.UUID `bun:"recipient_id,nullzero,type:uuid" json:"receiverId,omitempty"`
	RoomID    string     `bun:",nullzero" json:"roomId,omitempty"`

	Text          string `bun:",nullzero" json:"text,omitempty"`
	Ciphertext    string `bun:",nullzero" json:"encryptedText,omitempty"`
	RatchetHeader string `bun:",nullzero" json:"ratchetHeader,omitempty"`
	Nonce         string `bun:",nullzero" json:"nonce,omitempty"`

	MessageType MessageType `bun:",nullzero,default:'text'" json:"messageType"`
	MediaURL    string      `bun:",nullzero" json:"mediaUrl,omitempty"`

	DeliveryStatus DeliveryStatus `bun:",notnull,default:'sent'" json:"deliveryStatus"`
	Read           bool           `bun:",default:false" json:"read"`
	ReadAt         *time.Time     `bun:",nullzero" json:"readAt,omitempty"`

	DeletedBy []uuid.UUID `bun:",array,type:uuid[]" json:"deletedBy,omitempty"`
	Deleted   bool        `bun:",default:false" json:"deleted"`
	DeletedAt *time.Time  `bun:",nullzero" json:"deletedAt,omitempty"`

	SelfDestruct SelfDestruct `bun:"type:jsonb" json:"selfDestruct"`

	Ephemeral     bool       `bun:",default:false" json:"ephemeral"`
	TempSessionID *uuid.UUID `bun:",nullzero,type:uuid" json:"tempSessionId,omitempty"`

	Reactions []Reaction `bun:"type:jsonb" json:"reactions,omitempty"`

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"createdAt"`
}

// DeletedFor reports whether actor already soft-deleted the message.
func (m *Message) DeletedFor(actor uuid.UUID) bool {
	for _, id := range m.DeletedBy {
		if id == actor {
			return true
		}
	}
	return false
}

// Participant reports whether actor is the sender or recipient.
func (m *Message) Participant(actor uuid.UUID) bool {
	if m.SenderID == actor {
		return true
	}
	return m.Recipient != nil && *m.Recipient == actor
}

// SignedPrekey is the current medium-lived signed prekey of a bundle.
type SignedPrekey struct {
	ID        int       `json:"id"`
	PublicKey []byte    `json:"publicKey"`
	Signature []byte    `json:"signature"`
	CreatedAt time.Time `json:"createdAt"`
}

// OneTimePrekey is a single-use X25519 public key. Ids are never
// reused within a user's pool.
type OneTimePrekey struct {
	ID        string `json:"id"`
	PublicKey []byte `json:"publicKey"`
}

// PrekeyBundle is the key-bootstrap vault record for one user.
type PrekeyBundle struct {
	UserID      uuid.UUID `bun:",pk,type:uuid" json:"userId"`
	IdentityKey []byte    `bun:",notnull" json:"identityKey"`

	SignedPrekey SignedPrekey `bun:"type:jsonb" json:"signedPrekey"`

	// FIFO pool; the head is the next key to be consumed.
	OneTimePrekeys []OneTimePrekey `bun:"-" json:"oneTimePrekeys"`

	LastRefreshed time.Time `bun:",nullzero" json:"lastRefreshed"`
}

// TempParticipant is a pseudonymous member of an ephemeral session.
type TempParticipant struct {
	UserID   uuid.UUID `json:"-"`
	Alias    string    `json:"alias"`
	JoinedAt time.Time `json:"joinedAt"`
}

// TempSession is a time-boxed, code-joined anonymous room. It owns its
// participant list and, transitively, the messages tagged with its id.
type TempSession struct {
	ID   uuid.UUID `bun:",pk,type:uuid" json:"id"`
	Code string    `bun:",notnull" json:"code"`

	Participants []TempParticipant `bun:"-" json:"participants"`

	Active    bool       `bun:",default:true" json:"active"`
	ExpiresAt time.Time  `bun:",notnull" json:"expiresAt"`
	EndedAt   *time.Time `bun:",nullzero" json:"endedAt,omitempty"`
	Destroyed bool       `bun:",default:false" json:"destroyed"`

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"createdAt"`
}

// AnonAlias is the alias of the nth participant to join a session.
func AnonAlias(n int) string { return fmt.Sprintf("Anon-%d", n) }

// HasParticipant reports whether userID already joined the session.
func (s *TempSession) HasParticipant(userID uuid.UUID) (TempParticipant, bool) {
	for _, p := range s.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return TempParticipant{}, false
}
