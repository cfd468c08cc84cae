// Package relationship classifies contacts into the primary and
// secondary tiers and owns the block and mute lists. Classification is
// driven by messaging: a first message files the pair into secondary
// on both sides, and only an explicit accept promotes to mutual
// primary.
//
// Operations return the events to publish rather than emitting them;
// the caller hands them to the transport hub.
package relationship

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	apperr "github.com/opd-ai/peerchat/errors"
	"github.com/opd-ai/peerchat/storage"
	"github.com/opd-ai/peerchat/transport"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Store is the storage surface the classifier needs.
type Store interface {
	storage.UserStore

	// TagPeerHistoryDeletedFor soft-deletes a whole peer history for
	// one side (delete-chat and clear-chat).
	TagPeerHistoryDeletedFor(ctx context.Context, userID, peer uuid.UUID) (int, error)
}

// Classifier implements the relationship operations.
type Classifier struct {
	store Store
	clock Clock
}

// NewClassifier builds a Classifier. A nil clock gets the wall clock.
func NewClassifier(store Store, clock Clock) *Classifier {
	if clock == nil {
		clock = realClock{}
	}
	return &Classifier{store: store, clock: clock}
}

type chatRequestPayload struct {
	From        uuid.UUID `json:"from"`
	Handle      string    `json:"handle"`
	RequestedAt time.Time `json:"requestedAt"`
}

type chatCreatedPayload struct {
	Peer   uuid.UUID `json:"peer"`
	Handle string    `json:"handle"`
}

func (c *Classifier) pair(ctx context.Context, userID, peer uuid.UUID) (*storage.User, *storage.User, error) {
	if userID == peer {
		return nil, nil, apperr.Validation("peer must be a different user")
	}
	user, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	other, err := c.store.GetUser(ctx, peer)
	if err != nil {
		return nil, nil, err
	}
	return user, other, nil
}

// EnsureFirstContact files the pair into each other's secondary sets
// when no relationship exists yet. Both inserts are one-shot: repeat
// messages between the same strangers never duplicate the bookkeeping
// or re-fire the events. The recipient gets a chat request, the sender
// an acknowledgement that the chat now exists.
func (c *Classifier) EnsureFirstContact(ctx context.Context, senderID, recipientID uuid.UUID) ([]transport.Targeted, error) {
	sender, recipient, err := c.pair(ctx, senderID, recipientID)
	if err != nil {
		return nil, err
	}
	blocked, err := c.store.IsBlockedEither(ctx, senderID, recipientID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, apperr.ErrBlocked
	}
	now := c.clock.Now()

	var events []transport.Targeted

	senderSide, err := c.store.AddSecondaryContact(ctx, senderID, recipientID, now)
	if err != nil {
		return nil, err
	}
	if senderSide {
		events = append(events, transport.ToUser(senderID.String(), transport.EventChatCreated,
			chatCreatedPayload{Peer: recipientID, Handle: recipient.Handle}))
	}

	recipientSide, err := c.store.AddSecondaryContact(ctx, recipientID, senderID, now)
	if err != nil {
		return nil, err
	}
	if recipientSide {
		events = append(events, transport.ToUser(recipientID.String(), transport.EventChatRequest,
			chatRequestPayload{From: senderID, Handle: sender.Handle, RequestedAt: now}))
	}

	if senderSide || recipientSide {
		logrus.WithFields(logrus.Fields{
			"function":  "EnsureFirstContact",
			"sender":    short(senderID),
			"recipient": short(recipientID),
		}).Info("first contact established")
	}
	return events, nil
}

// Accept promotes the pair to mutual primary. This is the only path to
// a two-sided primary relationship.
func (c *Classifier) Accept(ctx context.Context, userID, peer uuid.UUID) ([]transport.Targeted, error) {
	user, _, err := c.pair(ctx, userID, peer)
	if err != nil {
		return nil, err
	}
	if err := c.store.PromoteContact(ctx, userID, peer); err != nil {
		return nil, err
	}
	if err := c.store.PromoteContact(ctx, peer, userID); err != nil {
		return nil, err
	}
	return []transport.Targeted{
		transport.ToUser(peer.String(), transport.EventChatCreated,
			chatCreatedPayload{Peer: userID, Handle: user.Handle}),
	}, nil
}

// MoveToPrimary promotes peer within the user's own lists only.
func (c *Classifier) MoveToPrimary(ctx context.Context, userID, peer uuid.UUID) error {
	if _, _, err := c.pair(ctx, userID, peer); err != nil {
		return err
	}
	return c.store.PromoteContact(ctx, userID, peer)
}

// MoveToSecondary demotes peer within the user's own lists only.
func (c *Classifier) MoveToSecondary(ctx context.Context, userID, peer uuid.UUID) error {
	if _, _, err := c.pair(ctx, userID, peer); err != nil {
		return err
	}
	return c.store.DemoteContact(ctx, userID, peer, c.clock.Now())
}

// DeleteChat removes peer from the user's lists and soft-deletes the
// shared history for the user only. The peer keeps their copy.
func (c *Classifier) DeleteChat(ctx context.Context, userID, peer uuid.UUID) error {
	if _, _, err := c.pair(ctx, userID, peer); err != nil {
		return err
	}
	if err := c.store.RemoveContact(ctx, userID, peer); err != nil {
		return err
	}
	tagged, err := c.store.TagPeerHistoryDeletedFor(ctx, userID, peer)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"function": "DeleteChat",
		"user_id":  short(userID),
		"peer":     short(peer),
		"tagged":   tagged,
	}).Info("chat deleted")
	return nil
}

// ClearChat soft-deletes the shared history for the user while the
// relationship itself stays as it was.
func (c *Classifier) ClearChat(ctx context.Context, userID, peer uuid.UUID) (int, error) {
	if _, _, err := c.pair(ctx, userID, peer); err != nil {
		return 0, err
	}
	return c.store.TagPeerHistoryDeletedFor(ctx, userID, peer)
}

// MuteChat toggles peer's membership in the user's mute set and
// returns the resulting muted state.
func (c *Classifier) MuteChat(ctx context.Context, userID, peer uuid.UUID) (bool, error) {
	if _, _, err := c.pair(ctx, userID, peer); err != nil {
		return false, err
	}
	return c.store.ToggleMute(ctx, userID, peer)
}

// Block is asymmetric: it prunes peer from the blocker's contact lists
// and gates messaging in both directions, but the blocked side's lists
// keep their entries. Blocking an already-blocked peer is a conflict.
func (c *Classifier) Block(ctx context.Context, userID, peer uuid.UUID) error {
	if _, _, err := c.pair(ctx, userID, peer); err != nil {
		return err
	}
	inserted, err := c.store.AddBlock(ctx, userID, peer, c.clock.Now())
	if err != nil {
		return err
	}
	if !inserted {
		return apperr.ErrAlreadyBlocked
	}
	if err := c.store.RemoveContact(ctx, userID, peer); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"function": "Block",
		"user_id":  short(userID),
		"peer":     short(peer),
	}).Info("user blocked")
	return nil
}

// Unblock removes the block entry. The prior classification is not
// restored; a later message re-runs first contact.
func (c *Classifier) Unblock(ctx context.Context, userID, peer uuid.UUID) error {
	if _, _, err := c.pair(ctx, userID, peer); err != nil {
		return err
	}
	removed, err := c.store.RemoveBlock(ctx, userID, peer)
	if err != nil {
		return err
	}
	if !removed {
		return apperr.NotFound("no block entry for this peer")
	}
	return nil
}

// Blocked lists the user's block entries.
func (c *Classifier) Blocked(ctx context.Context, userID uuid.UUID) ([]storage.BlockEntry, error) {
	if _, err := c.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return c.store.ListBlocks(ctx, userID)
}

func short(id uuid.UUID) string { return id.String()[:8] }
