package relationship

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "github.com/opd-ai/peerchat/errors"
	"github.com/opd-ai/peerchat/storage"
	"github.com/opd-ai/peerchat/transport"
)

func setup(t *testing.T) (*Classifier, *storage.MemoryStore, *storage.User, *storage.User) {
	t.Helper()
	store := storage.NewMemoryStore()
	alice := &storage.User{ID: uuid.New(), Handle: "alice", CreatedAt: time.Now()}
	bob := &storage.User{ID: uuid.New(), Handle: "bob", CreatedAt: time.Now()}
	require.NoError(t, store.CreateUser(context.Background(), alice))
	require.NoError(t, store.CreateUser(context.Background(), bob))
	return NewClassifier(store, nil), store, alice, bob
}

func eventNames(events []transport.Targeted) []string {
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, e.Event.Name)
	}
	return names
}

func TestFirstContact(t *testing.T) {
	ctx := context.Background()
	c, store, alice, bob := setup(t)

	t.Run("first message files both sides into secondary", func(t *testing.T) {
		events, err := c.EnsureFirstContact(ctx, alice.ID, bob.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{transport.EventChatCreated, transport.EventChatRequest}, eventNames(events))

		a, err := store.GetUser(ctx, alice.ID)
		require.NoError(t, err)
		assert.True(t, a.InSecondary(bob.ID))

		b, err := store.GetUser(ctx, bob.ID)
		require.NoError(t, err)
		assert.True(t, b.InSecondary(alice.ID))
	})

	t.Run("repeat messages are silent", func(t *testing.T) {
		events, err := c.EnsureFirstContact(ctx, alice.ID, bob.ID)
		require.NoError(t, err)
		assert.Empty(t, events)

		events, err = c.EnsureFirstContact(ctx, bob.ID, alice.ID)
		require.NoError(t, err)
		assert.Empty(t, events, "reverse direction already filed")
	})

	t.Run("self contact is invalid", func(t *testing.T) {
		_, err := c.EnsureFirstContact(ctx, alice.ID, alice.ID)
		assert.True(t, apperr.HasCode(err, apperr.CodeValidation))
	})
}

func TestAcceptPromotesBothSides(t *testing.T) {
	ctx := context.Background()
	c, store, alice, bob := setup(t)

	_, err := c.EnsureFirstContact(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	events, err := c.Accept(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, transport.EventChatCreated, events[0].Event.Name)
	assert.Equal(t, alice.ID.String(), events[0].UserID)

	a, err := store.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, a.InPrimary(bob.ID))
	assert.False(t, a.InSecondary(bob.ID))

	b, err := store.GetUser(ctx, bob.ID)
	require.NoError(t, err)
	assert.True(t, b.InPrimary(alice.ID))
}

func TestMoveBetweenTiers(t *testing.T) {
	ctx := context.Background()
	c, store, alice, bob := setup(t)

	require.NoError(t, c.MoveToPrimary(ctx, alice.ID, bob.ID))
	a, err := store.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, a.InPrimary(bob.ID))

	b, err := store.GetUser(ctx, bob.ID)
	require.NoError(t, err)
	assert.False(t, b.InPrimary(alice.ID), "moves touch the actor's lists only")

	require.NoError(t, c.MoveToSecondary(ctx, alice.ID, bob.ID))
	a, err = store.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.False(t, a.InPrimary(bob.ID))
	assert.True(t, a.InSecondary(bob.ID))
}

func TestDeleteAndClearChat(t *testing.T) {
	ctx := context.Background()
	c, store, alice, bob := setup(t)

	_, err := c.EnsureFirstContact(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	msg := &storage.Message{
		ID:             uuid.New(),
		SenderID:       alice.ID,
		Recipient:      &bob.ID,
		Text:           "hi",
		DeliveryStatus: storage.StatusSent,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, store.InsertMessage(ctx, msg))

	tagged, err := c.ClearChat(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, tagged)

	require.NoError(t, c.DeleteChat(ctx, alice.ID, bob.ID))
	a, err := store.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.False(t, a.InSecondary(bob.ID))

	got, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.DeletedFor(alice.ID))
	assert.True(t, got.DeletedFor(bob.ID))
	assert.False(t, got.Deleted, "soft tags do not scrub the record")
}

func TestMuteToggle(t *testing.T) {
	ctx := context.Background()
	c, _, alice, bob := setup(t)

	muted, err := c.MuteChat(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, muted)

	muted, err = c.MuteChat(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, muted)
}

// Blocking is asymmetric: only the blocker's lists are pruned, and
// unblocking restores nothing.
func TestBlockAsymmetry(t *testing.T) {
	ctx := context.Background()
	c, store, alice, bob := setup(t)

	_, err := c.EnsureFirstContact(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	require.NoError(t, c.Block(ctx, alice.ID, bob.ID))

	a, err := store.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.False(t, a.InSecondary(bob.ID))
	assert.True(t, a.HasBlocked(bob.ID))

	b, err := store.GetUser(ctx, bob.ID)
	require.NoError(t, err)
	assert.True(t, b.InSecondary(alice.ID), "blocked side keeps its entry")

	t.Run("double block conflicts", func(t *testing.T) {
		err := c.Block(ctx, alice.ID, bob.ID)
		assert.True(t, apperr.HasCode(err, apperr.CodeConflict))
	})

	t.Run("block gates first contact both ways", func(t *testing.T) {
		_, err := c.EnsureFirstContact(ctx, bob.ID, alice.ID)
		assert.True(t, apperr.HasCode(err, apperr.CodeAuthorization))
	})

	t.Run("unblock restores nothing", func(t *testing.T) {
		require.NoError(t, c.Unblock(ctx, alice.ID, bob.ID))

		a, err := store.GetUser(ctx, alice.ID)
		require.NoError(t, err)
		assert.False(t, a.HasBlocked(bob.ID))
		assert.False(t, a.InSecondary(bob.ID))
		assert.False(t, a.InPrimary(bob.ID))
	})

	t.Run("unblock without a block entry", func(t *testing.T) {
		err := c.Unblock(ctx, alice.ID, bob.ID)
		assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))
	})
}

func TestBlockedListing(t *testing.T) {
	ctx := context.Background()
	c, _, alice, bob := setup(t)

	entries, err := c.Blocked(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, c.Block(ctx, alice.ID, bob.ID))
	entries, err = c.Blocked(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, bob.ID, entries[0].Peer)
}
