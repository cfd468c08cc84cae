package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "github.com/opd-ai/peerchat/errors"
	"github.com/opd-ai/peerchat/push"
	"github.com/opd-ai/peerchat/relationship"
	"github.com/opd-ai/peerchat/storage"
	"github.com/opd-ai/peerchat/transport"
)

type fakePresence struct {
	online map[uuid.UUID]bool
}

func (f *fakePresence) Online(userID uuid.UUID) bool { return f.online[userID] }

type fakeResolver struct {
	sessions map[string]*storage.TempSession
}

func (f *fakeResolver) ResolveTarget(_ context.Context, sessionID *uuid.UUID, roomID string) (*storage.TempSession, error) {
	for _, s := range f.sessions {
		if sessionID != nil && s.ID == *sessionID {
			return s, nil
		}
		if roomID == TempRoomPrefix+s.Code {
			return s, nil
		}
	}
	return nil, apperr.ErrSessionNotFound
}

type recordingNotifier struct {
	sent []push.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n push.Notification) error {
	r.sent = append(r.sent, n)
	return nil
}

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

type fixture struct {
	engine   *Engine
	store    *storage.MemoryStore
	presence *fakePresence
	resolver *fakeResolver
	notifier *recordingNotifier
	clock    *fixedClock
	alice    *storage.User
	bob      *storage.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	alice := &storage.User{ID: uuid.New(), Handle: "alice", CreatedAt: time.Now()}
	bob := &storage.User{ID: uuid.New(), Handle: "bob", CreatedAt: time.Now()}
	require.NoError(t, store.CreateUser(context.Background(), alice))
	require.NoError(t, store.CreateUser(context.Background(), bob))

	clock := &fixedClock{now: time.Now()}
	presence := &fakePresence{online: make(map[uuid.UUID]bool)}
	resolver := &fakeResolver{sessions: make(map[string]*storage.TempSession)}
	notifier := &recordingNotifier{}
	rel := relationship.NewClassifier(store, clock)

	return &fixture{
		engine:   NewEngine(store, rel, presence, resolver, notifier, clock),
		store:    store,
		presence: presence,
		resolver: resolver,
		notifier: notifier,
		clock:    clock,
		alice:    alice,
		bob:      bob,
	}
}

func names(events []transport.Targeted) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Event.Name)
	}
	return out
}

func TestSendTargetValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, _, err := f.engine.Send(ctx, SendRequest{SenderID: f.alice.ID, Text: "no target"})
	assert.True(t, apperr.HasCode(err, apperr.CodeValidation))

	_, _, err = f.engine.Send(ctx, SendRequest{
		SenderID:    f.alice.ID,
		RecipientID: &f.bob.ID,
		RoomID:      "room-1",
		Text:        "two targets",
	})
	assert.True(t, apperr.HasCode(err, apperr.CodeValidation))

	_, _, err = f.engine.Send(ctx, SendRequest{SenderID: f.alice.ID, RecipientID: &f.bob.ID})
	assert.True(t, apperr.HasCode(err, apperr.CodeValidation), "empty content")
}

// An encrypted message must never persist readable content, whatever
// the request carried alongside the ciphertext.
func TestSendCiphertextSuppressesPlaintext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	msg, _, err := f.engine.Send(ctx, SendRequest{
		SenderID:      f.alice.ID,
		RecipientID:   &f.bob.ID,
		Text:          "leaked plaintext",
		Ciphertext:    "AAEC",
		RatchetHeader: "hdr",
		Nonce:         "n1",
	})
	require.NoError(t, err)

	stored, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Text)
	assert.Equal(t, "AAEC", stored.Ciphertext)
	assert.Equal(t, "hdr", stored.RatchetHeader)
}

func TestSendDeliveryByPresence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	t.Run("online recipient gets live delivery", func(t *testing.T) {
		f.presence.online[f.bob.ID] = true
		msg, events, err := f.engine.Send(ctx, SendRequest{
			SenderID:    f.alice.ID,
			RecipientID: &f.bob.ID,
			Text:        "hi",
		})
		require.NoError(t, err)
		assert.Equal(t, storage.StatusDelivered, msg.DeliveryStatus)
		assert.Contains(t, names(events), transport.EventMessageReceive)
		assert.Contains(t, names(events), transport.EventMessageDelivered)
		assert.Contains(t, names(events), transport.EventMessageSent)
		assert.Empty(t, f.notifier.sent)
	})

	t.Run("offline recipient stays at sent and gets a push", func(t *testing.T) {
		f.presence.online[f.bob.ID] = false
		msg, events, err := f.engine.Send(ctx, SendRequest{
			SenderID:    f.alice.ID,
			RecipientID: &f.bob.ID,
			Ciphertext:  "AAEC",
		})
		require.NoError(t, err)
		assert.Equal(t, storage.StatusSent, msg.DeliveryStatus)
		assert.NotContains(t, names(events), transport.EventMessageReceive)

		require.Len(t, f.notifier.sent, 1)
		n := f.notifier.sent[0]
		assert.Equal(t, f.bob.ID, n.UserID)
		assert.NotContains(t, n.Body, "AAEC", "push for encrypted message is content-free")
	})

	t.Run("plaintext push is content-free too", func(t *testing.T) {
		f.presence.online[f.bob.ID] = false
		f.notifier.sent = nil
		_, _, err := f.engine.Send(ctx, SendRequest{
			SenderID:    f.alice.ID,
			RecipientID: &f.bob.ID,
			Text:        "meet me at the usual place",
		})
		require.NoError(t, err)

		require.Len(t, f.notifier.sent, 1)
		n := f.notifier.sent[0]
		assert.Equal(t, f.bob.ID, n.UserID)
		assert.NotContains(t, n.Body, "meet me", "push payload never carries message text")
		assert.NotContains(t, n.Title, "meet me")
		assert.Equal(t, push.ContentFree(f.bob.ID), n)
	})
}

// The offline first-contact scenario: a stranger's message files both
// sides into secondary exactly once, and only the first message fires
// the chat events.
func TestSendFirstContact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, events, err := f.engine.Send(ctx, SendRequest{
		SenderID:    f.alice.ID,
		RecipientID: &f.bob.ID,
		Text:        "hello stranger",
	})
	require.NoError(t, err)
	assert.Contains(t, names(events), transport.EventChatRequest)
	assert.Contains(t, names(events), transport.EventChatCreated)

	_, events, err = f.engine.Send(ctx, SendRequest{
		SenderID:    f.alice.ID,
		RecipientID: &f.bob.ID,
		Text:        "hello again",
	})
	require.NoError(t, err)
	assert.NotContains(t, names(events), transport.EventChatRequest)

	bob, err := f.store.GetUser(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.True(t, bob.InSecondary(f.alice.ID))
}

func TestSendBlockedEitherDirection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.store.AddBlock(ctx, f.bob.ID, f.alice.ID, time.Now())
	require.NoError(t, err)

	_, _, err = f.engine.Send(ctx, SendRequest{SenderID: f.alice.ID, RecipientID: &f.bob.ID, Text: "hi"})
	assert.True(t, apperr.HasCode(err, apperr.CodeAuthorization), "blocked recipient rejects inbound")

	_, _, err = f.engine.Send(ctx, SendRequest{SenderID: f.bob.ID, RecipientID: &f.alice.ID, Text: "hi"})
	assert.True(t, apperr.HasCode(err, apperr.CodeAuthorization), "blocker cannot send either")
}

func TestSendEphemeral(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	session := &storage.TempSession{
		ID:   uuid.New(),
		Code: "ABCD2345",
		Participants: []storage.TempParticipant{
			{UserID: f.alice.ID, Alias: "Anon-1", JoinedAt: time.Now()},
		},
		Active:    true,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	f.resolver.sessions[session.Code] = session

	t.Run("room code resolves the session", func(t *testing.T) {
		msg, _, err := f.engine.Send(ctx, SendRequest{
			SenderID: f.alice.ID,
			RoomID:   TempRoomPrefix + "ABCD2345",
			Text:     "anon hello",
		})
		require.NoError(t, err)
		assert.True(t, msg.Ephemeral)
		require.NotNil(t, msg.TempSessionID)
		assert.Equal(t, session.ID, *msg.TempSessionID)
	})

	t.Run("non-participant is rejected", func(t *testing.T) {
		_, _, err := f.engine.Send(ctx, SendRequest{
			SenderID: f.bob.ID,
			RoomID:   TempRoomPrefix + "ABCD2345",
			Text:     "intruder",
		})
		assert.True(t, apperr.HasCode(err, apperr.CodeAuthorization))
	})

	t.Run("media is rejected", func(t *testing.T) {
		_, _, err := f.engine.Send(ctx, SendRequest{
			SenderID:    f.alice.ID,
			RoomID:      TempRoomPrefix + "ABCD2345",
			Text:        "pic",
			MessageType: storage.MessageTypeMedia,
			MediaURL:    "https://cdn.example/x.png",
		})
		assert.True(t, apperr.HasCode(err, apperr.CodeValidation))
	})

	t.Run("unknown code", func(t *testing.T) {
		_, _, err := f.engine.Send(ctx, SendRequest{
			SenderID: f.alice.ID,
			RoomID:   TempRoomPrefix + "ZZZZ9999",
			Text:     "void",
		})
		assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))
	})
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	msg, _, err := f.engine.Send(ctx, SendRequest{SenderID: f.alice.ID, RecipientID: &f.bob.ID, Text: "hi"})
	require.NoError(t, err)

	t.Run("recipient marks read and sender gets a receipt", func(t *testing.T) {
		events, err := f.engine.MarkRead(ctx, f.bob.ID, []uuid.UUID{msg.ID})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, transport.EventReadReceipt, events[0].Event.Name)
		assert.Equal(t, f.alice.ID.String(), events[0].UserID)
	})

	t.Run("second mark is silent", func(t *testing.T) {
		events, err := f.engine.MarkRead(ctx, f.bob.ID, []uuid.UUID{msg.ID})
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("non-recipient ids are skipped", func(t *testing.T) {
		other, _, err := f.engine.Send(ctx, SendRequest{SenderID: f.alice.ID, RecipientID: &f.bob.ID, Text: "again"})
		require.NoError(t, err)

		events, err := f.engine.MarkRead(ctx, f.alice.ID, []uuid.UUID{other.ID})
		require.NoError(t, err)
		assert.Empty(t, events)

		stored, err := f.store.GetMessage(ctx, other.ID)
		require.NoError(t, err)
		assert.False(t, stored.Read)
	})
}

func TestDeleteForSelf(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	msg, _, err := f.engine.Send(ctx, SendRequest{SenderID: f.alice.ID, RecipientID: &f.bob.ID, Text: "hi"})
	require.NoError(t, err)

	t.Run("outsiders are rejected", func(t *testing.T) {
		outsider := uuid.New()
		_, err := f.engine.DeleteForSelf(ctx, msg.ID, outsider)
		assert.True(t, apperr.HasCode(err, apperr.CodeAuthorization))
	})

	t.Run("idempotent for one actor", func(t *testing.T) {
		got, err := f.engine.DeleteForSelf(ctx, msg.ID, f.alice.ID)
		require.NoError(t, err)
		assert.Len(t, got.DeletedBy, 1)

		got, err = f.engine.DeleteForSelf(ctx, msg.ID, f.alice.ID)
		require.NoError(t, err)
		assert.Len(t, got.DeletedBy, 1)
		assert.False(t, got.Deleted)
	})

	t.Run("both participants promote to deleted", func(t *testing.T) {
		got, err := f.engine.DeleteForSelf(ctx, msg.ID, f.bob.ID)
		require.NoError(t, err)
		assert.True(t, got.Deleted)
	})
}

func TestDeleteForEveryone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	msg, _, err := f.engine.Send(ctx, SendRequest{SenderID: f.alice.ID, RecipientID: &f.bob.ID, Text: "regret"})
	require.NoError(t, err)

	t.Run("recipient may not", func(t *testing.T) {
		_, _, err := f.engine.DeleteForEveryone(ctx, msg.ID, f.bob.ID)
		assert.True(t, apperr.HasCode(err, apperr.CodeAuthorization))
	})

	t.Run("window closes after an hour", func(t *testing.T) {
		f.clock.now = msg.CreatedAt.Add(DeleteForEveryoneWindow + time.Minute)
		_, _, err := f.engine.DeleteForEveryone(ctx, msg.ID, f.alice.ID)
		assert.True(t, apperr.HasCode(err, apperr.CodeState))
	})

	t.Run("inside the window the content is scrubbed", func(t *testing.T) {
		f.clock.now = msg.CreatedAt.Add(30 * time.Minute)
		got, events, err := f.engine.DeleteForEveryone(ctx, msg.ID, f.alice.ID)
		require.NoError(t, err)
		assert.True(t, got.Deleted)
		assert.Empty(t, got.Text)
		require.Len(t, events, 1)
		assert.Equal(t, transport.EventMessageDeleted, events[0].Event.Name)
		assert.Equal(t, f.bob.ID.String(), events[0].UserID)
	})
}

func TestReact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	msg, _, err := f.engine.Send(ctx, SendRequest{SenderID: f.alice.ID, RecipientID: &f.bob.ID, Text: "hi"})
	require.NoError(t, err)

	got, events, err := f.engine.React(ctx, msg.ID, f.bob.ID, "👍")
	require.NoError(t, err)
	require.Len(t, got.Reactions, 1)
	assert.Equal(t, f.bob.ID, got.Reactions[0].UserID)

	require.Len(t, events, 1)
	assert.Equal(t, transport.EventMessageReaction, events[0].Event.Name)
	assert.Equal(t, f.alice.ID.String(), events[0].UserID, "the other party is notified")

	_, _, err = f.engine.React(ctx, msg.ID, uuid.New(), "👀")
	assert.True(t, apperr.HasCode(err, apperr.CodeAuthorization))
}

func TestPeerHistoryHidesDeletedForSelf(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, _, err := f.engine.Send(ctx, SendRequest{SenderID: f.alice.ID, RecipientID: &f.bob.ID, Text: "one"})
	require.NoError(t, err)
	_, _, err = f.engine.Send(ctx, SendRequest{SenderID: f.bob.ID, RecipientID: &f.alice.ID, Text: "two"})
	require.NoError(t, err)

	_, err = f.engine.DeleteForSelf(ctx, first.ID, f.alice.ID)
	require.NoError(t, err)

	f.clock.now = f.clock.now.Add(time.Second)
	msgs, err := f.engine.PeerHistory(ctx, f.alice.ID, f.bob.ID, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "two", msgs[0].Text)

	msgs, err = f.engine.PeerHistory(ctx, f.bob.ID, f.alice.ID, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "the other side still sees both")
}
