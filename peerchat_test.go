package peerchat

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerchat/auth"
	apperr "github.com/opd-ai/peerchat/errors"
	"github.com/opd-ai/peerchat/messaging"
	"github.com/opd-ai/peerchat/storage"
	"github.com/opd-ai/peerchat/transport"
)

type harness struct {
	core  *Core
	authn *auth.StaticAuthenticator
	alice *storage.User
	bob   *storage.User
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	authn := auth.NewStaticAuthenticator(nil)
	options := NewOptions()
	options.Authenticator = authn

	core, err := New(options)
	require.NoError(t, err)

	ctx := context.Background()
	alice := &storage.User{Handle: "alice"}
	bob := &storage.User{Handle: "bob"}
	require.NoError(t, core.CreateUser(ctx, alice))
	require.NoError(t, core.CreateUser(ctx, bob))
	authn.Grant("token-alice", alice.ID)
	authn.Grant("token-bob", bob.ID)

	return &harness{core: core, authn: authn, alice: alice, bob: bob}
}

func drain(conn *transport.PipeConn) []transport.Event {
	var out []transport.Event
	for {
		select {
		case e, ok := <-conn.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func eventNames(events []transport.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Name)
	}
	return out
}

func TestAttachRejectsBadToken(t *testing.T) {
	h := newHarness(t)
	conn := transport.NewPipeConn("conn-1", 16)

	_, _, err := h.core.AttachConnection(context.Background(), "bogus", conn)
	assert.True(t, apperr.HasCode(err, apperr.CodeAuthorization))
	assert.Error(t, conn.Send(transport.Event{Name: "x"}), "rejected connection is closed")
}

func TestSingleDeviceEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first := transport.NewPipeConn("conn-1", 16)
	_, firstSession, err := h.core.AttachConnection(ctx, "token-alice", first)
	require.NoError(t, err)

	second := transport.NewPipeConn("conn-2", 16)
	_, secondSession, err := h.core.AttachConnection(ctx, "token-alice", second)
	require.NoError(t, err)

	assert.Contains(t, eventNames(drain(first)), transport.EventForceLogout)

	// The evicted device's disconnect must not knock the new one off.
	require.NoError(t, h.core.DetachConnection(ctx, h.alice.ID, firstSession))
	user, err := h.core.GetUser(ctx, h.alice.ID)
	require.NoError(t, err)
	assert.True(t, user.Online)

	require.NoError(t, h.core.DetachConnection(ctx, h.alice.ID, secondSession))
	user, err = h.core.GetUser(ctx, h.alice.ID)
	require.NoError(t, err)
	assert.False(t, user.Online)
}

func TestSendDeliversLiveAndFiresCallback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	bobConn := transport.NewPipeConn("conn-b", 16)
	_, _, err := h.core.AttachConnection(ctx, "token-bob", bobConn)
	require.NoError(t, err)
	drain(bobConn)

	var seen []*storage.Message
	h.core.OnMessage(func(msg *storage.Message) { seen = append(seen, msg) })

	msg, err := h.core.SendMessage(ctx, messaging.SendRequest{
		SenderID:    h.alice.ID,
		RecipientID: &h.bob.ID,
		Text:        "hi bob",
	})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDelivered, msg.DeliveryStatus)
	require.Len(t, seen, 1)

	names := eventNames(drain(bobConn))
	assert.Contains(t, names, transport.EventMessageReceive)
	assert.Contains(t, names, transport.EventChatRequest)
}

func TestTempSessionEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	aliceConn := transport.NewPipeConn("conn-a", 16)
	_, _, err := h.core.AttachConnection(ctx, "token-alice", aliceConn)
	require.NoError(t, err)
	bobConn := transport.NewPipeConn("conn-b", 16)
	_, _, err = h.core.AttachConnection(ctx, "token-bob", bobConn)
	require.NoError(t, err)
	drain(aliceConn)
	drain(bobConn)

	session, err := h.core.CreateTempSession(ctx, h.alice.ID)
	require.NoError(t, err)

	joined, alias, err := h.core.JoinTempSession(ctx, session.Code, h.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, "Anon-2", alias)
	assert.Len(t, joined.Participants, 2)
	assert.Contains(t, eventNames(drain(aliceConn)), transport.EventTempSessionJoined)

	msg, err := h.core.SendMessage(ctx, messaging.SendRequest{
		SenderID: h.bob.ID,
		RoomID:   "temp_room_" + session.Code,
		Text:     "anon hello",
	})
	require.NoError(t, err)
	assert.True(t, msg.Ephemeral)
	assert.Contains(t, eventNames(drain(aliceConn)), transport.EventMessageReceive)

	msgs, err := h.core.TempSessionMessages(ctx, session.ID, h.alice.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	require.NoError(t, h.core.EndTempSession(ctx, session.ID, h.alice.ID))
	assert.Contains(t, eventNames(drain(bobConn)), transport.EventTempSessionEnded)

	_, err = h.core.TempSessionMessages(ctx, session.ID, h.alice.ID)
	assert.True(t, apperr.HasCode(err, apperr.CodeState))
}

func TestRoomJoinLeaveNotices(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	aliceConn := transport.NewPipeConn("conn-a", 16)
	_, _, err := h.core.AttachConnection(ctx, "token-alice", aliceConn)
	require.NoError(t, err)
	bobConn := transport.NewPipeConn("conn-b", 16)
	_, _, err = h.core.AttachConnection(ctx, "token-bob", bobConn)
	require.NoError(t, err)
	drain(aliceConn)
	drain(bobConn)

	require.NoError(t, h.core.JoinRoom(h.alice.ID, "room-lobby"))
	require.NoError(t, h.core.JoinRoom(h.bob.ID, "room-lobby"))
	assert.Contains(t, eventNames(drain(aliceConn)), transport.EventUserJoinedRoom)
	assert.Empty(t, drain(bobConn), "joiner gets no echo of their own join")

	require.NoError(t, h.core.LeaveRoom(h.bob.ID, "room-lobby"))
	assert.Contains(t, eventNames(drain(aliceConn)), transport.EventUserLeftRoom)

	err = h.core.JoinRoom(uuid.New(), "room-lobby")
	assert.True(t, apperr.HasCode(err, apperr.CodeState), "no live connection, nothing to bind")

	err = h.core.JoinRoom(h.alice.ID, "")
	assert.True(t, apperr.HasCode(err, apperr.CodeValidation))
}

func TestTypingRelay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	bobConn := transport.NewPipeConn("conn-b", 16)
	_, _, err := h.core.AttachConnection(ctx, "token-bob", bobConn)
	require.NoError(t, err)
	drain(bobConn)

	require.NoError(t, h.core.Typing(ctx, h.alice.ID, &h.bob.ID, "", true))
	require.NoError(t, h.core.Typing(ctx, h.alice.ID, &h.bob.ID, "", false))

	names := eventNames(drain(bobConn))
	assert.Equal(t, []string{transport.EventTypingStart, transport.EventTypingStop}, names)
}

func TestCoreLifecycle(t *testing.T) {
	h := newHarness(t)
	h.core.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	h.core.Close()
	h.core.Close()
}

func TestCreateUserValidation(t *testing.T) {
	h := newHarness(t)
	err := h.core.CreateUser(context.Background(), &storage.User{})
	assert.True(t, apperr.HasCode(err, apperr.CodeValidation))

	named := &storage.User{Handle: "carol"}
	require.NoError(t, h.core.CreateUser(context.Background(), named))
	assert.NotEqual(t, uuid.Nil, named.ID, "missing id is assigned")
}
