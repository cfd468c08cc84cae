package presence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerchat/storage"
	"github.com/opd-ai/peerchat/transport"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newRegistry(t *testing.T) (*Registry, *transport.Hub, *storage.MemoryStore, *storage.User) {
	t.Helper()
	store := storage.NewMemoryStore()
	user := &storage.User{ID: uuid.New(), Handle: "alice", CreatedAt: time.Now()}
	require.NoError(t, store.CreateUser(context.Background(), user))

	hub := transport.NewHub()
	reg := NewRegistry(nil, hub, store, fixedClock{now: time.Now()})
	return reg, hub, store, user
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

func TestRegisterGoesOnline(t *testing.T) {
	ctx := context.Background()
	reg, hub, store, user := newRegistry(t)

	conn := transport.NewPipeConn("conn-1", 8)
	require.NoError(t, reg.Register(ctx, user.ID, "sess-1", conn))

	assert.True(t, reg.Online(user.ID))
	got, err := store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, got.Online)
	assert.Equal(t, "sess-1", got.SessionID)

	bound, ok := hub.ConnOf(user.ID.String())
	require.True(t, ok)
	assert.Equal(t, "conn-1", bound.ID())
}

// A second login evicts the first session: the old connection gets a
// forced logout and is closed, and the new session is authoritative.
func TestRegisterEvictsPreviousSession(t *testing.T) {
	ctx := context.Background()
	reg, hub, _, user := newRegistry(t)

	first := transport.NewPipeConn("conn-1", 8)
	require.NoError(t, reg.Register(ctx, user.ID, "sess-1", first))

	second := transport.NewPipeConn("conn-2", 8)
	require.NoError(t, reg.Register(ctx, user.ID, "sess-2", second))

	events := drain(first)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, transport.EventForceLogout, last.Name)
	assert.Error(t, first.Send(transport.Event{Name: "x"}), "evicted connection is closed")

	session, ok := reg.Lookup(user.ID)
	require.True(t, ok)
	assert.Equal(t, "sess-2", session.SessionID)

	bound, ok := hub.ConnOf(user.ID.String())
	require.True(t, ok)
	assert.Equal(t, "conn-2", bound.ID())
}

// The evicted session's disconnect must not take the new session
// offline.
func TestStaleDisconnectIsNoOp(t *testing.T) {
	ctx := context.Background()
	reg, _, store, user := newRegistry(t)

	require.NoError(t, reg.Register(ctx, user.ID, "sess-1", transport.NewPipeConn("conn-1", 8)))
	require.NoError(t, reg.Register(ctx, user.ID, "sess-2", transport.NewPipeConn("conn-2", 8)))

	require.NoError(t, reg.Disconnect(ctx, user.ID, "sess-1"))
	assert.True(t, reg.Online(user.ID))

	got, err := store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, got.Online)

	require.NoError(t, reg.Disconnect(ctx, user.ID, "sess-2"))
	assert.False(t, reg.Online(user.ID))

	got, err = store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, got.Online)
	assert.Empty(t, got.SessionID)
}

func TestPresenceBroadcasts(t *testing.T) {
	ctx := context.Background()
	reg, _, store, alice := newRegistry(t)

	bob := &storage.User{ID: uuid.New(), Handle: "bob", CreatedAt: time.Now()}
	require.NoError(t, store.CreateUser(ctx, bob))
	bobConn := transport.NewPipeConn("conn-b", 8)
	require.NoError(t, reg.Register(ctx, bob.ID, "sess-b", bobConn))
	drain(bobConn)

	aliceConn := transport.NewPipeConn("conn-a", 8)
	require.NoError(t, reg.Register(ctx, alice.ID, "sess-a", aliceConn))

	events := drain(bobConn)
	require.Len(t, events, 1)
	assert.Equal(t, transport.EventUserOnline, events[0].Name)
	assert.Empty(t, drain(aliceConn), "no echo to the user who came online")

	require.NoError(t, reg.Disconnect(ctx, alice.ID, "sess-a"))
	events = drain(bobConn)
	require.Len(t, events, 1)
	assert.Equal(t, transport.EventUserOffline, events[0].Name)
}
