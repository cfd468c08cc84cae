package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(conn *PipeConn) []Event {
	var out []Event
	for {
		select {
		case e := <-conn.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestHubRegister(t *testing.T) {
	hub := NewHub()

	first := NewPipeConn("conn-1", 4)
	prev, had := hub.Register("alice", first)
	assert.False(t, had)
	assert.Nil(t, prev)

	second := NewPipeConn("conn-2", 4)
	prev, had = hub.Register("alice", second)
	assert.True(t, had)
	assert.Same(t, first, prev)

	conn, ok := hub.ConnOf("alice")
	require.True(t, ok)
	assert.Equal(t, "conn-2", conn.ID())
}

func TestHubRegisterRebindsRooms(t *testing.T) {
	hub := NewHub()
	first := NewPipeConn("conn-1", 4)
	hub.Register("alice", first)
	require.True(t, hub.JoinRoom("temp_room_ABCD2345", "alice"))

	second := NewPipeConn("conn-2", 4)
	hub.Register("alice", second)
	require.NoError(t, first.Close())

	delivered := hub.EmitToRoom("temp_room_ABCD2345", "", Event{Name: EventTempSessionEnded})
	assert.Equal(t, 1, delivered, "room emit reaches the replacement connection")
	events := drain(second)
	require.Len(t, events, 1)
	assert.Equal(t, EventTempSessionEnded, events[0].Name)
}

func TestHubUnregisterStaleConn(t *testing.T) {
	hub := NewHub()
	hub.Register("alice", NewPipeConn("conn-1", 4))
	hub.Register("alice", NewPipeConn("conn-2", 4))

	assert.False(t, hub.Unregister("alice", "conn-1"), "stale disconnect must not evict the new session")

	_, ok := hub.ConnOf("alice")
	assert.True(t, ok)

	assert.True(t, hub.Unregister("alice", "conn-2"))
	_, ok = hub.ConnOf("alice")
	assert.False(t, ok)
}

func TestHubEmitToUser(t *testing.T) {
	hub := NewHub()
	conn := NewPipeConn("conn-1", 4)
	hub.Register("alice", conn)

	assert.True(t, hub.EmitToUser("alice", Event{Name: EventMessageReceive}))
	assert.False(t, hub.EmitToUser("nobody", Event{Name: EventMessageReceive}))

	events := drain(conn)
	require.Len(t, events, 1)
	assert.Equal(t, EventMessageReceive, events[0].Name)
}

func TestHubRooms(t *testing.T) {
	hub := NewHub()
	alice := NewPipeConn("conn-a", 4)
	bob := NewPipeConn("conn-b", 4)
	hub.Register("alice", alice)
	hub.Register("bob", bob)

	require.True(t, hub.JoinRoom("temp_room_ABCD2345", "alice"))
	require.True(t, hub.JoinRoom("temp_room_ABCD2345", "bob"))
	assert.False(t, hub.JoinRoom("temp_room_ABCD2345", "offline-user"))

	t.Run("room emit skips the excluded member", func(t *testing.T) {
		delivered := hub.EmitToRoom("temp_room_ABCD2345", "alice", Event{Name: EventTypingStart})
		assert.Equal(t, 1, delivered)
		assert.Empty(t, drain(alice))
		require.Len(t, drain(bob), 1)
	})

	t.Run("unregister leaves rooms", func(t *testing.T) {
		hub.Unregister("bob", "conn-b")
		delivered := hub.EmitToRoom("temp_room_ABCD2345", "", Event{Name: EventTempSessionEnded})
		assert.Equal(t, 1, delivered)
		require.Len(t, drain(alice), 1)
	})

	t.Run("destroy room", func(t *testing.T) {
		hub.DestroyRoom("temp_room_ABCD2345")
		assert.Zero(t, hub.EmitToRoom("temp_room_ABCD2345", "", Event{Name: EventTempSessionEnded}))
	})
}

func TestPipeConnBackpressure(t *testing.T) {
	conn := NewPipeConn("conn-1", 1)
	require.NoError(t, conn.Send(Event{Name: EventMessageReceive}))
	assert.Error(t, conn.Send(Event{Name: EventMessageReceive}), "full buffer rejects instead of blocking")

	require.NoError(t, conn.Close())
	assert.Error(t, conn.Send(Event{Name: EventMessageReceive}))
	assert.NoError(t, conn.Close(), "double close is harmless")
}

func TestEmitAllDispatch(t *testing.T) {
	hub := NewHub()
	alice := NewPipeConn("conn-a", 4)
	hub.Register("alice", alice)
	hub.JoinRoom("room-1", "alice")

	hub.EmitAll([]Targeted{
		ToUser("alice", EventUserOnline, nil),
		ToRoom("room-1", EventTypingStart, nil),
		ToRoomExcept("room-1", "alice", EventTypingStop, nil),
	})

	events := drain(alice)
	require.Len(t, events, 2)
	assert.Equal(t, EventUserOnline, events[0].Name)
	assert.Equal(t, EventTypingStart, events[1].Name)
}
