package transport

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Hub routes events to live connections. It keeps exactly one
// connection per user and a set of named rooms; membership and
// presence policy live in the callers, the hub only routes.
type Hub struct {
	mu    sync.RWMutex
	users map[string]Conn
	rooms map[string]map[string]Conn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		users: make(map[string]Conn),
		rooms: make(map[string]map[string]Conn),
	}
}

// Register binds conn as the user's connection and returns the
// previously bound connection, if any. The caller decides what to do
// with the old one (the presence registry closes it after a
// force-logout notice). Room memberships follow the user onto the new
// connection so room emits never hit the evicted one.
func (h *Hub) Register(userID string, conn Conn) (Conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev, had := h.users[userID]
	h.users[userID] = conn
	if had {
		for _, members := range h.rooms {
			if _, ok := members[userID]; ok {
				members[userID] = conn
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Register",
		"user_id":  truncateID(userID),
		"conn_id":  truncateID(conn.ID()),
		"replaced": had,
	}).Debug("connection registered")
	return prev, had
}

// Unregister removes the user's binding only while connID is still the
// bound connection, so a stale disconnect cannot tear down a newer
// session. Room memberships of that connection are dropped too.
func (h *Hub) Unregister(userID, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.users[userID]
	if !ok || conn.ID() != connID {
		return false
	}
	delete(h.users, userID)
	for _, members := range h.rooms {
		delete(members, userID)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Unregister",
		"user_id":  truncateID(userID),
		"conn_id":  truncateID(connID),
	}).Debug("connection unregistered")
	return true
}

// ConnOf returns the user's live connection.
func (h *Hub) ConnOf(userID string) (Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.users[userID]
	return conn, ok
}

// JoinRoom adds the user's current connection to a room. Users with no
// live connection are skipped; they re-join on reconnect.
func (h *Hub) JoinRoom(room, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.users[userID]
	if !ok {
		return false
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]Conn)
		h.rooms[room] = members
	}
	members[userID] = conn
	return true
}

// LeaveRoom removes the user from a room.
func (h *Hub) LeaveRoom(room, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.rooms[room]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// DestroyRoom drops a room and all its memberships. Connections stay
// open.
func (h *Hub) DestroyRoom(room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, room)
}

// EmitToUser delivers one event to the user's connection. Returns
// false when the user has no live connection or the send failed.
func (h *Hub) EmitToUser(userID string, event Event) bool {
	h.mu.RLock()
	conn, ok := h.users[userID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if err := conn.Send(event); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "EmitToUser",
			"user_id":  truncateID(userID),
			"event":    event.Name,
			"error":    err,
		}).Warn("event delivery failed")
		return false
	}
	return true
}

// EmitToRoom delivers one event to every room member except
// exceptUserID. Returns how many connections accepted it.
func (h *Hub) EmitToRoom(room, exceptUserID string, event Event) int {
	h.mu.RLock()
	members := h.rooms[room]
	conns := make(map[string]Conn, len(members))
	for userID, conn := range members {
		if userID == exceptUserID {
			continue
		}
		conns[userID] = conn
	}
	h.mu.RUnlock()

	delivered := 0
	for userID, conn := range conns {
		if err := conn.Send(event); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "EmitToRoom",
				"room":     room,
				"user_id":  truncateID(userID),
				"event":    event.Name,
				"error":    err,
			}).Warn("event delivery failed")
			continue
		}
		delivered++
	}
	return delivered
}

// Broadcast delivers one event to every connected user except
// exceptUserID. Returns how many connections accepted it.
func (h *Hub) Broadcast(exceptUserID string, event Event) int {
	h.mu.RLock()
	conns := make(map[string]Conn, len(h.users))
	for userID, conn := range h.users {
		if userID == exceptUserID {
			continue
		}
		conns[userID] = conn
	}
	h.mu.RUnlock()

	delivered := 0
	for _, conn := range conns {
		if conn.Send(event) == nil {
			delivered++
		}
	}
	return delivered
}

// Emit dispatches a targeted event to its destination.
func (h *Hub) Emit(t Targeted) {
	if t.Room != "" {
		h.EmitToRoom(t.Room, t.ExceptUserID, t.Event)
		return
	}
	h.EmitToUser(t.UserID, t.Event)
}

// EmitAll dispatches a batch in order.
func (h *Hub) EmitAll(events []Targeted) {
	for _, t := range events {
		h.Emit(t)
	}
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
