// Package presence tracks which users are connected and enforces the
// single-session rule: registering a new session evicts the previous
// one with a forced logout before the new session becomes
// authoritative.
package presence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerchat/storage"
	"github.com/opd-ai/peerchat/transport"
)

// Clock supplies the current time so tests can control it.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Session is one live client session.
type Session struct {
	SessionID string
	ConnID    string
	Since     time.Time
}

// SessionStore is the registry's backing store. The default is the
// in-memory implementation below; a shared store (Redis and the like)
// can be swapped in for multi-node deployments.
type SessionStore interface {
	// Put installs the session and returns the one it replaced.
	Put(userID uuid.UUID, s Session) (Session, bool)

	Get(userID uuid.UUID) (Session, bool)

	// DeleteIf removes the session only while sessionID still matches,
	// so a stale disconnect cannot evict a newer session.
	DeleteIf(userID uuid.UUID, sessionID string) (Session, bool)
}

// Registry enforces single-session presence on top of a SessionStore,
// the transport hub and the user store.
type Registry struct {
	sessions SessionStore
	hub      *transport.Hub
	users    storage.UserStore
	clock    Clock
}

// NewRegistry builds a Registry. A nil store gets the in-memory
// default; a nil clock gets the wall clock.
func NewRegistry(sessions SessionStore, hub *transport.Hub, users storage.UserStore, clock Clock) *Registry {
	if sessions == nil {
		sessions = NewMemorySessionStore()
	}
	if clock == nil {
		clock = realClock{}
	}
	return &Registry{sessions: sessions, hub: hub, users: users, clock: clock}
}

type presencePayload struct {
	UserID   uuid.UUID `json:"userId"`
	LastSeen time.Time `json:"lastSeen"`
}

type forceLogoutPayload struct {
	Reason string `json:"reason"`
}

// Register makes (sessionID, conn) the user's authoritative session.
// An existing session is told to log out and its connection is closed
// before the new one takes over. The user goes online and everyone
// else is told.
func (r *Registry) Register(ctx context.Context, userID uuid.UUID, sessionID string, conn transport.Conn) error {
	now := r.clock.Now()

	prevConn, replaced := r.hub.Register(userID.String(), conn)
	prev, _ := r.sessions.Put(userID, Session{SessionID: sessionID, ConnID: conn.ID(), Since: now})

	if replaced && prevConn != nil {
		// Old session learns it was evicted, then loses its socket.
		prevConn.Send(transport.Event{
			Name:    transport.EventForceLogout,
			Payload: forceLogoutPayload{Reason: "logged in from another device"},
		})
		prevConn.Close()
		logrus.WithFields(logrus.Fields{
			"function":    "Register",
			"user_id":     shortID(userID),
			"old_session": truncate(prev.SessionID),
			"new_session": truncate(sessionID),
		}).Info("previous session evicted")
	}

	if err := r.users.SetPresence(ctx, userID, true, now, sessionID); err != nil {
		return err
	}

	r.hub.Broadcast(userID.String(), transport.Event{
		Name:    transport.EventUserOnline,
		Payload: presencePayload{UserID: userID, LastSeen: now},
	})
	return nil
}

// Lookup returns the user's live session.
func (r *Registry) Lookup(userID uuid.UUID) (Session, bool) {
	return r.sessions.Get(userID)
}

// Online reports whether the user has a live session.
func (r *Registry) Online(userID uuid.UUID) bool {
	_, ok := r.sessions.Get(userID)
	return ok
}

// Disconnect tears the session down only while sessionID is still the
// authoritative one. Disconnects from an evicted session are no-ops:
// the newer session stays online.
func (r *Registry) Disconnect(ctx context.Context, userID uuid.UUID, sessionID string) error {
	session, removed := r.sessions.DeleteIf(userID, sessionID)
	if !removed {
		logrus.WithFields(logrus.Fields{
			"function":   "Disconnect",
			"user_id":    shortID(userID),
			"session_id": truncate(sessionID),
		}).Debug("stale disconnect ignored")
		return nil
	}
	r.hub.Unregister(userID.String(), session.ConnID)

	now := r.clock.Now()
	if err := r.users.SetPresence(ctx, userID, false, now, ""); err != nil {
		return err
	}

	r.hub.Broadcast(userID.String(), transport.Event{
		Name:    transport.EventUserOffline,
		Payload: presencePayload{UserID: userID, LastSeen: now},
	})
	return nil
}

func shortID(id uuid.UUID) string { return truncate(id.String()) }

func truncate(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}
