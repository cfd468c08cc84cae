// Package tempsession manages anonymous, time-boxed chat sessions
// joined by an 8-character code. Participants appear under generated
// aliases, messages are tagged to the session, and ending the session
// hard-deletes everything it produced.
package tempsession

import (
	"context"
	"crypto/rand"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	apperr "github.com/opd-ai/peerchat/errors"
	"github.com/opd-ai/peerchat/messaging"
	"github.com/opd-ai/peerchat/storage"
	"github.com/opd-ai/peerchat/transport"
)

// Join codes avoid the lookalike characters 0/O, 1/I/L.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	codeLength = 8

	// SessionTTL is how long a session lives from creation.
	SessionTTL = 24 * time.Hour

	codeRetries = 5
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Store is the storage surface the manager needs: sessions plus the
// message operations of the destruction cascade.
type Store interface {
	storage.TempSessionStore

	ListSessionMessages(ctx context.Context, sessionID uuid.UUID) ([]*storage.Message, error)
	DeleteBySession(ctx context.Context, sessionID uuid.UUID) (int, error)
}

// Manager implements the ephemeral session operations.
type Manager struct {
	store Store
	clock Clock
}

// NewManager builds a Manager. A nil clock gets the wall clock.
func NewManager(store Store, clock Clock) *Manager {
	if clock == nil {
		clock = realClock{}
	}
	return &Manager{store: store, clock: clock}
}

// RoomID returns the transport room name for a session code.
func RoomID(code string) string { return messaging.TempRoomPrefix + code }

type joinedPayload struct {
	SessionID uuid.UUID `json:"sessionId"`
	Alias     string    `json:"alias"`
	JoinedAt  time.Time `json:"joinedAt"`
}

type endedPayload struct {
	SessionID       uuid.UUID `json:"sessionId"`
	Code            string    `json:"code"`
	MessagesDeleted int       `json:"messagesDeleted"`
}

// Create opens a new session with the creator joined under the first
// alias. The join code is unique among active sessions.
func (m *Manager) Create(ctx context.Context, creatorID uuid.UUID) (*storage.TempSession, error) {
	now := m.clock.Now()

	var code string
	for attempt := 0; ; attempt++ {
		c, err := generateCode()
		if err != nil {
			return nil, err
		}
		_, err = m.store.GetActiveTempSessionByCode(ctx, c)
		if apperr.HasCode(err, apperr.CodeNotFound) {
			code = c
			break
		}
		if err != nil {
			return nil, err
		}
		if attempt >= codeRetries {
			return nil, apperr.Conflict("could not allocate a unique join code")
		}
	}

	session := &storage.TempSession{
		ID:   uuid.New(),
		Code: code,
		Participants: []storage.TempParticipant{
			{UserID: creatorID, Alias: storage.AnonAlias(1), JoinedAt: now},
		},
		Active:    true,
		ExpiresAt: now.Add(SessionTTL),
		CreatedAt: now,
	}
	if err := m.store.CreateTempSession(ctx, session); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Create",
		"session_id": session.ID.String()[:8],
		"code":       code,
	}).Info("temp session created")
	return session, nil
}

// Join adds the user to an active session under a fresh alias. Joining
// twice keeps the original alias and fires no event. The caller learns
// the alias roster, never real identities.
func (m *Manager) Join(ctx context.Context, code string, userID uuid.UUID) (*storage.TempSession, string, []transport.Targeted, error) {
	session, err := m.store.GetActiveTempSessionByCode(ctx, strings.ToUpper(code))
	if err != nil {
		return nil, "", nil, err
	}
	if session.ExpiresAt.Before(m.clock.Now()) {
		return nil, "", nil, apperr.ErrSessionInactive
	}

	if p, ok := session.HasParticipant(userID); ok {
		return session, p.Alias, nil, nil
	}

	// The store assigns the alias under its own lock so concurrent
	// joiners get distinct ordinals.
	participant, added, err := m.store.AddParticipant(ctx, session.ID, userID, m.clock.Now())
	if err != nil {
		return nil, "", nil, err
	}

	session, err = m.store.GetTempSession(ctx, session.ID)
	if err != nil {
		return nil, "", nil, err
	}
	if !added {
		// Lost a join race with ourselves; the stored alias wins.
		return session, participant.Alias, nil, nil
	}

	events := []transport.Targeted{
		transport.ToRoomExcept(RoomID(session.Code), userID.String(), transport.EventTempSessionJoined,
			joinedPayload{SessionID: session.ID, Alias: participant.Alias, JoinedAt: participant.JoinedAt}),
	}
	return session, participant.Alias, events, nil
}

// ResolveTarget resolves a message target to an active session, by id
// or by temp_room_ code.
func (m *Manager) ResolveTarget(ctx context.Context, sessionID *uuid.UUID, roomID string) (*storage.TempSession, error) {
	var session *storage.TempSession
	var err error
	switch {
	case sessionID != nil:
		session, err = m.store.GetTempSession(ctx, *sessionID)
	case strings.HasPrefix(roomID, messaging.TempRoomPrefix):
		code := strings.TrimPrefix(roomID, messaging.TempRoomPrefix)
		session, err = m.store.GetActiveTempSessionByCode(ctx, code)
	default:
		return nil, apperr.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if !session.Active || session.Destroyed || session.ExpiresAt.Before(m.clock.Now()) {
		return nil, apperr.ErrSessionInactive
	}
	return session, nil
}

// Messages returns the session's history for a participant.
func (m *Manager) Messages(ctx context.Context, sessionID, requesterID uuid.UUID) ([]*storage.Message, error) {
	session, err := m.store.GetTempSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, ok := session.HasParticipant(requesterID); !ok {
		return nil, apperr.ErrNotParticipant
	}
	if !session.Active {
		return nil, apperr.ErrSessionInactive
	}
	return m.store.ListSessionMessages(ctx, sessionID)
}

// End closes the session and destroys everything it produced. Only a
// participant may end it; ending an ended session is a conflict. The
// returned events notify the room channel and each participant's
// personal channel.
func (m *Manager) End(ctx context.Context, sessionID, actorID uuid.UUID) ([]transport.Targeted, error) {
	session, err := m.store.GetTempSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, ok := session.HasParticipant(actorID); !ok {
		return nil, apperr.ErrNotParticipant
	}

	ended, err := m.store.EndTempSession(ctx, sessionID, m.clock.Now())
	if err != nil {
		return nil, err
	}
	if !ended {
		return nil, apperr.ErrSessionEnded
	}
	return m.destroy(ctx, session)
}

// destroy hard-deletes the session's messages and marks it destroyed.
func (m *Manager) destroy(ctx context.Context, session *storage.TempSession) ([]transport.Targeted, error) {
	deleted, err := m.store.DeleteBySession(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if err := m.store.MarkDestroyed(ctx, session.ID); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "destroy",
		"session_id": session.ID.String()[:8],
		"messages":   deleted,
	}).Info("temp session destroyed")

	payload := endedPayload{SessionID: session.ID, Code: session.Code, MessagesDeleted: deleted}
	events := []transport.Targeted{
		transport.ToRoom(RoomID(session.Code), transport.EventTempSessionEnded, payload),
	}
	// Participants who already left the room still learn the session is
	// gone.
	for _, p := range session.Participants {
		events = append(events, transport.ToUser(p.UserID.String(), transport.EventTempSessionEnded, payload))
	}
	return events, nil
}

func generateCode() (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	var b strings.Builder
	b.Grow(codeLength)
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", apperr.Wrap(apperr.CodeInternal, "join code generation", err)
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}
