package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperr "github.com/opd-ai/peerchat/errors"
)

// MemoryStore is the in-process Store implementation. It is the
// default backing for tests and single-node deployments; every
// conditional operation holds the store mutex for the full
// read-modify-write, which gives the same atomicity the Postgres
// implementation gets from row locking.
type MemoryStore struct {
	mu sync.RWMutex

	users    map[uuid.UUID]*User
	handles  map[string]uuid.UUID
	messages map[uuid.UUID]*Message
	bundles  map[uuid.UUID]*PrekeyBundle
	sessions map[uuid.UUID]*TempSession
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[uuid.UUID]*User),
		handles:  make(map[string]uuid.UUID),
		messages: make(map[uuid.UUID]*Message),
		bundles:  make(map[uuid.UUID]*PrekeyBundle),
		sessions: make(map[uuid.UUID]*TempSession),
	}
}

var _ Store = (*MemoryStore)(nil)

// ---- users ----

func (s *MemoryStore) CreateUser(_ context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; ok {
		return apperr.Conflict("user id already exists")
	}
	if _, ok := s.handles[user.Handle]; ok {
		return apperr.Conflict("handle already taken")
	}

	cp := cloneUser(user)
	s.users[cp.ID] = cp
	s.handles[cp.Handle] = cp.ID
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id uuid.UUID) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, apperr.ErrUserNotFound
	}
	return cloneUser(user), nil
}

func (s *MemoryStore) GetUserByHandle(_ context.Context, handle string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.handles[handle]
	if !ok {
		return nil, apperr.ErrUserNotFound
	}
	return cloneUser(s.users[id]), nil
}

func (s *MemoryStore) SetPresence(_ context.Context, id uuid.UUID, online bool, lastSeen time.Time, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return apperr.ErrUserNotFound
	}
	user.Online = online
	user.LastSeen = lastSeen
	user.SessionID = sessionID
	return nil
}

func (s *MemoryStore) AddSecondaryContact(_ context.Context, userID, peer uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return false, apperr.ErrUserNotFound
	}
	if user.InPrimary(peer) || user.InSecondary(peer) {
		return false, nil
	}
	user.SecondaryChat = append(user.SecondaryChat, ContactRequest{Peer: peer, RequestedAt: at})
	return true, nil
}

func (s *MemoryStore) PromoteContact(_ context.Context, userID, peer uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return apperr.ErrUserNotFound
	}
	user.SecondaryChat = removeRequest(user.SecondaryChat, peer)
	if !user.InPrimary(peer) {
		user.PrimaryChat = append(user.PrimaryChat, peer)
	}
	return nil
}

func (s *MemoryStore) DemoteContact(_ context.Context, userID, peer uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return apperr.ErrUserNotFound
	}
	user.PrimaryChat = removeID(user.PrimaryChat, peer)
	if !user.InSecondary(peer) {
		user.SecondaryChat = append(user.SecondaryChat, ContactRequest{Peer: peer, RequestedAt: at})
	}
	return nil
}

func (s *MemoryStore) RemoveContact(_ context.Context, userID, peer uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return apperr.ErrUserNotFound
	}
	user.PrimaryChat = removeID(user.PrimaryChat, peer)
	user.SecondaryChat = removeRequest(user.SecondaryChat, peer)
	return nil
}

func (s *MemoryStore) AddBlock(_ context.Context, userID, peer uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return false, apperr.ErrUserNotFound
	}
	if user.HasBlocked(peer) {
		return false, nil
	}
	user.BlockedUsers = append(user.BlockedUsers, BlockEntry{Peer: peer, BlockedAt: at})
	return true, nil
}

func (s *MemoryStore) RemoveBlock(_ context.Context, userID, peer uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return false, apperr.ErrUserNotFound
	}
	if !user.HasBlocked(peer) {
		return false, nil
	}
	entries := user.BlockedUsers[:0]
	for _, b := range user.BlockedUsers {
		if b.Peer != peer {
			entries = append(entries, b)
		}
	}
	user.BlockedUsers = entries
	return true, nil
}

func (s *MemoryStore) IsBlockedEither(_ context.Context, a, b uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ua, ok := s.users[a]; ok && ua.HasBlocked(b) {
		return true, nil
	}
	if ub, ok := s.users[b]; ok && ub.HasBlocked(a) {
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) ListBlocks(_ context.Context, userID uuid.UUID) ([]BlockEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, apperr.ErrUserNotFound
	}
	out := make([]BlockEntry, len(user.BlockedUsers))
	copy(out, user.BlockedUsers)
	return out, nil
}

func (s *MemoryStore) ToggleMute(_ context.Context, userID, peer uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return false, apperr.ErrUserNotFound
	}
	for i, id := range user.MutedChats {
		if id == peer {
			user.MutedChats = append(user.MutedChats[:i], user.MutedChats[i+1:]...)
			return false, nil
		}
	}
	user.MutedChats = append(user.MutedChats, peer)
	return true, nil
}

// ---- messages ----

func (s *MemoryStore) InsertMessage(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msg.ID]; ok {
		return apperr.Conflict("message id already exists")
	}
	s.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id uuid.UUID) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, apperr.ErrMessageNotFound
	}
	return cloneMessage(msg), nil
}

func (s *MemoryStore) SetDeliveryStatus(_ context.Context, id uuid.UUID, status DeliveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return apperr.ErrMessageNotFound
	}
	msg.DeliveryStatus = status
	return nil
}

func (s *MemoryStore) MarkRead(_ context.Context, ids []uuid.UUID, at time.Time) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var transitioned []*Message
	for _, id := range ids {
		msg, ok := s.messages[id]
		if !ok || msg.Read {
			continue
		}
		msg.Read = true
		readAt := at
		msg.ReadAt = &readAt
		transitioned = append(transitioned, cloneMessage(msg))
	}
	return transitioned, nil
}

func (s *MemoryStore) AddDeletedBy(_ context.Context, id, actor uuid.UUID) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, apperr.ErrMessageNotFound
	}
	if !msg.DeletedFor(actor) {
		msg.DeletedBy = append(msg.DeletedBy, actor)
	}
	return cloneMessage(msg), nil
}

func (s *MemoryStore) SetDeleted(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return apperr.ErrMessageNotFound
	}
	if !msg.Deleted {
		msg.Deleted = true
		deletedAt := at
		msg.DeletedAt = &deletedAt
	}
	return nil
}

func (s *MemoryStore) ScrubContent(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return apperr.ErrMessageNotFound
	}
	msg.Text = ""
	msg.Ciphertext = ""
	msg.RatchetHeader = ""
	msg.Nonce = ""
	msg.MediaURL = ""
	msg.Deleted = true
	deletedAt := at
	msg.DeletedAt = &deletedAt
	return nil
}

func (s *MemoryStore) MarkSelfDestructed(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return false, apperr.ErrMessageNotFound
	}
	if msg.SelfDestruct.DeletedAt != nil {
		return false, nil
	}
	destructedAt := at
	msg.SelfDestruct.DeletedAt = &destructedAt
	msg.Deleted = true
	msg.DeletedAt = &destructedAt
	return true, nil
}

func (s *MemoryStore) ListExpiredSelfDestruct(_ context.Context, now time.Time, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for _, msg := range s.messages {
		if !msg.SelfDestruct.Enabled || msg.SelfDestruct.DeletedAt != nil {
			continue
		}
		if msg.SelfDestruct.ExpiresAt == nil || msg.SelfDestruct.ExpiresAt.After(now) {
			continue
		}
		out = append(out, cloneMessage(msg))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListPeerHistory(_ context.Context, a, b uuid.UUID, before time.Time, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for _, msg := range s.messages {
		if msg.Recipient == nil {
			continue
		}
		pair := (msg.SenderID == a && *msg.Recipient == b) || (msg.SenderID == b && *msg.Recipient == a)
		if !pair || !msg.CreatedAt.Before(before) {
			continue
		}
		out = append(out, cloneMessage(msg))
	}
	return trimHistory(out, limit), nil
}

func (s *MemoryStore) ListRoomHistory(_ context.Context, roomID string, before time.Time, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for _, msg := range s.messages {
		if msg.RoomID != roomID || !msg.CreatedAt.Before(before) {
			continue
		}
		out = append(out, cloneMessage(msg))
	}
	return trimHistory(out, limit), nil
}

func (s *MemoryStore) ListSessionMessages(_ context.Context, sessionID uuid.UUID) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for _, msg := range s.messages {
		if msg.TempSessionID != nil && *msg.TempSessionID == sessionID {
			out = append(out, cloneMessage(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteBySession(_ context.Context, sessionID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, msg := range s.messages {
		if msg.TempSessionID != nil && *msg.TempSessionID == sessionID {
			delete(s.messages, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) TagPeerHistoryDeletedFor(_ context.Context, userID, peer uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tagged := 0
	for _, msg := range s.messages {
		if msg.Recipient == nil {
			continue
		}
		pair := (msg.SenderID == userID && *msg.Recipient == peer) || (msg.SenderID == peer && *msg.Recipient == userID)
		if !pair || msg.DeletedFor(userID) {
			continue
		}
		msg.DeletedBy = append(msg.DeletedBy, userID)
		tagged++
	}
	return tagged, nil
}

func (s *MemoryStore) AddReaction(_ context.Context, id uuid.UUID, reaction Reaction) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, apperr.ErrMessageNotFound
	}
	msg.Reactions = append(msg.Reactions, reaction)
	return cloneMessage(msg), nil
}

// ---- prekey bundles ----

func (s *MemoryStore) UpsertBundle(_ context.Context, bundle *PrekeyBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bundles[bundle.UserID] = cloneBundle(bundle)
	return nil
}

func (s *MemoryStore) GetBundle(_ context.Context, userID uuid.UUID) (*PrekeyBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bundle, ok := s.bundles[userID]
	if !ok {
		return nil, apperr.ErrBundleNotFound
	}
	return cloneBundle(bundle), nil
}

func (s *MemoryStore) PopOneTimePrekey(_ context.Context, userID uuid.UUID) (*OneTimePrekey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bundle, ok := s.bundles[userID]
	if !ok {
		return nil, apperr.ErrBundleNotFound
	}
	if len(bundle.OneTimePrekeys) == 0 {
		return nil, nil
	}
	head := bundle.OneTimePrekeys[0]
	bundle.OneTimePrekeys = bundle.OneTimePrekeys[1:]
	return &head, nil
}

func (s *MemoryStore) AppendOneTimePrekeys(_ context.Context, userID uuid.UUID, keys []OneTimePrekey, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bundle, ok := s.bundles[userID]
	if !ok {
		return 0, apperr.ErrBundleNotFound
	}

	existing := make(map[string]struct{}, len(bundle.OneTimePrekeys))
	for _, k := range bundle.OneTimePrekeys {
		existing[k.ID] = struct{}{}
	}
	for _, k := range keys {
		if _, dup := existing[k.ID]; dup {
			return 0, apperr.ErrDuplicatePrekeyID
		}
		existing[k.ID] = struct{}{}
	}

	bundle.OneTimePrekeys = append(bundle.OneTimePrekeys, keys...)
	bundle.LastRefreshed = at
	return len(bundle.OneTimePrekeys), nil
}

func (s *MemoryStore) CountOneTimePrekeys(_ context.Context, userID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bundle, ok := s.bundles[userID]
	if !ok {
		return 0, apperr.ErrBundleNotFound
	}
	return len(bundle.OneTimePrekeys), nil
}

// ---- temp sessions ----

func (s *MemoryStore) CreateTempSession(_ context.Context, session *TempSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sessions {
		if existing.Active && existing.Code == session.Code {
			return apperr.Conflict("join code already in use")
		}
	}
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

func (s *MemoryStore) GetTempSession(_ context.Context, id uuid.UUID) (*TempSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, apperr.ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (s *MemoryStore) GetActiveTempSessionByCode(_ context.Context, code string) (*TempSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, session := range s.sessions {
		if session.Active && !session.Destroyed && session.Code == code {
			return cloneSession(session), nil
		}
	}
	return nil, apperr.ErrSessionNotFound
}

func (s *MemoryStore) AddParticipant(_ context.Context, sessionID, userID uuid.UUID, at time.Time) (TempParticipant, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return TempParticipant{}, false, apperr.ErrSessionNotFound
	}
	if existing, joined := session.HasParticipant(userID); joined {
		return existing, false, nil
	}
	p := TempParticipant{
		UserID:   userID,
		Alias:    AnonAlias(len(session.Participants) + 1),
		JoinedAt: at,
	}
	session.Participants = append(session.Participants, p)
	return p, true, nil
}

func (s *MemoryStore) EndTempSession(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return false, apperr.ErrSessionNotFound
	}
	if !session.Active {
		return false, nil
	}
	session.Active = false
	endedAt := at
	session.EndedAt = &endedAt
	return true, nil
}

func (s *MemoryStore) MarkDestroyed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return apperr.ErrSessionNotFound
	}
	session.Destroyed = true
	return nil
}

func (s *MemoryStore) ListExpiredTempSessions(_ context.Context, now time.Time) ([]*TempSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*TempSession
	for _, session := range s.sessions {
		if !session.Destroyed && !session.ExpiresAt.After(now) {
			out = append(out, cloneSession(session))
		}
	}
	return out, nil
}

// ---- clone helpers ----
//
// The store hands out copies so callers can never mutate shared state
// behind the mutex.

func cloneUser(u *User) *User {
	cp := *u
	cp.PrimaryChat = append([]uuid.UUID(nil), u.PrimaryChat...)
	cp.SecondaryChat = append([]ContactRequest(nil), u.SecondaryChat...)
	cp.BlockedUsers = append([]BlockEntry(nil), u.BlockedUsers...)
	cp.MutedChats = append([]uuid.UUID(nil), u.MutedChats...)
	return &cp
}

func cloneMessage(m *Message) *Message {
	cp := *m
	cp.DeletedBy = append([]uuid.UUID(nil), m.DeletedBy...)
	cp.Reactions = append([]Reaction(nil), m.Reactions...)
	if m.Recipient != nil {
		r := *m.Recipient
		cp.Recipient = &r
	}
	if m.TempSessionID != nil {
		t := *m.TempSessionID
		cp.TempSessionID = &t
	}
	return &cp
}

func cloneBundle(b *PrekeyBundle) *PrekeyBundle {
	cp := *b
	cp.IdentityKey = append([]byte(nil), b.IdentityKey...)
	cp.OneTimePrekeys = append([]OneTimePrekey(nil), b.OneTimePrekeys...)
	return &cp
}

func cloneSession(ts *TempSession) *TempSession {
	cp := *ts
	cp.Participants = append([]TempParticipant(nil), ts.Participants...)
	if ts.EndedAt != nil {
		e := *ts.EndedAt
		cp.EndedAt = &e
	}
	return &cp
}

func removeID(ids []uuid.UUID, target uuid.UUID) []uuid.UUID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func removeRequest(reqs []ContactRequest, target uuid.UUID) []ContactRequest {
	out := reqs[:0]
	for _, r := range reqs {
		if r.Peer != target {
			out = append(out, r)
		}
	}
	return out
}

func trimHistory(msgs []*Message, limit int) []*Message {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}
