// Package messaging implements the message lifecycle: send and
// delivery, read receipts, the three deletion paths (for-self,
// for-everyone, self-destruct) and reactions. Operations return the
// events to publish alongside the new state; the caller owns emission.
package messaging

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	apperr "github.com/opd-ai/peerchat/errors"
	"github.com/opd-ai/peerchat/push"
	"github.com/opd-ai/peerchat/storage"
	"github.com/opd-ai/peerchat/transport"
)

const (
	// Sender may retract a message for everyone this long after
	// authoring it.
	DeleteForEveryoneWindow = time.Hour

	// TempRoomPrefix marks room ids that address an ephemeral session.
	TempRoomPrefix = "temp_room_"

	defaultHistoryLimit = 50
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Relationships is the first-contact hook the engine delegates to.
type Relationships interface {
	EnsureFirstContact(ctx context.Context, senderID, recipientID uuid.UUID) ([]transport.Targeted, error)
}

// Presence answers whether a user currently has a live session.
type Presence interface {
	Online(userID uuid.UUID) bool
}

// SessionResolver resolves an ephemeral-session target. It fails with
// a state error when the session is not active and a not-found error
// when it does not exist.
type SessionResolver interface {
	ResolveTarget(ctx context.Context, sessionID *uuid.UUID, roomID string) (*storage.TempSession, error)
}

// Engine is the message lifecycle engine.
type Engine struct {
	store    storage.Store
	rel      Relationships
	presence Presence
	sessions SessionResolver
	notifier push.Notifier
	clock    Clock
}

// NewEngine builds an Engine. A nil notifier gets the logging default,
// a nil clock the wall clock.
func NewEngine(store storage.Store, rel Relationships, presence Presence, sessions SessionResolver, notifier push.Notifier, clock Clock) *Engine {
	if notifier == nil {
		notifier = push.LogNotifier{}
	}
	if clock == nil {
		clock = realClock{}
	}
	return &Engine{store: store, rel: rel, presence: presence, sessions: sessions, notifier: notifier, clock: clock}
}

// SendRequest is one outbound message.
type SendRequest struct {
	SenderID    uuid.UUID
	RecipientID *uuid.UUID
	RoomID      string

	Text          string
	Ciphertext    string
	RatchetHeader string
	Nonce         string

	MessageType storage.MessageType
	MediaURL    string

	// SelfDestructTTL > 0 schedules deletion that many seconds after
	// creation.
	SelfDestructTTL int

	// TempSessionID addresses an ephemeral session directly; the
	// temp_room_ prefix on RoomID does the same by code.
	TempSessionID *uuid.UUID
}

type readReceiptPayload struct {
	MessageID uuid.UUID `json:"messageId"`
	ReaderID  uuid.UUID `json:"readerId"`
	ReadAt    time.Time `json:"readAt"`
}

type messageDeletedPayload struct {
	MessageID uuid.UUID `json:"messageId"`
	DeletedBy uuid.UUID `json:"deletedBy"`
}

// Send validates, classifies, persists and routes one message. The
// returned events carry delivery to the recipient or room and the
// acknowledgement to the sender.
func (e *Engine) Send(ctx context.Context, req SendRequest) (*storage.Message, []transport.Targeted, error) {
	hasPeer := req.RecipientID != nil
	hasRoom := req.RoomID != "" || req.TempSessionID != nil
	if hasPeer == hasRoom {
		return nil, nil, apperr.ErrAmbiguousTarget
	}
	if req.Text == "" && req.Ciphertext == "" && req.MediaURL == "" {
		return nil, nil, apperr.Validation("message has no content")
	}

	now := e.clock.Now()
	msg := &storage.Message{
		ID:             uuid.New(),
		SenderID:       req.SenderID,
		Recipient:      req.RecipientID,
		RoomID:         req.RoomID,
		MessageType:    req.MessageType,
		MediaURL:       req.MediaURL,
		DeliveryStatus: storage.StatusSent,
		CreatedAt:      now,
	}
	if msg.MessageType == "" {
		msg.MessageType = storage.MessageTypeText
	}

	// Ciphertext suppresses plaintext: an encrypted message never
	// stores readable content, whatever else the request carried.
	if req.Ciphertext != "" {
		msg.Ciphertext = req.Ciphertext
		msg.RatchetHeader = req.RatchetHeader
		msg.Nonce = req.Nonce
	} else {
		msg.Text = req.Text
	}

	var events []transport.Targeted

	ephemeral := req.TempSessionID != nil || strings.HasPrefix(req.RoomID, TempRoomPrefix)
	if ephemeral {
		session, err := e.resolveSession(ctx, req, msg)
		if err != nil {
			return nil, nil, err
		}
		msg.RoomID = TempRoomPrefix + session.Code
	} else if hasPeer {
		firstContact, err := e.checkPeer(ctx, req.SenderID, *req.RecipientID)
		if err != nil {
			return nil, nil, err
		}
		events = append(events, firstContact...)
	}

	if req.SelfDestructTTL > 0 {
		expires := now.Add(time.Duration(req.SelfDestructTTL) * time.Second)
		msg.SelfDestruct = storage.SelfDestruct{
			Enabled:    true,
			TTLSeconds: req.SelfDestructTTL,
			ExpiresAt:  &expires,
		}
	}

	if err := e.store.InsertMessage(ctx, msg); err != nil {
		return nil, nil, err
	}

	deliveryEvents, err := e.routeDelivery(ctx, msg)
	if err != nil {
		return nil, nil, err
	}
	events = append(events, deliveryEvents...)

	logrus.WithFields(logrus.Fields{
		"function":   "Send",
		"message_id": short(msg.ID),
		"sender":     short(msg.SenderID),
		"encrypted":  msg.Ciphertext != "",
		"ephemeral":  msg.Ephemeral,
	}).Debug("message sent")
	return msg, events, nil
}

func (e *Engine) resolveSession(ctx context.Context, req SendRequest, msg *storage.Message) (*storage.TempSession, error) {
	session, err := e.sessions.ResolveTarget(ctx, req.TempSessionID, req.RoomID)
	if err != nil {
		return nil, err
	}
	if _, ok := session.HasParticipant(req.SenderID); !ok {
		return nil, apperr.ErrNotParticipant
	}
	// Temp sessions are text-only; nothing may outlive the session on
	// a media server.
	if msg.MessageType != storage.MessageTypeText || msg.MediaURL != "" {
		return nil, apperr.ErrEphemeralMedia
	}
	msg.Ephemeral = true
	msg.TempSessionID = &session.ID
	msg.Recipient = nil
	return session, nil
}

func (e *Engine) checkPeer(ctx context.Context, senderID, recipientID uuid.UUID) ([]transport.Targeted, error) {
	if _, err := e.store.GetUser(ctx, recipientID); err != nil {
		return nil, err
	}
	blocked, err := e.store.IsBlockedEither(ctx, senderID, recipientID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, apperr.ErrBlocked
	}
	return e.rel.EnsureFirstContact(ctx, senderID, recipientID)
}

func (e *Engine) routeDelivery(ctx context.Context, msg *storage.Message) ([]transport.Targeted, error) {
	var events []transport.Targeted

	if msg.RoomID != "" {
		events = append(events,
			transport.ToRoomExcept(msg.RoomID, msg.SenderID.String(), transport.EventMessageReceive, msg),
			transport.ToUser(msg.SenderID.String(), transport.EventMessageSent, msg),
		)
		return events, nil
	}

	recipient := *msg.Recipient
	if e.presence.Online(recipient) {
		if err := e.store.SetDeliveryStatus(ctx, msg.ID, storage.StatusDelivered); err != nil {
			return nil, err
		}
		msg.DeliveryStatus = storage.StatusDelivered
		events = append(events,
			transport.ToUser(recipient.String(), transport.EventMessageReceive, msg),
			transport.ToUser(msg.SenderID.String(), transport.EventMessageDelivered, msg),
		)
	} else {
		// Offline recipient: wake the device. The notification never
		// carries message content, plaintext or encrypted.
		if err := e.notifier.Notify(ctx, push.ContentFree(recipient)); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "routeDelivery",
				"user_id":  short(recipient),
				"error":    err,
			}).Warn("push notification failed")
		}
	}
	events = append(events, transport.ToUser(msg.SenderID.String(), transport.EventMessageSent, msg))
	return events, nil
}

// MarkRead transitions the reader's unread messages to read and
// returns the receipts to send each sender. Ids the reader is not the
// recipient of are skipped; already-read ids produce no receipt.
func (e *Engine) MarkRead(ctx context.Context, readerID uuid.UUID, ids []uuid.UUID) ([]transport.Targeted, error) {
	eligible := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		msg, err := e.store.GetMessage(ctx, id)
		if err != nil {
			if apperr.HasCode(err, apperr.CodeNotFound) {
				continue
			}
			return nil, err
		}
		if msg.Recipient != nil && *msg.Recipient == readerID {
			eligible = append(eligible, id)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	now := e.clock.Now()
	transitioned, err := e.store.MarkRead(ctx, eligible, now)
	if err != nil {
		return nil, err
	}

	events := make([]transport.Targeted, 0, len(transitioned))
	for _, msg := range transitioned {
		events = append(events, transport.ToUser(msg.SenderID.String(), transport.EventReadReceipt,
			readReceiptPayload{MessageID: msg.ID, ReaderID: readerID, ReadAt: now}))
	}
	return events, nil
}

// DeleteForSelf hides the message from the actor only. Repeating the
// call is a no-op. Once both participants of a peer message have
// hidden it, the record is marked deleted outright.
func (e *Engine) DeleteForSelf(ctx context.Context, id, actor uuid.UUID) (*storage.Message, error) {
	msg, err := e.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if !msg.Participant(actor) {
		return nil, apperr.ErrNotParticipant
	}
	if msg.DeletedFor(actor) {
		return msg, nil
	}

	msg, err = e.store.AddDeletedBy(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if msg.Recipient != nil && msg.DeletedFor(msg.SenderID) && msg.DeletedFor(*msg.Recipient) {
		if err := e.store.SetDeleted(ctx, id, e.clock.Now()); err != nil {
			return nil, err
		}
		msg.Deleted = true
	}
	return msg, nil
}

// DeleteForEveryone scrubs the message content for all parties. Only
// the sender may do this, and only within the authoring window.
func (e *Engine) DeleteForEveryone(ctx context.Context, id, actor uuid.UUID) (*storage.Message, []transport.Targeted, error) {
	msg, err := e.store.GetMessage(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if msg.SenderID != actor {
		return nil, nil, apperr.ErrNotSender
	}
	now := e.clock.Now()
	if now.Sub(msg.CreatedAt) > DeleteForEveryoneWindow {
		return nil, nil, apperr.ErrDeleteWindowClosed
	}

	if err := e.store.ScrubContent(ctx, id, now); err != nil {
		return nil, nil, err
	}
	msg, err = e.store.GetMessage(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	payload := messageDeletedPayload{MessageID: id, DeletedBy: actor}
	var events []transport.Targeted
	if msg.RoomID != "" {
		events = append(events, transport.ToRoomExcept(msg.RoomID, actor.String(), transport.EventMessageDeleted, payload))
	} else if msg.Recipient != nil {
		events = append(events, transport.ToUser(msg.Recipient.String(), transport.EventMessageDeleted, payload))
	}
	return msg, events, nil
}

// React appends an emoji reaction and notifies the other party or
// room.
func (e *Engine) React(ctx context.Context, id, actor uuid.UUID, emoji string) (*storage.Message, []transport.Targeted, error) {
	if emoji == "" {
		return nil, nil, apperr.Validation("emoji is required")
	}
	msg, err := e.store.GetMessage(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if msg.Recipient != nil && !msg.Participant(actor) {
		return nil, nil, apperr.ErrNotParticipant
	}

	msg, err = e.store.AddReaction(ctx, id, storage.Reaction{UserID: actor, Emoji: emoji, At: e.clock.Now()})
	if err != nil {
		return nil, nil, err
	}

	var events []transport.Targeted
	if msg.RoomID != "" {
		events = append(events, transport.ToRoomExcept(msg.RoomID, actor.String(), transport.EventMessageReaction, msg))
	} else {
		other := msg.SenderID
		if other == actor && msg.Recipient != nil {
			other = *msg.Recipient
		}
		events = append(events, transport.ToUser(other.String(), transport.EventMessageReaction, msg))
	}
	return msg, events, nil
}

// PeerHistory returns the chronological history between the user and
// peer, oldest first, skipping messages the user has hidden. A zero
// before means "now"; a zero limit gets the default page size.
func (e *Engine) PeerHistory(ctx context.Context, userID, peer uuid.UUID, before time.Time, limit int) ([]*storage.Message, error) {
	if before.IsZero() {
		before = e.clock.Now()
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	msgs, err := e.store.ListPeerHistory(ctx, userID, peer, before, limit)
	if err != nil {
		return nil, err
	}
	visible := msgs[:0]
	for _, msg := range msgs {
		if msg.DeletedFor(userID) {
			continue
		}
		visible = append(visible, msg)
	}
	return visible, nil
}

// RoomHistory returns the chronological history of a room.
func (e *Engine) RoomHistory(ctx context.Context, roomID string, before time.Time, limit int) ([]*storage.Message, error) {
	if before.IsZero() {
		before = e.clock.Now()
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return e.store.ListRoomHistory(ctx, roomID, before, limit)
}

func short(id uuid.UUID) string { return id.String()[:8] }
