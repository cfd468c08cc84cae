// Package peerchat implements the server-side core of a peer-to-peer
// chat system: presence with single-session enforcement, the message
// lifecycle (delivery, read receipts, three deletion paths), contact
// classification, a prekey vault for encrypted session bootstrap, and
// anonymous time-boxed temp sessions.
//
// Example:
//
//	options := peerchat.NewOptions()
//
//	core, err := peerchat.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	core.Start(context.Background())
//	defer core.Close()
//
//	conn := transport.NewPipeConn("conn-1", 64)
//	userID, sessionID, _ := core.AttachConnection(ctx, token, conn)
//
//	msg, err := core.SendMessage(ctx, messaging.SendRequest{
//	    SenderID:    userID,
//	    RecipientID: &peerID,
//	    Text:        "hello",
//	})
package peerchat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerchat/auth"
	apperr "github.com/opd-ai/peerchat/errors"
	"github.com/opd-ai/peerchat/media"
	"github.com/opd-ai/peerchat/messaging"
	"github.com/opd-ai/peerchat/prekey"
	"github.com/opd-ai/peerchat/presence"
	"github.com/opd-ai/peerchat/push"
	"github.com/opd-ai/peerchat/relationship"
	"github.com/opd-ai/peerchat/storage"
	"github.com/opd-ai/peerchat/tempsession"
	"github.com/opd-ai/peerchat/transport"
)

// Clock supplies the current time. The one clock given in Options
// drives every component with timers or windows.
type Clock interface {
	Now() time.Time
}

// Options contains configuration for creating a Core.
type Options struct {
	// Store backs all persisted state. Nil selects the in-memory
	// store.
	Store storage.Store

	// Sessions backs the presence registry. Nil selects the in-memory
	// store.
	Sessions presence.SessionStore

	// Authenticator admits connections. Nil selects an empty static
	// authenticator (every connection rejected until tokens are
	// granted).
	Authenticator auth.Authenticator

	// Notifier wakes offline recipients. Nil selects the logging
	// notifier.
	Notifier push.Notifier

	// Blobs stores media attachments. Nil selects the in-memory blob
	// store.
	Blobs media.BlobStore

	// Clock drives timers and windows. Nil selects the wall clock.
	Clock Clock

	SelfDestructInterval time.Duration
	TempSessionInterval  time.Duration
}

// NewOptions creates an Options with the defaults filled in.
func NewOptions() *Options {
	return &Options{
		SelfDestructInterval: messaging.DefaultSweepInterval,
		TempSessionInterval:  tempsession.DefaultSweepInterval,
	}
}

// Core wires the engines, the presence registry and the transport hub
// into one instance.
type Core struct {
	store    storage.Store
	hub      *transport.Hub
	registry *presence.Registry
	rel      *relationship.Classifier
	engine   *messaging.Engine
	vault    *prekey.Vault
	sessions *tempsession.Manager
	authn    auth.Authenticator
	blobs    media.BlobStore

	destructSweeper *messaging.Sweeper
	sessionSweeper  *tempsession.Sweeper

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	callbackMu sync.RWMutex
	onMessage  func(*storage.Message)
}

// New creates a Core from options.
func New(options *Options) (*Core, error) {
	if options == nil {
		options = NewOptions()
	}
	store := options.Store
	if store == nil {
		store = storage.NewMemoryStore()
	}
	authn := options.Authenticator
	if authn == nil {
		authn = auth.NewStaticAuthenticator(nil)
	}
	blobs := options.Blobs
	if blobs == nil {
		blobs = media.NewMemoryBlobStore("memory://media")
	}

	hub := transport.NewHub()
	registry := presence.NewRegistry(options.Sessions, hub, store, options.Clock)
	rel := relationship.NewClassifier(store, options.Clock)
	sessions := tempsession.NewManager(store, options.Clock)
	engine := messaging.NewEngine(store, rel, registry, sessions, options.Notifier, options.Clock)
	vault := prekey.NewVault(store, options.Clock)

	core := &Core{
		store:    store,
		hub:      hub,
		registry: registry,
		rel:      rel,
		engine:   engine,
		vault:    vault,
		sessions: sessions,
		authn:    authn,
		blobs:    blobs,
	}
	core.destructSweeper = messaging.NewSweeper(store, options.SelfDestructInterval, options.Clock, core.publish)
	core.sessionSweeper = tempsession.NewSweeper(sessions, options.TempSessionInterval, core.publishSessionEnd)
	return core, nil
}

// Start launches the background sweepers.
func (c *Core) Start(ctx context.Context) {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.destructSweeper.Start(ctx)
	c.sessionSweeper.Start(ctx)
	logrus.WithField("function", "Start").Info("peerchat core started")
}

// Close stops the sweepers and waits for them.
func (c *Core) Close() {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.destructSweeper.Close()
	c.sessionSweeper.Close()
	c.cancel = nil
}

// Hub exposes the transport hub for serving layers.
func (c *Core) Hub() *transport.Hub { return c.hub }

// Blobs exposes the media store for serving layers.
func (c *Core) Blobs() media.BlobStore { return c.blobs }

// OnMessage registers a callback invoked after every accepted send.
func (c *Core) OnMessage(callback func(*storage.Message)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onMessage = callback
}

func (c *Core) publish(events []transport.Targeted) {
	c.hub.EmitAll(events)
}

// publishSessionEnd also tears the room down after the notices went
// out.
func (c *Core) publishSessionEnd(events []transport.Targeted) {
	c.hub.EmitAll(events)
	for _, e := range events {
		if e.Room != "" {
			c.hub.DestroyRoom(e.Room)
		}
	}
}

// Authenticate resolves a bearer token to a user id.
func (c *Core) Authenticate(ctx context.Context, token string) (uuid.UUID, error) {
	return c.authn.Authenticate(ctx, token)
}

// AttachConnection authenticates the token and registers conn as the
// user's single session, evicting any previous one. It returns the
// user and the fresh session id the caller must present on detach.
func (c *Core) AttachConnection(ctx context.Context, token string, conn transport.Conn) (uuid.UUID, string, error) {
	userID, err := c.authn.Authenticate(ctx, token)
	if err != nil {
		conn.Close()
		return uuid.Nil, "", err
	}
	if _, err := c.store.GetUser(ctx, userID); err != nil {
		conn.Close()
		return uuid.Nil, "", err
	}

	sessionID := uuid.NewString()
	if err := c.registry.Register(ctx, userID, sessionID, conn); err != nil {
		conn.Close()
		return uuid.Nil, "", err
	}
	return userID, sessionID, nil
}

// DetachConnection handles a disconnect. Stale session ids are
// ignored.
func (c *Core) DetachConnection(ctx context.Context, userID uuid.UUID, sessionID string) error {
	return c.registry.Disconnect(ctx, userID, sessionID)
}

// SendMessage runs the full send pipeline and publishes the resulting
// events.
func (c *Core) SendMessage(ctx context.Context, req messaging.SendRequest) (*storage.Message, error) {
	msg, events, err := c.engine.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	c.publish(events)

	c.callbackMu.RLock()
	callback := c.onMessage
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(msg)
	}
	return msg, nil
}

// MarkRead marks messages read for the reader and sends receipts.
func (c *Core) MarkRead(ctx context.Context, readerID uuid.UUID, ids []uuid.UUID) error {
	events, err := c.engine.MarkRead(ctx, readerID, ids)
	if err != nil {
		return err
	}
	c.publish(events)
	return nil
}

// DeleteForSelf hides a message from the actor.
func (c *Core) DeleteForSelf(ctx context.Context, id, actor uuid.UUID) (*storage.Message, error) {
	return c.engine.DeleteForSelf(ctx, id, actor)
}

// DeleteForEveryone scrubs a message for all parties.
func (c *Core) DeleteForEveryone(ctx context.Context, id, actor uuid.UUID) (*storage.Message, error) {
	msg, events, err := c.engine.DeleteForEveryone(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	c.publish(events)
	return msg, nil
}

// React appends an emoji reaction.
func (c *Core) React(ctx context.Context, id, actor uuid.UUID, emoji string) (*storage.Message, error) {
	msg, events, err := c.engine.React(ctx, id, actor, emoji)
	if err != nil {
		return nil, err
	}
	c.publish(events)
	return msg, nil
}

// PeerHistory pages through a peer conversation.
func (c *Core) PeerHistory(ctx context.Context, userID, peer uuid.UUID, before time.Time, limit int) ([]*storage.Message, error) {
	return c.engine.PeerHistory(ctx, userID, peer, before, limit)
}

// Typing relays a typing indicator without persisting anything.
func (c *Core) Typing(ctx context.Context, from uuid.UUID, to *uuid.UUID, roomID string, active bool) error {
	name := transport.EventTypingStop
	if active {
		name = transport.EventTypingStart
	}
	payload := map[string]string{"from": from.String()}
	switch {
	case to != nil:
		c.hub.EmitToUser(to.String(), transport.Event{Name: name, Payload: payload})
	case roomID != "":
		c.hub.EmitToRoom(roomID, from.String(), transport.Event{Name: name, Payload: payload})
	default:
		return apperr.ErrAmbiguousTarget
	}
	return nil
}

// JoinRoom binds the user's live connection to a room and announces the
// join to the other members. Reconnecting clients call this to re-enter
// their rooms.
func (c *Core) JoinRoom(userID uuid.UUID, room string) error {
	if room == "" {
		return apperr.Validation("room is required")
	}
	if !c.hub.JoinRoom(room, userID.String()) {
		return apperr.State("no live connection")
	}
	c.hub.EmitToRoom(room, userID.String(), transport.Event{
		Name:    transport.EventUserJoinedRoom,
		Payload: map[string]string{"userId": userID.String(), "room": room},
	})
	return nil
}

// LeaveRoom drops the user from a room and announces the departure to
// the remaining members.
func (c *Core) LeaveRoom(userID uuid.UUID, room string) error {
	if room == "" {
		return apperr.Validation("room is required")
	}
	c.hub.LeaveRoom(room, userID.String())
	c.hub.EmitToRoom(room, userID.String(), transport.Event{
		Name:    transport.EventUserLeftRoom,
		Payload: map[string]string{"userId": userID.String(), "room": room},
	})
	return nil
}

// AcceptChat promotes the pair to mutual primary.
func (c *Core) AcceptChat(ctx context.Context, userID, peer uuid.UUID) error {
	events, err := c.rel.Accept(ctx, userID, peer)
	if err != nil {
		return err
	}
	c.publish(events)
	return nil
}

// MoveToPrimary reclassifies a peer within the user's own lists.
func (c *Core) MoveToPrimary(ctx context.Context, userID, peer uuid.UUID) error {
	return c.rel.MoveToPrimary(ctx, userID, peer)
}

// MoveToSecondary reclassifies a peer within the user's own lists.
func (c *Core) MoveToSecondary(ctx context.Context, userID, peer uuid.UUID) error {
	return c.rel.MoveToSecondary(ctx, userID, peer)
}

// DeleteChat removes the relationship and hides the history for the
// actor.
func (c *Core) DeleteChat(ctx context.Context, userID, peer uuid.UUID) error {
	return c.rel.DeleteChat(ctx, userID, peer)
}

// ClearChat hides the history for the actor.
func (c *Core) ClearChat(ctx context.Context, userID, peer uuid.UUID) (int, error) {
	return c.rel.ClearChat(ctx, userID, peer)
}

// MuteChat toggles the mute state for a peer.
func (c *Core) MuteChat(ctx context.Context, userID, peer uuid.UUID) (bool, error) {
	return c.rel.MuteChat(ctx, userID, peer)
}

// Block blocks a peer.
func (c *Core) Block(ctx context.Context, userID, peer uuid.UUID) error {
	return c.rel.Block(ctx, userID, peer)
}

// Unblock removes a block.
func (c *Core) Unblock(ctx context.Context, userID, peer uuid.UUID) error {
	return c.rel.Unblock(ctx, userID, peer)
}

// BlockedUsers lists the user's block entries.
func (c *Core) BlockedUsers(ctx context.Context, userID uuid.UUID) ([]storage.BlockEntry, error) {
	return c.rel.Blocked(ctx, userID)
}

// UploadPrekeys publishes a full prekey bundle.
func (c *Core) UploadPrekeys(ctx context.Context, req prekey.UploadRequest) error {
	return c.vault.Upload(ctx, req)
}

// FetchPrekeys consumes a bundle for a session initiator.
func (c *Core) FetchPrekeys(ctx context.Context, userID uuid.UUID) (*prekey.FetchResult, error) {
	return c.vault.Fetch(ctx, userID)
}

// RefreshPrekeys appends one-time prekeys to an existing bundle.
func (c *Core) RefreshPrekeys(ctx context.Context, userID uuid.UUID, keys []storage.OneTimePrekey) (int, error) {
	return c.vault.Refresh(ctx, userID, keys)
}

// PrekeyStatus describes a bundle without consuming it.
func (c *Core) PrekeyStatus(ctx context.Context, userID uuid.UUID) (*prekey.Status, error) {
	return c.vault.BundleStatus(ctx, userID)
}

// CreateTempSession opens an anonymous session with the creator
// joined; the creator's connection enters the room channel.
func (c *Core) CreateTempSession(ctx context.Context, creatorID uuid.UUID) (*storage.TempSession, error) {
	session, err := c.sessions.Create(ctx, creatorID)
	if err != nil {
		return nil, err
	}
	c.hub.JoinRoom(tempsession.RoomID(session.Code), creatorID.String())
	return session, nil
}

// JoinTempSession joins by code and returns the session roster and the
// caller's alias.
func (c *Core) JoinTempSession(ctx context.Context, code string, userID uuid.UUID) (*storage.TempSession, string, error) {
	session, alias, events, err := c.sessions.Join(ctx, code, userID)
	if err != nil {
		return nil, "", err
	}
	c.hub.JoinRoom(tempsession.RoomID(session.Code), userID.String())
	c.publish(events)
	return session, alias, nil
}

// TempSessionMessages returns the session history for a participant.
func (c *Core) TempSessionMessages(ctx context.Context, sessionID, requesterID uuid.UUID) ([]*storage.Message, error) {
	return c.sessions.Messages(ctx, sessionID, requesterID)
}

// EndTempSession ends a session and destroys everything it produced.
func (c *Core) EndTempSession(ctx context.Context, sessionID, actorID uuid.UUID) error {
	events, err := c.sessions.End(ctx, sessionID, actorID)
	if err != nil {
		return err
	}
	c.publishSessionEnd(events)
	return nil
}

// CreateUser registers a new user record.
func (c *Core) CreateUser(ctx context.Context, user *storage.User) error {
	if user.Handle == "" {
		return apperr.Validation("handle is required")
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	return c.store.CreateUser(ctx, user)
}

// GetUser loads a user with relationship sets assembled.
func (c *Core) GetUser(ctx context.Context, id uuid.UUID) (*storage.User, error) {
	return c.store.GetUser(ctx, id)
}
