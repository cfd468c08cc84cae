package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerchat"
	apperr "github.com/opd-ai/peerchat/errors"
	"github.com/opd-ai/peerchat/messaging"
	"github.com/opd-ai/peerchat/prekey"
	"github.com/opd-ai/peerchat/storage"
	"github.com/opd-ai/peerchat/transport"
)

type server struct {
	core *peerchat.Core
}

func newServer(core *peerchat.Core) *server {
	return &server{core: core}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("POST /users", s.handleCreateUser)
	mux.HandleFunc("GET /users/{id}", s.handleGetUser)

	mux.HandleFunc("POST /messages", s.withAuth(s.handleSend))
	mux.HandleFunc("POST /messages/read", s.withAuth(s.handleMarkRead))
	mux.HandleFunc("DELETE /messages/{id}", s.withAuth(s.handleDelete))
	mux.HandleFunc("POST /messages/{id}/reactions", s.withAuth(s.handleReact))
	mux.HandleFunc("GET /history/{peer}", s.withAuth(s.handlePeerHistory))

	mux.HandleFunc("POST /chats/{peer}/accept", s.withAuth(s.peerAction(s.core.AcceptChat)))
	mux.HandleFunc("POST /chats/{peer}/primary", s.withAuth(s.peerAction(s.core.MoveToPrimary)))
	mux.HandleFunc("POST /chats/{peer}/secondary", s.withAuth(s.peerAction(s.core.MoveToSecondary)))
	mux.HandleFunc("DELETE /chats/{peer}", s.withAuth(s.peerAction(s.core.DeleteChat)))
	mux.HandleFunc("POST /chats/{peer}/clear", s.withAuth(s.handleClearChat))
	mux.HandleFunc("POST /chats/{peer}/mute", s.withAuth(s.handleMuteChat))
	mux.HandleFunc("POST /chats/{peer}/block", s.withAuth(s.peerAction(s.core.Block)))
	mux.HandleFunc("DELETE /chats/{peer}/block", s.withAuth(s.peerAction(s.core.Unblock)))
	mux.HandleFunc("GET /blocks", s.withAuth(s.handleBlocked))

	mux.HandleFunc("POST /prekeys", s.withAuth(s.handleUploadPrekeys))
	mux.HandleFunc("POST /prekeys/refresh", s.withAuth(s.handleRefreshPrekeys))
	mux.HandleFunc("GET /prekeys/{user}", s.withAuth(s.handleFetchPrekeys))
	mux.HandleFunc("GET /prekeys/{user}/status", s.withAuth(s.handlePrekeyStatus))

	mux.HandleFunc("POST /temp-sessions", s.withAuth(s.handleCreateTempSession))
	mux.HandleFunc("POST /temp-sessions/join", s.withAuth(s.handleJoinTempSession))
	mux.HandleFunc("GET /temp-sessions/{id}/messages", s.withAuth(s.handleTempSessionMessages))
	mux.HandleFunc("DELETE /temp-sessions/{id}", s.withAuth(s.handleEndTempSession))

	return mux
}

// ---- plumbing ----

type authedHandler func(w http.ResponseWriter, r *http.Request, actor uuid.UUID)

func (s *server) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		actor, err := s.core.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, actor)
	}
}

func (s *server) peerAction(action func(ctx context.Context, userID, peer uuid.UUID) error) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, actor uuid.UUID) {
		peer, err := uuid.Parse(r.PathValue("peer"))
		if err != nil {
			writeError(w, apperr.Validation("malformed peer id"))
			return
		}
		if err := action(r.Context(), actor, peer); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeJSON",
			"error":    err,
		}).Debug("response encode failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.CodeOf(err) {
	case apperr.CodeValidation:
		status = http.StatusBadRequest
	case apperr.CodeNotFound:
		status = http.StatusNotFound
	case apperr.CodeAuthorization:
		status = http.StatusForbidden
	case apperr.CodeConflict:
		status = http.StatusConflict
	case apperr.CodeState:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{
		"code":  string(apperr.CodeOf(err)),
		"error": err.Error(),
	})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "malformed request body", err)
	}
	return nil
}

// ---- users ----

func (s *server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle      string `json:"handle"`
		Description string `json:"description"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user := &storage.User{Handle: req.Handle, Description: req.Description, CreatedAt: time.Now()}
	if err := s.core.CreateUser(r.Context(), user); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, apperr.Validation("malformed user id"))
		return
	}
	user, err := s.core.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ---- messages ----

type sendBody struct {
	RecipientID     *uuid.UUID `json:"receiverId,omitempty"`
	RoomID          string     `json:"roomId,omitempty"`
	Text            string     `json:"text,omitempty"`
	Ciphertext      string     `json:"encryptedText,omitempty"`
	RatchetHeader   string     `json:"ratchetHeader,omitempty"`
	Nonce           string     `json:"nonce,omitempty"`
	MessageType     string     `json:"messageType,omitempty"`
	MediaURL        string     `json:"mediaUrl,omitempty"`
	SelfDestructTTL int        `json:"selfDestructTtl,omitempty"`
	TempSessionID   *uuid.UUID `json:"tempSessionId,omitempty"`
}

func (b sendBody) toRequest(sender uuid.UUID) messaging.SendRequest {
	return messaging.SendRequest{
		SenderID:        sender,
		RecipientID:     b.RecipientID,
		RoomID:          b.RoomID,
		Text:            b.Text,
		Ciphertext:      b.Ciphertext,
		RatchetHeader:   b.RatchetHeader,
		Nonce:           b.Nonce,
		MessageType:     storage.MessageType(b.MessageType),
		MediaURL:        b.MediaURL,
		SelfDestructTTL: b.SelfDestructTTL,
		TempSessionID:   b.TempSessionID,
	}
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request, actor uuid.UUID) {
	var body sendBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	msg, err := s.core.SendMessage(r.Context(), body.toRequest(actor))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *server) handleMarkRead(w http.ResponseWriter, r *http.Request, actor uuid.UUID) {
	var req struct {
		IDs []uuid.UUID `json:"messageIds"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.core.MarkRead(r.Context(), actor, req.IDs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request, actor uuid.UUID) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, apperr.Validation("malformed message id"))
		return
	}

	var msg *storage.Message
	switch r.URL.Query().Get("mode") {
	case "everyone":
		msg, err = s.core.DeleteForEveryone(r.Context(), id, actor)
	case "", "self":
		msg, err = s.core.DeleteForSelf(r.Context(), id, actor)
	default:
		writeError(w, apperr.Validation("mode must be self or everyone"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *server) handleReact(w http.ResponseWriter, r *http.Request, actor uuid.UUID) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, apperr.Validation("malformed message id"))
		return
	}
	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	msg, err := s.core.React(r.Context(), id, actor, req.Emoji)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *server) handlePeerHistory(w http.ResponseWriter, r *http.Request, actor uuid.UUID) {
	peer, err := uuid.Parse(r.PathValue("peer"))
	if err != nil {
		writeError(w, apperr.Validation("malformed peer id"))
		return
	}
	var before time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		before, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, apperr.Validation("before must be RFC 3339"))
			return
		}
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs, err := s.core.PeerHistory(r.Context(), actor, peer, before, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// ---- relationships ----

func (s *server) handleClearChat(w http.ResponseWriter, r *http.Request, actor uuid.UUID) {
	peer, err := uuid.Parse(r.PathValue("peer"))
	if err != nil {
		writeError(w, apperr.Validation("malformed peer id"))
		return
	}
	cleared, err := s.core.ClearChat(r.Context(), actor, peer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *server) handleMuteChat(w http.ResponseWriter, r *http.Request, actor uuid.UUID) {
	peer, err := uuid.Parse(r.PathValue("peer"))
	if err != nil {
		writeError(w, apperr.Validation("malformed peer id"))
		return
	}
	muted, err := s.core.MuteChat(r.Context(), actor, peer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"muted": muted})
}

func (s *server) handleBlocked(w http.ResponseWriter, r *http.Request, actor uuid.UUID) {
	entries, err := s.core.BlockedUsers(r.Context(), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ---- prekeys ----

func (s *server) handleUploadPrekeys(w http.ResponseWriter, r *http.Request, actor uuid.UUID) {
	var req struct {
		IdentityKey    []byte                  `json:"identityKey"`
		SignedPrekey   storage.SignedPrekey    `json:"signedPrekey"`
		OneTimePrekeys []storage.OneTimePrekey `json:"oneTimePrekeys"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	err := s.core.UploadPrekeys(r.Context(), prekey.UploadRequest{
		UserID:         actor,
		IdentityKey:    req.IdentityKey,
		SignedPrekey:   req.SignedPrekey,
		OneTimePrekeys: req.OneTimePrekeys,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
}

func (s *server) handleRefreshPrekeys(w http.ResponseWriter, r *http.Request, actor uuid.UUID) {
	var req struct {
		OneTimePrekeys []storage.OneTimePrekey `json:"oneTimePrekeys"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	total, err := s.core.RefreshPrekeys(r.Context(), actor, req.OneTimePrekeys)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"remaining": total})
}

func (s *server) handleFetchPrekeys(w http.ResponseWriter, r *http.Request, _ uuid.UUID) {
	userID, err := uuid.Parse(r.PathValue("user"))
	if err != nil {
		writeError(w, apperr.Validation("malformed user id"))
		return
	}
	bundle, err := s.core.FetchPrekeys(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (s *server) handlePrekeyStatus(w http.ResponseWriter, r *http.Request, _ uuid.UUID) {
	userID, err := uuid.Parse(r.PathValue("user"))
	if err != nil {
		writeError(w, apperr.Validation("malformed user id"))
		return
	}
	status, err := s.core.PrekeyStatus(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ---- temp sessions ----

func (s *server) handleCreateTempSession(w http.ResponseWriter, r *http.Request, actor uuid.UUID) {
	session, err := s.core.CreateTempSession(r.Context(), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *server) handleJoinTempSession(w http.ResponseWriter, r *http.Request, actor uuid.UUID) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	session, alias, err := s.core.JoinTempSession(r.Context(), req.Code, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session": session,
		"alias":   alias,
	})
}

func (s *server) handleTempSessionMessages(w http.ResponseWriter, r *http.Request, actor uuid.UUID) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, apperr.Validation("malformed session id"))
		return
	}
	msgs, err := s.core.TempSessionMessages(r.Context(), id, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *server) handleEndTempSession(w http.ResponseWriter, r *http.Request, actor uuid.UUID) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, apperr.Validation("malformed session id"))
		return
	}
	if err := s.core.EndTempSession(r.Context(), id, actor); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ---- websocket ----

type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// handleWS upgrades the connection, authenticates it and pumps client
// frames into the core until the socket dies.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	conn, err := transport.UpgradeWS(w, r)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleWS",
			"error":    err,
		}).Debug("websocket upgrade failed")
		return
	}

	userID, sessionID, err := s.core.AttachConnection(r.Context(), token, conn)
	if err != nil {
		return
	}

	ctx := r.Context()
	defer func() {
		conn.Close()
		if err := s.core.DetachConnection(ctx, userID, sessionID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleWS",
				"error":    err,
			}).Warn("detach failed")
		}
	}()

	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if err := s.dispatchFrame(ctx, userID, conn, frame); err != nil {
			conn.Send(transport.Event{
				Name: "error",
				Payload: map[string]string{
					"code":  string(apperr.CodeOf(err)),
					"error": err.Error(),
				},
			})
		}
	}
}

func (s *server) dispatchFrame(ctx context.Context, userID uuid.UUID, conn *transport.WSConn, frame wsFrame) error {
	switch frame.Event {
	case "message:send":
		var body sendBody
		if err := json.Unmarshal(frame.Data, &body); err != nil {
			return apperr.Wrap(apperr.CodeValidation, "malformed frame", err)
		}
		_, err := s.core.SendMessage(ctx, body.toRequest(userID))
		return err

	case "message:read":
		var req struct {
			IDs []uuid.UUID `json:"messageIds"`
		}
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return apperr.Wrap(apperr.CodeValidation, "malformed frame", err)
		}
		return s.core.MarkRead(ctx, userID, req.IDs)

	case transport.EventTypingStart, transport.EventTypingStop:
		var req struct {
			To     *uuid.UUID `json:"to,omitempty"`
			RoomID string     `json:"roomId,omitempty"`
		}
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return apperr.Wrap(apperr.CodeValidation, "malformed frame", err)
		}
		return s.core.Typing(ctx, userID, req.To, req.RoomID, frame.Event == transport.EventTypingStart)

	case "room:join", "room:leave":
		var req struct {
			RoomID string `json:"roomId"`
		}
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return apperr.Wrap(apperr.CodeValidation, "malformed frame", err)
		}
		if frame.Event == "room:join" {
			return s.core.JoinRoom(userID, req.RoomID)
		}
		return s.core.LeaveRoom(userID, req.RoomID)

	case "message:reaction":
		var req struct {
			MessageID uuid.UUID `json:"messageId"`
			Emoji     string    `json:"emoji"`
		}
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return apperr.Wrap(apperr.CodeValidation, "malformed frame", err)
		}
		_, err := s.core.React(ctx, req.MessageID, userID, req.Emoji)
		return err

	default:
		return apperr.Validation("unknown event: " + frame.Event)
	}
}
