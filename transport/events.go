// Package transport fans realtime events out to connected clients. The
// Hub tracks one connection per user plus named rooms; engines emit
// events without knowing how (or whether) a user is connected.
package transport

// Event names carried on the wire. Clients subscribe by name.
const (
	EventMessageReceive      = "message:receive"
	EventMessageSent         = "message:sent"
	EventMessageDelivered    = "message:delivered"
	EventMessageDeleted      = "message:deleted"
	EventMessageSelfDestruct = "message:self-destruct"
	EventMessageReaction     = "message:reaction"
	EventReadReceipt         = "message:read:receipt"

	EventChatRequest = "chat:request"
	EventChatCreated = "chat:created"

	EventUserOnline     = "user:online"
	EventUserOffline    = "user:offline"
	EventForceLogout    = "force:logout"
	EventUserJoinedRoom = "user:joined:room"
	EventUserLeftRoom   = "user:left:room"

	EventTempSessionJoined = "temp:session:joined"
	EventTempSessionEnded  = "temp:session:ended"

	EventTypingStart = "typing:start"
	EventTypingStop  = "typing:stop"
)

// Event is a named payload delivered to a client connection.
type Event struct {
	Name    string      `json:"event"`
	Payload interface{} `json:"data,omitempty"`
}

// Targeted binds an event to its destination. Engines return these and
// the caller hands them to the Hub, so state transitions stay pure and
// emission stays in one place.
type Targeted struct {
	// UserID addresses a single user's connection. Empty when Room is
	// set.
	UserID string

	// Room addresses every member of a named room.
	Room string

	// ExceptUserID suppresses delivery to one room member, typically
	// the actor who triggered the event.
	ExceptUserID string

	Event Event
}

// ToUser builds a user-addressed event.
func ToUser(userID string, name string, payload interface{}) Targeted {
	return Targeted{UserID: userID, Event: Event{Name: name, Payload: payload}}
}

// ToRoom builds a room-addressed event.
func ToRoom(room string, name string, payload interface{}) Targeted {
	return Targeted{Room: room, Event: Event{Name: name, Payload: payload}}
}

// ToRoomExcept builds a room-addressed event skipping one member.
func ToRoomExcept(room, exceptUserID string, name string, payload interface{}) Targeted {
	return Targeted{Room: room, ExceptUserID: exceptUserID, Event: Event{Name: name, Payload: payload}}
}
