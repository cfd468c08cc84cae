package errors

// Domain errors shared across engines.
var (
	ErrUserNotFound        = NotFound("user not found")
	ErrMessageNotFound     = NotFound("message not found")
	ErrSessionNotFound     = NotFound("session not found")
	ErrBundleNotFound      = NotFound("prekey bundle not found")
	ErrBlocked             = Unauthorized("messaging is blocked between these users")
	ErrNotParticipant      = Unauthorized("actor is not a participant of this message")
	ErrNotSender           = Unauthorized("only the sender may delete for everyone")
	ErrAlreadyBlocked      = Conflict("user already blocked")
	ErrDuplicatePrekeyID   = Conflict("duplicate one-time prekey id")
	ErrDeleteWindowClosed  = State("delete-for-everyone window has closed")
	ErrSessionInactive     = State("temp session is not active")
	ErrSessionEnded        = Conflict("temp session already ended")
	ErrInvalidSignedPrekey = Validation("invalid signed prekey")
	ErrEphemeralMedia      = Validation("media and attachments are not allowed in temp sessions")
	ErrAmbiguousTarget     = Validation("message target must be exactly one of peer or room")
)
