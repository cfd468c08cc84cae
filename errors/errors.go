// Package errors defines the typed error taxonomy shared by every
// peerchat component. Synchronous entry points fail with one of these
// before any mutation; transports map the Code onto their own status
// vocabulary.
package errors

import "fmt"

type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Constructors
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// Validation reports malformed or missing input.
func Validation(msg string) error {
	return New(CodeValidation, msg)
}

// NotFound reports an absent user, message or session.
func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

// Unauthorized reports an actor that is not the sender, recipient or
// owner, or a blocked pair.
func Unauthorized(msg string) error {
	return New(CodeAuthorization, msg)
}

// Conflict reports duplicate join codes, duplicate key ids, or an
// already-blocked peer.
func Conflict(msg string) error {
	return New(CodeConflict, msg)
}

// State reports a precondition failure on record state: deletion window
// exceeded, session inactive, or a degraded one-time-key pool.
func State(msg string) error {
	return New(CodeState, msg)
}

func Internal(msg string) error {
	return New(CodeInternal, msg)
}

// CodeOf extracts the taxonomy code from err, walking wrapped causes.
// Unrecognized errors map to CodeInternal.
func CodeOf(err error) Code {
	for err != nil {
		if app, ok := err.(*AppError); ok {
			return app.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return CodeInternal
}

// HasCode reports whether err carries the given taxonomy code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
