package errors

type Code string

const (
	CodeUnknown       Code = "UNKNOWN"
	CodeValidation    Code = "VALIDATION"
	CodeNotFound      Code = "NOT_FOUND"
	CodeAuthorization Code = "AUTHORIZATION"
	CodeConflict      Code = "CONFLICT"
	CodeState         Code = "STATE"
	CodeInternal      Code = "INTERNAL"
)
