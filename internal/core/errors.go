package core

// Error codes for domain errors.
const (
	ErrCodeUnauthenticated = "unauthenticated"
	ErrCodeValidation      = "validation_failed"
	ErrCodeNotFound        = "not_found"
	ErrCodeStoreFailed     = "store_failed"
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}
