package core

import "github.com/pkg/errors"

// Store & upload failures. Backends wrap these so callers can match with errors.Is.
var (
	ErrDuplicateKey        = errors.New("duplicate key")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("concurrent modification")
	ErrUnavailable         = errors.New("store unavailable")
	ErrUploadFailed        = errors.New("upload failed")
	ErrOrderingUnsupported = errors.New("ordering not supported by store")
)

// FieldError is used to indicate an error with a specific struct field.
type FieldError struct {
	Field string
	Error string
}

type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{err, flds}
}

func (err ValidationError) Error() string {
	if err.Err == nil {
		return ""
	}
	return err.Err.Error()
}

// IsValidationError reports whether any error in err's chain is a *ValidationError.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

type shutdown struct {
	message string
}

func NewShutdownError(msg string) error {
	return &shutdown{message: msg}
}

func (s shutdown) Error() string {
	return s.message
}

func IsShutdown(err error) bool {
	_, ok := errors.Cause(err).(*shutdown)
	return ok
}
