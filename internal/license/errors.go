package license

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind tags every rejection the licensing services can produce. The string
// value is the tag used by the pipe protocol ("ERR|<kind>|...").
type Kind string

const (
	KindBadRequest   Kind = "BAD_REQUEST"
	KindUnauthorized Kind = "AUTH"
	KindNotFound     Kind = "NOT_FOUND"
	KindInactive     Kind = "INACTIVE"
	KindExpired      Kind = "EXPIRED"
	KindLimitReached Kind = "LIMIT"
	KindStore        Kind = "DB"
	KindInternal     Kind = "INTERNAL"
	KindMethod       Kind = "METHOD"
)

// HTTPStatus maps a kind to the status code every transport uses for it.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindInactive, KindExpired, KindLimitReached:
		return http.StatusForbidden
	case KindMethod:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

// Error is a rejection with a caller-safe message. Err carries the
// underlying cause for logs and is never shown to callers.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches cause to a new rejection of the given kind.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf returns the kind of err, or KindInternal for errors that were
// not produced by this package.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindInternal
}

// MessageOf returns the caller-safe message of err.
func MessageOf(err error) string {
	var le *Error
	if errors.As(err, &le) {
		return le.Message
	}
	return "unexpected error"
}

// IsKind reports whether err is a rejection of kind k.
func IsKind(err error, k Kind) bool {
	var le *Error
	return errors.As(err, &le) && le.Kind == k
}
