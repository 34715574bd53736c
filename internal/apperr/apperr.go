// Package apperr defines the error taxonomy shared by the room and game
// layers, mirroring the error kinds a client-facing handler must map to
// HTTP status codes.
package apperr

import "fmt"

// Kind classifies an error for the purposes of HTTP mapping and logging.
type Kind string

const (
	NotFound        Kind = "notFound"
	Conflict        Kind = "conflict"
	Unauthorized    Kind = "unauthorized"
	InvalidState    Kind = "invalidState"
	InvalidArgument Kind = "invalidArgument"
	Internal        Kind = "internal"
)

// Error is a typed application error carrying a Kind the API layer maps to
// a status code, per the propagation policy.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func new(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...interface{}) *Error        { return new(NotFound, format, args...) }
func Conflictf(format string, args ...interface{}) *Error        { return new(Conflict, format, args...) }
func Unauthorizedf(format string, args ...interface{}) *Error    { return new(Unauthorized, format, args...) }
func InvalidStatef(format string, args ...interface{}) *Error    { return new(InvalidState, format, args...) }
func InvalidArgumentf(format string, args ...interface{}) *Error { return new(InvalidArgument, format, args...) }
func Internalf(format string, args ...interface{}) *Error        { return new(Internal, format, args...) }

// KindOf extracts the Kind of err if it is (or wraps) an *Error, defaulting
// to Internal for unrecognized errors — the propagation policy requires
// these to map to 500 and be logged, never returned verbatim.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if ae, ok := err.(*Error); ok {
		return ae.Kind
	}
	return Internal
}
