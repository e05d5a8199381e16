package broker

import (
	"errors"
	"fmt"
)

// ErrorKind classifies gateway failures so callers can map them to policy
// (retry, re-auth, reject request) without string matching.
type ErrorKind int

const (
	// NotConnected means the transport or the broker session is gone.
	NotConnected ErrorKind = iota
	// Timeout means an await exceeded its bound.
	Timeout
	// Transport means a socket or HTTP I/O failure.
	Transport
	// Protocol means a malformed response or a missing required field.
	Protocol
	// Auth means the broker rejected the session.
	Auth
	// BadRequest means the caller supplied an unknown conid or ticker.
	BadRequest
)

func (k ErrorKind) String() string {
	switch k {
	case NotConnected:
		return "not connected"
	case Timeout:
		return "timeout"
	case Transport:
		return "transport failure"
	case Protocol:
		return "protocol error"
	case Auth:
		return "authentication rejected"
	case BadRequest:
		return "bad request"
	default:
		return fmt.Sprintf("broker error %d", int(k))
	}
}

// Error is the failure type for every gateway read operation. Op names the
// failed operation; Err carries the underlying cause when one exists.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errf builds an *Error with a formatted cause message and no wrapped error.
func Errf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// IsKind reports whether err is (or wraps) a broker Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == kind
}
