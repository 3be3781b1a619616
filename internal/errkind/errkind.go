// Package errkind defines the tagged error kinds used across the fabric.
// Handlers and transport code wrap underlying errors with
// fmt.Errorf("...: %w", err); callers recover the kind with As/Is against
// *Error.
package errkind

import "fmt"

// Kind tags an error with the failure class callers branch on.
type Kind string

const (
	MethodNotFound       Kind = "MethodNotFound"
	DuplicateMethod      Kind = "DuplicateMethod"
	UnknownTarget        Kind = "UnknownTarget"
	InvalidProxyPath     Kind = "InvalidProxyPath"
	Timeout              Kind = "Timeout"
	TransportError       Kind = "TransportError"
	RemoteError          Kind = "RemoteError"
	RateLimited          Kind = "RateLimited"
	AuthFailed           Kind = "AuthFailed"
	CertProvisioningFail Kind = "CertProvisioningFailed"
	InvariantViolation   Kind = "InvariantViolation"
)

// Retriable reports whether a kind represents a condition worth retrying.
// Timeout, TransportError, and CertProvisioningFailed are transient;
// everything else is terminal.
func (k Kind) Retriable() bool {
	switch k {
	case Timeout, TransportError, CertProvisioningFail:
		return true
	default:
		return false
	}
}

// Error is a tagged error carrying a Kind plus an optional wrapped cause
// and, for RemoteError, the remote's own code/message.
type Error struct {
	Kind       Kind
	Message    string
	RemoteCode int
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error with the given kind, message, and underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Remote builds a RemoteError carrying the remote peer's own code/message.
func Remote(code int, message string) *Error {
	return &Error{Kind: RemoteError, Message: message, RemoteCode: code}
}

// Of extracts the Kind of err if it is (or wraps) an *Error, and ok=true.
func Of(err error) (Kind, bool) {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
