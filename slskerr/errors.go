// Package slskerr defines the error taxonomy shared by every layer of the
// connection core: a small set of Kinds plus a concrete error
// type that carries one of them and, for composite failures, a wrapped cause.
package slskerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies why an operation failed. Callers switch on Kind rather
// than comparing error strings.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindCancelled
	KindNotConnected
	KindInvalidOperation
	KindConnectionRefused
	KindIO
	KindTruncated
	KindOversize
	KindDecode
	KindConnectionError
	KindTypeMismatch
	KindReplaced
	KindLoginRejected
	KindTransferRejected
	KindQueueDownloadRejected
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindCancelled:
		return "Cancelled"
	case KindNotConnected:
		return "NotConnected"
	case KindInvalidOperation:
		return "InvalidOperation"
	case KindConnectionRefused:
		return "ConnectionRefused"
	case KindIO:
		return "Io"
	case KindTruncated:
		return "Truncated"
	case KindOversize:
		return "Oversize"
	case KindDecode:
		return "Decode"
	case KindConnectionError:
		return "ConnectionError"
	case KindTypeMismatch:
		return "TypeMismatch"
	case KindReplaced:
		return "Replaced"
	case KindLoginRejected:
		return "LoginRejected"
	case KindTransferRejected:
		return "TransferRejected"
	case KindQueueDownloadRejected:
		return "QueueDownloadRejected"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned throughout the core. It always
// carries a Kind and a human-readable message, and optionally a wrapped
// cause for composite failures (e.g. KindConnectionError after both the
// direct and indirect legs of a race fail).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a bare Error of the given Kind with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given Kind, chaining cause via pkg/errors so
// the original stack context survives for diagnostics.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return New(kind, message)
	}
	return &Error{Kind: kind, Message: message, Cause: errors.Wrap(cause, message)}
}

// Is reports whether err is a *Error of the given Kind, unwrapping as
// necessary.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if as, ok := err.(*Error); ok {
			e = as
			if e.Kind == kind {
				return true
			}
			err = e.Cause
			continue
		}
		err = errors.Unwrap(err)
	}
	return false
}

// ConnectionError builds the composite "all legs failed" error, naming
// the host/user in the message and chaining the original causes.
func ConnectionError(who string, direct, indirect error) *Error {
	cause := fmt.Errorf("direct: %w; indirect: %w", direct, indirect)
	return &Error{
		Kind:    KindConnectionError,
		Message: fmt.Sprintf("failed to establish a connection to %s", who),
		Cause:   cause,
	}
}
