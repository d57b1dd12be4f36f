package nlmgr

import (
	"github.com/pkg/errors"
)

// ErrorKind classifies failures of the messaging core. Callers match them
// with errors.Is; the wrapped message carries the detail.
type ErrorKind int

const (
	ErrMalformed ErrorKind = iota + 1
	ErrTimeout
	ErrTransport
	ErrLookupFailure
	ErrSendFailed
	ErrNotStarted
	ErrNotComparable
	ErrUnsupported
)

func (self ErrorKind) Error() string {
	switch self {
	default:
		return "Unspecific failure"
	case ErrMalformed:
		return "Malformed netlink message"
	case ErrTimeout:
		return "Timed out waiting for reply"
	case ErrTransport:
		return "Socket operation failed"
	case ErrLookupFailure:
		return "Lookup failed"
	case ErrSendFailed:
		return "Send failed"
	case ErrNotStarted:
		return "Engine not started"
	case ErrNotComparable:
		return "Handler is not comparable"
	case ErrUnsupported:
		return "Unsupported message type"
	}
}

// kindError tags an underlying failure with a kind. Both the kind and the
// cause chain match with errors.Is.
type kindError struct {
	kind  ErrorKind
	cause error
}

func wrapKind(kind ErrorKind, cause error, format string, args ...interface{}) error {
	return &kindError{kind: kind, cause: errors.WithMessagef(cause, format, args...)}
}

func (self *kindError) Error() string {
	return self.kind.Error() + ": " + self.cause.Error()
}

func (self *kindError) Is(target error) bool {
	kind, ok := target.(ErrorKind)
	return ok && kind == self.kind
}

func (self *kindError) Unwrap() error {
	return self.cause
}

func (self *kindError) Cause() error {
	return self.cause
}
