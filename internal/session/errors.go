package session

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectInProgress is returned by [Manager.Connect] while another
	// connect attempt is still running. The second call is dropped, not
	// queued.
	ErrConnectInProgress = errors.New("session: connect already in progress")

	// ErrNotConnected is returned by sends attempted outside CONNECTED.
	ErrNotConnected = errors.New("session: not connected")

	// ErrSuperseded is returned by a connect attempt that completed after a
	// Disconnect or a newer Connect had already taken over.
	ErrSuperseded = errors.New("session: connect superseded")
)

// Kind classifies session errors by how the manager reacts to them.
type Kind int

const (
	// KindTransport covers network failures and unexpected closes. It is
	// recoverable and triggers the bounded reconnect.
	KindTransport Kind = iota

	// KindPermission means microphone access was denied. Fatal for the
	// attempt, never retried.
	KindPermission

	// KindConfiguration covers unknown personas and rejected credentials or
	// model access. Fatal, never retried.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindPermission:
		return "permission"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error carries the context needed to diagnose a failed connect or a lost
// session without the original stack.
type Error struct {
	Kind    Kind
	Op      string
	Attempt int
	State   State
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("session: %s: %s error (attempt %d, state %s): %v", e.Op, e.Kind, e.Attempt, e.State, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsFatal reports whether err is a permission or configuration error.
func IsFatal(err error) bool {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Kind == KindPermission || serr.Kind == KindConfiguration
	}
	return false
}
