package coordinator

import (
	"errors"
	"fmt"
)

var (
	ErrNoActiveSession = errors.New("no active session")
	ErrSessionActive   = errors.New("a session is already active")
)

// ConnectionError means the voice-bot service could not create a session.
// Nothing is kept locally when it is returned.
type ConnectionError struct {
	Err       error
	Retryable bool
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("create session: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportError is a failure reported by the real-time client. The session
// is kept with status error.
type TransportError struct {
	SessionID string
	Kind      string
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("voice transport %s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusPollError is a failed status refresh. Callers get the last known
// session alongside it.
type StatusPollError struct {
	SessionID string
	Err       error
}

func (e *StatusPollError) Error() string {
	return fmt.Sprintf("poll status for %s: %v", e.SessionID, e.Err)
}

func (e *StatusPollError) Unwrap() error { return e.Err }
