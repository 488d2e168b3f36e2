package agent

import (
	"errors"
	"fmt"
)

// ErrorKind classifies controller failures.
type ErrorKind string

const (
	KindConfiguration    ErrorKind = "agent_not_configured"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindConnectTimeout   ErrorKind = "connect_timeout"
	KindTransport        ErrorKind = "transport_error"
)

var (
	ErrAgentNotConfigured = errors.New("agent id is not configured")
	ErrPermissionDenied   = errors.New("microphone permission denied")
	ErrAlreadyActive      = errors.New("a call is already active")
	ErrNotConnected       = errors.New("no connected call")
	ErrSessionEnded       = errors.New("call ended before it connected")
)

// Error is a classified controller failure.
type Error struct {
	Kind     ErrorKind
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("%s after %d attempts: %v", e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable is false only for configuration errors.
func (e *Error) Retryable() bool { return e.Kind != KindConfiguration }
