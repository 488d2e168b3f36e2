package capture

import (
	"encoding/json"
	"errors"
	"time"
)

// Origin identifies who opened a capture request.
type Origin string

const (
	OriginAgentTool   Origin = "agent_tool"
	OriginAutoTrigger Origin = "auto_trigger"
)

// ParseOrigin maps a config token to an Origin.
func ParseOrigin(s string) (Origin, bool) {
	switch Origin(s) {
	case OriginAgentTool, OriginAutoTrigger:
		return Origin(s), true
	}
	return "", false
}

// Failure reasons carried by unsuccessful results.
const (
	ReasonCancelled      = "cancelled"
	ReasonTimeout        = "timeout"
	ReasonSuperseded     = "superseded"
	ReasonConnectionLost = "connection lost"
)

var (
	ErrNoPendingRequest = errors.New("capture: no pending request")
	ErrEmptyEmail       = errors.New("capture: email is required")
	ErrInvalidEmail     = errors.New("capture: email address is not valid")
	ErrCancelNotAllowed = errors.New("capture: cancel is not allowed for agent requests")
)

// Result is the resolved outcome of a capture request. Failures are values, not errors.
type Result struct {
	Email   string
	Success bool
	Reason  string
}

func succeeded(email string) Result { return Result{Email: email, Success: true} }

func failed(reason string) Result { return Result{Reason: reason} }

// MarshalJSON renders a missing email as null.
func (r Result) MarshalJSON() ([]byte, error) {
	var email *string
	if r.Success {
		email = &r.Email
	}
	return json.Marshal(struct {
		Email   *string `json:"email"`
		Success bool    `json:"success"`
		Reason  string  `json:"reason,omitempty"`
	}{email, r.Success, r.Reason})
}

// View is what the form layer may observe about the slot.
type View struct {
	Open      bool      `json:"open"`
	Prompt    string    `json:"prompt,omitempty"`
	Origin    Origin    `json:"origin,omitempty"`
	Error     string    `json:"error,omitempty"`
	Deadline  time.Time `json:"deadline,omitempty"`
	CanCancel bool      `json:"can_cancel"`
}

// Notifier receives emails captured from origins configured for delivery.
type Notifier interface {
	Notify(email string)
}
