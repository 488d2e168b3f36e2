package agent

import (
	"context"
	"time"

	"github.com/chadiek/call-capture/internal/capture"
	"github.com/chadiek/call-capture/internal/convai"
	"github.com/chadiek/call-capture/internal/permission"
)

// Voice opens conversations with the remote agent.
type Voice interface {
	StartSession(ctx context.Context, cfg convai.SessionConfig) (convai.Session, error)
}

// PermissionGate is the microphone permission the controller depends on.
type PermissionGate interface {
	State() permission.State
	Request(ctx context.Context) permission.State
}

// CaptureSlot is the email capture slot the agent tool and auto-trigger open.
type CaptureSlot interface {
	Open(prompt string, origin capture.Origin, timeout time.Duration) *capture.Future
	Abort(reason string) bool
}

// Events relays conversation output to the view. Any field may be nil.
type Events struct {
	OnMessage      func(convai.Message)
	OnAudio        func(b64 string)
	OnInterruption func()
}

// Status is the connection state of the call.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Snapshot is the observable state of the call.
type Snapshot struct {
	Status         Status    `json:"status"`
	Speaking       bool      `json:"speaking"`
	Attempt        int       `json:"attempt"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ConnectedAt    time.Time `json:"connected_at,omitempty"`
}

// Config holds the controller's timing and tool settings.
type Config struct {
	AgentID   string
	Transport string

	ConnectTimeout time.Duration
	RetryBackoff   time.Duration
	MaxRetries     int

	AutoTriggerEnabled bool
	AutoTriggerDelay   time.Duration
	AutoTriggerPrompt  string
	CaptureTimeout     time.Duration

	ToolName    string
	ToolPrompt  string
	ToolTimeout time.Duration
}

const (
	DefaultToolName    = "captureEmail"
	DefaultToolPrompt  = "Please enter your email address."
	DefaultAutoPrompt  = "Want a summary of this call? Leave your email."
	DefaultMaxRetries  = 3
	defaultConnect     = 10 * time.Second
	defaultBackoff     = 1500 * time.Millisecond
	defaultAutoDelay   = 3 * time.Second
	defaultToolTimeout = 15 * time.Second
)

// DefaultConfig returns the stock timings for agentID.
func DefaultConfig(agentID string) Config {
	return Config{
		AgentID:            agentID,
		Transport:          convai.TransportWebSocket,
		ConnectTimeout:     defaultConnect,
		RetryBackoff:       defaultBackoff,
		MaxRetries:         DefaultMaxRetries,
		AutoTriggerEnabled: true,
		AutoTriggerDelay:   defaultAutoDelay,
		AutoTriggerPrompt:  DefaultAutoPrompt,
		CaptureTimeout:     capture.DefaultTimeout,
		ToolName:           DefaultToolName,
		ToolPrompt:         DefaultToolPrompt,
		ToolTimeout:        defaultToolTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnect
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultBackoff
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.AutoTriggerDelay <= 0 {
		c.AutoTriggerDelay = defaultAutoDelay
	}
	if c.AutoTriggerPrompt == "" {
		c.AutoTriggerPrompt = DefaultAutoPrompt
	}
	if c.ToolName == "" {
		c.ToolName = DefaultToolName
	}
	if c.ToolPrompt == "" {
		c.ToolPrompt = DefaultToolPrompt
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = defaultToolTimeout
	}
	return c
}
