package convai

import (
	"context"
	"encoding/json"
	"errors"
)

const (
	DefaultURL         = "wss://api.elevenlabs.io/v1/convai/conversation"
	TransportWebSocket = "websocket"
)

var (
	ErrUnsupportedTransport = errors.New("convai: unsupported transport")
	ErrMissingAgentID       = errors.New("convai: agent id is empty")
	ErrClosed               = errors.New("convai: session closed")
)

// ToolFunc implements a client tool the remote agent may call mid-conversation.
// A returned error is reported back to the agent as an error result.
type ToolFunc func(ctx context.Context, params map[string]any) (string, error)

// Message is a line of conversation text.
type Message struct {
	Source string `json:"source"` // "ai" or "user"
	Text   string `json:"text"`
}

// Handlers are the session lifecycle callbacks. Any of them may be nil.
type Handlers struct {
	OnMessage      func(Message)
	OnAudio        func(b64 string)
	OnInterruption func()
	OnModeChange   func(speaking bool)
	// OnDisconnect fires once when the remote side or the transport ends the session.
	// It does not fire for Close.
	OnDisconnect func(err error)
	OnError      func(err error)
}

// SessionConfig describes one conversation.
type SessionConfig struct {
	AgentID   string
	Transport string
	Tools     map[string]ToolFunc
	Handlers  Handlers
}

// Session is a live conversation.
type Session interface {
	ID() string
	SendUserAudio(b64 string) error
	Close() error
}

// wire frames

type inbound struct {
	Type string `json:"type"`

	Metadata *struct {
		ConversationID    string `json:"conversation_id"`
		AgentOutputFormat string `json:"agent_output_audio_format"`
		UserInputFormat   string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	Audio *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int64  `json:"event_id"`
	} `json:"audio_event,omitempty"`

	AgentResponse *struct {
		Text string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	UserTranscript *struct {
		Text string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	Ping *struct {
		EventID int64 `json:"event_id"`
		PingMS  int64 `json:"ping_ms"`
	} `json:"ping_event,omitempty"`

	ToolCall *toolCall `json:"client_tool_call,omitempty"`
}

type toolCall struct {
	ToolName   string          `json:"tool_name"`
	ToolCallID string          `json:"tool_call_id"`
	Parameters json.RawMessage `json:"parameters"`
}

type clientData struct {
	Type string `json:"type"`
}

type pong struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

type toolResult struct {
	Type       string `json:"type"`
	ToolCallID string `json:"tool_call_id"`
	Result     string `json:"result"`
	IsError    bool   `json:"is_error"`
}

type userAudio struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}
