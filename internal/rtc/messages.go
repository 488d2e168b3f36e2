package rtc

import (
	"github.com/chadiek/call-capture/internal/agent"
	"github.com/chadiek/call-capture/internal/capture"
	"github.com/chadiek/call-capture/internal/convai"
	"github.com/chadiek/call-capture/internal/permission"
)

// inbound frame types sent by the page
const (
	typeAuth        = "auth"
	typeStart       = "start"
	typeEnd         = "end"
	typePermission  = "permission"
	typeMicResult   = "mic_result"
	typeEmailSubmit = "email_submit"
	typeEmailCancel = "email_cancel"
	typeAudio       = "audio"
	typeBye         = "bye"
)

// outbound frame types
const (
	typeState           = "state"
	typePermissionQuery = "permission_query"
	typeMicRequest      = "mic_request"
	typeMicRelease      = "mic_release"
	typeCapture         = "capture"
	typeAgentMessage    = "agent_message"
	typeInterruption    = "interruption"
	typeError           = "error"
)

const codeUnauthorized = "unauthorized"

// clientFrame is any message read from the page.
type clientFrame struct {
	Type string `json:"type"`
	// correlates permission and mic_result replies
	ID string `json:"id,omitempty"`
	// auth
	Password string `json:"password,omitempty"`
	// permission
	State string `json:"state,omitempty"`
	// mic_result
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
	// email_submit
	Email string `json:"email,omitempty"`
	// audio, base64 PCM16
	Audio string `json:"audio,omitempty"`
}

// serverFrame is any message written to the page.
type serverFrame struct {
	Type       string           `json:"type"`
	ID         string           `json:"id,omitempty"`
	Call       *agent.Snapshot  `json:"call,omitempty"`
	Permission permission.State `json:"permission,omitempty"`
	Capture    *capture.View    `json:"capture,omitempty"`
	Message    *convai.Message  `json:"message,omitempty"`
	Audio      string           `json:"audio,omitempty"`
	Code       string           `json:"code,omitempty"`
	Error      string           `json:"error,omitempty"`
}
