package convai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chadiek/call-capture/pkg/logging"
)

// Client opens conversations with the remote voice agent over WebSocket.
type Client struct {
	URL    string
	APIKey string
	Dialer *websocket.Dialer
	logger *zap.Logger
}

func NewClient(endpoint, apiKey string, logger *zap.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultURL
	}
	return &Client{
		URL:    endpoint,
		APIKey: apiKey,
		Dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logging.OrNop(logger),
	}
}

// StartSession dials the agent and blocks until the conversation metadata arrives or ctx ends.
func (c *Client) StartSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	if cfg.Transport != "" && cfg.Transport != TransportWebSocket {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTransport, cfg.Transport)
	}
	if strings.TrimSpace(cfg.AgentID) == "" {
		return nil, ErrMissingAgentID
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("convai url: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", cfg.AgentID)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if c.APIKey != "" {
		headers.Set("xi-api-key", c.APIKey)
	}

	conn, resp, err := c.Dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			c.logger.Warn("convai dial rejected", zap.Int("status", resp.StatusCode))
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("convai dial: %w", ctx.Err())
		}
		return nil, fmt.Errorf("convai dial: %w", err)
	}

	// closing the socket unblocks the handshake read when ctx ends first
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	if err := conn.WriteJSON(clientData{Type: "conversation_initiation_client_data"}); err != nil {
		stop()
		_ = conn.Close()
		return nil, fmt.Errorf("convai init: %w", err)
	}
	meta, err := awaitMetadata(conn)
	if !stop() {
		_ = conn.Close()
		return nil, fmt.Errorf("convai handshake: %w", ctx.Err())
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("convai handshake: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &conversation{
		id:         meta.ConversationID,
		conn:       conn,
		tools:      cfg.Tools,
		handlers:   cfg.Handlers,
		sampleRate: sampleRate(meta.AgentOutputFormat),
		ctx:        sessCtx,
		cancel:     cancel,
		logger:     c.logger.With(zap.String("conversation_id", meta.ConversationID)),
	}
	go s.readLoop()
	s.logger.Info("convai session started", zap.String("agent_output_format", meta.AgentOutputFormat))
	return s, nil
}

type metadata struct {
	ConversationID    string
	AgentOutputFormat string
}

func awaitMetadata(conn *websocket.Conn) (metadata, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return metadata{}, err
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "conversation_initiation_metadata" && msg.Metadata != nil {
			return metadata{
				ConversationID:    msg.Metadata.ConversationID,
				AgentOutputFormat: msg.Metadata.AgentOutputFormat,
			}, nil
		}
	}
}

// sampleRate reads formats like "pcm_16000"; anything else is treated as 16kHz.
func sampleRate(format string) int {
	if rest, ok := strings.CutPrefix(format, "pcm_"); ok {
		if n, err := strconv.Atoi(rest); err == nil && n > 0 {
			return n
		}
	}
	return 16000
}

type conversation struct {
	id         string
	conn       *websocket.Conn
	tools      map[string]ToolFunc
	handlers   Handlers
	sampleRate int
	ctx        context.Context
	cancel     context.CancelFunc
	logger     *zap.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	closed    bool
	speaking  bool
	playUntil time.Time
	quietTmr  *time.Timer
}

func (s *conversation) ID() string { return s.id }

// SendUserAudio forwards a base64 PCM16 microphone chunk.
func (s *conversation) SendUserAudio(b64 string) error {
	return s.write(userAudio{UserAudioChunk: b64})
}

// Close ends the conversation locally. OnDisconnect is not invoked.
func (s *conversation) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.quietTmr != nil {
		s.quietTmr.Stop()
	}
	s.mu.Unlock()

	s.cancel()
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *conversation) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *conversation) write(v any) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *conversation) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered from panic in convai read loop", zap.Any("panic", r))
		}
	}()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.isClosed() {
				return
			}
			s.mu.Lock()
			s.closed = true
			if s.quietTmr != nil {
				s.quietTmr.Stop()
			}
			s.mu.Unlock()
			s.cancel()
			_ = s.conn.Close()

			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = nil
			}
			s.logger.Info("convai session ended by remote", zap.Error(err))
			if s.handlers.OnDisconnect != nil {
				s.handlers.OnDisconnect(err)
			}
			return
		}
		s.processMessage(data)
	}
}

func (s *conversation) processMessage(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("convai: bad frame", zap.Error(err))
		if s.handlers.OnError != nil {
			s.handlers.OnError(fmt.Errorf("convai: decode frame: %w", err))
		}
		return
	}
	switch msg.Type {
	case "audio":
		if msg.Audio == nil || msg.Audio.AudioBase64 == "" {
			return
		}
		s.markPlaying(msg.Audio.AudioBase64)
		if s.handlers.OnAudio != nil {
			s.handlers.OnAudio(msg.Audio.AudioBase64)
		}
	case "agent_response":
		if msg.AgentResponse != nil && s.handlers.OnMessage != nil {
			s.handlers.OnMessage(Message{Source: "ai", Text: msg.AgentResponse.Text})
		}
	case "user_transcript":
		if msg.UserTranscript != nil && s.handlers.OnMessage != nil {
			s.handlers.OnMessage(Message{Source: "user", Text: msg.UserTranscript.Text})
		}
	case "interruption":
		s.setSpeaking(false)
		if s.handlers.OnInterruption != nil {
			s.handlers.OnInterruption()
		}
	case "ping":
		if msg.Ping == nil {
			return
		}
		if err := s.write(pong{Type: "pong", EventID: msg.Ping.EventID}); err != nil {
			s.logger.Debug("convai pong failed", zap.Error(err))
		}
	case "client_tool_call":
		if msg.ToolCall != nil {
			go s.runTool(*msg.ToolCall)
		}
	default:
		s.logger.Debug("convai: ignoring frame", zap.String("type", msg.Type))
	}
}

func (s *conversation) runTool(call toolCall) {
	res := toolResult{Type: "client_tool_result", ToolCallID: call.ToolCallID}
	fn, ok := s.tools[call.ToolName]
	if !ok {
		res.Result, res.IsError = "unknown tool: "+call.ToolName, true
	} else {
		params := map[string]any{}
		if len(call.Parameters) > 0 {
			if err := json.Unmarshal(call.Parameters, &params); err != nil {
				s.logger.Warn("convai: bad tool parameters", zap.String("tool", call.ToolName), zap.Error(err))
			}
		}
		out, err := fn(s.ctx, params)
		if err != nil {
			res.Result, res.IsError = err.Error(), true
		} else {
			res.Result = out
		}
	}
	if err := s.write(res); err != nil {
		s.logger.Warn("convai: tool result not sent", zap.String("tool", call.ToolName), zap.Error(err))
	}
}

// markPlaying extends the agent's speaking window by the chunk's playback length.
func (s *conversation) markPlaying(b64 string) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return
	}
	dur := time.Duration(len(raw)/2) * time.Second / time.Duration(s.sampleRate)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	if s.playUntil.Before(now) {
		s.playUntil = now
	}
	s.playUntil = s.playUntil.Add(dur)
	wait := time.Until(s.playUntil)
	if s.quietTmr == nil {
		s.quietTmr = time.AfterFunc(wait, func() { s.setSpeaking(false) })
	} else {
		s.quietTmr.Stop()
		s.quietTmr.Reset(wait)
	}
	s.mu.Unlock()
	s.setSpeaking(true)
}

func (s *conversation) setSpeaking(on bool) {
	s.mu.Lock()
	if s.speaking == on || (on && s.closed) {
		s.mu.Unlock()
		return
	}
	s.speaking = on
	if !on {
		s.playUntil = time.Time{}
	}
	s.mu.Unlock()
	if s.handlers.OnModeChange != nil {
		s.handlers.OnModeChange(on)
	}
}
