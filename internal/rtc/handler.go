package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chadiek/call-capture/internal/agent"
	"github.com/chadiek/call-capture/internal/capture"
	"github.com/chadiek/call-capture/internal/convai"
	"github.com/chadiek/call-capture/internal/metrics"
	"github.com/chadiek/call-capture/internal/permission"
	"github.com/chadiek/call-capture/pkg/logging"
)

const (
	authTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
	maxFrameSize = 1 << 20
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Options configure every call served by a Handler.
type Options struct {
	AuthPassword     string
	Agent            agent.Config
	CaptureTimeout   time.Duration
	AllowAgentCancel bool
	WebhookOrigins   []capture.Origin
}

// Handler bridges a page's WebSocket to one call controller per connection.
type Handler struct {
	opts     Options
	voice    agent.Voice
	notifier capture.Notifier
	logger   *zap.Logger
	metrics  *metrics.CallMetrics

	mu     sync.Mutex
	calls  map[*call]struct{}
	closed bool
	active sync.WaitGroup
}

// NewHandler returns a Handler. notifier, logger and m may be nil.
func NewHandler(opts Options, voice agent.Voice, notifier capture.Notifier, logger *zap.Logger, m *metrics.CallMetrics) *Handler {
	return &Handler{
		opts:     opts,
		voice:    voice,
		notifier: notifier,
		logger:   logging.OrNop(logger),
		metrics:  m,
		calls:    make(map[*call]struct{}),
	}
}

// ServeWebSocket upgrades the request and runs the call until the page leaves.
// When authenticated is false and a password is configured, the first frame must be auth.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request, authenticated bool) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.active.Add(1)
	h.mu.Unlock()
	defer h.active.Done()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade error", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(maxFrameSize)

	c := h.newCall(conn)
	if !h.track(c) {
		c.cancel()
		return
	}
	defer h.untrack(c)
	if h.opts.AuthPassword != "" && !authenticated {
		if err := c.awaitAuth(h.opts.AuthPassword); err != nil {
			c.logger.Info("call rejected", zap.Error(err))
			_ = c.send(serverFrame{Type: typeError, Code: codeUnauthorized, Error: err.Error()})
			return
		}
	}
	c.run()
}

// Close ends every live call and waits for their handlers to return.
// New connections are refused afterwards.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	live := make([]*call, 0, len(h.calls))
	for c := range h.calls {
		live = append(live, c)
	}
	h.mu.Unlock()

	for _, c := range live {
		c.close()
	}
	h.active.Wait()
}

func (h *Handler) track(c *call) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.calls[c] = struct{}{}
	return true
}

func (h *Handler) untrack(c *call) {
	h.mu.Lock()
	delete(h.calls, c)
	h.mu.Unlock()
}

type call struct {
	id     string
	conn   *websocket.Conn
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex

	platform *browserPlatform
	gate     *permission.Gate
	slot     *capture.Slot
	ctrl     *agent.Controller
}

func (h *Handler) newCall(conn *websocket.Conn) *call {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	logger := h.logger.With(zap.String("call_id", id))
	c := &call{id: id, conn: conn, logger: logger, ctx: ctx, cancel: cancel}

	c.platform = newBrowserPlatform(c.send, ctx.Done())
	c.gate = permission.NewGate(c.platform, logger)

	slotOpts := []capture.Option{
		capture.WithDefaultTimeout(h.opts.CaptureTimeout),
		capture.WithAgentCancel(h.opts.AllowAgentCancel),
		capture.WithLogger(logger),
		capture.WithMetrics(h.metrics),
	}
	if h.notifier != nil {
		slotOpts = append(slotOpts, capture.WithNotifier(h.notifier, h.opts.WebhookOrigins...))
	}
	c.slot = capture.NewSlot(slotOpts...)

	c.ctrl = agent.NewController(h.opts.Agent, h.voice, c.gate, c.slot, agent.Events{
		OnMessage: func(m convai.Message) {
			_ = c.send(serverFrame{Type: typeAgentMessage, Message: &m})
		},
		OnAudio: func(b64 string) {
			_ = c.send(serverFrame{Type: typeAudio, Audio: b64})
		},
		OnInterruption: func() {
			_ = c.send(serverFrame{Type: typeInterruption})
		},
	}, logger, h.metrics)

	c.ctrl.OnChange(func(s agent.Snapshot) { c.sendState(s, c.gate.State()) })
	c.gate.OnChange(func(st permission.State) { c.sendState(c.ctrl.Snapshot(), st) })
	c.slot.OnChange(func(v capture.View) {
		_ = c.send(serverFrame{Type: typeCapture, Capture: &v})
	})
	return c
}

func (c *call) awaitAuth(password string) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()

	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return errors.New("auth required")
	}
	if mt != websocket.TextMessage {
		return errors.New("invalid auth frame")
	}
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil || strings.ToLower(f.Type) != typeAuth || f.Password != password {
		return errors.New("unauthorized")
	}
	return nil
}

func (c *call) run() {
	c.logger.Info("page connected")
	defer c.shutdown()

	c.sendState(c.ctrl.Snapshot(), c.gate.State())
	c.goSafe("permission check", func() { c.gate.CheckInitial(c.ctx) })

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("ws read ended", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Debug("ignoring malformed frame", zap.Error(err))
			continue
		}
		if !c.dispatch(f) {
			return
		}
	}
}

// dispatch handles one page frame. It returns false when the page said goodbye.
func (c *call) dispatch(f clientFrame) bool {
	switch strings.ToLower(f.Type) {
	case typeStart:
		c.goSafe("start", c.start)
	case typeEnd:
		c.goSafe("end", func() {
			if err := c.ctrl.End(); err != nil {
				c.logger.Warn("end call", zap.Error(err))
			}
		})
	case typePermission, typeMicResult:
		c.platform.deliver(f)
	case typeEmailSubmit:
		if err := c.slot.Submit(f.Email); errors.Is(err, capture.ErrNoPendingRequest) {
			c.logger.Debug("email submitted with no pending request")
		}
	case typeEmailCancel:
		if err := c.slot.Cancel(); err != nil {
			c.logger.Debug("email cancel ignored", zap.Error(err))
		}
	case typeAudio:
		if f.Audio == "" {
			return true
		}
		if err := c.ctrl.SendAudio(f.Audio); err != nil && !errors.Is(err, agent.ErrNotConnected) {
			c.logger.Debug("audio not forwarded", zap.Error(err))
		}
	case typeAuth:
		// already authenticated
	case typeBye:
		return false
	default:
		c.logger.Debug("unknown frame type", zap.String("type", f.Type))
	}
	return true
}

func (c *call) start() {
	err := c.ctrl.Start(c.ctx)
	if err == nil || errors.Is(err, agent.ErrSessionEnded) || c.ctx.Err() != nil {
		return
	}
	_ = c.send(serverFrame{Type: typeError, Code: errorCode(err), Error: err.Error()})
}

func errorCode(err error) string {
	var ce *agent.Error
	switch {
	case errors.As(err, &ce):
		return string(ce.Kind)
	case errors.Is(err, agent.ErrAlreadyActive):
		return "already_active"
	default:
		return string(agent.KindTransport)
	}
}

func (c *call) shutdown() {
	c.cancel()
	if err := c.ctrl.End(); err != nil {
		c.logger.Debug("close agent session", zap.Error(err))
	}
	c.gate.Close()
	c.wg.Wait()
	c.logger.Info("page disconnected")
}

// close ends the call on server shutdown. The read loop then exits and runs shutdown.
func (c *call) close() {
	c.cancel()
	if err := c.ctrl.End(); err != nil {
		c.logger.Debug("close agent session", zap.Error(err))
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(writeTimeout))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

func (c *call) goSafe(name string, fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("recovered from panic", zap.String("task", name), zap.Any("panic", r))
			}
		}()
		fn()
	}()
}

func (c *call) sendState(s agent.Snapshot, st permission.State) {
	_ = c.send(serverFrame{Type: typeState, Call: &s, Permission: st})
}

func (c *call) send(f serverFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(f)
}
