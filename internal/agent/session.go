package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/chadiek/call-capture/internal/capture"
	"github.com/chadiek/call-capture/internal/convai"
	"github.com/chadiek/call-capture/internal/metrics"
	"github.com/chadiek/call-capture/internal/permission"
	"github.com/chadiek/call-capture/pkg/logging"
)

// Controller owns the lifecycle of a single voice call.
type Controller struct {
	cfg     Config
	voice   Voice
	gate    PermissionGate
	slot    CaptureSlot
	events  Events
	logger  *zap.Logger
	metrics *metrics.CallMetrics

	// opMu serializes Start and End
	opMu       sync.Mutex
	configOnce sync.Once
	// emitMu is held from a state change until listeners have seen its snapshot
	emitMu sync.Mutex

	mu             sync.Mutex
	status         Status
	speaking       bool
	attempt        int
	conversationID string
	connectedAt    time.Time
	session        convai.Session
	// gen identifies the current connect attempt; callbacks from older attempts are dropped
	gen        uint64
	droppedGen uint64
	// starting is set while a Start is in flight; startCancel aborts its prompt or connect
	starting    bool
	startCancel context.CancelFunc
	autoTimer   *time.Timer
	autoFired   bool
	listeners   []func(Snapshot)
}

// NewController wires a controller. events may be zero.
func NewController(cfg Config, voice Voice, gate PermissionGate, slot CaptureSlot, events Events, logger *zap.Logger, m *metrics.CallMetrics) *Controller {
	return &Controller{
		cfg:     cfg.withDefaults(),
		voice:   voice,
		gate:    gate,
		slot:    slot,
		events:  events,
		logger:  logging.OrNop(logger),
		metrics: m,
		status:  StatusIdle,
	}
}

// OnChange registers fn for every snapshot change.
func (c *Controller) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Snapshot returns the current call state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Start connects to the agent, prompting for microphone access first when needed.
// It blocks until the call is connected or has failed terminally. End aborts it
// at any point, including while the microphone prompt is open.
func (c *Controller) Start(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.AgentID) == "" {
		c.configOnce.Do(func() {
			c.logger.Error("AGENT_ID not set - calls cannot start")
		})
		return &Error{Kind: KindConfiguration, Err: ErrAgentNotConfigured}
	}

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.starting {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	c.starting = true
	c.startCancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.starting = false
		c.startCancel = nil
		c.mu.Unlock()
	}()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	// opMu is held, so nothing else can move the call into connecting or connected.
	c.mu.Lock()
	active := c.status == StatusConnecting || c.status == StatusConnected
	c.mu.Unlock()
	if active {
		return ErrAlreadyActive
	}
	if startCtx.Err() != nil {
		return ended(ctx)
	}

	if c.gate.State() != permission.StateGranted {
		st := c.gate.Request(startCtx)
		if startCtx.Err() != nil {
			c.logger.Info("call ended during microphone prompt")
			return ended(ctx)
		}
		if st != permission.StateGranted {
			c.logger.Info("call not started: microphone permission denied")
			return &Error{Kind: KindPermissionDenied, Err: ErrPermissionDenied}
		}
	}

	var (
		sess     convai.Session
		gen      uint64
		attempts int
		lastKind = KindTransport
	)
	backoff := retry.WithMaxRetries(uint64(c.cfg.MaxRetries), retry.NewConstant(c.cfg.RetryBackoff))
	err := retry.Do(startCtx, backoff, func(ctx context.Context) error {
		attempts++
		c.update(func() {
			c.gen++
			gen = c.gen
			c.attempt = attempts - 1
			c.status = StatusConnecting
		})

		s, err := c.connect(ctx, gen)
		if err != nil {
			lastKind = classify(ctx, err)
			c.metrics.ObserveConnectAttempt("failure")
			c.logger.Warn("connect attempt failed",
				zap.Int("attempt", attempts),
				zap.String("kind", string(lastKind)),
				zap.Error(err))
			c.update(func() { c.status = StatusDisconnected })
			return retry.RetryableError(err)
		}
		sess = s
		return nil
	})

	if err != nil {
		c.update(func() {
			c.status = StatusIdle
			c.attempt = 0
		})
		if startCtx.Err() != nil {
			return ended(ctx)
		}
		c.logger.Error("call failed to connect", zap.Int("attempts", attempts), zap.Error(err))
		return &Error{Kind: lastKind, Attempts: attempts, Err: err}
	}

	c.emitMu.Lock()
	c.mu.Lock()
	if c.droppedGen == gen {
		// the remote side hung up before the handshake was recorded
		c.status = StatusDisconnected
		c.attempt = 0
		snap, listeners := c.snapshotLocked(), c.listenersLocked()
		c.mu.Unlock()
		emit(listeners, snap)
		c.emitMu.Unlock()
		_ = sess.Close()
		return &Error{Kind: KindTransport, Attempts: attempts, Err: errors.New("disconnected during handshake")}
	}
	c.session = sess
	c.status = StatusConnected
	c.attempt = 0
	c.conversationID = sess.ID()
	c.connectedAt = time.Now()
	c.autoFired = false
	if c.cfg.AutoTriggerEnabled {
		c.autoTimer = time.AfterFunc(c.cfg.AutoTriggerDelay, func() { c.autoTrigger(gen) })
	}
	snap, listeners := c.snapshotLocked(), c.listenersLocked()
	c.mu.Unlock()
	emit(listeners, snap)
	c.emitMu.Unlock()

	c.metrics.ObserveConnectAttempt("success")
	c.metrics.SessionStarted()
	c.logger.Info("call connected", zap.String("conversation_id", snap.ConversationID), zap.Int("attempts", attempts))
	return nil
}

// ended is the error Start returns when it was aborted by End or by its caller.
func ended(parent context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return ErrSessionEnded
}

// End hangs up. It aborts an in-flight Start and resolves any pending capture.
func (c *Controller) End() error {
	c.mu.Lock()
	if c.startCancel != nil {
		c.startCancel()
	}
	c.mu.Unlock()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.emitMu.Lock()
	c.mu.Lock()
	wasConnected := c.status == StatusConnected
	sess := c.teardownLocked()
	if wasConnected {
		c.status = StatusDisconnected
	} else if c.status != StatusDisconnected {
		c.status = StatusIdle
	}
	snap, listeners := c.snapshotLocked(), c.listenersLocked()
	c.mu.Unlock()

	if c.slot.Abort(capture.ReasonConnectionLost) {
		c.logger.Info("pending capture resolved on hang up")
	}
	emit(listeners, snap)
	c.emitMu.Unlock()

	var err error
	if sess != nil {
		err = sess.Close()
	}
	if wasConnected {
		c.metrics.SessionEnded()
		c.logger.Info("call ended by user")
	}
	return err
}

// SendAudio forwards a base64 PCM16 microphone chunk to the agent.
func (c *Controller) SendAudio(b64 string) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.SendUserAudio(b64)
}

func (c *Controller) connect(ctx context.Context, gen uint64) (convai.Session, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	return c.voice.StartSession(attemptCtx, convai.SessionConfig{
		AgentID:   c.cfg.AgentID,
		Transport: c.cfg.Transport,
		Tools:     map[string]convai.ToolFunc{c.cfg.ToolName: c.captureEmail},
		Handlers: convai.Handlers{
			OnMessage:      c.events.OnMessage,
			OnAudio:        c.events.OnAudio,
			OnInterruption: c.events.OnInterruption,
			OnModeChange:   func(on bool) { c.handleMode(gen, on) },
			OnDisconnect:   func(err error) { c.handleDisconnect(gen, err) },
			OnError: func(err error) {
				c.logger.Warn("agent session error", zap.Error(err))
			},
		},
	})
}

// classify maps a failed attempt to its error kind. ctx is the retry loop's context.
func classify(ctx context.Context, err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return KindConnectTimeout
	}
	return KindTransport
}

// captureEmail is the client tool the remote agent calls to ask for an email.
func (c *Controller) captureEmail(ctx context.Context, params map[string]any) (string, error) {
	prompt, _ := params["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		prompt = c.cfg.ToolPrompt
	}
	fut := c.slot.Open(prompt, capture.OriginAgentTool, c.cfg.ToolTimeout)
	res, err := fut.Wait(ctx)
	if err != nil {
		c.metrics.ObserveToolCall(c.cfg.ToolName, "aborted")
		return "", errors.New(capture.ReasonConnectionLost)
	}
	if !res.Success {
		c.metrics.ObserveToolCall(c.cfg.ToolName, res.Reason)
		return "", errors.New(res.Reason)
	}
	c.metrics.ObserveToolCall(c.cfg.ToolName, "ok")
	return res.Email, nil
}

func (c *Controller) autoTrigger(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.status != StatusConnected || c.autoFired {
		c.mu.Unlock()
		return
	}
	c.autoFired = true
	c.mu.Unlock()

	fut := c.slot.Open(c.cfg.AutoTriggerPrompt, capture.OriginAutoTrigger, c.cfg.CaptureTimeout)
	go func() {
		<-fut.Done()
		res, _ := fut.Result()
		c.logger.Info("auto capture finished", zap.Bool("success", res.Success), zap.String("reason", res.Reason))
	}()
}

func (c *Controller) handleMode(gen uint64, speaking bool) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	if c.gen != gen || c.status != StatusConnected || c.speaking == speaking {
		c.mu.Unlock()
		return
	}
	c.speaking = speaking
	snap, listeners := c.snapshotLocked(), c.listenersLocked()
	c.mu.Unlock()
	emit(listeners, snap)
}

func (c *Controller) handleDisconnect(gen uint64, err error) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if c.status != StatusConnected {
		c.droppedGen = gen
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.status = StatusDisconnected
	snap, listeners := c.snapshotLocked(), c.listenersLocked()
	c.mu.Unlock()

	c.slot.Abort(capture.ReasonConnectionLost)
	c.metrics.SessionEnded()
	c.logger.Info("call disconnected by remote", zap.Error(err))
	emit(listeners, snap)
}

// teardownLocked drops the current session and its timers and returns the session to close.
func (c *Controller) teardownLocked() convai.Session {
	c.gen++
	sess := c.session
	c.session = nil
	if c.autoTimer != nil {
		c.autoTimer.Stop()
		c.autoTimer = nil
	}
	c.speaking = false
	c.attempt = 0
	c.conversationID = ""
	c.connectedAt = time.Time{}
	return sess
}

// update applies fn under mu and delivers the resulting snapshot before
// another change can be delivered.
func (c *Controller) update(fn func()) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	fn()
	snap, listeners := c.snapshotLocked(), c.listenersLocked()
	c.mu.Unlock()
	emit(listeners, snap)
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Status:         c.status,
		Speaking:       c.speaking,
		Attempt:        c.attempt,
		ConversationID: c.conversationID,
		ConnectedAt:    c.connectedAt,
	}
}

func (c *Controller) listenersLocked() []func(Snapshot) {
	return append([]func(Snapshot){}, c.listeners...)
}

func emit(listeners []func(Snapshot), snap Snapshot) {
	for _, fn := range listeners {
		fn(snap)
	}
}
