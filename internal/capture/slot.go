package capture

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chadiek/call-capture/internal/metrics"
	"github.com/chadiek/call-capture/pkg/logging"
)

// DefaultTimeout bounds a request opened without an explicit timeout.
const DefaultTimeout = 120 * time.Second

// request is the single pending ask for an email.
type request struct {
	prompt   string
	origin   Origin
	deadline time.Time
	timer    *time.Timer
	future   *Future
	err      string
}

// Slot holds at most one pending capture request.
type Slot struct {
	// emitMu is held from taking a view until every listener has seen it,
	// so listeners observe views in the order the slot changed.
	emitMu sync.Mutex

	mu               sync.Mutex
	pending          *request
	listeners        []func(View)
	defaultTimeout   time.Duration
	allowAgentCancel bool
	notifyOrigins    map[Origin]bool
	notifier         Notifier
	logger           *zap.Logger
	metrics          *metrics.CallMetrics
}

// Option configures a Slot.
type Option func(*Slot)

// WithDefaultTimeout sets the deadline used when Open is given a non-positive timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Slot) {
		if d > 0 {
			s.defaultTimeout = d
		}
	}
}

// WithAgentCancel controls whether the user may cancel agent-tool requests.
func WithAgentCancel(allowed bool) Option {
	return func(s *Slot) { s.allowAgentCancel = allowed }
}

// WithNotifier delivers successful captures from the given origins.
// With no origins, only auto-triggered captures are delivered.
func WithNotifier(n Notifier, origins ...Origin) Option {
	return func(s *Slot) {
		s.notifier = n
		if len(origins) == 0 {
			origins = []Origin{OriginAutoTrigger}
		}
		s.notifyOrigins = make(map[Origin]bool, len(origins))
		for _, o := range origins {
			s.notifyOrigins[o] = true
		}
	}
}

// WithLogger logs request lifecycle events to l.
func WithLogger(l *zap.Logger) Option {
	return func(s *Slot) { s.logger = logging.OrNop(l) }
}

// WithMetrics records capture outcomes. A nil m is ignored.
func WithMetrics(m *metrics.CallMetrics) Option {
	return func(s *Slot) { s.metrics = m }
}

// NewSlot returns an empty slot. Agent-tool cancel is allowed and only
// auto-triggered captures are delivered unless options say otherwise.
func NewSlot(opts ...Option) *Slot {
	s := &Slot{
		defaultTimeout:   DefaultTimeout,
		allowAgentCancel: true,
		notifyOrigins:    map[Origin]bool{OriginAutoTrigger: true},
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnChange registers fn to receive the view after every open/close/error change.
func (s *Slot) OnChange(fn func(View)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Open installs a new request, superseding any pending one, and returns its future.
func (s *Slot) Open(prompt string, origin Origin, timeout time.Duration) *Future {
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	req := &request{
		prompt:   prompt,
		origin:   origin,
		deadline: time.Now().Add(timeout),
		future:   newFuture(),
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	if old := s.pending; old != nil {
		s.settleLocked(old, failed(ReasonSuperseded))
	}
	s.pending = req
	req.timer = time.AfterFunc(timeout, func() { s.expire(req) })
	view, listeners := s.viewLocked(), s.listenersLocked()
	s.mu.Unlock()

	s.logger.Info("capture opened", zap.String("origin", string(origin)), zap.Duration("timeout", timeout))
	emit(listeners, view)
	return req.future
}

// Submit validates the email and resolves the pending request on success.
// Validation errors leave the request open with an inline error.
func (s *Slot) Submit(raw string) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	req := s.pending
	if req == nil {
		s.mu.Unlock()
		return ErrNoPendingRequest
	}
	email, err := NormalizeEmail(raw)
	if err != nil {
		req.err = err.Error()
		view, listeners := s.viewLocked(), s.listenersLocked()
		s.mu.Unlock()
		emit(listeners, view)
		return err
	}
	s.settleLocked(req, succeeded(email))
	deliver := s.notifier != nil && s.notifyOrigins[req.origin]
	view, listeners := s.viewLocked(), s.listenersLocked()
	s.mu.Unlock()

	if deliver {
		s.notifier.Notify(email)
	}
	emit(listeners, view)
	return nil
}

// Cancel resolves the pending request as cancelled.
func (s *Slot) Cancel() error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	req := s.pending
	if req == nil {
		s.mu.Unlock()
		return ErrNoPendingRequest
	}
	if req.origin == OriginAgentTool && !s.allowAgentCancel {
		s.mu.Unlock()
		return ErrCancelNotAllowed
	}
	s.settleLocked(req, failed(ReasonCancelled))
	view, listeners := s.viewLocked(), s.listenersLocked()
	s.mu.Unlock()

	emit(listeners, view)
	return nil
}

// Abort resolves whatever is pending with reason. It reports whether a request was pending.
func (s *Slot) Abort(reason string) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	req := s.pending
	if req == nil {
		s.mu.Unlock()
		return false
	}
	s.settleLocked(req, failed(reason))
	view, listeners := s.viewLocked(), s.listenersLocked()
	s.mu.Unlock()

	emit(listeners, view)
	return true
}

// View returns the current form state.
func (s *Slot) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Slot) expire(req *request) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	if s.pending != req {
		s.mu.Unlock()
		return
	}
	s.settleLocked(req, failed(ReasonTimeout))
	view, listeners := s.viewLocked(), s.listenersLocked()
	s.mu.Unlock()

	emit(listeners, view)
}

// settleLocked resolves req and clears the slot if req is the pending one.
func (s *Slot) settleLocked(req *request, r Result) {
	if req.timer != nil {
		req.timer.Stop()
	}
	if s.pending == req {
		s.pending = nil
	}
	if !req.future.resolve(r) {
		return
	}
	outcome := "success"
	if !r.Success {
		outcome = r.Reason
	}
	s.metrics.ObserveCapture(string(req.origin), outcome)
	s.logger.Info("capture resolved",
		zap.String("origin", string(req.origin)),
		zap.Bool("success", r.Success),
		zap.String("reason", r.Reason))
}

func (s *Slot) viewLocked() View {
	req := s.pending
	if req == nil {
		return View{}
	}
	return View{
		Open:      true,
		Prompt:    req.prompt,
		Origin:    req.origin,
		Error:     req.err,
		Deadline:  req.deadline,
		CanCancel: req.origin != OriginAgentTool || s.allowAgentCancel,
	}
}

func (s *Slot) listenersLocked() []func(View) {
	return append([]func(View){}, s.listeners...)
}

func emit(listeners []func(View), v View) {
	for _, fn := range listeners {
		fn(v)
	}
}
