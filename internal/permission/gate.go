package permission

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/chadiek/call-capture/pkg/logging"
)

// State mirrors the platform's microphone permission.
type State string

const (
	StateUnknown State = "unknown"
	StateGranted State = "granted"
	StateDenied  State = "denied"
)

// ParseState maps platform tokens onto State. "prompt" and anything unrecognised are unknown.
func ParseState(s string) State {
	switch State(s) {
	case StateGranted:
		return StateGranted
	case StateDenied:
		return StateDenied
	default:
		return StateUnknown
	}
}

// Platform is the microphone permission boundary.
type Platform interface {
	// Query reports the current permission without prompting.
	Query(ctx context.Context) (State, error)
	// Subscribe delivers out-of-band permission changes until unsubscribe is called.
	Subscribe(fn func(State)) (unsubscribe func(), err error)
	// Acquire prompts for microphone access and returns the opened stream.
	Acquire(ctx context.Context) (io.Closer, error)
}

// Gate tracks microphone permission and collapses concurrent prompts.
type Gate struct {
	platform Platform
	logger   *zap.Logger
	group    singleflight.Group

	// emitMu orders listener delivery to match state changes
	emitMu sync.Mutex

	mu          sync.Mutex
	state       State
	unsubscribe func()
	listeners   []func(State)
}

func NewGate(p Platform, logger *zap.Logger) *Gate {
	return &Gate{platform: p, logger: logging.OrNop(logger), state: StateUnknown}
}

// State returns the last known permission.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// OnChange registers fn for every state change.
func (g *Gate) OnChange(fn func(State)) {
	g.mu.Lock()
	g.listeners = append(g.listeners, fn)
	g.mu.Unlock()
}

// CheckInitial queries the platform and subscribes to later changes.
// Failures are logged and leave the state unknown.
func (g *Gate) CheckInitial(ctx context.Context) State {
	st, err := g.platform.Query(ctx)
	if err != nil {
		g.logger.Warn("permission query failed", zap.Error(err))
		g.set(StateUnknown)
		return StateUnknown
	}
	g.set(st)

	unsubscribe, err := g.platform.Subscribe(g.set)
	if err != nil {
		g.logger.Warn("permission subscribe failed", zap.Error(err))
		return st
	}
	g.mu.Lock()
	prev := g.unsubscribe
	g.unsubscribe = unsubscribe
	g.mu.Unlock()
	if prev != nil {
		prev()
	}
	return st
}

// Request prompts for microphone access. Concurrent callers share one prompt.
func (g *Gate) Request(ctx context.Context) State {
	ch := g.group.DoChan("request", func() (any, error) {
		return g.prompt(context.WithoutCancel(ctx)), nil
	})
	select {
	case res := <-ch:
		return res.Val.(State)
	case <-ctx.Done():
		return g.State()
	}
}

func (g *Gate) prompt(ctx context.Context) State {
	stream, err := g.platform.Acquire(ctx)
	if err != nil {
		g.logger.Info("microphone access denied", zap.Error(err))
		g.set(StateDenied)
		return StateDenied
	}
	if stream != nil {
		if cerr := stream.Close(); cerr != nil {
			g.logger.Warn("microphone release failed", zap.Error(cerr))
		}
	}
	g.set(StateGranted)
	return StateGranted
}

// Close drops the change subscription.
func (g *Gate) Close() {
	g.mu.Lock()
	unsubscribe := g.unsubscribe
	g.unsubscribe = nil
	g.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (g *Gate) set(st State) {
	g.emitMu.Lock()
	defer g.emitMu.Unlock()
	g.mu.Lock()
	if g.state == st {
		g.mu.Unlock()
		return
	}
	g.state = st
	listeners := append([]func(State){}, g.listeners...)
	g.mu.Unlock()

	g.logger.Debug("permission changed", zap.String("state", string(st)))
	for _, fn := range listeners {
		fn(st)
	}
}
