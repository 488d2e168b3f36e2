package rtc

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/chadiek/call-capture/internal/permission"
)

var (
	errConnectionClosed = errors.New("rtc: connection closed")
	errMicUnavailable   = errors.New("rtc: microphone unavailable")
)

// browserPlatform asks the page about microphone permission. Each question carries an id
// and the page answers with a frame echoing it.
type browserPlatform struct {
	send func(serverFrame) error
	done <-chan struct{}

	mu       sync.Mutex
	pending  map[string]chan clientFrame
	onChange func(permission.State)
}

func newBrowserPlatform(send func(serverFrame) error, done <-chan struct{}) *browserPlatform {
	return &browserPlatform{send: send, done: done, pending: map[string]chan clientFrame{}}
}

func (p *browserPlatform) Query(ctx context.Context) (permission.State, error) {
	reply, err := p.ask(ctx, serverFrame{Type: typePermissionQuery})
	if err != nil {
		return permission.StateUnknown, err
	}
	return permission.ParseState(reply.State), nil
}

func (p *browserPlatform) Subscribe(fn func(permission.State)) (func(), error) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.onChange = nil
		p.mu.Unlock()
	}, nil
}

func (p *browserPlatform) Acquire(ctx context.Context) (io.Closer, error) {
	reply, err := p.ask(ctx, serverFrame{Type: typeMicRequest})
	if err != nil {
		return nil, err
	}
	if !reply.OK {
		if reply.Error != "" {
			return nil, errors.New(reply.Error)
		}
		return nil, errMicUnavailable
	}
	return micStream{id: reply.ID, send: p.send}, nil
}

func (p *browserPlatform) ask(ctx context.Context, f serverFrame) (clientFrame, error) {
	f.ID = uuid.NewString()
	ch := make(chan clientFrame, 1)
	p.mu.Lock()
	p.pending[f.ID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, f.ID)
		p.mu.Unlock()
	}()

	if err := p.send(f); err != nil {
		return clientFrame{}, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return clientFrame{}, ctx.Err()
	case <-p.done:
		return clientFrame{}, errConnectionClosed
	}
}

// deliver routes a permission or mic_result frame. Frames without an id are change notifications.
func (p *browserPlatform) deliver(f clientFrame) {
	p.mu.Lock()
	if f.ID == "" {
		fn := p.onChange
		p.mu.Unlock()
		if fn != nil && f.Type == typePermission {
			fn(permission.ParseState(f.State))
		}
		return
	}
	ch, ok := p.pending[f.ID]
	p.mu.Unlock()
	if ok {
		select {
		case ch <- f:
		default:
		}
	}
}

// micStream stands for the page's open microphone; closing it tells the page to stop the tracks.
type micStream struct {
	id   string
	send func(serverFrame) error
}

func (m micStream) Close() error {
	return m.send(serverFrame{Type: typeMicRelease, ID: m.id})
}
