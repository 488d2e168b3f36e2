package capture

import (
	"context"
	"sync"
)

// Future is the caller's handle on a capture request. It resolves exactly once.
type Future struct {
	once   sync.Once
	done   chan struct{}
	result Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve reports whether this call was the one that settled the future.
func (f *Future) resolve(r Result) bool {
	settled := false
	f.once.Do(func() {
		f.result = r
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome without blocking; ok is false while pending.
func (f *Future) Result() (Result, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
