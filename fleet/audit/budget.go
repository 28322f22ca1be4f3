package audit

import (
	"context"
	"sync"
)

// AsyncInt is an integer whose waiters are woken on every change, used for
// the per-audit concurrent-task budget.
type AsyncInt struct {
	mu sync.Mutex
	v  int
	ch chan struct{}
}

func NewAsyncInt(v int) *AsyncInt {
	return &AsyncInt{v: v, ch: make(chan struct{})}
}

func (a *AsyncInt) Get() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

func (a *AsyncInt) Set(v int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v == a.v {
		return
	}
	a.v = v
	close(a.ch)
	a.ch = make(chan struct{})
}

func (a *AsyncInt) Add(delta int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.v += delta
	close(a.ch)
	a.ch = make(chan struct{})
	return a.v
}

// Acquire decrements the value once it is above zero. The check and the
// decrement happen under one lock, so concurrent acquirers can never drive
// the value negative; while it is zero, Acquire sleeps on the change
// signal.
func (a *AsyncInt) Acquire(ctx context.Context) error {
	for {
		a.mu.Lock()
		if a.v > 0 {
			a.v--
			close(a.ch)
			a.ch = make(chan struct{})
			a.mu.Unlock()
			return nil
		}
		ch := a.ch
		a.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// OnChange returns a channel closed at the next change.
func (a *AsyncInt) OnChange() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ch
}
