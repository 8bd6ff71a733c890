package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle of a submitted task.
type State int32

const (
	StateQueued State = iota
	StateRunning
	StateDone
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Func is the body of a task. It must return promptly once ctx is done.
type Func func(ctx context.Context) error

// Handle tracks one submitted task. All methods are safe for concurrent use.
type Handle struct {
	id   string
	name string
	fn   Func

	ctx    context.Context
	cancel context.CancelFunc

	state    atomic.Int32
	done     chan struct{}
	doneOnce sync.Once
	onFinish func(*Handle)

	mu         sync.Mutex
	err        error
	enqueuedAt time.Time
	startedAt  time.Time
	finishedAt time.Time
}

func (h *Handle) ID() string   { return h.id }
func (h *Handle) Name() string { return h.name }

func (h *Handle) State() State { return State(h.state.Load()) }

// Cancel requests cooperative cancellation. A task that has not started yet
// is completed as cancelled on the spot; a running task sees its context
// cancelled and is done once its body returns.
func (h *Handle) Cancel() {
	h.cancel()
	if h.state.CompareAndSwap(int32(StateQueued), int32(StateCancelled)) {
		h.finish(context.Canceled)
	}
}

// Done reports whether the task has returned or was cancelled before it ran.
func (h *Handle) Done() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Cancelled reports whether the task ended because of cancellation.
func (h *Handle) Cancelled() bool { return h.State() == StateCancelled }

// DoneCh is closed when the task is done.
func (h *Handle) DoneCh() <-chan struct{} { return h.done }

// Wait blocks until the task is done or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err is the error the task body returned (or its recovered panic).
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) markStarted(now time.Time) bool {
	if !h.state.CompareAndSwap(int32(StateQueued), int32(StateRunning)) {
		return false
	}
	h.mu.Lock()
	h.startedAt = now
	h.mu.Unlock()
	return true
}

func (h *Handle) complete(err error) {
	next := StateDone
	if h.ctx.Err() != nil {
		next = StateCancelled
	}
	h.state.Store(int32(next))
	h.finish(err)
}

func (h *Handle) finish(err error) {
	h.doneOnce.Do(func() {
		h.mu.Lock()
		h.err = err
		h.finishedAt = time.Now()
		h.mu.Unlock()
		h.cancel()
		if h.onFinish != nil {
			h.onFinish(h)
		}
		close(h.done)
	})
}

func (h *Handle) times() (enqueued, started, finished time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enqueuedAt, h.startedAt, h.finishedAt
}
