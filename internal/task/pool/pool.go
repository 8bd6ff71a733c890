package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	rtsup "traversald/internal/runtime/supervisor"
	logx "traversald/pkg/logx"
)

var (
	ErrStopped         = errors.New("worker pool stopped")
	ErrQueueFull       = errors.New("worker pool queue full")
	ErrShutdownTimeout = errors.New("worker pool shutdown timed out")
)

// Config controls the worker pool.
type Config struct {
	Workers     int
	QueueSize   int
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type HistoryItem struct {
	ID         string
	Name       string
	State      State
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers   int
	QueueLen  int
	QueueCap  int
	InFlight  int
	Live      int
	Submitted uint64
	Completed uint64
	Cancelled uint64
	Failed    uint64
	Rejected  uint64
	Closed    bool
	History   []HistoryItem
}

// Pool is a bounded executor. Submit never blocks; tasks wait in a bounded
// queue until one of Workers goroutines picks them up.
type Pool struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	q       chan *Handle
	sup     *rtsup.Supervisor
	live    map[string]*Handle
	// base parents every task context. It is independent from the
	// supervisor so that stopping workers never interrupts a task by itself.
	base       context.Context
	cancelBase context.CancelFunc

	tasks sync.WaitGroup

	inFlight  atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	cancelled atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:        cfg.withDefaults(),
		log:        log.With(logx.String("comp", "pool")),
		live:       map[string]*Handle{},
		base:       base,
		cancelBase: cancel,
	}
}

// Start launches the workers. It is idempotent and a no-op after Shutdown.
func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.q = make(chan *Handle, p.cfg.QueueSize)
	p.sup = rtsup.New(ctx, rtsup.WithLogger(p.log), rtsup.WithCancelOnError(false))
	queue, sup, workers := p.q, p.sup, p.cfg.Workers
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			p.worker(c, queue)
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	p.log.Info("worker pool started", logx.Int("workers", workers), logx.Int("queue", cap(queue)))
}

// Submit queues fn and returns its handle without blocking.
func (p *Pool) Submit(name string, fn Func) (*Handle, error) {
	if fn == nil {
		return nil, errors.New("task func is nil")
	}
	ctx, cancel := context.WithCancel(p.base)
	h := &Handle{
		id:         uuid.NewString(),
		name:       name,
		fn:         fn,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		enqueuedAt: time.Now(),
		onFinish:   p.onFinish,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.closed {
		cancel()
		p.rejected.Add(1)
		return nil, ErrStopped
	}
	p.tasks.Add(1)
	p.live[h.id] = h
	select {
	case p.q <- h:
		p.submitted.Add(1)
		return h, nil
	default:
		delete(p.live, h.id)
		p.tasks.Done()
		cancel()
		p.rejected.Add(1)
		p.log.Warn("task rejected: queue full", logx.String("task", name), logx.Int("queue_cap", cap(p.q)))
		return nil, ErrQueueFull
	}
}

// Shutdown stops accepting tasks. With interrupt set every queued and running
// task is cancelled; otherwise queued work is drained. It waits up to timeout
// and returns ErrShutdownTimeout if tasks are still running by then; the
// caller is never blocked longer than that. A timeout <= 0 does not wait at
// all. Subsequent calls return nil.
func (p *Pool) Shutdown(interrupt bool, timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sup := p.sup
	var victims []*Handle
	if interrupt {
		victims = make([]*Handle, 0, len(p.live))
		for _, h := range p.live {
			victims = append(victims, h)
		}
	}
	p.mu.Unlock()

	p.log.Info("worker pool shutdown requested", logx.Bool("interrupt", interrupt), logx.Duration("timeout", timeout))
	for _, h := range victims {
		h.Cancel()
	}

	err := p.waitDrained(timeout)

	if sup != nil {
		sup.Cancel()
	}
	// Anything still queued will never be picked up now.
	p.cancelQueued()

	if err != nil {
		p.mu.Lock()
		left := len(p.live)
		p.mu.Unlock()
		p.log.Warn("worker pool shutdown timed out", logx.Int("still_running", left))
		return err
	}
	if sup != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = sup.Wait(ctx)
		cancel()
	}
	p.cancelBase()
	p.log.Info("worker pool stopped")
	return nil
}

// waitDrained waits for every submitted task to finish, up to timeout.
func (p *Pool) waitDrained(timeout time.Duration) error {
	if timeout <= 0 {
		p.mu.Lock()
		left := len(p.live)
		p.mu.Unlock()
		if left > 0 {
			return ErrShutdownTimeout
		}
		return nil
	}

	drained := make(chan struct{})
	go func() {
		p.tasks.Wait()
		close(drained)
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-drained:
		return nil
	case <-t.C:
		return ErrShutdownTimeout
	}
}

func (p *Pool) cancelQueued() {
	p.mu.Lock()
	q := p.q
	p.mu.Unlock()
	if q == nil {
		return
	}
	for {
		select {
		case h := <-q:
			h.Cancel()
		default:
			return
		}
	}
}

func (p *Pool) worker(ctx context.Context, queue chan *Handle) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case h := <-queue:
			if h == nil || !h.markStarted(time.Now()) {
				// Cancelled while queued.
				continue
			}
			p.inFlight.Add(1)
			p.execOne(h)
			p.inFlight.Add(-1)
		}
	}
}

func (p *Pool) execOne(h *Handle) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				p.log.Error("task.panic", logx.String("task", h.name), logx.String("id", h.id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = h.fn(h.ctx)
	}()
	h.complete(err)
}

func (p *Pool) onFinish(h *Handle) {
	p.mu.Lock()
	delete(p.live, h.id)
	p.mu.Unlock()

	enq, started, finished := h.times()
	item := HistoryItem{ID: h.id, Name: h.name, State: h.State()}
	if !started.IsZero() {
		item.QueueDelay = started.Sub(enq)
		item.Duration = finished.Sub(started)
	}
	err := h.Err()
	switch {
	case item.State == StateCancelled:
		p.cancelled.Add(1)
	case err != nil:
		p.failed.Add(1)
	default:
		p.completed.Add(1)
	}
	if err != nil {
		item.Error = err.Error()
		if item.State != StateCancelled {
			p.log.Warn("task.failed", logx.String("task", h.name), logx.Err(err), logx.Duration("dur", item.Duration))
		}
	} else {
		p.log.Debug("task.completed", logx.String("task", h.name), logx.Duration("queue_delay", item.QueueDelay), logx.Duration("dur", item.Duration))
	}

	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > p.cfg.HistorySize {
		p.history = p.history[len(p.history)-p.cfg.HistorySize:]
	}
	p.hmu.Unlock()

	p.tasks.Done()
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	ql, qc := 0, 0
	if p.q != nil {
		ql, qc = len(p.q), cap(p.q)
	}
	live := len(p.live)
	closed := p.closed
	p.mu.Unlock()

	p.hmu.Lock()
	h := make([]HistoryItem, len(p.history))
	copy(h, p.history)
	p.hmu.Unlock()

	return Snapshot{
		Workers:   p.cfg.Workers,
		QueueLen:  ql,
		QueueCap:  qc,
		InFlight:  int(p.inFlight.Load()),
		Live:      live,
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Cancelled: p.cancelled.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
		Closed:    closed,
		History:   h,
	}
}
