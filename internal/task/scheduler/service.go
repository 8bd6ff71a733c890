package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"traversald/internal/monitor"
	"traversald/internal/registry"
	rtsup "traversald/internal/runtime/supervisor"
	"traversald/internal/schedule"
	"traversald/internal/task/pool"
	logx "traversald/pkg/logx"
)

type Option func(*Scheduler)

// WithClock overrides the wall clock used for hour windows.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMonitor sets the sink that receives per-pass variables.
func WithMonitor(sink monitor.Sink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

// Scheduler is the traversal control loop. Its lifecycle is
// uninitialized -> running -> stopped and never goes back.
type Scheduler struct {
	cfg Config
	log logx.Logger
	loc *time.Location
	now func() time.Time

	reg  Registry
	adm  Admission
	exec Executor
	rec  *Recorder
	sink monitor.Sink

	lifeMu sync.Mutex
	state  atomic.Int32
	sup    *rtsup.Supervisor
	wake   chan struct{}

	// mu guards handles and removed. It is held for map operations and the
	// non-blocking submit only.
	mu      sync.Mutex
	handles map[string]*pool.Handle
	removed map[string]struct{}

	warnMu   sync.Mutex
	lastWarn map[string]time.Time

	passes    atomic.Uint64
	submitted atomic.Uint64
	removals  atomic.Uint64
	lastPass  atomic.Int64
}

func New(cfg Config, reg Registry, adm Admission, exec Executor, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	log = log.With(logx.String("comp", "scheduler"))
	s := &Scheduler{
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		reg:      reg,
		adm:      adm,
		exec:     exec,
		wake:     make(chan struct{}, 1),
		handles:  map[string]*pool.Handle{},
		removed:  map[string]struct{}{},
		lastWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.loc = LoadLocation(cfg.Timezone, log)
	s.rec = NewRecorder(adm, reg, cfg.ErrorBackoff, log)
	return s
}

// Recorder returns the recorder batches report through.
func (s *Scheduler) Recorder() *Recorder { return s.rec }

func (s *Scheduler) running() bool { return lifecycle(s.state.Load()) == stateRunning }

// Init starts the worker pool and the control loop. It is a no-op while
// running and returns ErrStopped after Shutdown.
func (s *Scheduler) Init() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	switch lifecycle(s.state.Load()) {
	case stateRunning:
		return nil
	case stateStopped:
		return ErrStopped
	}

	s.exec.Start(context.Background())
	s.sup = rtsup.New(context.Background(), rtsup.WithLogger(s.log))
	s.state.Store(int32(stateRunning))
	s.sup.GoRestart("scheduler.loop", s.loop, rtsup.WithRestartBackoff(s.cfg.Period, 30*time.Second))

	s.log.Info("scheduler started", logx.Duration("period", s.cfg.Period), logx.String("tz", s.loc.String()))
	return nil
}

// Shutdown stops the worker pool (propagating interrupt and timeout), closes
// the registry, marks the scheduler stopped and waits for the loop to exit.
// A pool timeout is logged and returned; the rest of the shutdown still runs.
// A timeout <= 0 does not wait for batches. Subsequent calls return nil.
func (s *Scheduler) Shutdown(interrupt bool, timeout time.Duration) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if lifecycle(s.state.Load()) == stateStopped {
		return nil
	}
	start := time.Now()
	s.log.Info("scheduler shutdown requested", logx.Bool("interrupt", interrupt), logx.Duration("timeout", timeout))

	poolErr := s.exec.Shutdown(interrupt, timeout)
	if poolErr != nil {
		s.log.Warn("worker pool did not drain in time", logx.Err(poolErr))
	}
	if err := s.reg.Close(); err != nil {
		s.log.Warn("registry close failed", logx.Err(err))
	}
	s.state.Store(int32(stateStopped))
	s.Wake()

	if s.sup != nil {
		wait := timeout
		if wait <= 0 {
			wait = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		if err := s.sup.Stop(ctx); err != nil {
			s.log.Warn("scheduler loop did not exit cleanly", logx.Err(err))
		}
		cancel()
	}

	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return poolErr
}

// Wake runs the next pass now instead of at the end of the period.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RemoveConnector cancels the source's in-flight batch, keeps the source out
// of the rest of the current pass and drops its load state. The caller must
// already have deleted the source from the registry. Safe from any goroutine.
func (s *Scheduler) RemoveConnector(id string) {
	s.mu.Lock()
	if h := s.handles[id]; h != nil {
		h.Cancel()
	}
	s.removed[id] = struct{}{}
	s.mu.Unlock()

	s.adm.RemoveConnector(id)
	s.removals.Add(1)
	s.log.Info("source removed", logx.String("source", id))
}

func (s *Scheduler) loop(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.Period)
	defer timer.Stop()

	for {
		if !s.running() {
			return nil
		}
		s.safePass(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.Period)

		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// safePass keeps one misbehaving source from killing the loop.
func (s *Scheduler) safePass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler pass panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	s.pass(ctx)
}

// pass considers every registered source once and returns how many batches
// it submitted.
func (s *Scheduler) pass(ctx context.Context) int {
	s.mu.Lock()
	clear(s.removed)
	s.pruneDoneLocked()
	s.mu.Unlock()

	now := s.now()
	defer s.publish(now)

	ids, err := s.reg.SourceIDs(ctx)
	if err != nil {
		if s.running() && ctx.Err() == nil {
			s.log.Warn("listing sources failed", logx.Err(err))
		}
		return 0
	}

	hour := now.In(s.loc).Hour()
	n := 0
	for _, id := range ids {
		if !s.running() || ctx.Err() != nil {
			break
		}
		if s.consider(ctx, id, hour) {
			n++
		}
	}
	s.passes.Add(1)
	s.lastPass.Store(now.UnixNano())
	if n > 0 {
		s.log.Debug("scheduler pass", logx.Int("sources", len(ids)), logx.Int("submitted", n), logx.Int("hour", hour))
	}
	return n
}

func (s *Scheduler) consider(ctx context.Context, id string, hour int) bool {
	raw, err := s.reg.Schedule(ctx, id)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			s.log.Warn("reading schedule failed", logx.String("source", id), logx.Err(err))
		}
		return false
	}
	d, err := schedule.Parse(raw)
	if err != nil {
		s.log.Debug("malformed schedule treated as disabled", logx.String("source", id), logx.Err(err))
		return false
	}
	if d.Disabled {
		return false
	}
	// The registry key is authoritative.
	d.SourceID = id

	// A source removed earlier in this pass must not get admission state back.
	if s.busyOrRemoved(id) {
		return false
	}
	if !d.Contains(hour) || s.adm.ShouldDelay(id) {
		return false
	}
	hint := s.adm.DetermineBatchHint(id)
	if hint <= 0 {
		return false
	}
	batch, err := s.reg.RunnableBatch(ctx, id)
	if err != nil {
		if !errors.Is(err, registry.ErrUnavailable) && !errors.Is(err, registry.ErrNotFound) {
			s.log.Warn("batch lookup failed", logx.String("source", id), logx.Err(err))
		}
		return false
	}
	task := &batchTask{desc: d, batch: batch, hint: hint, rec: s.rec}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, gone := s.removed[id]; gone {
		// The hint above may have recreated state RemoveConnector dropped.
		s.adm.RemoveConnector(id)
		return false
	}
	h, err := s.exec.Submit("traverse:"+id, task.run)
	if err != nil {
		s.reportSubmitError(id, err)
		return false
	}
	s.handles[id] = h
	s.submitted.Add(1)
	s.log.Debug("batch submitted", logx.String("source", id), logx.Int("hint", hint), logx.String("task", h.ID()))
	return true
}

// busyOrRemoved reports whether id was removed during this pass or has a
// batch that is not done yet.
func (s *Scheduler) busyOrRemoved(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, gone := s.removed[id]; gone {
		return true
	}
	h, ok := s.handles[id]
	if !ok {
		return false
	}
	if h.Done() {
		delete(s.handles, id)
		return false
	}
	return true
}

// pruneDoneLocked drops finished handles, including those of sources that
// were removed and are no longer listed.
func (s *Scheduler) pruneDoneLocked() {
	for id, h := range s.handles {
		if h.Done() {
			delete(s.handles, id)
		}
	}
}

func (s *Scheduler) runningLocked() []string {
	out := make([]string, 0, len(s.handles))
	for id, h := range s.handles {
		if !h.Done() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) publish(now time.Time) {
	if s.sink == nil {
		return
	}
	s.mu.Lock()
	running := len(s.runningLocked())
	removed := len(s.removed)
	s.mu.Unlock()

	s.sink.Publish(map[string]any{
		monitor.VarCurrentTime: now.UnixMilli(),
		monitor.VarPasses:      s.passes.Load(),
		monitor.VarSubmitted:   s.submitted.Load(),
		monitor.VarRunning:     running,
		monitor.VarRemoved:     removed,
	})
}
