package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"traversald/internal/hostload"
	"traversald/internal/monitor"
	"traversald/internal/registry"
	"traversald/internal/task/pool"
	"traversald/internal/traversal"
	logx "traversald/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func clockAt(hour int) *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 4, hour, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeRegistry keeps schedules in a map and builds batches with newBatch.
type fakeRegistry struct {
	mu       sync.Mutex
	scheds   map[string]string
	stale    []string // listed but never stored
	sets     []string
	closed   bool
	batches  atomic.Int32
	newBatch func(id string) traversal.Batch
	onBatch  func(id string)
	onSched  func(id string)
}

func newFakeRegistry(scheds map[string]string, newBatch func(id string) traversal.Batch) *fakeRegistry {
	return &fakeRegistry{scheds: scheds, newBatch: newBatch}
}

func (r *fakeRegistry) SourceIDs(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := append([]string(nil), r.stale...)
	for id := range r.scheds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *fakeRegistry) Schedule(_ context.Context, id string) (string, error) {
	if r.onSched != nil {
		r.onSched(id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.scheds[id]
	if !ok {
		return "", registry.ErrNotFound
	}
	return v, nil
}

func (r *fakeRegistry) SetSchedule(_ context.Context, id, sched string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scheds[id]; !ok {
		return registry.ErrNotFound
	}
	r.scheds[id] = sched
	r.sets = append(r.sets, sched)
	return nil
}

func (r *fakeRegistry) RunnableBatch(_ context.Context, id string) (traversal.Batch, error) {
	if r.onBatch != nil {
		r.onBatch(id)
	}
	if r.newBatch == nil {
		return nil, registry.ErrUnavailable
	}
	r.batches.Add(1)
	return r.newBatch(id), nil
}

func (r *fakeRegistry) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *fakeRegistry) setCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets)
}

func (r *fakeRegistry) get(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scheds[id]
}

// fixedAdmission always admits with the same hint.
type fixedAdmission struct {
	hint int

	mu       sync.Mutex
	finished map[string]time.Duration
	units    map[string]int
	removed  []string
}

func newFixedAdmission(hint int) *fixedAdmission {
	return &fixedAdmission{hint: hint, finished: map[string]time.Duration{}, units: map[string]int{}}
}

func (a *fixedAdmission) ShouldDelay(string) bool        { return false }
func (a *fixedAdmission) DetermineBatchHint(string) int { return a.hint }

func (a *fixedAdmission) RemoveConnector(id string) {
	a.mu.Lock()
	a.removed = append(a.removed, id)
	a.mu.Unlock()
}

func (a *fixedAdmission) ConnectorFinishedTraversal(id string, d time.Duration) {
	a.mu.Lock()
	a.finished[id] = d
	a.mu.Unlock()
}

func (a *fixedAdmission) RecordUnits(id string, n int) {
	a.mu.Lock()
	a.units[id] += n
	a.mu.Unlock()
}

func immediateBatch(string) traversal.Batch {
	return traversal.BatchFunc(func(context.Context, int) traversal.Result { return traversal.Immediate(0) })
}

func newTestScheduler(t *testing.T, reg Registry, adm Admission, clk *fakeClock, opts ...Option) *Scheduler {
	t.Helper()
	p := pool.New(pool.Config{Workers: 4}, logx.Nop())
	p.Start(context.Background())
	t.Cleanup(func() { _ = p.Shutdown(true, time.Second) })

	opts = append([]Option{WithClock(clk.Now)}, opts...)
	s := New(Config{Timezone: "UTC", ErrorBackoff: time.Hour}, reg, adm, p, logx.Nop(), opts...)
	// Passes are driven by hand.
	s.state.Store(int32(stateRunning))
	return s
}

func handleOf(s *Scheduler, id string) *pool.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[id]
}

func waitHandle(t *testing.T, s *Scheduler, id string) *pool.Handle {
	t.Helper()
	h := handleOf(s, id)
	if h == nil {
		t.Fatalf("no handle for %s", id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	select {
	case <-h.DoneCh():
	case <-ctx.Done():
		t.Fatalf("batch for %s did not finish", id)
	}
	return h
}

func TestDisabledSourceIsNeverSubmitted(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(map[string]string{"B": "#B:10:5000:0-0"}, immediateBatch)
	clk := clockAt(0)
	s := newTestScheduler(t, reg, newFixedAdmission(1000), clk)

	for i := 0; i < 24; i++ {
		if n := s.pass(context.Background()); n != 0 {
			t.Fatalf("hour %d: submitted %d batches for a disabled source", clk.Now().Hour(), n)
		}
		clk.Advance(time.Hour)
	}
	if got := reg.batches.Load(); got != 0 {
		t.Fatalf("RunnableBatch called %d times", got)
	}
}

func TestMalformedAndMissingSchedulesAreSkipped(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(map[string]string{"bad": "bad:ten:0-0"}, immediateBatch)
	reg.stale = []string{"ghost"}
	s := newTestScheduler(t, reg, newFixedAdmission(5), clockAt(10))

	if n := s.pass(context.Background()); n != 0 {
		t.Fatalf("submitted %d, want 0", n)
	}
}

func TestHourWindowBoundaries(t *testing.T) {
	t.Parallel()
	cases := map[int]bool{
		8: false, 9: true, 16: true, 17: false,
		21: false, 22: true, 23: true, 0: false,
	}
	for hour, want := range cases {
		hour, want := hour, want
		t.Run(time.Date(0, 1, 1, hour, 0, 0, 0, time.UTC).Format("15h"), func(t *testing.T) {
			t.Parallel()
			reg := newFakeRegistry(map[string]string{"A": "A:10:5000:9-17:22-0"}, immediateBatch)
			s := newTestScheduler(t, reg, newFixedAdmission(5), clockAt(hour))
			if got := s.pass(context.Background()) == 1; got != want {
				t.Fatalf("hour %d admitted = %v, want %v", hour, got, want)
			}
		})
	}
}

func TestNonPositiveHintSkips(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(map[string]string{"A": "A:10:5000:0-0"}, immediateBatch)
	s := newTestScheduler(t, reg, newFixedAdmission(0), clockAt(10))
	if n := s.pass(context.Background()); n != 0 {
		t.Fatalf("submitted %d, want 0", n)
	}
	if got := reg.batches.Load(); got != 0 {
		t.Fatalf("RunnableBatch called %d times before a positive hint", got)
	}
}

func TestUnavailableBatchSkips(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(map[string]string{"A": "A:10:5000:0-0"}, nil)
	s := newTestScheduler(t, reg, newFixedAdmission(5), clockAt(10))
	if n := s.pass(context.Background()); n != 0 {
		t.Fatalf("submitted %d, want 0", n)
	}
}

// Source A: window [9,17), load 10, retry 5000ms, hour 10, hint 5.
func TestScenarioRetryDelay(t *testing.T) {
	t.Parallel()
	clk := clockAt(10)
	release := make(chan struct{})
	var hints []int
	var hmu sync.Mutex
	reg := newFakeRegistry(map[string]string{"A": "A:10:5000:9-17"}, func(string) traversal.Batch {
		return traversal.BatchFunc(func(ctx context.Context, hint int) traversal.Result {
			hmu.Lock()
			hints = append(hints, hint)
			hmu.Unlock()
			select {
			case <-release:
			case <-ctx.Done():
			}
			return traversal.Poll(hint)
		})
	})
	loads := func(id string) (int, bool) {
		if id == "A" {
			return 10, true
		}
		return 0, false
	}
	adm := hostload.New(hostload.Config{Period: time.Minute, BatchSize: 5}, loads, hostload.WithClock(clk.Now))
	s := newTestScheduler(t, reg, adm, clk)
	ctx := context.Background()

	if n := s.pass(ctx); n != 1 {
		t.Fatalf("first pass submitted %d, want 1", n)
	}
	if n := s.pass(ctx); n != 0 {
		t.Fatalf("pass with batch still running submitted %d, want 0", n)
	}

	close(release)
	waitHandle(t, s, "A")

	clk.Advance(3000 * time.Millisecond)
	if n := s.pass(ctx); n != 0 {
		t.Fatalf("pass 3000ms after POLL submitted %d, want 0", n)
	}
	clk.Advance(3000 * time.Millisecond)
	if n := s.pass(ctx); n != 1 {
		t.Fatalf("pass 6000ms after POLL submitted %d, want 1", n)
	}
	waitHandle(t, s, "A")

	hmu.Lock()
	defer hmu.Unlock()
	if len(hints) != 2 || hints[0] != 5 {
		t.Fatalf("hints = %v, want first hint 5", hints)
	}
}

func TestAtMostOneBatchPerSource(t *testing.T) {
	t.Parallel()
	var active, peak atomic.Int32
	release := make(chan struct{})
	reg := newFakeRegistry(map[string]string{"A": "A:10:0:0-0"}, func(string) traversal.Batch {
		return traversal.BatchFunc(func(ctx context.Context, hint int) traversal.Result {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			active.Add(-1)
			return traversal.Immediate(0)
		})
	})
	s := newTestScheduler(t, reg, newFixedAdmission(5), clockAt(10))

	total := 0
	for i := 0; i < 10; i++ {
		total += s.pass(context.Background())
	}
	if total != 1 {
		t.Fatalf("submitted %d batches while one was running, want 1", total)
	}
	close(release)
	waitHandle(t, s, "A")
	if peak.Load() != 1 {
		t.Fatalf("peak concurrency = %d", peak.Load())
	}
}

func TestPollingDisabledPausesOnce(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(map[string]string{"P": "P:10:-1:0-0"}, func(string) traversal.Batch {
		return traversal.BatchFunc(func(context.Context, int) traversal.Result { return traversal.Poll(3) })
	})
	adm := newFixedAdmission(5)
	s := newTestScheduler(t, reg, adm, clockAt(10))

	if n := s.pass(context.Background()); n != 1 {
		t.Fatalf("submitted %d, want 1", n)
	}
	waitHandle(t, s, "P")
	for i := 0; i < 3; i++ {
		if n := s.pass(context.Background()); n != 0 {
			t.Fatalf("paused source submitted %d", n)
		}
	}

	if got := reg.setCount(); got != 1 {
		t.Fatalf("schedule persisted %d times, want 1", got)
	}
	if got, want := reg.get("P"), "#P:10:-1:0-0"; got != want {
		t.Fatalf("persisted %q, want %q", got, want)
	}
	adm.mu.Lock()
	defer adm.mu.Unlock()
	if d, ok := adm.finished["P"]; !ok || d != 0 {
		t.Fatalf("finished = %v, %v; want zero delay", d, ok)
	}
	if adm.units["P"] != 3 {
		t.Fatalf("units = %d, want 3", adm.units["P"])
	}
}

func TestRemoveConnectorCancelsRunningBatch(t *testing.T) {
	t.Parallel()
	clk := clockAt(10)
	started := make(chan struct{})
	reg := newFakeRegistry(map[string]string{"A": "A:10:5000:0-0"}, func(string) traversal.Batch {
		return traversal.BatchFunc(func(ctx context.Context, hint int) traversal.Result {
			close(started)
			<-ctx.Done()
			return traversal.Poll(hint)
		})
	})
	adm := hostload.New(hostload.Config{}, func(string) (int, bool) { return 10, true }, hostload.WithClock(clk.Now))
	s := newTestScheduler(t, reg, adm, clk)

	if n := s.pass(context.Background()); n != 1 {
		t.Fatalf("submitted %d, want 1", n)
	}
	<-started
	if !adm.Known("A") {
		t.Fatal("admission state missing before removal")
	}

	s.RemoveConnector("A")
	h := waitHandle(t, s, "A")
	if !h.Cancelled() {
		t.Fatalf("handle state = %s, want cancelled", h.State())
	}
	if adm.Known("A") {
		t.Fatal("admission state survived removal")
	}
	if got := reg.setCount(); got != 0 {
		t.Fatalf("cancelled batch persisted %d schedules", got)
	}
	s.RemoveConnector("A")
}

func TestRemovalDuringPassBlocksSubmission(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(map[string]string{"A": "A:10:5000:0-0"}, immediateBatch)
	adm := newFixedAdmission(5)
	s := newTestScheduler(t, reg, adm, clockAt(10))

	var once sync.Once
	reg.onBatch = func(id string) {
		once.Do(func() { s.RemoveConnector(id) })
	}

	if n := s.pass(context.Background()); n != 0 {
		t.Fatalf("pass racing a removal submitted %d, want 0", n)
	}
	if handleOf(s, "A") != nil {
		t.Fatal("removed source got a handle")
	}
	adm.mu.Lock()
	removed := append([]string(nil), adm.removed...)
	adm.mu.Unlock()
	if len(removed) == 0 {
		t.Fatal("admission state was never dropped")
	}
	for _, id := range removed {
		if id != "A" {
			t.Fatalf("admission removals = %v", removed)
		}
	}

	// The removed set only spans one pass; a source still listed afterwards is
	// a new registration.
	if n := s.pass(context.Background()); n != 1 {
		t.Fatalf("next pass submitted %d, want 1", n)
	}
}

func TestRemovalBeforeAdmissionLeavesNoLoadState(t *testing.T) {
	t.Parallel()
	clk := clockAt(10)
	reg := newFakeRegistry(map[string]string{"A": "A:10:5000:0-0"}, immediateBatch)
	adm := hostload.New(hostload.Config{}, func(string) (int, bool) { return 10, true }, hostload.WithClock(clk.Now))
	s := newTestScheduler(t, reg, adm, clk)

	// The registry still resolves the schedule after the removal landed.
	var once sync.Once
	reg.onSched = func(id string) {
		once.Do(func() { s.RemoveConnector(id) })
	}

	if n := s.pass(context.Background()); n != 0 {
		t.Fatalf("pass racing a removal submitted %d, want 0", n)
	}
	if adm.Known("A") {
		t.Fatal("admission state recreated for a removed source")
	}
}

func TestImmediateOutcomeLeavesQuotaAlone(t *testing.T) {
	t.Parallel()
	clk := clockAt(10)
	reg := newFakeRegistry(map[string]string{"A": "A:10:5000:0-0"}, func(string) traversal.Batch {
		return traversal.BatchFunc(func(_ context.Context, hint int) traversal.Result {
			return traversal.Immediate(hint)
		})
	})
	adm := hostload.New(hostload.Config{Period: time.Minute}, func(string) (int, bool) { return 10, true }, hostload.WithClock(clk.Now))
	s := newTestScheduler(t, reg, adm, clk)
	ctx := context.Background()

	if n := s.pass(ctx); n != 1 {
		t.Fatalf("first pass submitted %d, want 1", n)
	}
	waitHandle(t, s, "A")

	clk.Advance(time.Second)
	if adm.ShouldDelay("A") {
		t.Fatal("IMMEDIATE imposed a delay")
	}
	if hint := adm.DetermineBatchHint("A"); hint != 10 {
		t.Fatalf("hint after IMMEDIATE = %d, want 10", hint)
	}
	if n := s.pass(ctx); n != 1 {
		t.Fatalf("pass after IMMEDIATE submitted %d, want 1", n)
	}
	waitHandle(t, s, "A")
}

func TestRemovedSourceHandleIsPruned(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	reg := newFakeRegistry(map[string]string{"A": "A:10:5000:0-0"}, func(string) traversal.Batch {
		return traversal.BatchFunc(func(ctx context.Context, hint int) traversal.Result {
			close(started)
			<-ctx.Done()
			return traversal.Poll(hint)
		})
	})
	s := newTestScheduler(t, reg, newFixedAdmission(5), clockAt(10))

	if n := s.pass(context.Background()); n != 1 {
		t.Fatalf("submitted %d, want 1", n)
	}
	<-started
	reg.mu.Lock()
	delete(reg.scheds, "A")
	reg.mu.Unlock()
	s.RemoveConnector("A")
	waitHandle(t, s, "A")

	s.pass(context.Background())
	if h := handleOf(s, "A"); h != nil {
		t.Fatalf("handle of removed source kept in state %s", h.State())
	}
}

func TestUnknownOutcomeFailsLoudly(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(map[string]string{"A": "A:10:5000:0-0"}, func(string) traversal.Batch {
		return traversal.BatchFunc(func(context.Context, int) traversal.Result {
			return traversal.Result{Policy: traversal.DelayPolicy(42)}
		})
	})
	s := newTestScheduler(t, reg, newFixedAdmission(5), clockAt(10))
	if n := s.pass(context.Background()); n != 1 {
		t.Fatalf("submitted %d, want 1", n)
	}
	h := waitHandle(t, s, "A")
	if h.Err() == nil {
		t.Fatal("unknown outcome did not surface as a handle error")
	}
}

func TestPassPanicDoesNotEscape(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(map[string]string{"A": "A:10:5000:0-0"}, immediateBatch)
	reg.onSched = func(string) { panic("registry bug") }
	s := newTestScheduler(t, reg, newFixedAdmission(5), clockAt(10))

	s.safePass(context.Background())
	s.safePass(context.Background())
}

func TestPassPublishesMonitorVars(t *testing.T) {
	t.Parallel()
	clk := clockAt(10)
	mem := monitor.NewMemory()
	reg := newFakeRegistry(map[string]string{"A": "A:10:5000:0-0"}, immediateBatch)
	s := newTestScheduler(t, reg, newFixedAdmission(5), clk, WithMonitor(mem))

	s.pass(context.Background())
	v, ok := mem.Get(monitor.VarCurrentTime)
	if !ok || v != clk.Now().UnixMilli() {
		t.Fatalf("%s = %v, want %d", monitor.VarCurrentTime, v, clk.Now().UnixMilli())
	}
	if v, _ := mem.Get(monitor.VarSubmitted); v != uint64(1) {
		t.Fatalf("%s = %v, want 1", monitor.VarSubmitted, v)
	}
}

type fakeExecutor struct {
	*pool.Pool
	mu        sync.Mutex
	shutdowns []bool
	timeout   time.Duration
	err       error
}

func (e *fakeExecutor) Shutdown(interrupt bool, timeout time.Duration) error {
	e.mu.Lock()
	e.shutdowns = append(e.shutdowns, interrupt)
	e.timeout = timeout
	e.mu.Unlock()
	_ = e.Pool.Shutdown(interrupt, timeout)
	return e.err
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	ran := make(chan struct{}, 16)
	reg := newFakeRegistry(map[string]string{"A": "A:10:0:0-0"}, func(string) traversal.Batch {
		return traversal.BatchFunc(func(context.Context, int) traversal.Result {
			select {
			case ran <- struct{}{}:
			default:
			}
			return traversal.Immediate(0)
		})
	})
	exec := &fakeExecutor{Pool: pool.New(pool.Config{Workers: 2}, logx.Nop()), err: pool.ErrShutdownTimeout}
	s := New(Config{Period: 10 * time.Millisecond, Timezone: "UTC"}, reg, newFixedAdmission(5), exec, logx.Nop(),
		WithClock(clockAt(10).Now))

	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.Init(); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never ran a batch")
	}

	err := s.Shutdown(true, 500*time.Millisecond)
	if !errors.Is(err, pool.ErrShutdownTimeout) {
		t.Fatalf("Shutdown err = %v, want pool timeout reported", err)
	}
	if err := s.Shutdown(false, time.Second); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if err := s.Init(); !errors.Is(err, ErrStopped) {
		t.Fatalf("Init after stop = %v, want ErrStopped", err)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.shutdowns) != 1 || !exec.shutdowns[0] || exec.timeout != 500*time.Millisecond {
		t.Fatalf("pool shutdowns = %v timeout %v", exec.shutdowns, exec.timeout)
	}
	reg.mu.Lock()
	closed := reg.closed
	reg.mu.Unlock()
	if !closed {
		t.Fatal("registry not closed")
	}
	if got := s.Snapshot().State; got != "stopped" {
		t.Fatalf("state = %s", got)
	}
}

func TestWakeTriggersEarlyPass(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(map[string]string{}, immediateBatch)
	p := pool.New(pool.Config{Workers: 1}, logx.Nop())
	s := New(Config{Period: time.Hour, Timezone: "UTC"}, reg, newFixedAdmission(5), p, logx.Nop())
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer s.Shutdown(true, time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().Passes < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first pass never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Wake()
	for s.Snapshot().Passes < 2 {
		if time.Now().After(deadline) {
			t.Fatal("Wake did not trigger a pass")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
