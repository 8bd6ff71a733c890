// Package hostload decides how much traversal work each source may be admitted.
//
// Every source gets a token bucket refilled at Load units per Period (burst
// Load). The bucket size drives the batch hint; the work a batch reports is
// charged back via RecordUnits. Independently, a completed batch pushes the
// source's next eligible time out by its retry delay.
package hostload

import (
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config controls quota sizing.
type Config struct {
	// Period is the window the load target is expressed in (default 1m).
	Period time.Duration
	// BatchSize caps a single hint (default 500).
	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	return c
}

// LoadLookup resolves the configured load target of a source.
// It may perform I/O and is never called with the manager lock held.
type LoadLookup func(sourceID string) (load int, ok bool)

type Option func(*Manager)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

type sourceState struct {
	load    int
	limiter *rate.Limiter

	lastFinish   time.Time
	nextEligible time.Time

	periodStart time.Time
	traversed   int
}

// SourceState is a diagnostic copy of one source's admission state.
type SourceState struct {
	SourceID     string    `json:"source_id"`
	Load         int       `json:"load"`
	Tokens       float64   `json:"tokens"`
	Traversed    int       `json:"traversed"`
	LastFinish   time.Time `json:"last_finish"`
	NextEligible time.Time `json:"next_eligible"`
}

// Manager is safe for concurrent use. It never calls back into its callers
// while holding its lock.
type Manager struct {
	cfg   Config
	loads LoadLookup
	now   func() time.Time

	mu      sync.Mutex
	sources map[string]*sourceState
}

func New(cfg Config, loads LoadLookup, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg.withDefaults(),
		loads:   loads,
		now:     time.Now,
		sources: map[string]*sourceState{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ShouldDelay reports whether the source is still inside its post-batch delay.
// Unknown sources are never delayed.
func (m *Manager) ShouldDelay(sourceID string) bool {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.sources[sourceID]
	return st != nil && now.Before(st.nextEligible)
}

// DetermineBatchHint returns how many units the next batch should process.
// A result <= 0 means "do not run now": unknown source, zero load, or quota
// used up for the moment.
func (m *Manager) DetermineBatchHint(sourceID string) int {
	if m.loads == nil {
		return 0
	}
	load, ok := m.loads(sourceID)
	if !ok || load <= 0 {
		return 0
	}

	now := m.now()
	m.mu.Lock()
	st := m.stateLocked(sourceID, load, now)
	tokens := st.limiter.TokensAt(now)
	m.mu.Unlock()

	hint := int(math.Floor(tokens))
	if hint > m.cfg.BatchSize {
		hint = m.cfg.BatchSize
	}
	if hint < 0 {
		hint = 0
	}
	return hint
}

// RecordUnits charges processed work against the source's quota.
func (m *Manager) RecordUnits(sourceID string, units int) {
	if units <= 0 {
		return
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.sources[sourceID]
	if st == nil {
		return
	}
	m.rollPeriodLocked(st, now)
	st.traversed += units

	n := units
	if b := st.limiter.Burst(); n > b {
		n = b
	}
	// ReserveN lets the bucket go into debt, which keeps the hint at zero
	// until the quota has been earned back.
	st.limiter.ReserveN(now, n)
}

// ConnectorFinishedTraversal records a finished batch and delays the next one.
// It does not resurrect state for a source removed while its batch ran.
func (m *Manager) ConnectorFinishedTraversal(sourceID string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.sources[sourceID]
	if st == nil {
		return
	}
	st.lastFinish = now
	st.nextEligible = now.Add(delay)
}

// RemoveConnector forgets everything about a source. Idempotent.
func (m *Manager) RemoveConnector(sourceID string) {
	m.mu.Lock()
	delete(m.sources, sourceID)
	m.mu.Unlock()
}

// Known reports whether the manager holds state for the source.
func (m *Manager) Known(sourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sources[sourceID]
	return ok
}

func (m *Manager) Snapshot() []SourceState {
	now := m.now()
	m.mu.Lock()
	out := make([]SourceState, 0, len(m.sources))
	for id, st := range m.sources {
		out = append(out, SourceState{
			SourceID:     id,
			Load:         st.load,
			Tokens:       st.limiter.TokensAt(now),
			Traversed:    st.traversed,
			LastFinish:   st.lastFinish,
			NextEligible: st.nextEligible,
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

func (m *Manager) stateLocked(sourceID string, load int, now time.Time) *sourceState {
	limit := rate.Limit(float64(load) / m.cfg.Period.Seconds())
	st := m.sources[sourceID]
	if st == nil {
		st = &sourceState{
			load:        load,
			limiter:     rate.NewLimiter(limit, load),
			periodStart: now,
		}
		m.sources[sourceID] = st
		return st
	}
	if st.load != load {
		st.load = load
		st.limiter.SetLimitAt(now, limit)
		st.limiter.SetBurstAt(now, load)
	}
	m.rollPeriodLocked(st, now)
	return st
}

func (m *Manager) rollPeriodLocked(st *sourceState, now time.Time) {
	if now.Sub(st.periodStart) >= m.cfg.Period {
		st.periodStart = now
		st.traversed = 0
	}
}
