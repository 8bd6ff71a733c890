package scheduler

import "time"

// Snapshot is a lightweight view for status reports.
type Snapshot struct {
	State     string
	Timezone  string
	Period    time.Duration
	Passes    uint64
	Submitted uint64
	Removals  uint64
	LastPass  time.Time
	Running   []string
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.runningLocked()
	s.mu.Unlock()

	var last time.Time
	if ns := s.lastPass.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Snapshot{
		State:     lifecycle(s.state.Load()).String(),
		Timezone:  s.loc.String(),
		Period:    s.cfg.Period,
		Passes:    s.passes.Load(),
		Submitted: s.submitted.Load(),
		Removals:  s.removals.Load(),
		LastPass:  last,
		Running:   running,
	}
}
