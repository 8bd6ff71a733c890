package scheduler

import (
	"errors"
	"time"

	"traversald/internal/task/pool"
	logx "traversald/pkg/logx"
)

const submitWarnThrottle = 5 * time.Second

func (s *Scheduler) reportSubmitError(id string, err error) {
	if err == nil {
		return
	}
	// Expected while shutting down.
	if errors.Is(err, pool.ErrStopped) {
		s.log.Debug("batch not submitted", logx.String("source", id), logx.Err(err))
		return
	}

	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[id]
	if !last.IsZero() && now.Sub(last) < submitWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[id] = now
	s.warnMu.Unlock()

	// Queue full can be bursty.
	s.log.Warn("batch failed to submit", logx.String("source", id), logx.Err(err))
}
