package app

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"traversald/internal/config"
	logx "traversald/pkg/logx"
)

// newStatusCron schedules the periodic status report. It returns nil when
// scheduler.status_report is empty.
func (a *App) newStatusCron(spec string, loc *time.Location) (*cron.Cron, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	c := cron.New(cron.WithParser(config.CronParser), cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, a.reportStatus); err != nil {
		return nil, err
	}
	return c, nil
}

// reportStatus logs one line summarizing the scheduler, the pool and the
// admission state.
func (a *App) reportStatus() {
	ss := a.sched.Snapshot()
	ps := a.pool.Snapshot()
	ls := a.load.Snapshot()

	delayed := 0
	now := time.Now()
	for _, st := range ls {
		if now.Before(st.NextEligible) {
			delayed++
		}
	}

	a.log.Info("status",
		logx.String("state", ss.State),
		logx.Uint64("passes", ss.Passes),
		logx.Uint64("submitted", ss.Submitted),
		logx.Strings("running", ss.Running),
		logx.Int("queue_len", ps.QueueLen),
		logx.Int("in_flight", ps.InFlight),
		logx.Uint64("completed", ps.Completed),
		logx.Uint64("failed", ps.Failed),
		logx.Uint64("cancelled", ps.Cancelled),
		logx.Uint64("rejected", ps.Rejected),
		logx.Int("sources_tracked", len(ls)),
		logx.Int("sources_delayed", delayed),
	)
}
