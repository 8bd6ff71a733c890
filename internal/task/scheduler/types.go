package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"traversald/internal/task/pool"
	"traversald/internal/traversal"
	logx "traversald/pkg/logx"
)

var ErrStopped = errors.New("scheduler stopped")

// Registry is the source registry consulted on every pass.
type Registry interface {
	SourceIDs(ctx context.Context) ([]string, error)
	Schedule(ctx context.Context, id string) (string, error)
	SetSchedule(ctx context.Context, id, sched string) error
	RunnableBatch(ctx context.Context, id string) (traversal.Batch, error)
	Close() error
}

// Admission is the per-source load manager.
type Admission interface {
	ShouldDelay(id string) bool
	DetermineBatchHint(id string) int
	RemoveConnector(id string)
	Completion
}

// Completion is the part of Admission the Recorder needs.
type Completion interface {
	ConnectorFinishedTraversal(id string, delay time.Duration)
	RecordUnits(id string, units int)
}

// Executor runs batches. *pool.Pool implements it.
type Executor interface {
	Start(ctx context.Context)
	Submit(name string, fn pool.Func) (*pool.Handle, error)
	Shutdown(interrupt bool, timeout time.Duration) error
}

// Config controls the control loop.
type Config struct {
	// Period between passes. Default 1s.
	Period time.Duration
	// Timezone is an IANA name used to evaluate hour windows. Empty means Local.
	Timezone string
	// ErrorBackoff is the delay recorded after an ERROR outcome. Default 15m.
	ErrorBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = traversal.ErrorWait
	}
	return c
}

// LoadLocation resolves an IANA zone, falling back to Local.
func LoadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

type lifecycle int32

const (
	stateUninitialized lifecycle = iota
	stateRunning
	stateStopped
)

func (s lifecycle) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateRunning:
		return "running"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
