package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"traversald/internal/registry"
	"traversald/internal/schedule"
	"traversald/internal/traversal"
	logx "traversald/pkg/logx"
)

// ScheduleWriter persists a rewritten schedule.
type ScheduleWriter interface {
	SetSchedule(ctx context.Context, id, sched string) error
}

// Recorder applies a batch result to admission state. It holds no scheduler
// state and is safe for concurrent use.
type Recorder struct {
	adm          Completion
	store        ScheduleWriter
	errorBackoff time.Duration
	log          logx.Logger
}

func NewRecorder(adm Completion, store ScheduleWriter, errorBackoff time.Duration, log logx.Logger) *Recorder {
	if errorBackoff <= 0 {
		errorBackoff = traversal.ErrorWait
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{adm: adm, store: store, errorBackoff: errorBackoff, log: log.With(logx.String("comp", "recorder"))}
}

// Record applies r for the source described by d.
//
// POLL finishes the source with its retry delay, or with no delay and a
// persisted disabled schedule when the delay is the polling-disabled
// sentinel. ERROR finishes it with the error backoff. Both charge the
// reported units. IMMEDIATE leaves admission state untouched, units
// included, so the next pass may admit the source again. Any other policy
// panics.
//
// The returned error is a failed schedule write other than not-found.
func (rec *Recorder) Record(ctx context.Context, d schedule.Descriptor, r traversal.Result) error {
	id := d.SourceID

	switch r.Policy {
	case traversal.PolicyPoll:
		rec.chargeUnits(id, r.Units)
		delay, ok := d.RetryDelay()
		if ok {
			rec.adm.ConnectorFinishedTraversal(id, delay)
			return nil
		}
		rec.adm.ConnectorFinishedTraversal(id, 0)
		return rec.pause(ctx, d)

	case traversal.PolicyError:
		rec.chargeUnits(id, r.Units)
		rec.adm.ConnectorFinishedTraversal(id, rec.errorBackoff)
		rec.log.Warn("traversal failed; backing off",
			logx.String("source", id),
			logx.Duration("backoff", rec.errorBackoff),
			logx.Err(r.Err),
		)
		return nil

	case traversal.PolicyImmediate:
		return nil

	default:
		panic(fmt.Sprintf("scheduler: unknown delay policy %d for source %q", int(r.Policy), id))
	}
}

func (rec *Recorder) chargeUnits(id string, units int) {
	if units > 0 {
		rec.adm.RecordUnits(id, units)
	}
}

func (rec *Recorder) pause(ctx context.Context, d schedule.Descriptor) error {
	if rec.store == nil {
		return nil
	}
	sched := d.WithDisabled(true).String()
	if err := rec.store.SetSchedule(ctx, d.SourceID, sched); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			rec.log.Info("source removed before it could be paused", logx.String("source", d.SourceID))
			return nil
		}
		rec.log.Warn("failed to persist paused schedule", logx.String("source", d.SourceID), logx.Err(err))
		return err
	}
	rec.log.Info("traversal complete, pausing source", logx.String("source", d.SourceID), logx.String("schedule", sched))
	return nil
}
