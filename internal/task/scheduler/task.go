package scheduler

import (
	"context"

	"traversald/internal/schedule"
	"traversald/internal/traversal"
)

// batchTask binds one batch to the descriptor it was admitted under.
type batchTask struct {
	desc  schedule.Descriptor
	batch traversal.Batch
	hint  int
	rec   *Recorder
}

func (t *batchTask) run(ctx context.Context) error {
	res := t.batch.Run(ctx, t.hint)
	// A cancelled batch belongs to a removed source or an interrupting shutdown.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.rec.Record(ctx, t.desc, res); err != nil {
		return err
	}
	return res.Err
}
