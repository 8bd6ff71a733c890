// Package registry is the source registry the scheduler consults on every
// pass: which sources exist, what their persisted schedules say, and how to
// obtain a runnable batch for one of them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"traversald/internal/schedule"
	"traversald/internal/storage"
	"traversald/internal/traversal"
	logx "traversald/pkg/logx"
)

var (
	// ErrNotFound means the source is not (or no longer) registered.
	ErrNotFound = storage.ErrNotFound
	// ErrUnavailable means the source exists but has no runnable batch now.
	ErrUnavailable = errors.New("batch unavailable")
)

// Instantiator joins persisted schedules with a batch factory.
type Instantiator struct {
	store   storage.Store
	factory traversal.Factory
	log     logx.Logger

	lookupTimeout time.Duration
	closeOnce     sync.Once
	closeErr      error
}

func New(store storage.Store, factory traversal.Factory, log logx.Logger) *Instantiator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Instantiator{
		store:         store,
		factory:       factory,
		log:           log.With(logx.String("comp", "registry")),
		lookupTimeout: 2 * time.Second,
	}
}

func (r *Instantiator) SourceIDs(ctx context.Context) ([]string, error) {
	return r.store.Sources(ctx)
}

func (r *Instantiator) Schedule(ctx context.Context, id string) (string, error) {
	return r.store.Schedule(ctx, id)
}

// SetSchedule rewrites the schedule of a registered source. It never
// registers a new one; a source deleted meanwhile yields ErrNotFound.
func (r *Instantiator) SetSchedule(ctx context.Context, id, sched string) error {
	if err := r.store.UpdateSchedule(ctx, id, sched); err != nil {
		return fmt.Errorf("set schedule %s: %w", id, err)
	}
	r.log.Debug("schedule updated", logx.String("source", id), logx.String("schedule", sched))
	return nil
}

// Register creates or replaces a source's schedule.
func (r *Instantiator) Register(ctx context.Context, id, sched string) error {
	if err := r.store.PutSchedule(ctx, id, sched); err != nil {
		return fmt.Errorf("register %s: %w", id, err)
	}
	r.log.Info("source registered", logx.String("source", id), logx.String("schedule", sched))
	return nil
}

// Unregister deletes a source. Callers then tell the scheduler via
// RemoveConnector.
func (r *Instantiator) Unregister(ctx context.Context, id string) error {
	if err := r.store.DeleteSource(ctx, id); err != nil {
		return fmt.Errorf("unregister %s: %w", id, err)
	}
	r.log.Info("source unregistered", logx.String("source", id))
	return nil
}

func (r *Instantiator) RunnableBatch(ctx context.Context, id string) (traversal.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.factory == nil {
		return nil, fmt.Errorf("%w: %s: no batch factory", ErrUnavailable, id)
	}
	b, err := r.factory.NewBatch(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, id, err)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, id)
	}
	return b, nil
}

// LoadOf resolves a source's load target from its persisted schedule.
// A missing or malformed schedule reports false.
func (r *Instantiator) LoadOf(id string) (int, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), r.lookupTimeout)
	defer cancel()
	raw, err := r.store.Schedule(ctx, id)
	if err != nil {
		return 0, false
	}
	d, err := schedule.Parse(raw)
	if err != nil {
		return 0, false
	}
	return d.Load, true
}

// Close releases the underlying store. Subsequent calls return the first result.
func (r *Instantiator) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.store.Close()
		r.log.Debug("registry closed", logx.Err(r.closeErr))
	})
	return r.closeErr
}
