package app

import (
	"context"
	"errors"
	"strings"

	"traversald/internal/config"
	"traversald/internal/registry"
	"traversald/internal/schedule"
	"traversald/internal/traversal/cmdexec"
	logx "traversald/pkg/logx"
)

// seedSources makes storage match the configured source list on startup.
// Sources no longer configured are unregistered. A persisted schedule that is
// the auto-paused form of the configured one is kept, so a source that ran
// out of work stays paused across restarts.
func (a *App) seedSources(ctx context.Context, sources []config.SourceConfig) error {
	want := make(map[string]bool, len(sources))
	for _, src := range sources {
		id := strings.TrimSpace(src.ID)
		want[id] = true
		a.engine.Set(id, commandOf(src))

		cur, err := a.reg.Schedule(ctx, id)
		switch {
		case err == nil && keepPersisted(cur, src.Schedule):
			a.log.Info("source kept paused", logx.String("source", id), logx.String("schedule", cur))
			continue
		case err != nil && !errors.Is(err, registry.ErrNotFound):
			return err
		}
		if err := a.reg.Register(ctx, id, strings.TrimSpace(src.Schedule)); err != nil {
			return err
		}
	}

	ids, err := a.reg.SourceIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if want[id] {
			continue
		}
		if err := a.reg.Unregister(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// applySources applies a reload's source diff. Removal deletes from storage
// first and then tells the scheduler, which cancels any running batch.
func (a *App) applySources(ctx context.Context, oldList, newList []config.SourceConfig) config.SourceChanges {
	changes := config.DiffSources(oldList, newList)
	if changes.Empty() {
		return changes
	}
	prev := make(map[string]config.SourceConfig, len(oldList))
	for _, src := range oldList {
		prev[strings.TrimSpace(src.ID)] = src
	}

	for _, id := range changes.Removed {
		if err := a.reg.Unregister(ctx, id); err != nil {
			a.log.Warn("source unregister failed", logx.String("source", id), logx.Err(err))
		}
		a.engine.Remove(id)
		a.sched.RemoveConnector(id)
	}
	for _, src := range changes.Added {
		id := strings.TrimSpace(src.ID)
		a.engine.Set(id, commandOf(src))
		if err := a.reg.Register(ctx, id, strings.TrimSpace(src.Schedule)); err != nil {
			a.log.Warn("source register failed", logx.String("source", id), logx.Err(err))
		}
	}
	for _, src := range changes.Changed {
		id := strings.TrimSpace(src.ID)
		a.engine.Set(id, commandOf(src))
		// A command-only change leaves the persisted schedule alone.
		if strings.TrimSpace(prev[id].Schedule) == strings.TrimSpace(src.Schedule) {
			continue
		}
		if err := a.reg.Register(ctx, id, strings.TrimSpace(src.Schedule)); err != nil {
			a.log.Warn("source schedule update failed", logx.String("source", id), logx.Err(err))
		}
	}

	if len(changes.Added) > 0 || len(changes.Changed) > 0 {
		a.sched.Wake()
	}
	return changes
}

func commandOf(src config.SourceConfig) cmdexec.Command {
	return cmdexec.Command{Line: src.Command, WorkDir: strings.TrimSpace(src.WorkDir)}
}

// keepPersisted reports whether persisted is the configured schedule with
// the disabled flag set, i.e. the source paused itself after running out of
// work.
func keepPersisted(persisted, configured string) bool {
	want, err := schedule.Parse(configured)
	if err != nil || want.Disabled {
		return false
	}
	return persisted == want.WithDisabled(true).String()
}
