package app

import (
	"context"
	"strings"

	"traversald/internal/config"
	logx "traversald/pkg/logx"
)

// reloadLoop applies committed configs until ctx ends. Only logging and the
// source list are live; other sections are reported as needing a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}

	if a.logs != nil && (oldCfg == nil || oldCfg.Logging != newCfg.Logging) {
		a.logs.Apply(mapLogConfig(newCfg))
	}

	var oldSources []config.SourceConfig
	if oldCfg != nil {
		oldSources = oldCfg.Sources
	}
	a.applySources(ctx, oldSources, newCfg.Sources)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
