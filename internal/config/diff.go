package config

import (
	"reflect"
	"sort"
	"strings"

	logx "traversald/pkg/logx"
)

// SourceChanges is the effect of a reload on the source list.
type SourceChanges struct {
	Added   []SourceConfig
	Changed []SourceConfig // schedule, command or workdir differ
	Removed []string
}

func (c SourceChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Changed) == 0 && len(c.Removed) == 0
}

// DiffSources compares source lists by id. Results are sorted by id.
func DiffSources(oldList, newList []SourceConfig) SourceChanges {
	oldByID := make(map[string]SourceConfig, len(oldList))
	for _, s := range oldList {
		oldByID[strings.TrimSpace(s.ID)] = s
	}
	var out SourceChanges
	seen := make(map[string]bool, len(newList))
	for _, s := range newList {
		id := strings.TrimSpace(s.ID)
		seen[id] = true
		prev, ok := oldByID[id]
		switch {
		case !ok:
			out.Added = append(out.Added, s)
		case prev != s:
			out.Changed = append(out.Changed, s)
		}
	}
	for id := range oldByID {
		if !seen[id] {
			out.Removed = append(out.Removed, id)
		}
	}
	byID := func(list []SourceConfig) {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	byID(out.Added)
	byID(out.Changed)
	sort.Strings(out.Removed)
	return out
}

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (redis password) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.period", newCfg.Scheduler.Period),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.status_report", newCfg.Scheduler.StatusReport),
		)
	}
	if oldCfg.Pool != newCfg.Pool {
		changed = append(changed, "pool")
		attrs = append(attrs, logx.Int("pool.workers", newCfg.Pool.Workers), logx.Int("pool.queue_size", newCfg.Pool.QueueSize))
	}
	if oldCfg.HostLoad != newCfg.HostLoad {
		changed = append(changed, "hostload")
		attrs = append(attrs, logx.String("hostload.period", newCfg.HostLoad.Period), logx.Int("hostload.batch_size", newCfg.HostLoad.BatchSize))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.Bool("monitor.prometheus", newCfg.Monitor.Prometheus.Enabled),
			logx.Bool("monitor.kafka", newCfg.Monitor.Kafka.Enabled),
		)
	}
	if sc := DiffSources(oldCfg.Sources, newCfg.Sources); !sc.Empty() {
		changed = append(changed, "sources")
		attrs = append(attrs,
			logx.Int("sources.added", len(sc.Added)),
			logx.Int("sources.changed", len(sc.Changed)),
			logx.Int("sources.removed", len(sc.Removed)),
		)
	}
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "scheduler", "pool", "hostload", "storage", "monitor":
			out = append(out, s)
		}
	}
	return out
}
