package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"traversald/internal/schedule"
)

// CronParser accepts 5-field, 6-field (leading seconds) and descriptor specs.
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks everything that can be checked without side effects.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	_, err := ParseDurationField("scheduler.period", cfg.Scheduler.Period)
	add(err)
	_, err = ParseDurationField("scheduler.error_backoff", cfg.Scheduler.ErrorBackoff)
	add(err)
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if spec := strings.TrimSpace(cfg.Scheduler.StatusReport); spec != "" {
		if _, err := CronParser.Parse(spec); err != nil {
			add(fmt.Errorf("scheduler.status_report: %w", err))
		}
	}

	_, err = ParseDurationField("pool.shutdown_timeout", cfg.Pool.ShutdownTimeout)
	add(err)
	if cfg.Pool.Workers < 0 || cfg.Pool.QueueSize < 0 || cfg.Pool.HistorySize < 0 {
		add(errors.New("pool: sizes must be >= 0"))
	}

	_, err = ParseDurationField("hostload.period", cfg.HostLoad.Period)
	add(err)
	if cfg.HostLoad.BatchSize < 0 {
		add(errors.New("hostload.batch_size must be >= 0"))
	}

	add(validateStorage(cfg.Storage))

	if k := cfg.Monitor.Kafka; k.Enabled && (len(k.Brokers) == 0 || strings.TrimSpace(k.Topic) == "") {
		add(errors.New("monitor.kafka: brokers and topic are required when enabled"))
	}

	seen := make(map[string]bool, len(cfg.Sources))
	for i, src := range cfg.Sources {
		id := strings.TrimSpace(src.ID)
		path := fmt.Sprintf("sources[%d]", i)
		switch {
		case id == "":
			add(fmt.Errorf("%s: id is required", path))
			continue
		case strings.ContainsAny(id, ":#"):
			add(fmt.Errorf("%s: id %q must not contain ':' or '#'", path, id))
			continue
		case seen[id]:
			add(fmt.Errorf("%s: duplicate id %q", path, id))
			continue
		}
		seen[id] = true

		d, err := schedule.Parse(src.Schedule)
		if err != nil {
			add(fmt.Errorf("%s (%s): %w", path, id, err))
			continue
		}
		if d.SourceID != id {
			add(fmt.Errorf("%s: schedule names source %q, want %q", path, d.SourceID, id))
		}
	}

	return errors.Join(errs...)
}

func validateStorage(s StorageConfig) error {
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
		return err
	}
	switch driver {
	case "", "memory":
		return nil
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("storage.path is required for driver %q", driver)
		}
		return nil
	case "redis":
		if s.Redis == nil || strings.TrimSpace(s.Redis.Addr) == "" {
			return errors.New("storage.redis.addr is required for driver \"redis\"")
		}
		return nil
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
	}
}
