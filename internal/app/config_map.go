package app

import (
	"fmt"
	"strings"
	"time"

	"traversald/internal/config"
	"traversald/internal/hostload"
	"traversald/internal/storage"
	"traversald/internal/task/pool"
	"traversald/internal/task/scheduler"
	logx "traversald/pkg/logx"
)

const defaultShutdownTimeout = 30 * time.Second

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "redis":
		if sc.Redis == nil || strings.TrimSpace(sc.Redis.Addr) == "" {
			return storage.Config{}, fmt.Errorf("storage.redis.addr is required when storage.driver=redis")
		}
		return storage.Config{Driver: "redis", Redis: storage.RedisConfig{
			Addr:     strings.TrimSpace(sc.Redis.Addr),
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   strings.TrimSpace(sc.Redis.Prefix),
		}}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	period, err := config.ParseDurationField("scheduler.period", cfg.Scheduler.Period)
	if err != nil {
		return scheduler.Config{}, err
	}
	backoff, err := config.ParseDurationField("scheduler.error_backoff", cfg.Scheduler.ErrorBackoff)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Period:       period,
		Timezone:     strings.TrimSpace(cfg.Scheduler.Timezone),
		ErrorBackoff: backoff,
	}, nil
}

func mapPoolConfig(cfg *config.Config) (pool.Config, time.Duration, error) {
	timeout, err := config.ParseDurationOrDefault("pool.shutdown_timeout", cfg.Pool.ShutdownTimeout, defaultShutdownTimeout)
	if err != nil {
		return pool.Config{}, 0, err
	}
	return pool.Config{
		Workers:     cfg.Pool.Workers,
		QueueSize:   cfg.Pool.QueueSize,
		HistorySize: cfg.Pool.HistorySize,
	}, timeout, nil
}

func mapHostLoadConfig(cfg *config.Config) (hostload.Config, error) {
	period, err := config.ParseDurationField("hostload.period", cfg.HostLoad.Period)
	if err != nil {
		return hostload.Config{}, err
	}
	return hostload.Config{Period: period, BatchSize: cfg.HostLoad.BatchSize}, nil
}
