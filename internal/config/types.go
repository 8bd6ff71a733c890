package config

import (
	"bytes"
	"encoding/json"
)

// Config is the daemon configuration. JSON and YAML are both accepted;
// unknown keys are rejected.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Pool      PoolConfig      `json:"pool"`
	HostLoad  HostLoadConfig  `json:"hostload"`
	Storage   StorageConfig   `json:"storage"`
	Monitor   MonitorConfig   `json:"monitor,omitempty"`

	// Sources seed the registry. Hot reload applies additions, schedule
	// changes and removals.
	Sources []SourceConfig `json:"sources"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the control loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "15m").
//
// Defaults (when fields are omitted/zero):
//   - period: "1s"
//   - timezone: Local
//   - error_backoff: "15m"
//   - status_report: "" (disabled); a cron spec such as "@every 1m" or "*/5 * * * *"
type SchedulerConfig struct {
	Period       string `json:"period,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	ErrorBackoff string `json:"error_backoff,omitempty"`
	StatusReport string `json:"status_report,omitempty"`
}

// PoolConfig controls the worker pool that runs batches.
//
// Defaults: workers 4, queue_size 256, history_size 200, shutdown_timeout "30s".
type PoolConfig struct {
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// HostLoadConfig sizes admission quotas. A source's load is expressed in
// units per period.
//
// Defaults: period "1m", batch_size 500.
type HostLoadConfig struct {
	Period    string `json:"period,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
}

// StorageConfig selects where schedules persist.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/traversald.db" }
type StorageConfig struct {
	Driver      string       `json:"driver"`
	Path        string       `json:"path,omitempty"`
	BusyTimeout string       `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Redis       *RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type MonitorConfig struct {
	Prometheus PrometheusConfig `json:"prometheus,omitempty"`
	Kafka      KafkaConfig      `json:"kafka,omitempty"`
}

// PrometheusConfig exposes monitor variables on /metrics. Pprof also mounts
// /debug/pprof/ on the same listener, without auth.
// Prefer binding to localhost (default "127.0.0.1:9464").
type PrometheusConfig struct {
	Enabled   bool   `json:"enabled"`
	Addr      string `json:"addr,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Pprof     bool   `json:"pprof,omitempty"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers,omitempty"`
	Topic   string   `json:"topic,omitempty"`
}

// SourceConfig registers one source.
//
// Schedule uses the persisted form "<id>:<load>:<retryMillis>:<start>-<end>...",
// optionally prefixed with '#' to start disabled. Command is run once per
// batch; an empty command leaves the source without runnable batches.
type SourceConfig struct {
	ID       string `json:"id"`
	Schedule string `json:"schedule"`
	Command  string `json:"command,omitempty"`
	WorkDir  string `json:"workdir,omitempty"`
}

// UnmarshalJSON disallows unknown fields so a misspelled key inside a list
// entry is caught during reload too.
func (s *SourceConfig) UnmarshalJSON(b []byte) error {
	type plain SourceConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*s = SourceConfig(p)
	return nil
}
