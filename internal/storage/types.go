package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("source not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local map, lost on exit
//   - "file": jsonl journal + snapshot under Path
//   - "sqlite": SQLite database file at Path
//   - "redis": one hash per Redis.Prefix
//
// An empty Driver means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store is the schedule persistence API.
type Store interface {
	// Sources lists every stored source id in ascending order.
	Sources(ctx context.Context) ([]string, error)
	// Schedule returns ErrNotFound for an unknown id.
	Schedule(ctx context.Context, id string) (string, error)
	// PutSchedule creates or replaces.
	PutSchedule(ctx context.Context, id, sched string) error
	// UpdateSchedule replaces an existing schedule; ErrNotFound if absent.
	UpdateSchedule(ctx context.Context, id, sched string) error
	// DeleteSource is idempotent.
	DeleteSource(ctx context.Context, id string) error
	Close() error
}
