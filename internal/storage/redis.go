package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "traversald/pkg/logx"
)

// updateIfExists keeps UpdateSchedule atomic against a concurrent delete.
var updateIfExists = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
	redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

// redisStore keeps every schedule in a single hash: field = source id.
type redisStore struct {
	client *redis.Client
	key    string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("connected to redis", logx.String("addr", addr), logx.Int("db", cfg.Redis.DB))
	return newRedisStore(client, cfg.Redis.Prefix, log), nil
}

func newRedisStore(client *redis.Client, prefix string, log logx.Logger) *redisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "traversald"
	}
	return &redisStore{client: client, key: prefix + ":schedules", log: log}
}

func (s *redisStore) Sources(ctx context.Context) ([]string, error) {
	ids, err := s.client.HKeys(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("listing sources from redis: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *redisStore) Schedule(ctx context.Context, id string) (string, error) {
	v, err := s.client.HGet(ctx, s.key, id).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading schedule from redis: %w", err)
	}
	return v, nil
}

func (s *redisStore) PutSchedule(ctx context.Context, id, sched string) error {
	if err := s.client.HSet(ctx, s.key, id, sched).Err(); err != nil {
		return fmt.Errorf("writing schedule to redis: %w", err)
	}
	return nil
}

func (s *redisStore) UpdateSchedule(ctx context.Context, id, sched string) error {
	n, err := updateIfExists.Run(ctx, s.client, []string{s.key}, id, sched).Int()
	if err != nil {
		return fmt.Errorf("updating schedule in redis: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *redisStore) DeleteSource(ctx context.Context, id string) error {
	return s.client.HDel(ctx, s.key, id).Err()
}

func (s *redisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
