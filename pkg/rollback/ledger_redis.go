package rollback

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisCountScript purges events older than the horizon and counts the window
// atomically in Redis.
// KEYS[1] = sorted-set key for the violation type
// ARGV[1] = purge cutoff (unix nanoseconds, events strictly older are removed)
// ARGV[2] = window start (unix nanoseconds, inclusive)
// ARGV[3] = now (unix nanoseconds, inclusive)
var redisCountScript = redis.NewScript(`
local key = KEYS[1]
local purge_cutoff = ARGV[1]
local window_start = ARGV[2]
local now = ARGV[3]

redis.call("ZREMRANGEBYSCORE", key, "-inf", "(" .. purge_cutoff)
return redis.call("ZCOUNT", key, window_start, now)
`)

// RedisLedger is a Ledger backed by per-type Redis sorted sets, scored by
// event timestamp. Shared across processes so threshold counting stays
// consistent in multi-instance deployments.
type RedisLedger struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisLedger creates a ledger backed by Redis.
func NewRedisLedger(addr string, password string, db int) *RedisLedger {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLedger{client: rdb, keyPrefix: "aegis:violations"}
}

// NewRedisLedgerWithClient wraps an existing client, for tests and shared
// connection pools.
func NewRedisLedgerWithClient(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client, keyPrefix: "aegis:violations"}
}

func (l *RedisLedger) typeKey(violationType string) string {
	return fmt.Sprintf("%s:%s", l.keyPrefix, violationType)
}

func (l *RedisLedger) typesKey() string {
	return l.keyPrefix + ":types"
}

func (l *RedisLedger) Record(ctx context.Context, violationType string, at time.Time) error {
	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, l.typeKey(violationType), redis.Z{
		Score:  float64(at.UnixNano()),
		Member: uuid.NewString(),
	})
	pipe.SAdd(ctx, l.typesKey(), violationType)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis ledger record: %w", err)
	}
	return nil
}

func (l *RedisLedger) CountInWindow(ctx context.Context, violationType string, window, horizon time.Duration, now time.Time) (int, error) {
	if horizon < window {
		horizon = window
	}

	res, err := redisCountScript.Run(ctx, l.client,
		[]string{l.typeKey(violationType)},
		now.Add(-horizon).UnixNano(),
		now.Add(-window).UnixNano(),
		now.UnixNano(),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ledger count: %w", err)
	}

	count, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("invalid response from lua script")
	}
	return int(count), nil
}

func (l *RedisLedger) Snapshot(ctx context.Context, now time.Time) (*LedgerSnapshot, error) {
	types, err := l.client.SMembers(ctx, l.typesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ledger snapshot: %w", err)
	}

	snap := &LedgerSnapshot{
		PerType:       make(map[string]int, len(types)),
		RecentPerType: make(map[string]int, len(types)),
	}
	hourAgo := fmt.Sprintf("%d", now.Add(-time.Hour).UnixNano())
	nowScore := fmt.Sprintf("%d", now.UnixNano())
	for _, vt := range types {
		key := l.typeKey(vt)
		total, err := l.client.ZCard(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("redis ledger snapshot: %w", err)
		}
		snap.TotalEvents += int(total)
		snap.PerType[vt] = int(total)

		recent, err := l.client.ZCount(ctx, key, hourAgo, nowScore).Result()
		if err != nil {
			return nil, fmt.Errorf("redis ledger snapshot: %w", err)
		}
		if recent > 0 {
			snap.RecentPerType[vt] = int(recent)
		}
	}
	return snap, nil
}
