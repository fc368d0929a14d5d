package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roniherschmann/go-visitors/internal/metrics"
)

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
	// VisitLogMaxLen caps the visit stream; trimming is approximate.
	VisitLogMaxLen int64
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:           "localhost:6379",
		PoolSize:       10,
		KeyPrefix:      "visitors:",
		VisitLogMaxLen: 100000,
	}
}

// Redis keeps the ledger in a hash (fingerprint -> first seen) and the
// counters in another hash. A visit is a single Lua script, so the
// membership test, ledger insert and counter update run without any other
// command interleaving.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
}

var (
	_ Store       = (*Redis)(nil)
	_ VisitLogger = (*Redis)(nil)
)

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisWithClient(client, cfg), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, cfg RedisConfig) *Redis {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultRedisConfig().KeyPrefix
	}
	return &Redis{client: client, cfg: cfg}
}

func (r *Redis) statsKey() string  { return r.cfg.KeyPrefix + "stats" }
func (r *Redis) ledgerKey() string { return r.cfg.KeyPrefix + "ledger" }
func (r *Redis) visitsKey() string { return r.cfg.KeyPrefix + "visits" }

const (
	fieldUnique      = "total_unique_visitors"
	fieldViews       = "total_page_views"
	fieldLastUpdated = "last_updated"
)

// seedScript creates the stats hash once.
// KEYS[1] stats; ARGV[1] timestamp.
var seedScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "total_unique_visitors", 0, "total_page_views", 0, "last_updated", ARGV[1])
return 1
`)

// visitScript observes a fingerprint and applies the visit. Every check runs
// before the first write, so a failing script leaves no partial state.
// KEYS[1] stats, KEYS[2] ledger; ARGV[1] fingerprint, ARGV[2] timestamp.
// Returns {is_new, unique, views, last_updated}.
var visitScript = redis.NewScript(`
local stats = redis.call("HMGET", KEYS[1], "total_unique_visitors", "total_page_views")
if not stats[1] or not stats[2] then
    return redis.error_reply("NOTSEEDED visitor stats missing")
end
local unique = tonumber(stats[1])
local views = tonumber(stats[2])
if not unique or not views then
    return redis.error_reply("CORRUPT visitor stats are not numeric")
end
if unique < 0 or views < unique then
    return redis.error_reply("INVARIANT visitor stats inconsistent")
end

local is_new = 0
if redis.call("HEXISTS", KEYS[2], ARGV[1]) == 0 then
    redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
    is_new = 1
end

unique = unique + is_new
views = views + 1
redis.call("HSET", KEYS[1], "total_unique_visitors", unique, "total_page_views", views, "last_updated", ARGV[2])
return {is_new, unique, views, ARGV[2]}
`)

// Migrate seeds the stats hash if it does not exist.
func (r *Redis) Migrate(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := seedScript.Run(ctx, r.client, []string{r.statsKey()}, now).Err(); err != nil {
		return fmt.Errorf("seed visitor stats: %w", err)
	}
	return nil
}

func (r *Redis) RecordVisit(ctx context.Context, hash string, at time.Time) (Visit, error) {
	start := time.Now()
	v, err := r.recordVisit(ctx, hash, at)
	metrics.ObserveStoreOp("record_visit", start, err)
	return v, err
}

func (r *Redis) recordVisit(ctx context.Context, hash string, at time.Time) (Visit, error) {
	ts := at.UTC().Format(time.RFC3339Nano)
	res, err := visitScript.Run(ctx, r.client, []string{r.statsKey(), r.ledgerKey()}, hash, ts).Slice()
	if err != nil {
		switch {
		case strings.HasPrefix(err.Error(), "NOTSEEDED"):
			return Visit{}, ErrNotSeeded
		case strings.HasPrefix(err.Error(), "INVARIANT"):
			return Visit{}, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
		}
		return Visit{}, fmt.Errorf("visit script: %w", err)
	}
	return parseVisitReply(res)
}

// parseVisitReply decodes the {is_new, unique, views, last_updated} reply of
// visitScript.
func parseVisitReply(res []any) (Visit, error) {
	if len(res) != 4 {
		return Visit{}, fmt.Errorf("visit script: unexpected reply %v", res)
	}

	isNew, ok1 := res[0].(int64)
	unique, ok2 := res[1].(int64)
	views, ok3 := res[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return Visit{}, fmt.Errorf("visit script: unexpected reply %v", res)
	}
	last, err := parseRedisTime(res[3])
	if err != nil {
		return Visit{}, err
	}
	snap := Snapshot{TotalUniqueVisitors: unique, TotalPageViews: views, LastUpdated: last}
	if err := snap.Validate(); err != nil {
		return Visit{}, err
	}
	return Visit{Snapshot: snap, IsNew: isNew == 1}, nil
}

func (r *Redis) ReadSnapshot(ctx context.Context) (Snapshot, error) {
	start := time.Now()
	snap, err := r.readSnapshot(ctx)
	metrics.ObserveStoreOp("read_snapshot", start, err)
	return snap, err
}

func (r *Redis) readSnapshot(ctx context.Context) (Snapshot, error) {
	vals, err := r.client.HMGet(ctx, r.statsKey(), fieldUnique, fieldViews, fieldLastUpdated).Result()
	if err != nil {
		return Snapshot{}, err
	}
	if vals[0] == nil || vals[1] == nil || vals[2] == nil {
		return Snapshot{}, ErrNotSeeded
	}
	unique, err := parseRedisInt(vals[0])
	if err != nil {
		return Snapshot{}, err
	}
	views, err := parseRedisInt(vals[1])
	if err != nil {
		return Snapshot{}, err
	}
	last, err := parseRedisTime(vals[2])
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{TotalUniqueVisitors: unique, TotalPageViews: views, LastUpdated: last}, nil
}

func (r *Redis) FirstSeen(ctx context.Context, hash string) (time.Time, bool, error) {
	v, err := r.client.HGet(ctx, r.ledgerKey(), hash).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	at, err := parseRedisTime(v)
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

func (r *Redis) InsertVisit(ctx context.Context, ev VisitEvent) error {
	start := time.Now()
	args := &redis.XAddArgs{
		Stream: r.visitsKey(),
		Values: map[string]any{
			"id":        ev.ID.String(),
			"hash":      ev.Hash,
			"page":      ev.Page,
			"client_ts": ev.ClientTimestamp,
			"is_new":    strconv.FormatBool(ev.IsNew),
			"at":        ev.At.UTC().Format(time.RFC3339Nano),
		},
	}
	if r.cfg.VisitLogMaxLen > 0 {
		args.MaxLen = r.cfg.VisitLogMaxLen
		args.Approx = true
	}
	err := r.client.XAdd(ctx, args).Err()
	metrics.ObserveStoreOp("insert_visit", start, err)
	return err
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func parseRedisInt(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse counter %q: %w", t, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected counter type %T", v)
	}
}

func parseRedisTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
