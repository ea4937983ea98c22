package limiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/redis/go-redis/v9"
)

// reserveScript checks every window in KEYS order and, only if all have room,
// increments them all. ARGV[1..n] are limits, ARGV[n+1..2n] expire-at unix seconds.
// Returns {0, 0} on success or {index, used} of the first exhausted window.
var reserveScript = redis.NewScript(`
local n = #KEYS
for i = 1, n do
  local used = tonumber(redis.call('GET', KEYS[i]) or '0')
  if used + 1 > tonumber(ARGV[i]) then
    return {i, used}
  end
end
for i = 1, n do
  redis.call('INCR', KEYS[i])
  redis.call('EXPIREAT', KEYS[i], ARGV[n + i])
end
return {0, 0}
`)

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Redis     *redis.Client
	KeyPrefix string        // e.g. "rl:"
	Grace     time.Duration // kept past window end before Redis expires the key
}

// RedisStore keeps one key per window instance: {prefix}{customer}:{period}:{window_key}.
// The window key is part of the name, so a new window starts at zero without a
// reset; EXPIREAT only reclaims memory.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	grace  time.Duration
}

func NewRedisStore(cfg RedisConfig) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rl:"
	}
	if cfg.Grace <= 0 {
		cfg.Grace = time.Minute
	}
	return &RedisStore{rdb: cfg.Redis, prefix: cfg.KeyPrefix, grace: cfg.Grace}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) Name() string { return "redis" }

// key uses a hash tag on the customer so all five windows share a cluster slot.
func (s *RedisStore) key(customerID int64, p model.Period, windowKey int64) string {
	return s.prefix + "{" + strconv.FormatInt(customerID, 10) + "}:" + p.String() + ":" + strconv.FormatInt(windowKey, 10)
}

func (s *RedisStore) keys(customerID int64, now time.Time) []string {
	out := make([]string, 0, numPeriods)
	for _, p := range model.Periods {
		out = append(out, s.key(customerID, p, p.WindowKey(now)))
	}
	return out
}

func (s *RedisStore) TryReserve(ctx context.Context, customerID int64, limits model.Limits, now time.Time) (Result, error) {
	keys := s.keys(customerID, now)
	args := make([]any, 0, 2*numPeriods)
	for _, p := range model.Periods {
		args = append(args, limits.For(p))
	}
	for _, p := range model.Periods {
		args = append(args, p.WindowEnd(now).Add(s.grace).Unix())
	}

	out, err := reserveScript.Run(ctx, s.rdb, keys, args...).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("redis reserve: %w", err)
	}
	if len(out) != 2 {
		return Result{}, fmt.Errorf("redis reserve: unexpected reply %v", out)
	}
	if out[0] == 0 {
		return Result{Allowed: true}, nil
	}

	idx := int(out[0]) - 1
	if idx < 0 || idx >= numPeriods {
		return Result{}, fmt.Errorf("redis reserve: window index %d out of range", out[0])
	}
	p := model.Periods[idx]
	return Result{
		Period:     p,
		Limit:      limits.For(p),
		Used:       out[1],
		RetryAfter: p.RetryAfter(now),
	}, nil
}

func (s *RedisStore) Usage(ctx context.Context, customerID int64, now time.Time) (Counts, error) {
	var used Counts
	vals, err := s.rdb.MGet(ctx, s.keys(customerID, now)...).Result()
	if err != nil {
		return used, fmt.Errorf("redis usage: %w", err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return used, fmt.Errorf("redis usage: parse %q: %w", str, err)
		}
		used[i] = n
	}
	return used, nil
}

// Sweep is a no-op: Redis expires stale window keys on its own.
func (s *RedisStore) Sweep(context.Context, time.Time) (int64, error) { return 0, nil }
