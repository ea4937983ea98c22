package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, now time.Time) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	mr.SetTime(now)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(RedisConfig{Redis: rdb, Grace: time.Second}), mr
}

func TestRedisStore_ThirdRequestInSameSecondDenied(t *testing.T) {
	s, _ := newRedisStore(t, t0)
	ctx := context.Background()
	limits := generous()
	limits.PerSecond = 2

	for i := 0; i < 2; i++ {
		res, err := s.TryReserve(ctx, 1, limits, t0)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := s.TryReserve(ctx, 1, limits, t0)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, model.PeriodSecond, res.Period)
	assert.Equal(t, int64(2), res.Limit)
	assert.Equal(t, int64(2), res.Used)
	assert.Equal(t, time.Second, res.RetryAfter)

	used, err := s.Usage(ctx, 1, t0)
	require.NoError(t, err)
	assert.Equal(t, Counts{2, 2, 2, 2, 2}, used, "denied attempt wrote nothing")
}

func TestRedisStore_MonthLimitAndRollover(t *testing.T) {
	s, mr := newRedisStore(t, t0)
	ctx := context.Background()
	limits := generous()
	limits.PerMonth = 5

	for i := 0; i < 5; i++ {
		res, err := s.TryReserve(ctx, 2, limits, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := s.TryReserve(ctx, 2, limits, t0.Add(10*time.Second))
	require.NoError(t, err)
	require.False(t, res.Allowed)
	assert.Equal(t, model.PeriodMonth, res.Period)
	assert.Equal(t, int64(5), res.Used)

	nextMonth := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	mr.SetTime(nextMonth)
	res, err = s.TryReserve(ctx, 2, limits, nextMonth)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisStore_KeysCarryExpiry(t *testing.T) {
	s, mr := newRedisStore(t, t0)
	ctx := context.Background()

	_, err := s.TryReserve(ctx, 3, generous(), t0)
	require.NoError(t, err)

	key := s.key(3, model.PeriodSecond, model.PeriodSecond.WindowKey(t0))
	require.True(t, mr.Exists(key))
	assert.Equal(t, 2*time.Second, mr.TTL(key))

	mr.FastForward(3 * time.Second)
	assert.False(t, mr.Exists(key), "stale second window reclaimed")
	assert.True(t, mr.Exists(s.key(3, model.PeriodMonth, 202610)))
}

func TestRedisStore_NoOvershootUnderConcurrency(t *testing.T) {
	s, _ := newRedisStore(t, t0)
	ctx := context.Background()
	limits := generous()
	limits.PerSecond = 7

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.TryReserve(ctx, 42, limits, t0)
			if err == nil && res.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(7), admitted.Load())
}

func TestRedisStore_Unavailable(t *testing.T) {
	s, mr := newRedisStore(t, t0)
	mr.Close()

	_, err := s.TryReserve(context.Background(), 1, generous(), t0)
	assert.Error(t, err)
}
