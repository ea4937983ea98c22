package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)

func generous() model.Limits {
	return model.Limits{PerSecond: 1000, PerMinute: 10000, PerHour: 100000, PerDay: 1000000, PerMonth: 10000000}
}

func TestMemoryStore_ThirdRequestInSameSecondDenied(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	limits := generous()
	limits.PerSecond = 2

	for i := 0; i < 2; i++ {
		res, err := s.TryReserve(ctx, 1, limits, t0.Add(time.Duration(i)*100*time.Millisecond))
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d", i+1)
	}

	res, err := s.TryReserve(ctx, 1, limits, t0.Add(300*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, model.PeriodSecond, res.Period)
	assert.Equal(t, int64(2), res.Limit)
	assert.Equal(t, int64(2), res.Used)
	assert.Equal(t, 700*time.Millisecond, res.RetryAfter)
}

func TestMemoryStore_WindowRollover(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	limits := generous()
	limits.PerSecond = 1

	res, err := s.TryReserve(ctx, 1, limits, t0)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	prev := time.Duration(1<<63 - 1)
	for _, off := range []time.Duration{100, 400, 800, 999} {
		res, err := s.TryReserve(ctx, 1, limits, t0.Add(off*time.Millisecond))
		require.NoError(t, err)
		require.False(t, res.Allowed)
		assert.Less(t, res.RetryAfter, prev)
		prev = res.RetryAfter
	}

	res, err = s.TryReserve(ctx, 1, limits, t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, res.Allowed, "admitted again once the window key advances")
}

func TestMemoryStore_DeniedAttemptMutatesNothing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	limits := generous()
	limits.PerMinute = 3

	for i := 0; i < 3; i++ {
		res, err := s.TryReserve(ctx, 9, limits, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	before, err := s.Usage(ctx, 9, t0.Add(5*time.Second))
	require.NoError(t, err)

	res, err := s.TryReserve(ctx, 9, limits, t0.Add(5*time.Second))
	require.NoError(t, err)
	require.False(t, res.Allowed)
	assert.Equal(t, model.PeriodMinute, res.Period)

	after, err := s.Usage(ctx, 9, t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, Counts{0, 3, 3, 3, 3}, after)
}

func TestMemoryStore_PeriodsIndependent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	limits := generous()
	limits.PerMinute = 2

	for i := 0; i < 2; i++ {
		res, err := s.TryReserve(ctx, 3, limits, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	for i := 0; i < 5; i++ {
		res, err := s.TryReserve(ctx, 3, limits, t0.Add(10*time.Second))
		require.NoError(t, err)
		require.False(t, res.Allowed)
	}

	// next minute: minute counter restarts, larger windows keep their counts
	next := t0.Add(time.Minute)
	res, err := s.TryReserve(ctx, 3, limits, next)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	used, err := s.Usage(ctx, 3, next)
	require.NoError(t, err)
	assert.Equal(t, Counts{1, 1, 3, 3, 3}, used)
}

func TestMemoryStore_MonthLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	limits := generous()
	limits.PerMonth = 5

	for i := 0; i < 5; i++ {
		res, err := s.TryReserve(ctx, 4, limits, t0.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	now := t0.Add(6 * time.Hour)
	res, err := s.TryReserve(ctx, 4, limits, now)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	assert.Equal(t, model.PeriodMonth, res.Period)
	assert.Equal(t, int64(5), res.Used)
	nextMonth := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, nextMonth.Sub(now), res.RetryAfter)

	res, err = s.TryReserve(ctx, 4, limits, nextMonth)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestMemoryStore_FirstFailingPeriodWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	limits := model.Limits{PerSecond: 1, PerMinute: 100, PerHour: 100, PerDay: 100, PerMonth: 1}

	res, err := s.TryReserve(ctx, 5, limits, t0)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = s.TryReserve(ctx, 5, limits, t0)
	require.NoError(t, err)
	assert.Equal(t, model.PeriodSecond, res.Period, "second is evaluated before month")
}

func TestMemoryStore_ZeroLimitAdmitsNothing(t *testing.T) {
	s := NewMemoryStore()
	limits := generous()
	limits.PerDay = 0

	res, err := s.TryReserve(context.Background(), 6, limits, t0)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, model.PeriodDay, res.Period)
	assert.Equal(t, int64(0), res.Used)
}

func TestMemoryStore_NoOvershootUnderConcurrency(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	limits := generous()
	limits.PerSecond = 10

	const customers = 4
	const workers = 200

	var admitted [customers]atomic.Int64
	var wg sync.WaitGroup
	for c := 0; c < customers; c++ {
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				res, err := s.TryReserve(ctx, int64(id+1), limits, t0)
				if err == nil && res.Allowed {
					admitted[id].Add(1)
				}
			}(c)
		}
	}
	wg.Wait()

	for c := 0; c < customers; c++ {
		assert.Equal(t, int64(10), admitted[c].Load(), "customer %d", c+1)
		used, err := s.Usage(ctx, int64(c+1), t0)
		require.NoError(t, err)
		assert.Equal(t, int64(10), used[0])
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.TryReserve(ctx, 1, generous(), t0)
	require.NoError(t, err)
	_, err = s.TryReserve(ctx, 2, generous(), t0)
	require.NoError(t, err)

	n, err := s.Sweep(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "month window still live")

	n, err = s.Sweep(ctx, time.Date(2026, 11, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.TryReserve(ctx, 1, generous(), t0)
	assert.ErrorIs(t, err, context.Canceled)
}
