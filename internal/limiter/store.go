// Package limiter implements the window counter store: per-customer counters
// for the five rate periods, reserved atomically as one unit.
//
// Every backend evaluates periods in model.Periods order and stops at the first
// period with no capacity left. A rejected reservation mutates nothing. Counters
// whose window key is no longer current read as zero, so no reset pass is needed;
// Sweep only reclaims space.
package limiter

import (
	"context"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/model"
)

const numPeriods = len(model.Periods)

// Counts holds one value per period, indexed like model.Periods.
type Counts = model.PeriodCounts

// Result is the outcome of a reservation attempt.
type Result struct {
	Allowed    bool
	Period     model.Period // first exhausted period when !Allowed
	Limit      int64
	Used       int64 // count before this attempt
	RetryAfter time.Duration
}

// Store is the window counter store. Implementations must serialize the
// read-check-increment of one customer against concurrent reservations of
// the same customer.
type Store interface {
	TryReserve(ctx context.Context, customerID int64, limits model.Limits, now time.Time) (Result, error)
	// Usage returns the effective counts of the windows containing now.
	Usage(ctx context.Context, customerID int64, now time.Time) (Counts, error)
	// Sweep deletes counters of windows that ended before now.
	Sweep(ctx context.Context, now time.Time) (int64, error)
	Name() string
}

// windowKeys returns the current window key of every period.
func windowKeys(now time.Time) Counts {
	var keys Counts
	for i, p := range model.Periods {
		keys[i] = p.WindowKey(now)
	}
	return keys
}

// evaluate applies the admission rule to effective counts.
func evaluate(limits model.Limits, used Counts, now time.Time) Result {
	for i, p := range model.Periods {
		lim := limits.For(p)
		if used[i]+1 > lim {
			return Result{
				Period:     p,
				Limit:      lim,
				Used:       used[i],
				RetryAfter: p.RetryAfter(now),
			}
		}
	}
	return Result{Allowed: true}
}
