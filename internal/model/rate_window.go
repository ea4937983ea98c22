package model

import "time"

// PeriodCounts holds one value per period, indexed like Periods.
type PeriodCounts = [len(Periods)]int64

// RateWindow is the stored counter of one window instance.
type RateWindow struct {
	CustomerID int64     `db:"customer_id"`
	PeriodType Period    `db:"period_type"`
	WindowKey  int64     `db:"window_key"`
	Count      int64     `db:"count"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// WindowStatus is the read view of a customer's current window for one period.
type WindowStatus struct {
	Period    Period    `json:"period"`
	WindowKey int64     `json:"window_key"`
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// BuildWindowStatus joins effective counts (indexed like Periods) with limits.
func BuildWindowStatus(limits Limits, used PeriodCounts, now time.Time) []WindowStatus {
	out := make([]WindowStatus, 0, len(Periods))
	for i, p := range Periods {
		lim := limits.For(p)
		rem := lim - used[i]
		if rem < 0 {
			rem = 0
		}
		out = append(out, WindowStatus{
			Period:    p,
			WindowKey: p.WindowKey(now),
			Used:      used[i],
			Limit:     lim,
			Remaining: rem,
			ResetAt:   p.WindowEnd(now),
		})
	}
	return out
}
