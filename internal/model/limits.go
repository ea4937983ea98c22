package model

import "fmt"

// Limits caps admitted calls per period. Zero means no call is admitted in that period.
type Limits struct {
	PerSecond int64 `db:"limit_per_second" json:"per_second"`
	PerMinute int64 `db:"limit_per_minute" json:"per_minute"`
	PerHour   int64 `db:"limit_per_hour"   json:"per_hour"`
	PerDay    int64 `db:"limit_per_day"    json:"per_day"`
	PerMonth  int64 `db:"limit_per_month"  json:"per_month"`
}

// For returns the limit configured for p.
func (l Limits) For(p Period) int64 {
	switch p {
	case PeriodSecond:
		return l.PerSecond
	case PeriodMinute:
		return l.PerMinute
	case PeriodHour:
		return l.PerHour
	case PeriodDay:
		return l.PerDay
	case PeriodMonth:
		return l.PerMonth
	default:
		return 0
	}
}

// Array returns the limits in evaluation order.
func (l Limits) Array() PeriodCounts {
	var out PeriodCounts
	for i, p := range Periods {
		out[i] = l.For(p)
	}
	return out
}

func (l Limits) Validate() error {
	for _, p := range Periods {
		if l.For(p) < 0 {
			return &ValidationError{
				Code:    ValidationBadRequest,
				Field:   "limits." + p.String(),
				Message: fmt.Sprintf("limit per %s must be >= 0", p),
			}
		}
	}
	return nil
}

// LimitsPatch is a partial update of Limits; nil fields are left untouched.
type LimitsPatch struct {
	PerSecond *int64 `json:"per_second,omitempty"`
	PerMinute *int64 `json:"per_minute,omitempty"`
	PerHour   *int64 `json:"per_hour,omitempty"`
	PerDay    *int64 `json:"per_day,omitempty"`
	PerMonth  *int64 `json:"per_month,omitempty"`
}

func (p LimitsPatch) Empty() bool {
	return p.PerSecond == nil && p.PerMinute == nil && p.PerHour == nil && p.PerDay == nil && p.PerMonth == nil
}

// Apply overlays the set fields of p onto base.
func (p LimitsPatch) Apply(base Limits) Limits {
	if p.PerSecond != nil {
		base.PerSecond = *p.PerSecond
	}
	if p.PerMinute != nil {
		base.PerMinute = *p.PerMinute
	}
	if p.PerHour != nil {
		base.PerHour = *p.PerHour
	}
	if p.PerDay != nil {
		base.PerDay = *p.PerDay
	}
	if p.PerMonth != nil {
		base.PerMonth = *p.PerMonth
	}
	return base
}
