package model

import (
	"strings"
	"time"
)

// Period is one of the fixed granularities a customer's usage is capped over.
type Period string

const (
	PeriodSecond Period = "second"
	PeriodMinute Period = "minute"
	PeriodHour   Period = "hour"
	PeriodDay    Period = "day"
	PeriodMonth  Period = "month"
)

// Periods lists every period in evaluation order, smallest window first.
var Periods = [...]Period{PeriodSecond, PeriodMinute, PeriodHour, PeriodDay, PeriodMonth}

func (p Period) String() string { return string(p) }

func (p Period) Valid() bool { return p.Index() >= 0 }

// Index returns the position of p in Periods, or -1.
func (p Period) Index() int {
	for i, q := range Periods {
		if q == p {
			return i
		}
	}
	return -1
}

// ParsePeriod normalizes input; returns (value, true) if valid.
func ParsePeriod(s string) (Period, bool) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	return p, p.Valid()
}

// seconds is the fixed length of every period except month.
func (p Period) seconds() int64 {
	switch p {
	case PeriodSecond:
		return 1
	case PeriodMinute:
		return 60
	case PeriodHour:
		return 3600
	case PeriodDay:
		return 86400
	default:
		return 0
	}
}

// WindowKey identifies the window instance of p that contains t.
// Fixed periods use floor(unix / length); month uses the UTC calendar
// year-month as year*100+month.
func (p Period) WindowKey(t time.Time) int64 {
	t = t.UTC()
	if p == PeriodMonth {
		return int64(t.Year())*100 + int64(t.Month())
	}
	return floorDiv(t.Unix(), p.seconds())
}

// WindowEnd returns the first instant of the window following the one that contains t.
func (p Period) WindowEnd(t time.Time) time.Time {
	t = t.UTC()
	if p == PeriodMonth {
		return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	}
	n := p.seconds()
	return time.Unix((floorDiv(t.Unix(), n)+1)*n, 0).UTC()
}

// RetryAfter is the time left until the window containing now rolls over.
func (p Period) RetryAfter(now time.Time) time.Duration {
	return p.WindowEnd(now).Sub(now)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
