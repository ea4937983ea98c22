package model

import "time"

// UsageRecord is one completed call that passed admission. Rows are append-only.
type UsageRecord struct {
	ID             string    `db:"id"               json:"id"`
	CustomerID     int64     `db:"customer_id"      json:"customer_id"`
	Timestamp      time.Time `db:"timestamp"        json:"timestamp"`
	ResponseTimeMs int64     `db:"response_time_ms" json:"response_time_ms"`
	StatusCode     int       `db:"status_code"      json:"status_code"`
	Error          *string   `db:"error"            json:"error,omitempty"`
}

// UsageStats aggregates a customer's usage records over [From, To).
type UsageStats struct {
	CustomerID    int64     `db:"customer_id"     json:"customer_id"`
	From          time.Time `db:"-"               json:"from"`
	To            time.Time `db:"-"               json:"to"`
	TotalCalls    int64     `db:"total_calls"     json:"total_calls"`
	ErrorCalls    int64     `db:"error_calls"     json:"error_calls"`
	AvgResponseMs float64   `db:"avg_response_ms" json:"avg_response_ms"`
	MaxResponseMs int64     `db:"max_response_ms" json:"max_response_ms"`
}

// DailyUsage is one day bucket from the analytics store.
type DailyUsage struct {
	Day           time.Time `db:"day"             json:"day"`
	Calls         uint64    `db:"calls"           json:"calls"`
	Errors        uint64    `db:"errors"          json:"errors"`
	AvgResponseMs float64   `db:"avg_response_ms" json:"avg_response_ms"`
}
