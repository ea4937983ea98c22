package model

import "time"

type Customer struct {
	ID     int64  `db:"id"      json:"id"`
	Name   string `db:"name"    json:"name"`
	APIKey string `db:"api_key" json:"api_key,omitempty"`

	Limits `json:"limits"`

	SignupDate time.Time `db:"signup_date" json:"signup_date"`
	ExpiryDate time.Time `db:"expiry_date" json:"expiry_date"`
	IsActive   bool      `db:"is_active"   json:"is_active"`
	TotalCalls int64     `db:"total_calls" json:"total_calls"` // written by the usage recorder only
	CreatedAt  time.Time `db:"created_at"  json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"  json:"updated_at"`
}

// ExpiredAt reports whether the subscription has lapsed at now.
func (c *Customer) ExpiredAt(now time.Time) bool {
	return !now.Before(c.ExpiryDate)
}
