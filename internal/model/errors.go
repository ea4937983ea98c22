package model

import (
	"errors"
	"fmt"
	"time"
)

var ErrCustomerNotFound = errors.New("customer not found")

type AuthReason int

const (
	AuthNoKey AuthReason = iota
	AuthInvalidKey
	AuthExpired
	AuthInactive
)

func (r AuthReason) String() string {
	switch r {
	case AuthNoKey:
		return "no_key"
	case AuthInvalidKey:
		return "invalid_key"
	case AuthExpired:
		return "expired"
	case AuthInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// AuthError is returned when an API key cannot be turned into an admissible customer.
type AuthError struct {
	Reason AuthReason
}

func (e *AuthError) Error() string {
	switch e.Reason {
	case AuthNoKey:
		return "missing api key"
	case AuthInvalidKey:
		return "invalid api key"
	case AuthExpired:
		return "subscription expired"
	case AuthInactive:
		return "customer inactive"
	default:
		return "unauthorized"
	}
}

// RateLimitError names the first period, in evaluation order, that had no capacity left.
type RateLimitError struct {
	Period     Period
	Limit      int64
	Used       int64 // count before the rejected attempt
	RetryAfter time.Duration
	Anonymous  bool
}

func (e *RateLimitError) Error() string {
	scope := "customer"
	if e.Anonymous {
		scope = "anonymous"
	}
	return fmt.Sprintf("%s rate limit exceeded: %d/%d per %s, retry after %s",
		scope, e.Used, e.Limit, e.Period, e.RetryAfter)
}

// StorageError wraps a failure of a backing store during admission.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// AccountingError wraps a failed usage write. It never changes an admission outcome.
type AccountingError struct {
	CustomerID int64
	Err        error
}

func (e *AccountingError) Error() string {
	return fmt.Sprintf("accounting: customer=%d: %v", e.CustomerID, e.Err)
}
func (e *AccountingError) Unwrap() error { return e.Err }

// Validation codes live in the 2000-2099 range.
const (
	ValidationBadRequest    = 2000
	ValidationInvalidDomain = 2001
)

// ValidationError is an input or domain validation failure, passed through with its code.
type ValidationError struct {
	Code    int
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// UpstreamError is a failure of the protected analysis backend.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("upstream %s: status=%d", e.Provider, e.StatusCode)
}
func (e *UpstreamError) Unwrap() error { return e.Err }
