// Package codes maps admission outcomes and errors to the stable numeric
// response taxonomy returned to API callers.
package codes

import (
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/model"
)

type Code int

const (
	OK Code = 1000

	BadRequest    Code = Code(model.ValidationBadRequest)
	InvalidDomain Code = Code(model.ValidationInvalidDomain)

	NoKey      Code = 3000
	InvalidKey Code = 3001
	Expired    Code = 3002
	Inactive   Code = 3003

	SecondLimit    Code = 4001
	MinuteLimit    Code = 4002
	HourLimit      Code = 4003
	DayLimit       Code = 4004
	MonthLimit     Code = 4005
	AnonymousLimit Code = 4010

	SystemError         Code = 5000
	UpstreamUnavailable Code = 5001
)

func (c Code) IsSuccess() bool { return c >= 1000 && c <= 1999 }
func (c Code) IsValidation() bool { return c >= 2000 && c <= 2099 }
func (c Code) IsAuth() bool { return c >= 3000 && c <= 3099 }
func (c Code) IsRateLimit() bool { return c >= 4001 && c <= 4010 }

// HTTPStatus is the transport status that accompanies the code.
func (c Code) HTTPStatus() int {
	switch {
	case c.IsSuccess():
		return http.StatusOK
	case c.IsValidation():
		return http.StatusBadRequest
	case c == NoKey || c == InvalidKey:
		return http.StatusUnauthorized
	case c.IsAuth():
		return http.StatusForbidden
	case c.IsRateLimit():
		return http.StatusTooManyRequests
	case c == UpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

// ForPeriod returns the rate-limit code of p, one per period in evaluation order.
func ForPeriod(p model.Period) Code {
	if i := p.Index(); i >= 0 {
		return SecondLimit + Code(i)
	}
	return SystemError
}

func forAuth(r model.AuthReason) Code {
	switch r {
	case model.AuthNoKey:
		return NoKey
	case model.AuthInvalidKey:
		return InvalidKey
	case model.AuthExpired:
		return Expired
	case model.AuthInactive:
		return Inactive
	default:
		return InvalidKey
	}
}

// Details carries the machine-readable context of a denial.
type Details struct {
	Period     model.Period `json:"period,omitempty"`
	Limit      *int64       `json:"limit,omitempty"`
	Used       *int64       `json:"used,omitempty"`
	RetryAfter *int64       `json:"retry_after,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Field      string       `json:"field,omitempty"`
}

// Response is the coded body returned to callers.
type Response struct {
	Code       Code     `json:"code"`
	Message    string   `json:"message"`
	Details    *Details `json:"details,omitempty"`
	RetryAfter *int64   `json:"retry_after,omitempty"` // seconds
}

func (r Response) HTTPStatus() int { return r.Code.HTTPStatus() }

// Success builds the 1000 response.
func Success(msg string) Response {
	if msg == "" {
		msg = "ok"
	}
	return Response{Code: OK, Message: msg}
}

// RetryAfterSeconds rounds d up to whole seconds so a caller never retries early.
func RetryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

// FromError translates a typed error into its coded response. Unknown errors
// are reported as SystemError without leaking their text.
func FromError(err error) Response {
	var (
		authErr *model.AuthError
		rlErr   *model.RateLimitError
		valErr  *model.ValidationError
		stErr   *model.StorageError
		upErr   *model.UpstreamError
	)
	switch {
	case err == nil:
		return Success("")
	case errors.As(err, &authErr):
		return Response{
			Code:    forAuth(authErr.Reason),
			Message: authErr.Error(),
			Details: &Details{Reason: authErr.Reason.String()},
		}
	case errors.As(err, &rlErr):
		code := ForPeriod(rlErr.Period)
		if rlErr.Anonymous {
			code = AnonymousLimit
		}
		retry := RetryAfterSeconds(rlErr.RetryAfter)
		limit, used := rlErr.Limit, rlErr.Used
		return Response{
			Code:       code,
			Message:    "rate limit exceeded for period " + rlErr.Period.String(),
			Details:    &Details{Period: rlErr.Period, Limit: &limit, Used: &used, RetryAfter: &retry},
			RetryAfter: &retry,
		}
	case errors.As(err, &valErr):
		code := Code(valErr.Code)
		if !code.IsValidation() {
			code = BadRequest
		}
		return Response{Code: code, Message: valErr.Message, Details: &Details{Field: valErr.Field}}
	case errors.As(err, &stErr):
		return Response{Code: SystemError, Message: "quota store unavailable"}
	case errors.As(err, &upErr):
		return Response{Code: UpstreamUnavailable, Message: "analysis backend unavailable"}
	default:
		return Response{Code: SystemError, Message: "internal error"}
	}
}
