package middleware

import (
	"net/http"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/codes"
	echo "github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// IPThrottleConfig config for the per-client-IP token bucket placed in front
// of the anonymous bucket, so one address cannot drain the shared quota.
type IPThrottleConfig struct {
	RPS       float64
	Burst     int
	ExpiresIn time.Duration // idle visitors are forgotten after this
}

// IPThrottleMiddleware rejects bursts from a single IP with code 4010.
func IPThrottleMiddleware(cfg IPThrottleConfig) echo.MiddlewareFunc {
	if cfg.RPS <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.ExpiresIn <= 0 {
		cfg.ExpiresIn = 3 * time.Minute
	}

	store := echoMid.NewRateLimiterMemoryStoreWithConfig(echoMid.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(cfg.RPS),
		Burst:     cfg.Burst,
		ExpiresIn: cfg.ExpiresIn,
	})

	retry := int64(1)
	return echoMid.RateLimiterWithConfig(echoMid.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, codes.Response{Code: codes.BadRequest, Message: "client address unavailable"})
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return WriteResponse(c, codes.Response{
				Code:       codes.AnonymousLimit,
				Message:    "too many anonymous requests from this address",
				RetryAfter: &retry,
			})
		},
	})
}
