package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v4"
)

type UsageRecorder interface {
	Record(ctx context.Context, customerID int64, responseTimeMs int64, statusCode int, errMsg string)
}

// UsageMiddleware records the outcome of every admitted request exactly once,
// whether the handler succeeded or failed. It must run inside the admission
// middleware. Anonymous requests have no customer to account to and are skipped.
// A panicking handler is recorded as a 500 and the panic is re-raised for the
// recover middleware to answer.
func UsageMiddleware(rec UsageRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cu, ok := CustomerFromCtx(c)
			if !ok || IsAnonymous(c) {
				return next(c)
			}

			start := time.Now()
			defer func() {
				if r := recover(); r != nil {
					rec.Record(c.Request().Context(), cu.ID, time.Since(start).Milliseconds(),
						http.StatusInternalServerError, fmt.Sprintf("panic: %v", r))
					panic(r)
				}
			}()

			err := next(c)
			elapsed := time.Since(start).Milliseconds()

			status := c.Response().Status
			errMsg, _ := c.Get(ctxUsageError).(string)
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
				if errMsg == "" {
					errMsg = err.Error()
				}
			}

			rec.Record(c.Request().Context(), cu.ID, elapsed, status, errMsg)
			return err
		}
	}
}
