package middleware

import (
	"context"

	"github.com/jmehdipour/quota-gateway/internal/admission"
	echo "github.com/labstack/echo/v4"
)

type Admitter interface {
	CheckAndReserve(ctx context.Context, apiKey string) admission.Decision
	CheckAnonymous(ctx context.Context) admission.Decision
}

// AdmissionMiddleware resolves the API key and reserves one call in every rate
// window before the handler runs. Denials are answered with the coded response
// and never reach the handler.
func AdmissionMiddleware(adm Admitter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			d := adm.CheckAndReserve(c.Request().Context(), APIKeyFromRequest(c.Request()))
			if !d.Allowed {
				return WriteResponse(c, d.Response)
			}
			setCustomer(c, d.Customer)
			return next(c)
		}
	}
}

// AnonymousAdmissionMiddleware admits keyless requests against the shared
// anonymous bucket.
func AnonymousAdmissionMiddleware(adm Admitter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			d := adm.CheckAnonymous(c.Request().Context())
			if !d.Allowed {
				return WriteResponse(c, d.Response)
			}
			c.Set(ctxCustomer, d.Customer)
			c.Set(ctxAnonymous, true)
			return next(c)
		}
	}
}
