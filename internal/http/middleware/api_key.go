package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/jmehdipour/quota-gateway/internal/codes"
	"github.com/jmehdipour/quota-gateway/internal/model"
	echo "github.com/labstack/echo/v4"
)

const (
	HeaderAPIKey     = "X-API-Key"
	HeaderCustomerID = "X-Customer-ID"

	ctxCustomer   = "customer"
	ctxAnonymous  = "anonymous"
	ctxUsageError = "usage_error"
)

// Resolver turns an API key into an admissible customer without reserving quota.
type Resolver interface {
	Resolve(ctx context.Context, apiKey string) (*model.Customer, error)
}

// APIKeyFromRequest reads X-API-Key, falling back to "Authorization: Bearer <key>".
func APIKeyFromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return key
	}
	parts := strings.SplitN(r.Header.Get(echo.HeaderAuthorization), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// CustomerFromCtx extracts the customer set by the auth or admission middleware.
func CustomerFromCtx(c echo.Context) (*model.Customer, bool) {
	cu, ok := c.Get(ctxCustomer).(*model.Customer)
	return cu, ok && cu != nil
}

// IsAnonymous reports whether the request was admitted through the shared
// anonymous bucket.
func IsAnonymous(c echo.Context) bool {
	v, _ := c.Get(ctxAnonymous).(bool)
	return v
}

// SetOutcomeError attaches an error description to the usage record of this request.
func SetOutcomeError(c echo.Context, msg string) {
	c.Set(ctxUsageError, msg)
}

func setCustomer(c echo.Context, cu *model.Customer) {
	c.Set(ctxCustomer, cu)
	c.Response().Header().Set(HeaderCustomerID, strconv.FormatInt(cu.ID, 10))
}

// WriteResponse sends a coded response with its HTTP status and, for rate
// limit denials, a Retry-After header.
func WriteResponse(c echo.Context, resp codes.Response) error {
	if resp.RetryAfter != nil {
		c.Response().Header().Set(echo.HeaderRetryAfter, strconv.FormatInt(*resp.RetryAfter, 10))
	}
	return c.JSON(resp.HTTPStatus(), resp)
}

// AuthMiddleware authenticates requests that must not consume quota, such as
// reading one's own usage. Expired and inactive customers are rejected.
func AuthMiddleware(dir Resolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cu, err := dir.Resolve(c.Request().Context(), APIKeyFromRequest(c.Request()))
			if err != nil {
				resp := codes.FromError(err)
				if resp.Code == codes.SystemError {
					c.Logger().Errorf("resolve api key: %v", err)
				}
				return WriteResponse(c, resp)
			}
			setCustomer(c, cu)
			return next(c)
		}
	}
}
