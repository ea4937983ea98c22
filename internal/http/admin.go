package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/jmehdipour/quota-gateway/internal/codes"
	"github.com/jmehdipour/quota-gateway/internal/model"
	echo "github.com/labstack/echo/v4"
)

// Directory is the customer registry as seen by the admin surface.
type Directory interface {
	Resolve(ctx context.Context, apiKey string) (*model.Customer, error)
	Create(ctx context.Context, name string, patch model.LimitsPatch, expiryDays int) (*model.Customer, error)
	Get(ctx context.Context, id int64) (*model.Customer, error)
	List(ctx context.Context, limit, offset int) ([]model.Customer, error)
	UpdateLimits(ctx context.Context, id int64, patch model.LimitsPatch) (*model.Customer, error)
	Renew(ctx context.Context, id int64, extraDays int) (*model.Customer, error)
	Deactivate(ctx context.Context, id int64) (*model.Customer, error)
	Activate(ctx context.Context, id int64) (*model.Customer, error)
}

type createCustomerReq struct {
	Name       string            `json:"name"`
	Limits     model.LimitsPatch `json:"limits"`
	ExpiryDays *int              `json:"expiry_days"`
}

type renewReq struct {
	ExtraDays int `json:"extra_days"`
}

// customerView is the admin representation; the API key is only shown once,
// in the creation response.
type customerView struct {
	*model.Customer
	APIKey string `json:"api_key,omitempty"`
}

func view(c *model.Customer, withKey bool) customerView {
	v := customerView{Customer: c}
	if withKey {
		v.APIKey = c.APIKey
	}
	return v
}

func createCustomerHandler(dir Directory, defaultExpiryDays int) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createCustomerReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		days := defaultExpiryDays
		if req.ExpiryDays != nil {
			days = *req.ExpiryDays
		}

		cu, err := dir.Create(c.Request().Context(), req.Name, req.Limits, days)
		if err != nil {
			return reportError(c, err)
		}
		return c.JSON(http.StatusCreated, view(cu, true))
	}
}

func listCustomersHandler(dir Directory) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, offset := pagination(c)
		list, err := dir.List(c.Request().Context(), limit, offset)
		if err != nil {
			return reportError(c, err)
		}

		views := make([]customerView, 0, len(list))
		for i := range list {
			views = append(views, view(&list[i], false))
		}
		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(views),
			"results": views,
		})
	}
}

func getCustomerHandler(dir Directory) echo.HandlerFunc {
	return withCustomerID(func(c echo.Context, id int64) error {
		cu, err := dir.Get(c.Request().Context(), id)
		if err != nil {
			return reportError(c, err)
		}
		return c.JSON(http.StatusOK, view(cu, false))
	})
}

func updateLimitsHandler(dir Directory) echo.HandlerFunc {
	return withCustomerID(func(c echo.Context, id int64) error {
		var patch model.LimitsPatch
		if err := c.Bind(&patch); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		if patch.Empty() {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "no limits given"})
		}

		cu, err := dir.UpdateLimits(c.Request().Context(), id, patch)
		if err != nil {
			return reportError(c, err)
		}
		return c.JSON(http.StatusOK, view(cu, false))
	})
}

func renewHandler(dir Directory) echo.HandlerFunc {
	return withCustomerID(func(c echo.Context, id int64) error {
		var req renewReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		cu, err := dir.Renew(c.Request().Context(), id, req.ExtraDays)
		if err != nil {
			return reportError(c, err)
		}
		return c.JSON(http.StatusOK, view(cu, false))
	})
}

func setActiveHandler(dir Directory, active bool) echo.HandlerFunc {
	return withCustomerID(func(c echo.Context, id int64) error {
		var (
			cu  *model.Customer
			err error
		)
		if active {
			cu, err = dir.Activate(c.Request().Context(), id)
		} else {
			cu, err = dir.Deactivate(c.Request().Context(), id)
		}
		if err != nil {
			return reportError(c, err)
		}
		return c.JSON(http.StatusOK, view(cu, false))
	})
}

func customerUsageHandler(dir Directory, windows WindowReader, stats UsageStats) echo.HandlerFunc {
	return withCustomerID(func(c echo.Context, id int64) error {
		cu, err := dir.Get(c.Request().Context(), id)
		if err != nil {
			return reportError(c, err)
		}

		rep, err := buildUsageReport(c, cu, windows, stats)
		if err != nil {
			return reportError(c, err)
		}

		if c.QueryParam("records") == "true" {
			limit, offset := pagination(c)
			recs, err := stats.List(c.Request().Context(), id, rep.Period.From, rep.Period.To, limit, offset)
			if err != nil {
				return reportError(c, err)
			}
			return c.JSON(http.StatusOK, map[string]any{"usage": rep, "records": recs})
		}
		return c.JSON(http.StatusOK, rep)
	})
}

func withCustomerID(fn func(echo.Context, int64) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid customer id"})
		}
		return fn(c, id)
	}
}

// reportError maps service errors on the read and admin paths.
func reportError(c echo.Context, err error) error {
	var valErr *model.ValidationError
	switch {
	case errors.Is(err, model.ErrCustomerNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "customer not found"})
	case errors.As(err, &valErr):
		resp := codes.FromError(err)
		return c.JSON(resp.HTTPStatus(), resp)
	default:
		c.Logger().Errorf("request failed: %v", err)
		resp := codes.FromError(err)
		return c.JSON(resp.HTTPStatus(), resp)
	}
}
