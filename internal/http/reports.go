package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/http/middleware"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmehdipour/quota-gateway/internal/repository"
	echo "github.com/labstack/echo/v4"
)

type WindowReader interface {
	Windows(ctx context.Context, c *model.Customer) ([]model.WindowStatus, error)
}

type UsageStats interface {
	Stats(ctx context.Context, customerID int64, from, to time.Time) (model.UsageStats, error)
	List(ctx context.Context, customerID int64, from, to time.Time, limit, offset int) ([]model.UsageRecord, error)
}

type usageReport struct {
	CustomerID int64                `json:"customer_id"`
	TotalCalls int64                `json:"total_calls"`
	ExpiryDate time.Time            `json:"expiry_date"`
	Limits     model.Limits         `json:"limits"`
	Windows    []model.WindowStatus `json:"windows"`
	Period     model.UsageStats     `json:"period"`
}

func buildUsageReport(c echo.Context, cu *model.Customer, windows WindowReader, stats UsageStats) (usageReport, error) {
	ctx := c.Request().Context()
	from, to, err := parseRange(c)
	if err != nil {
		return usageReport{}, err
	}

	ws, err := windows.Windows(ctx, cu)
	if err != nil {
		return usageReport{}, err
	}
	st, err := stats.Stats(ctx, cu.ID, from, to)
	if err != nil {
		return usageReport{}, err
	}

	return usageReport{
		CustomerID: cu.ID,
		TotalCalls: cu.TotalCalls,
		ExpiryDate: cu.ExpiryDate,
		Limits:     cu.Limits,
		Windows:    ws,
		Period:     st,
	}, nil
}

// usageHandler reports the caller's current windows and usage totals.
func usageHandler(windows WindowReader, stats UsageStats) echo.HandlerFunc {
	return func(c echo.Context) error {
		cu, ok := middleware.CustomerFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		rep, err := buildUsageReport(c, cu, windows, stats)
		if err != nil {
			return reportError(c, err)
		}
		return c.JSON(http.StatusOK, rep)
	}
}

// listUsageEventsHandler pages through the caller's usage events in ClickHouse.
func listUsageEventsHandler(chRepo repository.CHUsageRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		cu, ok := middleware.CustomerFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		if chRepo == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "analytics store not configured"})
		}

		limit, offset := pagination(c)

		statusCode := 0
		if raw := strings.TrimSpace(c.QueryParam("status_code")); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				statusCode = n
			}
		}

		events, err := chRepo.ListByCustomer(c.Request().Context(), cu.ID, statusCode, limit, offset)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(events),
			"results": events,
		})
	}
}

// dailyUsageHandler returns per-day aggregates from ClickHouse.
func dailyUsageHandler(chRepo repository.CHUsageRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		cu, ok := middleware.CustomerFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		if chRepo == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "analytics store not configured"})
		}

		from, to, err := parseRange(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		if from.IsZero() {
			from = time.Now().UTC().AddDate(0, 0, -30)
		}
		if to.IsZero() {
			to = time.Now().UTC()
		}

		days, err := chRepo.Daily(c.Request().Context(), cu.ID, from, to)
		if err != nil {
			c.Logger().Errorf("clickhouse daily failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"from":    from,
			"to":      to,
			"results": days,
		})
	}
}

func pagination(c echo.Context) (int, int) {
	limit := 50
	offset := 0
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// parseRange reads optional RFC 3339 "from" and "to" query parameters.
func parseRange(c echo.Context) (time.Time, time.Time, error) {
	var from, to time.Time
	if v := c.QueryParam("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, &model.ValidationError{Code: model.ValidationBadRequest, Field: "from", Message: "must be RFC 3339"}
		}
		from = t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, &model.ValidationError{Code: model.ValidationBadRequest, Field: "to", Message: "must be RFC 3339"}
		}
		to = t
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return from, to, &model.ValidationError{Code: model.ValidationBadRequest, Field: "from", Message: "must be before to"}
	}
	return from, to, nil
}
