package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// CHUsageRepository writes and reads usage events in ClickHouse.
type CHUsageRepository interface {
	InsertBatch(ctx context.Context, rows []model.UsageRecord) error
	ListByCustomer(ctx context.Context, customerID int64, statusCode int, limit, offset int) ([]model.UsageRecord, error)
	Daily(ctx context.Context, customerID int64, from, to time.Time) ([]model.DailyUsage, error)
}

type chUsageRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHUsageRepository(ch *sqlx.DB) CHUsageRepository {
	return &chUsageRepository{ch: ch}
}

// InsertBatch sends rows as one ClickHouse block (prepare once, exec per row, commit).
func (r *chUsageRepository) InsertBatch(ctx context.Context, rows []model.UsageRecord) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO quotagw.usage_events
		    (id, customer_id, timestamp, response_time_ms, status_code, error)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()

	for _, rec := range rows {
		if _, err := stmt.ExecContext(ctx,
			rec.ID, uint64(rec.CustomerID), rec.Timestamp, rec.ResponseTimeMs, int32(rec.StatusCode), rec.Error,
		); err != nil {
			return fmt.Errorf("append %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

func (r *chUsageRepository) ListByCustomer(ctx context.Context, customerID int64, statusCode int, limit, offset int) ([]model.UsageRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT id, toInt64(customer_id) AS customer_id, timestamp, response_time_ms,
		       toInt64(status_code) AS status_code, error
		FROM quotagw.usage_events
		WHERE customer_id = ?
	`
	args := []any{uint64(customerID)}

	if statusCode > 0 {
		q += " AND status_code = ?"
		args = append(args, int32(statusCode))
	}

	q += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.UsageRecord
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *chUsageRepository) Daily(ctx context.Context, customerID int64, from, to time.Time) ([]model.DailyUsage, error) {
	var rows []model.DailyUsage
	err := r.ch.SelectContext(ctx, &rows, `
		SELECT toDate(timestamp)                AS day,
		       count()                          AS calls,
		       countIf(status_code >= 400)      AS errors,
		       avg(response_time_ms)            AS avg_response_ms
		FROM quotagw.usage_events
		WHERE customer_id = ? AND timestamp >= ? AND timestamp < ?
		GROUP BY day
		ORDER BY day
	`, uint64(customerID), from, to)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
