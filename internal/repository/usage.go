package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// UsageRepository stores usage records. Rows are only ever appended, except by
// the time-bounded retention cleanup.
type UsageRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, rec model.UsageRecord) error
	Stats(ctx context.Context, customerID int64, from, to time.Time) (model.UsageStats, error)
	ListByCustomer(ctx context.Context, customerID int64, from, to time.Time, limit, offset int) ([]model.UsageRecord, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time, batch int) (int64, error)
}

type UsageRepositoryImpl struct {
	db *sqlx.DB
}

func NewUsageRepository(db *sqlx.DB) *UsageRepositoryImpl {
	return &UsageRepositoryImpl{db: db}
}

var _ UsageRepository = (*UsageRepositoryImpl)(nil)

func (r *UsageRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, rec model.UsageRecord) error {
	const q = `
		INSERT INTO usage_records
		    (id, customer_id, timestamp, response_time_ms, status_code, error)
		VALUES
		    (?, ?, ?, ?, ?, ?)
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			rec.ID, rec.CustomerID, rec.Timestamp, rec.ResponseTimeMs, rec.StatusCode, rec.Error,
		)
		return err
	})
}

// Stats aggregates over [from, to) using the (customer_id, timestamp) index.
func (r *UsageRepositoryImpl) Stats(ctx context.Context, customerID int64, from, to time.Time) (model.UsageStats, error) {
	st := model.UsageStats{CustomerID: customerID, From: from, To: to}
	err := r.db.QueryRowxContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status_code >= 400 OR error IS NOT NULL THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(response_time_ms), 0),
		       COALESCE(MAX(response_time_ms), 0)
		  FROM usage_records
		 WHERE customer_id = ? AND timestamp >= ? AND timestamp < ?
	`, customerID, from, to).Scan(&st.TotalCalls, &st.ErrorCalls, &st.AvgResponseMs, &st.MaxResponseMs)
	if err != nil {
		return st, err
	}
	return st, nil
}

func (r *UsageRepositoryImpl) ListByCustomer(ctx context.Context, customerID int64, from, to time.Time, limit, offset int) ([]model.UsageRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var rows []model.UsageRecord
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, customer_id, timestamp, response_time_ms, status_code, error
		  FROM usage_records
		 WHERE customer_id = ? AND timestamp >= ? AND timestamp < ?
		 ORDER BY timestamp DESC
		 LIMIT ? OFFSET ?
	`, customerID, from, to, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// DeleteOlderThan removes records with timestamp < cutoff in batches and returns the total removed.
func (r *UsageRepositoryImpl) DeleteOlderThan(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	if batch <= 0 {
		batch = 5000
	}
	var total int64
	for {
		res, err := r.db.ExecContext(ctx, `
			DELETE FROM usage_records
			WHERE timestamp < ?
			LIMIT ?
		`, cutoff, batch)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(batch) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
