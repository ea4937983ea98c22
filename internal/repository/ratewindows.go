package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// RateWindowsRepository persists window counters, one row per
// (customer_id, period_type, window_key).
type RateWindowsRepository interface {
	// Lock takes the per-customer reservation lock for the rest of tx.
	Lock(ctx context.Context, tx *sqlx.Tx, customerID int64) error
	// GetCounts reads the counters of the given window keys; missing rows are 0.
	// With a nil tx it reads without locking.
	GetCounts(ctx context.Context, tx *sqlx.Tx, customerID int64, keys model.PeriodCounts) (model.PeriodCounts, error)
	// IncrementAll adds one to every given window, creating rows as needed.
	IncrementAll(ctx context.Context, tx *sqlx.Tx, customerID int64, keys model.PeriodCounts) error
	// DeleteStale removes rows whose window key is older than the given current keys.
	DeleteStale(ctx context.Context, keys model.PeriodCounts) (int64, error)
}

type RateWindowsRepositoryImpl struct {
	db *sqlx.DB
}

func NewRateWindowsRepository(db *sqlx.DB) *RateWindowsRepositoryImpl {
	return &RateWindowsRepositoryImpl{db: db}
}

var _ RateWindowsRepository = (*RateWindowsRepositoryImpl)(nil)

// Lock upserts the customer's lock row and holds it FOR UPDATE until tx ends.
// The lock row is separate from customers so usage accounting never waits on it.
func (r *RateWindowsRepositoryImpl) Lock(ctx context.Context, tx *sqlx.Tx, customerID int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rate_locks (customer_id, created_at)
		VALUES (?, NOW())
		ON DUPLICATE KEY UPDATE customer_id = customer_id
	`, customerID); err != nil {
		return fmt.Errorf("upsert lock row: %w", err)
	}

	var id int64
	if err := tx.QueryRowxContext(ctx, `
		SELECT customer_id
		FROM rate_locks
		WHERE customer_id = ?
		FOR UPDATE
	`, customerID).Scan(&id); err != nil {
		return fmt.Errorf("select lock row: %w", err)
	}
	return nil
}

func (r *RateWindowsRepositoryImpl) GetCounts(ctx context.Context, tx *sqlx.Tx, customerID int64, keys model.PeriodCounts) (model.PeriodCounts, error) {
	var counts model.PeriodCounts

	var sb strings.Builder
	args := make([]any, 0, 1+2*len(keys))
	sb.WriteString(`SELECT period_type, count FROM rate_windows WHERE customer_id = ? AND (`)
	args = append(args, customerID)
	for i, p := range model.Periods {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString("(period_type = ? AND window_key = ?)")
		args = append(args, p.String(), keys[i])
	}
	sb.WriteString(")")

	var q sqlx.QueryerContext = r.db
	if tx != nil {
		sb.WriteString(" FOR UPDATE")
		q = tx
	}

	rows, err := q.QueryxContext(ctx, sb.String(), args...)
	if err != nil {
		return counts, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			period string
			count  int64
		)
		if err := rows.Scan(&period, &count); err != nil {
			return counts, err
		}
		if i := model.Period(period).Index(); i >= 0 {
			counts[i] = count
		}
	}
	return counts, rows.Err()
}

func (r *RateWindowsRepositoryImpl) IncrementAll(ctx context.Context, tx *sqlx.Tx, customerID int64, keys model.PeriodCounts) error {
	var sb strings.Builder
	args := make([]any, 0, 3*len(keys))

	sb.WriteString(`INSERT INTO rate_windows (customer_id, period_type, window_key, count, updated_at) VALUES `)
	for i, p := range model.Periods {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, 1, NOW())")
		args = append(args, customerID, p.String(), keys[i])
	}
	sb.WriteString(` ON DUPLICATE KEY UPDATE count = count + 1, updated_at = VALUES(updated_at)`)

	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, sb.String(), args...)
		return err
	})
}

func (r *RateWindowsRepositoryImpl) DeleteStale(ctx context.Context, keys model.PeriodCounts) (int64, error) {
	var sb strings.Builder
	args := make([]any, 0, 2*len(keys))

	sb.WriteString(`DELETE FROM rate_windows WHERE `)
	for i, p := range model.Periods {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString("(period_type = ? AND window_key < ?)")
		args = append(args, p.String(), keys[i])
	}

	res, err := r.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
