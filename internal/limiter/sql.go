package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmehdipour/quota-gateway/internal/repository"
	"github.com/jmoiron/sqlx"
)

// SQLStore keeps counters in MySQL. A reservation is one transaction holding
// the customer's lock row, so concurrent reservations for the same customer
// run one after another while other customers proceed in parallel.
type SQLStore struct {
	db      *sqlx.DB
	windows repository.RateWindowsRepository
}

func NewSQLStore(db *sqlx.DB, windows repository.RateWindowsRepository) *SQLStore {
	return &SQLStore{db: db, windows: windows}
}

var _ Store = (*SQLStore)(nil)

func (s *SQLStore) Name() string { return "mysql" }

func (s *SQLStore) TryReserve(ctx context.Context, customerID int64, limits model.Limits, now time.Time) (Result, error) {
	keys := windowKeys(now)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("begin reserve: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.windows.Lock(ctx, tx, customerID); err != nil {
		return Result{}, fmt.Errorf("lock customer %d: %w", customerID, err)
	}

	used, err := s.windows.GetCounts(ctx, tx, customerID, keys)
	if err != nil {
		return Result{}, fmt.Errorf("read windows: %w", err)
	}

	res := evaluate(limits, used, now)
	if !res.Allowed {
		// rollback releases the lock; nothing was written
		return res, nil
	}

	if err := s.windows.IncrementAll(ctx, tx, customerID, keys); err != nil {
		return Result{}, fmt.Errorf("increment windows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("commit reserve: %w", err)
	}
	return res, nil
}

func (s *SQLStore) Usage(ctx context.Context, customerID int64, now time.Time) (Counts, error) {
	return s.windows.GetCounts(ctx, nil, customerID, windowKeys(now))
}

func (s *SQLStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	return s.windows.DeleteStale(ctx, windowKeys(now))
}
