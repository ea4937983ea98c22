package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// ErrDuplicateAPIKey is returned by Insert when the generated key collides.
var ErrDuplicateAPIKey = errors.New("duplicate api key")

const mysqlErrDuplicateEntry = 1062

type CustomersRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Customer, error)
	GetByID(ctx context.Context, id int64) (*model.Customer, error)
	List(ctx context.Context, limit, offset int) ([]model.Customer, error)
	Insert(ctx context.Context, c *model.Customer) (int64, error)
	UpdateLimits(ctx context.Context, id int64, patch model.LimitsPatch) error
	ExtendExpiry(ctx context.Context, id int64, until time.Time) error
	SetActive(ctx context.Context, id int64, active bool) error
	IncrementTotalCalls(ctx context.Context, tx *sqlx.Tx, id int64, n int64) error
}

type CustomersRepositoryImpl struct {
	db *sqlx.DB
}

func NewCustomersRepository(db *sqlx.DB) *CustomersRepositoryImpl {
	return &CustomersRepositoryImpl{db: db}
}

var _ CustomersRepository = (*CustomersRepositoryImpl)(nil)

const customerColumns = `id, name, api_key,
		limit_per_second, limit_per_minute, limit_per_hour, limit_per_day, limit_per_month,
		signup_date, expiry_date, is_active, total_calls, created_at, updated_at`

// GetByAPIKey is a single read on the unique api_key index. Returns nil, nil when absent.
func (r *CustomersRepositoryImpl) GetByAPIKey(ctx context.Context, apiKey string) (*model.Customer, error) {
	var c model.Customer
	err := r.db.GetContext(ctx, &c, `
		SELECT `+customerColumns+`
		  FROM customers
		 WHERE api_key = ? LIMIT 1
	`, apiKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetByID returns nil, nil when absent.
func (r *CustomersRepositoryImpl) GetByID(ctx context.Context, id int64) (*model.Customer, error) {
	var c model.Customer
	err := r.db.GetContext(ctx, &c, `
		SELECT `+customerColumns+`
		  FROM customers
		 WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CustomersRepositoryImpl) List(ctx context.Context, limit, offset int) ([]model.Customer, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var rows []model.Customer
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+customerColumns+`
		  FROM customers
		 ORDER BY id
		 LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Insert stores a new customer and returns its id.
func (r *CustomersRepositoryImpl) Insert(ctx context.Context, c *model.Customer) (int64, error) {
	const q = `
INSERT INTO customers
    (name, api_key,
     limit_per_second, limit_per_minute, limit_per_hour, limit_per_day, limit_per_month,
     signup_date, expiry_date, is_active, total_calls, created_at, updated_at)
VALUES
    (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NOW(), NOW())
`
	res, err := r.db.ExecContext(ctx, q,
		c.Name, c.APIKey,
		c.PerSecond, c.PerMinute, c.PerHour, c.PerDay, c.PerMonth,
		c.SignupDate, c.ExpiryDate, c.IsActive,
	)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlErrDuplicateEntry {
			return 0, ErrDuplicateAPIKey
		}
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateLimits writes only the fields set in patch.
func (r *CustomersRepositoryImpl) UpdateLimits(ctx context.Context, id int64, patch model.LimitsPatch) error {
	if patch.Empty() {
		return nil
	}

	sets := make([]string, 0, 6)
	args := make([]any, 0, 6)
	add := func(col string, v *int64) {
		if v != nil {
			sets = append(sets, col+" = ?")
			args = append(args, *v)
		}
	}
	add("limit_per_second", patch.PerSecond)
	add("limit_per_minute", patch.PerMinute)
	add("limit_per_hour", patch.PerHour)
	add("limit_per_day", patch.PerDay)
	add("limit_per_month", patch.PerMonth)
	sets = append(sets, "updated_at = NOW()")
	args = append(args, id)

	_, err := r.db.ExecContext(ctx,
		"UPDATE customers SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	return err
}

// ExtendExpiry moves expiry_date forward to until; it never moves it back.
func (r *CustomersRepositoryImpl) ExtendExpiry(ctx context.Context, id int64, until time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE customers
		SET expiry_date = GREATEST(expiry_date, ?), updated_at = NOW()
		WHERE id = ?
	`, until, id)
	return err
}

func (r *CustomersRepositoryImpl) SetActive(ctx context.Context, id int64, active bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE customers
		SET is_active = ?, updated_at = NOW()
		WHERE id = ?
	`, active, id)
	return err
}

func (r *CustomersRepositoryImpl) IncrementTotalCalls(ctx context.Context, tx *sqlx.Tx, id int64, n int64) error {
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE customers
			SET total_calls = total_calls + ?
			WHERE id = ?
		`, n, id)
		return err
	})
}
