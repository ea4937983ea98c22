package limiter

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmehdipour/quota-gateway/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	dbx := sqlx.NewDb(db, "mysql")
	return NewSQLStore(dbx, repository.NewRateWindowsRepository(dbx)), mock
}

func expectLock(mock sqlmock.Sqlmock, customerID int64) {
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rate_locks")).
		WithArgs(customerID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM rate_locks")).
		WithArgs(customerID).
		WillReturnRows(sqlmock.NewRows([]string{"customer_id"}).AddRow(customerID))
}

func TestSQLStore_ReserveIncrementsAllWindows(t *testing.T) {
	s, mock := newSQLStore(t)

	mock.ExpectBegin()
	expectLock(mock, 7)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT period_type, count FROM rate_windows")).
		WillReturnRows(sqlmock.NewRows([]string{"period_type", "count"}).
			AddRow("second", int64(1)).
			AddRow("month", int64(40)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rate_windows")).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectCommit()

	limits := generous()
	limits.PerSecond = 2
	res, err := s.TryReserve(context.Background(), 7, limits, t0)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_DeniedRollsBackWithoutWriting(t *testing.T) {
	s, mock := newSQLStore(t)

	mock.ExpectBegin()
	expectLock(mock, 7)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT period_type, count FROM rate_windows")).
		WillReturnRows(sqlmock.NewRows([]string{"period_type", "count"}).
			AddRow("second", int64(2)))
	mock.ExpectRollback()

	limits := generous()
	limits.PerSecond = 2
	res, err := s.TryReserve(context.Background(), 7, limits, t0)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, model.PeriodSecond, res.Period)
	assert.Equal(t, int64(2), res.Used)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_LockFailureIsError(t *testing.T) {
	s, mock := newSQLStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rate_locks")).
		WillReturnError(errors.New("lock wait timeout exceeded"))
	mock.ExpectRollback()

	_, err := s.TryReserve(context.Background(), 7, generous(), t0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock wait timeout")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Sweep(t *testing.T) {
	s, mock := newSQLStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM rate_windows WHERE")).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := s.Sweep(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
