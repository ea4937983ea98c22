package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/clock"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmehdipour/quota-gateway/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCustomers struct {
	mu     sync.Mutex
	byID   map[int64]*model.Customer
	nextID int64
	err    error
	dupes  int // Insert fails with ErrDuplicateAPIKey this many times
}

func newFakeCustomers() *fakeCustomers {
	return &fakeCustomers{byID: make(map[int64]*model.Customer)}
}

var _ repository.CustomersRepository = (*fakeCustomers)(nil)

func (f *fakeCustomers) GetByAPIKey(_ context.Context, key string) (*model.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, c := range f.byID {
		if c.APIKey == key {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeCustomers) GetByID(_ context.Context, id int64) (*model.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCustomers) List(context.Context, int, int) ([]model.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Customer, 0, len(f.byID))
	for _, c := range f.byID {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeCustomers) Insert(_ context.Context, c *model.Customer) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dupes > 0 {
		f.dupes--
		return 0, repository.ErrDuplicateAPIKey
	}
	f.nextID++
	cp := *c
	cp.ID = f.nextID
	f.byID[cp.ID] = &cp
	return cp.ID, nil
}

func (f *fakeCustomers) UpdateLimits(_ context.Context, id int64, patch model.LimitsPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.byID[id]
	c.Limits = patch.Apply(c.Limits)
	return nil
}

func (f *fakeCustomers) ExtendExpiry(_ context.Context, id int64, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.byID[id]
	if until.After(c.ExpiryDate) {
		c.ExpiryDate = until
	}
	return nil
}

func (f *fakeCustomers) SetActive(_ context.Context, id int64, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[id].IsActive = active
	return nil
}

func (f *fakeCustomers) IncrementTotalCalls(_ context.Context, _ *sqlx.Tx, id int64, n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[id].TotalCalls += n
	return nil
}

var (
	t0       = time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	defaults = model.Limits{PerSecond: 10, PerMinute: 100, PerHour: 1000, PerDay: 10000, PerMonth: 100000}
)

func newService(t *testing.T) (*Service, *fakeCustomers, *clock.Fake) {
	t.Helper()
	repo := newFakeCustomers()
	clk := clock.NewFake(t0)
	return New(repo, clk, defaults, nil), repo, clk
}

func authReason(t *testing.T, err error) model.AuthReason {
	t.Helper()
	var authErr *model.AuthError
	require.ErrorAs(t, err, &authErr)
	return authErr.Reason
}

func TestResolve(t *testing.T) {
	s, _, clk := newService(t)
	ctx := context.Background()

	c, err := s.Create(ctx, "Acme", model.LimitsPatch{}, 30)
	require.NoError(t, err)

	_, err = s.Resolve(ctx, "")
	assert.Equal(t, model.AuthNoKey, authReason(t, err))

	_, err = s.Resolve(ctx, "   ")
	assert.Equal(t, model.AuthNoKey, authReason(t, err))

	_, err = s.Resolve(ctx, "qg_unknown")
	assert.Equal(t, model.AuthInvalidKey, authReason(t, err))

	got, err := s.Resolve(ctx, c.APIKey)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	again, err := s.Resolve(ctx, c.APIKey)
	require.NoError(t, err)
	assert.Equal(t, got, again, "resolve is a pure read")

	_, err = s.Deactivate(ctx, c.ID)
	require.NoError(t, err)
	_, err = s.Resolve(ctx, c.APIKey)
	assert.Equal(t, model.AuthInactive, authReason(t, err))

	_, err = s.Activate(ctx, c.ID)
	require.NoError(t, err)
	clk.Set(c.ExpiryDate)
	_, err = s.Resolve(ctx, c.APIKey)
	assert.Equal(t, model.AuthExpired, authReason(t, err), "now == expiry_date is expired")
}

func TestResolve_ExpiryTakesPrecedence(t *testing.T) {
	s, _, clk := newService(t)
	ctx := context.Background()

	c, err := s.Create(ctx, "Acme", model.LimitsPatch{}, 1)
	require.NoError(t, err)
	_, err = s.Deactivate(ctx, c.ID)
	require.NoError(t, err)

	clk.Advance(48 * time.Hour)
	_, err = s.Resolve(ctx, c.APIKey)
	assert.Equal(t, model.AuthExpired, authReason(t, err))
}

func TestResolve_ZeroExpiryDaysIsExpiredImmediately(t *testing.T) {
	s, _, _ := newService(t)
	ctx := context.Background()

	c, err := s.Create(ctx, "Trial", model.LimitsPatch{}, 0)
	require.NoError(t, err)
	assert.True(t, c.IsActive)

	_, err = s.Resolve(ctx, c.APIKey)
	assert.Equal(t, model.AuthExpired, authReason(t, err))
}

func TestResolve_StorageFailure(t *testing.T) {
	s, repo, _ := newService(t)
	repo.err = errors.New("connection refused")

	_, err := s.Resolve(context.Background(), "qg_x")
	var stErr *model.StorageError
	require.ErrorAs(t, err, &stErr)
	assert.Equal(t, "resolve", stErr.Op)
}

func TestCreate(t *testing.T) {
	s, _, _ := newService(t)
	ctx := context.Background()

	five := int64(5)
	c, err := s.Create(ctx, " Acme ", model.LimitsPatch{PerMonth: &five}, 30)
	require.NoError(t, err)

	assert.Equal(t, "Acme", c.Name)
	assert.NotEmpty(t, c.APIKey)
	assert.True(t, c.IsActive)
	assert.Equal(t, int64(0), c.TotalCalls)
	assert.Equal(t, t0, c.SignupDate)
	assert.Equal(t, t0.AddDate(0, 0, 30), c.ExpiryDate)
	assert.Equal(t, int64(10), c.PerSecond, "omitted limits use defaults")
	assert.Equal(t, int64(5), c.PerMonth)

	other, err := s.Create(ctx, "Other", model.LimitsPatch{}, 30)
	require.NoError(t, err)
	assert.NotEqual(t, c.APIKey, other.APIKey)
}

func TestCreate_Validation(t *testing.T) {
	s, _, _ := newService(t)
	ctx := context.Background()
	var verr *model.ValidationError

	_, err := s.Create(ctx, "", model.LimitsPatch{}, 30)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "name", verr.Field)

	_, err = s.Create(ctx, "Acme", model.LimitsPatch{}, -1)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "expiry_days", verr.Field)

	neg := int64(-3)
	_, err = s.Create(ctx, "Acme", model.LimitsPatch{PerHour: &neg}, 30)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "limits.hour", verr.Field)
}

func TestCreate_RetriesKeyCollision(t *testing.T) {
	s, repo, _ := newService(t)
	repo.dupes = 2

	c, err := s.Create(context.Background(), "Acme", model.LimitsPatch{}, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.ID)

	repo.dupes = keyAttempts
	_, err = s.Create(context.Background(), "Acme", model.LimitsPatch{}, 30)
	assert.ErrorIs(t, err, repository.ErrDuplicateAPIKey)
}

func TestUpdateLimits(t *testing.T) {
	s, _, _ := newService(t)
	ctx := context.Background()

	c, err := s.Create(ctx, "Acme", model.LimitsPatch{}, 30)
	require.NoError(t, err)

	two := int64(2)
	patch := model.LimitsPatch{PerSecond: &two}
	got, err := s.UpdateLimits(ctx, c.ID, patch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.PerSecond)
	assert.Equal(t, defaults.PerMonth, got.PerMonth)

	again, err := s.UpdateLimits(ctx, c.ID, patch)
	require.NoError(t, err)
	assert.Equal(t, got.Limits, again.Limits)

	neg := int64(-1)
	_, err = s.UpdateLimits(ctx, c.ID, model.LimitsPatch{PerDay: &neg})
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = s.UpdateLimits(ctx, 999, patch)
	assert.ErrorIs(t, err, model.ErrCustomerNotFound)
}

func TestRenew(t *testing.T) {
	s, _, clk := newService(t)
	ctx := context.Background()

	c, err := s.Create(ctx, "Acme", model.LimitsPatch{}, 30)
	require.NoError(t, err)

	got, err := s.Renew(ctx, c.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, c.ExpiryDate, got.ExpiryDate, "renew never shortens")

	got, err = s.Renew(ctx, c.ID, 60)
	require.NoError(t, err)
	assert.Equal(t, t0.AddDate(0, 0, 60), got.ExpiryDate)

	again, err := s.Renew(ctx, c.ID, 60)
	require.NoError(t, err)
	assert.Equal(t, got.ExpiryDate, again.ExpiryDate)

	// an expired customer is brought back from now
	clk.Advance(90 * 24 * time.Hour)
	got, err = s.Renew(ctx, c.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().AddDate(0, 0, 5), got.ExpiryDate)
	_, err = s.Resolve(ctx, c.APIKey)
	assert.NoError(t, err)

	_, err = s.Renew(ctx, c.ID, -1)
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)
}
