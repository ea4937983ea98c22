// Package directory is the customer registry: API key resolution, creation
// and subscription edits.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/clock"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmehdipour/quota-gateway/internal/repository"
	"github.com/jmehdipour/quota-gateway/internal/util"
	"go.uber.org/zap"
)

const keyAttempts = 3

// Service resolves API keys and manages customer records.
type Service struct {
	customers repository.CustomersRepository
	clock     clock.Clock
	log       *zap.Logger

	defaults  model.Limits
	newAPIKey func() (string, error)
}

// New constructs the directory. Limits omitted at creation are taken from defaults.
func New(customers repository.CustomersRepository, clk clock.Clock, defaults model.Limits, log *zap.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		customers: customers,
		clock:     clk,
		log:       log,
		defaults:  defaults,
		newAPIKey: util.NewAPIKey,
	}
}

// Resolve maps an API key to an admissible customer. It is a pure read: the
// same stored state always yields the same result.
func (s *Service) Resolve(ctx context.Context, apiKey string) (*model.Customer, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, &model.AuthError{Reason: model.AuthNoKey}
	}

	c, err := s.customers.GetByAPIKey(ctx, apiKey)
	if err != nil {
		return nil, &model.StorageError{Op: "resolve", Err: err}
	}
	if c == nil {
		return nil, &model.AuthError{Reason: model.AuthInvalidKey}
	}
	if c.ExpiredAt(s.clock.Now()) {
		return nil, &model.AuthError{Reason: model.AuthExpired}
	}
	if !c.IsActive {
		return nil, &model.AuthError{Reason: model.AuthInactive}
	}
	return c, nil
}

// Create registers a customer with a freshly generated API key.
func (s *Service) Create(ctx context.Context, name string, patch model.LimitsPatch, expiryDays int) (*model.Customer, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &model.ValidationError{Code: model.ValidationBadRequest, Field: "name", Message: "name is required"}
	}
	if expiryDays < 0 {
		return nil, &model.ValidationError{Code: model.ValidationBadRequest, Field: "expiry_days", Message: "expiry_days must be >= 0"}
	}
	limits := patch.Apply(s.defaults)
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC().Truncate(time.Second)
	c := &model.Customer{
		Name:       name,
		Limits:     limits,
		SignupDate: now,
		ExpiryDate: now.AddDate(0, 0, expiryDays),
		IsActive:   true,
	}

	for attempt := 1; ; attempt++ {
		key, err := s.newAPIKey()
		if err != nil {
			return nil, fmt.Errorf("generate api key: %w", err)
		}
		c.APIKey = key

		id, err := s.customers.Insert(ctx, c)
		if errors.Is(err, repository.ErrDuplicateAPIKey) && attempt < keyAttempts {
			s.log.Warn("api key collision, regenerating", zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert customer: %w", err)
		}
		c.ID = id
		break
	}

	s.log.Info("customer created", zap.Int64("customer_id", c.ID), zap.String("name", c.Name),
		zap.Time("expiry_date", c.ExpiryDate))
	return c, nil
}

// Get returns the customer or model.ErrCustomerNotFound.
func (s *Service) Get(ctx context.Context, id int64) (*model.Customer, error) {
	c, err := s.customers.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get customer %d: %w", id, err)
	}
	if c == nil {
		return nil, model.ErrCustomerNotFound
	}
	return c, nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]model.Customer, error) {
	return s.customers.List(ctx, limit, offset)
}

// UpdateLimits applies a partial limit change. Applying the same patch twice is
// a no-op; reservations already granted are never revisited.
func (s *Service) UpdateLimits(ctx context.Context, id int64, patch model.LimitsPatch) (*model.Customer, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := patch.Apply(c.Limits).Validate(); err != nil {
		return nil, err
	}
	if err := s.customers.UpdateLimits(ctx, id, patch); err != nil {
		return nil, fmt.Errorf("update limits %d: %w", id, err)
	}
	s.log.Info("customer limits updated", zap.Int64("customer_id", id))
	return s.Get(ctx, id)
}

// Renew guarantees the subscription runs for at least extraDays from now.
// It never shortens an expiry, so repeating it changes nothing.
func (s *Service) Renew(ctx context.Context, id int64, extraDays int) (*model.Customer, error) {
	if extraDays < 0 {
		return nil, &model.ValidationError{Code: model.ValidationBadRequest, Field: "extra_days", Message: "extra_days must be >= 0"}
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	until := s.clock.Now().UTC().Truncate(time.Second).AddDate(0, 0, extraDays)
	if err := s.customers.ExtendExpiry(ctx, id, until); err != nil {
		return nil, fmt.Errorf("renew %d: %w", id, err)
	}
	s.log.Info("customer renewed", zap.Int64("customer_id", id), zap.Int("extra_days", extraDays))
	return s.Get(ctx, id)
}

func (s *Service) Deactivate(ctx context.Context, id int64) (*model.Customer, error) {
	return s.setActive(ctx, id, false)
}

func (s *Service) Activate(ctx context.Context, id int64) (*model.Customer, error) {
	return s.setActive(ctx, id, true)
}

func (s *Service) setActive(ctx context.Context, id int64, active bool) (*model.Customer, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if err := s.customers.SetActive(ctx, id, active); err != nil {
		return nil, fmt.Errorf("set active %d: %w", id, err)
	}
	s.log.Info("customer activity changed", zap.Int64("customer_id", id), zap.Bool("active", active))
	return s.Get(ctx, id)
}
