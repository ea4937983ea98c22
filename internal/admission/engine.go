// Package admission decides whether a request may reach the protected
// operation: it resolves the caller through the customer directory and
// reserves one slot in every rate window of that customer.
package admission

import (
	"context"
	"strconv"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/clock"
	"github.com/jmehdipour/quota-gateway/internal/codes"
	"github.com/jmehdipour/quota-gateway/internal/limiter"
	"github.com/jmehdipour/quota-gateway/internal/metrics"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"go.uber.org/zap"
)

// AnonymousCustomerID keys the shared bucket of requests without an API key.
// Customer ids start at 1, so it never collides with a real customer.
const AnonymousCustomerID int64 = 0

const defaultStoreTimeout = 250 * time.Millisecond

// Resolver turns an API key into an admissible customer.
type Resolver interface {
	Resolve(ctx context.Context, apiKey string) (*model.Customer, error)
}

type AnonymousConfig struct {
	Enabled bool
	Limits  model.Limits
}

type Config struct {
	StoreTimeout time.Duration
	// FailOpen admits requests when the counter store cannot be consulted.
	FailOpen  bool
	Anonymous AnonymousConfig
}

// Decision is the outcome of an admission check. A denied decision carries the
// coded response to send back.
type Decision struct {
	Allowed    bool
	Customer   *model.Customer
	Response   codes.Response
	FailedOpen bool
}

// Engine coordinates the directory and the counter store. It keeps no state of
// its own.
type Engine struct {
	dir   Resolver
	store limiter.Store
	clock clock.Clock
	log   *zap.Logger
	cfg   Config
}

func New(dir Resolver, store limiter.Store, clk clock.Clock, cfg Config, log *zap.Logger) *Engine {
	if clk == nil {
		clk = clock.NewMonotonic(clock.Real())
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	return &Engine{dir: dir, store: store, clock: clk, log: log, cfg: cfg}
}

// Admit resolves apiKey and reserves one call in each of the customer's
// windows. It returns *model.AuthError, *model.RateLimitError or
// *model.StorageError on denial; no counter is touched unless every window
// has capacity.
func (e *Engine) Admit(ctx context.Context, apiKey string) (*model.Customer, error) {
	c, _, err := e.admit(ctx, apiKey)
	return c, err
}

func (e *Engine) admit(ctx context.Context, apiKey string) (*model.Customer, bool, error) {
	c, err := e.dir.Resolve(ctx, apiKey)
	if err != nil {
		return nil, false, err
	}
	failedOpen, err := e.reserve(ctx, c.ID, c.Limits, false)
	if err != nil {
		return nil, false, err
	}
	return c, failedOpen, nil
}

// CheckAndReserve is Admit expressed as a Decision.
func (e *Engine) CheckAndReserve(ctx context.Context, apiKey string) Decision {
	c, failedOpen, err := e.admit(ctx, apiKey)
	return e.decide(c, failedOpen, err)
}

// CheckAnonymous reserves a slot in the shared customer-less bucket. Denials
// use code 4010.
func (e *Engine) CheckAnonymous(ctx context.Context) Decision {
	if !e.cfg.Anonymous.Enabled {
		return e.decide(nil, false, &model.AuthError{Reason: model.AuthNoKey})
	}
	c := e.AnonymousCustomer()
	failedOpen, err := e.reserve(ctx, c.ID, c.Limits, true)
	if err != nil {
		return e.decide(nil, false, err)
	}
	return e.decide(c, failedOpen, nil)
}

// AnonymousCustomer describes the shared bucket as a customer record.
func (e *Engine) AnonymousCustomer() *model.Customer {
	return &model.Customer{
		ID:       AnonymousCustomerID,
		Name:     "anonymous",
		Limits:   e.cfg.Anonymous.Limits,
		IsActive: true,
	}
}

// Windows reports the current window usage of a customer without reserving.
func (e *Engine) Windows(ctx context.Context, c *model.Customer) ([]model.WindowStatus, error) {
	now := e.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()

	used, err := e.store.Usage(ctx, c.ID, now)
	if err != nil {
		return nil, &model.StorageError{Op: "usage", Err: err}
	}
	return model.BuildWindowStatus(c.Limits, used, now), nil
}

// reserve reports whether the call was admitted only because the store failed
// under the fail-open policy.
func (e *Engine) reserve(ctx context.Context, customerID int64, limits model.Limits, anonymous bool) (bool, error) {
	now := e.clock.Now()
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()

	start := time.Now()
	res, err := e.store.TryReserve(sctx, customerID, limits, now)
	metrics.StoreLatency.WithLabelValues(e.store.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		if e.cfg.FailOpen {
			metrics.AdmissionFailOpenTotal.Inc()
			e.log.Warn("quota store unavailable, admitting without reservation",
				zap.Int64("customer_id", customerID),
				zap.String("store", e.store.Name()),
				zap.Error(err),
			)
			return true, nil
		}
		e.log.Error("quota store unavailable, denying",
			zap.Int64("customer_id", customerID),
			zap.String("store", e.store.Name()),
			zap.Error(err),
		)
		return false, &model.StorageError{Op: "reserve", Err: err}
	}

	if !res.Allowed {
		return false, &model.RateLimitError{
			Period:     res.Period,
			Limit:      res.Limit,
			Used:       res.Used,
			RetryAfter: res.RetryAfter,
			Anonymous:  anonymous,
		}
	}
	return false, nil
}

func (e *Engine) decide(c *model.Customer, failedOpen bool, err error) Decision {
	if err != nil {
		resp := codes.FromError(err)
		metrics.AdmissionsTotal.WithLabelValues("denied", strconv.Itoa(int(resp.Code))).Inc()
		return Decision{Response: resp}
	}
	metrics.AdmissionsTotal.WithLabelValues("allowed", strconv.Itoa(int(codes.OK))).Inc()
	return Decision{Allowed: true, Customer: c, Response: codes.Success(""), FailedOpen: failedOpen}
}
