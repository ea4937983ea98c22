package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jmehdipour/quota-gateway/internal/model"
)

var (
	ErrNoHealthy = errors.New("no healthy analyzers")
	ErrNoAcquire = errors.New("analyzer not acquired")
)

// Analyzer is the protected operation run after admission.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (AnalyzeResult, error)
}

// Dispatcher spreads analysis calls round-robin over ready providers and
// retries a bounded number of times on backend failures. Validation
// rejections from a provider are final and never retried.
type Dispatcher struct {
	providers         []Provider
	roundRobinCounter atomic.Uint64
	maxAttempts       int
}

var _ Analyzer = (*Dispatcher)(nil)

func NewDispatcher(provs []Provider, maxAttempts int) *Dispatcher {
	if maxAttempts < 1 {
		maxAttempts = 2
	}
	return &Dispatcher{providers: provs, maxAttempts: maxAttempts}
}

func (d *Dispatcher) selectProvider() (Provider, error) {
	healthy := make([]Provider, 0, len(d.providers))
	for _, p := range d.providers {
		if p.Ready() {
			healthy = append(healthy, p)
		}
	}

	if len(healthy) == 0 {
		return nil, ErrNoHealthy
	}

	x := d.roundRobinCounter.Add(1)
	idx := int((x - 1) % uint64(len(healthy)))

	return healthy[idx], nil
}

func (d *Dispatcher) tryOnce(ctx context.Context, req AnalyzeRequest) (AnalyzeResult, error) {
	p, err := d.selectProvider()
	if err != nil {
		return AnalyzeResult{}, err
	}

	if !p.Acquire() {
		return AnalyzeResult{}, ErrNoAcquire
	}

	return p.Analyze(ctx, req)
}

func (d *Dispatcher) Analyze(ctx context.Context, req AnalyzeRequest) (AnalyzeResult, error) {
	var last error
	for i := 0; i < d.maxAttempts; i++ {
		res, err := d.tryOnce(ctx, req)
		if err == nil {
			return res, nil
		}

		var valErr *model.ValidationError
		if errors.As(err, &valErr) {
			return AnalyzeResult{}, err
		}
		last = err
		if ctx.Err() != nil {
			break
		}
	}

	if last == nil {
		last = fmt.Errorf("analyze %q failed", req.Domain)
	}

	var upErr *model.UpstreamError
	if errors.As(last, &upErr) {
		return AnalyzeResult{}, last
	}
	return AnalyzeResult{}, &model.UpstreamError{Provider: "dispatcher", Err: last}
}
