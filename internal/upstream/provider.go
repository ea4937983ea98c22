package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/clock"
	"github.com/jmehdipour/quota-gateway/internal/codes"
	"github.com/jmehdipour/quota-gateway/internal/metrics"
	"github.com/jmehdipour/quota-gateway/internal/model"
)

const maxResponseBytes = 1 << 20

type AnalyzeRequest struct {
	Domain string `json:"domain"`
}

// AnalyzeResult is the categorization returned by a backend.
type AnalyzeResult struct {
	Provider   string          `json:"provider"`
	StatusCode int             `json:"-"`
	Domain     string          `json:"domain"`
	Category   string          `json:"category"`
	Confidence float64         `json:"confidence,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// backendReply is what analysis backends send; rejections carry a 20xx code.
type backendReply struct {
	Code       int             `json:"code"`
	Message    string          `json:"message"`
	Field      string          `json:"field"`
	Category   string          `json:"category"`
	Confidence float64         `json:"confidence"`
	Data       json.RawMessage `json:"data"`
}

type Provider interface {
	Name() string
	Ready() bool
	Acquire() bool
	Analyze(ctx context.Context, req AnalyzeRequest) (AnalyzeResult, error)
}

type ProviderConfig struct {
	Name          string
	BaseURL       string
	Path          string
	TimeoutMs     int
	FailThreshold int
	OpenForMs     int
}

type HTTPProvider struct {
	name    string
	baseURL string
	path    string
	client  *http.Client
	br      *MicroBreaker
}

var _ Provider = (*HTTPProvider)(nil)

func NewHTTPProvider(cfg ProviderConfig, clk clock.Clock) *HTTPProvider {
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 10000
	}

	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 3
	}

	if cfg.OpenForMs <= 0 {
		cfg.OpenForMs = 15000
	}

	if cfg.Path == "" {
		cfg.Path = "/analyze"
	}

	return &HTTPProvider{
		name:    cfg.Name,
		baseURL: cfg.BaseURL,
		path:    cfg.Path,
		client:  &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		br:      NewMicroBreaker(cfg.FailThreshold, time.Duration(cfg.OpenForMs)*time.Millisecond, clk),
	}
}

func (p *HTTPProvider) Name() string         { return p.name }
func (p *HTTPProvider) Ready() bool          { return p.br.Ready() }
func (p *HTTPProvider) Acquire() bool        { return p.br.TryAcquire() }
func (p *HTTPProvider) BreakerState() string { return p.br.State() }

// Analyze posts the request to the backend. Transport failures and 5xx replies
// count against the breaker; a 20xx rejection is the caller's fault and does not.
func (p *HTTPProvider) Analyze(ctx context.Context, req AnalyzeRequest) (AnalyzeResult, error) {
	res, err := p.post(ctx, req)
	if err != nil {
		if isRejection(err) {
			p.br.OnSuccess()
			metrics.UpstreamRequestsTotal.WithLabelValues(p.name, "rejected").Inc()
			return AnalyzeResult{}, err
		}
		p.br.OnFailure()
		metrics.UpstreamRequestsTotal.WithLabelValues(p.name, "error").Inc()
		return AnalyzeResult{}, err
	}

	p.br.OnSuccess()
	metrics.UpstreamRequestsTotal.WithLabelValues(p.name, "ok").Inc()

	return res, nil
}

func (p *HTTPProvider) post(ctx context.Context, areq AnalyzeRequest) (AnalyzeResult, error) {
	b, err := json.Marshal(areq)
	if err != nil {
		return AnalyzeResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+p.path, bytes.NewReader(b))
	if err != nil {
		return AnalyzeResult{}, &model.UpstreamError{Provider: p.name, Err: err}
	}

	req.Header.Set("Content-Type", "application/json")

	res, err := p.client.Do(req)
	if err != nil {
		return AnalyzeResult{}, &model.UpstreamError{Provider: p.name, Err: err}
	}

	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return AnalyzeResult{}, &model.UpstreamError{Provider: p.name, StatusCode: res.StatusCode, Err: err}
	}

	var reply backendReply
	decodeErr := json.Unmarshal(body, &reply)

	if res.StatusCode/100 != 2 {
		if decodeErr == nil && codes.Code(reply.Code).IsValidation() {
			return AnalyzeResult{}, &model.ValidationError{Code: reply.Code, Field: reply.Field, Message: reply.Message}
		}
		return AnalyzeResult{}, &model.UpstreamError{
			Provider:   p.name,
			StatusCode: res.StatusCode,
			Err:        fmt.Errorf("provider=%s path=%s status=%d", p.name, p.path, res.StatusCode),
		}
	}

	if decodeErr != nil {
		return AnalyzeResult{}, &model.UpstreamError{Provider: p.name, StatusCode: res.StatusCode, Err: fmt.Errorf("decode reply: %w", decodeErr)}
	}

	return AnalyzeResult{
		Provider:   p.name,
		StatusCode: res.StatusCode,
		Domain:     areq.Domain,
		Category:   reply.Category,
		Confidence: reply.Confidence,
		Data:       reply.Data,
	}, nil
}

func isRejection(err error) bool {
	var valErr *model.ValidationError
	return errors.As(err, &valErr)
}
