package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/clock"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)

func TestMicroBreaker(t *testing.T) {
	clk := clock.NewFake(t0)
	b := NewMicroBreaker(2, 10*time.Second, clk)

	assert.True(t, b.TryAcquire())
	b.OnFailure()
	assert.Equal(t, "closed", b.State())
	b.OnFailure()
	assert.Equal(t, "open", b.State())
	assert.False(t, b.Ready())
	assert.False(t, b.TryAcquire())

	clk.Advance(10 * time.Second)
	assert.True(t, b.Ready())
	assert.True(t, b.TryAcquire(), "first caller after cool-down probes")
	assert.Equal(t, "half_open", b.State())
	assert.False(t, b.TryAcquire(), "only one probe at a time")

	b.OnFailure()
	assert.Equal(t, "open", b.State())

	clk.Advance(10 * time.Second)
	require.True(t, b.TryAcquire())
	b.OnSuccess()
	assert.Equal(t, "closed", b.State())
	assert.True(t, b.TryAcquire())
}

func TestNormalizeDomain(t *testing.T) {
	ok := []struct{ in, want string }{
		{"example.com", "example.com"},
		{"  Example.COM ", "example.com"},
		{"https://www.example.com/path?q=1", "www.example.com"},
		{"http://user@example.com:8080", "example.com"},
		{"example.com.", "example.com"},
		{"münchen.de", "xn--mnchen-3ya.de"},
	}
	for _, tc := range ok {
		got, err := NormalizeDomain(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	var valErr *model.ValidationError
	_, err := NormalizeDomain("")
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, model.ValidationBadRequest, valErr.Code)

	for _, in := range []string{"localhost", "exa mple.com", "-bad.com", "1.2.3.4", "a..b.com", "foo_bar.com"} {
		_, err := NormalizeDomain(in)
		require.ErrorAs(t, err, &valErr, in)
		assert.Equal(t, model.ValidationInvalidDomain, valErr.Code, in)
	}
}

func analyzerServer(t *testing.T, status int, body any, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var req AnalyzeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDispatcher_FailsOverToHealthyProvider(t *testing.T) {
	var badHits, goodHits atomic.Int64
	bad := analyzerServer(t, http.StatusInternalServerError, map[string]any{"message": "boom"}, &badHits)
	good := analyzerServer(t, http.StatusOK, map[string]any{"code": 1000, "category": "news", "confidence": 0.9}, &goodHits)

	clk := clock.NewFake(t0)
	d := NewDispatcher([]Provider{
		NewHTTPProvider(ProviderConfig{Name: "bad", BaseURL: bad.URL, FailThreshold: 1}, clk),
		NewHTTPProvider(ProviderConfig{Name: "good", BaseURL: good.URL}, clk),
	}, 2)

	res, err := d.Analyze(context.Background(), AnalyzeRequest{Domain: "example.com"})
	require.NoError(t, err)
	assert.Equal(t, "good", res.Provider)
	assert.Equal(t, "news", res.Category)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, int64(1), badHits.Load())

	// the failed provider's breaker is open, so it is skipped entirely
	for i := 0; i < 3; i++ {
		_, err := d.Analyze(context.Background(), AnalyzeRequest{Domain: "example.com"})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), badHits.Load())
	assert.Equal(t, int64(4), goodHits.Load())
}

func TestDispatcher_ValidationRejectionIsNotRetried(t *testing.T) {
	var hits atomic.Int64
	srv := analyzerServer(t, http.StatusBadRequest,
		map[string]any{"code": 2001, "message": "domain does not resolve", "field": "domain"}, &hits)

	p := NewHTTPProvider(ProviderConfig{Name: "a", BaseURL: srv.URL, FailThreshold: 1}, clock.NewFake(t0))
	d := NewDispatcher([]Provider{p}, 3)

	_, err := d.Analyze(context.Background(), AnalyzeRequest{Domain: "nx.example"})
	var valErr *model.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, model.ValidationInvalidDomain, valErr.Code)
	assert.Equal(t, int64(1), hits.Load())
	assert.Equal(t, "closed", p.BreakerState())
}

func TestDispatcher_AllProvidersDown(t *testing.T) {
	var hits atomic.Int64
	srv := analyzerServer(t, http.StatusBadGateway, map[string]any{}, &hits)

	d := NewDispatcher([]Provider{
		NewHTTPProvider(ProviderConfig{Name: "a", BaseURL: srv.URL, FailThreshold: 5}, clock.NewFake(t0)),
	}, 3)

	_, err := d.Analyze(context.Background(), AnalyzeRequest{Domain: "example.com"})
	var upErr *model.UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusBadGateway, upErr.StatusCode)
	assert.Equal(t, int64(3), hits.Load())
}

func TestDispatcher_NoProviders(t *testing.T) {
	d := NewDispatcher(nil, 2)
	_, err := d.Analyze(context.Background(), AnalyzeRequest{Domain: "example.com"})
	var upErr *model.UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.ErrorIs(t, err, ErrNoHealthy)
}
