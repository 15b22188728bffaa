package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DeFi-Sentry/internal/breaker"
	"DeFi-Sentry/internal/engine"
)

type fakeStatus struct {
	report *engine.TickReport
}

func (f fakeStatus) LastReport() (engine.TickReport, bool) {
	if f.report == nil {
		return engine.TickReport{}, false
	}
	return *f.report, true
}

func (f fakeStatus) Providers() []string {
	return []string{"sell:uniswap", "buy:uniswap", "lend:compound"}
}

type fakeFailures struct {
	records []breaker.FailureRecord
	err     error
	limit   int
}

func (f *fakeFailures) ListLatest(_ context.Context, limit int) ([]breaker.FailureRecord, error) {
	f.limit = limit
	return f.records, f.err
}

type requestLog struct {
	names  []string
	status []int
}

func (r *requestLog) ObserveHTTPRequest(handler, method string, status int, _ time.Duration) {
	r.names = append(r.names, handler)
	r.status = append(r.status, status)
}

func do(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	rec := do(t, NewServer(":0", Info{}, fakeStatus{}).Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "starting")

	running := &engine.TickReport{Tick: 3, Breaker: breaker.Status{ContinueRunning: true}}
	rec = do(t, NewServer(":0", Info{}, fakeStatus{report: running}).Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)

	halted := &engine.TickReport{Tick: 4, Halted: true, Breaker: breaker.Status{HaltReason: "ceiling"}}
	rec = do(t, NewServer(":0", Info{}, fakeStatus{report: halted}).Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "ceiling")
}

func TestStatus(t *testing.T) {
	report := &engine.TickReport{Tick: 7, Allowed: true, FeeBid: big.NewInt(42), Breaker: breaker.Status{ContinueRunning: true}}
	srv := NewServer(":0", Info{Chain: "mainnet", ChainID: "1", Address: "0xabc"}, fakeStatus{report: report})

	rec := do(t, srv.Handler(), "/api/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Chain     string   `json:"chain"`
		Address   string   `json:"address"`
		Providers []string `json:"providers"`
		LastTick  struct {
			Tick   uint64   `json:"tick"`
			FeeBid *big.Int `json:"fee_bid_wei"`
		} `json:"last_tick"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "mainnet", body.Chain)
	assert.Equal(t, "0xabc", body.Address)
	assert.Len(t, body.Providers, 3)
	assert.Equal(t, uint64(7), body.LastTick.Tick)
	assert.Equal(t, int64(42), body.LastTick.FeeBid.Int64())
}

func TestFailures(t *testing.T) {
	failures := &fakeFailures{records: []breaker.FailureRecord{{ID: "0x1", Source: "sell:uniswap"}}}
	h := NewServer(":0", Info{}, fakeStatus{}, WithFailures(failures)).Handler()

	rec := do(t, h, "/api/v1/failures?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, failures.limit)
	var got []breaker.FailureRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "0x1", got[0].ID)

	assert.Equal(t, http.StatusBadRequest, do(t, h, "/api/v1/failures?limit=x").Code)

	failures.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, do(t, h, "/api/v1/failures").Code)

	noJournal := NewServer(":0", Info{}, fakeStatus{}).Handler()
	assert.Equal(t, http.StatusNotFound, do(t, noJournal, "/api/v1/failures").Code)
}

func TestMetricsRouteAndInstrumentation(t *testing.T) {
	log := &requestLog{}
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("sentry_ticks_total 1\n"))
	})
	h := NewServer(":0", Info{}, fakeStatus{}, WithMetrics(metricsHandler, log)).Handler()

	rec := do(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sentry_ticks_total")

	do(t, h, "/healthz")
	assert.Equal(t, []string{"metrics", "healthz"}, log.names)
	assert.Equal(t, []int{http.StatusOK, http.StatusOK}, log.status)
}

func TestStartStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer("127.0.0.1:0", Info{}, fakeStatus{}).Start(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestBearerTokenGuardsAPI(t *testing.T) {
	h := NewServer(":0", Info{}, fakeStatus{}, WithBearerTokens("alpha", " ", "beta")).Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, "/api/v1/status").Code)
	assert.Equal(t, http.StatusOK, do(t, h, "/healthz").Code, "health stays open")

	for header, want := range map[string]int{
		"Bearer beta":  http.StatusOK,
		"bearer alpha": http.StatusOK,
		"Bearer gamma": http.StatusUnauthorized,
		"Basic alpha":  http.StatusUnauthorized,
		"alpha":        http.StatusUnauthorized,
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, header)
	}
}

func TestNoTokensMeansOpenAPI(t *testing.T) {
	h := NewServer(":0", Info{}, fakeStatus{}, WithBearerTokens()).Handler()
	assert.Equal(t, http.StatusOK, do(t, h, "/api/v1/status").Code)
}
