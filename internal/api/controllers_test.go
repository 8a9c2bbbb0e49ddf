package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-core/internal/backtest"
	"options-core/internal/deployment"
	"options-core/internal/errs"
	"options-core/internal/events"
	"options-core/internal/market"
	"options-core/internal/monitor"
	"options-core/internal/replay"
	"options-core/internal/runner"
	"options-core/internal/strategy"
)

const (
	testSecret = "test-secret"
	testAPIKey = "test-key"
)

// memDeployments is an in-memory stand-in for the orchestrator.
type memDeployments struct {
	mu       sync.Mutex
	records  map[string]deployment.Record
	archived map[string]string
}

func newMemDeployments() *memDeployments {
	return &memDeployments{records: map[string]deployment.Record{}, archived: map[string]string{}}
}

func (m *memDeployments) Deploy(_ context.Context, req deployment.Request) (deployment.Record, error) {
	if err := req.Params.WithDefaults().Validate(); err != nil {
		return deployment.Record{}, err
	}
	if req.SessionToken == "expired" {
		return deployment.Record{}, errs.SessionInvalid("margin check", assert.AnError)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := deployment.Record{ID: req.ID, Name: req.Name, Status: deployment.StatusScheduled, Params: req.Params}
	m.records[rec.ID] = rec
	return rec, nil
}

func (m *memDeployments) Get(_ context.Context, id string) (deployment.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return deployment.Record{}, deployment.ErrNotFound
	}
	return rec, nil
}

func (m *memDeployments) List(context.Context) ([]deployment.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]deployment.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

func (m *memDeployments) move(id string, to deployment.Status) (deployment.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return deployment.Record{}, deployment.ErrNotFound
	}
	if !deployment.CanTransition(rec.Status, to) {
		return deployment.Record{}, deployment.ErrInvalidTransition
	}
	rec.Status = to
	m.records[id] = rec
	return rec, nil
}

func (m *memDeployments) Pause(_ context.Context, id string) (deployment.Record, error) {
	return m.move(id, deployment.StatusPaused)
}

func (m *memDeployments) Resume(_ context.Context, id string) (deployment.Record, error) {
	return m.move(id, deployment.StatusActive)
}

func (m *memDeployments) Stop(_ context.Context, id string) (deployment.Record, error) {
	return m.move(id, deployment.StatusStopped)
}

func (m *memDeployments) RefreshSession(ctx context.Context, id, _ string) (deployment.Record, error) {
	return m.Get(ctx, id)
}

func (m *memDeployments) Delete(_ context.Context, id, archivedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return deployment.ErrNotFound
	}
	delete(m.records, id)
	m.archived[id] = archivedBy
	return nil
}

// instantClock fires every replay delay immediately.
type instantClock struct{}

func (instantClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

type testEnv struct {
	srv      *httptest.Server
	deps     *memDeployments
	registry *runner.Registry
	replays  *replay.Manager
	token    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := events.NewBus()
	registry := runner.NewRegistry()
	metrics := monitor.NewMetrics()
	replays := replay.NewManager(registry, bus, metrics, time.Millisecond).WithClock(instantClock{})
	deps := newMemDeployments()

	s := NewServer(Config{
		Bus:         bus,
		Registry:    registry,
		Deployments: deps,
		Replays:     replays,
		Metrics:     metrics,
		JWTSecret:   testSecret,
		APIKey:      testAPIKey,
		RatePerSec:  1000,
		Burst:       1000,
		Meta:        SystemMeta{Version: "test", Feed: "mock", Instruments: []string{"NIFTY"}, DryRun: true},
	})
	srv := httptest.NewServer(s.Router)
	t.Cleanup(func() {
		replays.StopAll()
		srv.Close()
	})

	env := &testEnv{srv: srv, deps: deps, registry: registry, replays: replays}
	resp := env.do(t, http.MethodPost, "/api/auth/token", map[string]string{"api_key": testAPIKey})
	require.Equal(t, http.StatusOK, resp.Code)
	env.token, _ = resp.Body["token"].(string)
	require.NotEmpty(t, env.token)
	return env
}

type apiResponse struct {
	Code int
	Body map[string]any
	Raw  []byte
}

func (e *testEnv) do(t *testing.T, method, path string, body any) apiResponse {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw bytes.Buffer
	_, _ = raw.ReadFrom(resp.Body)
	out := apiResponse{Code: resp.StatusCode, Raw: raw.Bytes()}
	if len(out.Raw) > 0 && out.Raw[0] == '{' {
		require.NoError(t, json.Unmarshal(out.Raw, &out.Body))
	}
	return out
}

func candles(n int) []market.Candle {
	ist := time.FixedZone("IST", 5*3600+1800)
	start := time.Date(2024, 1, 10, 9, 15, 0, 0, ist)
	out := make([]market.Candle, n)
	price := 45000.0
	for i := range out {
		price += float64(i%5) - 2
		out[i] = market.Candle{
			Instrument: "NIFTY",
			Start:      start.Add(time.Duration(i) * 5 * time.Minute),
			Width:      5 * time.Minute,
			Open:       price - 1,
			High:       price + 6,
			Low:        price - 6,
			Close:      price,
			Closed:     true,
		}
	}
	return out
}

func TestAuthFlow(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.Code)

	bad := &testEnv{srv: env.srv}
	resp = bad.do(t, http.MethodPost, "/api/auth/token", map[string]string{"api_key": "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", resp.Body["code"])

	resp = bad.do(t, http.MethodGet, "/api/deployments", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, "MISSING_TOKEN", resp.Body["code"])

	bad.token = "garbage"
	resp = bad.do(t, http.MethodGet, "/api/deployments", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, "INVALID_TOKEN", resp.Body["code"])

	resp = env.do(t, http.MethodGet, "/api/system/status", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	meta := resp.Body["meta"].(map[string]any)
	assert.Equal(t, "mock", meta["feed"])
	assert.EqualValues(t, 0, resp.Body["runners"])
}

func TestTokenParsing(t *testing.T) {
	tok, err := generateToken("alice", testSecret, time.Now().Add(time.Minute))
	require.NoError(t, err)
	uid, err := parseToken(tok, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "alice", uid)

	_, err = parseToken(tok, "other-secret")
	assert.Error(t, err)

	expired, err := generateToken("alice", testSecret, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	_, err = parseToken(expired, testSecret)
	assert.Error(t, err)
}

func TestDeploymentLifecycle(t *testing.T) {
	env := newTestEnv(t)

	req := deployment.Request{ID: "dep-1", Name: "orb", Params: strategy.Params{Kind: strategy.KindORB}, SessionToken: "tok"}
	resp := env.do(t, http.MethodPost, "/api/deployments", req)
	require.Equal(t, http.StatusCreated, resp.Code, string(resp.Raw))
	assert.Equal(t, string(deployment.StatusScheduled), resp.Body["status"])
	assert.NotContains(t, string(resp.Raw), "tok\"")

	resp = env.do(t, http.MethodGet, "/api/deployments/dep-1", nil)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = env.do(t, http.MethodGet, "/api/deployments/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "NOT_FOUND", resp.Body["code"])

	// scheduled deployments cannot be paused
	resp = env.do(t, http.MethodPost, "/api/deployments/dep-1/pause", nil)
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = env.do(t, http.MethodPost, "/api/deployments/dep-1/stop", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, string(deployment.StatusStopped), resp.Body["status"])

	resp = env.do(t, http.MethodPost, "/api/deployments/dep-1/session", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = env.do(t, http.MethodDelete, "/api/deployments/dep-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, operatorID, env.deps.archived["dep-1"])
}

func TestDeploymentErrorsMapToStatus(t *testing.T) {
	env := newTestEnv(t)

	bad := strategy.Params{Kind: strategy.KindORB, StopLossPct: -1}
	resp := env.do(t, http.MethodPost, "/api/deployments", deployment.Request{ID: "x", Params: bad})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "VALIDATION_FAILED", resp.Body["code"])

	resp = env.do(t, http.MethodPost, "/api/deployments", deployment.Request{ID: "y", SessionToken: "expired"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	assert.Equal(t, "SESSION_INVALID", resp.Body["code"])

	resp = env.do(t, http.MethodPost, "/api/deployments", "not an object")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "INVALID_PAYLOAD", resp.Body["code"])
}

func TestReplaySessions(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/replays", replayRequest{
		Name:    "walk",
		Params:  strategy.Params{Kind: strategy.KindMountainSignal},
		Candles: candles(30),
		Speed:   4,
	})
	require.Equal(t, http.StatusCreated, resp.Code, string(resp.Raw))
	id, _ := resp.Body["id"].(string)
	require.NotEmpty(t, id)

	sess, err := env.replays.Get(id)
	require.NoError(t, err)
	select {
	case <-sess.Driver.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("replay did not finish")
	}

	resp = env.do(t, http.MethodGet, "/api/replays/"+id, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	progress := resp.Body["progress"].(map[string]any)
	assert.EqualValues(t, 30, progress["delivered"])
	assert.Equal(t, true, progress["done"])
	status := resp.Body["status"].(map[string]any)
	assert.Equal(t, true, status["replay"])

	// a finished replay leaves the runner list
	require.Eventually(t, func() bool {
		return env.do(t, http.MethodGet, "/api/runners/"+id, nil).Code == http.StatusNotFound
	}, time.Second, 5*time.Millisecond)

	resp = env.do(t, http.MethodPost, "/api/replays/"+id+"/speed", speedRequest{Speed: 0})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = env.do(t, http.MethodPost, "/api/replays/"+id+"/stop", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, true, resp.Body["stopped"])
	assert.Equal(t, 0, env.registry.Len())

	resp = env.do(t, http.MethodPost, "/api/replays/"+id+"/pause", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestReplayRejectsBadRequest(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/replays", replayRequest{Params: strategy.Params{Kind: strategy.KindORB}})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = env.do(t, http.MethodPost, "/api/replays", replayRequest{
		Params:  strategy.Params{Kind: strategy.KindORB},
		Candles: candles(5),
		Speed:   -1,
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "VALIDATION_FAILED", resp.Body["code"])
}

func TestBacktestEndpoint(t *testing.T) {
	env := newTestEnv(t)
	series := candles(60)

	resp := env.do(t, http.MethodPost, "/api/backtests", backtestRequest{
		Params:  strategy.Params{Kind: strategy.KindORB},
		Candles: series,
	})
	require.Equal(t, http.StatusOK, resp.Code, string(resp.Raw))
	assert.EqualValues(t, 60, resp.Body["candles"])

	resp = env.do(t, http.MethodPost, "/api/backtests", backtestRequest{
		Params:  strategy.Params{Kind: strategy.KindORB},
		Candles: series,
		Grid:    &backtest.Grid{StopLossPct: []float64{-0.2, -0.3}, TargetPct: []float64{0.5, 1}},
		Workers: 2,
		Top:     3,
	})
	require.Equal(t, http.StatusOK, resp.Code, string(resp.Raw))
	ranked := resp.Body["ranked"].([]any)
	assert.Len(t, ranked, 3)

	reversed := append([]market.Candle(nil), series...)
	reversed[0], reversed[1] = reversed[1], reversed[0]
	resp = env.do(t, http.MethodPost, "/api/backtests", backtestRequest{Params: strategy.Params{Kind: strategy.KindORB}, Candles: reversed})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	_ = env.do(t, http.MethodGet, "/api/deployments/nope", nil)

	resp := env.do(t, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.NotEmpty(t, resp.Raw)
}

func TestRateLimiter(t *testing.T) {
	l := newIPLimiter(1, 2, time.Hour)
	lim := l.get("1.2.3.4")
	assert.True(t, lim.Allow())
	assert.True(t, lim.Allow())
	assert.False(t, lim.Allow())
	assert.Same(t, lim, l.get("1.2.3.4"))
	assert.NotSame(t, lim, l.get("5.6.7.8"))
}
