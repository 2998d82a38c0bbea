package kibitz_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kibitz"
	"github.com/ashita-ai/kibitz/internal/rules"
	"github.com/ashita-ai/kibitz/internal/testutil"
)

func testConfig() kibitz.Config {
	return kibitz.Config{
		Port:                8080,
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		RulesTimeout:        2 * time.Second,
		MoveTimeout:         2 * time.Second,
		RetryBudget:         3,
		BreakerThreshold:    5,
		BreakerCooldown:     time.Minute,
		ObserverQueue:       16,
		FinalAckTimeout:     2 * time.Second,
		SessionIdleTTL:      30 * time.Minute,
		AbandonAfter:        2 * time.Hour,
		SweepInterval:       time.Minute,
		JWTExpiration:       time.Hour,
		RateLimitRPS:        1000,
		RateLimitBurst:      1000,
		ServiceName:         "kibitz",
		LogLevel:            "info",
		MaxRequestBodyBytes: 1 << 16,
	}
}

func newApp(t *testing.T, opts ...kibitz.Option) (*kibitz.App, *httptest.Server) {
	t.Helper()
	opts = append([]kibitz.Option{
		kibitz.WithConfig(testConfig()),
		kibitz.WithLogger(testutil.TestLogger()),
		kibitz.WithVersion("test"),
	}, opts...)
	app, err := kibitz.New(opts...)
	require.NoError(t, err)
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Shutdown(ctx)
	})
	return app, srv
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// foolsMateMoves answers by ply number, so one participant plays both sides.
var foolsMateMoves = map[int]string{0: "f2f3", 1: "e7e5", 2: "g2g4", 3: "d8h4"}

type foolsMateParticipant struct{ calls atomic.Int32 }

func (p *foolsMateParticipant) RequestMove(_ context.Context, req kibitz.MoveRequest) (string, error) {
	p.calls.Add(1)
	return foolsMateMoves[len(req.History)], nil
}

type stubDialer struct{ p kibitz.Participant }

func (d *stubDialer) Dial(h kibitz.ParticipantHandle) (kibitz.Participant, error) {
	if h.Capabilities["custom"] != "yes" {
		return nil, nil
	}
	return d.p, nil
}

type hookFunc func(ctx context.Context, snap kibitz.Snapshot) error

func (f hookFunc) OnSessionFinished(ctx context.Context, snap kibitz.Snapshot) error {
	return f(ctx, snap)
}

func customHandle(name string) map[string]any {
	return map[string]any{"handle": map[string]any{
		"name":         name,
		"transport":    "http",
		"address":      "https://participants.example.com/" + name,
		"capabilities": map[string]string{"custom": "yes"},
	}}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Port = 0
	_, err := kibitz.New(kibitz.WithConfig(cfg), kibitz.WithLogger(testutil.TestLogger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KIBITZ_PORT")
}

func TestNewRejectsMissingRoster(t *testing.T) {
	cfg := testConfig()
	cfg.RosterPath = t.TempDir() + "/missing.yaml"
	_, err := kibitz.New(kibitz.WithConfig(cfg), kibitz.WithLogger(testutil.TestLogger()))
	require.Error(t, err)
}

func TestCustomDialerAndGameHook(t *testing.T) {
	p := &foolsMateParticipant{}
	dialer := &stubDialer{p: p}
	finished := make(chan kibitz.Snapshot, 1)
	hook := hookFunc(func(_ context.Context, snap kibitz.Snapshot) error {
		finished <- snap
		return nil
	})
	_, srv := newApp(t, kibitz.WithParticipantDialer(dialer), kibitz.WithGameHook(hook))

	resp := post(t, srv.URL+"/v1/sessions", map[string]any{
		"session_id": "custom-1",
		"first":      customHandle("alpha"),
		"second":     customHandle("beta"),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	select {
	case snap := <-finished:
		assert.Equal(t, "custom-1", snap.SessionID)
		assert.Equal(t, "terminated", snap.Status)
		assert.Equal(t, 4, snap.MoveCount)
		assert.Equal(t, "alpha", snap.First)
		assert.Equal(t, "beta", snap.Second)
		require.NotNil(t, snap.Outcome)
		assert.Equal(t, "win", snap.Outcome.Kind)
		assert.Equal(t, "black", snap.Outcome.Winner)
		require.NotNil(t, snap.LastMove)
		assert.Equal(t, "d8h4", snap.LastMove.Move)
	case <-time.After(10 * time.Second):
		t.Fatal("hook was not called")
	}
	assert.EqualValues(t, 4, p.calls.Load())
}

type countingRules struct {
	local *rules.Local
	calls atomic.Int32
}

func (c *countingRules) Validate(ctx context.Context, position, move string) (bool, error) {
	c.calls.Add(1)
	return c.local.Validate(ctx, position, move)
}

func (c *countingRules) Apply(ctx context.Context, position, move string) (string, error) {
	c.calls.Add(1)
	return c.local.Apply(ctx, position, move)
}

func (c *countingRules) Status(ctx context.Context, position string) (kibitz.PositionStatus, error) {
	c.calls.Add(1)
	st, err := c.local.Status(ctx, position)
	if err != nil {
		return kibitz.PositionStatus{}, err
	}
	return kibitz.PositionStatus{
		Active:  st.Active,
		Turn:    string(st.Turn),
		Winner:  string(st.Winner),
		Reason:  st.Reason,
		InCheck: st.InCheck,
	}, nil
}

func TestCustomRulesAuthority(t *testing.T) {
	authority := &countingRules{local: rules.NewLocal()}
	_, srv := newApp(t, kibitz.WithRulesAuthority(authority))

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Data struct {
			Status        string `json:"status"`
			RulesProvider string `json:"rules_provider"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Data.Status)
	assert.Equal(t, "custom", health.Data.RulesProvider)

	start := post(t, srv.URL+"/v1/sessions", map[string]any{
		"session_id": "rules-1",
		"mode":       "manual",
		"first":      map[string]any{"handle": map[string]any{"name": "w", "transport": "scripted", "moves": []string{"e2e4"}}},
		"second":     map[string]any{"handle": map[string]any{"name": "b", "transport": "scripted", "moves": []string{"e7e5"}}},
	})
	require.Equal(t, http.StatusCreated, start.StatusCode)
	adv := post(t, srv.URL+"/v1/sessions/rules-1/advance", nil)
	require.Equal(t, http.StatusOK, adv.StatusCode)
	assert.Positive(t, authority.calls.Load())
}

func TestExtraRoutesAndMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.OperatorAPIKey = "operator-secret"
	var seen atomic.Int32

	_, srv := newApp(t,
		kibitz.WithConfig(cfg),
		kibitz.WithMiddleware(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen.Add(1)
				w.Header().Set("X-Kibitz-Test", "1")
				next.ServeHTTP(w, r)
			})
		}),
		kibitz.WithExtraRoutes(func(mux *http.ServeMux, auth kibitz.AuthHelper) {
			mux.Handle("GET /v1/custom", auth.RequireRole(kibitz.RoleOperator)(http.HandlerFunc(
				func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) },
			)))
		}),
	)

	resp, err := http.Get(srv.URL + "/v1/custom")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("X-Kibitz-Test"))

	tok := post(t, srv.URL+"/auth/token", map[string]string{"api_key": "operator-secret"})
	require.Equal(t, http.StatusOK, tok.StatusCode)
	var body struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(tok.Body).Decode(&body))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/custom", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+body.Data.Token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.EqualValues(t, 3, seen.Load())
}

func TestRunStopsOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	cfg := testConfig()
	cfg.Port = port
	app, err := kibitz.New(kibitz.WithConfig(cfg), kibitz.WithLogger(testutil.TestLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
