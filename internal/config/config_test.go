package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kibitz/internal/model"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, v)
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_INT_BAD="abc" is not a valid integer`, err.Error())
}

func TestEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	require.NoError(t, err)
	assert.True(t, v)

	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err = envBool("TEST_BOOL_BAD", false)
	require.Error(t, err)
	assert.Equal(t, `TEST_BOOL_BAD="maybe" is not a valid boolean`, err.Error())
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, v)

	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err = envDuration("TEST_DUR_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_DUR_BAD="five-seconds" is not a valid duration`, err.Error())
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "fast")
	_, err := envFloat("TEST_FLOAT_BAD", 1)
	assert.EqualError(t, err, `TEST_FLOAT_BAD="fast" is not a valid number`)
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.MoveTimeout)
	assert.Equal(t, 3, cfg.RetryBudget)
	assert.Equal(t, 16, cfg.ObserverQueue)
	assert.Equal(t, 5*time.Second, cfg.FinalAckTimeout)
	assert.Equal(t, 2*time.Hour, cfg.AbandonAfter)
	assert.True(t, cfg.EvictFinished)
	assert.Equal(t, int64(64*1024), cfg.MaxRequestBodyBytes)
	assert.Equal(t, "kibitz", cfg.ServiceName)
	assert.Empty(t, cfg.RulesURL)
	assert.False(t, cfg.AuthEnabled())
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("KIBITZ_MOVE_TIMEOUT", "250ms")
	t.Setenv("KIBITZ_RETRY_BUDGET", "5")
	t.Setenv("KIBITZ_EVICT_FINISHED", "false")
	t.Setenv("KIBITZ_RULES_URL", "http://chess-mcp:8000/mcp")
	t.Setenv("KIBITZ_OBSERVER_API_KEY", "watch")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.MoveTimeout)
	assert.Equal(t, 5, cfg.RetryBudget)
	assert.False(t, cfg.EvictFinished)
	assert.Equal(t, "http://chess-mcp:8000/mcp", cfg.RulesURL)
	assert.True(t, cfg.AuthEnabled())
}

func TestLoadReportsEveryMalformedVariable(t *testing.T) {
	t.Setenv("KIBITZ_PORT", "abc")
	t.Setenv("KIBITZ_MOVE_TIMEOUT", "soon")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `KIBITZ_PORT="abc"`)
	assert.Contains(t, err.Error(), `KIBITZ_MOVE_TIMEOUT="soon"`)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		t.Helper()
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Port = 0 }, "KIBITZ_PORT"},
		{"rules url", func(c *Config) { c.RulesURL = "chess-mcp:8000" }, "KIBITZ_RULES_URL"},
		{"retry budget", func(c *Config) { c.RetryBudget = 0 }, "KIBITZ_RETRY_BUDGET"},
		{"observer queue", func(c *Config) { c.ObserverQueue = 0 }, "KIBITZ_OBSERVER_QUEUE"},
		{"half a key pair", func(c *Config) { c.JWTPrivateKeyPath = "/keys/priv.pem" }, "must be set together"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "KIBITZ_LOG_LEVEL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseRoster(t *testing.T) {
	data := []byte(`
participants:
  - name: fools-white
    moves: [f2f3, g2g4]
  - name: stockfish
    transport: mcp-engine
    address: https://chess-mcp.example.com/mcp
  - name: remote
    transport: a2a
    address: https://agent.example.com
    capabilities:
      style: aggressive
`)
	r, err := ParseRoster(data, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"fools-white", "remote", "stockfish"}, r.Names())

	h, ok := r.Lookup("fools-white")
	require.True(t, ok)
	assert.Equal(t, model.TransportScripted, h.Transport, "moves imply scripted")

	h, ok = r.Lookup("stockfish")
	require.True(t, ok)
	assert.Equal(t, int64(1000), h.TimeLimitMillis)

	h, ok = r.Lookup("remote")
	require.True(t, ok)
	assert.Equal(t, "aggressive", h.Capabilities["style"])

	_, ok = r.Lookup("nobody")
	assert.False(t, ok)
}

func TestParseRosterCollectsProblems(t *testing.T) {
	data := []byte(`
participants:
  - transport: http
    address: https://a.example.com
  - name: twin
    moves: [e2e4]
  - name: twin
    moves: [e7e5]
  - name: local
    address: http://127.0.0.1:9000
`)
	_, err := ParseRoster(data, false)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "participants[0].name is required")
	assert.Contains(t, msg, `participants[2].name "twin" is duplicated`)
	assert.Contains(t, msg, "participants[3]")

	_, err = ParseRoster([]byte(`
participants:
  - name: local
    address: http://127.0.0.1:9000
`), true)
	assert.NoError(t, err, "private addresses allowed when configured")
}

func TestLoadRoster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.yaml")
	require.NoError(t, os.WriteFile(path, []byte("participants:\n  - name: w\n    moves: [e2e4]\n"), 0o600))

	r, err := LoadRoster(path, false)
	require.NoError(t, err)
	_, ok := r.Lookup("w")
	assert.True(t, ok)

	_, err = LoadRoster(filepath.Join(t.TempDir(), "missing.yaml"), false)
	assert.Error(t, err)

	var nilRoster *Roster
	_, ok = nilRoster.Lookup("w")
	assert.False(t, ok)
}
