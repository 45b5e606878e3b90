package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	ratelimit "github.com/KARTIKrocks/go-tierlimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()

	assert.Equal(t, "sliding_window_counter", c.DefaultAlgorithm)
	assert.Equal(t, DefaultAddr, c.Server.Addr)
	assert.Equal(t, 10*time.Second, c.Server.ShutdownTimeout)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "text", c.Log.Format)

	require.Len(t, c.Tiers, 4)
	assert.Equal(t, ratelimit.Config{MaxRequests: 10, Window: time.Minute}, c.Tiers["FREE"])
	assert.Equal(t, ratelimit.Config{MaxRequests: 10000, Window: time.Minute}, c.Tiers["ENTERPRISE"])
	require.NoError(t, c.Validate())
}

func TestParse(t *testing.T) {
	data := []byte(`
default_algorithm: token_bucket
idle_eviction: 10m
tiers:
  free:
    max_requests: 5
    window: 30s
  gold:
    max_requests: 500
    window: 1m
clients:
  - id: alice
    tier: free
  - id: bob
    tier: GOLD
    algorithm: Sliding Window Log
server:
  addr: ":9090"
log:
  level: debug
  format: json
`)

	c, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "token_bucket", c.DefaultAlgorithm)
	assert.Equal(t, 10*time.Minute, c.IdleEviction)
	require.Len(t, c.Tiers, 2)
	assert.Equal(t, ratelimit.Config{MaxRequests: 5, Window: 30 * time.Second}, c.Tiers["FREE"])
	assert.Equal(t, ratelimit.Config{MaxRequests: 500, Window: time.Minute}, c.Tiers["GOLD"])
	require.Len(t, c.Clients, 2)
	assert.Equal(t, "FREE", c.Clients[0].Tier)
	assert.Equal(t, ":9090", c.Server.Addr)
	assert.Equal(t, "json", c.Log.Format)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		target error
	}{
		{
			name:   "non-positive max requests",
			yaml:   "tiers:\n  free:\n    max_requests: 0\n    window: 1m\n",
			target: ratelimit.ErrInvalidConfig,
		},
		{
			name:   "non-positive window",
			yaml:   "tiers:\n  free:\n    max_requests: 10\n    window: -1s\n",
			target: ratelimit.ErrInvalidConfig,
		},
		{
			name:   "unknown client tier",
			yaml:   "clients:\n  - id: alice\n    tier: platinum\n",
			target: ratelimit.ErrUnknownTier,
		},
		{
			name:   "unknown client algorithm",
			yaml:   "clients:\n  - id: alice\n    tier: free\n    algorithm: random_drop\n",
			target: ratelimit.ErrUnknownAlgorithm,
		},
		{
			name:   "unknown default algorithm",
			yaml:   "default_algorithm: gcra\n",
			target: ratelimit.ErrUnknownAlgorithm,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestValidate_Messages(t *testing.T) {
	c := Default()
	c.Clients = []ClientConfig{{ID: "", Tier: "FREE"}, {ID: "a", Tier: "FREE"}, {ID: "a", Tier: "FREE"}}
	c.Log.Level = "loud"
	c.Log.Format = "xml"

	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clients[0].id is required")
	assert.Contains(t, err.Error(), `clients[2]: duplicate id "a"`)
	assert.Contains(t, err.Error(), "invalid log.level 'loud'")
	assert.Contains(t, err.Error(), "invalid log.format 'xml'")
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("tiers: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TIERLIMIT_ADDR":                    ":7070",
		"TIERLIMIT_LOG_LEVEL":               "WARN",
		"TIERLIMIT_DEFAULT_ALGORITHM":       "leaky_bucket",
		"TIERLIMIT_IDLE_EVICTION":           "5m",
		"TIERLIMIT_TIER_FREE_MAX_REQUESTS":  "20",
		"TIERLIMIT_TIER_BASIC_WINDOW":       "2m",
		"TIERLIMIT_TIER_PREMIUM_UNRELATED":  "ignored",
		"UNPREFIXED_TIER_FREE_MAX_REQUESTS": "99",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	c := Default()
	require.NoError(t, c.ApplyEnv(lookup))

	assert.Equal(t, ":7070", c.Server.Addr)
	assert.Equal(t, "warn", c.Log.Level)
	assert.Equal(t, "leaky_bucket", c.DefaultAlgorithm)
	assert.Equal(t, 5*time.Minute, c.IdleEviction)
	assert.Equal(t, ratelimit.Config{MaxRequests: 20, Window: time.Minute}, c.Tiers["FREE"])
	assert.Equal(t, ratelimit.Config{MaxRequests: 100, Window: 2 * time.Minute}, c.Tiers["BASIC"])
	assert.Equal(t, ratelimit.Config{MaxRequests: 1000, Window: time.Minute}, c.Tiers["PREMIUM"])
}

func TestApplyEnv_Invalid(t *testing.T) {
	tests := map[string]string{
		"TIERLIMIT_IDLE_EVICTION":          "soon",
		"TIERLIMIT_TIER_FREE_MAX_REQUESTS": "ten",
		"TIERLIMIT_TIER_FREE_WINDOW":       "a minute",
	}

	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			c := Default()
			err := c.ApplyEnv(func(k string) (string, bool) {
				if k == key {
					return value, true
				}
				return "", false
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoadOrDefault_EnvDefinesTier(t *testing.T) {
	t.Setenv("TIERLIMIT_TIER_GOLD_MAX_REQUESTS", "50")
	t.Setenv("TIERLIMIT_TIER_GOLD_WINDOW", "10s")

	c, err := LoadOrDefault("")
	require.NoError(t, err)

	require.Len(t, c.Tiers, 5)
	assert.Equal(t, ratelimit.Config{MaxRequests: 50, Window: 10 * time.Second}, c.Tiers["GOLD"])
}

func TestLoadOrDefault_LowercaseEnvTier(t *testing.T) {
	t.Setenv("TIERLIMIT_TIER_free_WINDOW", "2m")
	t.Setenv("TIERLIMIT_TIER_silver_MAX_REQUESTS", "30")
	t.Setenv("TIERLIMIT_TIER_silver_WINDOW", "30s")

	c, err := LoadOrDefault("")
	require.NoError(t, err)

	assert.Equal(t, ratelimit.Config{MaxRequests: 10, Window: 2 * time.Minute}, c.Tiers["FREE"])
	assert.Equal(t, ratelimit.Config{MaxRequests: 30, Window: 30 * time.Second}, c.Tiers["SILVER"])
	assert.NotContains(t, c.Tiers, "silver")
}

func TestLoadOrDefault_IncompleteEnvTier(t *testing.T) {
	t.Setenv("TIERLIMIT_TIER_GOLD_MAX_REQUESTS", "50")

	_, err := LoadOrDefault("")
	require.Error(t, err)
	assert.ErrorIs(t, err, ratelimit.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "tiers.GOLD")
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_TIERLIMIT_FREE_MAX", "3")

	path := filepath.Join(t.TempDir(), "tierlimit.yaml")
	content := "tiers:\n  free:\n    max_requests: ${TEST_TIERLIMIT_FREE_MAX}\n    window: 1s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Config{MaxRequests: 3, Window: time.Second}, c.Tiers["FREE"])
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("TEST_TIERLIMIT_DOTENV=from-file\nTEST_TIERLIMIT_KEEP=from-file\n"), 0o600))

	t.Setenv("TEST_TIERLIMIT_KEEP", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("TEST_TIERLIMIT_DOTENV") })

	require.NoError(t, LoadDotEnvForConfig(filepath.Join(dir, "tierlimit.yaml")))

	assert.Equal(t, "from-file", os.Getenv("TEST_TIERLIMIT_DOTENV"))
	assert.Equal(t, "from-env", os.Getenv("TEST_TIERLIMIT_KEEP"), "existing variables must not be overwritten")
}

func TestLoadDotEnv_MissingFileIsSkipped(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "nope.env")))
}

func TestBuild(t *testing.T) {
	c, err := Parse([]byte(`
default_algorithm: fixed_window
tiers:
  free:
    max_requests: 2
    window: 1m
clients:
  - id: alice
    tier: free
  - id: bob
    tier: free
    algorithm: token_bucket
`))
	require.NoError(t, err)

	clock := ratelimit.NewManualClock(time.Unix(0, 0))
	svc, err := c.Build(ratelimit.WithServiceClock(clock))
	require.NoError(t, err)
	defer svc.Close()

	assert.Equal(t, ratelimit.FixedWindowKind, svc.DefaultAlgorithm())

	name, err := svc.AlgorithmName("alice")
	require.NoError(t, err)
	assert.Equal(t, "Fixed Window", name)

	name, err = svc.AlgorithmName("bob")
	require.NoError(t, err)
	assert.Equal(t, "Token Bucket", name)

	for i := 0; i < 2; i++ {
		d, err := svc.Allow("alice")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := svc.Allow("alice")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestLogger(t *testing.T) {
	c := Default()
	c.Log.Level = "debug"

	logger := c.Logger("tierlimit")
	assert.True(t, logger.IsDebug())
	assert.Equal(t, "tierlimit", logger.Name())
}
