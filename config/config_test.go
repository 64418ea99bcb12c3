package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/postflow/platform"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postflow", cfg.Service.Name)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "memory", cfg.Bus.Backend)
	assert.Equal(t, 120*time.Second, cfg.Lock.TTL)
	assert.GreaterOrEqual(t, cfg.Bus.RetryDelay, cfg.Lock.TTL, "redelivery must outlast the lock")
	assert.Equal(t, 3, cfg.Generation.Rounds)
	assert.InDelta(t, 0.8, cfg.Generation.Temperature, 0.001)
	assert.Equal(t, 60*time.Minute, cfg.Asset.TTL)
	assert.Equal(t, platform.DefaultBaseURL, cfg.Platform.BaseURL)
	assert.False(t, cfg.Platform.DryRun)
	assert.True(t, cfg.Sweeper.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "postflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  backend: postgres
  database_url: postgres://localhost/postflow
bus:
  backend: asynq
  retry_delay: 3s
generation:
  provider: openai
  model: gpt-4o-mini
  rounds: 5
platform:
  location_id: accounts/1/locations/2
  cta_url: https://bakery.example/order
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, "postgres://localhost/postflow", cfg.Store.DatabaseURL)
	assert.Equal(t, "asynq", cfg.Bus.Backend)
	assert.Equal(t, 3*time.Second, cfg.Bus.RetryDelay)
	assert.Equal(t, 5, cfg.Generation.Rounds)
	assert.Equal(t, "records", cfg.Store.Table, "unset keys keep defaults")
	assert.NoError(t, cfg.Validate(true))
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_Environment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("DRY_RUN", "true")
	t.Setenv("PLATFORM_LOCATION_ID", "accounts/9/locations/9")
	t.Setenv("POSTFLOW_GENERATION_ROUNDS", "7")
	t.Setenv("POSTFLOW_LOGGING_LEVEL", "debug")
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/db", cfg.Store.DatabaseURL)
	assert.True(t, cfg.Platform.DryRun)
	assert.Equal(t, "accounts/9/locations/9", cfg.Platform.LocationID)
	assert.Equal(t, 7, cfg.Generation.Rounds)
	assert.Equal(t, "debug", cfg.Logging.Level, "prefixed variable wins")
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Store.Backend = "postgres"
	cfg.Bus.Backend = "kafka"
	cfg.Generation.Rounds = 0
	cfg.Asset.Signer = "hmac"
	cfg.Platform.LocationID = "locations/2"
	cfg.Logging.Level = "loud"

	err = cfg.Validate(true)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 7)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "must be 'accounts/X/locations/Y'")
	assert.Contains(t, err.Error(), "call-to-action url is not set")
}

func TestValidate_PlatformOnlyForPublisher(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	assert.NoError(t, cfg.Validate(false))
	assert.Error(t, cfg.Validate(true))
}

func TestValidate_RetryDelayShorterThanLockTTL(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Platform.LocationID = "accounts/1/locations/2"
	cfg.Platform.CTAURL = "https://bakery.example/order"
	require.NoError(t, cfg.Validate(true))

	cfg.Bus.RetryDelay = 10 * time.Second
	assert.NoError(t, cfg.Validate(true), "the sweeper reclaims stale locks")
	assert.NoError(t, cfg.Validate(false), "the composer holds no locks")

	cfg.Sweeper.Enabled = false
	err = cfg.Validate(true)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"bus.retry_delay (10s) must be at least lock.ttl (2m0s) when the sweeper is disabled"}, verr.Problems)

	cfg.Bus.RetryDelay = cfg.Lock.TTL
	assert.NoError(t, cfg.Validate(true))
}
