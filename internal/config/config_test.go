package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "scan-engine.db", cfg.Store.SQLitePath)
	assert.Equal(t, 200, cfg.Store.DebounceMs)
	assert.InDelta(t, 0.6, cfg.Engine.SimilarityThreshold, 0.001)
	assert.Equal(t, 40, cfg.Engine.StaleAfterSecs)
	assert.Equal(t, 256, cfg.Engine.ThumbnailCacheSize)
	assert.Equal(t, "https://classify.scanium.io/v1", cfg.Classify.BaseURL)
	assert.Equal(t, "cloud", cfg.Classify.Mode)
	assert.Equal(t, 4, cfg.Classify.MaxInFlight)
	assert.Equal(t, "https://vision.scanium.io/v1", cfg.Vision.BaseURL)
	assert.Equal(t, 3, cfg.Vision.MaxInFlight)
	assert.Equal(t, 300, cfg.Vision.FreshnessWindowSecs)
	assert.Equal(t, "https://pricing.scanium.io/v1", cfg.Pricing.BaseURL)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.InDelta(t, 0.75, cfg.Dedup.Threshold, 0.001)
	assert.Equal(t, 10, cfg.Dedup.ScanIntervalSecs)
	assert.Equal(t, 30, cfg.Telemetry.SampleIntervalSecs)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: memory
engine:
  similarity_threshold: 0.8
log:
  level: debug
  format: console
server:
  port: 9090
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.InDelta(t, 0.8, cfg.Engine.SimilarityThreshold, 0.001)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	// Defaults still apply for unset values
	assert.Equal(t, 40, cfg.Engine.StaleAfterSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("SCANIUM_STORE_DRIVER", "postgres")
	t.Setenv("SCANIUM_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("SCANIUM_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config that passes validation, for mutation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Engine.SimilarityThreshold = 0.6
	cfg.Classify.MaxInFlight = 4
	cfg.Vision.MaxInFlight = 3
	cfg.Pricing.MaxInFlight = 3
	cfg.Dedup.Threshold = 0.75
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateServe(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("serve"))

	cfg.Server.Port = 0
	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidatePortOnlyMattersForServe(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0
	assert.NoError(t, cfg.Validate("ingest"))
	assert.NoError(t, cfg.Validate("items"))
	assert.NoError(t, cfg.Validate("export"))
}

func TestValidatePostgresNeedsURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/scanium"
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateUnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "etcd"

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be one of")
}

func TestValidateThresholdBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Engine.SimilarityThreshold = 1.1
	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "engine.similarity_threshold")

	cfg.Engine.SimilarityThreshold = 0.6
	cfg.Dedup.Threshold = -0.1
	err = cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "dedup.threshold")
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Classify.MaxInFlight = 0
	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "classify.max_in_flight must be between 1 and 32")

	cfg.Classify.MaxInFlight = 33
	err = cfg.Validate("serve")
	assert.Error(t, err)

	cfg.Classify.MaxInFlight = 32
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("replicate")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0
	cfg.Dedup.Threshold = 2

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "dedup.threshold")
}
