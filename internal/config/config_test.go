package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// No config.yaml in the temp dir.
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "ftp-master.debian.org", cfg.Master.Site)
	assert.Equal(t, 4, cfg.Reconcile.Workers)
	assert.Zero(t, cfg.Reconcile.SitesPerSecond)
	assert.InDelta(t, 0.7, cfg.Scoring.IgnoreThreshold, 0.001)
	assert.Equal(t, 300, cfg.Scoring.BootstrapDeltaSecs)
	assert.InDelta(t, -100, cfg.Scoring.MinScore, 0.001)
	assert.InDelta(t, 100, cfg.Scoring.MaxScore, 0.001)
	assert.Equal(t, 10*time.Minute, cfg.Schedule.Interval())
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 48, cfg.Monitoring.StaleAgeHours)
	assert.InDelta(t, 0.5, cfg.Monitoring.AlertErrorRatio, 0.001)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 200, cfg.Retry.InitialBackoffMs)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: /var/lib/mirror-status/status.db
log:
  level: debug
  format: console
master:
  site: master.example.org
reconcile:
  workers: 1
scoring:
  ignore_threshold: 0.9
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/var/lib/mirror-status/status.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "master.example.org", cfg.Master.Site)
	assert.Equal(t, 1, cfg.Reconcile.Workers)
	assert.InDelta(t, 0.9, cfg.Scoring.IgnoreThreshold, 0.001)
	// Defaults still apply for unset values
	assert.Equal(t, 300, cfg.Scoring.BootstrapDeltaSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("MIRRORSTATUS_STORE_DRIVER", "postgres")
	t.Setenv("MIRRORSTATUS_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("MIRRORSTATUS_SERVER_PORT", "3000")
	t.Setenv("MIRRORSTATUS_MONITORING_WEBHOOK_URL", "https://hooks.example.org/mirrors")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "https://hooks.example.org/mirrors", cfg.Monitoring.WebhookURL)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unterminated"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
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

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	return &Config{
		Store:      StoreConfig{Driver: "sqlite", DatabaseURL: "status.db"},
		Log:        LogConfig{Level: "info", Format: "json"},
		Master:     MasterConfig{Site: "ftp-master.debian.org"},
		Reconcile:  ReconcileConfig{Workers: 4},
		Scoring:    ScoringConfig{IgnoreThreshold: 0.7, BootstrapDeltaSecs: 300, MinScore: -100, MaxScore: 100},
		Schedule:   ScheduleConfig{IntervalSecs: 600},
		Server:     ServerConfig{Port: 8080},
		Monitoring: MonitoringConfig{StaleAgeHours: 48, AlertErrorRatio: 0.5, CheckIntervalSecs: 300},
		Retry:      RetryConfig{MaxAttempts: 3, InitialBackoffMs: 200},
	}
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"store", "process", "serve"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_PostgresNeedsURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidate_UnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `store.driver "mysql"`)
}

func TestValidate_ProcessBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Reconcile.Workers = 0
	cfg.Scoring.IgnoreThreshold = 1.5
	cfg.Scoring.MinScore = 100

	err := cfg.Validate("process")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconcile.workers must be at least 1")
	assert.Contains(t, err.Error(), "scoring.ignore_threshold")
	assert.Contains(t, err.Error(), "scoring.min_score must be below scoring.max_score")

	// Store-only commands do not care about engine settings.
	assert.NoError(t, cfg.Validate("store"))
}

func TestValidate_ServePort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port 0 is out of range")
	assert.NoError(t, cfg.Validate("process"))
}

func TestValidate_UnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
