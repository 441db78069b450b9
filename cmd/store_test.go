package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mirror-status/internal/config"
	"github.com/sells-group/mirror-status/internal/store"
)

func withConfig(t *testing.T, c *config.Config) {
	t.Helper()
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func testConfig(dsn string) *config.Config {
	return &config.Config{
		Store:     config.StoreConfig{Driver: "sqlite", DatabaseURL: dsn},
		Master:    config.MasterConfig{Site: "ftp-master.debian.org"},
		Reconcile: config.ReconcileConfig{Workers: 2, SitesPerSecond: 5},
		Scoring: config.ScoringConfig{
			IgnoreThreshold:    0.6,
			BootstrapDeltaSecs: 600,
			MinScore:           -50,
			MaxScore:           50,
		},
		Retry: config.RetryConfig{MaxAttempts: 4, InitialBackoffMs: 50},
	}
}

func TestInitStore_SQLite(t *testing.T) {
	withConfig(t, testConfig(filepath.Join(t.TempDir(), "cmd.db")))

	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	_, ok := st.(*store.SQLiteStore)
	assert.True(t, ok)
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	c := testConfig("")
	c.Store.Driver = "mysql"
	withConfig(t, c)

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver: mysql")
}

func TestOpenStore_MigratesSchema(t *testing.T) {
	withConfig(t, testConfig(filepath.Join(t.TempDir(), "cmd.db")))
	ctx := context.Background()

	st, err := openStore(ctx, "process")
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	latest, err := st.LatestCheckrun(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestOpenStore_InvalidConfig(t *testing.T) {
	c := testConfig("")
	c.Reconcile.Workers = 0
	withConfig(t, c)

	_, err := openStore(context.Background(), "process")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconcile.workers")
}

func TestReconcileConfig(t *testing.T) {
	rc := reconcileConfig(testConfig(""))
	assert.Equal(t, "ftp-master.debian.org", rc.MasterSite)
	assert.Equal(t, 2, rc.Workers)
	assert.InDelta(t, 5.0, rc.SitesPerSecond, 1e-9)
	assert.Equal(t, 4, rc.Retry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, rc.Retry.InitialBackoff)
}

func TestScoringConfig(t *testing.T) {
	sc, err := scoringConfig(testConfig(""))
	require.NoError(t, err)
	assert.InDelta(t, 0.6, sc.IgnoreThreshold, 1e-9)
	assert.Equal(t, 10*time.Minute, sc.BootstrapDelta)
	assert.InDelta(t, -50.0, sc.MinScore, 1e-9)
	assert.InDelta(t, 50.0, sc.MaxScore, 1e-9)
	assert.NotEmpty(t, sc.Bands)

	bad := testConfig("")
	bad.Scoring.MinScore = 60
	_, err = scoringConfig(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_score must be < max_score")
}
