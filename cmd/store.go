package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mirror-status/internal/config"
	"github.com/sells-group/mirror-status/internal/reconcile"
	"github.com/sells-group/mirror-status/internal/resilience"
	"github.com/sells-group/mirror-status/internal/scoring"
	"github.com/sells-group/mirror-status/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "mirror-status.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore validates the config for mode, opens the store and applies the
// schema. Callers should defer st.Close().
func openStore(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func retryConfig(c *config.Config) resilience.RetryConfig {
	return resilience.FromConfig(c.Retry.MaxAttempts, c.Retry.InitialBackoffMs)
}

func reconcileConfig(c *config.Config) reconcile.Config {
	return reconcile.Config{
		MasterSite:     c.Master.Site,
		Workers:        c.Reconcile.Workers,
		SitesPerSecond: c.Reconcile.SitesPerSecond,
		Retry:          retryConfig(c),
	}
}

// scoringConfig overlays the configured thresholds and bounds on the
// default scoring policy.
func scoringConfig(c *config.Config) (scoring.Config, error) {
	sc := scoring.DefaultConfig()
	sc.IgnoreThreshold = c.Scoring.IgnoreThreshold
	sc.BootstrapDelta = time.Duration(c.Scoring.BootstrapDeltaSecs) * time.Second
	sc.MinScore = c.Scoring.MinScore
	sc.MaxScore = c.Scoring.MaxScore
	sc.Retry = retryConfig(c)
	if err := scoring.ValidateConfig(sc); err != nil {
		return sc, err
	}
	return sc, nil
}
