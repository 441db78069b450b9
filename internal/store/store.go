// Package store persists raw mirror observations and the overviews derived
// from them. PostgresStore is the production backend; SQLiteStore serves
// single-host deployments and tests.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mirror-status/internal/model"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = eris.New("not found")

// Store defines the persistence interface for the mirror monitor.
type Store interface {
	// Sites
	UpsertOrigin(ctx context.Context, label string) (int64, error)
	UpsertSite(ctx context.Context, site model.Site) (*model.Site, error)
	UpsertSiteAlias(ctx context.Context, alias model.SiteAlias) (*model.SiteAlias, error)
	GetSiteByName(ctx context.Context, name string) (*model.Site, error)
	ListSites(ctx context.Context) ([]model.Site, error)
	ListSiteAliases(ctx context.Context, siteID int64) ([]model.SiteAlias, error)

	// Checkruns and raw observations
	CreateCheckrun(ctx context.Context, ts time.Time) (*model.Checkrun, error)
	LatestCheckrun(ctx context.Context) (*model.Checkrun, error)
	SaveMasterTrace(ctx context.Context, t model.MasterTrace) error
	SaveSiteTrace(ctx context.Context, t model.SiteTrace) error
	SaveAliasTrace(ctx context.Context, t model.AliasTrace) error
	SaveTraceset(ctx context.Context, t model.Traceset) error
	GetTraceset(ctx context.Context, siteID, checkrunID int64) (*model.Traceset, error)

	// Reconciliation
	MasterTraceHistory(ctx context.Context, masterSite string) ([]model.MasterSighting, error)
	LatestMasterTrace(ctx context.Context, masterSite string) (*time.Time, error)
	PendingCheckruns(ctx context.Context, siteID int64) ([]model.PendingCheckrun, error)
	AliasObservations(ctx context.Context, siteID, checkrunID int64) ([]model.AliasObservation, error)
	EarliestMasterTrace(ctx context.Context, siteID int64, siteTrace time.Time) (*time.Time, error)
	InsertOverviews(ctx context.Context, overviews []model.Overview) (int, error)

	// Scoring
	UnscoredCheckruns(ctx context.Context) ([]model.Checkrun, error)
	CheckrunErrorCounts(ctx context.Context, checkrunID int64) (total, errors int, err error)
	UnscoredOverviews(ctx context.Context, checkrunID int64) ([]model.ScoringInput, error)
	PreviousOverview(ctx context.Context, siteID int64, before time.Time) (*model.PriorScore, error)
	SaveScores(ctx context.Context, updates []model.ScoreUpdate) (int, error)

	// Transactions
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// Pass log
	StartPass(ctx context.Context, passID string, startedAt time.Time) error
	FinishPass(ctx context.Context, pass model.Pass) error
	ListPasses(ctx context.Context, limit int) ([]model.Pass, error)

	// Listings
	LatestOverviews(ctx context.Context) ([]model.SiteOverview, error)
	SiteOverviews(ctx context.Context, siteID int64, limit int) ([]model.SiteOverview, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

// ageNanos converts an Overview age to its persisted form, at full
// nanosecond precision.
func ageNanos(age *time.Duration) *int64 {
	if age == nil {
		return nil
	}
	n := int64(*age)
	return &n
}

func ageFromNanos(n *int64) *time.Duration {
	if n == nil {
		return nil
	}
	d := time.Duration(*n)
	return &d
}
