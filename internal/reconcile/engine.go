// Package reconcile derives per-site Overviews from raw trace observations.
//
// For each site, every checkrun without an Overview that is either newer than
// the site's latest Overview or has raw trace data is turned into one
// Overview, oldest first. The Overviews of a site are committed together, so a
// failed site leaves no partial state and is picked up again on the next pass.
package reconcile

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/mirror-status/internal/model"
	"github.com/sells-group/mirror-status/internal/resilience"
)

const (
	errVersionUncertain = "mastertrace validity uncertain"
	errUnexpectedPrefix = "unexpected mirror version: "
)

// Source is the store surface used by the engine.
type Source interface {
	ListSites(ctx context.Context) ([]model.Site, error)
	MasterTraceHistory(ctx context.Context, masterSite string) ([]model.MasterSighting, error)
	PendingCheckruns(ctx context.Context, siteID int64) ([]model.PendingCheckrun, error)
	AliasObservations(ctx context.Context, siteID, checkrunID int64) ([]model.AliasObservation, error)
	EarliestMasterTrace(ctx context.Context, siteID int64, siteTrace time.Time) (*time.Time, error)
	InsertOverviews(ctx context.Context, overviews []model.Overview) (int, error)
}

// Config configures an Engine.
type Config struct {
	// MasterSite is the name of the authoritative site.
	MasterSite string
	// Workers bounds how many sites are reconciled concurrently.
	Workers int
	// SitesPerSecond throttles how fast site lanes start. Zero disables it.
	SitesPerSecond float64
	Retry          resilience.RetryConfig
}

// Result reports the outcome of reconciling one site.
type Result struct {
	Site     string
	Pending  int
	Inserted int
	Failed   int
}

// Summary aggregates the Results of a pass over all sites.
type Summary struct {
	Sites    int
	Pending  int
	Inserted int
	Failed   int
	Duration time.Duration
}

func (s *Summary) add(r Result) {
	s.Sites++
	s.Pending += r.Pending
	s.Inserted += r.Inserted
	s.Failed += r.Failed
}

// Engine reconciles raw observations into Overviews.
type Engine struct {
	src     Source
	cfg     Config
	limiter *rate.Limiter
	log     *zap.Logger
}

// New creates an Engine reading from and writing to src.
func New(src Source, cfg Config) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	var limiter *rate.Limiter
	if cfg.SitesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SitesPerSecond), 1)
	}
	return &Engine{
		src:     src,
		cfg:     cfg,
		limiter: limiter,
		log:     zap.L().With(zap.String("component", "reconcile")),
	}
}

// LastSeen builds the authoritative version history for one pass.
func (e *Engine) LastSeen(ctx context.Context) (LastSeen, error) {
	history, err := resilience.DoVal(ctx, e.cfg.Retry, func(ctx context.Context) ([]model.MasterSighting, error) {
		return e.src.MasterTraceHistory(ctx, e.cfg.MasterSite)
	})
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: master trace history")
	}
	if len(history) == 0 {
		e.log.Warn("authoritative site has no trace history; every version will be unexpected",
			zap.String("master_site", e.cfg.MasterSite))
	}
	return BuildLastSeen(history), nil
}

// Reconcile creates the missing Overviews of a single site.
func (e *Engine) Reconcile(ctx context.Context, site model.Site) (Result, error) {
	seen, err := e.LastSeen(ctx)
	if err != nil {
		return Result{Site: site.Name}, err
	}
	return e.reconcileSite(ctx, site, seen)
}

// ReconcileAll reconciles every site against one LastSeen snapshot. Sites run
// in parallel lanes bounded by Config.Workers. The first site failure cancels
// the remaining lanes and is returned.
func (e *Engine) ReconcileAll(ctx context.Context) (Summary, error) {
	start := time.Now()
	var sum Summary

	seen, err := e.LastSeen(ctx)
	if err != nil {
		return sum, err
	}
	sites, err := e.src.ListSites(ctx)
	if err != nil {
		return sum, eris.Wrap(err, "reconcile: list sites")
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	var waitErr error
	for _, site := range sites {
		if e.limiter != nil {
			if waitErr = e.limiter.Wait(gctx); waitErr != nil {
				break
			}
		}
		g.Go(func() error {
			res, err := e.reconcileSite(gctx, site, seen)
			if err != nil {
				return eris.Wrapf(err, "reconcile: site %s", site.Name)
			}
			mu.Lock()
			sum.add(res)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return sum, err
	}
	// Wait also fails when the next token lies beyond ctx's deadline, before
	// ctx itself is done.
	if waitErr != nil {
		return sum, eris.Wrap(waitErr, "reconcile: rate limit")
	}
	if err := ctx.Err(); err != nil {
		return sum, eris.Wrap(err, "reconcile: pass cancelled")
	}

	sum.Duration = time.Since(start)
	e.log.Info("reconciliation pass complete",
		zap.Int("sites", sum.Sites),
		zap.Int("pending", sum.Pending),
		zap.Int("inserted", sum.Inserted),
		zap.Int("failed", sum.Failed),
		zap.Duration("duration", sum.Duration),
	)
	return sum, nil
}

func (e *Engine) reconcileSite(ctx context.Context, site model.Site, seen LastSeen) (Result, error) {
	retry := e.cfg.Retry
	retry.OnRetry = resilience.RetryLogger("reconcile site", zap.String("site", site.Name))
	return resilience.DoVal(ctx, retry, func(ctx context.Context) (Result, error) {
		return e.reconcileOnce(ctx, site, seen)
	})
}

// reconcileOnce is one attempt at a site. Everything it reads is re-derived
// from the store, so a retry starts clean.
func (e *Engine) reconcileOnce(ctx context.Context, site model.Site, seen LastSeen) (Result, error) {
	log := e.log.With(zap.String("site", site.Name))
	res := Result{Site: site.Name}

	pending, err := e.src.PendingCheckruns(ctx, site.ID)
	if err != nil {
		return res, err
	}
	res.Pending = len(pending)
	if len(pending) == 0 {
		return res, nil
	}

	r := &siteRun{src: e.src, site: site, seen: seen, versions: make(map[int64]*time.Time), log: log}
	overviews := make([]model.Overview, 0, len(pending))
	for _, p := range pending {
		o, err := r.overview(ctx, p)
		if err != nil {
			return res, err
		}
		if o.HasError() {
			res.Failed++
		}
		overviews = append(overviews, o)
	}

	res.Inserted, err = e.src.InsertOverviews(ctx, overviews)
	if err != nil {
		return res, err
	}
	log.Debug("site reconciled",
		zap.Int("pending", res.Pending),
		zap.Int("inserted", res.Inserted),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// siteRun holds the state of one reconciliation of one site. versions caches
// version lookups by site trace timestamp; a nil entry records "not found".
type siteRun struct {
	src      Source
	site     model.Site
	seen     LastSeen
	versions map[int64]*time.Time
	log      *zap.Logger
}

func (r *siteRun) overview(ctx context.Context, p model.PendingCheckrun) (model.Overview, error) {
	o := model.Overview{SiteID: r.site.ID, CheckrunID: p.ID}

	aliases, err := r.aliases(ctx, p)
	if err != nil {
		return o, err
	}
	o.Aliases = aliases

	var failures []string
	if msg, failed := p.Master.Failure(model.TraceKindMaster); failed {
		failures = append(failures, msg)
	}
	if msg, failed := p.Site.Failure(model.TraceKindSite); failed {
		failures = append(failures, msg)
	}
	if len(failures) > 0 {
		msg := strings.Join(failures, "; ")
		o.Error = &msg
		return o, nil
	}

	version, err := r.version(ctx, *p.Site.Timestamp)
	if err != nil {
		return o, err
	}
	if version == nil {
		msg := errVersionUncertain
		o.Error = &msg
		return o, nil
	}
	o.Version = version

	lastSeen, ok := r.seen.Lookup(*version)
	if !ok {
		msg := errUnexpectedPrefix + version.UTC().Format(time.RFC3339)
		o.Error = &msg
		return o, nil
	}
	age := Age(lastSeen, p.Timestamp)
	o.Age = &age
	return o, nil
}

// version resolves the authoritative version a site trace timestamp
// corresponds to: the master trace of the earliest checkrun that saw both
// this site trace and a master trace.
func (r *siteRun) version(ctx context.Context, siteTrace time.Time) (*time.Time, error) {
	key := siteTrace.UnixNano()
	if v, ok := r.versions[key]; ok {
		return v, nil
	}
	v, err := r.src.EarliestMasterTrace(ctx, r.site.ID, siteTrace)
	if err != nil {
		return nil, err
	}
	r.versions[key] = v
	return v, nil
}

func (r *siteRun) aliases(ctx context.Context, p model.PendingCheckrun) (model.AliasStatuses, error) {
	obs, err := r.src.AliasObservations(ctx, r.site.ID, p.ID)
	if err != nil {
		return nil, err
	}

	statuses := make(model.AliasStatuses, len(obs))
	for _, a := range obs {
		if a.Trace == nil {
			continue
		}
		if a.Trace.Error != nil {
			statuses[a.Name] = model.AliasStatus{OK: false, Error: a.Trace.Error}
			continue
		}
		// A differing timestamp is reported but does not fail the alias.
		if !sameTimestamp(a.Trace.Timestamp, masterTimestamp(p)) {
			r.log.Debug("alias serves a different master trace",
				zap.String("alias", a.Name),
				zap.Int64("checkrun_id", p.ID),
			)
		}
		statuses[a.Name] = model.AliasStatus{OK: true}
	}
	return statuses, nil
}

func masterTimestamp(p model.PendingCheckrun) *time.Time {
	if p.Master == nil {
		return nil
	}
	return p.Master.Timestamp
}

func sameTimestamp(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
