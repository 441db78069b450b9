package scoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mirror-status/internal/model"
	"github.com/sells-group/mirror-status/internal/resilience"
)

// Source is the store surface used by the engine.
type Source interface {
	UnscoredCheckruns(ctx context.Context) ([]model.Checkrun, error)
	CheckrunErrorCounts(ctx context.Context, checkrunID int64) (total, errors int, err error)
	UnscoredOverviews(ctx context.Context, checkrunID int64) ([]model.ScoringInput, error)
	PreviousOverview(ctx context.Context, siteID int64, before time.Time) (*model.PriorScore, error)
	SaveScores(ctx context.Context, updates []model.ScoreUpdate) (int, error)
}

// CheckrunResult reports the scoring of one checkrun.
type CheckrunResult struct {
	CheckrunID int64
	Total      int
	Errors     int
	Ignored    bool
	Scored     int
}

// Summary aggregates a scoring pass.
type Summary struct {
	Checkruns int
	Ignored   int
	Scored    int
	Duration  time.Duration
}

// Engine fills in the scores of unscored Overviews.
type Engine struct {
	src Source
	cfg Config
	log *zap.Logger
}

// New creates an Engine.
func New(src Source, cfg Config) *Engine {
	return &Engine{
		src: src,
		cfg: cfg,
		log: zap.L().With(zap.String("component", "scoring")),
	}
}

// ScoreUnscored scores every checkrun that still has unscored Overviews, in
// ascending timestamp order. Each checkrun is committed before the next is
// read, so a site's previous Overview is always scored first. The pass stops
// at the first failing checkrun.
func (e *Engine) ScoreUnscored(ctx context.Context) (Summary, error) {
	start := time.Now()
	var sum Summary

	runs, err := e.src.UnscoredCheckruns(ctx)
	if err != nil {
		return sum, eris.Wrap(err, "scoring: list unscored checkruns")
	}

	for _, cr := range runs {
		if err := ctx.Err(); err != nil {
			return sum, eris.Wrap(err, "scoring: pass cancelled")
		}
		res, err := e.ScoreCheckrun(ctx, cr)
		if err != nil {
			return sum, err
		}
		sum.Checkruns++
		sum.Scored += res.Scored
		if res.Ignored {
			sum.Ignored++
		}
	}

	sum.Duration = time.Since(start)
	e.log.Info("scoring pass complete",
		zap.Int("checkruns", sum.Checkruns),
		zap.Int("ignored", sum.Ignored),
		zap.Int("scored", sum.Scored),
		zap.Duration("duration", sum.Duration),
	)
	return sum, nil
}

// ScoreCheckrun scores the unscored Overviews of one checkrun and commits
// them together. Transient store failures retry the whole checkrun.
func (e *Engine) ScoreCheckrun(ctx context.Context, cr model.Checkrun) (CheckrunResult, error) {
	retry := e.cfg.Retry
	retry.OnRetry = resilience.RetryLogger("score checkrun", zap.Int64("checkrun_id", cr.ID))
	res, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (CheckrunResult, error) {
		return e.scoreOnce(ctx, cr)
	})
	if err != nil {
		return res, eris.Wrapf(err, "scoring: checkrun %d at %s", cr.ID, cr.Timestamp.UTC().Format(time.RFC3339))
	}
	return res, nil
}

func (e *Engine) scoreOnce(ctx context.Context, cr model.Checkrun) (CheckrunResult, error) {
	res := CheckrunResult{CheckrunID: cr.ID}
	log := e.log.With(zap.Int64("checkrun_id", cr.ID))

	total, errs, err := e.src.CheckrunErrorCounts(ctx, cr.ID)
	if err != nil {
		return res, err
	}
	res.Total, res.Errors = total, errs
	res.Ignored = e.cfg.IgnoreRun(total, errs)
	if res.Ignored {
		log.Info("ignoring checkrun for scoring purposes",
			zap.Int("errors", errs),
			zap.Int("total", total),
		)
	}

	inputs, err := e.src.UnscoredOverviews(ctx, cr.ID)
	if err != nil {
		return res, err
	}

	updates := make([]model.ScoreUpdate, 0, len(inputs))
	for _, in := range inputs {
		score, err := e.score(ctx, cr, in, res.Ignored)
		if err != nil {
			return res, err
		}
		updates = append(updates, model.ScoreUpdate{OverviewID: in.OverviewID, Score: score})
	}

	res.Scored, err = e.src.SaveScores(ctx, updates)
	if err != nil {
		return res, err
	}
	log.Debug("checkrun scored", zap.Int("scored", res.Scored))
	return res, nil
}

func (e *Engine) score(ctx context.Context, cr model.Checkrun, in model.ScoringInput, ignored bool) (float64, error) {
	prev, delta := 0.0, e.cfg.BootstrapDelta

	prior, err := e.src.PreviousOverview(ctx, in.SiteID, cr.Timestamp)
	if err != nil {
		return 0, err
	}
	if prior != nil {
		v, ok := prior.Score.Value()
		if !ok {
			return 0, eris.Wrapf(model.ErrInvariant,
				"previous overview of site %d at %s has no score",
				in.SiteID, prior.CheckrunTimestamp.UTC().Format(time.RFC3339))
		}
		prev, delta = v, cr.Timestamp.Sub(prior.CheckrunTimestamp)
	}

	adj, err := e.cfg.Adjustment(ignored, in)
	if err != nil {
		return 0, err
	}
	return e.cfg.Next(prev, adj, Weight(delta)), nil
}
