// Package pipeline runs processing passes: reconcile every site, then score
// whatever reconciliation produced.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mirror-status/internal/model"
	"github.com/sells-group/mirror-status/internal/reconcile"
	"github.com/sells-group/mirror-status/internal/scoring"
)

// Reconciler derives Overviews from raw observations.
type Reconciler interface {
	ReconcileAll(ctx context.Context) (reconcile.Summary, error)
}

// Scorer fills in the scores of unscored Overviews.
type Scorer interface {
	ScoreUnscored(ctx context.Context) (scoring.Summary, error)
}

// PassLog persists the lifecycle of each pass.
type PassLog interface {
	StartPass(ctx context.Context, passID string, startedAt time.Time) error
	FinishPass(ctx context.Context, pass model.Pass) error
}

// PassResult reports one processing pass.
type PassResult struct {
	PassID    string
	Reconcile reconcile.Summary
	Scoring   scoring.Summary
	Duration  time.Duration
}

// Runner sequences reconciliation and scoring.
type Runner struct {
	reconciler Reconciler
	scorer     Scorer
	passLog    PassLog
	log        *zap.Logger

	// OnPass, if set, is called after every successful pass.
	OnPass func(PassResult)
}

// NewRunner creates a Runner.
func NewRunner(r Reconciler, s Scorer) *Runner {
	return &Runner{
		reconciler: r,
		scorer:     s,
		log:        zap.L().With(zap.String("component", "pipeline")),
	}
}

// WithPassLog records every pass in pl. Pass log failures are logged and
// never fail the pass.
func (r *Runner) WithPassLog(pl PassLog) *Runner {
	r.passLog = pl
	return r
}

// Run executes one pass. Scoring only starts once reconciliation has
// finished without error, so a failed pass never scores a partial set.
func (r *Runner) Run(ctx context.Context) (*PassResult, error) {
	res := &PassResult{PassID: uuid.NewString()}
	log := r.log.With(zap.String("pass_id", res.PassID))
	start := time.Now()
	log.Info("pipeline: pass starting")
	r.startPass(ctx, log, res.PassID, start)

	rec, err := r.reconciler.ReconcileAll(ctx)
	res.Reconcile = rec
	if err != nil {
		log.Error("pipeline: reconciliation failed", zap.Error(err))
		err = eris.Wrap(err, "pipeline: reconcile")
		r.finishPass(ctx, log, res, err)
		return res, err
	}

	sc, err := r.scorer.ScoreUnscored(ctx)
	res.Scoring = sc
	if err != nil {
		log.Error("pipeline: scoring failed", zap.Error(err))
		err = eris.Wrap(err, "pipeline: score")
		r.finishPass(ctx, log, res, err)
		return res, err
	}

	res.Duration = time.Since(start)
	log.Info("pipeline: pass complete",
		zap.Int("sites", rec.Sites),
		zap.Int("overviews_inserted", rec.Inserted),
		zap.Int("checkruns_scored", sc.Checkruns),
		zap.Int("checkruns_ignored", sc.Ignored),
		zap.Duration("duration", res.Duration),
	)
	r.finishPass(ctx, log, res, nil)
	if r.OnPass != nil {
		r.OnPass(*res)
	}
	return res, nil
}

func (r *Runner) startPass(ctx context.Context, log *zap.Logger, passID string, at time.Time) {
	if r.passLog == nil {
		return
	}
	if err := r.passLog.StartPass(ctx, passID, at.UTC()); err != nil {
		log.Warn("pipeline: failed to record pass start", zap.Error(err))
	}
}

func (r *Runner) finishPass(ctx context.Context, log *zap.Logger, res *PassResult, passErr error) {
	if r.passLog == nil {
		return
	}
	done := time.Now().UTC()
	p := model.Pass{
		ID:                res.PassID,
		Status:            model.PassComplete,
		CompletedAt:       &done,
		Sites:             res.Reconcile.Sites,
		OverviewsInserted: res.Reconcile.Inserted,
		CheckrunsScored:   res.Scoring.Checkruns,
		CheckrunsIgnored:  res.Scoring.Ignored,
	}
	if passErr != nil {
		p.Status = model.PassFailed
		p.Error = passErr.Error()
	}
	// The pass may have failed because ctx was cancelled; still record it.
	if err := r.passLog.FinishPass(context.WithoutCancel(ctx), p); err != nil {
		log.Warn("pipeline: failed to record pass completion", zap.Error(err))
	}
}

// Loop runs a pass immediately and then every interval until ctx is
// cancelled. A failed pass is logged and the next one runs on schedule;
// passes never overlap.
func (r *Runner) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	r.log.Info("pipeline: loop starting", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Run(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("pipeline: pass failed, waiting for next interval", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.log.Info("pipeline: loop stopped")
			return
		case <-ticker.C:
		}
	}
}
