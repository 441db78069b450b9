package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mirror-status/internal/model"
	"github.com/sells-group/mirror-status/internal/reconcile"
	"github.com/sells-group/mirror-status/internal/scoring"
)

// --- Mocks ---

type mockReconciler struct {
	mock.Mock
}

func (m *mockReconciler) ReconcileAll(ctx context.Context) (reconcile.Summary, error) {
	args := m.Called(ctx)
	return args.Get(0).(reconcile.Summary), args.Error(1)
}

type mockScorer struct {
	mock.Mock
}

func (m *mockScorer) ScoreUnscored(ctx context.Context) (scoring.Summary, error) {
	args := m.Called(ctx)
	return args.Get(0).(scoring.Summary), args.Error(1)
}

type mockPassLog struct {
	mock.Mock
}

func (m *mockPassLog) StartPass(ctx context.Context, passID string, startedAt time.Time) error {
	args := m.Called(ctx, passID, startedAt)
	return args.Error(0)
}

func (m *mockPassLog) FinishPass(ctx context.Context, pass model.Pass) error {
	args := m.Called(ctx, pass)
	return args.Error(0)
}

func TestRunner_Run(t *testing.T) {
	rec := &mockReconciler{}
	sc := &mockScorer{}
	rec.On("ReconcileAll", mock.Anything).Return(reconcile.Summary{Sites: 3, Inserted: 7}, nil).Once()
	sc.On("ScoreUnscored", mock.Anything).Return(scoring.Summary{Checkruns: 2, Scored: 7}, nil).Once()

	var seen []PassResult
	r := NewRunner(rec, sc)
	r.OnPass = func(p PassResult) { seen = append(seen, p) }

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, res.Reconcile.Inserted)
	assert.Equal(t, 2, res.Scoring.Checkruns)
	_, err = uuid.Parse(res.PassID)
	assert.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, res.PassID, seen[0].PassID)

	rec.AssertExpectations(t)
	sc.AssertExpectations(t)
}

func TestRunner_Run_ReconcileFailureSkipsScoring(t *testing.T) {
	rec := &mockReconciler{}
	sc := &mockScorer{}
	rec.On("ReconcileAll", mock.Anything).Return(reconcile.Summary{Sites: 3, Failed: 1}, errors.New("site lane failed"))

	res, err := NewRunner(rec, sc).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline: reconcile")
	assert.Equal(t, 1, res.Reconcile.Failed)
	sc.AssertNotCalled(t, "ScoreUnscored", mock.Anything)
}

func TestRunner_Run_ScoringFailure(t *testing.T) {
	rec := &mockReconciler{}
	sc := &mockScorer{}
	rec.On("ReconcileAll", mock.Anything).Return(reconcile.Summary{}, nil)
	sc.On("ScoreUnscored", mock.Anything).Return(scoring.Summary{}, errors.New("invariant"))

	called := false
	r := NewRunner(rec, sc)
	r.OnPass = func(PassResult) { called = true }

	_, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline: score")
	assert.False(t, called)
}

type countingReconciler struct {
	calls atomic.Int32
	err   error
}

func (c *countingReconciler) ReconcileAll(context.Context) (reconcile.Summary, error) {
	c.calls.Add(1)
	return reconcile.Summary{}, c.err
}

type nopScorer struct{}

func (nopScorer) ScoreUnscored(context.Context) (scoring.Summary, error) {
	return scoring.Summary{}, nil
}

func TestRunner_Loop_RunsImmediatelyAndStops(t *testing.T) {
	rec := &countingReconciler{err: errors.New("transient outage")}
	r := NewRunner(rec, nopScorer{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Loop(ctx, 20*time.Millisecond)
		close(done)
	}()

	// Failed passes do not stop the loop.
	require.Eventually(t, func() bool { return rec.calls.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Loop did not stop after context cancellation")
	}
}

func TestRunner_Run_RecordsPass(t *testing.T) {
	rec := &mockReconciler{}
	sc := &mockScorer{}
	pl := &mockPassLog{}
	rec.On("ReconcileAll", mock.Anything).Return(reconcile.Summary{Sites: 3, Inserted: 7}, nil)
	sc.On("ScoreUnscored", mock.Anything).Return(scoring.Summary{Checkruns: 2, Ignored: 1, Scored: 4}, nil)
	pl.On("StartPass", mock.Anything, mock.AnythingOfType("string"), mock.AnythingOfType("time.Time")).Return(nil).Once()
	pl.On("FinishPass", mock.Anything, mock.MatchedBy(func(p model.Pass) bool {
		return p.Status == model.PassComplete && p.Sites == 3 && p.OverviewsInserted == 7 &&
			p.CheckrunsScored == 2 && p.CheckrunsIgnored == 1 && p.CompletedAt != nil && p.Error == ""
	})).Return(nil).Once()

	res, err := NewRunner(rec, sc).WithPassLog(pl).Run(context.Background())
	require.NoError(t, err)

	pl.AssertExpectations(t)
	started := pl.Calls[0].Arguments.Get(1).(string)
	finished := pl.Calls[1].Arguments.Get(1).(model.Pass)
	assert.Equal(t, res.PassID, started)
	assert.Equal(t, res.PassID, finished.ID)
}

func TestRunner_Run_RecordsFailedPass(t *testing.T) {
	rec := &mockReconciler{}
	sc := &mockScorer{}
	pl := &mockPassLog{}
	rec.On("ReconcileAll", mock.Anything).Return(reconcile.Summary{Sites: 2, Failed: 1}, errors.New("site lane failed"))
	pl.On("StartPass", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	pl.On("FinishPass", mock.Anything, mock.MatchedBy(func(p model.Pass) bool {
		return p.Status == model.PassFailed && strings.Contains(p.Error, "site lane failed")
	})).Return(nil).Once()

	_, err := NewRunner(rec, sc).WithPassLog(pl).Run(context.Background())
	require.Error(t, err)
	pl.AssertExpectations(t)
}

func TestRunner_Run_PassLogFailureIsNotFatal(t *testing.T) {
	rec := &mockReconciler{}
	sc := &mockScorer{}
	pl := &mockPassLog{}
	rec.On("ReconcileAll", mock.Anything).Return(reconcile.Summary{}, nil)
	sc.On("ScoreUnscored", mock.Anything).Return(scoring.Summary{}, nil)
	pl.On("StartPass", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("database is locked"))
	pl.On("FinishPass", mock.Anything, mock.Anything).Return(errors.New("database is locked"))

	_, err := NewRunner(rec, sc).WithPassLog(pl).Run(context.Background())
	require.NoError(t, err)
	pl.AssertNumberOfCalls(t, "FinishPass", 1)
}
