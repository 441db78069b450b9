package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mirror-status/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func hours(h int) time.Time { return base.Add(time.Duration(h) * time.Hour) }

func tp(t time.Time) *time.Time { return &t }

func sp(s string) *string { return &s }

func seedSite(t *testing.T, st *SQLiteStore, name string) *model.Site {
	t.Helper()
	ctx := context.Background()
	originID, err := st.UpsertOrigin(ctx, "masterlist")
	require.NoError(t, err)
	site, err := st.UpsertSite(ctx, model.Site{OriginID: originID, Name: name})
	require.NoError(t, err)
	return site
}

func seedCheckruns(t *testing.T, st *SQLiteStore, hs ...int) []*model.Checkrun {
	t.Helper()
	out := make([]*model.Checkrun, 0, len(hs))
	for _, h := range hs {
		cr, err := st.CreateCheckrun(context.Background(), hours(h))
		require.NoError(t, err)
		out = append(out, cr)
	}
	return out
}

// --- Sites ---

func TestSQLite_UpsertSite_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	o1, err := st.UpsertOrigin(ctx, "masterlist")
	require.NoError(t, err)
	o2, err := st.UpsertOrigin(ctx, "masterlist")
	require.NoError(t, err)
	assert.Equal(t, o1, o2)

	s1, err := st.UpsertSite(ctx, model.Site{OriginID: o1, Name: "mirror.example.org"})
	require.NoError(t, err)
	assert.Equal(t, "/", s1.HTTPPath)

	s2, err := st.UpsertSite(ctx, model.Site{OriginID: o1, Name: "mirror.example.org", HTTPPath: "/debian/"})
	require.NoError(t, err)
	assert.Equal(t, s1.ID, s2.ID)

	sites, err := st.ListSites(ctx)
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, "/debian/", sites[0].HTTPPath)
}

func TestSQLite_GetSiteByName_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetSiteByName(context.Background(), "missing.example.org")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestSQLite_SiteAliases(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	site := seedSite(t, st, "mirror.example.org")

	prio := 2
	_, err := st.UpsertSiteAlias(ctx, model.SiteAlias{SiteID: site.ID, Name: "b.example.org", Priority: &prio})
	require.NoError(t, err)
	_, err = st.UpsertSiteAlias(ctx, model.SiteAlias{SiteID: site.ID, Name: "a.example.org"})
	require.NoError(t, err)

	aliases, err := st.ListSiteAliases(ctx, site.ID)
	require.NoError(t, err)
	require.Len(t, aliases, 2)
	assert.Equal(t, "a.example.org", aliases[0].Name)
	assert.Nil(t, aliases[0].Priority)
	require.NotNil(t, aliases[1].Priority)
	assert.Equal(t, 2, *aliases[1].Priority)
}

// --- Checkruns and raw observations ---

func TestSQLite_LatestCheckrun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	cr, err := st.LatestCheckrun(ctx)
	require.NoError(t, err)
	assert.Nil(t, cr)

	seedCheckruns(t, st, 0, 6, 3)

	cr, err = st.LatestCheckrun(ctx)
	require.NoError(t, err)
	require.NotNil(t, cr)
	assert.True(t, hours(6).Equal(cr.Timestamp))
}

func TestSQLite_Traceset_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	site := seedSite(t, st, "mirror.example.org")
	runs := seedCheckruns(t, st, 0, 1)

	require.NoError(t, st.SaveTraceset(ctx, model.Traceset{
		SiteID: site.ID, CheckrunID: runs[0].ID, Traces: []string{"ftp-master.debian.org", "mirror.example.org"},
	}))
	require.NoError(t, st.SaveTraceset(ctx, model.Traceset{
		SiteID: site.ID, CheckrunID: runs[1].ID, Error: sp("404 Not Found"),
	}))

	ts, err := st.GetTraceset(ctx, site.ID, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ftp-master.debian.org", "mirror.example.org"}, ts.Traces)
	assert.Nil(t, ts.Error)

	ts, err = st.GetTraceset(ctx, site.ID, runs[1].ID)
	require.NoError(t, err)
	assert.Nil(t, ts.Traces)
	require.NotNil(t, ts.Error)
	assert.Equal(t, "404 Not Found", *ts.Error)
}

func TestSQLite_GetTraceset_NotAList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	site := seedSite(t, st, "mirror.example.org")
	runs := seedCheckruns(t, st, 0)

	_, err := st.db.ExecContext(ctx,
		`INSERT INTO traceset (site_id, checkrun_id, traceset) VALUES (?, ?, ?)`,
		site.ID, runs[0].ID, `{"not":"a list"}`)
	require.NoError(t, err)

	_, err = st.GetTraceset(ctx, site.ID, runs[0].ID)
	require.Error(t, err)
	assert.True(t, eris.Is(err, model.ErrInvariant))
}

func TestSQLite_SaveTrace_DuplicateIgnored(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	site := seedSite(t, st, "mirror.example.org")
	runs := seedCheckruns(t, st, 0)

	first := model.SiteTrace{SiteID: site.ID, CheckrunID: runs[0].ID, TraceResult: model.TraceResult{Timestamp: tp(hours(-2))}}
	second := model.SiteTrace{SiteID: site.ID, CheckrunID: runs[0].ID, TraceResult: model.TraceResult{Timestamp: tp(hours(-1))}}
	require.NoError(t, st.SaveSiteTrace(ctx, first))
	require.NoError(t, st.SaveSiteTrace(ctx, second))

	pending, err := st.PendingCheckruns(ctx, site.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].Site)
	assert.True(t, hours(-2).Equal(*pending[0].Site.Timestamp))
}

// --- Reconciliation ---

func TestSQLite_PendingCheckruns_Eligibility(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	site := seedSite(t, st, "mirror.example.org")
	runs := seedCheckruns(t, st, 0, 1, 2, 3)

	// runs[0]: nothing recorded; runs[1]: site trace; runs[2]: nothing; runs[3]: master trace error.
	require.NoError(t, st.SaveSiteTrace(ctx, model.SiteTrace{
		SiteID: site.ID, CheckrunID: runs[1].ID, TraceResult: model.TraceResult{Timestamp: tp(hours(0))},
	}))
	require.NoError(t, st.SaveMasterTrace(ctx, model.MasterTrace{
		SiteID: site.ID, CheckrunID: runs[3].ID, TraceResult: model.TraceResult{Error: sp("timeout")},
	}))

	pending, err := st.PendingCheckruns(ctx, site.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, runs[1].ID, pending[0].ID)
	assert.Nil(t, pending[0].Master)
	require.NotNil(t, pending[0].Site)
	assert.Equal(t, runs[3].ID, pending[1].ID)
	require.NotNil(t, pending[1].Master)
	assert.Equal(t, "timeout", *pending[1].Master.Error)

	n, err := st.InsertOverviews(ctx, []model.Overview{{SiteID: site.ID, CheckrunID: runs[1].ID}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Once runs[1] is overviewed, later checkruns qualify without raw data;
	// earlier ones still need it.
	pending, err = st.PendingCheckruns(ctx, site.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, runs[2].ID, pending[0].ID)
	assert.Nil(t, pending[0].Master)
	assert.Nil(t, pending[0].Site)
	assert.Equal(t, runs[3].ID, pending[1].ID)
}

func TestSQLite_MasterTraceHistory(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	master := seedSite(t, st, "ftp-master.debian.org")
	other := seedSite(t, st, "mirror.example.org")
	runs := seedCheckruns(t, st, 0, 6, 12)

	require.NoError(t, st.SaveMasterTrace(ctx, model.MasterTrace{SiteID: master.ID, CheckrunID: runs[2].ID,
		TraceResult: model.TraceResult{Timestamp: tp(hours(10))}}))
	require.NoError(t, st.SaveMasterTrace(ctx, model.MasterTrace{SiteID: master.ID, CheckrunID: runs[0].ID,
		TraceResult: model.TraceResult{Timestamp: tp(hours(-1))}}))
	require.NoError(t, st.SaveMasterTrace(ctx, model.MasterTrace{SiteID: master.ID, CheckrunID: runs[1].ID,
		TraceResult: model.TraceResult{Error: sp("connection refused")}}))
	require.NoError(t, st.SaveMasterTrace(ctx, model.MasterTrace{SiteID: other.ID, CheckrunID: runs[1].ID,
		TraceResult: model.TraceResult{Timestamp: tp(hours(5))}}))

	history, err := st.MasterTraceHistory(ctx, "ftp-master.debian.org")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, hours(0).Equal(history[0].CheckrunTimestamp))
	assert.True(t, hours(-1).Equal(history[0].TraceTimestamp))
	assert.True(t, hours(12).Equal(history[1].CheckrunTimestamp))

	latest, err := st.LatestMasterTrace(ctx, "ftp-master.debian.org")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, hours(10).Equal(*latest))

	latest, err = st.LatestMasterTrace(ctx, "unknown.example.org")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestSQLite_EarliestMasterTrace(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	site := seedSite(t, st, "mirror.example.org")
	runs := seedCheckruns(t, st, 0, 1, 2)

	siteTS := hours(-3)
	for i, masterTS := range []*time.Time{nil, tp(hours(-2)), tp(hours(1))} {
		require.NoError(t, st.SaveMasterTrace(ctx, model.MasterTrace{SiteID: site.ID, CheckrunID: runs[i].ID,
			TraceResult: model.TraceResult{Timestamp: masterTS}}))
		require.NoError(t, st.SaveSiteTrace(ctx, model.SiteTrace{SiteID: site.ID, CheckrunID: runs[i].ID,
			TraceResult: model.TraceResult{Timestamp: tp(siteTS)}}))
	}

	got, err := st.EarliestMasterTrace(ctx, site.ID, siteTS)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, hours(-2).Equal(*got))

	got, err = st.EarliestMasterTrace(ctx, site.ID, hours(-10))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_AliasObservations(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	site := seedSite(t, st, "mirror.example.org")
	runs := seedCheckruns(t, st, 0)

	checked, err := st.UpsertSiteAlias(ctx, model.SiteAlias{SiteID: site.ID, Name: "a.example.org"})
	require.NoError(t, err)
	_, err = st.UpsertSiteAlias(ctx, model.SiteAlias{SiteID: site.ID, Name: "b.example.org"})
	require.NoError(t, err)

	require.NoError(t, st.SaveAliasTrace(ctx, model.AliasTrace{AliasID: checked.ID, CheckrunID: runs[0].ID,
		TraceResult: model.TraceResult{Error: sp("tls handshake failure")}}))

	obs, err := st.AliasObservations(ctx, site.ID, runs[0].ID)
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, "a.example.org", obs[0].Name)
	require.NotNil(t, obs[0].Trace)
	assert.Equal(t, "tls handshake failure", *obs[0].Trace.Error)
	assert.Equal(t, "b.example.org", obs[1].Name)
	assert.Nil(t, obs[1].Trace)
}

func TestSQLite_InsertOverviews_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	site := seedSite(t, st, "mirror.example.org")
	runs := seedCheckruns(t, st, 0)

	age := 4*time.Hour + 600*time.Millisecond + 7
	ov := model.Overview{
		SiteID: site.ID, CheckrunID: runs[0].ID,
		Version: tp(hours(-2)), Age: &age,
		Aliases: model.AliasStatuses{"a.example.org": {OK: true}},
	}

	n, err := st.InsertOverviews(ctx, []model.Overview{ov})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = st.InsertOverviews(ctx, []model.Overview{ov})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := st.SiteOverviews(ctx, site.ID, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mirror.example.org", got[0].SiteName)
	require.NotNil(t, got[0].Age)
	assert.Equal(t, age, *got[0].Age)
	assert.True(t, hours(-2).Equal(*got[0].Version))
	assert.Equal(t, model.AliasStatuses{"a.example.org": {OK: true}}, got[0].Aliases)
	assert.False(t, got[0].Score.Valid())
}

// --- Scoring ---

func TestSQLite_ScoringQueries(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	a := seedSite(t, st, "a.example.org")
	b := seedSite(t, st, "b.example.org")
	runs := seedCheckruns(t, st, 0, 4)

	_, err := st.InsertOverviews(ctx, []model.Overview{
		{SiteID: a.ID, CheckrunID: runs[0].ID},
		{SiteID: b.ID, CheckrunID: runs[0].ID, Error: sp("sitetrace unavailable")},
		{SiteID: a.ID, CheckrunID: runs[1].ID},
	})
	require.NoError(t, err)

	unscored, err := st.UnscoredCheckruns(ctx)
	require.NoError(t, err)
	require.Len(t, unscored, 2)
	assert.Equal(t, runs[0].ID, unscored[0].ID)
	assert.Equal(t, runs[1].ID, unscored[1].ID)

	total, errs, err := st.CheckrunErrorCounts(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, errs)

	inputs, err := st.UnscoredOverviews(ctx, runs[0].ID)
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.Nil(t, inputs[0].Error)
	require.NotNil(t, inputs[1].Error)

	prior, err := st.PreviousOverview(ctx, a.ID, runs[0].Timestamp)
	require.NoError(t, err)
	assert.Nil(t, prior)

	prior, err = st.PreviousOverview(ctx, a.ID, runs[1].Timestamp)
	require.NoError(t, err)
	require.NotNil(t, prior)
	assert.True(t, runs[0].Timestamp.Equal(prior.CheckrunTimestamp))
	assert.False(t, prior.Score.Valid())
}

func TestSQLite_SaveScores_WriteOnce(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	site := seedSite(t, st, "mirror.example.org")
	runs := seedCheckruns(t, st, 0)

	_, err := st.InsertOverviews(ctx, []model.Overview{{SiteID: site.ID, CheckrunID: runs[0].ID}})
	require.NoError(t, err)
	inputs, err := st.UnscoredOverviews(ctx, runs[0].ID)
	require.NoError(t, err)
	require.Len(t, inputs, 1)

	n, err := st.SaveScores(ctx, []model.ScoreUpdate{{OverviewID: inputs[0].OverviewID, Score: 5}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = st.SaveScores(ctx, []model.ScoreUpdate{{OverviewID: inputs[0].OverviewID, Score: -50}})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := st.LatestOverviews(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	v, ok := got[0].Score.Value()
	assert.True(t, ok)
	assert.InDelta(t, 5.0, v, 1e-9)

	unscored, err := st.UnscoredCheckruns(ctx)
	require.NoError(t, err)
	assert.Empty(t, unscored)
}

// --- Listings ---

func TestSQLite_LatestOverviews(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	a := seedSite(t, st, "a.example.org")
	b := seedSite(t, st, "b.example.org")
	runs := seedCheckruns(t, st, 0, 4)

	_, err := st.InsertOverviews(ctx, []model.Overview{
		{SiteID: b.ID, CheckrunID: runs[0].ID},
		{SiteID: a.ID, CheckrunID: runs[0].ID},
		{SiteID: a.ID, CheckrunID: runs[1].ID, Error: sp("mastertrace unavailable")},
	})
	require.NoError(t, err)

	got, err := st.LatestOverviews(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a.example.org", got[0].SiteName)
	assert.Equal(t, runs[1].ID, got[0].CheckrunID)
	assert.True(t, got[0].HasError())
	assert.Equal(t, "b.example.org", got[1].SiteName)
	assert.Equal(t, runs[0].ID, got[1].CheckrunID)

	limited, err := st.SiteOverviews(ctx, a.ID, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, runs[1].ID, limited[0].CheckrunID)
}

func TestSQLite_Overview_AliasesNotAnObject(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	site := seedSite(t, st, "mirror.example.org")
	runs := seedCheckruns(t, st, 0)

	_, err := st.db.ExecContext(ctx,
		`INSERT INTO checkoverview (site_id, checkrun_id, aliases) VALUES (?, ?, ?)`,
		site.ID, runs[0].ID, `["a.example.org"]`)
	require.NoError(t, err)

	_, err = st.LatestOverviews(ctx)
	require.Error(t, err)
	assert.True(t, eris.Is(err, model.ErrInvariant))
}

func TestSQLite_PassLog(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.StartPass(ctx, "pass-1", hours(0)))
	require.NoError(t, st.StartPass(ctx, "pass-2", hours(1)))

	done := hours(1).Add(30 * time.Second)
	require.NoError(t, st.FinishPass(ctx, model.Pass{
		ID:                "pass-2",
		Status:            model.PassComplete,
		CompletedAt:       &done,
		Sites:             12,
		OverviewsInserted: 24,
		CheckrunsScored:   2,
		CheckrunsIgnored:  1,
	}))

	passes, err := st.ListPasses(ctx, 10)
	require.NoError(t, err)
	require.Len(t, passes, 2)

	assert.Equal(t, "pass-2", passes[0].ID)
	assert.Equal(t, model.PassComplete, passes[0].Status)
	require.NotNil(t, passes[0].CompletedAt)
	assert.True(t, done.Equal(*passes[0].CompletedAt))
	assert.Equal(t, 24, passes[0].OverviewsInserted)
	assert.Equal(t, 1, passes[0].CheckrunsIgnored)
	assert.Empty(t, passes[0].Error)

	assert.Equal(t, "pass-1", passes[1].ID)
	assert.Equal(t, model.PassRunning, passes[1].Status)
	assert.Nil(t, passes[1].CompletedAt)

	passes, err = st.ListPasses(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, passes, 1)
}

func TestSQLite_FinishPass_Failed(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.StartPass(ctx, "pass-1", hours(0)))
	require.NoError(t, st.FinishPass(ctx, model.Pass{
		ID:          "pass-1",
		Status:      model.PassFailed,
		CompletedAt: tp(hours(0)),
		Error:       "pipeline: reconcile: database is locked",
	}))

	passes, err := st.ListPasses(ctx, 0)
	require.NoError(t, err)
	require.Len(t, passes, 1)
	assert.Equal(t, model.PassFailed, passes[0].Status)
	assert.Equal(t, "pipeline: reconcile: database is locked", passes[0].Error)
}

func TestSQLite_FinishPass_Unknown(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.FinishPass(context.Background(), model.Pass{ID: "missing", Status: model.PassComplete})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestSQLite_WithTx(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	site := seedSite(t, st, "mirror.example.org")

	failure := eris.New("batch rejected")
	err := st.WithTx(ctx, func(tx Store) error {
		cr, err := tx.CreateCheckrun(ctx, hours(0))
		require.NoError(t, err)
		_, err = tx.InsertOverviews(ctx, []model.Overview{{SiteID: site.ID, CheckrunID: cr.ID}})
		require.NoError(t, err)
		return failure
	})
	require.ErrorIs(t, err, failure)

	latest, err := st.LatestCheckrun(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	err = st.WithTx(ctx, func(tx Store) error {
		cr, err := tx.CreateCheckrun(ctx, hours(1))
		if err != nil {
			return err
		}
		_, err = tx.InsertOverviews(ctx, []model.Overview{{SiteID: site.ID, CheckrunID: cr.ID}})
		return err
	})
	require.NoError(t, err)

	got, err := st.SiteOverviews(ctx, site.ID, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, hours(1).Equal(got[0].CheckrunTimestamp))
}
