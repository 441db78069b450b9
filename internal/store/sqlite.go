package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/mirror-status/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as Unix nanoseconds so ordering and equality are exact.
type SQLiteStore struct {
	db *sql.DB
	q  sqlQuerier
	tx *sql.Tx
}

// sqlQuerier is satisfied by *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// One writer; lanes queue on the connection instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db, q: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS origin (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	label TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS site (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	origin_id INTEGER NOT NULL REFERENCES origin(id) ON DELETE CASCADE,
	name      TEXT NOT NULL UNIQUE,
	http_path TEXT NOT NULL DEFAULT '/'
);

CREATE TABLE IF NOT EXISTS sitealias (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	site_id  INTEGER NOT NULL REFERENCES site(id) ON DELETE CASCADE,
	name     TEXT NOT NULL,
	priority INTEGER,
	UNIQUE (site_id, name)
);

CREATE TABLE IF NOT EXISTS checkrun (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS mastertrace (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	site_id         INTEGER NOT NULL REFERENCES site(id) ON DELETE CASCADE,
	checkrun_id     INTEGER NOT NULL REFERENCES checkrun(id) ON DELETE CASCADE,
	full_text       TEXT,
	trace_timestamp INTEGER,
	error           TEXT,
	UNIQUE (site_id, checkrun_id)
);

CREATE TABLE IF NOT EXISTS sitetrace (
	id                         INTEGER PRIMARY KEY AUTOINCREMENT,
	site_id                    INTEGER NOT NULL REFERENCES site(id) ON DELETE CASCADE,
	checkrun_id                INTEGER NOT NULL REFERENCES checkrun(id) ON DELETE CASCADE,
	full_text                  TEXT,
	trace_timestamp            INTEGER,
	error                      TEXT,
	archive_update_in_progress INTEGER,
	archive_update_required    INTEGER,
	UNIQUE (site_id, checkrun_id)
);

CREATE TABLE IF NOT EXISTS sitealiasmastertrace (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	sitealias_id    INTEGER NOT NULL REFERENCES sitealias(id) ON DELETE CASCADE,
	checkrun_id     INTEGER NOT NULL REFERENCES checkrun(id) ON DELETE CASCADE,
	full_text       TEXT,
	trace_timestamp INTEGER,
	error           TEXT,
	UNIQUE (sitealias_id, checkrun_id)
);

CREATE TABLE IF NOT EXISTS traceset (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	site_id     INTEGER NOT NULL REFERENCES site(id) ON DELETE CASCADE,
	checkrun_id INTEGER NOT NULL REFERENCES checkrun(id) ON DELETE CASCADE,
	traceset    TEXT,
	error       TEXT,
	UNIQUE (site_id, checkrun_id)
);

CREATE TABLE IF NOT EXISTS checkoverview (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	site_id     INTEGER NOT NULL REFERENCES site(id) ON DELETE CASCADE,
	checkrun_id INTEGER NOT NULL REFERENCES checkrun(id) ON DELETE CASCADE,
	error       TEXT,
	version     INTEGER,
	age_nanos INTEGER,
	aliases     TEXT,
	score       REAL,
	UNIQUE (site_id, checkrun_id)
);

CREATE TABLE IF NOT EXISTS pass_log (
	id                 TEXT PRIMARY KEY,
	status             TEXT NOT NULL,
	started_at         INTEGER NOT NULL,
	completed_at       INTEGER,
	sites              INTEGER NOT NULL DEFAULT 0,
	overviews_inserted INTEGER NOT NULL DEFAULT 0,
	checkruns_scored   INTEGER NOT NULL DEFAULT 0,
	checkruns_ignored  INTEGER NOT NULL DEFAULT 0,
	error              TEXT
);

CREATE INDEX IF NOT EXISTS idx_checkrun_timestamp ON checkrun(timestamp);
CREATE INDEX IF NOT EXISTS idx_mastertrace_checkrun ON mastertrace(checkrun_id);
CREATE INDEX IF NOT EXISTS idx_sitetrace_checkrun ON sitetrace(checkrun_id);
CREATE INDEX IF NOT EXISTS idx_sitetrace_trace_timestamp ON sitetrace(site_id, trace_timestamp);
CREATE INDEX IF NOT EXISTS idx_sitealiasmastertrace_checkrun ON sitealiasmastertrace(checkrun_id);
CREATE INDEX IF NOT EXISTS idx_checkoverview_checkrun ON checkoverview(checkrun_id);
CREATE INDEX IF NOT EXISTS idx_checkoverview_unscored ON checkoverview(checkrun_id) WHERE score IS NULL;
CREATE INDEX IF NOT EXISTS idx_pass_log_started ON pass_log(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s.tx != nil {
		_, err := s.tx.ExecContext(ctx, "SELECT 1")
		return eris.Wrap(err, "sqlite: ping")
	}
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Close closes the database. It is a no-op on a transaction-bound store.
func (s *SQLiteStore) Close() error {
	if s.tx != nil {
		return nil
	}
	return s.db.Close()
}

// --- Sites ---

func (s *SQLiteStore) UpsertOrigin(ctx context.Context, label string) (int64, error) {
	var id int64
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO origin (label) VALUES (?)
		 ON CONFLICT (label) DO UPDATE SET label = excluded.label
		 RETURNING id`,
		label,
	).Scan(&id)
	return id, eris.Wrapf(err, "sqlite: upsert origin %s", label)
}

func (s *SQLiteStore) UpsertSite(ctx context.Context, site model.Site) (*model.Site, error) {
	if site.HTTPPath == "" {
		site.HTTPPath = "/"
	}
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO site (origin_id, name, http_path) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET origin_id = excluded.origin_id, http_path = excluded.http_path
		 RETURNING id`,
		site.OriginID, site.Name, site.HTTPPath,
	).Scan(&site.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert site %s", site.Name)
	}
	return &site, nil
}

func (s *SQLiteStore) UpsertSiteAlias(ctx context.Context, alias model.SiteAlias) (*model.SiteAlias, error) {
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO sitealias (site_id, name, priority) VALUES (?, ?, ?)
		 ON CONFLICT (site_id, name) DO UPDATE SET priority = excluded.priority
		 RETURNING id`,
		alias.SiteID, alias.Name, alias.Priority,
	).Scan(&alias.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert alias %s", alias.Name)
	}
	return &alias, nil
}

func (s *SQLiteStore) GetSiteByName(ctx context.Context, name string) (*model.Site, error) {
	var site model.Site
	err := s.q.QueryRowContext(ctx,
		`SELECT id, origin_id, name, http_path FROM site WHERE name = ?`, name,
	).Scan(&site.ID, &site.OriginID, &site.Name, &site.HTTPPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "site %s", name)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get site %s", name)
	}
	return &site, nil
}

func (s *SQLiteStore) ListSites(ctx context.Context) ([]model.Site, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, origin_id, name, http_path FROM site ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sites")
	}
	defer rows.Close()

	var sites []model.Site
	for rows.Next() {
		var site model.Site
		if err := rows.Scan(&site.ID, &site.OriginID, &site.Name, &site.HTTPPath); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan site")
		}
		sites = append(sites, site)
	}
	return sites, eris.Wrap(rows.Err(), "sqlite: list sites iterate")
}

func (s *SQLiteStore) ListSiteAliases(ctx context.Context, siteID int64) ([]model.SiteAlias, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, site_id, name, priority FROM sitealias WHERE site_id = ? ORDER BY name`, siteID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list aliases")
	}
	defer rows.Close()

	var aliases []model.SiteAlias
	for rows.Next() {
		var a model.SiteAlias
		var prio sql.NullInt64
		if err := rows.Scan(&a.ID, &a.SiteID, &a.Name, &prio); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan alias")
		}
		if prio.Valid {
			p := int(prio.Int64)
			a.Priority = &p
		}
		aliases = append(aliases, a)
	}
	return aliases, eris.Wrap(rows.Err(), "sqlite: list aliases iterate")
}

// --- Checkruns and raw observations ---

func (s *SQLiteStore) CreateCheckrun(ctx context.Context, ts time.Time) (*model.Checkrun, error) {
	cr := model.Checkrun{Timestamp: ts.UTC()}
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO checkrun (timestamp) VALUES (?) RETURNING id`, ts.UnixNano(),
	).Scan(&cr.ID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert checkrun")
	}
	return &cr, nil
}

func (s *SQLiteStore) LatestCheckrun(ctx context.Context) (*model.Checkrun, error) {
	var cr model.Checkrun
	var ts int64
	err := s.q.QueryRowContext(ctx,
		`SELECT id, timestamp FROM checkrun ORDER BY timestamp DESC, id DESC LIMIT 1`,
	).Scan(&cr.ID, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest checkrun")
	}
	cr.Timestamp = fromNanos(ts)
	return &cr, nil
}

func (s *SQLiteStore) SaveMasterTrace(ctx context.Context, t model.MasterTrace) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO mastertrace (site_id, checkrun_id, full_text, trace_timestamp, error) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (site_id, checkrun_id) DO NOTHING`,
		t.SiteID, t.CheckrunID, t.Full, nanosPtr(t.Timestamp), t.Error,
	)
	return eris.Wrapf(err, "sqlite: insert mastertrace site=%d checkrun=%d", t.SiteID, t.CheckrunID)
}

func (s *SQLiteStore) SaveSiteTrace(ctx context.Context, t model.SiteTrace) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO sitetrace (site_id, checkrun_id, full_text, trace_timestamp, error, archive_update_in_progress, archive_update_required)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (site_id, checkrun_id) DO NOTHING`,
		t.SiteID, t.CheckrunID, t.Full, nanosPtr(t.Timestamp), t.Error,
		nanosPtr(t.ArchiveUpdateInProgress), nanosPtr(t.ArchiveUpdateRequired),
	)
	return eris.Wrapf(err, "sqlite: insert sitetrace site=%d checkrun=%d", t.SiteID, t.CheckrunID)
}

func (s *SQLiteStore) SaveAliasTrace(ctx context.Context, t model.AliasTrace) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO sitealiasmastertrace (sitealias_id, checkrun_id, full_text, trace_timestamp, error) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (sitealias_id, checkrun_id) DO NOTHING`,
		t.AliasID, t.CheckrunID, t.Full, nanosPtr(t.Timestamp), t.Error,
	)
	return eris.Wrapf(err, "sqlite: insert alias trace alias=%d checkrun=%d", t.AliasID, t.CheckrunID)
}

func (s *SQLiteStore) SaveTraceset(ctx context.Context, t model.Traceset) error {
	var raw *string
	if t.Error == nil {
		b, err := json.Marshal(nonNilTraces(t.Traces))
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal traceset")
		}
		str := string(b)
		raw = &str
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO traceset (site_id, checkrun_id, traceset, error) VALUES (?, ?, ?, ?)
		 ON CONFLICT (site_id, checkrun_id) DO NOTHING`,
		t.SiteID, t.CheckrunID, raw, t.Error,
	)
	return eris.Wrapf(err, "sqlite: insert traceset site=%d checkrun=%d", t.SiteID, t.CheckrunID)
}

func (s *SQLiteStore) GetTraceset(ctx context.Context, siteID, checkrunID int64) (*model.Traceset, error) {
	var raw, errStr sql.NullString
	err := s.q.QueryRowContext(ctx,
		`SELECT traceset, error FROM traceset WHERE site_id = ? AND checkrun_id = ?`,
		siteID, checkrunID,
	).Scan(&raw, &errStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "traceset site=%d checkrun=%d", siteID, checkrunID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get traceset")
	}
	ts := &model.Traceset{SiteID: siteID, CheckrunID: checkrunID, Error: nullString(errStr)}
	if raw.Valid {
		if ts.Traces, err = model.ParseTraceset([]byte(raw.String)); err != nil {
			return nil, eris.Wrapf(err, "sqlite: traceset site=%d checkrun=%d", siteID, checkrunID)
		}
	}
	return ts, nil
}

// --- Reconciliation ---

func (s *SQLiteStore) MasterTraceHistory(ctx context.Context, masterSite string) ([]model.MasterSighting, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT checkrun.timestamp, mastertrace.trace_timestamp
		 FROM checkrun
		 JOIN mastertrace ON mastertrace.checkrun_id = checkrun.id
		 JOIN site ON mastertrace.site_id = site.id
		 WHERE site.name = ? AND mastertrace.trace_timestamp IS NOT NULL
		 ORDER BY checkrun.timestamp, checkrun.id`,
		masterSite,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: master trace history")
	}
	defer rows.Close()

	var out []model.MasterSighting
	for rows.Next() {
		var cr, tr int64
		if err := rows.Scan(&cr, &tr); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan master sighting")
		}
		out = append(out, model.MasterSighting{CheckrunTimestamp: fromNanos(cr), TraceTimestamp: fromNanos(tr)})
	}
	return out, eris.Wrap(rows.Err(), "sqlite: master trace history iterate")
}

func (s *SQLiteStore) LatestMasterTrace(ctx context.Context, masterSite string) (*time.Time, error) {
	var tr int64
	err := s.q.QueryRowContext(ctx,
		`SELECT mastertrace.trace_timestamp
		 FROM mastertrace
		 JOIN site ON site.id = mastertrace.site_id
		 JOIN checkrun ON checkrun.id = mastertrace.checkrun_id
		 WHERE site.name = ? AND mastertrace.trace_timestamp IS NOT NULL
		 ORDER BY checkrun.timestamp DESC, checkrun.id DESC
		 LIMIT 1`,
		masterSite,
	).Scan(&tr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest master trace")
	}
	t := fromNanos(tr)
	return &t, nil
}

func (s *SQLiteStore) PendingCheckruns(ctx context.Context, siteID int64) ([]model.PendingCheckrun, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT checkrun.id, checkrun.timestamp,
		        mastertrace.id, mastertrace.trace_timestamp, mastertrace.error,
		        sitetrace.id, sitetrace.trace_timestamp, sitetrace.error
		 FROM checkrun
		 LEFT JOIN mastertrace ON mastertrace.checkrun_id = checkrun.id AND mastertrace.site_id = ?
		 LEFT JOIN sitetrace ON sitetrace.checkrun_id = checkrun.id AND sitetrace.site_id = ?
		 WHERE NOT EXISTS (
		         SELECT 1 FROM checkoverview
		         WHERE checkoverview.checkrun_id = checkrun.id AND checkoverview.site_id = ?)
		   AND (checkrun.timestamp > (
		         SELECT max(c2.timestamp) FROM checkrun c2
		         JOIN checkoverview o2 ON o2.checkrun_id = c2.id
		         WHERE o2.site_id = ?)
		        OR mastertrace.id IS NOT NULL
		        OR sitetrace.id IS NOT NULL)
		 ORDER BY checkrun.timestamp, checkrun.id`,
		siteID, siteID, siteID, siteID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: pending checkruns site=%d", siteID)
	}
	defer rows.Close()

	var out []model.PendingCheckrun
	for rows.Next() {
		var p model.PendingCheckrun
		var ts int64
		var mID, mTS, sID, sTS sql.NullInt64
		var mErr, sErr sql.NullString
		if err := rows.Scan(&p.ID, &ts, &mID, &mTS, &mErr, &sID, &sTS, &sErr); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pending checkrun")
		}
		p.Timestamp = fromNanos(ts)
		if mID.Valid {
			p.Master = &model.TraceResult{Timestamp: nullNanos(mTS), Error: nullString(mErr)}
		}
		if sID.Valid {
			p.Site = &model.TraceResult{Timestamp: nullNanos(sTS), Error: nullString(sErr)}
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: pending checkruns iterate")
}

func (s *SQLiteStore) AliasObservations(ctx context.Context, siteID, checkrunID int64) ([]model.AliasObservation, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT sitealias.name, t.id, t.trace_timestamp, t.error
		 FROM sitealias
		 LEFT JOIN sitealiasmastertrace t ON t.sitealias_id = sitealias.id AND t.checkrun_id = ?
		 WHERE sitealias.site_id = ?
		 ORDER BY sitealias.name`,
		checkrunID, siteID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: alias observations site=%d", siteID)
	}
	defer rows.Close()

	var out []model.AliasObservation
	for rows.Next() {
		var obs model.AliasObservation
		var id, ts sql.NullInt64
		var errStr sql.NullString
		if err := rows.Scan(&obs.Name, &id, &ts, &errStr); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan alias observation")
		}
		if id.Valid {
			obs.Trace = &model.TraceResult{Timestamp: nullNanos(ts), Error: nullString(errStr)}
		}
		out = append(out, obs)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: alias observations iterate")
}

func (s *SQLiteStore) EarliestMasterTrace(ctx context.Context, siteID int64, siteTrace time.Time) (*time.Time, error) {
	var tr int64
	err := s.q.QueryRowContext(ctx,
		`SELECT mastertrace.trace_timestamp
		 FROM checkrun
		 JOIN mastertrace ON mastertrace.checkrun_id = checkrun.id AND mastertrace.site_id = ?
		 JOIN sitetrace ON sitetrace.checkrun_id = checkrun.id AND sitetrace.site_id = ?
		 WHERE sitetrace.trace_timestamp = ? AND mastertrace.trace_timestamp IS NOT NULL
		 ORDER BY checkrun.timestamp ASC, checkrun.id ASC
		 LIMIT 1`,
		siteID, siteID, siteTrace.UnixNano(),
	).Scan(&tr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: earliest master trace site=%d", siteID)
	}
	t := fromNanos(tr)
	return &t, nil
}

func (s *SQLiteStore) InsertOverviews(ctx context.Context, overviews []model.Overview) (int, error) {
	if len(overviews) == 0 {
		return 0, nil
	}

	inserted := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, o := range overviews {
			aliases, err := o.Aliases.Marshal()
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO checkoverview (site_id, checkrun_id, error, version, age_nanos, aliases)
				 VALUES (?, ?, ?, ?, ?, ?)
				 ON CONFLICT (site_id, checkrun_id) DO NOTHING`,
				o.SiteID, o.CheckrunID, o.Error, nanosPtr(o.Version), ageNanos(o.Age), string(aliases),
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: insert overview site=%d checkrun=%d", o.SiteID, o.CheckrunID)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return eris.Wrap(err, "sqlite: rows affected")
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// --- Scoring ---

func (s *SQLiteStore) UnscoredCheckruns(ctx context.Context) ([]model.Checkrun, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, timestamp FROM checkrun
		 WHERE EXISTS (
		         SELECT 1 FROM checkoverview
		         WHERE checkoverview.checkrun_id = checkrun.id AND checkoverview.score IS NULL)
		 ORDER BY timestamp ASC, id ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: unscored checkruns")
	}
	defer rows.Close()

	var out []model.Checkrun
	for rows.Next() {
		var cr model.Checkrun
		var ts int64
		if err := rows.Scan(&cr.ID, &ts); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan checkrun")
		}
		cr.Timestamp = fromNanos(ts)
		out = append(out, cr)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: unscored checkruns iterate")
}

func (s *SQLiteStore) CheckrunErrorCounts(ctx context.Context, checkrunID int64) (int, int, error) {
	var total, errs int
	err := s.q.QueryRowContext(ctx,
		`SELECT count(*), count(error) FROM checkoverview WHERE checkrun_id = ?`, checkrunID,
	).Scan(&total, &errs)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "sqlite: error counts checkrun=%d", checkrunID)
	}
	return total, errs, nil
}

func (s *SQLiteStore) UnscoredOverviews(ctx context.Context, checkrunID int64) ([]model.ScoringInput, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, site_id, error, age_nanos FROM checkoverview
		 WHERE checkrun_id = ? AND score IS NULL
		 ORDER BY site_id`,
		checkrunID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: unscored overviews checkrun=%d", checkrunID)
	}
	defer rows.Close()

	var out []model.ScoringInput
	for rows.Next() {
		var in model.ScoringInput
		var errStr sql.NullString
		var age sql.NullInt64
		if err := rows.Scan(&in.OverviewID, &in.SiteID, &errStr, &age); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan unscored overview")
		}
		in.Error = nullString(errStr)
		in.Age = ageFromNanos(nullInt(age))
		out = append(out, in)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: unscored overviews iterate")
}

func (s *SQLiteStore) PreviousOverview(ctx context.Context, siteID int64, before time.Time) (*model.PriorScore, error) {
	var ts int64
	var score sql.NullFloat64
	err := s.q.QueryRowContext(ctx,
		`SELECT checkrun.timestamp, checkoverview.score
		 FROM checkrun JOIN checkoverview ON checkoverview.checkrun_id = checkrun.id
		 WHERE checkoverview.site_id = ? AND checkrun.timestamp < ?
		 ORDER BY checkrun.timestamp DESC, checkrun.id DESC
		 LIMIT 1`,
		siteID, before.UnixNano(),
	).Scan(&ts, &score)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: previous overview site=%d", siteID)
	}
	prior := &model.PriorScore{CheckrunTimestamp: fromNanos(ts)}
	if score.Valid {
		prior.Score = model.NewScore(score.Float64)
	}
	return prior, nil
}

func (s *SQLiteStore) SaveScores(ctx context.Context, updates []model.ScoreUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	saved := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, u := range updates {
			res, err := tx.ExecContext(ctx,
				`UPDATE checkoverview SET score = ? WHERE id = ? AND score IS NULL`,
				u.Score, u.OverviewID,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: save score overview=%d", u.OverviewID)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return eris.Wrap(err, "sqlite: rows affected")
			}
			saved += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return saved, nil
}

// --- Transactions ---

// WithTx runs fn against a Store bound to one transaction and commits it
// when fn succeeds. Calls made through tx that open their own transaction
// join the outer one.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(&SQLiteStore{db: s.db, q: tx, tx: tx})
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit tx")
	}
	return nil
}

// --- Pass log ---

func (s *SQLiteStore) StartPass(ctx context.Context, passID string, startedAt time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO pass_log (id, status, started_at) VALUES (?, ?, ?)`,
		passID, string(model.PassRunning), startedAt.UnixNano(),
	)
	return eris.Wrapf(err, "sqlite: start pass %s", passID)
}

func (s *SQLiteStore) FinishPass(ctx context.Context, p model.Pass) error {
	var errStr *string
	if p.Error != "" {
		errStr = &p.Error
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE pass_log
		 SET status = ?, completed_at = ?, sites = ?, overviews_inserted = ?,
		     checkruns_scored = ?, checkruns_ignored = ?, error = ?
		 WHERE id = ?`,
		string(p.Status), nanosPtr(p.CompletedAt), p.Sites, p.OverviewsInserted,
		p.CheckrunsScored, p.CheckrunsIgnored, errStr, p.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish pass %s", p.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotFound, "pass %s", p.ID)
	}
	return nil
}

func (s *SQLiteStore) ListPasses(ctx context.Context, limit int) ([]model.Pass, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, status, started_at, completed_at, sites, overviews_inserted,
		        checkruns_scored, checkruns_ignored, error
		 FROM pass_log ORDER BY started_at DESC LIMIT ?`,
		listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list passes")
	}
	defer rows.Close()

	var out []model.Pass
	for rows.Next() {
		var p model.Pass
		var status string
		var started int64
		var completed sql.NullInt64
		var errStr sql.NullString
		if err := rows.Scan(&p.ID, &status, &started, &completed, &p.Sites, &p.OverviewsInserted,
			&p.CheckrunsScored, &p.CheckrunsIgnored, &errStr); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pass")
		}
		p.Status = model.PassStatus(status)
		p.StartedAt = fromNanos(started)
		p.CompletedAt = nullNanos(completed)
		p.Error = errStr.String
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list passes iterate")
}

// --- Listings ---

const sqliteOverviewColumns = `site.name, checkrun.timestamp,
	checkoverview.id, checkoverview.site_id, checkoverview.checkrun_id,
	checkoverview.error, checkoverview.version, checkoverview.age_nanos,
	checkoverview.aliases, checkoverview.score`

func (s *SQLiteStore) LatestOverviews(ctx context.Context) ([]model.SiteOverview, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+sqliteOverviewColumns+`
		 FROM checkoverview
		 JOIN checkrun ON checkrun.id = checkoverview.checkrun_id
		 JOIN site ON site.id = checkoverview.site_id
		 WHERE checkrun.timestamp = (
		         SELECT max(c2.timestamp) FROM checkoverview o2
		         JOIN checkrun c2 ON c2.id = o2.checkrun_id
		         WHERE o2.site_id = checkoverview.site_id)
		 ORDER BY site.name`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest overviews")
	}
	return scanSQLiteOverviews(rows)
}

func (s *SQLiteStore) SiteOverviews(ctx context.Context, siteID int64, limit int) ([]model.SiteOverview, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+sqliteOverviewColumns+`
		 FROM checkoverview
		 JOIN checkrun ON checkrun.id = checkoverview.checkrun_id
		 JOIN site ON site.id = checkoverview.site_id
		 WHERE checkoverview.site_id = ?
		 ORDER BY checkrun.timestamp DESC
		 LIMIT ?`,
		siteID, listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: site overviews site=%d", siteID)
	}
	return scanSQLiteOverviews(rows)
}

func scanSQLiteOverviews(rows *sql.Rows) ([]model.SiteOverview, error) {
	defer rows.Close()

	var out []model.SiteOverview
	for rows.Next() {
		var so model.SiteOverview
		var ts int64
		var errStr, aliases sql.NullString
		var version, age sql.NullInt64
		var score sql.NullFloat64
		if err := rows.Scan(&so.SiteName, &ts, &so.ID, &so.SiteID, &so.CheckrunID,
			&errStr, &version, &age, &aliases, &score); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan overview")
		}
		so.CheckrunTimestamp = fromNanos(ts)
		so.Error = nullString(errStr)
		so.Version = nullNanos(version)
		so.Age = ageFromNanos(nullInt(age))
		if score.Valid {
			so.Score = model.NewScore(score.Float64)
		}
		parsed, err := model.ParseAliasStatuses([]byte(aliases.String))
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: overview %d", so.ID)
		}
		so.Aliases = parsed
		out = append(out, so)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: overviews iterate")
}

// helpers

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nanosPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func nullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nonNilTraces(traces []string) []string {
	if traces == nil {
		return []string{}
	}
	return traces
}
