package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/mirror-status/internal/db"
	"github.com/sells-group/mirror-status/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS origin (
	id    BIGSERIAL PRIMARY KEY,
	label TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS site (
	id        BIGSERIAL PRIMARY KEY,
	origin_id BIGINT NOT NULL REFERENCES origin(id) ON DELETE CASCADE,
	name      TEXT NOT NULL UNIQUE,
	http_path TEXT NOT NULL DEFAULT '/'
);

CREATE TABLE IF NOT EXISTS sitealias (
	id       BIGSERIAL PRIMARY KEY,
	site_id  BIGINT NOT NULL REFERENCES site(id) ON DELETE CASCADE,
	name     TEXT NOT NULL,
	priority INTEGER,
	UNIQUE (site_id, name)
);

CREATE TABLE IF NOT EXISTS checkrun (
	id        BIGSERIAL PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS mastertrace (
	id              BIGSERIAL PRIMARY KEY,
	site_id         BIGINT NOT NULL REFERENCES site(id) ON DELETE CASCADE,
	checkrun_id     BIGINT NOT NULL REFERENCES checkrun(id) ON DELETE CASCADE,
	full_text       TEXT,
	trace_timestamp TIMESTAMPTZ,
	error           TEXT,
	UNIQUE (site_id, checkrun_id)
);

CREATE TABLE IF NOT EXISTS sitetrace (
	id                         BIGSERIAL PRIMARY KEY,
	site_id                    BIGINT NOT NULL REFERENCES site(id) ON DELETE CASCADE,
	checkrun_id                BIGINT NOT NULL REFERENCES checkrun(id) ON DELETE CASCADE,
	full_text                  TEXT,
	trace_timestamp            TIMESTAMPTZ,
	error                      TEXT,
	archive_update_in_progress TIMESTAMPTZ,
	archive_update_required    TIMESTAMPTZ,
	UNIQUE (site_id, checkrun_id)
);

CREATE TABLE IF NOT EXISTS sitealiasmastertrace (
	id              BIGSERIAL PRIMARY KEY,
	sitealias_id    BIGINT NOT NULL REFERENCES sitealias(id) ON DELETE CASCADE,
	checkrun_id     BIGINT NOT NULL REFERENCES checkrun(id) ON DELETE CASCADE,
	full_text       TEXT,
	trace_timestamp TIMESTAMPTZ,
	error           TEXT,
	UNIQUE (sitealias_id, checkrun_id)
);

CREATE TABLE IF NOT EXISTS traceset (
	id          BIGSERIAL PRIMARY KEY,
	site_id     BIGINT NOT NULL REFERENCES site(id) ON DELETE CASCADE,
	checkrun_id BIGINT NOT NULL REFERENCES checkrun(id) ON DELETE CASCADE,
	traceset    JSONB,
	error       TEXT,
	UNIQUE (site_id, checkrun_id)
);

CREATE TABLE IF NOT EXISTS checkoverview (
	id          BIGSERIAL PRIMARY KEY,
	site_id     BIGINT NOT NULL REFERENCES site(id) ON DELETE CASCADE,
	checkrun_id BIGINT NOT NULL REFERENCES checkrun(id) ON DELETE CASCADE,
	error       TEXT,
	version     TIMESTAMPTZ,
	age_nanos BIGINT,
	aliases     JSONB,
	score       DOUBLE PRECISION,
	UNIQUE (site_id, checkrun_id)
);

CREATE TABLE IF NOT EXISTS pass_log (
	id                 TEXT PRIMARY KEY,
	status             TEXT NOT NULL,
	started_at         TIMESTAMPTZ NOT NULL,
	completed_at       TIMESTAMPTZ,
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Sites ---

func (s *PostgresStore) UpsertOrigin(ctx context.Context, label string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO origin (label) VALUES ($1)
		 ON CONFLICT (label) DO UPDATE SET label = EXCLUDED.label
		 RETURNING id`,
		label,
	).Scan(&id)
	return id, eris.Wrapf(err, "postgres: upsert origin %s", label)
}

func (s *PostgresStore) UpsertSite(ctx context.Context, site model.Site) (*model.Site, error) {
	if site.HTTPPath == "" {
		site.HTTPPath = "/"
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO site (origin_id, name, http_path) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET origin_id = EXCLUDED.origin_id, http_path = EXCLUDED.http_path
		 RETURNING id`,
		site.OriginID, site.Name, site.HTTPPath,
	).Scan(&site.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert site %s", site.Name)
	}
	return &site, nil
}

func (s *PostgresStore) UpsertSiteAlias(ctx context.Context, alias model.SiteAlias) (*model.SiteAlias, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sitealias (site_id, name, priority) VALUES ($1, $2, $3)
		 ON CONFLICT (site_id, name) DO UPDATE SET priority = EXCLUDED.priority
		 RETURNING id`,
		alias.SiteID, alias.Name, alias.Priority,
	).Scan(&alias.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert alias %s", alias.Name)
	}
	return &alias, nil
}

func (s *PostgresStore) GetSiteByName(ctx context.Context, name string) (*model.Site, error) {
	var site model.Site
	err := s.pool.QueryRow(ctx,
		`SELECT id, origin_id, name, http_path FROM site WHERE name = $1`, name,
	).Scan(&site.ID, &site.OriginID, &site.Name, &site.HTTPPath)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "site %s", name)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get site %s", name)
	}
	return &site, nil
}

func (s *PostgresStore) ListSites(ctx context.Context) ([]model.Site, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, origin_id, name, http_path FROM site ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sites")
	}
	defer rows.Close()

	var sites []model.Site
	for rows.Next() {
		var site model.Site
		if err := rows.Scan(&site.ID, &site.OriginID, &site.Name, &site.HTTPPath); err != nil {
			return nil, eris.Wrap(err, "postgres: scan site")
		}
		sites = append(sites, site)
	}
	return sites, eris.Wrap(rows.Err(), "postgres: list sites iterate")
}

func (s *PostgresStore) ListSiteAliases(ctx context.Context, siteID int64) ([]model.SiteAlias, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, site_id, name, priority FROM sitealias WHERE site_id = $1 ORDER BY name`, siteID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list aliases")
	}
	defer rows.Close()

	var aliases []model.SiteAlias
	for rows.Next() {
		var a model.SiteAlias
		if err := rows.Scan(&a.ID, &a.SiteID, &a.Name, &a.Priority); err != nil {
			return nil, eris.Wrap(err, "postgres: scan alias")
		}
		aliases = append(aliases, a)
	}
	return aliases, eris.Wrap(rows.Err(), "postgres: list aliases iterate")
}

// --- Checkruns and raw observations ---

func (s *PostgresStore) CreateCheckrun(ctx context.Context, ts time.Time) (*model.Checkrun, error) {
	cr := model.Checkrun{Timestamp: ts.UTC()}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO checkrun (timestamp) VALUES ($1) RETURNING id`, cr.Timestamp,
	).Scan(&cr.ID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert checkrun")
	}
	return &cr, nil
}

func (s *PostgresStore) LatestCheckrun(ctx context.Context) (*model.Checkrun, error) {
	var cr model.Checkrun
	err := s.pool.QueryRow(ctx,
		`SELECT id, timestamp FROM checkrun ORDER BY timestamp DESC, id DESC LIMIT 1`,
	).Scan(&cr.ID, &cr.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest checkrun")
	}
	return &cr, nil
}

func (s *PostgresStore) SaveMasterTrace(ctx context.Context, t model.MasterTrace) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO mastertrace (site_id, checkrun_id, full_text, trace_timestamp, error) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (site_id, checkrun_id) DO NOTHING`,
		t.SiteID, t.CheckrunID, t.Full, t.Timestamp, t.Error,
	)
	return eris.Wrapf(err, "postgres: insert mastertrace site=%d checkrun=%d", t.SiteID, t.CheckrunID)
}

func (s *PostgresStore) SaveSiteTrace(ctx context.Context, t model.SiteTrace) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sitetrace (site_id, checkrun_id, full_text, trace_timestamp, error, archive_update_in_progress, archive_update_required)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (site_id, checkrun_id) DO NOTHING`,
		t.SiteID, t.CheckrunID, t.Full, t.Timestamp, t.Error,
		t.ArchiveUpdateInProgress, t.ArchiveUpdateRequired,
	)
	return eris.Wrapf(err, "postgres: insert sitetrace site=%d checkrun=%d", t.SiteID, t.CheckrunID)
}

func (s *PostgresStore) SaveAliasTrace(ctx context.Context, t model.AliasTrace) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sitealiasmastertrace (sitealias_id, checkrun_id, full_text, trace_timestamp, error) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (sitealias_id, checkrun_id) DO NOTHING`,
		t.AliasID, t.CheckrunID, t.Full, t.Timestamp, t.Error,
	)
	return eris.Wrapf(err, "postgres: insert alias trace alias=%d checkrun=%d", t.AliasID, t.CheckrunID)
}

func (s *PostgresStore) SaveTraceset(ctx context.Context, t model.Traceset) error {
	var traces []string
	if t.Error == nil {
		traces = nonNilTraces(t.Traces)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO traceset (site_id, checkrun_id, traceset, error) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (site_id, checkrun_id) DO NOTHING`,
		t.SiteID, t.CheckrunID, traces, t.Error,
	)
	return eris.Wrapf(err, "postgres: insert traceset site=%d checkrun=%d", t.SiteID, t.CheckrunID)
}

func (s *PostgresStore) GetTraceset(ctx context.Context, siteID, checkrunID int64) (*model.Traceset, error) {
	var raw []byte
	ts := &model.Traceset{SiteID: siteID, CheckrunID: checkrunID}
	err := s.pool.QueryRow(ctx,
		`SELECT traceset, error FROM traceset WHERE site_id = $1 AND checkrun_id = $2`,
		siteID, checkrunID,
	).Scan(&raw, &ts.Error)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "traceset site=%d checkrun=%d", siteID, checkrunID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get traceset")
	}
	if ts.Traces, err = model.ParseTraceset(raw); err != nil {
		return nil, eris.Wrapf(err, "postgres: traceset site=%d checkrun=%d", siteID, checkrunID)
	}
	return ts, nil
}

// --- Reconciliation ---

func (s *PostgresStore) MasterTraceHistory(ctx context.Context, masterSite string) ([]model.MasterSighting, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT checkrun.timestamp, mastertrace.trace_timestamp
		 FROM checkrun
		 JOIN mastertrace ON mastertrace.checkrun_id = checkrun.id
		 JOIN site ON mastertrace.site_id = site.id
		 WHERE site.name = $1 AND mastertrace.trace_timestamp IS NOT NULL
		 ORDER BY checkrun.timestamp, checkrun.id`,
		masterSite,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: master trace history")
	}
	defer rows.Close()

	var out []model.MasterSighting
	for rows.Next() {
		var m model.MasterSighting
		if err := rows.Scan(&m.CheckrunTimestamp, &m.TraceTimestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan master sighting")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: master trace history iterate")
}

func (s *PostgresStore) LatestMasterTrace(ctx context.Context, masterSite string) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT mastertrace.trace_timestamp
		 FROM mastertrace
		 JOIN site ON site.id = mastertrace.site_id
		 JOIN checkrun ON checkrun.id = mastertrace.checkrun_id
		 WHERE site.name = $1 AND mastertrace.trace_timestamp IS NOT NULL
		 ORDER BY checkrun.timestamp DESC, checkrun.id DESC
		 LIMIT 1`,
		masterSite,
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest master trace")
	}
	return &t, nil
}

func (s *PostgresStore) PendingCheckruns(ctx context.Context, siteID int64) ([]model.PendingCheckrun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT checkrun.id, checkrun.timestamp,
		        mastertrace.id, mastertrace.trace_timestamp, mastertrace.error,
		        sitetrace.id, sitetrace.trace_timestamp, sitetrace.error
		 FROM checkrun
		 LEFT JOIN mastertrace ON mastertrace.checkrun_id = checkrun.id AND mastertrace.site_id = $1
		 LEFT JOIN sitetrace ON sitetrace.checkrun_id = checkrun.id AND sitetrace.site_id = $1
		 WHERE NOT EXISTS (
		         SELECT 1 FROM checkoverview
		         WHERE checkoverview.checkrun_id = checkrun.id AND checkoverview.site_id = $1)
		   AND (checkrun.timestamp > (
		         SELECT max(c2.timestamp) FROM checkrun c2
		         JOIN checkoverview o2 ON o2.checkrun_id = c2.id
		         WHERE o2.site_id = $1)
		        OR mastertrace.id IS NOT NULL
		        OR sitetrace.id IS NOT NULL)
		 ORDER BY checkrun.timestamp, checkrun.id`,
		siteID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: pending checkruns site=%d", siteID)
	}
	defer rows.Close()

	var out []model.PendingCheckrun
	for rows.Next() {
		var p model.PendingCheckrun
		var mID, sID *int64
		var master, site model.TraceResult
		if err := rows.Scan(&p.ID, &p.Timestamp,
			&mID, &master.Timestamp, &master.Error,
			&sID, &site.Timestamp, &site.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pending checkrun")
		}
		if mID != nil {
			p.Master = &master
		}
		if sID != nil {
			p.Site = &site
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: pending checkruns iterate")
}

func (s *PostgresStore) AliasObservations(ctx context.Context, siteID, checkrunID int64) ([]model.AliasObservation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sitealias.name, t.id, t.trace_timestamp, t.error
		 FROM sitealias
		 LEFT JOIN sitealiasmastertrace t ON t.sitealias_id = sitealias.id AND t.checkrun_id = $2
		 WHERE sitealias.site_id = $1
		 ORDER BY sitealias.name`,
		siteID, checkrunID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: alias observations site=%d", siteID)
	}
	defer rows.Close()

	var out []model.AliasObservation
	for rows.Next() {
		var obs model.AliasObservation
		var id *int64
		var trace model.TraceResult
		if err := rows.Scan(&obs.Name, &id, &trace.Timestamp, &trace.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: scan alias observation")
		}
		if id != nil {
			obs.Trace = &trace
		}
		out = append(out, obs)
	}
	return out, eris.Wrap(rows.Err(), "postgres: alias observations iterate")
}

func (s *PostgresStore) EarliestMasterTrace(ctx context.Context, siteID int64, siteTrace time.Time) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT mastertrace.trace_timestamp
		 FROM checkrun
		 JOIN mastertrace ON mastertrace.checkrun_id = checkrun.id AND mastertrace.site_id = $1
		 JOIN sitetrace ON sitetrace.checkrun_id = checkrun.id AND sitetrace.site_id = $1
		 WHERE sitetrace.trace_timestamp = $2 AND mastertrace.trace_timestamp IS NOT NULL
		 ORDER BY checkrun.timestamp ASC, checkrun.id ASC
		 LIMIT 1`,
		siteID, siteTrace,
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: earliest master trace site=%d", siteID)
	}
	return &t, nil
}

func (s *PostgresStore) InsertOverviews(ctx context.Context, overviews []model.Overview) (int, error) {
	if len(overviews) == 0 {
		return 0, nil
	}

	inserted := 0
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, o := range overviews {
			aliases, err := o.Aliases.Marshal()
			if err != nil {
				return err
			}
			tag, err := tx.Exec(ctx,
				`INSERT INTO checkoverview (site_id, checkrun_id, error, version, age_nanos, aliases)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (site_id, checkrun_id) DO NOTHING`,
				o.SiteID, o.CheckrunID, o.Error, o.Version, ageNanos(o.Age), aliases,
			)
			if err != nil {
				return eris.Wrapf(err, "postgres: insert overview site=%d checkrun=%d", o.SiteID, o.CheckrunID)
			}
			inserted += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// --- Scoring ---

func (s *PostgresStore) UnscoredCheckruns(ctx context.Context) ([]model.Checkrun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, timestamp FROM checkrun
		 WHERE EXISTS (
		         SELECT 1 FROM checkoverview
		         WHERE checkoverview.checkrun_id = checkrun.id AND checkoverview.score IS NULL)
		 ORDER BY timestamp ASC, id ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: unscored checkruns")
	}
	defer rows.Close()

	var out []model.Checkrun
	for rows.Next() {
		var cr model.Checkrun
		if err := rows.Scan(&cr.ID, &cr.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan checkrun")
		}
		out = append(out, cr)
	}
	return out, eris.Wrap(rows.Err(), "postgres: unscored checkruns iterate")
}

func (s *PostgresStore) CheckrunErrorCounts(ctx context.Context, checkrunID int64) (int, int, error) {
	var total, errs int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*), count(error) FROM checkoverview WHERE checkrun_id = $1`, checkrunID,
	).Scan(&total, &errs)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "postgres: error counts checkrun=%d", checkrunID)
	}
	return total, errs, nil
}

func (s *PostgresStore) UnscoredOverviews(ctx context.Context, checkrunID int64) ([]model.ScoringInput, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, site_id, error, age_nanos FROM checkoverview
		 WHERE checkrun_id = $1 AND score IS NULL
		 ORDER BY site_id`,
		checkrunID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: unscored overviews checkrun=%d", checkrunID)
	}
	defer rows.Close()

	var out []model.ScoringInput
	for rows.Next() {
		var in model.ScoringInput
		var age *int64
		if err := rows.Scan(&in.OverviewID, &in.SiteID, &in.Error, &age); err != nil {
			return nil, eris.Wrap(err, "postgres: scan unscored overview")
		}
		in.Age = ageFromNanos(age)
		out = append(out, in)
	}
	return out, eris.Wrap(rows.Err(), "postgres: unscored overviews iterate")
}

func (s *PostgresStore) PreviousOverview(ctx context.Context, siteID int64, before time.Time) (*model.PriorScore, error) {
	var prior model.PriorScore
	var score *float64
	err := s.pool.QueryRow(ctx,
		`SELECT checkrun.timestamp, checkoverview.score
		 FROM checkrun JOIN checkoverview ON checkoverview.checkrun_id = checkrun.id
		 WHERE checkoverview.site_id = $1 AND checkrun.timestamp < $2
		 ORDER BY checkrun.timestamp DESC, checkrun.id DESC
		 LIMIT 1`,
		siteID, before,
	).Scan(&prior.CheckrunTimestamp, &score)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: previous overview site=%d", siteID)
	}
	prior.Score = model.ScoreFromPtr(score)
	return &prior, nil
}

func (s *PostgresStore) SaveScores(ctx context.Context, updates []model.ScoreUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	saved := 0
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, u := range updates {
			tag, err := tx.Exec(ctx,
				`UPDATE checkoverview SET score = $1 WHERE id = $2 AND score IS NULL`,
				u.Score, u.OverviewID,
			)
			if err != nil {
				return eris.Wrapf(err, "postgres: save score overview=%d", u.OverviewID)
			}
			saved += int(tag.RowsAffected())
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
// run in a savepoint of the outer one.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&PostgresStore{pool: db.TxPool(tx)})
	})
}

// --- Pass log ---

func (s *PostgresStore) StartPass(ctx context.Context, passID string, startedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pass_log (id, status, started_at) VALUES ($1, $2, $3)`,
		passID, string(model.PassRunning), startedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: start pass %s", passID)
}

func (s *PostgresStore) FinishPass(ctx context.Context, p model.Pass) error {
	var errStr *string
	if p.Error != "" {
		errStr = &p.Error
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE pass_log
		 SET status = $1, completed_at = $2, sites = $3, overviews_inserted = $4,
		     checkruns_scored = $5, checkruns_ignored = $6, error = $7
		 WHERE id = $8`,
		string(p.Status), p.CompletedAt, p.Sites, p.OverviewsInserted,
		p.CheckrunsScored, p.CheckrunsIgnored, errStr, p.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish pass %s", p.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "pass %s", p.ID)
	}
	return nil
}

func (s *PostgresStore) ListPasses(ctx context.Context, limit int) ([]model.Pass, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, started_at, completed_at, sites, overviews_inserted,
		        checkruns_scored, checkruns_ignored, error
		 FROM pass_log ORDER BY started_at DESC LIMIT $1`,
		listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list passes")
	}
	defer rows.Close()

	var out []model.Pass
	for rows.Next() {
		var p model.Pass
		var status string
		var errStr *string
		if err := rows.Scan(&p.ID, &status, &p.StartedAt, &p.CompletedAt, &p.Sites, &p.OverviewsInserted,
			&p.CheckrunsScored, &p.CheckrunsIgnored, &errStr); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pass")
		}
		p.Status = model.PassStatus(status)
		if errStr != nil {
			p.Error = *errStr
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list passes iterate")
}

// --- Listings ---

const postgresOverviewColumns = `site.name, checkrun.timestamp,
	checkoverview.id, checkoverview.site_id, checkoverview.checkrun_id,
	checkoverview.error, checkoverview.version, checkoverview.age_nanos,
	checkoverview.aliases, checkoverview.score`

func (s *PostgresStore) LatestOverviews(ctx context.Context) ([]model.SiteOverview, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT * FROM (
		   SELECT DISTINCT ON (checkoverview.site_id) `+postgresOverviewColumns+`
		   FROM checkoverview
		   JOIN checkrun ON checkrun.id = checkoverview.checkrun_id
		   JOIN site ON site.id = checkoverview.site_id
		   ORDER BY checkoverview.site_id, checkrun.timestamp DESC
		 ) latest
		 ORDER BY latest.name`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest overviews")
	}
	return scanPostgresOverviews(rows)
}

func (s *PostgresStore) SiteOverviews(ctx context.Context, siteID int64, limit int) ([]model.SiteOverview, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+postgresOverviewColumns+`
		 FROM checkoverview
		 JOIN checkrun ON checkrun.id = checkoverview.checkrun_id
		 JOIN site ON site.id = checkoverview.site_id
		 WHERE checkoverview.site_id = $1
		 ORDER BY checkrun.timestamp DESC
		 LIMIT $2`,
		siteID, listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: site overviews site=%d", siteID)
	}
	return scanPostgresOverviews(rows)
}

func scanPostgresOverviews(rows pgx.Rows) ([]model.SiteOverview, error) {
	defer rows.Close()

	var out []model.SiteOverview
	for rows.Next() {
		var so model.SiteOverview
		var age *int64
		var aliases []byte
		var score *float64
		if err := rows.Scan(&so.SiteName, &so.CheckrunTimestamp, &so.ID, &so.SiteID, &so.CheckrunID,
			&so.Error, &so.Version, &age, &aliases, &score); err != nil {
			return nil, eris.Wrap(err, "postgres: scan overview")
		}
		so.Age = ageFromNanos(age)
		so.Score = model.ScoreFromPtr(score)
		parsed, err := model.ParseAliasStatuses(aliases)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: overview %d", so.ID)
		}
		so.Aliases = parsed
		out = append(out, so)
	}
	return out, eris.Wrap(rows.Err(), "postgres: overviews iterate")
}
