package ingest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mirror-status/internal/model"
	"github.com/sells-group/mirror-status/internal/store"
)

// Store is the persistence surface used by the importer.
type Store interface {
	WithTx(ctx context.Context, fn func(tx store.Store) error) error
	UpsertOrigin(ctx context.Context, label string) (int64, error)
	UpsertSite(ctx context.Context, site model.Site) (*model.Site, error)
	UpsertSiteAlias(ctx context.Context, alias model.SiteAlias) (*model.SiteAlias, error)
	GetSiteByName(ctx context.Context, name string) (*model.Site, error)
	ListSiteAliases(ctx context.Context, siteID int64) ([]model.SiteAlias, error)
	CreateCheckrun(ctx context.Context, ts time.Time) (*model.Checkrun, error)
	LatestCheckrun(ctx context.Context) (*model.Checkrun, error)
	SaveMasterTrace(ctx context.Context, t model.MasterTrace) error
	SaveSiteTrace(ctx context.Context, t model.SiteTrace) error
	SaveAliasTrace(ctx context.Context, t model.AliasTrace) error
	SaveTraceset(ctx context.Context, t model.Traceset) error
}

// Result counts what an import wrote.
type Result struct {
	CheckrunID     int64
	ReusedCheckrun bool
	Sites          int
	Aliases        int
	MasterTraces   int
	SiteTraces     int
	AliasTraces    int
	Tracesets      int
}

// Importer writes batches to a store.
type Importer struct {
	st  Store
	tx  Store
	log *zap.Logger

	sites   map[string]int64
	aliases map[int64]map[string]int64
}

// NewImporter creates an Importer.
func NewImporter(st Store) *Importer {
	return &Importer{
		st:  st,
		log: zap.L().With(zap.String("component", "ingest")),
	}
}

// Import writes one batch in a single transaction: declared sites and
// aliases first, then the checkrun and its traces. A reconciliation pass
// never sees a checkrun without its traces, and a failed batch leaves
// nothing behind. If the newest checkrun already has the batch's timestamp
// it is reused, and trace rows already present are left alone, so
// re-importing the same batch is a no-op.
func (im *Importer) Import(ctx context.Context, b *Batch) (*Result, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	var res *Result
	err := im.st.WithTx(ctx, func(tx store.Store) error {
		im.tx = tx
		defer func() { im.tx = nil }()

		var err error
		res, err = im.write(ctx, b)
		return err
	})
	if err != nil {
		return nil, err
	}

	im.log.Info("ingest: batch imported",
		zap.Int64("checkrun_id", res.CheckrunID),
		zap.Bool("reused_checkrun", res.ReusedCheckrun),
		zap.Int("sites", res.Sites),
		zap.Int("master_traces", res.MasterTraces),
		zap.Int("site_traces", res.SiteTraces),
		zap.Int("alias_traces", res.AliasTraces),
		zap.Int("tracesets", res.Tracesets),
	)
	return res, nil
}

func (im *Importer) write(ctx context.Context, b *Batch) (*Result, error) {
	im.sites = make(map[string]int64)
	im.aliases = make(map[int64]map[string]int64)
	res := &Result{}

	if len(b.Sites) > 0 {
		originID, err := im.tx.UpsertOrigin(ctx, b.Origin)
		if err != nil {
			return nil, eris.Wrap(err, "ingest: upsert origin")
		}
		for _, s := range b.Sites {
			site, err := im.tx.UpsertSite(ctx, model.Site{OriginID: originID, Name: s.Name, HTTPPath: s.HTTPPath})
			if err != nil {
				return nil, eris.Wrapf(err, "ingest: upsert site %s", s.Name)
			}
			im.sites[site.Name] = site.ID
			res.Sites++
			for _, a := range s.Aliases {
				alias, err := im.tx.UpsertSiteAlias(ctx, model.SiteAlias{SiteID: site.ID, Name: a.Name, Priority: a.Priority})
				if err != nil {
					return nil, eris.Wrapf(err, "ingest: upsert alias %s of %s", a.Name, s.Name)
				}
				im.rememberAlias(site.ID, alias.Name, alias.ID)
				res.Aliases++
			}
		}
	}

	cr, reused, err := im.checkrun(ctx, b.Checkrun)
	if err != nil {
		return nil, err
	}
	res.CheckrunID, res.ReusedCheckrun = cr.ID, reused

	for _, t := range b.MasterTraces {
		siteID, err := im.siteID(ctx, t.Site)
		if err != nil {
			return res, err
		}
		if err := im.tx.SaveMasterTrace(ctx, model.MasterTrace{
			SiteID: siteID, CheckrunID: cr.ID, TraceResult: t.result(),
		}); err != nil {
			return res, eris.Wrapf(err, "ingest: master trace of %s", t.Site)
		}
		res.MasterTraces++
	}

	for _, t := range b.SiteTraces {
		siteID, err := im.siteID(ctx, t.Site)
		if err != nil {
			return res, err
		}
		if err := im.tx.SaveSiteTrace(ctx, model.SiteTrace{
			SiteID:                  siteID,
			CheckrunID:              cr.ID,
			ArchiveUpdateInProgress: t.ArchiveUpdateInProgress,
			ArchiveUpdateRequired:   t.ArchiveUpdateRequired,
			TraceResult:             t.result(),
		}); err != nil {
			return res, eris.Wrapf(err, "ingest: site trace of %s", t.Site)
		}
		res.SiteTraces++
	}

	for _, t := range b.AliasTraces {
		aliasID, err := im.aliasID(ctx, t.Site, t.Alias)
		if err != nil {
			return res, err
		}
		if err := im.tx.SaveAliasTrace(ctx, model.AliasTrace{
			AliasID: aliasID, CheckrunID: cr.ID, TraceResult: t.result(),
		}); err != nil {
			return res, eris.Wrapf(err, "ingest: alias trace of %s via %s", t.Site, t.Alias)
		}
		res.AliasTraces++
	}

	for _, t := range b.Tracesets {
		siteID, err := im.siteID(ctx, t.Site)
		if err != nil {
			return res, err
		}
		if err := im.tx.SaveTraceset(ctx, model.Traceset{
			SiteID: siteID, CheckrunID: cr.ID, Traces: t.Traces, Error: t.Error,
		}); err != nil {
			return res, eris.Wrapf(err, "ingest: traceset of %s", t.Site)
		}
		res.Tracesets++
	}
	return res, nil
}

func (im *Importer) checkrun(ctx context.Context, ts time.Time) (*model.Checkrun, bool, error) {
	latest, err := im.tx.LatestCheckrun(ctx)
	if err != nil {
		return nil, false, eris.Wrap(err, "ingest: latest checkrun")
	}
	if latest != nil && latest.Timestamp.Equal(ts) {
		return latest, true, nil
	}
	if latest != nil && ts.Before(latest.Timestamp) {
		im.log.Warn("ingest: batch is older than the latest checkrun",
			zap.Time("checkrun", ts),
			zap.Time("latest", latest.Timestamp),
		)
	}
	cr, err := im.tx.CreateCheckrun(ctx, ts)
	if err != nil {
		return nil, false, eris.Wrap(err, "ingest: create checkrun")
	}
	return cr, false, nil
}

func (im *Importer) siteID(ctx context.Context, name string) (int64, error) {
	if id, ok := im.sites[name]; ok {
		return id, nil
	}
	site, err := im.tx.GetSiteByName(ctx, name)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return 0, eris.Wrapf(err, "ingest: unknown site %s", name)
		}
		return 0, eris.Wrapf(err, "ingest: look up site %s", name)
	}
	im.sites[name] = site.ID
	return site.ID, nil
}

func (im *Importer) aliasID(ctx context.Context, site, alias string) (int64, error) {
	siteID, err := im.siteID(ctx, site)
	if err != nil {
		return 0, err
	}
	if id, ok := im.aliases[siteID][alias]; ok {
		return id, nil
	}
	known, err := im.tx.ListSiteAliases(ctx, siteID)
	if err != nil {
		return 0, eris.Wrapf(err, "ingest: list aliases of %s", site)
	}
	for _, a := range known {
		im.rememberAlias(siteID, a.Name, a.ID)
	}
	id, ok := im.aliases[siteID][alias]
	if !ok {
		return 0, eris.Wrapf(store.ErrNotFound, "ingest: unknown alias %s of %s", alias, site)
	}
	return id, nil
}

func (im *Importer) rememberAlias(siteID int64, name string, id int64) {
	m, ok := im.aliases[siteID]
	if !ok {
		m = make(map[string]int64)
		im.aliases[siteID] = m
	}
	m[name] = id
}

func (t TraceEntry) result() model.TraceResult {
	r := model.TraceResult{Error: t.Error, Full: t.Full}
	if t.Timestamp != nil {
		ts := t.Timestamp.UTC()
		r.Timestamp = &ts
	}
	return r
}
