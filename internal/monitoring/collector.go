// Package monitoring watches fleet health between processing passes and
// raises webhook alerts when the latest checkrun looks unhealthy.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mirror-status/internal/model"
)

// FleetSnapshot holds a point-in-time view of mirror health, taken from the
// latest checkrun.
type FleetSnapshot struct {
	// Latest checkrun; nil when nothing has been observed yet.
	CheckrunID        int64     `json:"checkrun_id,omitempty"`
	CheckrunTimestamp time.Time `json:"checkrun_timestamp"`

	// Overviews of the latest checkrun.
	Total      int     `json:"total"`
	Errors     int     `json:"errors"`
	ErrorRatio float64 `json:"error_ratio"`
	Ignored    bool    `json:"ignored"`

	// Sites whose latest Overview is older than the stale threshold, or
	// which have no Overview for the latest checkrun.
	StaleSites   []string `json:"stale_sites"`
	LaggingSites []string `json:"lagging_sites"`

	Sites     int     `json:"sites"`
	Scored    int     `json:"scored"`
	MeanScore float64 `json:"mean_score"`

	StaleAgeHours int       `json:"stale_age_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// HasCheckrun reports whether the snapshot saw any checkrun at all.
func (s *FleetSnapshot) HasCheckrun() bool {
	return s.CheckrunID != 0
}

// Source abstracts the store methods needed by the collector.
type Source interface {
	LatestCheckrun(ctx context.Context) (*model.Checkrun, error)
	CheckrunErrorCounts(ctx context.Context, checkrunID int64) (total, errors int, err error)
	LatestOverviews(ctx context.Context) ([]model.SiteOverview, error)
}

// IgnorePolicy decides whether a checkrun is too broken to score.
type IgnorePolicy func(total, errors int) bool

// Collector gathers fleet snapshots from the store.
type Collector struct {
	src      Source
	staleAge time.Duration
	ignore   IgnorePolicy
	now      func() time.Time
}

// NewCollector creates a new fleet collector. A nil ignore policy never
// marks a checkrun as ignored.
func NewCollector(src Source, staleAgeHours int, ignore IgnorePolicy) *Collector {
	if staleAgeHours <= 0 {
		staleAgeHours = 48
	}
	if ignore == nil {
		ignore = func(int, int) bool { return false }
	}
	return &Collector{
		src:      src,
		staleAge: time.Duration(staleAgeHours) * time.Hour,
		ignore:   ignore,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Collect gathers a snapshot of the fleet.
func (c *Collector) Collect(ctx context.Context) (*FleetSnapshot, error) {
	snap := &FleetSnapshot{
		StaleSites:    []string{},
		LaggingSites:  []string{},
		StaleAgeHours: int(c.staleAge / time.Hour),
		CollectedAt:   c.now(),
	}

	latest, err := c.src.LatestCheckrun(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: latest checkrun")
	}
	if latest == nil {
		return snap, nil
	}
	snap.CheckrunID = latest.ID
	snap.CheckrunTimestamp = latest.Timestamp

	snap.Total, snap.Errors, err = c.src.CheckrunErrorCounts(ctx, latest.ID)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: checkrun error counts")
	}
	if snap.Total > 0 {
		snap.ErrorRatio = float64(snap.Errors) / float64(snap.Total)
	}
	snap.Ignored = c.ignore(snap.Total, snap.Errors)

	overviews, err := c.src.LatestOverviews(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: latest overviews")
	}

	var totalScore float64
	for _, o := range overviews {
		snap.Sites++
		if v, ok := o.Score.Value(); ok {
			totalScore += v
			snap.Scored++
		}
		if o.CheckrunID != latest.ID {
			snap.LaggingSites = append(snap.LaggingSites, o.SiteName)
			continue
		}
		if o.Age != nil && *o.Age > c.staleAge {
			snap.StaleSites = append(snap.StaleSites, o.SiteName)
		}
	}
	if snap.Scored > 0 {
		snap.MeanScore = totalScore / float64(snap.Scored)
	}
	sort.Strings(snap.StaleSites)
	sort.Strings(snap.LaggingSites)

	return snap, nil
}
