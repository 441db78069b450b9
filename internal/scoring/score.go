package scoring

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mirror-status/internal/model"
)

// IgnoreRun reports whether a checkrun with total Overviews, errors of which
// carry an error, is too broken to count against individual sites.
func (c Config) IgnoreRun(total, errors int) bool {
	return total > 0 && float64(errors)/float64(total) > c.IgnoreThreshold
}

// Weight converts the time since a site's previous Overview into the
// fraction of a day it represents.
func Weight(delta time.Duration) float64 {
	return delta.Seconds() / (24 * time.Hour).Seconds()
}

// Adjustment returns the unweighted score change for one Overview. An
// Overview with neither an error nor an age cannot be scored.
func (c Config) Adjustment(ignored bool, in model.ScoringInput) (float64, error) {
	switch {
	case ignored:
		return 0, nil
	case in.Error != nil:
		return c.ErrorAdjustment, nil
	case in.Age == nil:
		return 0, eris.Wrapf(model.ErrInvariant, "overview %d has neither error nor age", in.OverviewID)
	}
	for _, b := range c.Bands {
		if *in.Age <= b.MaxAge {
			return b.Adjustment, nil
		}
	}
	return c.StaleAdjustment, nil
}

// Next applies a weighted adjustment to prev and clamps the result.
func (c Config) Next(prev, adjustment, weight float64) float64 {
	score := prev + adjustment*weight
	switch {
	case score > c.MaxScore:
		return c.MaxScore
	case score < c.MinScore:
		return c.MinScore
	}
	return score
}
