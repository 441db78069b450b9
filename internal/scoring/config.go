// Package scoring maintains the time-decayed reliability score of every site.
//
// Checkruns are scored oldest first. Each Overview's score is its site's
// previous score moved by an adjustment (derived from the Overview's error and
// age) weighted by the time elapsed since that previous Overview, clamped to
// the configured bounds.
package scoring

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mirror-status/internal/resilience"
)

// Band awards Adjustment to Overviews whose age is at most MaxAge.
type Band struct {
	MaxAge     time.Duration
	Adjustment float64
}

// Config holds scoring thresholds, adjustments and bounds.
type Config struct {
	// IgnoreThreshold is the error fraction above which a whole checkrun is
	// treated as a monitoring failure and adjusts no score.
	IgnoreThreshold float64
	// BootstrapDelta stands in for the elapsed time of a site's first score.
	BootstrapDelta time.Duration
	// ErrorAdjustment applies to Overviews carrying an error.
	ErrorAdjustment float64
	// Bands are checked in order; ages beyond the last band get
	// StaleAdjustment.
	Bands           []Band
	StaleAdjustment float64
	MinScore        float64
	MaxScore        float64

	Retry resilience.RetryConfig
}

// DefaultConfig returns the standard scoring policy.
func DefaultConfig() Config {
	return Config{
		IgnoreThreshold: 0.7,
		BootstrapDelta:  300 * time.Second,
		ErrorAdjustment: -30,
		Bands: []Band{
			{MaxAge: 4 * time.Hour, Adjustment: 5},
			{MaxAge: 12 * time.Hour, Adjustment: 1},
			{MaxAge: 24 * time.Hour, Adjustment: 0},
			{MaxAge: 48 * time.Hour, Adjustment: -5},
		},
		StaleAdjustment: -30,
		MinScore:        -100,
		MaxScore:        100,
		Retry:           resilience.DefaultRetryConfig(),
	}
}

// ValidateConfig checks that a Config is internally consistent.
func ValidateConfig(c Config) error {
	var errs []string

	if c.IgnoreThreshold <= 0 || c.IgnoreThreshold > 1 {
		errs = append(errs, "ignore_threshold must be in (0, 1]")
	}
	if c.BootstrapDelta <= 0 {
		errs = append(errs, "bootstrap_delta must be > 0")
	}
	if c.MinScore >= c.MaxScore {
		errs = append(errs, "min_score must be < max_score")
	}
	if len(c.Bands) == 0 {
		errs = append(errs, "at least one age band is required")
	}
	for i := 1; i < len(c.Bands); i++ {
		if c.Bands[i].MaxAge <= c.Bands[i-1].MaxAge {
			errs = append(errs, fmt.Sprintf("age band %d must be wider than band %d", i, i-1))
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("scoring: config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
