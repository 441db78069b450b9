package reconcile

import (
	"time"

	"github.com/sells-group/mirror-status/internal/model"
)

// LastSeen maps each version published by the authoritative site to the
// timestamp of the last checkrun at which the authoritative site still
// carried it. Keys are the version's Unix nanoseconds so lookups do not
// depend on time.Location.
type LastSeen map[int64]time.Time

// BuildLastSeen folds the authoritative site's checkrun history into a
// LastSeen map. The latest checkrun wins for each version.
func BuildLastSeen(history []model.MasterSighting) LastSeen {
	seen := make(LastSeen, len(history))
	for _, h := range history {
		k := h.TraceTimestamp.UnixNano()
		if prev, ok := seen[k]; !ok || h.CheckrunTimestamp.After(prev) {
			seen[k] = h.CheckrunTimestamp
		}
	}
	return seen
}

// Lookup returns when version was last seen on the authoritative site.
func (s LastSeen) Lookup(version time.Time) (time.Time, bool) {
	t, ok := s[version.UnixNano()]
	return t, ok
}

// Age is how far behind the authoritative site a mirror serving version was
// at checkrun time. A version still current at (or after) the checkrun has
// age zero.
func Age(lastSeen, checkrun time.Time) time.Duration {
	if !lastSeen.Before(checkrun) {
		return 0
	}
	return checkrun.Sub(lastSeen)
}
