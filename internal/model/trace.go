package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// TraceKind names the two tracefiles fetched from every site.
type TraceKind string

const (
	TraceKindMaster TraceKind = "master"
	TraceKindSite   TraceKind = "site"
)

// TraceResult is the parsed outcome of one tracefile fetch. A nil Timestamp
// means the tracefile could not be parsed or was not fetched.
type TraceResult struct {
	Timestamp *time.Time `json:"trace_timestamp,omitempty"`
	Error     *string    `json:"error,omitempty"`
	Full      string     `json:"full,omitempty"`
}

// Failure returns the observed failure for this trace kind, if any, in the
// form persisted on an Overview.
func (r *TraceResult) Failure(kind TraceKind) (string, bool) {
	switch {
	case r == nil:
		return string(kind) + "trace unavailable", true
	case r.Error != nil:
		return string(kind) + "trace: " + *r.Error, true
	case r.Timestamp == nil:
		return string(kind) + "trace unavailable", true
	}
	return "", false
}

// MasterTrace is the authoritative tracefile as served by a site.
type MasterTrace struct {
	SiteID     int64 `json:"site_id"`
	CheckrunID int64 `json:"checkrun_id"`
	TraceResult
}

// SiteTrace is a site's own tracefile.
type SiteTrace struct {
	SiteID                  int64      `json:"site_id"`
	CheckrunID              int64      `json:"checkrun_id"`
	ArchiveUpdateInProgress *time.Time `json:"archive_update_in_progress,omitempty"`
	ArchiveUpdateRequired   *time.Time `json:"archive_update_required,omitempty"`
	TraceResult
}

// AliasTrace is the master tracefile fetched through a site alias.
type AliasTrace struct {
	AliasID    int64 `json:"alias_id"`
	CheckrunID int64 `json:"checkrun_id"`
	TraceResult
}

// Traceset is the list of trace files found in a site's trace directory.
type Traceset struct {
	SiteID     int64    `json:"site_id"`
	CheckrunID int64    `json:"checkrun_id"`
	Traces     []string `json:"traceset,omitempty"`
	Error      *string  `json:"error,omitempty"`
}

// PendingCheckrun is a checkrun that still needs an Overview for a site,
// joined with that site's master and site trace results. Master or Site is
// nil when no row was recorded for the checkrun.
type PendingCheckrun struct {
	Checkrun
	Master *TraceResult
	Site   *TraceResult
}

// AliasObservation is an alias of a site together with its alias trace for
// one checkrun. Trace is nil when the alias was not checked.
type AliasObservation struct {
	Name  string
	Trace *TraceResult
}

// ParseTraceset decodes a persisted traceset value. A stored traceset must be
// a JSON list of names; anything else is an invariant violation.
func ParseTraceset(raw []byte) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, eris.Wrapf(ErrInvariant, "traceset is not a list: %s", truncate(raw, 64))
	}
	return out, nil
}
