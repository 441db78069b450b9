// Package model defines the domain types shared by the store and the
// reconciliation and scoring engines.
package model

import "time"

// Origin is the place a site was learned from (e.g. a mirror masterlist).
type Origin struct {
	ID    int64  `json:"id"`
	Label string `json:"label"`
}

// Site is a monitored mirror. The authoritative source is also a Site.
type Site struct {
	ID       int64  `json:"id"`
	OriginID int64  `json:"origin_id"`
	Name     string `json:"name"`
	HTTPPath string `json:"http_path"`
}

// SiteAlias is a secondary hostname serving the same content as a Site.
type SiteAlias struct {
	ID       int64  `json:"id"`
	SiteID   int64  `json:"site_id"`
	Name     string `json:"name"`
	Priority *int   `json:"priority,omitempty"`
}

// Checkrun is one monitoring round. Checkruns are totally ordered by
// Timestamp.
type Checkrun struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// MasterSighting records that the authoritative master trace carried
// TraceTimestamp at the checkrun taken at CheckrunTimestamp.
type MasterSighting struct {
	CheckrunTimestamp time.Time
	TraceTimestamp    time.Time
}
