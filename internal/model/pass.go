package model

import "time"

// PassStatus is the lifecycle state of a processing pass.
type PassStatus string

const (
	PassRunning  PassStatus = "running"
	PassComplete PassStatus = "complete"
	PassFailed   PassStatus = "failed"
)

// Pass records one reconcile-then-score processing pass.
type Pass struct {
	ID                string     `json:"id"`
	Status            PassStatus `json:"status"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	Sites             int        `json:"sites"`
	OverviewsInserted int        `json:"overviews_inserted"`
	CheckrunsScored   int        `json:"checkruns_scored"`
	CheckrunsIgnored  int        `json:"checkruns_ignored"`
	Error             string     `json:"error,omitempty"`
}
