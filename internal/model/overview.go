package model

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// ErrInvariant marks a stored value that violates its expected shape. It is
// fatal to the unit of work that encountered it.
var ErrInvariant = eris.New("structural invariant violation")

// AliasStatus is the per-alias outcome recorded on an Overview. Error is
// present whenever the alias trace recorded one, even an empty one.
type AliasStatus struct {
	OK    bool    `json:"ok"`
	Error *string `json:"error,omitempty"`
}

// AliasStatuses maps alias hostnames to their status. encoding/json emits
// map keys in sorted order, so the serialized form is deterministic.
type AliasStatuses map[string]AliasStatus

// Marshal returns the compact JSON form persisted on an Overview.
func (a AliasStatuses) Marshal() ([]byte, error) {
	if a == nil {
		a = AliasStatuses{}
	}
	b, err := json.Marshal(a)
	return b, eris.Wrap(err, "model: marshal aliases")
}

// ParseAliasStatuses decodes a persisted aliases value. Anything other than a
// JSON object (or null) is an invariant violation.
func ParseAliasStatuses(raw []byte) (AliasStatuses, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return AliasStatuses{}, nil
	}
	var out AliasStatuses
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, eris.Wrapf(ErrInvariant, "aliases is not an object: %s", truncate(raw, 64))
	}
	return out, nil
}

// Score is a write-once reliability score. The zero value is "not scored".
// A Score can only be given a value through NewScore; there is no setter.
type Score struct {
	value float64
	set   bool
}

// NewScore returns a scored Score holding v.
func NewScore(v float64) Score {
	return Score{value: v, set: true}
}

// Value returns the score and whether one has been assigned.
func (s Score) Value() (float64, bool) {
	return s.value, s.set
}

// Valid reports whether a score has been assigned.
func (s Score) Valid() bool { return s.set }

// Ptr returns the score as a nullable value for persistence.
func (s Score) Ptr() *float64 {
	if !s.set {
		return nil
	}
	v := s.value
	return &v
}

// ScoreFromPtr converts a nullable database value.
func ScoreFromPtr(p *float64) Score {
	if p == nil {
		return Score{}
	}
	return NewScore(*p)
}

func (s Score) MarshalJSON() ([]byte, error) {
	if !s.set {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(s.value, 'f', -1, 64)), nil
}

func (s *Score) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = Score{}
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return eris.Wrap(err, "model: parse score")
	}
	*s = NewScore(v)
	return nil
}

// Overview is the derived reconciliation result for one (site, checkrun).
type Overview struct {
	ID         int64          `json:"id,omitempty"`
	SiteID     int64          `json:"site_id"`
	CheckrunID int64          `json:"checkrun_id"`
	Error      *string        `json:"error"`
	Version    *time.Time     `json:"version"`
	Age        *time.Duration `json:"age"`
	Aliases    AliasStatuses  `json:"aliases"`
	Score      Score          `json:"score"`
}

// HasError reports whether the Overview records an observed failure.
func (o *Overview) HasError() bool {
	return o.Error != nil
}

// ScoreUpdate fills the score of one unscored Overview.
type ScoreUpdate struct {
	OverviewID int64
	Score      float64
}

// ScoringInput is an unscored Overview as seen by the scoring engine.
type ScoringInput struct {
	OverviewID int64
	SiteID     int64
	Error      *string
	Age        *time.Duration
}

// PriorScore is the most recent Overview of a site before some checkrun.
type PriorScore struct {
	CheckrunTimestamp time.Time
	Score             Score
}

// SiteOverview is the latest Overview of a site joined with its checkrun,
// used for listings.
type SiteOverview struct {
	SiteName          string    `json:"site"`
	CheckrunTimestamp time.Time `json:"checkrun_timestamp"`
	Overview
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
