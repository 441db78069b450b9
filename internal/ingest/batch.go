// Package ingest loads observation batches produced by the trace fetchers
// into the store. A batch describes one checkrun: the sites that were
// checked, their aliases and every trace fetched during the run.
package ingest

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Batch is one checkrun's worth of raw observations. JSON batches decode
// through the same YAML tags.
type Batch struct {
	Origin       string            `yaml:"origin"`
	Checkrun     time.Time         `yaml:"checkrun"`
	Sites        []SiteEntry       `yaml:"sites"`
	MasterTraces []TraceEntry      `yaml:"master_traces"`
	SiteTraces   []SiteTraceEntry  `yaml:"site_traces"`
	AliasTraces  []AliasTraceEntry `yaml:"alias_traces"`
	Tracesets    []TracesetEntry   `yaml:"tracesets"`
}

// SiteEntry declares a monitored site.
type SiteEntry struct {
	Name     string       `yaml:"name"`
	HTTPPath string       `yaml:"http_path"`
	Aliases  []AliasEntry `yaml:"aliases"`
}

// AliasEntry declares a secondary hostname of a site.
type AliasEntry struct {
	Name     string `yaml:"name"`
	Priority *int   `yaml:"priority"`
}

// TraceEntry is a fetched tracefile. A missing Timestamp with no Error means
// the file was fetched but could not be parsed.
type TraceEntry struct {
	Site      string     `yaml:"site"`
	Timestamp *time.Time `yaml:"trace_timestamp"`
	Error     *string    `yaml:"error"`
	Full      string     `yaml:"full"`
}

// SiteTraceEntry is a site's own tracefile.
type SiteTraceEntry struct {
	TraceEntry              `yaml:",inline"`
	ArchiveUpdateInProgress *time.Time `yaml:"archive_update_in_progress"`
	ArchiveUpdateRequired   *time.Time `yaml:"archive_update_required"`
}

// AliasTraceEntry is the master tracefile fetched through an alias of Site.
type AliasTraceEntry struct {
	TraceEntry `yaml:",inline"`
	Alias      string `yaml:"alias"`
}

// TracesetEntry is the listing of a site's trace directory.
type TracesetEntry struct {
	Site   string   `yaml:"site"`
	Traces []string `yaml:"traceset"`
	Error  *string  `yaml:"error"`
}

// Decode parses a YAML or JSON batch and validates it.
func Decode(r io.Reader) (*Batch, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var b Batch
	if err := dec.Decode(&b); err != nil {
		if eris.Is(err, io.EOF) {
			return nil, eris.New("ingest: empty batch")
		}
		return nil, eris.Wrap(err, "ingest: decode batch")
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// LoadFile reads and validates the batch at path.
func LoadFile(path string) (*Batch, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("ingest: open batch %s", path))
	}
	return Decode(bytes.NewReader(raw))
}

// Validate checks the batch for structural problems. Sites referenced by
// traces need not be declared in the batch; they are resolved against the
// store at import time.
func (b *Batch) Validate() error {
	var errs []string

	if b.Checkrun.IsZero() {
		errs = append(errs, "checkrun timestamp is required")
	}

	seen := make(map[string]struct{}, len(b.Sites))
	for i, s := range b.Sites {
		if strings.TrimSpace(s.Name) == "" {
			errs = append(errs, fmt.Sprintf("sites[%d]: name is required", i))
			continue
		}
		if _, dup := seen[s.Name]; dup {
			errs = append(errs, fmt.Sprintf("sites[%d]: duplicate site %q", i, s.Name))
		}
		seen[s.Name] = struct{}{}
		for j, a := range s.Aliases {
			if strings.TrimSpace(a.Name) == "" {
				errs = append(errs, fmt.Sprintf("sites[%d].aliases[%d]: name is required", i, j))
			}
		}
	}

	if len(b.Sites) > 0 && strings.TrimSpace(b.Origin) == "" {
		errs = append(errs, "origin is required when sites are declared")
	}

	for i, t := range b.MasterTraces {
		if t.Site == "" {
			errs = append(errs, fmt.Sprintf("master_traces[%d]: site is required", i))
		}
	}
	for i, t := range b.SiteTraces {
		if t.Site == "" {
			errs = append(errs, fmt.Sprintf("site_traces[%d]: site is required", i))
		}
	}
	for i, t := range b.AliasTraces {
		if t.Site == "" || t.Alias == "" {
			errs = append(errs, fmt.Sprintf("alias_traces[%d]: site and alias are required", i))
		}
	}
	for i, t := range b.Tracesets {
		if t.Site == "" {
			errs = append(errs, fmt.Sprintf("tracesets[%d]: site is required", i))
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("ingest: invalid batch: %s", strings.Join(errs, "; "))
	}
	return nil
}
