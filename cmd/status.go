package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/mirror-status/internal/model"
)

var statusFormat string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest overview of every site",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if statusFormat != "table" && statusFormat != "csv" {
			return eris.Errorf("status: --format must be table or csv (got %q)", statusFormat)
		}

		ctx := cmd.Context()
		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rows, err := st.LatestOverviews(ctx)
		if err != nil {
			return eris.Wrap(err, "status: latest overviews")
		}
		return writeStatus(cmd.OutOrStdout(), rows, statusFormat)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "table", "output format: table or csv")
	rootCmd.AddCommand(statusCmd)
}

func writeStatus(w io.Writer, rows []model.SiteOverview, format string) error {
	switch format {
	case "csv":
		return writeStatusCSV(w, rows)
	case "table":
		return writeStatusTable(w, rows)
	default:
		return eris.Errorf("status: unsupported format %q", format)
	}
}

func writeStatusCSV(w io.Writer, rows []model.SiteOverview) error {
	cw := csv.NewWriter(w)

	header := []string{"site", "checkrun", "error", "version", "age_seconds", "score"}
	if err := cw.Write(header); err != nil {
		return eris.Wrap(err, "status: write CSV header")
	}

	for _, r := range rows {
		row := []string{
			r.SiteName,
			r.CheckrunTimestamp.UTC().Format(time.RFC3339),
			deref(r.Error),
			formatVersion(r.Version),
			"",
			"",
		}
		if r.Age != nil {
			row[4] = strconv.FormatInt(int64(*r.Age/time.Second), 10)
		}
		if v, ok := r.Score.Value(); ok {
			row[5] = strconv.FormatFloat(v, 'f', 4, 64)
		}
		if err := cw.Write(row); err != nil {
			return eris.Wrap(err, "status: write CSV row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "status: flush CSV")
}

func writeStatusTable(w io.Writer, rows []model.SiteOverview) error {
	header := fmt.Sprintf("%-40s %-20s %-20s %-16s %8s  %s\n",
		"Site", "Checkrun", "Version", "Age", "Score", "Error")
	if _, err := fmt.Fprint(w, header); err != nil {
		return eris.Wrap(err, "status: write table header")
	}
	if _, err := fmt.Fprintln(w, strings.Repeat("-", 120)); err != nil {
		return eris.Wrap(err, "status: write table separator")
	}

	for _, r := range rows {
		name := r.SiteName
		if len(name) > 40 {
			name = name[:37] + "..."
		}
		score := "-"
		if v, ok := r.Score.Value(); ok {
			score = fmt.Sprintf("%.2f", v)
		}
		version := formatVersion(r.Version)
		if version == "" {
			version = "-"
		}
		if _, err := fmt.Fprintf(w, "%-40s %-20s %-20s %-16s %8s  %s\n",
			name,
			r.CheckrunTimestamp.UTC().Format(time.RFC3339),
			version,
			formatAge(r.Age),
			score,
			deref(r.Error),
		); err != nil {
			return eris.Wrap(err, "status: write table row")
		}
	}

	if _, err := fmt.Fprintf(w, "\n%s sites\n", humanize.Comma(int64(len(rows)))); err != nil {
		return eris.Wrap(err, "status: write table footer")
	}
	return nil
}

// formatAge renders an age as a rough human duration.
func formatAge(age *time.Duration) string {
	switch {
	case age == nil:
		return "-"
	case *age == 0:
		return "current"
	}
	var ref time.Time
	return humanize.RelTime(ref, ref.Add(*age), "behind", "ahead")
}

func formatVersion(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.UTC().Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
