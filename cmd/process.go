package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/mirror-status/internal/pipeline"
	"github.com/sells-group/mirror-status/internal/reconcile"
	"github.com/sells-group/mirror-status/internal/scoring"
	"github.com/sells-group/mirror-status/internal/store"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Reconcile all sites, then score",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, "process")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runner, err := newRunner(st)
		if err != nil {
			return err
		}

		res, err := runner.Run(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pass %s: %d overviews inserted, %d checkruns scored (%d ignored)\n",
			res.PassID, res.Reconcile.Inserted, res.Scoring.Checkruns, res.Scoring.Ignored)
		return nil
	},
}

func newRunner(st store.Store) (*pipeline.Runner, error) {
	sc, err := scoringConfig(cfg)
	if err != nil {
		return nil, err
	}
	return pipeline.NewRunner(
		reconcile.New(st, reconcileConfig(cfg)),
		scoring.New(st, sc),
	).WithPassLog(st), nil
}

func init() {
	rootCmd.AddCommand(processCmd)
}
