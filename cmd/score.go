package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/mirror-status/internal/scoring"
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score unscored overviews",
	Long: `Score every overview that does not have a score yet, oldest checkrun
first. Each site's score moves from its previous score by an adjustment
derived from the overview's error and age, weighted by the time elapsed since
that previous overview. Checkruns where most sites failed adjust nothing.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sc, err := scoringConfig(cfg)
		if err != nil {
			return err
		}

		st, err := openStore(ctx, "process")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sum, err := scoring.New(st, sc).ScoreUnscored(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d checkruns (%d ignored), %d overviews scored in %s\n",
			sum.Checkruns, sum.Ignored, sum.Scored, sum.Duration.Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scoreCmd)
}
