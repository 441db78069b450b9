package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/mirror-status/internal/reconcile"
)

var reconcileSite string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Derive overviews for pending checkruns",
	Long: `Reconcile every site (or a single site with --site): each checkrun with
raw observations but no overview gets one, recording the site's error, the
master version it serves, how far behind the master it is, and its alias
statuses.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, "process")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		engine := reconcile.New(st, reconcileConfig(cfg))

		if reconcileSite != "" {
			site, err := st.GetSiteByName(ctx, reconcileSite)
			if err != nil {
				return eris.Wrapf(err, "reconcile: site %s", reconcileSite)
			}
			res, err := engine.Reconcile(ctx, *site)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d pending, %d overviews inserted\n", res.Site, res.Pending, res.Inserted)
			return nil
		}

		sum, err := engine.ReconcileAll(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d sites, %d pending, %d overviews inserted in %s\n",
			sum.Sites, sum.Pending, sum.Inserted, sum.Duration.Round(time.Millisecond))
		return nil
	},
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileSite, "site", "", "reconcile a single site by name")
	rootCmd.AddCommand(reconcileCmd)
}
