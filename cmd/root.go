package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mirror-status/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "mirror-status",
	Short: "Mirror freshness reconciliation and scoring",
	Long:  "Reconciles raw tracefile observations of a mirror network into per-checkrun overviews and maintains a time-decayed reliability score for every mirror.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
