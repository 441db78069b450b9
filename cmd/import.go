package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mirror-status/internal/ingest"
)

var importFile string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a YAML or JSON observation batch",
	Long: `Import one checkrun's raw observations: sites and aliases, master,
site and alias traces, and tracesets. Re-importing a batch whose checkrun is
already the newest one is a no-op.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		batch, err := ingest.LoadFile(importFile)
		if err != nil {
			return err
		}

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := ingest.NewImporter(st).Import(ctx, batch)
		if err != nil {
			return eris.Wrap(err, "import batch")
		}

		zap.L().Info("import complete",
			zap.String("file", importFile),
			zap.Int64("checkrun_id", res.CheckrunID),
			zap.Bool("reused_checkrun", res.ReusedCheckrun),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "path to batch file (required)")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
