package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	importCSVPath  string
	importCacheDir string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Bulk load a Land Registry price paid CSV export",
	Long:  "Streams a headerless price paid CSV (the format served at landregistry.data.gov.uk downloads), registers any unseen addresses, and marks affected properties for recompute on the next ingest.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if importCacheDir != "" {
			env.Importer.SetCacheDir(importCacheDir)
		}
		res, err := env.Importer.ImportFile(ctx, importCSVPath)
		if err != nil {
			return eris.Wrap(err, "import price paid csv")
		}

		zap.L().Info("import complete",
			zap.Int64("rows", res.Rows),
			zap.Int("inserted", res.Inserted),
			zap.Int("registered", res.Registered),
			zap.Int("skipped", res.Skipped),
			zap.String("csv", importCSVPath),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importCSVPath, "csv", "", "path or URL of a price paid CSV export (required)")
	importCmd.Flags().StringVar(&importCacheDir, "cache-dir", "", "keep remote downloads here and skip re-downloading unchanged exports")
	_ = importCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(importCmd)
}
