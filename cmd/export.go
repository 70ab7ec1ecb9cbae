package main

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cityaccess/cityaccess/internal/facility"
	"github.com/cityaccess/cityaccess/internal/ingest"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Fetch facilities and write them as GeoJSON",
	Long:  "Fetches and normalizes the configured dataset and writes a GeoJSON FeatureCollection without touching the store.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("export"); err != nil {
			return err
		}

		v, err := facility.ParseVariant(cfg.Store.Variant)
		if err != nil {
			return err
		}

		src, err := newSource()
		if err != nil {
			return err
		}

		var out io.Writer = cmd.OutOrStdout()
		if exportOut != "" && exportOut != "-" {
			f, err := os.Create(exportOut)
			if err != nil {
				return eris.Wrapf(err, "export: create %s", exportOut)
			}
			defer f.Close() //nolint:errcheck
			out = f
		}

		res, err := ingest.Export(ctx, src, v, ingestOptions(), out)
		if err != nil {
			return err
		}

		zap.L().Info("geojson written",
			zap.String("path", exportOut),
			zap.Int("features", res.Normalized),
			zap.Int("rejected", res.Rejected),
		)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "f", "-", "output file, - for stdout")
	rootCmd.AddCommand(exportCmd)
}
