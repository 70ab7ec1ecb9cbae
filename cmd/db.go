package main

import (
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cityaccess/cityaccess/internal/geospatial"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Store connectivity and maintenance",
}

var dbPingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check store connectivity and print the server version",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("ping"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Ping(ctx); err != nil {
			return err
		}
		version, err := st.Version(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), version)
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Report facility table statistics",
	Long:  "Reports row counts and sizes of the facility and sync_log tables, optionally running VACUUM or ANALYZE first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("ping"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		m, ok := st.(geospatial.Maintainer)
		if !ok {
			return eris.Errorf("db stats: %s store does not support maintenance", cfg.Store.Driver)
		}

		vacuum, _ := cmd.Flags().GetBool("vacuum")
		analyze, _ := cmd.Flags().GetBool("analyze")

		if vacuum {
			zap.L().Info("running VACUUM on facility tables")
			if err := m.Vacuum(ctx); err != nil {
				return eris.Wrap(err, "db stats vacuum")
			}
		}
		if analyze {
			zap.L().Info("running ANALYZE on facility table")
			if err := m.Analyze(ctx); err != nil {
				return eris.Wrap(err, "db stats analyze")
			}
		}

		stats, err := m.TableStats(ctx)
		if err != nil {
			return eris.Wrap(err, "db stats")
		}
		formatTableStats(cmd.OutOrStdout(), stats)
		return nil
	},
}

func init() {
	dbStatsCmd.Flags().Bool("vacuum", false, "run VACUUM before reporting")
	dbStatsCmd.Flags().Bool("analyze", false, "run ANALYZE before reporting")
	dbCmd.AddCommand(dbPingCmd, dbStatsCmd)
	rootCmd.AddCommand(dbCmd)
}

func formatTableStats(out io.Writer, stats []geospatial.TableStats) {
	_, _ = fmt.Fprintf(out, "%-20s %10s %12s %12s %8s\n", "Table", "Rows", "Total Size", "Index Size", "Spatial")
	_, _ = fmt.Fprintln(out, "--------------------------------------------------------------------")
	for _, s := range stats {
		spatial := "no"
		if s.HasSpatial {
			spatial = "yes"
		}
		total, index := s.TotalSize, s.IndexSize
		if total == "" {
			total = "-"
		}
		if index == "" {
			index = "-"
		}
		_, _ = fmt.Fprintf(out, "%-20s %10d %12s %12s %8s\n", s.TableName, s.RowCount, total, index, spatial)
	}
}
