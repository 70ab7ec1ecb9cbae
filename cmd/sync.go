package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cityaccess/cityaccess/internal/geospatial"
	"github.com/cityaccess/cityaccess/internal/ingest"
)

var (
	syncIfDue  bool
	syncOutput string
	syncLimit  int
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch facilities from Overpass and upsert them into the store",
	Long: "Runs one ingestion: fetch from the first answering mirror, normalize, upsert by natural key. " +
		"Exits non-zero when every mirror fails or the store becomes unreachable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("sync"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		src, err := newSource()
		if err != nil {
			return err
		}
		p := ingest.New(src, st, ingestOptions())

		var res *ingest.Result
		if syncIfDue {
			cadence, cerr := cfg.CadenceDuration()
			if cerr != nil {
				return cerr
			}
			var ran bool
			res, ran, err = p.RunIfDue(ctx, time.Now().UTC(), cadence)
			if err == nil && !ran {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "sync not due")
				return nil
			}
		} else {
			res, err = p.Run(ctx)
		}
		if res == nil {
			return err
		}
		return renderRun(cmd.OutOrStdout(), res, err)
	},
}

// renderRun prints res and returns runErr so a failed run still exits
// non-zero after its partial counts are shown.
func renderRun(out io.Writer, res *ingest.Result, runErr error) error {
	if err := writeResult(out, syncOutput, res); err != nil {
		zap.L().Error("render sync result", zap.Error(err))
	}
	return runErr
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sync run log",
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

		runs, err := st.ListRuns(ctx, syncLimit)
		if err != nil {
			return eris.Wrap(err, "sync status")
		}

		if len(runs) == 0 {
			zap.L().Info("no sync runs found, run 'cityaccess sync' to ingest facilities")
			return nil
		}

		formatRuns(cmd.OutOrStdout(), runs)
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncIfDue, "if-due", false, "skip unless the last successful run is older than sync.cadence")
	syncCmd.Flags().StringVarP(&syncOutput, "output", "o", "text", "result format: text, json or yaml")
	syncStatusCmd.Flags().IntVar(&syncLimit, "limit", 20, "number of runs to show")
	syncCmd.AddCommand(syncStatusCmd)
	rootCmd.AddCommand(syncCmd)
}

// formatRuns writes a tabular representation of sync runs to out.
func formatRuns(out io.Writer, runs []geospatial.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tVARIANT\tSTATUS\tSTARTED\tDURATION\tFETCHED\tINSERTED\tUPDATED\tFAILED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t-------\t------\t-------\t--------\t-------\t--------\t-------\t------\t-----")

	for _, r := range runs {
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			shortID(r.ID),
			r.Variant,
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			r.Stats.Fetched,
			r.Stats.Inserted,
			r.Stats.Updated,
			r.Stats.Failed,
			truncate(r.Error, 60),
		)
	}
	_ = w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
