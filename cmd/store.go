package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/cityaccess/cityaccess/internal/db"
	"github.com/cityaccess/cityaccess/internal/facility"
	"github.com/cityaccess/cityaccess/internal/geospatial"
	"github.com/cityaccess/cityaccess/internal/ingest"
	"github.com/cityaccess/cityaccess/internal/overpass"
	"github.com/cityaccess/cityaccess/internal/upsert"
)

// openStore opens the configured store backend.
func openStore(ctx context.Context) (geospatial.Store, error) {
	v, err := facility.ParseVariant(cfg.Store.Variant)
	if err != nil {
		return nil, err
	}
	st, err := geospatial.Open(ctx, geospatial.Options{
		Driver:  cfg.Store.Driver,
		DSN:     cfg.Store.DatabaseURL,
		Variant: v,
		Pool: db.PoolConfig{
			MaxConns:       cfg.Store.MaxConns,
			MinConns:       cfg.Store.MinConns,
			SimpleProtocol: cfg.Store.SimpleProtocol,
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	return st, nil
}

// newSource builds the Overpass client from config.
func newSource() (*overpass.Client, error) {
	return overpass.NewClient(overpass.Options{
		Mirrors:           cfg.Source.Mirrors,
		Timeout:           cfg.Source.Timeout(),
		UserAgent:         cfg.Source.UserAgent,
		RequestsPerSecond: rate.Limit(cfg.Source.RequestsPerSecond),
	})
}

// ingestOptions maps config onto pipeline options. Configured amenities
// override the variant's default filter.
func ingestOptions() ingest.Options {
	var amenities []facility.Type
	for _, a := range cfg.Source.Amenities {
		amenities = append(amenities, facility.Type(a))
	}
	return ingest.Options{
		Query: overpass.Query{
			Country:     cfg.Source.Country,
			Amenities:   amenities,
			TimeoutSecs: cfg.Source.TimeoutSecs,
		},
		RunDeadline: cfg.Source.RunDeadline(),
		Upsert: upsert.Options{
			Workers:          cfg.Sync.Workers,
			FailureThreshold: cfg.Sync.FailureThreshold,
		},
	}
}

// writeResult renders a run result as text, json or yaml.
func writeResult(out io.Writer, format string, res *ingest.Result) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(res); err != nil {
			return err
		}
		return enc.Close()
	case "", "text":
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		if res.RunID != "" {
			_, _ = fmt.Fprintf(w, "run\t%s\n", res.RunID)
		}
		_, _ = fmt.Fprintf(w, "variant\t%s\n", res.Variant)
		_, _ = fmt.Fprintf(w, "mirror\t%s\n", res.Mirror)
		_, _ = fmt.Fprintf(w, "fetched\t%d\n", res.Fetched)
		_, _ = fmt.Fprintf(w, "normalized\t%d\n", res.Normalized)
		_, _ = fmt.Fprintf(w, "skipped\t%d\n", res.Skipped)
		_, _ = fmt.Fprintf(w, "rejected\t%d\n", res.Rejected)
		if rep := res.Upsert; rep != nil {
			_, _ = fmt.Fprintf(w, "inserted\t%d\n", rep.Inserted)
			_, _ = fmt.Fprintf(w, "updated\t%d\n", rep.Updated)
			_, _ = fmt.Fprintf(w, "failed\t%d\n", rep.Failed())
			for _, f := range rep.Failures {
				_, _ = fmt.Fprintf(w, "  record %d\t%s (%s): %v\n", f.Index, f.Key, f.Cause, f.Err)
			}
			if rep.Aborted {
				_, _ = fmt.Fprintln(w, "aborted\tyes")
			}
		}
		_, _ = fmt.Fprintf(w, "elapsed\t%s\n", res.Elapsed)
		return w.Flush()
	default:
		return eris.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}
