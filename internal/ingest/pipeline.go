// Package ingest is the ingestion entry point: it fetches the source
// dataset, normalizes it and upserts it into the store, recording each run.
package ingest

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cityaccess/cityaccess/internal/facility"
	"github.com/cityaccess/cityaccess/internal/geospatial"
	"github.com/cityaccess/cityaccess/internal/overpass"
	"github.com/cityaccess/cityaccess/internal/upsert"
)

// Fetcher retrieves the raw dataset for a query.
type Fetcher interface {
	Fetch(ctx context.Context, query string) (*overpass.Dataset, error)
}

// Options configures a pipeline.
type Options struct {
	Query overpass.Query
	// RunDeadline bounds the fetch across all mirrors. 0 means no deadline.
	RunDeadline time.Duration
	Upsert      upsert.Options
}

// Result summarizes one run.
type Result struct {
	RunID      string         `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Variant    string         `json:"variant" yaml:"variant"`
	Mirror     string         `json:"mirror,omitempty" yaml:"mirror,omitempty"`
	Fetched    int            `json:"fetched" yaml:"fetched"`
	Normalized int            `json:"normalized" yaml:"normalized"`
	Skipped    int            `json:"skipped" yaml:"skipped"`
	Rejected   int            `json:"rejected" yaml:"rejected"`
	Upsert     *upsert.Report `json:"upsert,omitempty" yaml:"upsert,omitempty"`
	Elapsed    string         `json:"elapsed" yaml:"elapsed"`
}

// Stats converts r into the counters persisted in the run log.
func (r *Result) Stats() geospatial.RunStats {
	s := geospatial.RunStats{
		Mirror:     r.Mirror,
		Fetched:    r.Fetched,
		Normalized: r.Normalized,
		Skipped:    r.Skipped,
		Rejected:   r.Rejected,
	}
	if r.Upsert != nil {
		s.Inserted = r.Upsert.Inserted
		s.Updated = r.Upsert.Updated
		s.Failed = r.Upsert.Failed()
	}
	return s
}

// Pipeline runs fetch, normalize and upsert against one store.
type Pipeline struct {
	src   Fetcher
	store geospatial.Store
	opts  Options
	log   *zap.Logger
}

// New creates a pipeline. The query's amenity filter defaults to the
// store variant's.
func New(src Fetcher, store geospatial.Store, opts Options) *Pipeline {
	if len(opts.Query.Amenities) == 0 {
		opts.Query.Amenities = store.Variant().Amenities
	}
	return &Pipeline{
		src:   src,
		store: store,
		opts:  opts,
		log:   zap.L().With(zap.String("component", "ingest"), zap.String("variant", store.Variant().Name)),
	}
}

// ShouldRun reports whether a run is due given the last successful run.
// A zero cadence is always due.
func ShouldRun(now time.Time, last *time.Time, cadence time.Duration) bool {
	if last == nil || cadence <= 0 {
		return true
	}
	return !now.Before(last.Add(cadence))
}

// RunIfDue runs the pipeline unless the last successful run is younger
// than cadence. ran is false when the run was skipped.
func (p *Pipeline) RunIfDue(ctx context.Context, now time.Time, cadence time.Duration) (res *Result, ran bool, err error) {
	last, err := p.store.LastSuccessfulRun(ctx)
	if err != nil {
		return nil, false, eris.Wrap(err, "ingest: check last run")
	}
	if !ShouldRun(now, last, cadence) {
		p.log.Info("skipping run (not due)",
			zap.Time("last_success", *last),
			zap.Duration("cadence", cadence),
		)
		return nil, false, nil
	}
	res, err = p.Run(ctx)
	return res, true, err
}

// Run performs one ingestion run. A SourceUnavailable fetch or an
// unreachable store fails the run; per-record failures do not.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{RunID: uuid.NewString(), Variant: p.store.Variant().Name}
	log := p.log.With(zap.String("run_id", res.RunID))

	if err := p.store.StartRun(ctx, res.RunID); err != nil {
		return nil, eris.Wrap(err, "ingest: start run")
	}
	log.Info("starting run", zap.Strings("amenities", amenityNames(p.opts.Query.Amenities)))

	fail := func(err error) (*Result, error) {
		res.Elapsed = time.Since(start).Round(time.Millisecond).String()
		log.Error("run failed", zap.Error(err), zap.String("elapsed", res.Elapsed))
		// The caller's context may be the one that ended.
		logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if logErr := p.store.FailRun(logCtx, res.RunID, res.Stats(), err.Error()); logErr != nil {
			log.Error("failed to record run failure", zap.Error(logErr))
		}
		return res, err
	}

	ds, err := fetch(ctx, p.src, p.opts)
	if err != nil {
		return fail(err)
	}
	res.Mirror = ds.Mirror
	res.Fetched = len(ds.Elements)

	facilities := normalize(log, p.store.Variant(), ds.Elements, res)

	report, err := upsert.New(p.store, p.opts.Upsert).Upsert(ctx, facilities)
	res.Upsert = report
	if err != nil {
		return fail(eris.Wrap(err, "ingest: upsert"))
	}

	if m, ok := p.store.(geospatial.Maintainer); ok {
		if err := m.Analyze(ctx); err != nil {
			log.Warn("analyze after run failed", zap.Error(err))
		}
	}

	res.Elapsed = time.Since(start).Round(time.Millisecond).String()
	if err := p.store.CompleteRun(ctx, res.RunID, res.Stats()); err != nil {
		log.Error("failed to record run completion", zap.Error(err))
	}

	log.Info("run complete",
		zap.String("mirror", res.Mirror),
		zap.Int("fetched", res.Fetched),
		zap.Int("normalized", res.Normalized),
		zap.Int("skipped", res.Skipped),
		zap.Int("rejected", res.Rejected),
		zap.Int("inserted", report.Inserted),
		zap.Int("updated", report.Updated),
		zap.Int("failed", report.Failed()),
		zap.String("elapsed", res.Elapsed),
	)
	return res, nil
}

// Export fetches and normalizes the dataset for v and writes it to w as a
// GeoJSON FeatureCollection. The store is not touched.
func Export(ctx context.Context, src Fetcher, v facility.Variant, opts Options, w io.Writer) (*Result, error) {
	start := time.Now()
	if len(opts.Query.Amenities) == 0 {
		opts.Query.Amenities = v.Amenities
	}
	log := zap.L().With(zap.String("component", "ingest.export"), zap.String("variant", v.Name))
	res := &Result{Variant: v.Name}

	ds, err := fetch(ctx, src, opts)
	if err != nil {
		return nil, err
	}
	res.Mirror = ds.Mirror
	res.Fetched = len(ds.Elements)

	facilities := normalize(log, v, ds.Elements, res)
	if err := facility.WriteFeatureCollection(w, facilities); err != nil {
		return nil, eris.Wrap(err, "ingest: write geojson")
	}

	res.Elapsed = time.Since(start).Round(time.Millisecond).String()
	log.Info("export complete", zap.Int("features", len(facilities)), zap.String("elapsed", res.Elapsed))
	return res, nil
}

func fetch(ctx context.Context, src Fetcher, opts Options) (*overpass.Dataset, error) {
	if opts.RunDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.RunDeadline)
		defer cancel()
	}
	ds, err := src.Fetch(ctx, opts.Query.String())
	if err != nil {
		return nil, eris.Wrap(err, "ingest: fetch")
	}
	return ds, nil
}

func normalize(log *zap.Logger, v facility.Variant, elements []facility.Element, res *Result) []facility.Facility {
	out := facility.NewNormalizer(v).NormalizeAll(elements)
	for _, rej := range out.Rejected {
		log.Warn("element rejected",
			zap.Int64("element_id", rej.ElementID),
			zap.String("field", rej.Field),
			zap.String("reason", rej.Reason),
		)
	}
	res.Normalized = len(out.Facilities)
	res.Skipped = out.Skipped
	res.Rejected = len(out.Rejected)
	return out.Facilities
}

func amenityNames(ts []facility.Type) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}
