// Package upsert merges batches of normalized facilities into a store. Each
// record is an independent insert-or-update keyed by its natural key; one
// record failing never stops the rest of the batch.
package upsert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cityaccess/cityaccess/internal/facility"
	"github.com/cityaccess/cityaccess/internal/resilience"
)

// ErrStoreUnavailable is returned when consecutive connectivity failures
// opened the circuit and the rest of the batch was abandoned.
var ErrStoreUnavailable = eris.New("upsert: store unavailable")

// Writer is the store capability the engine needs.
type Writer interface {
	Variant() facility.Variant
	UpsertFacility(ctx context.Context, f *facility.Facility) (inserted bool, err error)
}

// Options tunes the engine.
type Options struct {
	// Workers bounds concurrent writes. Default: 4.
	Workers int
	// FailureThreshold is the number of consecutive connectivity failures
	// that abort the batch. Default: 5.
	FailureThreshold int
}

// Failure is the UpsertError for one record.
type Failure struct {
	Index int
	Key   facility.Key
	Cause resilience.Cause
	Err   error
}

func (f Failure) Error() string {
	return fmt.Sprintf("upsert %s (record %d, %s): %v", f.Key, f.Index, f.Cause, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// failureDoc is how a Failure appears in rendered run reports.
type failureDoc struct {
	Index int    `json:"index" yaml:"index"`
	Key   string `json:"key" yaml:"key"`
	Cause string `json:"cause" yaml:"cause"`
	Error string `json:"error" yaml:"error"`
}

func (f Failure) doc() failureDoc {
	d := failureDoc{Index: f.Index, Key: f.Key.String(), Cause: string(f.Cause)}
	if f.Err != nil {
		d.Error = f.Err.Error()
	}
	return d
}

// MarshalJSON renders the failure with its key, cause and error text.
func (f Failure) MarshalJSON() ([]byte, error) { return json.Marshal(f.doc()) }

// MarshalYAML implements yaml.Marshaler.
func (f Failure) MarshalYAML() (any, error) { return f.doc(), nil }

// Report summarizes one batch.
type Report struct {
	Attempted int `json:"attempted" yaml:"attempted"`
	Succeeded int `json:"succeeded" yaml:"succeeded"`
	Inserted  int `json:"inserted" yaml:"inserted"`
	Updated   int `json:"updated" yaml:"updated"`
	// Failures is ordered by batch index.
	Failures []Failure `json:"failures,omitempty" yaml:"failures,omitempty"`
	// Aborted is set when the batch stopped early on ErrStoreUnavailable.
	Aborted bool `json:"aborted" yaml:"aborted"`
}

// Failed returns the number of failed records.
func (r *Report) Failed() int { return len(r.Failures) }

// Engine runs batches against a Writer.
type Engine struct {
	w       Writer
	opts    Options
	breaker *resilience.CircuitBreaker
	log     *zap.Logger
}

// New creates an engine writing to w.
func New(w Writer, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	log := zap.L().With(zap.String("component", "upsert"))
	return &Engine{
		w:    w,
		opts: opts,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: opts.FailureThreshold,
			ResetTimeout:     time.Minute,
			ShouldTrip:       resilience.IsStoreUnreachable,
			OnStateChange: func(from, to resilience.CircuitState) {
				log.Warn("store circuit state change",
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
		log: log,
	}
}

// shard assigns a key to a worker. All records sharing a key land on the
// same worker and keep their batch order.
func shard(k facility.Key, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.String()))
	return int(h.Sum32() % uint32(n))
}

// Upsert writes batch and reports per-record outcomes. The returned error is
// non-nil only when the whole batch was abandoned (ErrStoreUnavailable) or
// ctx ended; the report is always valid and covers the records attempted.
func (e *Engine) Upsert(ctx context.Context, batch []facility.Facility) (*Report, error) {
	rep := &Report{}
	if len(batch) == 0 {
		return rep, nil
	}

	v := e.w.Variant()
	workers := e.opts.Workers
	if workers > len(batch) {
		workers = len(batch)
	}

	queues := make([][]int, workers)
	for i := range batch {
		s := shard(v.KeyOf(batch[i]), workers)
		queues[s] = append(queues[s], i)
	}

	var mu sync.Mutex
	record := func(i int, inserted bool, err error, cause resilience.Cause) {
		mu.Lock()
		defer mu.Unlock()
		rep.Attempted++
		if err != nil {
			f := Failure{Index: i, Key: v.KeyOf(batch[i]), Cause: cause, Err: err}
			rep.Failures = append(rep.Failures, f)
			e.log.Warn("upsert failed",
				zap.String("key", f.Key.String()),
				zap.Int("index", i),
				zap.String("cause", string(f.Cause)),
				zap.Error(err),
			)
			return
		}
		rep.Succeeded++
		if inserted {
			rep.Inserted++
		} else {
			rep.Updated++
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queues {
		g.Go(func() error {
			for _, i := range q {
				if err := gctx.Err(); err != nil {
					return err
				}

				f := &batch[i]
				// Every persisted row must carry a geometry.
				if err := f.Location.Validate(); err != nil {
					record(i, false, eris.Wrap(err, "invalid location"), resilience.CauseData)
					continue
				}

				inserted, err := resilience.ExecuteVal(gctx, e.breaker, func(ctx context.Context) (bool, error) {
					return e.w.UpsertFacility(ctx, f)
				})
				if errors.Is(err, resilience.ErrCircuitOpen) {
					return ErrStoreUnavailable
				}
				if err != nil && gctx.Err() != nil {
					// Aborted by a sibling worker or the caller; not a record failure.
					return gctx.Err()
				}
				record(i, inserted, err, resilience.Classify(err))
			}
			return nil
		})
	}
	err := g.Wait()

	sort.Slice(rep.Failures, func(a, b int) bool { return rep.Failures[a].Index < rep.Failures[b].Index })

	switch {
	case errors.Is(err, ErrStoreUnavailable):
		rep.Aborted = true
		e.log.Error("batch aborted, store unreachable",
			zap.Int("attempted", rep.Attempted),
			zap.Int("remaining", len(batch)-rep.Attempted),
		)
		return rep, eris.Wrapf(ErrStoreUnavailable, "after %d consecutive connectivity failures", e.opts.FailureThreshold)
	case err != nil:
		rep.Aborted = true
		return rep, eris.Wrap(err, "upsert: batch interrupted")
	}

	e.log.Info("batch upserted",
		zap.Int("attempted", rep.Attempted),
		zap.Int("inserted", rep.Inserted),
		zap.Int("updated", rep.Updated),
		zap.Int("failed", rep.Failed()),
	)
	return rep, nil
}
