// Package monitoring watches the sync run log from the serving process and
// raises alerts when ingestion fails or the served data goes stale.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/cityaccess/cityaccess/internal/geospatial"
)

// MetricsSnapshot holds a point-in-time view of ingestion health.
type MetricsSnapshot struct {
	// Sync runs started within the lookback window.
	RunsTotal    int `json:"runs_total"`
	RunsComplete int `json:"runs_complete"`
	RunsFailed   int `json:"runs_failed"`
	RunsRunning  int `json:"runs_running"`
	// LastError is the message of the newest failed run in the window.
	LastError string `json:"last_error,omitempty"`

	// LastSuccess is the start of the newest complete run, in any window.
	LastSuccess *time.Time `json:"last_success,omitempty"`
	// DataAge is how long ago LastSuccess was; zero when there is none.
	DataAge time.Duration `json:"data_age"`

	Facilities int `json:"facilities"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the store view the collector reads.
type Source interface {
	geospatial.RunLog
	CountFacilities(ctx context.Context) (int, error)
}

// maxRuns bounds how much of the run log one collection reads.
const maxRuns = 1000

// Collector gathers snapshots from the store.
type Collector struct {
	src Source
	now func() time.Time
}

// NewCollector creates a new collector.
func NewCollector(src Source) *Collector {
	return &Collector{src: src, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.src.ListRuns(ctx, maxRuns)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	// Runs are newest first.
	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case geospatial.RunComplete:
			snap.RunsComplete++
		case geospatial.RunFailed:
			snap.RunsFailed++
			if snap.LastError == "" {
				snap.LastError = r.Error
			}
		case geospatial.RunRunning:
			snap.RunsRunning++
		}
	}

	last, err := c.src.LastSuccessfulRun(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: last successful run")
	}
	if last != nil {
		snap.LastSuccess = last
		snap.DataAge = now.Sub(*last)
	}

	n, err := c.src.CountFacilities(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count facilities")
	}
	snap.Facilities = n

	return snap, nil
}
