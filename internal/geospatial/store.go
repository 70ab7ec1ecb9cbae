// Package geospatial is the persistence boundary for facility records: a
// PostGIS-backed store, an embedded SQLite store, and the sync run log.
package geospatial

import (
	"context"
	"time"

	"github.com/cityaccess/cityaccess/internal/facility"
)

// NearestQuery selects facilities within RadiusMeters of Center.
type NearestQuery struct {
	Center       facility.Point
	RadiusMeters float64
	// Type restricts results to one facility type; empty matches all.
	Type  facility.Type
	Limit int
}

// Nearby is a facility with its geodesic distance from the query point.
type Nearby struct {
	Facility       facility.Facility
	DistanceMeters float64
}

// RunStatus is the lifecycle state of a sync run.
type RunStatus string

// Run statuses recorded in sync_log.
const (
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunFailed   RunStatus = "failed"
)

// RunStats are the counters persisted when a run completes.
type RunStats struct {
	Mirror     string `json:"mirror" yaml:"mirror"`
	Fetched    int    `json:"fetched" yaml:"fetched"`
	Normalized int    `json:"normalized" yaml:"normalized"`
	Skipped    int    `json:"skipped" yaml:"skipped"`
	Rejected   int    `json:"rejected" yaml:"rejected"`
	Inserted   int    `json:"inserted" yaml:"inserted"`
	Updated    int    `json:"updated" yaml:"updated"`
	Failed     int    `json:"failed" yaml:"failed"`
}

// Run is one row of sync_log.
type Run struct {
	ID          string     `json:"id" yaml:"id"`
	Variant     string     `json:"variant" yaml:"variant"`
	Status      RunStatus  `json:"status" yaml:"status"`
	StartedAt   time.Time  `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Stats       RunStats   `json:"stats" yaml:"stats"`
	Error       string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// RunLog records ingestion runs.
type RunLog interface {
	StartRun(ctx context.Context, id string) error
	CompleteRun(ctx context.Context, id string, stats RunStats) error
	FailRun(ctx context.Context, id string, stats RunStats, msg string) error
	// LastSuccessfulRun returns the start time of the newest complete run,
	// or nil if there is none.
	LastSuccessfulRun(ctx context.Context) (*time.Time, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

// Store persists facilities for one variant.
type Store interface {
	RunLog

	Variant() facility.Variant

	// UpsertFacility inserts f, or overwrites the mutable fields of the row
	// sharing its natural key. inserted reports which happened.
	UpsertFacility(ctx context.Context, f *facility.Facility) (inserted bool, err error)

	// Nearest returns facilities within the radius (inclusive), ordered by
	// ascending geodesic distance and capped at q.Limit.
	Nearest(ctx context.Context, q NearestQuery) ([]Nearby, error)

	// ListFacilities returns every facility ordered by name.
	ListFacilities(ctx context.Context) ([]facility.Facility, error)

	CountFacilities(ctx context.Context) (int, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	// Version describes the backing database server.
	Version(ctx context.Context) (string, error)
	Close()
}
