package geospatial

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/cityaccess/cityaccess/internal/db"
	"github.com/cityaccess/cityaccess/internal/facility"
)

// PostgresStore implements Store on PostGIS. Distances use the geography
// type, so they are geodesic on the WGS84 ellipsoid.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	variant facility.Variant

	upsertSQL  string
	selectCols string
}

// NewPostgresStore creates a store for variant over pool. closeFn, if
// non-nil, is called by Close.
func NewPostgresStore(pool db.Pool, variant facility.Variant, closeFn func()) (*PostgresStore, error) {
	upsertSQL, err := db.BuildUpsert(db.UpsertConfig{
		Table:         variant.Table,
		Columns:       variant.InsertColumns(),
		ConflictKeys:  variant.KeyColumns(),
		UpdateCols:    variant.MutableColumns(),
		ValueExprs:    map[string]string{"geom": "ST_GeomFromEWKB(%s)"},
		TouchColumn:   "updated_at",
		Returning:     "(xmax = 0) AS inserted",
		SkipUnchanged: true,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "geo: build upsert for %s", variant.Table)
	}

	cols := []string{"name", "city"}
	if variant.MultiType {
		cols = append(cols, "facility_type")
	}
	cols = append(cols, "address", "postcode", "phone", "website", "operator", "emergency", "capacity", "source", "ST_AsEWKB(geom)")

	return &PostgresStore{
		pool:       pool,
		closeFn:    closeFn,
		variant:    variant,
		upsertSQL:  upsertSQL,
		selectCols: strings.Join(cols, ", "),
	}, nil
}

// Variant implements Store.
func (s *PostgresStore) Variant() facility.Variant { return s.variant }

// UpsertFacility implements Store. The geometry is always rebuilt from the
// incoming coordinates and overwrites the stored one. A conflicting row whose
// mutable columns already match is left untouched and reported as updated.
func (s *PostgresStore) UpsertFacility(ctx context.Context, f *facility.Facility) (bool, error) {
	geom, err := facility.EncodePoint(f.Location)
	if err != nil {
		return false, eris.Wrap(err, "geo: upsert facility")
	}

	var inserted bool
	err = s.pool.QueryRow(ctx, s.upsertSQL, s.variant.Values(*f, geom)...).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "geo: upsert facility %s", s.variant.KeyOf(*f))
	}
	return inserted, nil
}

// Nearest implements Store.
func (s *PostgresStore) Nearest(ctx context.Context, q NearestQuery) ([]Nearby, error) {
	if !s.variant.Accepts(q.Type) {
		return []Nearby{}, nil
	}

	args := []any{q.Center.Lon, q.Center.Lat, q.RadiusMeters}
	typeFilter := ""
	if q.Type != "" && s.variant.MultiType {
		args = append(args, string(q.Type))
		typeFilter = fmt.Sprintf(" AND facility_type = $%d", len(args))
	}
	args = append(args, q.Limit)

	sql := fmt.Sprintf(`
		SELECT %s,
		       ST_Distance(geom::geography, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography) AS distance_m
		FROM %s
		WHERE ST_DWithin(geom::geography, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $3)%s
		ORDER BY distance_m, name
		LIMIT $%d`,
		s.selectCols, db.SanitizeTable(s.variant.Table), typeFilter, len(args),
	)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "geo: nearest facilities")
	}
	defer rows.Close()

	out := []Nearby{}
	for rows.Next() {
		var n Nearby
		sc := s.newScan(&n.Facility)
		if err := rows.Scan(append(sc.dest, &n.DistanceMeters)...); err != nil {
			return nil, eris.Wrap(err, "geo: scan nearest row")
		}
		if err := sc.finish(); err != nil {
			return nil, eris.Wrap(err, "geo: nearest facilities")
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "geo: iterate nearest rows")
	}
	return out, nil
}

// ListFacilities implements Store.
func (s *PostgresStore) ListFacilities(ctx context.Context) ([]facility.Facility, error) {
	sql := fmt.Sprintf(`SELECT %s FROM %s ORDER BY name, id`, s.selectCols, db.SanitizeTable(s.variant.Table))
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, eris.Wrap(err, "geo: list facilities")
	}
	defer rows.Close()

	out := []facility.Facility{}
	for rows.Next() {
		var f facility.Facility
		sc := s.newScan(&f)
		if err := rows.Scan(sc.dest...); err != nil {
			return nil, eris.Wrap(err, "geo: scan facility row")
		}
		if err := sc.finish(); err != nil {
			return nil, eris.Wrap(err, "geo: list facilities")
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "geo: iterate facility rows")
	}
	return out, nil
}

// CountFacilities implements Store.
func (s *PostgresStore) CountFacilities(ctx context.Context) (int, error) {
	var n int
	sql := fmt.Sprintf(`SELECT count(*) FROM %s`, db.SanitizeTable(s.variant.Table))
	if err := s.pool.QueryRow(ctx, sql).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "geo: count facilities")
	}
	return n, nil
}

// facilityScan collects one row in selectCols order.
type facilityScan struct {
	f    *facility.Facility
	typ  string
	geom []byte
	dest []any
}

func (s *PostgresStore) newScan(f *facility.Facility) *facilityScan {
	sc := &facilityScan{f: f}
	sc.dest = []any{&f.Name, &f.City}
	if s.variant.MultiType {
		sc.dest = append(sc.dest, &sc.typ)
	}
	sc.dest = append(sc.dest,
		&f.Address, &f.Postcode, &f.Phone, &f.Website, &f.Operator, &f.Emergency, &f.Capacity, &f.Source,
		&sc.geom,
	)
	return sc
}

func (sc *facilityScan) finish() error {
	sc.f.Type = facility.Type(sc.typ)
	loc, err := facility.DecodePoint(sc.geom)
	if err != nil {
		return err
	}
	sc.f.Location = loc
	return nil
}

// Migrate implements Store.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.pool)
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "geo: ping")
}

// Version implements Store.
func (s *PostgresStore) Version(ctx context.Context) (string, error) {
	return db.ServerVersion(ctx, s.pool)
}

// Close implements Store.
func (s *PostgresStore) Close() {
	if s.closeFn != nil {
		s.closeFn()
	}
}

// StartRun implements RunLog.
func (s *PostgresStore) StartRun(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_log (id, variant, status, started_at) VALUES ($1, $2, 'running', now())`,
		id, s.variant.Name,
	)
	return eris.Wrapf(err, "synclog: start run %s", id)
}

// CompleteRun implements RunLog.
func (s *PostgresStore) CompleteRun(ctx context.Context, id string, st RunStats) error {
	return s.finishRun(ctx, id, RunComplete, st, nil)
}

// FailRun implements RunLog.
func (s *PostgresStore) FailRun(ctx context.Context, id string, st RunStats, msg string) error {
	return s.finishRun(ctx, id, RunFailed, st, &msg)
}

func (s *PostgresStore) finishRun(ctx context.Context, id string, status RunStatus, st RunStats, msg *string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_log
		 SET status = $1, completed_at = now(), mirror = $2, fetched = $3, normalized = $4,
		     skipped = $5, rejected = $6, inserted = $7, updated = $8, failed = $9, error = $10
		 WHERE id = $11`,
		string(status), st.Mirror, st.Fetched, st.Normalized,
		st.Skipped, st.Rejected, st.Inserted, st.Updated, st.Failed, msg, id,
	)
	return eris.Wrapf(err, "synclog: finish run %s", id)
}

// LastSuccessfulRun implements RunLog.
func (s *PostgresStore) LastSuccessfulRun(ctx context.Context) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT started_at FROM sync_log
		 WHERE variant = $1 AND status = 'complete'
		 ORDER BY started_at DESC LIMIT 1`,
		s.variant.Name,
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "synclog: last success")
	}
	return &t, nil
}

// ListRuns implements RunLog.
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, variant, status, started_at, completed_at, mirror, fetched, normalized,
		        skipped, rejected, inserted, updated, failed, error
		 FROM sync_log WHERE variant = $1 ORDER BY started_at DESC LIMIT $2`,
		s.variant.Name, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "synclog: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var status string
		var errStr *string
		if err := rows.Scan(&r.ID, &r.Variant, &status, &r.StartedAt, &r.CompletedAt, &r.Stats.Mirror,
			&r.Stats.Fetched, &r.Stats.Normalized, &r.Stats.Skipped, &r.Stats.Rejected,
			&r.Stats.Inserted, &r.Stats.Updated, &r.Stats.Failed, &errStr); err != nil {
			return nil, eris.Wrap(err, "synclog: scan run")
		}
		r.Status = RunStatus(status)
		if errStr != nil {
			r.Error = *errStr
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
