package geospatial

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/cityaccess/cityaccess/internal/facility"
	"github.com/cityaccess/cityaccess/internal/geodesy"
)

// SQLiteStore implements Store on an embedded SQLite file. SQLite has no
// geography type, so Nearest prefilters on a lon/lat bounding box and
// applies the exact ellipsoidal distance in Go.
type SQLiteStore struct {
	db      *sql.DB
	variant facility.Variant
}

// NewSQLiteStore opens a SQLite database at dsn and configures WAL mode.
func NewSQLiteStore(dsn string, variant facility.Variant) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, variant: variant}, nil
}

// city_key mirrors city with NULL folded to '' so the unique constraint
// treats missing cities as equal, like NULLS NOT DISTINCT in Postgres.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS health_facilities (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT NOT NULL,
	city          TEXT,
	city_key      TEXT NOT NULL DEFAULT '',
	facility_type TEXT NOT NULL,
	address       TEXT NOT NULL DEFAULT '',
	postcode      TEXT,
	phone         TEXT,
	website       TEXT,
	operator      TEXT,
	emergency     TEXT,
	capacity      INTEGER,
	source        TEXT NOT NULL DEFAULT 'OSM',
	geom          BLOB NOT NULL,
	lon           REAL NOT NULL,
	lat           REAL NOT NULL,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL,
	UNIQUE (name, city_key, facility_type)
);

CREATE TABLE IF NOT EXISTS hospitals (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	city       TEXT,
	city_key   TEXT NOT NULL DEFAULT '',
	address    TEXT NOT NULL DEFAULT '',
	postcode   TEXT,
	phone      TEXT,
	website    TEXT,
	operator   TEXT,
	emergency  TEXT,
	capacity   INTEGER,
	source     TEXT NOT NULL DEFAULT 'OSM',
	geom       BLOB NOT NULL,
	lon        REAL NOT NULL,
	lat        REAL NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (name, city_key)
);

CREATE TABLE IF NOT EXISTS sync_log (
	id           TEXT PRIMARY KEY,
	variant      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   DATETIME NOT NULL,
	completed_at DATETIME,
	mirror       TEXT NOT NULL DEFAULT '',
	fetched      INTEGER NOT NULL DEFAULT 0,
	normalized   INTEGER NOT NULL DEFAULT 0,
	skipped      INTEGER NOT NULL DEFAULT 0,
	rejected     INTEGER NOT NULL DEFAULT 0,
	inserted     INTEGER NOT NULL DEFAULT 0,
	updated      INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_health_facilities_lonlat ON health_facilities(lon, lat);
CREATE INDEX IF NOT EXISTS idx_health_facilities_name ON health_facilities(name);
CREATE INDEX IF NOT EXISTS idx_hospitals_lonlat ON hospitals(lon, lat);
CREATE INDEX IF NOT EXISTS idx_hospitals_name ON hospitals(name);
CREATE INDEX IF NOT EXISTS idx_sync_log_variant_started ON sync_log(variant, started_at);
`

// Migrate implements Store.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Version implements Store.
func (s *SQLiteStore) Version(ctx context.Context) (string, error) {
	var v string
	if err := s.db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&v); err != nil {
		return "", eris.Wrap(err, "sqlite: version")
	}
	return "SQLite " + v, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() {
	_ = s.db.Close()
}

// Variant implements Store.
func (s *SQLiteStore) Variant() facility.Variant { return s.variant }

// mutation is the resolved write for one record: insert a new row, or
// update the mutable fields of row id.
type mutation struct {
	insert bool
	id     int64
}

// UpsertFacility implements Store. The key lookup and the write run in one
// transaction.
func (s *SQLiteStore) UpsertFacility(ctx context.Context, f *facility.Facility) (bool, error) {
	geom, err := facility.EncodePoint(f.Location)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: upsert facility")
	}
	key := s.variant.KeyOf(*f)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	m, err := s.resolve(ctx, tx, key)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: resolve %s", key)
	}

	now := time.Now().UTC()
	if m.insert {
		cols := append(s.variant.InsertColumns(), "city_key", "lon", "lat", "created_at", "updated_at")
		args := append(s.variant.Values(*f, geom), key.City, f.Location.Lon, f.Location.Lat, now, now)
		q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			s.variant.Table, strings.Join(cols, ", "), placeholders(len(cols)))
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return false, eris.Wrapf(err, "sqlite: insert %s", key)
		}
	} else {
		mutable := s.variant.MutableColumns()
		sets := make([]string, 0, len(mutable)+3)
		changed := make([]string, 0, len(mutable))
		for _, c := range mutable {
			sets = append(sets, c+" = ?")
			changed = append(changed, c+" IS NOT ?")
		}
		sets = append(sets, "lon = ?", "lat = ?", "updated_at = ?")
		// Identical rows are not rewritten, so updated_at keeps its value.
		q := fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND (%s)",
			s.variant.Table, strings.Join(sets, ", "), strings.Join(changed, " OR "))
		values := []any{f.Address, f.Postcode, f.Phone, f.Website, f.Operator, f.Emergency, f.Capacity, geom}
		args := append(append([]any{}, values...), f.Location.Lon, f.Location.Lat, now, m.id)
		args = append(args, values...)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return false, eris.Wrapf(err, "sqlite: update %s", key)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit")
	}
	return m.insert, nil
}

func (s *SQLiteStore) resolve(ctx context.Context, tx *sql.Tx, key facility.Key) (mutation, error) {
	q := fmt.Sprintf("SELECT id FROM %s WHERE name = ? AND city_key = ?", s.variant.Table)
	args := []any{key.Name, key.City}
	if s.variant.MultiType {
		q += " AND facility_type = ?"
		args = append(args, string(key.Type))
	}

	var id int64
	err := tx.QueryRowContext(ctx, q, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return mutation{insert: true}, nil
	}
	if err != nil {
		return mutation{}, err
	}
	return mutation{id: id}, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *SQLiteStore) selectColumns() string {
	cols := []string{"name", "city", "facility_type", "address", "postcode", "phone", "website", "operator", "emergency", "capacity", "source", "geom"}
	if !s.variant.MultiType {
		cols[2] = "''"
	}
	return strings.Join(cols, ", ")
}

func scanFacility(row interface{ Scan(...any) error }) (facility.Facility, error) {
	var f facility.Facility
	var typ string
	var city, postcode, phone, website, operator, emergency sql.NullString
	var capacity sql.NullInt64
	var geom []byte
	if err := row.Scan(&f.Name, &city, &typ, &f.Address, &postcode, &phone, &website, &operator,
		&emergency, &capacity, &f.Source, &geom); err != nil {
		return f, err
	}
	f.Type = facility.Type(typ)
	f.City = nullable(city)
	f.Postcode = nullable(postcode)
	f.Phone = nullable(phone)
	f.Website = nullable(website)
	f.Operator = nullable(operator)
	f.Emergency = nullable(emergency)
	if capacity.Valid {
		c := int(capacity.Int64)
		f.Capacity = &c
	}
	loc, err := facility.DecodePoint(geom)
	if err != nil {
		return f, err
	}
	f.Location = loc
	return f, nil
}

func nullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// Nearest implements Store. The radius boundary is inclusive.
func (s *SQLiteStore) Nearest(ctx context.Context, q NearestQuery) ([]Nearby, error) {
	if !s.variant.Accepts(q.Type) {
		return []Nearby{}, nil
	}

	minLon, minLat, maxLon, maxLat := geodesy.BoundingBox(q.Center.Lon, q.Center.Lat, q.RadiusMeters)
	sqlText := fmt.Sprintf(`SELECT %s FROM %s WHERE lon BETWEEN ? AND ? AND lat BETWEEN ? AND ?`,
		s.selectColumns(), s.variant.Table)
	args := []any{minLon, maxLon, minLat, maxLat}
	if q.Type != "" && s.variant.MultiType {
		sqlText += " AND facility_type = ?"
		args = append(args, string(q.Type))
	}

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: nearest facilities")
	}
	defer rows.Close() //nolint:errcheck

	out := []Nearby{}
	for rows.Next() {
		f, err := scanFacility(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan nearest row")
		}
		d := geodesy.Distance(q.Center.Lon, q.Center.Lat, f.Location.Lon, f.Location.Lat)
		if d <= q.RadiusMeters {
			out = append(out, Nearby{Facility: f, DistanceMeters: d})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate nearest rows")
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].Facility.Name < out[j].Facility.Name
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// ListFacilities implements Store.
func (s *SQLiteStore) ListFacilities(ctx context.Context) ([]facility.Facility, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s ORDER BY name, id`, s.selectColumns(), s.variant.Table))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list facilities")
	}
	defer rows.Close() //nolint:errcheck

	out := []facility.Facility{}
	for rows.Next() {
		f, err := scanFacility(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan facility row")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate facility rows")
}

// CountFacilities implements Store.
func (s *SQLiteStore) CountFacilities(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.variant.Table)).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count facilities")
}

// StartRun implements RunLog.
func (s *SQLiteStore) StartRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_log (id, variant, status, started_at) VALUES (?, ?, 'running', ?)`,
		id, s.variant.Name, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: start run %s", id)
}

// CompleteRun implements RunLog.
func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, st RunStats) error {
	return s.finishRun(ctx, id, RunComplete, st, nil)
}

// FailRun implements RunLog.
func (s *SQLiteStore) FailRun(ctx context.Context, id string, st RunStats, msg string) error {
	return s.finishRun(ctx, id, RunFailed, st, &msg)
}

func (s *SQLiteStore) finishRun(ctx context.Context, id string, status RunStatus, st RunStats, msg *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_log
		 SET status = ?, completed_at = ?, mirror = ?, fetched = ?, normalized = ?,
		     skipped = ?, rejected = ?, inserted = ?, updated = ?, failed = ?, error = ?
		 WHERE id = ?`,
		string(status), time.Now().UTC(), st.Mirror, st.Fetched, st.Normalized,
		st.Skipped, st.Rejected, st.Inserted, st.Updated, st.Failed, msg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("sqlite: run %s not found", id)
	}
	return nil
}

// LastSuccessfulRun implements RunLog.
func (s *SQLiteStore) LastSuccessfulRun(ctx context.Context) (*time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at FROM sync_log
		 WHERE variant = ? AND status = 'complete'
		 ORDER BY started_at DESC LIMIT 1`,
		s.variant.Name,
	).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: last success")
	}
	return &t, nil
}

// ListRuns implements RunLog.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, variant, status, started_at, completed_at, mirror, fetched, normalized,
		        skipped, rejected, inserted, updated, failed, error
		 FROM sync_log WHERE variant = ? ORDER BY started_at DESC LIMIT ?`,
		s.variant.Name, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []Run
	for rows.Next() {
		var r Run
		var status string
		var completed sql.NullTime
		var errStr sql.NullString
		if err := rows.Scan(&r.ID, &r.Variant, &status, &r.StartedAt, &completed, &r.Stats.Mirror,
			&r.Stats.Fetched, &r.Stats.Normalized, &r.Stats.Skipped, &r.Stats.Rejected,
			&r.Stats.Inserted, &r.Stats.Updated, &r.Stats.Failed, &errStr); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r.Status = RunStatus(status)
		if completed.Valid {
			t := completed.Time
			r.CompletedAt = &t
		}
		r.Error = errStr.String
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}
