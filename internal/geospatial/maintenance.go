package geospatial

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cityaccess/cityaccess/internal/db"
)

// TableStats holds size and row count information for a facility table.
type TableStats struct {
	TableName  string `json:"table_name" yaml:"table_name"`
	RowCount   int64  `json:"row_count" yaml:"row_count"`
	TotalSize  string `json:"total_size" yaml:"total_size"`
	IndexSize  string `json:"index_size" yaml:"index_size"`
	HasSpatial bool   `json:"has_spatial" yaml:"has_spatial"`
}

// Maintainer is implemented by stores that can refresh planner statistics
// after a bulk write.
type Maintainer interface {
	Analyze(ctx context.Context) error
	// Vacuum reclaims space left by updated rows. It may block writers.
	Vacuum(ctx context.Context) error
	TableStats(ctx context.Context) ([]TableStats, error)
}

// managedTables lists the tables maintenance commands operate on.
var managedTables = []string{"health_facilities", "hospitals", "sync_log"}

// VacuumAnalyze runs VACUUM ANALYZE on tables to update planner statistics
// and reclaim dead tuple space left by upsert updates.
func VacuumAnalyze(ctx context.Context, pool db.Pool, tables ...string) error {
	if len(tables) == 0 {
		tables = managedTables
	}
	for _, table := range tables {
		sql := fmt.Sprintf("VACUUM ANALYZE %s", db.SanitizeTable(table))
		zap.L().Info("geo: vacuum analyze", zap.String("table", table))
		if _, err := pool.Exec(ctx, sql); err != nil {
			return eris.Wrapf(err, "geo: vacuum analyze %s", table)
		}
	}
	return nil
}

// GetTableStats returns size and row count statistics for the facility
// tables that exist in the current database.
func GetTableStats(ctx context.Context, pool db.Pool) ([]TableStats, error) {
	sql := `
		SELECT
			relname AS table_name,
			n_live_tup AS row_count,
			pg_size_pretty(pg_total_relation_size(relid)) AS total_size,
			pg_size_pretty(pg_indexes_size(relid)) AS index_size,
			EXISTS (
				SELECT 1 FROM pg_indexes
				WHERE schemaname = s.schemaname AND tablename = s.relname
				AND indexdef LIKE '%USING gist%'
			) AS has_spatial
		FROM pg_stat_user_tables s
		WHERE relname = ANY($1)
		ORDER BY pg_total_relation_size(relid) DESC
	`
	rows, err := pool.Query(ctx, sql, managedTables)
	if err != nil {
		return nil, eris.Wrap(err, "geo: query table stats")
	}
	defer rows.Close()

	var stats []TableStats
	for rows.Next() {
		var s TableStats
		if err := rows.Scan(&s.TableName, &s.RowCount, &s.TotalSize, &s.IndexSize, &s.HasSpatial); err != nil {
			return nil, eris.Wrap(err, "geo: scan table stats row")
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "geo: iterate table stats rows")
	}
	return stats, nil
}

// Analyze implements Maintainer for the variant's table. Plain ANALYZE is
// enough after an ingestion run and does not block readers.
func (s *PostgresStore) Analyze(ctx context.Context) error {
	table := db.SanitizeTable(s.variant.Table)
	if _, err := s.pool.Exec(ctx, "ANALYZE "+table); err != nil {
		return eris.Wrapf(err, "geo: analyze %s", s.variant.Table)
	}
	return nil
}

// Vacuum implements Maintainer.
func (s *PostgresStore) Vacuum(ctx context.Context) error {
	return VacuumAnalyze(ctx, s.pool, s.variant.Table, "sync_log")
}

// TableStats implements Maintainer.
func (s *PostgresStore) TableStats(ctx context.Context) ([]TableStats, error) {
	return GetTableStats(ctx, s.pool)
}

// Analyze implements Maintainer.
func (s *SQLiteStore) Analyze(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "ANALYZE "+s.variant.Table)
	return eris.Wrapf(err, "sqlite: analyze %s", s.variant.Table)
}

// Vacuum implements Maintainer.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return eris.Wrap(err, "sqlite: vacuum")
}

// TableStats implements Maintainer. SQLite reports row counts only.
func (s *SQLiteStore) TableStats(ctx context.Context) ([]TableStats, error) {
	var stats []TableStats
	for _, table := range []string{s.variant.Table, "sync_log"} {
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM "+table).Scan(&n); err != nil {
			return nil, eris.Wrapf(err, "sqlite: count %s", table)
		}
		stats = append(stats, TableStats{TableName: table, RowCount: n})
	}
	return stats, nil
}
