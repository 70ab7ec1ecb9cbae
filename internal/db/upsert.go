package db

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a single-row upsert statement.
type UpsertConfig struct {
	Table        string   // target table (e.g., "public.health_facilities")
	Columns      []string // all columns being inserted, in placeholder order
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns

	// ValueExprs wraps the placeholder of a column in an SQL expression,
	// e.g. "geom": "ST_GeomFromEWKB(%s)".
	ValueExprs map[string]string
	// TouchColumn, when set, is assigned now() on conflict.
	TouchColumn string
	// Returning is appended verbatim as a RETURNING clause.
	Returning string
	// SkipUnchanged leaves a conflicting row alone when every update column
	// already holds the incoming value. Such a row returns nothing.
	SkipUnchanged bool
}

// BuildUpsert renders INSERT ... VALUES ... ON CONFLICT (keys) DO UPDATE SET
// for one row. Conflict keys are never part of the update list.
func BuildUpsert(cfg UpsertConfig) (string, error) {
	if cfg.Table == "" {
		return "", eris.New("db: upsert: no table specified")
	}
	if len(cfg.Columns) == 0 {
		return "", eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return "", eris.New("db: upsert: no conflict keys specified")
	}

	conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
	for _, k := range cfg.ConflictKeys {
		conflictSet[k] = true
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		for _, c := range cfg.Columns {
			if !conflictSet[c] {
				updateCols = append(updateCols, c)
			}
		}
	}
	for _, c := range updateCols {
		if conflictSet[c] {
			return "", eris.Errorf("db: upsert: conflict key %q cannot be updated", c)
		}
	}
	if len(updateCols) == 0 && cfg.TouchColumn == "" {
		return "", eris.New("db: upsert: nothing to update on conflict")
	}

	values := make([]string, len(cfg.Columns))
	for i, c := range cfg.Columns {
		ph := fmt.Sprintf("$%d", i+1)
		if expr, ok := cfg.ValueExprs[c]; ok {
			ph = fmt.Sprintf(expr, ph)
		}
		values[i] = ph
	}

	setClauses := make([]string, 0, len(updateCols)+1)
	for _, col := range updateCols {
		id := pgx.Identifier{col}.Sanitize()
		setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", id, id))
	}
	if cfg.TouchColumn != "" {
		setClauses = append(setClauses, fmt.Sprintf("%s = now()", pgx.Identifier{cfg.TouchColumn}.Sanitize()))
	}

	target := sanitizeTable(cfg.Table)
	if cfg.SkipUnchanged {
		target += " AS t"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		target,
		quoteAndJoin(cfg.Columns),
		strings.Join(values, ", "),
		quoteAndJoin(cfg.ConflictKeys),
		strings.Join(setClauses, ", "),
	)
	if cfg.SkipUnchanged && len(updateCols) > 0 {
		current := make([]string, len(updateCols))
		incoming := make([]string, len(updateCols))
		for i, col := range updateCols {
			id := pgx.Identifier{col}.Sanitize()
			current[i] = "t." + id
			incoming[i] = "EXCLUDED." + id
		}
		fmt.Fprintf(&b, " WHERE (%s) IS DISTINCT FROM (%s)",
			strings.Join(current, ", "), strings.Join(incoming, ", "))
	}
	if cfg.Returning != "" {
		b.WriteString(" RETURNING ")
		b.WriteString(cfg.Returning)
	}
	return b.String(), nil
}

// SanitizeTable quotes a possibly schema-qualified table name.
func SanitizeTable(table string) string {
	return sanitizeTable(table)
}

// sanitizeTable handles schema-qualified table names like "public.hospitals".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
