package geospatial

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/cityaccess/cityaccess/internal/db"
	"github.com/cityaccess/cityaccess/internal/facility"
)

// Options selects and configures a store backend.
type Options struct {
	Driver  string // postgres or sqlite
	DSN     string
	Variant facility.Variant
	Pool    db.PoolConfig
}

// Open constructs the configured store. The caller owns the result and must
// Close it.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", "postgres":
		pool, err := db.Open(ctx, opts.DSN, opts.Pool)
		if err != nil {
			return nil, err
		}
		st, err := NewPostgresStore(pool, opts.Variant, pool.Close)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return st, nil
	case "sqlite":
		if opts.DSN == "" {
			return nil, eris.New("geo: sqlite store needs a database path")
		}
		return NewSQLiteStore(opts.DSN, opts.Variant)
	default:
		return nil, eris.Errorf("geo: unknown store driver %q", opts.Driver)
	}
}
