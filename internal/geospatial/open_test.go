package geospatial

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cityaccess/cityaccess/internal/facility"
)

func TestOpen_SQLite(t *testing.T) {
	st, err := Open(context.Background(), Options{
		Driver:  "sqlite",
		DSN:     filepath.Join(t.TempDir(), "open.db"),
		Variant: facility.Hospitals,
	})
	require.NoError(t, err)
	defer st.Close()

	assert.Equal(t, facility.Hospitals.Name, st.Variant().Name)
	require.NoError(t, st.Migrate(context.Background()))
	assert.NoError(t, st.Ping(context.Background()))
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, Options{Driver: "sqlite"})
	assert.Error(t, err)

	_, err = Open(ctx, Options{Driver: "postgres"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no database_url")

	_, err = Open(ctx, Options{Driver: "oracle", DSN: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store driver")
}
