package db

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_EmptyDSN(t *testing.T) {
	_, err := Open(context.Background(), "", PoolConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no database_url")
}

func TestOpen_BadDSN(t *testing.T) {
	_, err := Open(context.Background(), "postgres://%zz", PoolConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestServerVersion(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT version").
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow("PostgreSQL 16.2"))

	v, err := ServerVersion(context.Background(), mock)
	require.NoError(t, err)
	assert.Equal(t, "PostgreSQL 16.2", v)
	require.NoError(t, mock.ExpectationsWereMet())
}
