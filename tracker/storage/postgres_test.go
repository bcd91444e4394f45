package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping PostgreSQL container test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("benchhist_test"),
		postgres.WithUsername("benchhist"),
		postgres.WithPassword("benchhist"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Docker not available for PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	backend, err := OpenSQLBackend(ctx, SQLOptions{Dialect: DialectPostgres, DSN: dsn, MaxOpenConns: 4}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	// Migrations must be idempotent across restarts
	require.NoError(t, RunMigrations(ctx, backend.db, DialectPostgres, testLogger()))

	suite.Run(t, &StoreContractSuite{newBackend: func(t *testing.T) Backend {
		_, err := backend.db.ExecContext(ctx, `DELETE FROM benchmark_histories`)
		require.NoError(t, err)
		return backend
	}})
}
