package pgstore

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/simplesurance/runledger/internal/store"
	"github.com/simplesurance/runledger/internal/store/storetest"
)

const dbURLEnvVar = "RUNLEDGER_TEST_DATABASE_URL"

const truncateAll = `
TRUNCATE target_links, targets, run_groups, target_groups, runs, project_events, projects
RESTART IDENTITY CASCADE`

func TestStore(t *testing.T) {
	dbURL := os.Getenv(dbURLEnvVar)
	if dbURL == "" {
		t.Skipf("%s environment variable not set", dbURLEnvVar)
	}

	ctx := context.Background()

	pool, err := pgxpool.Connect(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := New(pool)
	require.NoError(t, s.Migrate(ctx))

	storetest.Run(t, func(t *testing.T) store.Store {
		_, err := pool.Exec(ctx, truncateAll)
		require.NoError(t, err)

		return s
	})
}

func TestWrappedErrorNil(t *testing.T) {
	require.NoError(t, wrappedError(nil))
}
