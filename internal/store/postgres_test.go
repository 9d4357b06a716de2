//go:build integration

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := New(ctx, dsn, testOptions())
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.RunMigrations(ctx))
	_, err = s.pool.Exec(ctx, `TRUNCATE jobs, report_runs, connectors CASCADE`)
	require.NoError(t, err)
	return s
}

func TestPostgres_QueueContract(t *testing.T) {
	runQueueContract(t, newTestStore(t))
}

func TestPostgres_RecordsContract(t *testing.T) {
	runRecordsContract(t, newTestStore(t))
}
