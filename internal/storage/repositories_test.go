package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *RunRepository {
	t.Helper()
	ctx := context.Background()

	db, err := Open(ctx, DriverSQLite, filepath.Join(t.TempDir(), "runs.db"), PoolOptions{MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(ctx, db, DriverSQLite))
	return NewRunRepository(db)
}

func TestMigrate_Idempotent(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, DriverSQLite, ":memory:", PoolOptions{MaxOpenConns: 1})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(ctx, db, DriverSQLite))
	require.NoError(t, Migrate(ctx, db, DriverSQLite))

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestListMigrations_PrefersSQLiteVariant(t *testing.T) {
	sqlite, err := listMigrations(DriverSQLite)
	require.NoError(t, err)
	require.Len(t, sqlite, 1)
	assert.Equal(t, "0001_pipeline_runs_sqlite.sql", sqlite[0].file)

	pg, err := listMigrations(DriverPostgres)
	require.NoError(t, err)
	require.Len(t, pg, 1)
	assert.Equal(t, "0001_pipeline_runs.sql", pg[0].file)
	assert.Equal(t, sqlite[0].version, pg[0].version)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn", PoolOptions{})
	assert.Error(t, err)
}

func TestRunRepository_InsertAndGet(t *testing.T) {
	repo := openTestDB(t)
	ctx := context.Background()

	run := &RunRecord{
		SessionID:   "session-1",
		Filename:    "exam.pdf",
		UserID:      "user-1",
		Status:      RunStatusFailed,
		FailedStage: "filter",
		Error:       "filter exited with status 1: disk full",
		StartedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Duration:    1500 * time.Millisecond,
	}
	require.NoError(t, repo.Insert(ctx, run))
	require.NotEqual(t, uuid.Nil, run.ID)

	got, err := repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "session-1", got.SessionID)
	assert.Equal(t, RunStatusFailed, got.Status)
	assert.Equal(t, "filter", got.FailedStage)
	assert.Equal(t, 1500*time.Millisecond, got.Duration)
	assert.True(t, run.StartedAt.Equal(got.StartedAt))

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunRepository_ListRecent(t *testing.T) {
	repo := openTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Insert(ctx, &RunRecord{
			SessionID: "s",
			Status:    RunStatusSucceeded,
			ItemCount: i,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, repo.Insert(ctx, &RunRecord{
		SessionID: "other",
		Status:    RunStatusRejected,
		StartedAt: base.Add(-time.Hour),
	}))

	runs, err := repo.ListRecent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, 4, runs[0].ItemCount)
	assert.Equal(t, 3, runs[1].ItemCount)
	assert.Equal(t, 2, runs[2].ItemCount)

	bySession, err := repo.ListBySession(ctx, "other")
	require.NoError(t, err)
	require.Len(t, bySession, 1)
	assert.Equal(t, RunStatusRejected, bySession[0].Status)
}
