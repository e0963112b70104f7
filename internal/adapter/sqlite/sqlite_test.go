package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/grid-met-etl/internal/pipeline"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCheckpoints(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, ok, err := db.Load(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	require.NoError(t, db.Save(ctx, pipeline.Checkpoint{JobID: "job-1", RunID: "run-a", LastStep: at, UpdatedAt: at}))
	require.NoError(t, db.Save(ctx, pipeline.Checkpoint{JobID: "job-1", RunID: "run-b", LastStep: at.Add(6 * time.Hour), Cutoff: at.Add(6 * time.Hour), UpdatedAt: at.Add(time.Hour)}))

	cp, ok, err := db.Load(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-b", cp.RunID)
	assert.True(t, cp.LastStep.Equal(at.Add(6*time.Hour)))
	assert.True(t, cp.Cutoff.Equal(at.Add(6*time.Hour)))

	require.NoError(t, db.Reset(ctx, "job-1"))
	_, ok, err = db.Load(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckpoints_ZeroCutoff(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	at := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	require.NoError(t, db.Save(ctx, pipeline.Checkpoint{JobID: "j", RunID: "r", LastStep: at, UpdatedAt: at}))

	cp, ok, err := db.Load(ctx, "j")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cp.Cutoff.IsZero())
}

func TestManifests(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, status := range []string{pipeline.StatusOK, pipeline.StatusFailed} {
		m := &pipeline.Manifest{
			JobID:    "job-1",
			RunID:    []string{"run-a", "run-b"}[i],
			Started:  start.Add(time.Duration(i) * time.Hour),
			Finished: start.Add(time.Duration(i)*time.Hour + time.Minute),
			Steps:    []pipeline.StepResult{{Index: 0, Time: start, Status: status}, {Index: 1, Time: start.Add(time.Hour), Status: pipeline.StatusOK}},
			Records:  []string{"/A/B/C/"},
		}
		require.NoError(t, db.RecordManifest(ctx, m))
	}

	got, err := db.Manifests(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "run-b", got[0].RunID)
	assert.Equal(t, "partial", got[0].Outcome())
	assert.Equal(t, "ok", got[1].Outcome())
	assert.Equal(t, []string{"/A/B/C/"}, got[1].Records)

	n, err := db.Prune(ctx, start.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	got, err = db.Manifests(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "run-b", got[0].RunID)
}

func TestDB_ImplementsPipelineInterfaces(t *testing.T) {
	db := openTestDB(t)
	var _ pipeline.CheckpointStore = db
	var _ pipeline.ManifestRecorder = db
	require.NoError(t, db.Ping(context.Background()))
}
