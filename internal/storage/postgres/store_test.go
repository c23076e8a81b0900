package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/lernpfad/internal/content"
	"github.com/kalambet/lernpfad/internal/storage"
)

// openTestStore connects to LERNPFAD_TEST_POSTGRES_DSN and empties the tables.
// Tests are skipped when the variable is unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("LERNPFAD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LERNPFAD_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, `TRUNCATE jobs, tasks`)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	j, err := s.CreateJob(ctx, storage.NewJob{Title: "Photosynthesis", SourceText: "text", Mode: content.ModeDiscovery})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, j.Status)

	research := json.RawMessage(`{"summary":"s","key_facts":["f"]}`)
	_, err = s.UpdateJob(ctx, j.ID, storage.JobUpdate{Status: storage.Ptr(storage.StatusGenerating), Progress: storage.Ptr(50), Research: research})
	require.NoError(t, err)
	_, err = s.UpdateJob(ctx, j.ID, storage.JobUpdate{Progress: storage.Ptr(20)})
	require.NoError(t, err)
	_, err = s.UpdateJob(ctx, j.ID, storage.JobUpdate{Status: storage.Ptr(storage.StatusFailed), Error: storage.Ptr("boom")})
	require.NoError(t, err)

	got, err := s.GetJobBySlug(ctx, j.PublicSlug)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Equal(t, 50, got.Progress)
	assert.JSONEq(t, string(research), string(got.Research))
	assert.Equal(t, "boom", got.Error)
	require.NotNil(t, got.FinishedAt)

	_, err = s.UpdateJob(ctx, j.ID, storage.JobUpdate{Step: storage.Ptr("late")})
	assert.ErrorIs(t, err, storage.ErrTerminal)
}

func TestGetJob_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetJob(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetJobBySlug(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSlugCollisionRetried(t *testing.T) {
	s := openTestStore(t)
	calls := 0
	s.newSlug = func() string {
		calls++
		if calls <= 2 {
			return "dup"
		}
		return "unique"
	}
	ctx := context.Background()
	a, err := s.CreateJob(ctx, storage.NewJob{Title: "a", SourceText: "x"})
	require.NoError(t, err)
	b, err := s.CreateJob(ctx, storage.NewJob{Title: "b", SourceText: "x"})
	require.NoError(t, err)
	assert.Equal(t, "dup", a.PublicSlug)
	assert.Equal(t, "unique", b.PublicSlug)
}

func TestTaskQueue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueueTask(ctx, storage.Task{ID: "t1", Type: "workflow", JobID: "j1"}))
	queued, err := s.EnqueueTaskIfIdle(ctx, storage.Task{ID: "t2", Type: "generate", JobID: "j1"})
	require.NoError(t, err)
	assert.False(t, queued)

	task, err := s.ClaimNextTask(ctx, []string{"workflow"})
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "running", task.Status)

	again, err := s.ClaimNextTask(ctx, []string{"workflow"})
	require.NoError(t, err)
	assert.Nil(t, again)

	require.NoError(t, s.FailTask(ctx, "t1", "boom"))
	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, "boom", got.LastError)
}
