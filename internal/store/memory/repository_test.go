package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-rag-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-rag-ingest/internal/store"
)

func TestRepositoryRunLifecycle(t *testing.T) {
	t.Parallel()

	repo := NewRepository()
	ctx := context.Background()
	started := time.Unix(1700000000, 0).UTC()

	require.NoError(t, repo.CreateRun(ctx, store.IngestionRun{
		ID:           "run-1",
		SessionID:    "sess-1",
		State:        store.RunRunning,
		TotalSources: 2,
		StartedAt:    started,
	}))

	run, err := repo.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, run.State)

	require.NoError(t, repo.CompleteRun(ctx, "run-1", store.Outcome{
		State:      store.RunCompleted,
		Stats:      ingest.JobStats{TotalSources: 2, Succeeded: 2},
		FinishedAt: started.Add(time.Minute),
	}))

	run, err = repo.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, run.State)
	require.Equal(t, 2, run.Succeeded)
	require.Equal(t, started.Add(time.Minute), run.FinishedAt)
}

func TestRepositoryNotFound(t *testing.T) {
	t.Parallel()

	repo := NewRepository()
	ctx := context.Background()

	_, err := repo.GetRun(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, repo.CompleteRun(ctx, "missing", store.Outcome{}), store.ErrNotFound)
}

func TestRepositoryListSessionRunsNewestFirst(t *testing.T) {
	t.Parallel()

	repo := NewRepository()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		require.NoError(t, repo.CreateRun(ctx, store.IngestionRun{
			ID:        id,
			SessionID: "sess-1",
			State:     store.RunRunning,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, repo.CreateRun(ctx, store.IngestionRun{
		ID:        "other",
		SessionID: "sess-2",
		State:     store.RunRunning,
		StartedAt: base,
	}))

	runs, err := repo.ListSessionRuns(ctx, "sess-1", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "run-c", runs[0].ID)
	require.Equal(t, "run-b", runs[1].ID)
}

func TestRepositorySourceRecordsOrdered(t *testing.T) {
	t.Parallel()

	repo := NewRepository()
	ctx := context.Background()

	for _, pos := range []int{1, 0, 2} {
		require.NoError(t, repo.AddSourceRecord(ctx, store.SourceRecord{
			RunID:      "run-1",
			Position:   pos,
			SourceType: ingest.SourceWeb,
			Status:     store.SourceSucceeded,
		}))
	}

	records, err := repo.ListSourceRecords(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, rec := range records {
		require.Equal(t, i, rec.Position)
	}
}
