package perfdb_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/denovo/internal/perfdb"
	"github.com/stretchr/testify/require"
)

func TestPerfDB(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "nested", "perf.db")

	db, err := perfdb.Open(ctx, path)
	require.NoError(t, err)

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, db.BeginRun(ctx, perfdb.Run{ID: "r1", Name: "human", StartedAt: start}))
	require.NoError(t, db.BeginRun(ctx, perfdb.Run{ID: "r2", Name: "human", StartedAt: start.Add(time.Hour)}))
	require.Error(t, db.BeginRun(ctx, perfdb.Run{ID: "r1", Name: "dup", StartedAt: start}))

	require.NoError(t, db.InsertJobs(ctx, "r1", "pairwise", []perfdb.Row{
		{Seq: 1, Name: "pairwise 1 of 2", Tag: "pairwise1of2", Threads: 4, RunSeconds: 10, CPUSeconds: 35, CPUPercent: 350, Host: "n1", StdoutComplete: true, ResultFound: true},
		{Seq: 2, Name: "pairwise 2 of 2", Tag: "pairwise2of2", Threads: 4, RunSeconds: 12, CPUSeconds: 40, CPUPercent: 333, Host: "n2", ExitCode: 1, Restarts: 0},
	}))
	require.NoError(t, db.InsertJobs(ctx, "r1", "assembly", []perfdb.Row{
		{Seq: 1, Name: "assembly", Tag: "assembly", Threads: 1, RunSeconds: 3, CPUSeconds: 3, StdoutComplete: true},
	}))
	require.NoError(t, db.InsertJobs(ctx, "r1", "empty", nil))

	// a stage imported again replaces its records
	require.NoError(t, db.InsertJobs(ctx, "r1", "pairwise", []perfdb.Row{
		{Seq: 2, Name: "pairwise 2 of 2", Tag: "pairwise2of2", Threads: 4, RunSeconds: 11, CPUSeconds: 38, StdoutComplete: true},
	}))

	summaries, err := db.StageSummaries(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, []perfdb.StageSummary{
		{Stage: "pairwise", Jobs: 2, Failed: 0, RunSeconds: 21, MaxRunSeconds: 11, CPUSeconds: 73},
		{Stage: "assembly", Jobs: 1, Failed: 0, RunSeconds: 3, MaxRunSeconds: 3, CPUSeconds: 3},
	}, summaries)

	empty, err := db.StageSummaries(ctx, "r2")
	require.NoError(t, err)
	require.Empty(t, empty)

	require.NoError(t, db.FinishRun(ctx, "r1", "success", start.Add(30*time.Minute)))
	require.ErrorIs(t, db.FinishRun(ctx, "missing", "success", start), perfdb.ErrNotFound)

	runs, err := db.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "r2", runs[0].ID)
	require.True(t, runs[0].FinishedAt.IsZero())
	require.Equal(t, "r1", runs[1].ID)
	require.Equal(t, "success", runs[1].Outcome)
	require.True(t, start.Add(30*time.Minute).Equal(runs[1].FinishedAt))

	latest, err := db.LatestRun(ctx)
	require.NoError(t, err)
	require.Equal(t, "r2", latest.ID)
	require.NoError(t, db.Close())

	// reopen keeps the data and migrates idempotently
	db, err = perfdb.Open(ctx, path)
	require.NoError(t, err)
	runs, err = db.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.NoError(t, db.Close())
}

func TestMemory(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db, err := perfdb.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.LatestRun(ctx)
	require.ErrorIs(t, err, perfdb.ErrNotFound)

	_, err = perfdb.Open(ctx, " ")
	require.Error(t, err)
}
