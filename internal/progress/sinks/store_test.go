package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/aardwiki/internal/progress"
	"github.com/JakeFAU/aardwiki/internal/store"
	"github.com/JakeFAU/aardwiki/internal/wiki"
)

// TestStoreSinkCollapsesCounters ensures only the newest snapshot per run is persisted.
func TestStoreSinkCollapsesCounters(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now()

	batch := []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: now, Lang: "en"},
		{
			RunID: runID, Stage: progress.StageArticleDone, TS: now.Add(time.Second),
			Title: "A", Kind: wiki.KindArticle, Counters: progress.Counters{Processed: 1},
		},
		{
			RunID: runID, Stage: progress.StageArticleError, TS: now.Add(2 * time.Second),
			Title: "B", Counters: progress.Counters{Processed: 1, Errors: 1},
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []uuid.UUID{runUUID}, repo.starts)
	require.Equal(t, "en", repo.lang)
	require.Len(t, repo.updates, 1)
	require.Equal(t, store.Counters{Processed: 1, Errors: 1}, repo.updates[0])
	require.Empty(t, repo.completes)
}

// TestStoreSinkCompletesRun maps terminal stages to run statuses.
func TestStoreSinkCompletesRun(t *testing.T) {
	t.Parallel()

	cases := map[progress.Stage]store.RunStatus{
		progress.StageRunDone:     store.RunSuccess,
		progress.StageRunError:    store.RunError,
		progress.StageRunCanceled: store.RunCanceled,
	}
	for stage, want := range cases {
		repo := &fakeRunRepo{}
		sink := NewStoreSink(repo, nil)
		runID := progress.UUIDToBytes(uuid.New())
		now := time.Now()
		require.NoError(t, sink.Consume(context.Background(), []progress.Event{
			{RunID: runID, Stage: progress.StageArticleDone, TS: now, Title: "A", Counters: progress.Counters{Processed: 1}},
			{RunID: runID, Stage: stage, TS: now, Note: "boom", Counters: progress.Counters{Processed: 2, Resets: 1}},
		}))
		require.Empty(t, repo.updates, stage)
		require.Len(t, repo.completes, 1, stage)
		require.Equal(t, want, repo.statuses[0], stage)
		require.Equal(t, "boom", repo.notes[0], stage)
		require.Equal(t, int64(1), repo.final.Resets, stage)
	}
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	runID := progress.UUIDToBytes(uuid.New())
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: time.Now()},
	})
	require.Error(t, err)

	require.NoError(t, (*StoreSink)(nil).Consume(context.Background(), nil))
}

type fakeRunRepo struct {
	fail      bool
	lang      string
	starts    []uuid.UUID
	updates   []store.Counters
	completes []uuid.UUID
	statuses  []store.RunStatus
	notes     []string
	final     store.Counters
}

func (f *fakeRunRepo) StartRun(_ context.Context, runID uuid.UUID, lang string, _ time.Time) error {
	if f.fail {
		return assertErr("start")
	}
	f.lang = lang
	f.starts = append(f.starts, runID)
	return nil
}

func (f *fakeRunRepo) UpdateCounters(_ context.Context, _ uuid.UUID, counters store.Counters, _ time.Time) error {
	if f.fail {
		return assertErr("update")
	}
	f.updates = append(f.updates, counters)
	return nil
}

func (f *fakeRunRepo) CompleteRun(
	_ context.Context,
	runID uuid.UUID,
	_ time.Time,
	status store.RunStatus,
	counters store.Counters,
	errMsg *string,
) error {
	if f.fail {
		return assertErr("complete")
	}
	f.completes = append(f.completes, runID)
	f.statuses = append(f.statuses, status)
	f.final = counters
	if errMsg != nil {
		f.notes = append(f.notes, *errMsg)
	}
	return nil
}

func (f *fakeRunRepo) GetRun(context.Context, uuid.UUID) (store.Run, error) {
	return store.Run{}, assertErr("read")
}

func (f *fakeRunRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.Run, error) {
	return nil, assertErr("list")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
