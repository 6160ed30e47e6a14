package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/aardwiki/internal/store"
)

func newMockStore(t *testing.T) (*RunStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewRunStoreWithPool(mock)
	require.NoError(t, err)
	return s, mock
}

func runColumnNames() []string {
	return []string{
		"id", "lang", "started_at", "updated_at", "finished_at", "status",
		"processed", "errors", "timed_out", "skipped", "resets", "error_message",
	}
}

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	ctx := context.Background()
	id := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	counters := store.Counters{Processed: 10, Errors: 2, TimedOut: 1, Skipped: 5, Resets: 1}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS conversion_runs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("INSERT INTO conversion_runs").
		WithArgs(id, "en", started, store.RunRunning).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE conversion_runs").
		WithArgs(int64(10), int64(2), int64(1), int64(5), int64(1), started.Add(time.Minute), id, store.RunRunning).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE conversion_runs").
		WithArgs(started.Add(time.Hour), store.RunSuccess, (*string)(nil),
			int64(10), int64(2), int64(1), int64(5), int64(1), id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.StartRun(ctx, id, "en", started))
	require.NoError(t, s.UpdateCounters(ctx, id, counters, started.Add(time.Minute)))
	require.NoError(t, s.CompleteRun(ctx, id, started.Add(time.Hour), store.RunSuccess, counters, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreCompleteRunValidation(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	ctx := context.Background()
	id := uuid.New()
	now := time.Unix(1700000000, 0).UTC()

	require.Error(t, s.CompleteRun(ctx, id, now, store.RunRunning, store.Counters{}, nil))
	require.Error(t, s.CompleteRun(ctx, id, now, "bogus", store.Counters{}, nil))

	msg := "boom"
	mock.ExpectExec("UPDATE conversion_runs").
		WithArgs(now, store.RunError, &msg, int64(0), int64(0), int64(0), int64(0), int64(0), id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := s.CompleteRun(ctx, id, now, store.RunError, store.Counters{}, &msg)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreGetRun(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	ctx := context.Background()
	id := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Hour)

	mock.ExpectQuery("SELECT (.+) FROM conversion_runs WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(runColumnNames()).AddRow(
			id, "en", started, finished, &finished, "success",
			int64(3), int64(1), int64(0), int64(2), int64(0), (*string)(nil),
		))
	run, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, run.ID)
	require.Equal(t, store.RunSuccess, run.Status)
	require.Equal(t, int64(3), run.Counters.Processed)
	require.Equal(t, int64(2), run.Counters.Skipped)
	require.NotNil(t, run.FinishedAt)

	mock.ExpectQuery("SELECT (.+) FROM conversion_runs WHERE id").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)
	_, err = s.GetRun(ctx, id)
	require.ErrorIs(t, err, store.ErrNotFound)

	mock.ExpectQuery("SELECT (.+) FROM conversion_runs WHERE id").
		WithArgs(id).
		WillReturnError(errors.New("connection reset"))
	_, err = s.GetRun(ctx, id)
	require.Error(t, err)
	require.NotErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreListRuns(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	ctx := context.Background()
	started := time.Unix(1700000000, 0).UTC()
	a, b := uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM conversion_runs").
		WithArgs((*string)(nil), 10, 0).
		WillReturnRows(pgxmock.NewRows(runColumnNames()).
			AddRow(b, "de", started.Add(time.Hour), started.Add(time.Hour), (*time.Time)(nil), "running",
				int64(1), int64(0), int64(0), int64(0), int64(0), (*string)(nil)).
			AddRow(a, "en", started, started, (*time.Time)(nil), "canceled",
				int64(7), int64(0), int64(0), int64(0), int64(2), (*string)(nil)))
	runs, err := s.ListRuns(ctx, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, b, runs[0].ID)
	require.Equal(t, store.RunCanceled, runs[1].Status)

	status := store.RunRunning
	filter := "running"
	mock.ExpectQuery("SELECT (.+) FROM conversion_runs").
		WithArgs(&filter, 5, 5).
		WillReturnRows(pgxmock.NewRows(runColumnNames()))
	runs, err = s.ListRuns(ctx, &status, 5, 5)
	require.NoError(t, err)
	require.Empty(t, runs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRunStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRunStoreWithPool(nil)
	require.Error(t, err)
	_, err = NewRunStore(context.Background(), Config{})
	require.Error(t, err)
	_, err = NewRunStore(context.Background(), Config{DSN: "::not a dsn::"})
	require.Error(t, err)
	(*RunStore)(nil).Close()
}
