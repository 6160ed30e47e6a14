// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/aardwiki/internal/store"
)

// Config controls the Postgres connection pool used for run history.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// RunStore implements store.RunRepository on the conversion_runs table.
type RunStore struct {
	pool Pool
}

var _ store.RunRepository = (*RunStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS conversion_runs (
	id            UUID PRIMARY KEY,
	lang          TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	processed     BIGINT NOT NULL DEFAULT 0,
	errors        BIGINT NOT NULL DEFAULT 0,
	timed_out     BIGINT NOT NULL DEFAULT 0,
	skipped       BIGINT NOT NULL DEFAULT 0,
	resets        BIGINT NOT NULL DEFAULT 0,
	error_message TEXT
);`

const runColumns = `id, lang, started_at, updated_at, finished_at, status,
	processed, errors, timed_out, skipped, resets, error_message`

// NewRunStore connects to Postgres using cfg.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: pool}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(pool Pool) (*RunStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the conversion_runs table when missing.
func (s *RunStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate conversion_runs: %w", err)
	}
	return nil
}

// StartRun inserts the run as running; a repeated start is a no-op.
func (s *RunStore) StartRun(ctx context.Context, runID uuid.UUID, lang string, startedAt time.Time) error {
	query := `
		INSERT INTO conversion_runs (id, lang, started_at, updated_at, status)
		VALUES ($1, $2, $3, $3, $4)
		ON CONFLICT (id) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, runID, lang, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// UpdateCounters overwrites the totals unless a newer snapshot was stored.
func (s *RunStore) UpdateCounters(ctx context.Context, runID uuid.UUID, c store.Counters, at time.Time) error {
	query := `
		UPDATE conversion_runs
		SET processed = $1, errors = $2, timed_out = $3, skipped = $4, resets = $5, updated_at = $6
		WHERE id = $7 AND updated_at <= $6 AND status = $8;
	`
	_, err := s.pool.Exec(ctx, query,
		c.Processed, c.Errors, c.TimedOut, c.Skipped, c.Resets, at, runID, store.RunRunning)
	if err != nil {
		return fmt.Errorf("failed to update run counters: %w", err)
	}
	return nil
}

// CompleteRun records the terminal status and final totals.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	c store.Counters,
	errMsg *string,
) error {
	if !status.Valid() || status == store.RunRunning {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	query := `
		UPDATE conversion_runs
		SET finished_at = $1, updated_at = $1, status = $2, error_message = $3,
			processed = $4, errors = $5, timed_out = $6, skipped = $7, resets = $8
		WHERE id = $9;
	`
	res, err := s.pool.Exec(ctx, query,
		finishedAt, status, errMsg, c.Processed, c.Errors, c.TimedOut, c.Skipped, c.Resets, runID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("complete run %s: %w", runID, store.ErrNotFound)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `SELECT ` + runColumns + ` FROM conversion_runs WHERE id = $1;`
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	query := `SELECT ` + runColumns + `
		FROM conversion_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;`
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run    store.Run
		status string
	)
	err := row.Scan(
		&run.ID,
		&run.Lang,
		&run.StartedAt,
		&run.UpdatedAt,
		&run.FinishedAt,
		&status,
		&run.Counters.Processed,
		&run.Counters.Errors,
		&run.Counters.TimedOut,
		&run.Counters.Skipped,
		&run.Counters.Resets,
		&run.ErrorMessage,
	)
	run.Status = store.RunStatus(status)
	return run, err
}
