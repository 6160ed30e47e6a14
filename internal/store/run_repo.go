// Package store declares interfaces for persisting conversion runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the conversion_runs status column.
type RunStatus string

// Run statuses persisted in conversion_runs.status.
const (
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunError    RunStatus = "error"
	RunCanceled RunStatus = "canceled"
)

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunSuccess, RunError, RunCanceled:
		return true
	}
	return false
}

// Counters are the aggregate totals of a run.
type Counters struct {
	Processed int64
	Errors    int64
	TimedOut  int64
	Skipped   int64
	Resets    int64
}

// Run models the conversion_runs table for API responses.
type Run struct {
	// ID is the run identifier shared with progress events.
	ID uuid.UUID
	// Lang is the wiki language being converted.
	Lang string
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// UpdatedAt is the time of the last counter update.
	UpdatedAt time.Time
	// FinishedAt is nil until the run reaches a terminal status.
	FinishedAt *time.Time
	// Status is running/success/error/canceled.
	Status RunStatus
	// Counters holds the latest totals.
	Counters Counters
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
}

// RunRepository persists conversion run history.
type RunRepository interface {
	// StartRun inserts (or idempotently updates) the running row.
	StartRun(ctx context.Context, runID uuid.UUID, lang string, startedAt time.Time) error
	// UpdateCounters overwrites the run totals with a newer snapshot.
	UpdateCounters(ctx context.Context, runID uuid.UUID, counters Counters, at time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(
		ctx context.Context,
		runID uuid.UUID,
		finishedAt time.Time,
		status RunStatus,
		counters Counters,
		errMsg *string,
	) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
}
