package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/aardwiki/internal/progress"
	"github.com/JakeFAU/aardwiki/internal/store"
)

// StoreSink persists run history via a store.RunRepository. Counter
// snapshots are collapsed per run so each batch costs one update per run.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards run milestones to the repository in event order and
// writes the newest counter snapshot of every still-running run. Repository
// errors are returned verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	latest := make(map[uuid.UUID]snapshot)
	finished := make(map[uuid.UUID]bool)

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch {
		case evt.Stage == progress.StageRunStart:
			if err := s.repo.StartRun(ctx, runID, evt.Lang, evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case evt.Stage.Terminal():
			if err := s.complete(ctx, runID, evt); err != nil {
				return err
			}
			finished[runID] = true
			delete(latest, runID)
		default:
			if snap, ok := latest[runID]; !ok || !evt.TS.Before(snap.at) {
				latest[runID] = snapshot{counters: toStoreCounters(evt.Counters), at: evt.TS}
			}
		}
	}

	for runID, snap := range latest {
		if finished[runID] {
			continue
		}
		if err := s.repo.UpdateCounters(ctx, runID, snap.counters, snap.at); err != nil {
			return fmt.Errorf("update run counters: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) complete(ctx context.Context, runID uuid.UUID, evt progress.Event) error {
	status := store.RunSuccess
	switch evt.Stage {
	case progress.StageRunError:
		status = store.RunError
	case progress.StageRunCanceled:
		status = store.RunCanceled
	}
	var note *string
	if evt.Note != "" {
		note = &evt.Note
	}
	if err := s.repo.CompleteRun(ctx, runID, evt.TS, status, toStoreCounters(evt.Counters), note); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type snapshot struct {
	counters store.Counters
	at       time.Time
}

func toStoreCounters(c progress.Counters) store.Counters {
	return store.Counters{
		Processed: c.Processed,
		Errors:    c.Errors,
		TimedOut:  c.TimedOut,
		Skipped:   c.Skipped,
		Resets:    c.Resets,
	}
}
