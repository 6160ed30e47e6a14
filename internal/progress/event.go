package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/aardwiki/internal/wiki"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageArticleDone  Stage = "ARTICLE_DONE"
	StageArticleError Stage = "ARTICLE_ERROR"
	StagePoolReset    Stage = "POOL_RESET"
	StageRunDone      Stage = "RUN_DONE"
	StageRunError     Stage = "RUN_ERROR"
	StageRunCanceled  Stage = "RUN_CANCELED"
)

// Terminal reports whether s ends a run.
func (s Stage) Terminal() bool {
	return s == StageRunDone || s == StageRunError || s == StageRunCanceled
}

// Counters is the aggregate snapshot carried by run-level events.
type Counters struct {
	Processed int64
	Errors    int64
	TimedOut  int64
	Skipped   int64
	Resets    int64
}

// Event is one milestone of a conversion run.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Lang is set on RUN_START.
	Lang string
	// Title scopes article events.
	Title string
	// Kind is the outcome kind of article events.
	Kind wiki.Kind
	// Generation is the worker generation started by a POOL_RESET.
	Generation int
	// Requeued and Retired count the titles affected by a POOL_RESET.
	Requeued int
	Retired  int
	// Counters is the running total at the time of the event.
	Counters Counters
	// Dur is the run wall time on terminal events.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError, StageRunCanceled:
	case StageArticleDone, StageArticleError:
		if e.Title == "" {
			return fmt.Errorf("%s requires title", e.Stage)
		}
	case StagePoolReset:
		if e.Generation < 1 {
			return errors.New("pool reset requires generation")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
