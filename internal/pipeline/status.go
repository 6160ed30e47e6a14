package pipeline

import (
	"time"

	"github.com/JakeFAU/aardwiki/internal/aggregator"
)

// Status is a point-in-time view of the runner, safe to take from any
// goroutine.
type Status struct {
	State      string              `json:"state"`
	RunID      string              `json:"run_id,omitempty"`
	Lang       string              `json:"lang"`
	Workers    int                 `json:"workers"`
	Generation int                 `json:"generation,omitempty"`
	Resets     int                 `json:"resets,omitempty"`
	Counters   aggregator.Counters `json:"counters"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	Last       *Summary            `json:"last,omitempty"`
}

// Runner states reported by Status besides the dispatcher states.
const (
	StateIdle    = "idle"
	StateRunning = "running"
)

// Status reports the active run, or the last finished one when idle.
func (r *Runner) Status() Status {
	st := Status{
		State:   StateIdle,
		Lang:    r.cfg.Lang,
		Workers: r.cfg.Workers,
		Last:    r.last.Load(),
	}
	cur := r.current.Load()
	if cur == nil {
		return st
	}
	started := cur.started
	st.State = StateRunning
	st.RunID = cur.id.String()
	st.StartedAt = &started
	st.Counters = cur.agg.Snapshot()
	if stream := cur.stream.Load(); stream != nil {
		st.State = stream.State().String()
		st.Generation = stream.Generation()
		st.Resets = stream.Resets()
	}
	return st
}
