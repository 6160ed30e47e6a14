// Package aggregator consumes conversion outcomes, forwards successful ones
// to the sink and keeps the run counters.
package aggregator

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/aardwiki/internal/wiki"
)

// Metadata keys written by Finish.
const (
	KeyArticleCount  = "article_count"
	KeyErrorCount    = "error_count"
	KeyTimedOutCount = "timedout_count"
	KeySkippedCount  = "skipped_count"
)

// Counters is a snapshot of the run counters.
type Counters struct {
	Processed int64 `json:"processed"`
	Errors    int64 `json:"errors"`
	TimedOut  int64 `json:"timed_out"`
	Skipped   int64 `json:"skipped"`
}

// Aggregator is driven by a single coordinator goroutine; Snapshot may be
// called concurrently.
type Aggregator struct {
	sink   wiki.Sink
	logger *zap.Logger

	processed atomic.Int64
	errors    atomic.Int64
	timedOut  atomic.Int64
	skipped   atomic.Int64

	finishOnce sync.Once
	finishErr  error
}

// New creates an Aggregator writing to sink.
func New(sink wiki.Sink, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{sink: sink, logger: logger.Named("aggregator")}
}

// Add records one outcome. Successful outcomes are appended to the sink;
// failures only bump the error counter. The returned error is a sink
// failure, never a conversion failure.
func (a *Aggregator) Add(out wiki.Outcome) error {
	if !out.OK() {
		n := a.errors.Add(1)
		a.logger.Warn("failed to process article",
			zap.String("title", out.Title),
			zap.Int64("errors_so_far", n),
			zap.Error(out.Err),
		)
		return nil
	}
	if err := a.sink.AddArticle(out.Title, out.Payload, out.Kind == wiki.KindRedirect); err != nil {
		return fmt.Errorf("add article %q: %w", out.Title, err)
	}
	n := a.processed.Add(1)
	if n%10000 == 0 {
		a.logger.Info("progress", zap.Int64("processed", n), zap.Int64("errors", a.errors.Load()))
	}
	return nil
}

// Stalled records one pool stall.
func (a *Aggregator) Stalled() {
	n := a.timedOut.Add(1)
	a.logger.Warn("worker pool timed out, pool was reset", zap.Int64("timed_out_so_far", n))
}

// RaiseSkipped lifts the skipped counter to n; it never lowers it.
func (a *Aggregator) RaiseSkipped(n int64) {
	for {
		cur := a.skipped.Load()
		if n <= cur || a.skipped.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Snapshot returns the current counters.
func (a *Aggregator) Snapshot() Counters {
	return Counters{
		Processed: a.processed.Load(),
		Errors:    a.errors.Load(),
		TimedOut:  a.timedOut.Load(),
		Skipped:   a.skipped.Load(),
	}
}

// Finish writes the final counts into the sink metadata. Only the first
// call writes; later calls return the first result.
func (a *Aggregator) Finish() error {
	a.finishOnce.Do(func() {
		c := a.Snapshot()
		for _, kv := range []struct {
			key   string
			value int64
		}{
			{KeyArticleCount, c.Processed},
			{KeyErrorCount, c.Errors},
			{KeyTimedOutCount, c.TimedOut},
			{KeySkippedCount, c.Skipped},
		} {
			if err := a.sink.AddMetadata(kv.key, kv.value); err != nil {
				a.finishErr = fmt.Errorf("write %s: %w", kv.key, err)
				return
			}
		}
		a.logger.Info("conversion finished",
			zap.Int64("processed", c.Processed),
			zap.Int64("errors", c.Errors),
			zap.Int64("timed_out", c.TimedOut),
			zap.Int64("skipped", c.Skipped),
		)
	})
	return a.finishErr
}
