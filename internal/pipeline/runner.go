// Package pipeline runs one conversion: titles from the sequencer are
// converted either in-process or by the worker pool, and every outcome is
// folded into the aggregator. Run events go to the progress hub and a
// completion notice is published once the output is finalized.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/aardwiki/internal/aggregator"
	"github.com/JakeFAU/aardwiki/internal/clock/system"
	"github.com/JakeFAU/aardwiki/internal/dispatcher"
	"github.com/JakeFAU/aardwiki/internal/metrics"
	"github.com/JakeFAU/aardwiki/internal/progress"
	"github.com/JakeFAU/aardwiki/internal/sequencer"
	"github.com/JakeFAU/aardwiki/internal/store"
	"github.com/JakeFAU/aardwiki/internal/wiki"
)

// ErrAlreadyRunning is returned when Run is called while a run is active.
var ErrAlreadyRunning = errors.New("conversion already running")

// Config controls one run.
type Config struct {
	Lang string
	// Workers is the pool size; 0 converts in-process.
	Workers       int
	Timeout       time.Duration
	Start         int
	End           int
	MaxItemStalls int
	// RespawnRate caps worker replacements per second; 0 is unlimited.
	RespawnRate float64
	// Topic receives the completion notice; empty disables publishing.
	Topic string
}

// IDGenerator mints run IDs.
type IDGenerator interface {
	NewRunID() (uuid.UUID, error)
}

// Finalizer closes and publishes the output after the final counts were
// written. It returns the URIs of the published artifacts.
type Finalizer func(ctx context.Context) ([]string, error)

// Deps are the collaborators of a Runner. Converter is used when
// Config.Workers is 0, Factory otherwise.
type Deps struct {
	Store     wiki.Store
	Converter wiki.Converter
	Factory   wiki.WorkerFactory
	Sink      wiki.Sink
	Progress  progress.Emitter
	Publisher wiki.Publisher
	Finalize  Finalizer
	Clock     wiki.Clock
	IDs       IDGenerator
	Logger    *zap.Logger
	// Reclaim overrides the memory reclamation hook of in-process runs.
	Reclaim func()
}

// Summary is the result of a run. It doubles as the completion notice.
type Summary struct {
	RunID       uuid.UUID           `json:"run_id"`
	Lang        string              `json:"lang"`
	Status      store.RunStatus     `json:"status"`
	Counters    aggregator.Counters `json:"counters"`
	Generations int                 `json:"generations,omitempty"`
	Resets      int                 `json:"resets,omitempty"`
	Retired     int                 `json:"retired,omitempty"`
	Lost        int                 `json:"lost,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  time.Time           `json:"finished_at"`
	Artifacts   []string            `json:"artifacts,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// Duration is the wall time of the run.
func (s Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Runner executes conversion runs one at a time.
type Runner struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer

	current atomic.Pointer[run]
	last    atomic.Pointer[Summary]
}

// New validates cfg and deps and returns a Runner.
func New(cfg Config, deps Deps) (*Runner, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("store is required")
	case deps.Sink == nil:
		return nil, errors.New("sink is required")
	case cfg.Workers < 0:
		return nil, fmt.Errorf("workers must not be negative, got %d", cfg.Workers)
	case cfg.Workers == 0 && deps.Converter == nil:
		return nil, errors.New("converter is required without workers")
	case cfg.Workers > 0 && deps.Factory == nil:
		return nil, errors.New("worker factory is required")
	case cfg.Workers > 0 && cfg.Timeout <= 0:
		return nil, fmt.Errorf("timeout must be positive, got %s", cfg.Timeout)
	}
	if cfg.Lang == "" {
		cfg.Lang = deps.Store.Lang()
	}
	if deps.Progress == nil {
		deps.Progress = progress.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = randomIDs{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Runner{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.Named("pipeline"),
		tracer: otel.Tracer("github.com/JakeFAU/aardwiki/internal/pipeline"),
	}, nil
}

// Run converts every due title. On success the final counts are in the sink
// metadata, the output is finalized and the notice is published. A canceled
// run returns an error wrapping wiki.ErrCanceled and skips all of that.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	id, err := r.deps.IDs.NewRunID()
	if err != nil {
		return Summary{}, fmt.Errorf("new run id: %w", err)
	}
	cur := &run{
		runner:  r,
		id:      id,
		started: r.deps.Clock.Now(),
		agg:     aggregator.New(r.deps.Sink, r.deps.Logger),
	}
	if !r.current.CompareAndSwap(nil, cur) {
		return Summary{}, ErrAlreadyRunning
	}
	defer r.current.Store(nil)

	ctx, span := r.tracer.Start(ctx, "convert", trace.WithAttributes(
		attribute.String("aardwiki.run_id", id.String()),
		attribute.String("aardwiki.lang", r.cfg.Lang),
		attribute.Int("aardwiki.workers", r.cfg.Workers),
	))
	defer span.End()

	logger := r.logger.With(zap.String("run_id", id.String()))
	logger.Info("conversion started",
		zap.String("lang", r.cfg.Lang),
		zap.Int("workers", r.cfg.Workers),
		zap.Int("start", r.cfg.Start),
		zap.Int("end", r.cfg.End),
	)
	cur.emit(progress.Event{Stage: progress.StageRunStart, Lang: r.cfg.Lang})

	err = cur.convert(ctx)
	if err == nil {
		// Special titles read after the last outcome are only known here.
		cur.agg.RaiseSkipped(int64(cur.seq.Skipped()))
		err = cur.agg.Finish()
	}
	var artifacts []string
	if err == nil && r.deps.Finalize != nil {
		artifacts, err = r.deps.Finalize(ctx)
		if err != nil {
			err = fmt.Errorf("finalize output: %w", err)
		}
	}

	sum := cur.summary()
	sum.Artifacts = artifacts
	switch {
	case err == nil:
		sum.Status = store.RunSuccess
	case errors.Is(err, wiki.ErrCanceled):
		sum.Status = store.RunCanceled
		sum.Error = err.Error()
	default:
		sum.Status = store.RunError
		sum.Error = err.Error()
	}
	r.last.Store(&sum)
	cur.emitTerminal(sum)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(sum.Status))
		logger.Error("conversion did not complete", zap.String("status", string(sum.Status)), zap.Error(err))
		return sum, err
	}
	logger.Info("conversion completed",
		zap.Int64("processed", sum.Counters.Processed),
		zap.Int64("errors", sum.Counters.Errors),
		zap.Int64("timed_out", sum.Counters.TimedOut),
		zap.Int64("skipped", sum.Counters.Skipped),
		zap.Duration("took", sum.Duration()),
	)
	r.notify(ctx, sum)
	return sum, nil
}

func (r *Runner) notify(ctx context.Context, sum Summary) {
	if r.deps.Publisher == nil || r.cfg.Topic == "" {
		return
	}
	msgID, err := r.deps.Publisher.Publish(ctx, r.cfg.Topic, sum)
	if err != nil {
		r.logger.Warn("failed to publish run notice", zap.String("topic", r.cfg.Topic), zap.Error(err))
		return
	}
	r.logger.Info("run notice published", zap.String("topic", r.cfg.Topic), zap.String("message_id", msgID))
}

type randomIDs struct{}

func (randomIDs) NewRunID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate run id: %w", err)
	}
	return id, nil
}

// run is the state of one Run call.
type run struct {
	runner  *Runner
	id      uuid.UUID
	started time.Time
	agg     *aggregator.Aggregator
	seq     *sequencer.Sequencer
	stream  atomic.Pointer[dispatcher.Stream]
}

func (c *run) convert(ctx context.Context) error {
	r := c.runner
	seqOpts := []sequencer.Option{}
	if r.deps.Reclaim != nil {
		seqOpts = append(seqOpts, sequencer.WithReclaim(r.deps.Reclaim))
	}
	c.seq = sequencer.New(r.deps.Store, sequencer.Config{
		Start:  r.cfg.Start,
		End:    r.cfg.End,
		Pooled: r.cfg.Workers > 0,
	}, r.deps.Logger, seqOpts...)
	defer func() { _ = c.seq.Close() }()

	if r.cfg.Workers == 0 {
		return c.convertInProcess(ctx)
	}
	return c.convertPooled(ctx)
}

func (c *run) convertInProcess(ctx context.Context) error {
	for {
		title, err := c.seq.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return canceledOr(ctx, fmt.Errorf("read titles: %w", err))
		}
		out := c.runner.deps.Converter.Convert(ctx, title)
		if ctx.Err() != nil {
			return canceledOr(ctx, nil)
		}
		if err := c.handle(out); err != nil {
			return err
		}
	}
}

func (c *run) convertPooled(ctx context.Context) error {
	r := c.runner
	pool, err := dispatcher.New(r.deps.Factory, dispatcher.Config{
		Workers:       r.cfg.Workers,
		Timeout:       r.cfg.Timeout,
		MaxItemStalls: r.cfg.MaxItemStalls,
		RespawnRate:   r.cfg.RespawnRate,
		OnReset:       c.onReset,
	}, r.deps.Logger)
	if err != nil {
		return fmt.Errorf("configure worker pool: %w", err)
	}
	stream, err := pool.Dispatch(ctx, c.seq)
	if err != nil {
		return canceledOr(ctx, err)
	}
	c.stream.Store(stream)
	defer func() { _ = stream.Close() }()
	metrics.SetPoolWorkers(r.cfg.Workers)
	defer metrics.SetPoolWorkers(0)

	for {
		out, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := c.handle(out); err != nil {
			return err
		}
	}
}

// handle runs on the coordinator goroutine for every observed outcome.
func (c *run) handle(out wiki.Outcome) error {
	c.agg.RaiseSkipped(int64(c.seq.Skipped()))
	if err := c.agg.Add(out); err != nil {
		return err
	}
	evt := progress.Event{Title: out.Title, Kind: out.Kind}
	if out.OK() {
		metrics.ObserveArticle(out.Kind.String(), len(out.Payload))
		evt.Stage = progress.StageArticleDone
	} else {
		metrics.ObserveConversionError(failureReason(out.Err))
		evt.Stage = progress.StageArticleError
		if out.Err != nil {
			evt.Note = out.Err.Error()
		}
	}
	c.emit(evt)
	return nil
}

func (c *run) onReset(info dispatcher.ResetInfo) {
	c.agg.Stalled()
	c.emit(progress.Event{
		Stage:      progress.StagePoolReset,
		Generation: info.Generation,
		Requeued:   len(info.Requeued),
		Retired:    len(info.Retired),
	})
}

func (c *run) emit(evt progress.Event) {
	evt.RunID = progress.UUIDToBytes(c.id)
	evt.TS = c.runner.deps.Clock.Now()
	evt.Counters = c.progressCounters()
	c.runner.deps.Progress.Emit(evt)
}

func (c *run) emitTerminal(sum Summary) {
	stage := progress.StageRunDone
	switch sum.Status {
	case store.RunCanceled:
		stage = progress.StageRunCanceled
	case store.RunError:
		stage = progress.StageRunError
	}
	c.emit(progress.Event{Stage: stage, Dur: max(sum.Duration(), 0), Note: sum.Error})
}

func (c *run) progressCounters() progress.Counters {
	s := c.agg.Snapshot()
	pc := progress.Counters{
		Processed: s.Processed,
		Errors:    s.Errors,
		TimedOut:  s.TimedOut,
		Skipped:   s.Skipped,
	}
	if st := c.stream.Load(); st != nil {
		pc.Resets = int64(st.Resets())
	}
	return pc
}

func (c *run) summary() Summary {
	sum := Summary{
		RunID:      c.id,
		Lang:       c.runner.cfg.Lang,
		Counters:   c.agg.Snapshot(),
		StartedAt:  c.started,
		FinishedAt: c.runner.deps.Clock.Now(),
	}
	if st := c.stream.Load(); st != nil {
		sum.Generations = st.Generation()
		sum.Resets = st.Resets()
		sum.Retired = st.Retired()
		sum.Lost = st.Lost()
	}
	return sum
}

// canceledOr maps a done ctx to wiki.ErrCanceled and returns err otherwise.
func canceledOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if err != nil && errors.Is(err, wiki.ErrCanceled) {
			return err
		}
		return fmt.Errorf("%w: %w", wiki.ErrCanceled, ctxErr)
	}
	return err
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, dispatcher.ErrStall):
		return "stall"
	case errors.Is(err, wiki.ErrWorkerLost):
		return "worker_lost"
	case errors.Is(err, wiki.ErrEmptyArticle):
		return "empty"
	default:
		return "conversion"
	}
}
