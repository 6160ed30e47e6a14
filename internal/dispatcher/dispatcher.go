// Package dispatcher fans titles out to a bounded pool of worker processes
// and recovers from stalls by replacing the whole pool.
//
// A Stream hands out at most one title per worker, so the titles in flight
// are exactly the ones drawn but not yet observed. When no result arrives
// within the timeout every worker is killed, a fresh generation is started
// and the in-flight titles are offered again ahead of the untouched rest of
// the source.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/aardwiki/internal/wiki"
)

// ErrStall marks items retired after being in flight during too many stalls.
var ErrStall = errors.New("worker pool stalled")

const defaultMaxItemStalls = 2

// Source yields titles lazily and returns io.EOF when exhausted.
type Source interface {
	Next(ctx context.Context) (string, error)
}

// State is the lifecycle state of a Stream.
type State int32

// Stream states.
const (
	StateUninitialized State = iota
	StateRunning
	StateResetting
	StateDraining
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateResetting:
		return "resetting"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ResetInfo describes one stall recovery.
type ResetInfo struct {
	// Generation is the id of the pool that replaced the stalled one.
	Generation int
	// Requeued titles are offered again to the new pool.
	Requeued []string
	// Retired titles were dropped as failures.
	Retired []string
}

// Config controls the pool.
type Config struct {
	// Workers is the number of worker processes; it must be positive.
	Workers int
	// Timeout bounds the wait for the next result.
	Timeout time.Duration
	// MaxItemStalls retires a title once it was in flight during this many
	// stalls. Zero uses the default of 2.
	MaxItemStalls int
	// RespawnRate caps how many lost workers are replaced per second, so a
	// worker that dies on startup cannot fork-storm. Zero means unlimited.
	RespawnRate float64
	// OnReset, when set, is called by the coordinator after each reset.
	OnReset func(ResetInfo)
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.MaxItemStalls < 0 {
		return fmt.Errorf("max item stalls must not be negative, got %d", c.MaxItemStalls)
	}
	if c.RespawnRate < 0 {
		return fmt.Errorf("respawn rate must not be negative, got %g", c.RespawnRate)
	}
	return nil
}

// Pool starts Streams over a worker factory.
type Pool struct {
	factory  wiki.WorkerFactory
	cfg      Config
	respawns *rate.Limiter
	logger   *zap.Logger
}

// New creates a Pool.
func New(factory wiki.WorkerFactory, cfg Config, logger *zap.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxItemStalls == 0 {
		cfg.MaxItemStalls = defaultMaxItemStalls
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RespawnRate > 0 {
		limit = rate.Limit(cfg.RespawnRate)
	}
	return &Pool{
		factory:  factory,
		cfg:      cfg,
		respawns: rate.NewLimiter(limit, cfg.Workers),
		logger:   logger.Named("dispatcher"),
	}, nil
}

// Dispatch starts the first generation and returns the result stream for
// src. Worker startup failures are returned wrapped in wiki.ErrStoreInit
// and leave no process behind.
func (p *Pool) Dispatch(ctx context.Context, src Source) (*Stream, error) {
	s := &Stream{
		pool:     p,
		src:      src,
		runCtx:   ctx,
		inflight: make(map[int]string),
		strikes:  make(map[string]int),
	}
	if err := s.startGeneration(); err != nil {
		s.state.Store(int32(StateClosed))
		return nil, err
	}
	s.state.Store(int32(StateRunning))
	p.logger.Info("worker pool started", zap.Int("workers", p.cfg.Workers), zap.Duration("timeout", p.cfg.Timeout))
	return s, nil
}

// Stream is the unordered result stream of one dispatch. Next and Close
// must be called from a single goroutine; State and the counters may be read
// from anywhere.
type Stream struct {
	pool   *Pool
	src    Source
	runCtx context.Context

	state       atomic.Int32
	generations atomic.Int64
	resets      atomic.Int64
	retired     atomic.Int64
	lost        atomic.Int64

	gen        *generation
	idle       []int
	inflight   map[int]string
	pending    []string
	ready      []wiki.Outcome
	strikes    map[string]int
	sourceDone bool
	closeErr   error
}

type generation struct {
	id      int
	ctx     context.Context
	cancel  context.CancelFunc
	slots   []*slot
	results chan slotResult
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

type slot struct {
	id     int
	worker wiki.Worker
	in     chan string
	dead   bool
}

type slotResult struct {
	slot    int
	title   string
	outcome wiki.Outcome
	err     error
}

// State returns the current lifecycle state.
func (s *Stream) State() State { return State(s.state.Load()) }

// Generation returns the id of the current pool generation.
func (s *Stream) Generation() int { return int(s.generations.Load()) }

// Resets returns how many stalls were recovered from.
func (s *Stream) Resets() int { return int(s.resets.Load()) }

// Retired returns how many titles were dropped after repeated stalls.
func (s *Stream) Retired() int { return int(s.retired.Load()) }

// Lost returns how many worker processes died mid-item.
func (s *Stream) Lost() int { return int(s.lost.Load()) }

// Next returns the next completed outcome in completion order, io.EOF once
// every title has been observed, or an error wrapping wiki.ErrCanceled when
// ctx ends. Stalls are handled internally.
func (s *Stream) Next(ctx context.Context) (wiki.Outcome, error) {
	for {
		if s.State() == StateClosed {
			if s.closeErr != nil {
				return wiki.Outcome{}, s.closeErr
			}
			return wiki.Outcome{}, io.EOF
		}
		if len(s.ready) > 0 {
			out := s.ready[0]
			s.ready = s.ready[1:]
			return out, nil
		}
		if err := ctx.Err(); err != nil {
			return wiki.Outcome{}, s.abort(err)
		}
		if err := s.fill(ctx); err != nil {
			return wiki.Outcome{}, err
		}
		if len(s.inflight) == 0 {
			s.drain()
			return wiki.Outcome{}, io.EOF
		}

		out, ok, err := s.await(ctx)
		if err != nil {
			return wiki.Outcome{}, err
		}
		if ok {
			return out, nil
		}
	}
}

// await waits for one result. ok is false after a reset.
func (s *Stream) await(ctx context.Context) (wiki.Outcome, bool, error) {
	timer := time.NewTimer(s.pool.cfg.Timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return wiki.Outcome{}, false, s.abort(ctx.Err())
	case res := <-s.gen.results:
		return s.observe(ctx, res)
	case <-timer.C:
		if err := s.reset(); err != nil {
			return wiki.Outcome{}, false, err
		}
		return wiki.Outcome{}, false, nil
	}
}

func (s *Stream) observe(ctx context.Context, res slotResult) (wiki.Outcome, bool, error) {
	delete(s.inflight, res.slot)
	delete(s.strikes, res.title)
	if res.err == nil {
		s.idle = append(s.idle, res.slot)
		return res.outcome, true, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return wiki.Outcome{}, false, s.abort(ctxErr)
	}

	s.lost.Add(1)
	cause := res.err
	if !errors.Is(cause, wiki.ErrWorkerLost) {
		cause = fmt.Errorf("%w: %w", wiki.ErrWorkerLost, cause)
	}
	s.pool.logger.Warn("worker lost mid-item, respawning",
		zap.Int("worker", res.slot),
		zap.String("title", res.title),
		zap.Error(res.err),
	)
	if err := s.respawn(res.slot); err != nil {
		return wiki.Outcome{}, false, err
	}
	return wiki.Failure(res.title, cause), true, nil
}

// fill hands a title to every idle worker, requeued titles first.
func (s *Stream) fill(ctx context.Context) error {
	for len(s.idle) > 0 {
		var title string
		switch {
		case len(s.pending) > 0:
			title = s.pending[0]
			s.pending = s.pending[1:]
		case !s.sourceDone:
			next, err := s.src.Next(ctx)
			if errors.Is(err, io.EOF) {
				s.sourceDone = true
				return nil
			}
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return s.abort(ctxErr)
				}
				s.terminate()
				s.closeErr = fmt.Errorf("read source: %w", err)
				return s.closeErr
			}
			title = next
		default:
			return nil
		}
		id := s.idle[len(s.idle)-1]
		s.idle = s.idle[:len(s.idle)-1]
		s.inflight[id] = title
		s.gen.slots[id].in <- title
	}
	return nil
}

// reset kills the stalled generation and starts a new one.
func (s *Stream) reset() error {
	s.state.Store(int32(StateResetting))
	s.resets.Add(1)

	slots := make([]int, 0, len(s.inflight))
	for id := range s.inflight {
		slots = append(slots, id)
	}
	sort.Ints(slots)

	info := ResetInfo{}
	for _, id := range slots {
		title := s.inflight[id]
		s.strikes[title]++
		if n := s.strikes[title]; n >= s.pool.cfg.MaxItemStalls {
			delete(s.strikes, title)
			info.Retired = append(info.Retired, title)
			s.retired.Add(1)
			s.ready = append(s.ready, wiki.Failure(title, fmt.Errorf("%w: in flight during %d stalls", ErrStall, n)))
			continue
		}
		info.Requeued = append(info.Requeued, title)
	}
	s.pending = append(append([]string(nil), info.Requeued...), s.pending...)
	s.inflight = make(map[int]string)

	s.pool.logger.Warn("worker pool stalled, resetting",
		zap.Int("generation", s.gen.id),
		zap.Duration("timeout", s.pool.cfg.Timeout),
		zap.Strings("requeued", info.Requeued),
		zap.Strings("retired", info.Retired),
	)
	s.gen.terminate()

	if err := s.startGeneration(); err != nil {
		s.state.Store(int32(StateClosed))
		s.closeErr = err
		return err
	}
	s.state.Store(int32(StateRunning))
	info.Generation = s.gen.id
	if hook := s.pool.cfg.OnReset; hook != nil {
		hook(info)
	}
	return nil
}

// startGeneration launches every worker in parallel and waits for all of
// them to finish their store initialization.
func (s *Stream) startGeneration() error {
	n := s.pool.cfg.Workers
	id := int(s.generations.Add(1))
	ctx, cancel := context.WithCancel(s.runCtx)
	g := &generation{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		slots:   make([]*slot, n),
		results: make(chan slotResult, n),
		done:    make(chan struct{}),
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for i := range n {
		eg.Go(func() error {
			w, err := s.pool.factory.Start(egCtx, i)
			if err != nil {
				return err
			}
			g.slots[i] = &slot{id: i, worker: w, in: make(chan string, 1)}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		for _, sl := range g.slots {
			if sl != nil {
				_ = sl.worker.Kill()
			}
		}
		cancel()
		if !errors.Is(err, wiki.ErrStoreInit) {
			err = fmt.Errorf("%w: %w", wiki.ErrStoreInit, err)
		}
		return err
	}

	s.idle = s.idle[:0]
	for i := n - 1; i >= 0; i-- {
		s.idle = append(s.idle, i)
	}
	for _, sl := range g.slots {
		g.wg.Add(1)
		go g.run(sl)
	}
	s.gen = g
	s.pool.logger.Debug("worker generation started", zap.Int("generation", id), zap.Int("workers", n))
	return nil
}

// respawn replaces the worker in slot id. A slot that cannot be restarted
// is retired; losing every slot is fatal.
func (s *Stream) respawn(id int) error {
	sl := s.gen.slots[id]
	_ = sl.worker.Kill()
	if err := s.pool.respawns.Wait(s.gen.ctx); err != nil {
		return s.abort(err)
	}
	w, err := s.pool.factory.Start(s.gen.ctx, id)
	if err == nil {
		sl.worker = w
		s.idle = append(s.idle, id)
		return nil
	}
	sl.dead = true
	s.pool.logger.Error("worker respawn failed", zap.Int("worker", id), zap.Error(err))
	for _, other := range s.gen.slots {
		if !other.dead {
			return nil
		}
	}
	s.terminate()
	s.closeErr = fmt.Errorf("no live workers left: %w", err)
	return s.closeErr
}

func (g *generation) run(sl *slot) {
	defer g.wg.Done()
	for title := range sl.in {
		out, err := sl.worker.Convert(g.ctx, title)
		select {
		case g.results <- slotResult{slot: sl.id, title: title, outcome: out, err: err}:
		case <-g.done:
			return
		}
	}
}

// terminate kills every worker and waits for the slot goroutines.
func (g *generation) terminate() {
	g.once.Do(func() {
		close(g.done)
		g.cancel()
		var wg sync.WaitGroup
		for _, sl := range g.slots {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = sl.worker.Kill()
			}()
		}
		wg.Wait()
		for _, sl := range g.slots {
			close(sl.in)
		}
		g.wg.Wait()
	})
}

// drain shuts an idle generation down gracefully.
func (s *Stream) drain() {
	s.state.Store(int32(StateDraining))
	g := s.gen
	g.once.Do(func() {
		for _, sl := range g.slots {
			close(sl.in)
		}
		g.wg.Wait()
		var wg sync.WaitGroup
		for _, sl := range g.slots {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := sl.worker.Close(); err != nil {
					s.pool.logger.Debug("worker exit", zap.Int("worker", sl.id), zap.Error(err))
				}
			}()
		}
		wg.Wait()
		close(g.done)
		g.cancel()
	})
	s.state.Store(int32(StateClosed))
	s.pool.logger.Info("worker pool drained",
		zap.Int("generations", s.Generation()),
		zap.Int("resets", s.Resets()),
	)
}

func (s *Stream) terminate() {
	if s.gen != nil {
		s.gen.terminate()
	}
	s.state.Store(int32(StateClosed))
}

func (s *Stream) abort(cause error) error {
	s.pool.logger.Warn("dispatch canceled, terminating workers", zap.Error(cause))
	s.terminate()
	s.closeErr = fmt.Errorf("%w: %w", wiki.ErrCanceled, cause)
	return s.closeErr
}

// Close terminates any remaining workers. It is safe to call more than once
// and after the stream is exhausted.
func (s *Stream) Close() error {
	s.terminate()
	return nil
}
