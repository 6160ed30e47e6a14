package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/aardwiki/internal/progress"
)

// PrometheusSink exports conversion progress via Prometheus. It owns the
// collectors for runs started/completed/running, article outcomes and pool
// resets.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	articles         *prometheus.CounterVec
	poolResets       prometheus.Counter
	requeuedTitles   prometheus.Counter
	retiredTitles    prometheus.Counter
	workerGeneration prometheus.Gauge

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aardwiki_runs_started_total",
			Help: "Total conversion runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aardwiki_runs_completed_total",
			Help: "Total conversion runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aardwiki_runs_running",
			Help: "Current number of running conversions.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aardwiki_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400, 28800},
		}, []string{"result"}),
		articles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aardwiki_articles_total",
			Help: "Article outcomes partitioned by kind.",
		}, []string{"kind"}),
		poolResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aardwiki_pool_resets_total",
			Help: "Worker pool resets triggered by stalls.",
		}),
		requeuedTitles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aardwiki_pool_requeued_titles_total",
			Help: "In-flight titles resubmitted after a reset.",
		}),
		retiredTitles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aardwiki_pool_retired_titles_total",
			Help: "Titles abandoned after stalling repeatedly.",
		}),
		workerGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aardwiki_pool_generation",
			Help: "Generation number of the current worker pool.",
		}),
		tracker: newRunTracker(),
	}
	var err error
	register := func(c prometheus.Collector) prometheus.Collector {
		if err != nil {
			return c
		}
		var existing prometheus.Collector
		existing, err = reuseOrRegister(reg, c)
		return existing
	}
	s.runsStarted = register(s.runsStarted).(prometheus.Counter)
	s.runsCompleted = register(s.runsCompleted).(*prometheus.CounterVec)
	s.runsRunning = register(s.runsRunning).(prometheus.Gauge)
	s.runRuntime = register(s.runRuntime).(*prometheus.HistogramVec)
	s.articles = register(s.articles).(*prometheus.CounterVec)
	s.poolResets = register(s.poolResets).(prometheus.Counter)
	s.requeuedTitles = register(s.requeuedTitles).(prometheus.Counter)
	s.retiredTitles = register(s.retiredTitles).(prometheus.Counter)
	s.workerGeneration = register(s.workerGeneration).(prometheus.Gauge)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// reuseOrRegister registers c, or returns the collector already registered
// under the same descriptor so a second sink on one registry shares it.
func reuseOrRegister(reg prometheus.Registerer, c prometheus.Collector) (prometheus.Collector, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return already.ExistingCollector, nil
	}
	return c, fmt.Errorf("register progress collector: %w", err)
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
		s.workerGeneration.Set(1)
	case progress.StageArticleDone:
		s.articles.WithLabelValues(evt.Kind.String()).Inc()
	case progress.StageArticleError:
		s.articles.WithLabelValues("failed").Inc()
	case progress.StagePoolReset:
		s.poolResets.Inc()
		s.requeuedTitles.Add(float64(evt.Requeued))
		s.retiredTitles.Add(float64(evt.Retired))
		s.workerGeneration.Set(float64(evt.Generation))
	case progress.StageRunDone:
		s.complete(evt, "success")
	case progress.StageRunError:
		s.complete(evt, "error")
	case progress.StageRunCanceled:
		s.complete(evt, "canceled")
	}
}

func (s *PrometheusSink) complete(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
