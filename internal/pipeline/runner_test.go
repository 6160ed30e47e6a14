package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/aardwiki/internal/convert"
	"github.com/JakeFAU/aardwiki/internal/markup"
	"github.com/JakeFAU/aardwiki/internal/progress"
	pubmem "github.com/JakeFAU/aardwiki/internal/publisher/memory"
	"github.com/JakeFAU/aardwiki/internal/storage/memory"
	"github.com/JakeFAU/aardwiki/internal/store"
	"github.com/JakeFAU/aardwiki/internal/wiki"
)

var testRunID = uuid.MustParse("0190a5f8-7c1e-7000-8000-000000000001")

type fixedIDs struct{}

func (fixedIDs) NewRunID() (uuid.UUID, error) { return testRunID, nil }

type fakeSink struct {
	mu       sync.Mutex
	titles   []string
	metadata map[string]any
	failAdd  error
}

func newFakeSink() *fakeSink { return &fakeSink{metadata: make(map[string]any)} }

func (s *fakeSink) AddMetadata(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
	return nil
}

func (s *fakeSink) AddArticle(title string, _ []byte, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAdd != nil {
		return s.failAdd
	}
	s.titles = append(s.titles, title)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

func (r *recorder) last() progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type convertFunc func(ctx context.Context, title string) wiki.Outcome

func (f convertFunc) Convert(ctx context.Context, title string) wiki.Outcome { return f(ctx, title) }

func sampleStore() *memory.ArticleStore {
	return memory.NewArticleStore("en").
		Put("A", "'''A''' is first.").
		Put("Talk:A", "chatter").
		Put("B", "#REDIRECT [[a]]").
		Put("C", "")
}

func newRunner(t *testing.T, cfg Config, deps Deps) *Runner {
	t.Helper()
	if deps.IDs == nil {
		deps.IDs = fixedIDs{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	r, err := New(cfg, deps)
	require.NoError(t, err)
	return r
}

func TestRunInProcess(t *testing.T) {
	t.Parallel()

	st := sampleStore()
	sink := newFakeSink()
	events := &recorder{}
	pub := pubmem.New()
	finalized := false

	r := newRunner(t, Config{Topic: "runs"}, Deps{
		Store:     st,
		Converter: convert.New(st, markup.NewParser(), zap.NewNop(), convert.WithoutGC()),
		Sink:      sink,
		Progress:  events,
		Publisher: pub,
		Reclaim:   func() {},
		Finalize: func(context.Context) ([]string, error) {
			finalized = true
			return []string{"file:///out/en.jsonl"}, nil
		},
	})

	sum, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, testRunID, sum.RunID)
	assert.Equal(t, "en", sum.Lang)
	assert.Equal(t, store.RunSuccess, sum.Status)
	assert.EqualValues(t, 2, sum.Counters.Processed)
	assert.EqualValues(t, 1, sum.Counters.Errors)
	assert.EqualValues(t, 1, sum.Counters.Skipped)
	assert.Equal(t, []string{"file:///out/en.jsonl"}, sum.Artifacts)
	assert.True(t, finalized)

	assert.Equal(t, []string{"A", "B"}, sink.titles)
	assert.EqualValues(t, 2, sink.metadata["article_count"])
	assert.EqualValues(t, 1, sink.metadata["error_count"])
	assert.EqualValues(t, 1, sink.metadata["skipped_count"])

	assert.Equal(t, []progress.Stage{
		progress.StageRunStart,
		progress.StageArticleDone,
		progress.StageArticleDone,
		progress.StageArticleError,
		progress.StageRunDone,
	}, events.stages())
	for _, evt := range events.events {
		require.NoError(t, evt.Validate())
	}
	done := events.last()
	assert.EqualValues(t, 2, done.Counters.Processed)
	assert.Equal(t, testRunID, done.RunUUID())

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "runs", msgs[0].Topic)
	notice, ok := msgs[0].Payload.(Summary)
	require.True(t, ok)
	assert.Equal(t, store.RunSuccess, notice.Status)

	status := r.Status()
	assert.Equal(t, StateIdle, status.State)
	require.NotNil(t, status.Last)
	assert.EqualValues(t, 2, status.Last.Counters.Processed)
}

func TestRunHonorsBounds(t *testing.T) {
	t.Parallel()

	st := memory.NewArticleStore("en")
	for i := 1; i <= 5; i++ {
		st.Put(fmt.Sprintf("T%d", i), "text")
	}
	var seen []string
	conv := convertFunc(func(_ context.Context, title string) wiki.Outcome {
		seen = append(seen, title)
		return wiki.Outcome{Title: title, Kind: wiki.KindArticle, Payload: []byte(`["text",[]]`)}
	})

	r := newRunner(t, Config{Start: 1, End: 3}, Deps{Store: st, Converter: conv, Sink: newFakeSink(), Reclaim: func() {}})
	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"T2", "T3"}, seen)
	assert.EqualValues(t, 2, sum.Counters.Processed)
}

func TestRunCountsTrailingSpecialTitles(t *testing.T) {
	t.Parallel()

	okConv := convertFunc(func(_ context.Context, title string) wiki.Outcome {
		return wiki.Outcome{Title: title, Kind: wiki.KindArticle, Payload: []byte(`["text",[]]`)}
	})
	cases := map[string]struct {
		cfg     Config
		deps    Deps
		entries []string
		titles  []string
		skipped int64
	}{
		"in-process ends with specials": {
			entries: []string{"A", "Talk:A", "Category:B"},
			titles:  []string{"A"},
			skipped: 2,
			deps:    Deps{Converter: okConv},
		},
		"pooled ends with specials": {
			cfg:     Config{Workers: 1, Timeout: time.Second},
			entries: []string{"A", "Talk:X", "Category:Y"},
			titles:  []string{"A"},
			skipped: 2,
			deps:    Deps{Factory: poolFactory{conv: okConv}},
		},
		"only specials": {
			entries: []string{"Talk:A", "Category:B", "Template:C"},
			skipped: 3,
			deps:    Deps{Converter: okConv},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			st := memory.NewArticleStore("en")
			for _, title := range tc.entries {
				st.Put(title, "text")
			}
			sink := newFakeSink()
			deps := tc.deps
			deps.Store = st
			deps.Sink = sink
			deps.Reclaim = func() {}

			sum, err := newRunner(t, tc.cfg, deps).Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.titles, sink.titles)
			assert.Equal(t, tc.skipped, sum.Counters.Skipped)
			assert.EqualValues(t, tc.skipped, sink.metadata["skipped_count"])
			assert.EqualValues(t, len(tc.titles), sink.metadata["article_count"])
		})
	}
}

func TestRunCanceled(t *testing.T) {
	t.Parallel()

	st := sampleStore()
	sink := newFakeSink()
	events := &recorder{}
	pub := pubmem.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conv := convertFunc(func(_ context.Context, title string) wiki.Outcome {
		if title == "B" {
			cancel()
		}
		return wiki.Outcome{Title: title, Kind: wiki.KindArticle, Payload: []byte(`["x",[]]`)}
	})
	r := newRunner(t, Config{Topic: "runs"}, Deps{
		Store:     st,
		Converter: conv,
		Sink:      sink,
		Progress:  events,
		Publisher: pub,
		Reclaim:   func() {},
		Finalize: func(context.Context) ([]string, error) {
			t.Error("finalize must not run after cancellation")
			return nil, nil
		},
	})

	sum, err := r.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, wiki.ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, store.RunCanceled, sum.Status)
	assert.Equal(t, []string{"A"}, sink.titles)
	assert.NotContains(t, sink.metadata, "article_count")
	assert.Empty(t, pub.Messages())
	assert.Equal(t, progress.StageRunCanceled, events.last().Stage)
}

func TestRunSinkFailureIsFatal(t *testing.T) {
	t.Parallel()

	st := sampleStore()
	sink := newFakeSink()
	sink.failAdd = errors.New("disk full")
	events := &recorder{}

	r := newRunner(t, Config{}, Deps{
		Store:     st,
		Converter: convert.New(st, markup.NewParser(), nil, convert.WithoutGC()),
		Sink:      sink,
		Progress:  events,
		Reclaim:   func() {},
	})
	sum, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, store.RunError, sum.Status)
	assert.Equal(t, progress.StageRunError, events.last().Stage)
	assert.Equal(t, "disk full", errors.Unwrap(err).Error())
}

func TestRunPublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	st := sampleStore()
	pub := pubmem.New()
	pub.FailWith(errors.New("topic gone"))
	r := newRunner(t, Config{Topic: "runs"}, Deps{
		Store:     st,
		Converter: convert.New(st, markup.NewParser(), nil, convert.WithoutGC()),
		Sink:      newFakeSink(),
		Publisher: pub,
		Reclaim:   func() {},
	})
	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.RunSuccess, sum.Status)
}

func TestRunFinalizeFailure(t *testing.T) {
	t.Parallel()

	st := sampleStore()
	r := newRunner(t, Config{}, Deps{
		Store:     st,
		Converter: convert.New(st, markup.NewParser(), nil, convert.WithoutGC()),
		Sink:      newFakeSink(),
		Reclaim:   func() {},
		Finalize: func(context.Context) ([]string, error) {
			return nil, errors.New("bucket missing")
		},
	})
	sum, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "finalize output")
	assert.Equal(t, store.RunError, sum.Status)
}

func TestStatusDuringRun(t *testing.T) {
	t.Parallel()

	st := sampleStore()
	var r *Runner
	var during Status
	conv := convertFunc(func(_ context.Context, title string) wiki.Outcome {
		if title == "B" {
			during = r.Status()
			_, err := r.Run(context.Background())
			assert.ErrorIs(t, err, ErrAlreadyRunning)
		}
		return wiki.Outcome{Title: title, Kind: wiki.KindArticle, Payload: []byte(`["x",[]]`)}
	})
	r = newRunner(t, Config{}, Deps{Store: st, Converter: conv, Sink: newFakeSink(), Reclaim: func() {}})

	assert.Equal(t, StateIdle, r.Status().State)
	_, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateRunning, during.State)
	assert.Equal(t, testRunID.String(), during.RunID)
	assert.EqualValues(t, 1, during.Counters.Processed)
	require.NotNil(t, during.StartedAt)
}

// poolFactory starts in-process workers that convert with conv, except that
// "Hang" blocks until the worker is killed.
type poolFactory struct {
	conv wiki.Converter
}

func (f poolFactory) Start(context.Context, int) (wiki.Worker, error) {
	return &poolWorker{conv: f.conv, killed: make(chan struct{})}, nil
}

type poolWorker struct {
	conv   wiki.Converter
	once   sync.Once
	killed chan struct{}
}

func (w *poolWorker) Convert(ctx context.Context, title string) (wiki.Outcome, error) {
	if title == "Hang" {
		<-w.killed
		return wiki.Outcome{}, wiki.ErrWorkerLost
	}
	return w.conv.Convert(ctx, title), nil
}

func (w *poolWorker) Close() error { return w.Kill() }

func (w *poolWorker) Kill() error {
	w.once.Do(func() { close(w.killed) })
	return nil
}

func TestRunPooledRetiresStalledTitle(t *testing.T) {
	t.Parallel()

	st := sampleStore().Put("Hang", "never finishes")
	sink := newFakeSink()
	events := &recorder{}

	r := newRunner(t, Config{Workers: 2, Timeout: 50 * time.Millisecond}, Deps{
		Store:    st,
		Factory:  poolFactory{conv: convert.New(st, markup.NewParser(), nil, convert.WithoutGC())},
		Sink:     sink,
		Progress: events,
	})
	sum, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"A", "B"}, sink.titles)
	assert.EqualValues(t, 2, sum.Counters.Processed)
	assert.EqualValues(t, 2, sum.Counters.Errors)
	assert.EqualValues(t, 2, sum.Counters.TimedOut)
	assert.EqualValues(t, 1, sum.Counters.Skipped)
	assert.Equal(t, 2, sum.Resets)
	assert.Equal(t, 1, sum.Retired)
	assert.EqualValues(t, 2, sink.metadata["timedout_count"])

	resets := 0
	for _, evt := range events.events {
		if evt.Stage == progress.StagePoolReset {
			resets++
			assert.GreaterOrEqual(t, evt.Generation, 2)
		}
	}
	assert.Equal(t, 2, resets)
	assert.Equal(t, progress.StageRunDone, events.last().Stage)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	st := sampleStore()
	sink := newFakeSink()
	conv := convertFunc(func(context.Context, string) wiki.Outcome { return wiki.Outcome{} })

	cases := map[string]struct {
		cfg  Config
		deps Deps
	}{
		"no store":     {Config{}, Deps{Sink: sink, Converter: conv}},
		"no sink":      {Config{}, Deps{Store: st, Converter: conv}},
		"no converter": {Config{}, Deps{Store: st, Sink: sink}},
		"no factory":   {Config{Workers: 2, Timeout: time.Second}, Deps{Store: st, Sink: sink}},
		"no timeout":   {Config{Workers: 2}, Deps{Store: st, Sink: sink, Factory: poolFactory{}}},
		"negative":     {Config{Workers: -1}, Deps{Store: st, Sink: sink, Converter: conv}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(tc.cfg, tc.deps)
			assert.Error(t, err)
		})
	}
}
