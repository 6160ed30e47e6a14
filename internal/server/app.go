// Package server builds a conversion run from configuration: the article
// store, the output dictionary, the worker pool or in-process converter,
// progress sinks, run history, upload, notification and the status server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/aardwiki/internal/api"
	"github.com/JakeFAU/aardwiki/internal/clock/system"
	"github.com/JakeFAU/aardwiki/internal/config"
	"github.com/JakeFAU/aardwiki/internal/convert"
	"github.com/JakeFAU/aardwiki/internal/id/uuid"
	"github.com/JakeFAU/aardwiki/internal/markup"
	"github.com/JakeFAU/aardwiki/internal/metadata"
	"github.com/JakeFAU/aardwiki/internal/output"
	"github.com/JakeFAU/aardwiki/internal/pipeline"
	"github.com/JakeFAU/aardwiki/internal/progress"
	progresssinks "github.com/JakeFAU/aardwiki/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/aardwiki/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/aardwiki/internal/publisher/pubsub"
	"github.com/JakeFAU/aardwiki/internal/storage"
	gcsstorage "github.com/JakeFAU/aardwiki/internal/storage/gcs"
	localstorage "github.com/JakeFAU/aardwiki/internal/storage/local"
	memorystorage "github.com/JakeFAU/aardwiki/internal/storage/memory"
	pgstore "github.com/JakeFAU/aardwiki/internal/storage/postgres"
	"github.com/JakeFAU/aardwiki/internal/storage/sqlite"
	"github.com/JakeFAU/aardwiki/internal/store"
	"github.com/JakeFAU/aardwiki/internal/telemetry"
	"github.com/JakeFAU/aardwiki/internal/wiki"
	"github.com/JakeFAU/aardwiki/internal/worker"
)

// Content types of the uploaded artifacts.
const (
	ArticlesContentType = "application/x-ndjson"
	MetadataContentType = "application/json"
)

// Options are the process-level inputs of Build.
type Options struct {
	// Version is reported as the converter metadata and on spans.
	Version string
	// Executable and WorkerArgs launch worker processes; Executable defaults
	// to the running binary.
	Executable string
	WorkerArgs []string
	// Registerer receives the progress collectors; nil uses the default.
	Registerer prometheus.Registerer
}

// App contains the dependencies of one conversion run.
type App struct {
	cfg    config.Config
	opts   Options
	logger *zap.Logger

	store      *sqlite.Store
	writer     *output.Writer
	hub        *progress.Hub
	runRepo    store.RunRepository
	pgRuns     *pgstore.RunStore
	publisher  wiki.Publisher
	pubsub     *gcppublisher.Publisher
	gcs        *gcsstorage.BlobStore
	uploader   *storage.Uploader
	runner     *pipeline.Runner
	apiServer  *api.Server
	cancelRun  context.CancelCauseFunc
	runCtx     context.Context
	tracerStop func(context.Context) error
}

// Build creates the application's dependencies. A store without siteinfo
// fails with wiki.ErrStoreInit.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	app := &App{cfg: cfg, opts: opts, logger: logger}
	app.runCtx, app.cancelRun = context.WithCancelCause(context.Background())

	ok := false
	defer func() {
		if !ok {
			_ = app.Close(context.Background())
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, opts.Version)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerStop = tp.Shutdown

	app.logger.Info("building conversion",
		zap.String("data_dir", cfg.Wiki.DataDir),
		zap.String("lang", cfg.Wiki.Lang),
		zap.Int("workers", cfg.Convert.Workers),
	)
	if err := setupStore(ctx, app); err != nil {
		return nil, err
	}
	if err := setupOutput(app); err != nil {
		return nil, err
	}
	if err := setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	if err := setupProgress(app); err != nil {
		return nil, err
	}
	if err := setupPublisher(ctx, app); err != nil {
		return nil, err
	}
	if err := setupUpload(ctx, app); err != nil {
		return nil, err
	}
	if err := setupRunner(app); err != nil {
		return nil, err
	}
	if cfg.Server.Port > 0 {
		app.apiServer = api.NewServer(app.runner, app.runRepo, api.Config{APIKey: cfg.Server.APIKey}, logger,
			api.WithCancel(func() { app.cancelRun(errors.New("canceled via API")) }))
	}
	ok = true
	return app, nil
}

// Runner exposes the pipeline runner, e.g. for status reporting.
func (a *App) Runner() *pipeline.Runner { return a.runner }

// Writer exposes the output dictionary.
func (a *App) Writer() *output.Writer { return a.writer }

// Run converts the whole store and blocks until the run ends or ctx is
// canceled. The status server, when configured, lives for the run.
func (a *App) Run(ctx context.Context) (pipeline.Summary, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if a.runCtx.Err() != nil {
		cancel(context.Cause(a.runCtx))
	}
	stop := context.AfterFunc(a.runCtx, func() { cancel(context.Cause(a.runCtx)) })
	defer stop()

	var srv *http.Server
	if a.apiServer != nil {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("status server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("status server error", zap.Error(err))
			}
		}()
	}

	sum, err := a.runner.Run(ctx)

	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			a.logger.Error("status server shutdown error", zap.Error(serr))
		}
	}
	return sum, err
}

// finalize closes the dictionary and uploads it when configured.
func (a *App) finalize(ctx context.Context) ([]string, error) {
	if err := a.writer.Close(); err != nil {
		return nil, err
	}
	if a.uploader == nil {
		return []string{a.writer.Path(), a.writer.MetadataPath()}, nil
	}
	return a.uploader.Upload(ctx,
		storage.Artifact{Path: a.writer.Path(), ContentType: ArticlesContentType},
		storage.Artifact{Path: a.writer.MetadataPath(), ContentType: MetadataContentType},
	)
}

// Close gracefully shuts down the application. Pending progress events are
// flushed before the run repository closes.
func (a *App) Close(ctx context.Context) error {
	if a.cancelRun != nil {
		a.cancelRun(nil)
	}
	var errs []error
	if a.writer != nil {
		if err := a.writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgRuns != nil {
		a.pgRuns.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("article store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerStop != nil {
		if err := a.tracerStop(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

func setupStore(ctx context.Context, app *App) error {
	st, err := sqlite.Open(ctx, app.cfg.Wiki.DataDir, app.cfg.Wiki.Lang)
	if err != nil {
		return fmt.Errorf("%w: %w", wiki.ErrStoreInit, err)
	}
	app.store = st
	if !st.HasSiteInfo() {
		return fmt.Errorf("%w: no siteinfo for %q in %s, run the siteinfo command first",
			wiki.ErrStoreInit, app.cfg.Wiki.Lang, app.cfg.Wiki.DataDir)
	}
	app.logger.Info("article store opened",
		zap.String("path", st.Path()),
		zap.String("sitename", st.SiteInfo().General.SiteName),
	)
	return nil
}

func setupOutput(app *App) error {
	w, err := output.Create(app.cfg.OutputPath(), app.logger)
	if err != nil {
		return fmt.Errorf("output init failed: %w", err)
	}
	app.writer = w

	general := app.store.SiteInfo().General
	meta := app.cfg.Metadata
	return metadata.Apply(w, metadata.Options{
		Lang:          app.cfg.Wiki.Lang,
		SiteName:      general.SiteName,
		SiteLang:      general.Lang,
		DictVersion:   meta.DictVersion,
		DictUpdate:    meta.DictUpdate,
		Converter:     "aardwiki " + app.opts.Version,
		Files:         meta.Files,
		LicenseFile:   meta.LicenseFile,
		CopyrightFile: meta.CopyrightFile,
		SearchDirs:    meta.SearchDirs,
	}, app.logger)
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.DB.DSN == "" {
		app.logger.Info("no DSN specified for database, keeping run history in memory")
		app.runRepo = memorystorage.NewRunStore()
		return nil
	}
	runs, err := pgstore.NewRunStore(ctx, pgstore.Config{
		DSN:             app.cfg.DB.DSN,
		MaxConns:        app.cfg.DB.MaxConns,
		MinConns:        app.cfg.DB.MinConns,
		MaxConnLifetime: app.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	app.pgRuns = runs
	if err := runs.Migrate(ctx); err != nil {
		return fmt.Errorf("run store migrate failed: %w", err)
	}
	app.runRepo = runs
	app.logger.Info("run store initialized")
	return nil
}

func setupProgress(app *App) error {
	promSink, err := progresssinks.NewPrometheusSink(app.opts.Registerer)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
		promSink,
		progresssinks.NewStoreSink(app.runRepo, app.logger.Named("progress_store")),
	}
	p := app.cfg.Progress
	hubCfg := progress.Config{
		BufferSize:     p.BufferSize,
		MaxBatchEvents: p.MaxBatch,
		MaxBatchWait:   time.Duration(p.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(p.SinkTimeoutMs) * time.Millisecond,
		Logger:         app.logger,
	}
	app.hub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Debug("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		app.publisher = memorypublisher.New()
		return nil
	}
	pub, err := gcppublisher.Open(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsub = pub
	app.publisher = pub
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return nil
}

func setupUpload(ctx context.Context, app *App) error {
	var blobs wiki.BlobStore
	switch app.cfg.Output.Upload {
	case config.UploadGCS:
		gcs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: app.cfg.Output.GCSBucket}, gcsstorage.DefaultClientFactory{})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.gcs = gcs
		blobs = gcs
		app.logger.Info("uploading to GCS", zap.String("bucket", app.cfg.Output.GCSBucket))
	case config.UploadLocal:
		local, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Output.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		blobs = local
		app.logger.Info("copying output to local directory", zap.String("path", app.cfg.Output.LocalDir))
	default:
		app.logger.Debug("upload disabled")
		return nil
	}
	uploader, err := storage.NewUploader(blobs, app.cfg.Output.Prefix, app.logger)
	if err != nil {
		return err
	}
	app.uploader = uploader
	return nil
}

func setupRunner(app *App) error {
	cc := app.cfg.Convert
	deps := pipeline.Deps{
		Store:     app.store,
		Sink:      app.writer,
		Progress:  app.hub,
		Publisher: app.publisher,
		Finalize:  app.finalize,
		Clock:     system.New(),
		IDs:       uuid.New(),
		Logger:    app.logger,
	}
	if cc.Workers == 0 {
		deps.Converter = convert.New(app.store, markup.NewParser(), app.logger, convert.WithoutGC())
	} else {
		factory, err := worker.NewProcessFactory(worker.Config{
			Executable: app.opts.Executable,
			Args:       app.opts.WorkerArgs,
		}, app.logger)
		if err != nil {
			return fmt.Errorf("worker factory init failed: %w", err)
		}
		deps.Factory = factory
	}
	runner, err := pipeline.New(pipeline.Config{
		Lang:          app.cfg.Wiki.Lang,
		Workers:       cc.Workers,
		Timeout:       cc.Timeout(),
		Start:         cc.Start,
		End:           cc.End,
		MaxItemStalls: cc.MaxItemStalls,
		RespawnRate:   cc.RespawnRate,
		Topic:         app.cfg.PubSub.TopicName,
	}, deps)
	if err != nil {
		return fmt.Errorf("runner init failed: %w", err)
	}
	app.runner = runner
	return nil
}
