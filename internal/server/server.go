// Package server builds the service's dependencies from configuration and
// runs the HTTP listener until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/pagesnap/internal/api"
	"github.com/JakeFAU/pagesnap/internal/archive"
	"github.com/JakeFAU/pagesnap/internal/browser/container"
	"github.com/JakeFAU/pagesnap/internal/browser/headless"
	"github.com/JakeFAU/pagesnap/internal/capture"
	"github.com/JakeFAU/pagesnap/internal/clock/system"
	"github.com/JakeFAU/pagesnap/internal/config"
	"github.com/JakeFAU/pagesnap/internal/dispatcher"
	"github.com/JakeFAU/pagesnap/internal/hash/sha256"
	"github.com/JakeFAU/pagesnap/internal/job"
	"github.com/JakeFAU/pagesnap/internal/logging"
	"github.com/JakeFAU/pagesnap/internal/policy/blocklist"
	"github.com/JakeFAU/pagesnap/internal/policy/ratelimit"
	"github.com/JakeFAU/pagesnap/internal/pool"
	"github.com/JakeFAU/pagesnap/internal/progress"
	progresssinks "github.com/JakeFAU/pagesnap/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/pagesnap/internal/publisher/pubsub"
	"github.com/JakeFAU/pagesnap/internal/storage"
	gcsstorage "github.com/JakeFAU/pagesnap/internal/storage/gcs"
	localstorage "github.com/JakeFAU/pagesnap/internal/storage/local"
	memorystorage "github.com/JakeFAU/pagesnap/internal/storage/memory"
	pgstore "github.com/JakeFAU/pagesnap/internal/storage/postgres"
	"github.com/JakeFAU/pagesnap/internal/telemetry"
)

const serviceName = "pagesnap"

// closer releases one piece of infrastructure during shutdown.
type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	engine    capture.Engine
	pool      *pool.Pool
	dispatch  *dispatcher.Dispatcher
	archiver  *archive.Archiver
	events    *progress.Hub
	apiServer *api.Server
	ready     map[string]api.ReadyCheck
	closers   []closer
	tracer    *sdktrace.TracerProvider
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger   *zap.Logger
	engine   capture.Engine
	registry prometheus.Registerer
}

// WithLogger skips logger construction and uses l.
func WithLogger(l *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

// WithEngine replaces the configured browser engine.
func WithEngine(e capture.Engine) Option {
	return func(o *buildOptions) { o.engine = e }
}

// WithRegisterer registers capture event collectors on reg instead of the
// default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registry = reg }
}

// Build creates the application's dependencies. On error everything built so
// far is released.
func Build(ctx context.Context, cfg config.Config, version string, opts ...Option) (_ *App, err error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}

	logger := bo.logger
	if logger == nil {
		logger, err = logging.New(logging.Options{
			Development: cfg.Logging.Development,
			Service:     serviceName,
			Version:     version,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app := &App{
		cfg:    cfg,
		logger: logger,
		ready:  make(map[string]api.ReadyCheck),
	}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			app.closeInfrastructure(closeCtx)
			app.closeObservability(closeCtx)
		}
	}()

	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("engine", cfg.Engine.Mode),
		zap.Int("pool_capacity", cfg.Pool.Capacity),
		zap.Int("queue_depth", cfg.Dispatcher.QueueDepth),
		zap.String("storage", cfg.Storage.Backend),
	)

	if err = app.setupTracing(ctx, version); err != nil {
		return nil, err
	}

	app.engine = bo.engine
	if app.engine == nil {
		if app.engine, err = app.setupEngine(ctx); err != nil {
			return nil, err
		}
	}

	if err = app.setupProgress(ctx, bo.registry); err != nil {
		return nil, err
	}

	app.pool, err = pool.New(app.engine, pool.Config{
		Capacity:       cfg.Pool.Capacity,
		MaxUses:        cfg.Pool.MaxUses,
		MaxFailures:    cfg.Pool.MaxFailures,
		AcquireTimeout: cfg.AcquireTimeout(),
		LaunchTimeout:  cfg.LaunchTimeout(),
	}, logger.Named("pool"))
	if err != nil {
		return nil, fmt.Errorf("pool init failed: %w", err)
	}
	app.closers = append(app.closers, closer{name: "pool", fn: app.pool.Shutdown})

	if app.dispatch, err = app.setupDispatcher(); err != nil {
		return nil, err
	}

	if app.archiver, err = app.setupArchive(ctx); err != nil {
		return nil, err
	}

	var archiver api.Archiver
	if app.archiver != nil {
		archiver = app.archiver
	}
	app.apiServer = api.NewServer(app.dispatch, archiver, app.pool, api.Options{
		AuthEnabled:   cfg.Auth.Enabled,
		APIKey:        cfg.Auth.APIKey,
		ArchiveAlways: cfg.Storage.Always,
		ReadyChecks:   app.ready,
	}, logger.Named("api"))

	return app, nil
}

func (a *App) setupTracing(ctx context.Context, version string) error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	name := a.cfg.Tracing.ServiceName
	if name == "" {
		name = serviceName
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName:  name,
		Version:      version,
		OTLPEndpoint: a.cfg.Tracing.OTLPEndpoint,
		SampleRatio:  a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracer = tp
	a.logger.Info("tracing enabled",
		zap.String("service", name),
		zap.String("otlp_endpoint", a.cfg.Tracing.OTLPEndpoint),
		zap.Float64("sample_ratio", a.cfg.Tracing.SampleRatio),
	)
	return nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("capture events disabled")
		return nil
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("capture event metrics: %w", err)
	}
	sinks := []progress.Sink{promSink}
	if a.cfg.Progress.LogEnabled {
		sinks = append(sinks, progresssinks.NewLogSink(a.logger.Named("events")))
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("event_hub"),
	}
	a.events = progress.NewHub(hubCfg, sinks...)
	a.closers = append(a.closers, closer{name: "event hub", fn: a.events.Close})
	a.logger.Info("capture event hub initialized",
		zap.Int("sinks", len(sinks)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupEngine(ctx context.Context) (capture.Engine, error) {
	switch a.cfg.Engine.Mode {
	case config.EngineDocker:
		engine, err := container.New(container.Config{
			Image:     a.cfg.Engine.DockerImage,
			HostIP:    a.cfg.Engine.DockerHostIP,
			UserAgent: a.cfg.Engine.UserAgent,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("docker engine init failed: %w", err)
		}
		a.closers = append(a.closers, closer{name: "docker client", fn: func(context.Context) error { return engine.Close() }})
		if err := engine.EnsureImage(ctx); err != nil {
			return nil, fmt.Errorf("browser image unavailable: %w", err)
		}
		a.logger.Info("using docker browser engine", zap.String("image", a.cfg.Engine.DockerImage))
		return engine, nil
	default:
		engine, err := headless.New(headless.Config{
			Mode:      headless.Mode(a.cfg.Engine.Mode),
			ExecPath:  a.cfg.Engine.ExecPath,
			RemoteURL: a.cfg.Engine.RemoteURL,
			UserAgent: a.cfg.Engine.UserAgent,
			Flags:     a.cfg.Engine.Flags,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("headless engine init failed: %w", err)
		}
		a.logger.Info("using chromedp browser engine", zap.String("mode", a.cfg.Engine.Mode))
		return engine, nil
	}
}

func (a *App) setupDispatcher() (*dispatcher.Dispatcher, error) {
	jobCfg := job.Config{KillGrace: a.cfg.KillGrace()}
	var opts []dispatcher.Option
	if a.events != nil {
		clock := system.New()
		jobCfg.Observer = func(id string, stage job.Stage) {
			a.events.Emit(progress.Event{CaptureID: id, TS: clock.Now(), Stage: progress.Stage(stage.String())})
		}
		opts = append(opts, dispatcher.WithEmitter(a.events))
	}
	runner := job.New(a.pool, jobCfg, a.logger.Named("job"))

	if a.cfg.Dispatcher.PerHostRPS > 0 {
		opts = append(opts, dispatcher.WithLimiter(ratelimit.New(ratelimit.Config{
			PerHostRPS:   a.cfg.Dispatcher.PerHostRPS,
			PerHostBurst: a.cfg.Dispatcher.PerHostBurst,
		})))
		a.logger.Info("per-host rate limit enabled",
			zap.Float64("rps", a.cfg.Dispatcher.PerHostRPS),
			zap.Int("burst", a.cfg.Dispatcher.PerHostBurst),
		)
	}
	if len(a.cfg.Dispatcher.BlockedHosts) > 0 {
		opts = append(opts, dispatcher.WithHostPolicy(blocklist.New(a.cfg.Dispatcher.BlockedHosts)))
		a.logger.Info("host blocklist enabled", zap.Strings("hosts", a.cfg.Dispatcher.BlockedHosts))
	}

	d, err := dispatcher.New(runner, dispatcher.Config{
		Capacity:   a.cfg.Pool.Capacity,
		QueueDepth: a.cfg.Dispatcher.QueueDepth,
		Defaults:   a.cfg.CaptureDefaults(),
	}, a.logger.Named("dispatcher"), opts...)
	if err != nil {
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}
	return d, nil
}

func (a *App) setupArchive(ctx context.Context) (*archive.Archiver, error) {
	blobs, err := a.setupBlobStore(ctx)
	if err != nil || blobs == nil {
		return nil, err
	}
	records, err := a.setupRecordStore(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	archiver, err := archive.New(archive.Config{
		Blobs:     blobs,
		Records:   records,
		Publisher: publisher,
		Topic:     a.cfg.PubSub.TopicName,
		Prefix:    a.cfg.Storage.Prefix,
		Hasher:    sha256.New(),
		Clock:     system.New(),
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("archive init failed: %w", err)
	}
	return archiver, nil
}

func (a *App) setupBlobStore(ctx context.Context) (storage.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.closers = append(a.closers, closer{name: "gcs client", fn: func(context.Context) error { return store.Close() }})
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	case config.StorageLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		return store, nil
	case config.StorageMemory:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("archiving disabled")
		return nil, nil
	}
}

func (a *App) setupRecordStore(ctx context.Context) (storage.RecordStore, error) {
	if a.cfg.DB.DSN == "" {
		if a.cfg.Storage.Backend == config.StorageMemory {
			return memorystorage.NewRecordStore(), nil
		}
		a.logger.Warn("no DSN specified for database, capture records will not be stored")
		return storage.Discard{}, nil
	}
	store, err := pgstore.NewRecordStore(ctx, pgstore.Config{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.Table,
		MaxConns: int32(a.cfg.DB.MaxConns), //nolint:gosec // validated to a small positive value
	})
	if err != nil {
		return nil, fmt.Errorf("record store init failed: %w", err)
	}
	a.closers = append(a.closers, closer{name: "record store", fn: func(context.Context) error {
		store.Close()
		return nil
	}})
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("record store schema: %w", err)
	}
	a.ready["postgres"] = store.Ping
	a.logger.Info("record store initialized", zap.String("table", a.cfg.DB.Table))
	return store, nil
}

func (a *App) setupPublisher(ctx context.Context) (archive.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no Pub/Sub topic configured, capture events will not be published")
		return nil, nil
	}
	publisher, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.closers = append(a.closers, closer{name: "pubsub", fn: func(context.Context) error { return publisher.Close() }})
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return publisher, nil
}

// Handler exposes the HTTP routes, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP on the configured port until ctx ends or SIGINT/SIGTERM
// arrives, then drains and releases everything.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if a.cfg.Pool.Warm > 0 {
		g.Go(func() error {
			if err := a.pool.Warm(gctx, a.cfg.Pool.Warm); err != nil && gctx.Err() == nil {
				a.logger.Warn("pool warm-up failed", zap.Error(err))
			}
			return nil
		})
	}

	shutdownTimeout := a.cfg.ShutdownTimeout()
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		a.apiServer.SetDraining()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.Close(closeCtx)
	return err
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure(ctx context.Context) {
	// Reverse build order: the pool goes before the engine that feeds it.
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracer = nil
	}
	if err := logging.Sync(a.logger); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
}
