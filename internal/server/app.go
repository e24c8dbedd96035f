// Package server builds the service dependencies from configuration and runs
// the HTTP API and the worker pool.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/timshannon/badgerhold/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawl-ingest/internal/api"
	"github.com/JakeFAU/crawl-ingest/internal/clock/system"
	"github.com/JakeFAU/crawl-ingest/internal/config"
	"github.com/JakeFAU/crawl-ingest/internal/crawler"
	"github.com/JakeFAU/crawl-ingest/internal/dispatcher"
	"github.com/JakeFAU/crawl-ingest/internal/id/uuid"
	"github.com/JakeFAU/crawl-ingest/internal/metrics"
	memorypublisher "github.com/JakeFAU/crawl-ingest/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crawl-ingest/internal/publisher/pubsub"
	badgerqueue "github.com/JakeFAU/crawl-ingest/internal/queue/badger"
	queueMemory "github.com/JakeFAU/crawl-ingest/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/crawl-ingest/internal/queue/pubsub"
	"github.com/JakeFAU/crawl-ingest/internal/runner"
	badgerstore "github.com/JakeFAU/crawl-ingest/internal/storage/badger"
	gcsstorage "github.com/JakeFAU/crawl-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawl-ingest/internal/storage/local"
	memoryStorage "github.com/JakeFAU/crawl-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawl-ingest/internal/storage/postgres"
	"github.com/JakeFAU/crawl-ingest/internal/worker"
)

// Mode selects which halves of the service a process runs.
type Mode int

// Process modes.
const (
	ModeAPI Mode = iota + 1
	ModeWorker
	ModeStandalone
)

func (m Mode) String() string {
	switch m {
	case ModeAPI:
		return "api"
	case ModeWorker:
		return "worker"
	case ModeStandalone:
		return "standalone"
	default:
		return "unknown"
	}
}

func (m Mode) servesAPI() bool   { return m == ModeAPI || m == ModeStandalone }
func (m Mode) runsWorkers() bool { return m == ModeWorker || m == ModeStandalone }

// App contains the application's dependencies.
type App struct {
	cfg     config.Config
	mode    Mode
	version string
	logger  *zap.Logger

	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher

	queue   crawler.Queue
	tracker crawler.StatusTracker
	records crawler.RecordStore

	pool            *pgxpool.Pool
	trackerStore    *badgerhold.Store
	queueDB         *badger.DB
	queueClient     *pubsub.Client
	notifyClient    *pubsub.Client
	notifyPublisher *gcppublisher.Publisher
	storage         *storage.Client
}

// Build creates the application's dependencies for mode.
func Build(ctx context.Context, cfg config.Config, mode Mode, version string, logger *zap.Logger) (*App, error) {
	metrics.Init()
	app := &App{cfg: cfg, mode: mode, version: version, logger: logger}
	app.logger.Info("building application dependencies",
		zap.Stringer("mode", mode),
		zap.String("tracker", cfg.Tracker.Provider),
		zap.String("queue", cfg.Queue.Provider),
		zap.String("archive", cfg.Archive.Provider),
	)

	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure()
		}
	}()

	if err := app.setupDatabase(ctx); err != nil {
		return nil, err
	}
	if err := app.setupTracker(ctx); err != nil {
		return nil, err
	}
	if err := app.setupQueue(ctx); err != nil {
		return nil, err
	}

	clock := system.New()
	if mode.runsWorkers() {
		if err := app.setupDispatcher(ctx, clock); err != nil {
			return nil, err
		}
	}
	if mode.servesAPI() {
		svc := api.NewService(
			app.tracker,
			app.records,
			app.queue,
			uuid.New(),
			clock,
			cfg.API,
			logger.Named("api"),
		)
		app.apiServer = api.NewServer(svc, api.Options{
			RequestTimeout: cfg.Server.RequestTimeout,
			Version:        version,
		}, logger.Named("api"))
	}

	ok = true
	return app, nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, records are kept in memory")
		a.records = memoryStorage.NewRecordStore()
		return nil
	}
	var err error
	a.pool, err = pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres pool init failed: %w", err)
	}
	a.records, err = pgstore.NewRecordStore(a.pool, pgstore.RecordStoreConfig{SchemaLockID: a.cfg.DB.SchemaLockID})
	if err != nil {
		return fmt.Errorf("record store init failed: %w", err)
	}
	a.logger.Info("postgres record store initialized")
	return nil
}

func (a *App) setupTracker(_ context.Context) error {
	var err error
	switch a.cfg.Tracker.Provider {
	case "postgres":
		a.tracker, err = pgstore.NewStatusTracker(a.pool, pgstore.StatusTrackerConfig{SchemaLockID: a.cfg.DB.SchemaLockID})
		if err != nil {
			return fmt.Errorf("postgres status tracker init failed: %w", err)
		}
	case "badger":
		path := a.cfg.Tracker.BadgerPath
		if a.cfg.SharedBadger() {
			path = a.cfg.Queue.Badger.Path
		}
		a.trackerStore, err = badgerstore.Open(path)
		if err != nil {
			return fmt.Errorf("badger status tracker open failed: %w", err)
		}
		a.tracker, err = badgerstore.NewStatusTracker(a.trackerStore)
		if err != nil {
			return fmt.Errorf("badger status tracker init failed: %w", err)
		}
		a.logger.Debug("badger status tracker", zap.String("path", path))
	default:
		if a.mode != ModeStandalone {
			a.logger.Warn("memory status tracker is not shared between processes", zap.Stringer("mode", a.mode))
		}
		a.tracker = memoryStorage.NewStatusTracker()
	}
	a.logger.Info("status tracker initialized", zap.String("provider", a.cfg.Tracker.Provider))
	return nil
}

func (a *App) setupQueue(ctx context.Context) error {
	logger := a.logger.Named("queue")
	switch a.cfg.Queue.Provider {
	case "badger":
		bcfg := badgerqueue.Config{
			Name:              a.cfg.Queue.Badger.Name,
			VisibilityTimeout: a.cfg.Queue.Badger.VisibilityTimeout,
			MaxReceive:        a.cfg.Queue.Badger.MaxReceive,
			PollInterval:      a.cfg.Queue.Badger.PollInterval,
		}
		var (
			q   *badgerqueue.Queue
			err error
		)
		if a.trackerStore != nil && a.cfg.SharedBadger() {
			q, err = badgerqueue.New(a.trackerStore.Badger(), bcfg, false, logger)
		} else {
			a.queueDB, err = badgerqueue.Open(a.cfg.Queue.Badger.Path)
			if err != nil {
				return fmt.Errorf("badger queue open failed: %w", err)
			}
			q, err = badgerqueue.New(a.queueDB, bcfg, true, logger)
			if err == nil {
				a.queueDB = nil
			}
		}
		if err != nil {
			return fmt.Errorf("badger queue init failed: %w", err)
		}
		a.queue = q
	case "pubsub":
		var err error
		a.queueClient, err = pubsub.NewClient(ctx, a.cfg.Queue.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		subscription := ""
		if a.mode.runsWorkers() {
			subscription = a.cfg.Queue.PubSub.Subscription
		}
		a.queue, err = pubsubqueue.New(a.queueClient, pubsubqueue.Config{
			Topic:          a.cfg.Queue.PubSub.Topic,
			Subscription:   subscription,
			MaxOutstanding: a.cfg.Worker.Concurrency,
			MaxExtension:   a.cfg.Worker.JobTimeout + time.Minute,
		}, logger)
		if err != nil {
			return fmt.Errorf("pubsub queue init failed: %w", err)
		}
	default:
		if a.mode != ModeStandalone {
			a.logger.Warn("memory queue only reaches workers in the same process", zap.Stringer("mode", a.mode))
		}
		a.queue = queueMemory.NewQueue(a.cfg.Queue.Depth)
	}
	a.logger.Info("job queue initialized", zap.String("provider", a.cfg.Queue.Provider))
	return nil
}

func (a *App) setupArchive(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Archive.Provider {
	case "gcs":
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(a.storage, gcsstorage.Config{
			Bucket:    a.cfg.Archive.GCSBucket,
			ChunkSize: a.cfg.Archive.GCSChunkSize,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS run log archive", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return blobStore, nil
	case "local":
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.Dir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local run log archive", zap.String("path", a.cfg.Archive.Dir))
		return blobStore, nil
	case "memory":
		a.logger.Info("using in-memory run log archive")
		return memoryStorage.NewBlobStore(), nil
	default:
		a.logger.Info("run log archive disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.Notify.Topic == "" || a.cfg.Notify.ProjectID == "" {
		a.logger.Info("no notify topic configured, using in-memory publisher")
		return memorypublisher.New(1000, a.logger.Named("notify")), nil
	}
	var err error
	a.notifyClient, err = pubsub.NewClient(ctx, a.cfg.Notify.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("notify pubsub client init failed: %w", err)
	}
	a.notifyPublisher = gcppublisher.New(a.notifyClient)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.Notify.ProjectID),
		zap.String("topic", a.cfg.Notify.Topic),
	)
	return a.notifyPublisher, nil
}

func (a *App) setupDispatcher(ctx context.Context, clock crawler.Clock) error {
	blobStore, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	proc, err := runner.New(runner.Config{
		Command:   a.cfg.Runner.Command,
		Args:      a.cfg.Runner.Args,
		WorkDir:   a.cfg.Runner.WorkDir,
		PathEnv:   a.cfg.Runner.PathEnv,
		PathValue: a.cfg.Runner.PathValue,
		TailBytes: a.cfg.Runner.TailBytes,
		KillGrace: a.cfg.Runner.KillGrace,
	}, a.logger.Named("runner"))
	if err != nil {
		return fmt.Errorf("runner init failed: %w", err)
	}

	workerCfg := worker.Config{
		JobTimeout:  a.cfg.Worker.JobTimeout,
		LogPrefix:   a.cfg.Archive.Prefix,
		MaxLogBytes: a.cfg.Runner.MaxLogBytes,
		NotifyTopic: a.cfg.Notify.Topic,
	}
	a.logger.Info("worker config",
		zap.Int("concurrency", a.cfg.Worker.Concurrency),
		zap.Duration("job_timeout", workerCfg.JobTimeout),
		zap.String("command", a.cfg.Runner.Command),
		zap.String("log_prefix", workerCfg.LogPrefix),
		zap.String("notify_topic", workerCfg.NotifyTopic),
	)

	workers := make([]*worker.Worker, 0, a.cfg.Worker.Concurrency)
	for i := 0; i < a.cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(
			a.queue,
			a.tracker,
			a.records,
			proc,
			blobStore,
			publisher,
			clock,
			workerCfg,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, workers, a.logger.Named("dispatcher"))
	return nil
}

// Run starts the configured halves and blocks until the context is canceled
// or a component fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a.logger.Info("application started", zap.Stringer("mode", a.mode), zap.String("version", a.version))

	g, gctx := errgroup.WithContext(ctx)
	if a.dispatch != nil {
		g.Go(func() error {
			a.dispatch.Run(gctx)
			return nil
		})
	}
	if a.apiServer != nil {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
		}
		g.Go(func() error {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("server shutdown error", zap.Error(err))
			}
			return nil
		})
	}

	err := g.Wait()
	a.logger.Info("shutdown initiated")
	a.Close()
	if err != nil {
		return fmt.Errorf("run %s: %w", a.mode, err)
	}
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close() {
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
		a.queue = nil
	}
	if a.queueDB != nil {
		if err := a.queueDB.Close(); err != nil {
			a.logger.Warn("badger queue close failed", zap.Error(err))
		}
		a.queueDB = nil
	}
	if a.trackerStore != nil {
		if err := a.trackerStore.Close(); err != nil {
			a.logger.Warn("badger tracker close failed", zap.Error(err))
		}
		a.trackerStore = nil
	}
	if a.notifyPublisher != nil {
		a.notifyPublisher.Stop()
		a.notifyPublisher = nil
	}
	for _, c := range []*pubsub.Client{a.queueClient, a.notifyClient} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	a.queueClient, a.notifyClient = nil, nil
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storage = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

// Migrate waits for Postgres and provisions the records and jobs tables.
func Migrate(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.DB.DSN == "" {
		return errors.New("db.dsn must be set to run migrations")
	}
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{DSN: cfg.DB.DSN, MaxConns: 2})
	if err != nil {
		return fmt.Errorf("postgres pool init failed: %w", err)
	}
	defer pool.Close()

	if err := pgstore.WaitForDatabase(ctx, pool, cfg.DB.WaitAttempts, cfg.DB.WaitInterval, logger); err != nil {
		return fmt.Errorf("database unavailable: %w", err)
	}
	return migrate(ctx, pool, cfg.DB.SchemaLockID, logger)
}

type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

func migrate(ctx context.Context, pool pgstore.Pool, lockID int64, logger *zap.Logger) error {
	records, err := pgstore.NewRecordStore(pool, pgstore.RecordStoreConfig{SchemaLockID: lockID})
	if err != nil {
		return fmt.Errorf("record store init failed: %w", err)
	}
	tracker, err := pgstore.NewStatusTracker(pool, pgstore.StatusTrackerConfig{SchemaLockID: lockID})
	if err != nil {
		return fmt.Errorf("status tracker init failed: %w", err)
	}
	steps := []struct {
		name string
		s    schemaEnsurer
	}{
		{name: "records", s: records},
		{name: "jobs", s: tracker},
	}
	for _, step := range steps {
		if err := step.s.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure %s schema: %w", step.name, err)
		}
		logger.Info("schema ensured", zap.String("table", step.name))
	}
	return nil
}
