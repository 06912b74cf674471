package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"

	"github.com/your-org/checksync/internal/cache"
	"github.com/your-org/checksync/internal/config"
	"github.com/your-org/checksync/internal/domain"
	"github.com/your-org/checksync/internal/events"
	"github.com/your-org/checksync/internal/handlers"
	"github.com/your-org/checksync/internal/merge"
	"github.com/your-org/checksync/internal/middleware"
	"github.com/your-org/checksync/internal/processor"
	"github.com/your-org/checksync/internal/repositories"
	"github.com/your-org/checksync/internal/scheduler"
	"github.com/your-org/checksync/internal/usecases"
	"github.com/your-org/checksync/pkg/logger"
)

const (
	// The remote store may come up after the workstation service.
	healthCheckRetries    = 5
	healthCheckRetryDelay = 2 * time.Second

	shutdownTimeout     = 30 * time.Second
	healthCheckInterval = 30 * time.Second
	processorQueueSize  = 100
	eventExportBuffer   = 256
	manualSyncPerMinute = 30
)

// App holds every component and owns their lifecycle
type App struct {
	config    *config.Config
	logger    *zap.Logger
	remote    domain.RemoteStore
	journal   *repositories.SQLiteJournal
	memo      *cache.ShardedCache
	bus       *events.Bus
	amqp      *events.AMQPPublisher
	unexport  func()
	processor *processor.OrderedProcessor
	scheduler *scheduler.Scheduler
	usecases  []*usecases.SyncUsecase
	server    *http.Server

	initOnce sync.Once
	initErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
}

// NewApp creates an uninitialized application
func NewApp() *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		ctx:    ctx,
		cancel: cancel,
	}
}

// Initialize wires all components once; any failure aborts startup
func (a *App) Initialize() error {
	a.initOnce.Do(func() {
		a.initErr = a.doInitialize()
	})
	return a.initErr
}

func (a *App) doInitialize() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}

	configPath := os.Getenv("APP_CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	// A missing file is not fatal: defaults and APP_* variables may suffice.
	fileErr := config.Load(configPath)
	if fileErr != nil {
		if err := config.Load(""); err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
	}
	a.config = config.Get()

	if err := logger.Init(a.config.Logging.Level, a.config.Logging.Development, a.config.Logging.OutputPaths...); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = logger.Get()
	if fileErr != nil {
		a.logger.Warn("config file not loaded, using defaults and environment",
			zap.String("path", configPath),
			zap.Error(fileErr),
		)
	}
	a.logger.Info("configuration loaded",
		zap.String("addr", a.config.Server.Addr()),
		zap.String("backend", a.config.Remote.Backend),
		zap.String("cache_folder", a.config.Sync.LocalCacheFolder),
		zap.Int("kinds", len(a.config.Kinds)),
	)

	if err := a.initializeRemote(); err != nil {
		return fmt.Errorf("failed to initialize remote store: %w", err)
	}

	if path := a.config.Journal.Path; path != "" {
		journal, err := repositories.OpenSQLiteJournal(path)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		a.journal = journal
	}

	if err := a.initializeEvents(); err != nil {
		return fmt.Errorf("failed to initialize events: %w", err)
	}

	a.memo = cache.NewShardedCache(a.config.Sync.MemoShards, a.config.Sync.MemoTTLSeconds)
	a.memo.StartCleanupWorker()

	if err := a.initializeUsecases(); err != nil {
		return err
	}

	a.processor = processor.NewSyncProcessor(a.config.Sync.Workers, processorQueueSize, a.logger.Named("processor"))
	a.processor.Start()

	syncers := make([]domain.EntitySyncer, 0, len(a.usecases))
	for _, u := range a.usecases {
		syncers = append(syncers, u)
	}
	a.scheduler = scheduler.New(a.processor, a.bus, a.logger, syncers...)

	a.initializeServer()

	a.logger.Info("application initialized")
	return nil
}

// initializeRemote opens the configured backend and checks it is reachable
func (a *App) initializeRemote() error {
	cfg := a.config.Remote

	switch cfg.Backend {
	case config.BackendFilesystem:
		fs := osfs.New(cfg.Filesystem.Root, osfs.WithBoundOS())
		a.remote = repositories.NewFilesystemStore(fs, a.logger.Named("remote"))
		return nil

	case config.BackendS3:
		ctx, cancel := context.WithTimeout(a.ctx, 30*time.Second)
		defer cancel()
		store, err := repositories.NewS3Store(ctx, repositories.S3Options{
			Bucket:         cfg.S3.Bucket,
			Region:         cfg.S3.Region,
			Endpoint:       cfg.S3.Endpoint,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		}, a.logger.Named("remote"))
		if err != nil {
			return err
		}
		a.remote = store
		return nil

	case config.BackendReindexer:
		return a.initializeReindexer()
	}

	return fmt.Errorf("unsupported backend %q", cfg.Backend)
}

// initializeReindexer retries because the database may start slower than us
func (a *App) initializeReindexer() error {
	cfg := a.config.Remote.Reindexer
	var err error

	for attempt := 0; attempt < healthCheckRetries; attempt++ {
		if attempt > 0 {
			a.logger.Info("retrying reindexer connection",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", healthCheckRetryDelay),
			)
			time.Sleep(healthCheckRetryDelay)
		}

		store, initErr := repositories.NewReindexerStore(cfg.DSN, cfg.MaxConnections, a.logger.Named("remote"))
		if initErr != nil {
			err = initErr
			a.logger.Warn("failed to create reindexer client",
				zap.Int("attempt", attempt+1),
				zap.Error(initErr),
			)
			continue
		}

		ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
		if ensureErr := store.EnsureCollections(ctx); ensureErr != nil {
			cancel()
			store.Close()
			err = ensureErr
			a.logger.Warn("failed to ensure reindexer namespaces",
				zap.Int("attempt", attempt+1),
				zap.Error(ensureErr),
			)
			continue
		}
		cancel()

		a.remote = store
		a.logger.Info("reindexer store ready",
			zap.Int("attempts", attempt+1),
			zap.String("dsn", cfg.DSN),
		)
		return nil
	}

	return fmt.Errorf("could not connect to reindexer after %d attempts: %w", healthCheckRetries, err)
}

// initializeEvents creates the bus and, when configured, the AMQP export
func (a *App) initializeEvents() error {
	a.bus = events.NewBus(a.logger)

	cfg := a.config.Events
	if cfg.AMQPURL == "" {
		return nil
	}

	publisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.Exchange, cfg.RoutingKey, a.logger)
	if err != nil {
		return err
	}
	a.amqp = publisher

	sub, unsubscribe := a.bus.Subscribe(eventExportBuffer)
	a.unexport = unsubscribe
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		publisher.Run(a.ctx, sub)
	}()

	a.logger.Info("event export enabled",
		zap.String("exchange", cfg.Exchange),
		zap.String("routing_key", cfg.RoutingKey),
	)
	return nil
}

// initializeUsecases builds one coordinator per kind. Kinds share the lock
// table and the transfer limiter.
func (a *App) initializeUsecases() error {
	cacheFS := osfs.New(a.config.Sync.LocalCacheFolder, osfs.WithBoundOS())
	engine := merge.NewEngine(nil)
	locks := usecases.NewLockTable(0)
	limiter := usecases.NewTransferLimiter(a.config.Sync.MaxConcurrentTransfers)
	attribution := config.AttributionResolver(a.config.Sync.Attribution)

	var journal domain.SyncJournal
	if a.journal != nil {
		journal = a.journal
	}

	for _, kind := range a.config.Kinds {
		fileCache, err := cache.NewFileCache(cacheFS, kind, a.memo, a.logger.Named("cache"))
		if err != nil {
			return fmt.Errorf("failed to open cache for %s: %w", kind.Name, err)
		}

		u, err := usecases.NewSyncUsecase(usecases.SyncConfig{
			Kind:               kind,
			RemoteBaseFolder:   a.config.Sync.RemoteBaseFolder,
			TransactionTimeout: a.config.Sync.TransactionTimeout(),
		}, usecases.SyncDeps{
			Cache:       fileCache,
			Remote:      a.remote,
			Merger:      engine,
			Observer:    a.bus,
			Journal:     journal,
			Attribution: attribution,
			Locks:       locks,
			Limiter:     limiter,
		}, a.logger.Named("sync"))
		if err != nil {
			return fmt.Errorf("failed to create sync engine for %s: %w", kind.Name, err)
		}
		a.usecases = append(a.usecases, u)
	}
	return nil
}

// initializeServer sets up routing and middleware
func (a *App) initializeServer() {
	services := make([]handlers.EntityService, 0, len(a.usecases))
	for _, u := range a.usecases {
		services = append(services, u)
	}
	syncHandler := handlers.NewSyncHandler(a.scheduler, a.logger, services...)
	eventsHandler := handlers.NewEventsHandler(a.bus, a.logger)

	r := chi.NewRouter()

	// Kept outside the middleware chain so it answers even under load.
	r.Get("/health", a.healthCheckHandler)

	rateLimiter := middleware.NewRateLimiter(manualSyncPerMinute, time.Minute)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.LoggingMiddleware(a.logger))
		r.Use(middleware.RecoveryMiddleware(a.logger))
		r.Use(middleware.AttributionMiddleware)

		syncHandler.Routes(r, middleware.RateLimitMiddleware(rateLimiter, a.logger))
		r.Get("/events", eventsHandler.Stream)
	})

	a.server = &http.Server{
		Addr:        a.config.Server.Addr(),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// A manual sync answers only when its transaction is done.
		WriteTimeout: a.config.Sync.TransactionTimeout() + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// healthCheckHandler reports whether the remote store is reachable
func (a *App) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"backend":   a.config.Remote.Backend,
		"scheduler": map[string]interface{}{
			"running":          a.scheduler.Running(),
			"interval_minutes": a.scheduler.Interval(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if hc, ok := a.remote.(domain.HealthChecker); ok {
		if err := hc.CheckConnection(ctx); err != nil {
			health["status"] = "unhealthy"
			health["error"] = err.Error()
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(health)
			return
		}
		health["remote"] = "connected"
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(health)
}

// StartBackgroundJobs starts the periodic remote health log
func (a *App) StartBackgroundJobs() {
	a.wg.Add(1)
	go a.periodicHealthCheck()

	if a.config.Sync.AutoStart {
		if err := a.scheduler.Start(a.config.Sync.IntervalMinutes); err != nil {
			a.logger.Error("failed to start scheduler", zap.Error(err))
		}
	}
}

func (a *App) periodicHealthCheck() {
	defer a.wg.Done()

	hc, ok := a.remote.(domain.HealthChecker)
	if !ok {
		return
	}

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			a.logger.Debug("periodic health check stopped")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
			if err := hc.CheckConnection(ctx); err != nil {
				a.logger.Warn("remote store unreachable", zap.Error(err))
			} else {
				a.logger.Debug("remote store reachable")
			}
			cancel()
		}
	}
}

// Start runs the HTTP server and the background jobs
func (a *App) Start() error {
	if err := a.Initialize(); err != nil {
		return err
	}

	a.StartBackgroundJobs()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("starting HTTP server", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown stops accepting requests, lets running transactions finish
// and releases every resource
func (a *App) Shutdown() error {
	var shutdownErr error
	keep := func(err error) {
		if err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}

	a.shutdownOnce.Do(func() {
		a.logger.Info("shutting down")

		if a.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := a.server.Shutdown(ctx); err != nil {
				a.logger.Error("failed to stop HTTP server", zap.Error(err))
				keep(err)
			}
			cancel()
		}

		if a.scheduler != nil {
			a.scheduler.Stop()
			a.scheduler.Wait()
		}

		if a.processor != nil {
			a.processor.Stop()
		}

		a.cancel()

		if a.unexport != nil {
			a.unexport()
		}
		if a.bus != nil {
			a.bus.Close()
		}

		if a.memo != nil {
			a.memo.StopCleanupWorker()
		}

		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			a.logger.Debug("background jobs finished")
		case <-time.After(shutdownTimeout):
			a.logger.Warn("timed out waiting for background jobs")
		}

		if a.amqp != nil {
			keep(a.amqp.Close())
		}
		if a.journal != nil {
			keep(a.journal.Close())
		}
		if closer, ok := a.remote.(io.Closer); ok {
			keep(closer.Close())
		}

		a.logger.Info("application stopped")
		_ = logger.Sync()
	})

	return shutdownErr
}

func main() {
	app := NewApp()

	if err := app.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if err := app.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown failed: %v\n", err)
		os.Exit(1)
	}
}
