// Package app wires the tickvault components into one process: storage
// backend, chunk store, catalog, engine, scheduler, and the HTTP API.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	httpapi "github.com/tickvault/tickvault/internal/api/http"
	"github.com/tickvault/tickvault/internal/cache"
	"github.com/tickvault/tickvault/internal/catalog"
	"github.com/tickvault/tickvault/internal/chunkstore"
	"github.com/tickvault/tickvault/internal/config"
	"github.com/tickvault/tickvault/internal/engine"
	"github.com/tickvault/tickvault/internal/scheduler"
	"github.com/tickvault/tickvault/internal/server"
	"github.com/tickvault/tickvault/internal/storage"
)

// App owns the lifecycle of a tickvault node.
type App struct {
	cfg *config.Config

	objects  storage.ObjectStorage
	store    *chunkstore.Store
	catalog  *catalog.Catalog
	engine   *engine.Engine
	sched    *scheduler.Scheduler
	shutdown *server.ShutdownManager

	httpServer *http.Server

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates the configuration and creates the application.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return &App{cfg: cfg}, nil
}

// Start initializes storage, loads the catalog, reconciles, and starts the
// scheduler and HTTP server.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initStorage(ctx); err != nil {
		return err
	}

	journal, err := catalog.NewSwapJournal(a.cfg.JournalDir())
	if err != nil {
		return err
	}

	a.store = chunkstore.NewStore(a.cfg.SegmentDir(), a.objects)
	if a.cfg.Storage.CacheBytes > 0 {
		blockCache, cerr := cache.NewBlockCache(a.cfg.Storage.CacheBytes)
		if cerr != nil {
			return cerr
		}
		a.store.SetBlockCache(blockCache)
		log.Printf("block cache enabled: %d bytes", a.cfg.Storage.CacheBytes)
	}
	a.catalog, err = catalog.NewCatalog(a.cfg.CatalogPath(), a.store, journal)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	log.Printf("catalog opened: %s", a.cfg.CatalogPath())

	a.engine, err = engine.New(ctx, a.cfg, a.catalog, a.store)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	log.Printf("engine initialized: tables=%v", a.engine.Tables())

	a.sched = scheduler.New(a.cfg.Scheduler.TickInterval.D(), scheduler.RealClock{})
	a.engine.RegisterJobs(a.sched, a.cfg.Scheduler.TickInterval.D())
	a.sched.Start(ctx)

	a.shutdown = server.NewShutdownManager(server.ShutdownConfig{})
	a.shutdown.RegisterCloser(a.catalog)
	a.shutdown.RegisterCloser(a.store)
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		a.sched.Stop()
		return nil
	}))

	a.startHTTP()

	log.Printf("tickvault started")
	return nil
}

// initStorage selects the object storage backend for compressed blocks.
func (a *App) initStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Type {
	case "local":
		a.objects, err = storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		a.objects, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, storage.S3Config{
			Region:   a.cfg.Storage.S3.Region,
			Prefix:   a.cfg.Storage.S3.Prefix,
			Endpoint: a.cfg.Storage.S3.Endpoint,
		})
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Printf("object storage initialized: type=%s", a.cfg.Storage.Type)
	return nil
}

func (a *App) startHTTP() {
	handler := server.ShutdownMiddleware(a.shutdown)(httpapi.NewMux(a.engine))

	a.httpServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout.D(),
		WriteTimeout: a.cfg.HTTP.WriteTimeout.D(),
		IdleTimeout:  a.cfg.HTTP.IdleTimeout.D(),
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("http server listening on %s", a.cfg.HTTP.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()
}

// Stop shuts the node down: HTTP first so no new writes arrive, then the
// scheduler, then store and catalog via the shutdown manager.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	log.Printf("initiating graceful shutdown")

	if a.cancel != nil {
		a.cancel()
	}
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			log.Printf("http server shutdown error: %v", err)
		}
	}

	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.wg.Wait()

	log.Printf("tickvault stopped")
	return err
}

// WaitForShutdown blocks until a termination signal arrives, then stops the
// HTTP server and runs the shutdown sequence.
func (a *App) WaitForShutdown(ctx context.Context) error {
	go func() {
		<-a.shutdown.ShutdownCh()
		if a.httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			a.httpServer.Shutdown(shutdownCtx)
		}
	}()
	return a.shutdown.ListenForSignals(ctx)
}

// Engine exposes the engine, mainly for tests.
func (a *App) Engine() *engine.Engine { return a.engine }
