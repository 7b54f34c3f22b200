package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/contentstore"
	"github.com/jkaninda/ngome/internal/engine"
	"github.com/jkaninda/ngome/internal/events"
	"github.com/jkaninda/ngome/internal/executor"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/orchestrator"
	"github.com/jkaninda/ngome/internal/quota"
	"github.com/jkaninda/ngome/internal/registry"
	"github.com/jkaninda/ngome/internal/storage"
	pgstore "github.com/jkaninda/ngome/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/ngome/internal/storage/sqlite"
	"github.com/jkaninda/ngome/internal/syncer"
	"github.com/jkaninda/ngome/internal/wasmruntime"
)

// SharedComponents holds all initialized subsystems that serve and MCP
// modes require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger

	Obs          *observability.Observability
	Store        storage.Store // Unified store (SQLite or PostgreSQL).
	Registry     *registry.Registry
	ContentStore contentstore.Store
	Orchestrator orchestrator.Orchestrator
	Bus          *events.Bus
	Engine       *engine.Engine

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs all common initialization shared between serve and
// MCP modes. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}

	// Storage (unified: SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	// Run migrations.
	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Sandbox registry.
	reg, err := registry.New(cfg.StorageRoot, cfg.Namespace, store, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox registry: %w", err)
	}
	sc.Registry = reg
	logger.Debug("sandbox registry initialized",
		slog.String("storage_root", cfg.StorageRoot),
		slog.String("namespace", cfg.Namespace),
	)

	// Content store: kubo RPC when configured, in-memory otherwise.
	cs := initContentStore(cfg, logger)
	sc.ContentStore = cs

	// Event bus.
	bus := events.NewBus(logger)
	sc.Bus = bus

	// Execution backends.
	limits := executor.ResourceLimits{
		MaxCPUSeconds: cfg.Execution.MaxCPUSeconds,
		MaxMemoryMB:   cfg.Execution.MaxMemoryMB,
	}
	native := executor.NewNativeBackend(executor.NativeConfig{
		DefaultTimeout: cfg.Execution.Timeout(),
		DefaultLimits:  limits,
	}, logger)

	orch := orchestrator.NewDockerOrchestrator(orchestrator.DockerConfig{
		Image:     cfg.Execution.Container.Image,
		MemoryMB:  cfg.Execution.Container.MemoryMB,
		CPUCores:  cfg.Execution.Container.CPUCores,
		PIDsLimit: cfg.Execution.Container.PIDsLimit,
	}, logger)
	sc.Orchestrator = orch
	container := executor.NewContainerBackend(orch, executor.ContainerConfig{
		Image:          cfg.Execution.Container.Image,
		DefaultTimeout: cfg.Execution.Timeout(),
		DefaultLimits: executor.ResourceLimits{
			MaxCPUSeconds: cfg.Execution.MaxCPUSeconds,
			MaxMemoryMB:   cfg.Execution.Container.MemoryMB,
			GPU:           cfg.Execution.Container.GPU,
		},
		NetworkAllowed: cfg.Execution.Container.NetworkAllowed,
	}, logger)

	wasmRT := wasmruntime.NewWasmtimeRuntime(wasmruntime.WasmtimeConfig{
		Binary:         cfg.Execution.WASM.Runtime(),
		DefaultTimeout: cfg.Execution.WASM.WASMTimeout(),
	}, logger)
	wasm := executor.NewWASMBackend(wasmRT, executor.WASMConfig{
		DefaultTimeout: cfg.Execution.WASM.WASMTimeout(),
	}, logger)

	// Engine.
	accountant := quota.NewAccountant(cfg.Quota.MaxBytes)
	sy := syncer.New(cs, reg, accountant, logger)
	var metrics *observability.Metrics
	if obs != nil {
		metrics = obs.Metrics
	}
	sc.Engine = engine.New(engine.Config{
		DefaultBackend: cfg.Execution.Backend(),
	}, reg, accountant, sy, native, container, wasm, bus, metrics, logger)

	// Readiness checks.
	registerHealthChecks(cfg, sc)

	return sc, nil
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageDriverName() {
	case "postgres":
		pg := cfg.Storage.Postgres
		return pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
	default:
		return sqlitestore.Open(sqlitestore.Config{
			Path: cfg.DatabasePath(),
		}, logger)
	}
}

// initContentStore selects the content store implementation.
func initContentStore(cfg *config.Config, logger *slog.Logger) contentstore.Store {
	if cfg.ContentStore == nil {
		logger.Warn("no content store configured, using in-memory store (snapshots are not durable)")
		return contentstore.NewMemoryStore()
	}
	return contentstore.NewIPFSStore(contentstore.IPFSConfig{
		APIURL:  cfg.ContentStore.APIURL,
		Timeout: cfg.ContentStore.StoreTimeout(),
	}, logger)
}

// registerHealthChecks adds the configured dependency probes to the
// readiness checker.
func registerHealthChecks(cfg *config.Config, sc *SharedComponents) {
	if sc.Obs == nil || sc.Obs.Health == nil || cfg.Observability == nil || cfg.Observability.Health == nil {
		return
	}
	hc := cfg.Observability.Health

	if hc.IncludeDB {
		store := sc.Store
		namespace := cfg.Namespace
		sc.Obs.Health.AddCheck("db", func(ctx context.Context) error {
			_, err := store.List(ctx, namespace)
			return err
		})
	}
	if hc.IncludeContentStore {
		if ipfs, ok := sc.ContentStore.(*contentstore.IPFSStore); ok {
			sc.Obs.Health.AddCheck("content_store", ipfs.Ping)
		}
	}
	if hc.IncludeOrchestrator && sc.Orchestrator != nil {
		orch := sc.Orchestrator
		sc.Obs.Health.AddCheck("orchestrator", func(ctx context.Context) error {
			if !orch.Available(ctx) {
				return errors.New("container orchestrator unavailable")
			}
			return nil
		})
	}
}
