// Package bootstrap wires the brigade components together and manages the
// application lifecycle.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"brigade/api"
	"brigade/config"
	"brigade/core"
	"brigade/fanout"
	"brigade/ledger"
	"brigade/notify"
	"brigade/registry"
	"brigade/storage"
	"brigade/team"
)

// App represents the brigade application with all its components.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Hub         *fanout.Hub
	Registry    *registry.Registry
	Ledger      *ledger.Ledger
	Coordinator *team.Coordinator
	APIServer   *api.API

	sqlite *storage.SQLite
	bridge *notify.RedisBridge
}

// NewApp creates a new application instance and initializes all components.
func NewApp(ctx context.Context) (*App, error) {
	app := &App{}

	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("brigade dispatch core starting...")

	cfg, err := InitConfig(sugar)
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	hub := fanout.NewHub(cfg.Fanout.BufferSize, sugar)
	app.Hub = hub

	if cfg.Redis.Enabled {
		bridge, err := notify.NewRedisBridge(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.QueueSize, sugar)
		if err != nil {
			return nil, fmt.Errorf("failed to connect redis bridge: %w", err)
		}
		app.bridge = bridge
		hub.AddMirror(bridge)
	}

	interventions, journal, err := app.initStorage(cfg, sugar)
	if err != nil {
		return nil, err
	}

	// Resource and team catalogs are in-memory regardless of backend.
	catalog := storage.NewMemoryStore()

	locks := core.NewLockManager(cfg.Lock.Timeout)

	shortcuts, err := cfg.StatusShortcuts()
	if err != nil {
		return nil, err
	}
	table, err := core.NewTransitionTable(shortcuts)
	if err != nil {
		return nil, fmt.Errorf("invalid status shortcuts: %w", err)
	}

	app.Ledger = ledger.NewLedger(catalog.Resources(), journal, locks, hub, sugar)
	app.Registry = registry.NewRegistry(interventions, locks, hub, table, sugar)
	app.Coordinator = team.NewCoordinator(catalog.Teams(), app.Ledger, locks, hub, sugar)
	app.APIServer = api.NewAPI(app.Registry, app.Ledger, app.Coordinator, hub, cfg, sugar)

	return app, nil
}

// initStorage selects the configured backend for interventions and the
// ledger journal.
func (a *App) initStorage(cfg *config.Config, sugar *zap.SugaredLogger) (storage.InterventionStore, storage.LedgerJournal, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		db, err := storage.NewSQLite(cfg.Storage.SQLitePath, sugar)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		a.sqlite = db
		interventions, err := storage.NewSQLiteInterventionStore(db, sugar)
		if err != nil {
			return nil, nil, err
		}
		journal, err := storage.NewSQLiteLedgerJournal(db, sugar)
		if err != nil {
			return nil, nil, err
		}
		sugar.Infow("sqlite storage initialized", "path", cfg.Storage.SQLitePath)
		return interventions, journal, nil
	default:
		mem := storage.NewMemoryStore()
		sugar.Info("in-memory storage initialized")
		return mem, mem, nil
	}
}

// Start launches the API server. Blocks only on listener setup failures;
// serving happens in the background.
func (a *App) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.APIServer.Start(); err != nil {
			errCh <- err
		}
	}()

	// Give the listener a moment to fail fast on a bad address.
	select {
	case err := <-errCh:
		return fmt.Errorf("api server failed to start: %w", err)
	case <-time.After(250 * time.Millisecond):
	}

	a.Sugar.Info("brigade dispatch core started")
	return nil
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown() {
	a.Sugar.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.APIServer != nil {
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("api shutdown failed", "error", err)
		}
	}

	if a.Hub != nil {
		a.Hub.Close()
	}
	if a.bridge != nil {
		if err := a.bridge.Close(); err != nil {
			a.Sugar.Errorw("redis bridge shutdown failed", "error", err)
		}
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			a.Sugar.Errorw("sqlite shutdown failed", "error", err)
		}
	}

	a.Sugar.Info("shutdown complete")
	_ = a.Logger.Sync()
}
