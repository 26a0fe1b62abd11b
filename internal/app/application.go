// Package app wires configuration, storage, the relay core and the HTTP
// surface into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/islandhouse2000/islandHouse/internal/api"
	"github.com/islandhouse2000/islandHouse/internal/config"
	"github.com/islandhouse2000/islandHouse/internal/hub"
	"github.com/islandhouse2000/islandHouse/internal/registry"
	"github.com/islandhouse2000/islandHouse/internal/relay"
	"github.com/islandhouse2000/islandHouse/internal/router"
	redisstore "github.com/islandhouse2000/islandHouse/internal/store/redis"
	sqlitestore "github.com/islandhouse2000/islandHouse/internal/store/sqlite"
	"github.com/islandhouse2000/islandHouse/internal/websocket"
	"github.com/islandhouse2000/islandHouse/pkg/interfaces"
	"github.com/islandhouse2000/islandHouse/pkg/logging"
)

// Application coordinates all system components.
// Initialization order: Store → Registry → Router/Relay → Hub → API/WebSocket → HTTP
type Application struct {
	config     *config.Config
	logger     *slog.Logger
	registry   registry.Registry
	messageHub *hub.Hub
	handler    http.Handler
	httpServer *http.Server

	listener net.Listener
	closers  []func() error

	mu      sync.Mutex
	started bool
	stopped bool
}

// backend is what a store backend contributes to the wiring. Interface
// fields stay nil for the memory backend.
type backend struct {
	registry registry.Registry
	eventLog interfaces.EventLog
	health   interfaces.HealthChecker
	events   api.EventReader
	closers  []func() error
}

// NewApplication builds every component. Nothing is served until Start.
func NewApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger = logging.OrDefault(logger)

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	app, err := assemble(cfg, logger, b)
	if err != nil {
		closeAll(logger, b.closers)
		return nil, err
	}
	return app, nil
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		rdb, err := redisstore.NewClient(ctx, redisstore.ClientOptions{
			URL:          cfg.Store.RedisURL,
			ReadTimeout:  cfg.Relay.StoreTimeout,
			WriteTimeout: cfg.Relay.StoreTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		store := redisstore.NewStore(rdb)
		reg, err := registry.NewShared(registry.SharedOptions{
			Store:   store,
			Bus:     redisstore.NewBus(rdb, logger),
			NodeID:  cfg.Store.NodeID,
			TTL:     cfg.Store.EntryTTL,
			Timeout: cfg.Relay.StoreTimeout,
			Logger:  logger,
		})
		if err != nil {
			_ = rdb.Close()
			return nil, err
		}

		logger.Info("using redis store", logging.Node(reg.NodeID()))
		return &backend{
			registry: reg,
			eventLog: store,
			health:   store,
			events:   store,
			closers:  []func() error{rdb.Close},
		}, nil

	case config.BackendSQLite:
		store, err := sqlitestore.Open(sqlitestore.Options{
			Path:   cfg.Store.SQLitePath,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}

		// A single file has no bus; every connection is owned by this process.
		reg, err := registry.NewShared(registry.SharedOptions{
			Store:   store,
			NodeID:  cfg.Store.NodeID,
			TTL:     cfg.Store.EntryTTL,
			Timeout: cfg.Relay.StoreTimeout,
			Logger:  logger,
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}

		logger.Info("using sqlite store", slog.String("path", cfg.Store.SQLitePath))
		return &backend{
			registry: reg,
			eventLog: store,
			health:   store,
			events:   store,
			closers:  []func() error{store.Close},
		}, nil

	default:
		logger.Info("using in-memory registry")
		return &backend{registry: registry.NewMemory(logger)}, nil
	}
}

func assemble(cfg *config.Config, logger *slog.Logger, b *backend) (*Application, error) {
	messageRouter, err := router.NewRouter(b.registry, router.Options{
		RateLimit: cfg.Relay.RateLimit,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	requestRelay := relay.New(relay.Options{
		Log:     b.eventLog,
		Timeout: cfg.Relay.StoreTimeout,
		Logger:  logger,
	})

	messageHub, err := hub.NewHub(hub.Options{
		Registry:      b.registry,
		Router:        messageRouter,
		Relay:         requestRelay,
		SweepInterval: cfg.Relay.SweepInterval,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create hub: %w", err)
	}

	apiServer, err := api.NewServer(api.Options{
		Stats:   messageHub,
		Health:  b.health,
		Events:  b.events,
		Timeout: cfg.Relay.StoreTimeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create API server: %w", err)
	}

	wsHandler, err := websocket.NewHandler(messageHub, websocket.HandlerOptions{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		BufferSize:   cfg.WebSocket.BufferSize,
		ReadLimit:    cfg.WebSocket.ReadLimit,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket handler: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.Handle(cfg.WebSocket.Path, wsHandler)

	// Upgraded connections reset their own deadlines per frame.
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return &Application{
		config:     cfg,
		logger:     logger,
		registry:   b.registry,
		messageHub: messageHub,
		handler:    mux,
		httpServer: httpServer,
		closers:    b.closers,
	}, nil
}

// Start launches the hub and binds the listener. Serve must be called to
// accept connections.
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.started {
		return errors.New("application already started")
	}

	if err := app.messageHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.messageHub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	app.listener = listener
	app.started = true
	app.logger.Info("islandhouse started", slog.String("addr", listener.Addr().String()))
	return nil
}

// Serve accepts connections until Stop. It returns nil after a clean
// shutdown.
func (app *Application) Serve() error {
	app.mu.Lock()
	listener := app.listener
	app.mu.Unlock()

	if listener == nil {
		return errors.New("application not started")
	}

	if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Stop shuts down in reverse order: HTTP → Hub → Store. It is safe to call
// more than once.
func (app *Application) Stop(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.stopped {
		return nil
	}
	app.stopped = true

	app.logger.Info("shutting down islandhouse")

	var errs []error
	if app.started {
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
		}

		if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
			errs = append(errs, fmt.Errorf("message hub shutdown: %w", err))
		}
	}

	closeAll(app.logger, app.closers)

	app.logger.Info("islandhouse shutdown complete")
	return errors.Join(errs...)
}

func closeAll(logger *slog.Logger, closers []func() error) {
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("store close failed", logging.Err(err))
		}
	}
}

// Addr returns the bound address once started, else the configured one.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the routed mux.
func (app *Application) Handler() http.Handler {
	return app.handler
}

// Registry exposes the connection registry.
func (app *Application) Registry() registry.Registry {
	return app.registry
}
