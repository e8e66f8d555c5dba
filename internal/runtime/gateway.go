// Package runtime provides the Gateway struct and lifecycle management for
// the interview gateway.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/interview-gateway/internal/agent"
	"github.com/tjfontaine/interview-gateway/internal/api/agentapi"
	"github.com/tjfontaine/interview-gateway/internal/core/ports"
	"github.com/tjfontaine/interview-gateway/internal/locks"
	"github.com/tjfontaine/interview-gateway/internal/metrics"
	"github.com/tjfontaine/interview-gateway/internal/orchestrator"
	"github.com/tjfontaine/interview-gateway/internal/pkg/config"
	"github.com/tjfontaine/interview-gateway/internal/reconcile"
	"github.com/tjfontaine/interview-gateway/internal/server"
	"github.com/tjfontaine/interview-gateway/internal/storage/memory"
	"github.com/tjfontaine/interview-gateway/internal/storage/sqldb"
	"github.com/tjfontaine/interview-gateway/internal/telemetry"
)

// ShutdownTimeout bounds the graceful stop after Run's context ends.
const ShutdownTimeout = 15 * time.Second

// Gateway wires the ledger store, agent client, dispatcher, facade and HTTP
// server together. It can be embedded in larger applications or run standalone.
type Gateway struct {
	// Dependencies (injected via options)
	cfg        *config.Config
	configPath string
	store      ports.LedgerStore
	agent      ports.AgentClient
	auth       agentapi.Authorizer
	metrics    *metrics.Recorder
	logger     *slog.Logger
	level      *slog.LevelVar

	// Assembled components
	dispatcher *reconcile.Dispatcher
	facade     *orchestrator.Facade
	server     *server.Server

	mu     sync.Mutex
	closed bool
}

// New creates a Gateway. Without options, config is read from config.yaml
// (or IGW_CONFIG) and the environment, and the store and agent client are
// built from it.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger: slog.Default(),
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		gw.cfg = cfg
	}
	cfg := gw.cfg

	if gw.store == nil {
		store, err := OpenStore(cfg.Storage)
		if err != nil {
			return nil, err
		}
		gw.store = store
	}

	if gw.metrics == nil && cfg.Metrics.Enabled {
		gw.metrics = metrics.NewRecorder()
	}

	if gw.agent == nil {
		gw.agent = agent.NewClient(cfg.Agent.BaseURL,
			agent.WithCallbackURL(cfg.CallbackURL()),
			agent.WithTimeout(cfg.Agent.Timeout),
			agent.WithHealthTimeout(cfg.Agent.HealthTimeout),
			agent.WithLogger(gw.logger),
			agent.WithMetrics(gw.metrics),
		)
	}

	sessionLocks := locks.NewKeyed()
	gw.dispatcher = reconcile.New(gw.store, sessionLocks,
		reconcile.WithLogger(gw.logger),
		reconcile.WithMetrics(gw.metrics),
	)
	gw.facade = orchestrator.New(gw.store, gw.agent, gw.dispatcher, sessionLocks,
		orchestrator.WithLogger(gw.logger),
		orchestrator.WithMetrics(gw.metrics),
		orchestrator.WithCallbackURL(cfg.CallbackURL()),
		orchestrator.WithRetryPolicy(&agent.RetryPolicy{
			MaxAttempts:  cfg.Agent.Retry.MaxAttempts,
			InitialDelay: cfg.Agent.Retry.InitialDelay,
			Multiplier:   cfg.Agent.Retry.Multiplier,
			MaxDelay:     cfg.Agent.Retry.MaxDelay,
			Logger:       gw.logger,
			Metrics:      gw.metrics,
		}),
	)

	serverOpts := []server.Option{server.WithRequestTimeout(cfg.Server.RequestTimeout)}
	if gw.metrics != nil {
		serverOpts = append(serverOpts, server.WithMetricsHandler(gw.metrics.Handler()))
	}
	gw.server = server.New(cfg.Server.Port, gw.logger, serverOpts...)

	apiOpts := []agentapi.Option{agentapi.WithLogger(gw.logger)}
	if gw.auth != nil {
		apiOpts = append(apiOpts, agentapi.WithAuthorizer(gw.auth))
	}
	gw.server.Router.Mount("/agent", agentapi.New(gw.facade, gw.dispatcher, apiOpts...).Routes())

	return gw, nil
}

// OpenStore builds the ledger store named by the storage config.
func OpenStore(cfg config.StorageConfig) (ports.LedgerStore, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "sqlite", "":
		store, err := sqldb.New(sqldb.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
		if err != nil {
			return nil, fmt.Errorf("open %s storage: %w", cfg.Database.Driver, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
	}
}

// Config returns the active configuration.
func (g *Gateway) Config() *config.Config { return g.cfg }

// Facade exposes the interview operations for embedding callers.
func (g *Gateway) Facade() *orchestrator.Facade { return g.facade }

// Dispatcher exposes callback reconciliation for embedding callers.
func (g *Gateway) Dispatcher() *reconcile.Dispatcher { return g.dispatcher }

// Handler returns the complete HTTP handler.
func (g *Gateway) Handler() http.Handler { return g.server.Router }

// Run serves HTTP until ctx is done, then shuts down gracefully and closes
// the store.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.Close()

	if g.cfg.Telemetry.Enabled {
		shutdownTracer, err := telemetry.InitTracer("interview-gateway", os.Stdout, g.logger)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				g.logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	if g.configPath != "" {
		watcher, err := config.NewWatcher(g.configPath, g.cfg, g.logger)
		if err != nil {
			return err
		}
		if g.level != nil {
			if err := watcher.Watch(ctx, config.ApplyLogLevel(g.level, g.logger)); err != nil {
				g.logger.Warn("config watch disabled", slog.String("error", err.Error()))
			}
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(g.server.Start)
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()
		return g.server.Shutdown(shutdownCtx)
	})

	g.logger.Info("gateway started",
		slog.Int("port", g.cfg.Server.Port),
		slog.String("storage", g.cfg.Storage.Type),
		slog.String("agent", g.cfg.Agent.BaseURL))

	err := group.Wait()
	g.logger.Info("gateway shutdown complete")
	return err
}

// Close releases the store. It is safe to call more than once.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	if err := g.store.Close(); err != nil {
		g.logger.Error("failed to close storage", slog.String("error", err.Error()))
		return err
	}
	return nil
}
