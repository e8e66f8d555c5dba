package runtime

import (
	"fmt"
	"log/slog"

	"github.com/tjfontaine/interview-gateway/internal/api/agentapi"
	"github.com/tjfontaine/interview-gateway/internal/core/ports"
	"github.com/tjfontaine/interview-gateway/internal/metrics"
	"github.com/tjfontaine/interview-gateway/internal/pkg/config"
	"github.com/tjfontaine/interview-gateway/internal/storage/memory"
	"github.com/tjfontaine/interview-gateway/internal/storage/sqldb"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig loads config from path and watches it for changes.
// Environment overrides still apply.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		g.cfg = cfg
		g.configPath = path
		return nil
	}
}

// WithConfig uses an already loaded configuration. It is not watched.
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		if cfg == nil {
			return fmt.Errorf("config cannot be nil")
		}
		g.cfg = cfg
		return nil
	}
}

// WithSQLite uses a SQLite ledger at path.
func WithSQLite(path string) Option {
	return func(g *Gateway) error {
		store, err := sqldb.NewSQLite(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		g.store = store
		return nil
	}
}

// WithMemoryStore keeps the ledger in memory. Intended for tests and demos.
func WithMemoryStore() Option {
	return func(g *Gateway) error {
		g.store = memory.New()
		return nil
	}
}

// WithStore sets a custom ledger store.
func WithStore(store ports.LedgerStore) Option {
	return func(g *Gateway) error {
		g.store = store
		return nil
	}
}

// WithAgentClient replaces the HTTP agent client built from config.
func WithAgentClient(client ports.AgentClient) Option {
	return func(g *Gateway) error {
		g.agent = client
		return nil
	}
}

// WithAuthorizer installs the ownership check used by the session endpoints.
func WithAuthorizer(a agentapi.Authorizer) Option {
	return func(g *Gateway) error {
		g.auth = a
		return nil
	}
}

// WithMetrics sets the Prometheus recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(g *Gateway) error {
		g.metrics = m
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithLogLevel lets config reloads adjust the level of the logger's handler.
func WithLogLevel(level *slog.LevelVar) Option {
	return func(g *Gateway) error {
		g.level = level
		return nil
	}
}
