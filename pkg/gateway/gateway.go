// Package gateway is the public API for embedding the interview gateway.
package gateway

import (
	"github.com/tjfontaine/interview-gateway/internal/runtime"
)

// Gateway runs the interview gateway. See internal/runtime.Gateway.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	    gateway.WithSQLite("./data/interview.db"),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig = runtime.WithFileConfig
	WithConfig     = runtime.WithConfig

	// Storage
	WithSQLite      = runtime.WithSQLite
	WithMemoryStore = runtime.WithMemoryStore
	WithStore       = runtime.WithStore

	// Agent and access control
	WithAgentClient = runtime.WithAgentClient
	WithAuthorizer  = runtime.WithAuthorizer

	// Observability
	WithMetrics  = runtime.WithMetrics
	WithLogger   = runtime.WithLogger
	WithLogLevel = runtime.WithLogLevel
)
