// Package service provides interfaces and utilities for coordinating the
// lifecycle of xconnect's exchange-connectivity services. It defines a common
// Service interface over the runtime state machine, along with a registry for
// dependency-ordered startup and shutdown.
package service

import (
	"context"

	"github.com/quantfabric/xconnect/pkg/runtime"
)

// Service defines the interface that all managed services must implement.
// Concrete services embed a runtime.Service and delegate lifecycle calls to it.
type Service interface {
	// Name returns the service name.
	Name() string

	// Start initializes and starts the service.
	// It should be non-blocking and return quickly, with any long-running
	// operations started in separate goroutines.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the service.
	Stop(ctx context.Context) error

	// State returns the current lifecycle state.
	State() runtime.State

	// Health performs a health check and returns error if unhealthy.
	// The registry uses this to decide when a started service is ready.
	Health() error

	// Dependencies returns the names of services this service depends on.
	// The registry starts dependencies first and stops them last.
	Dependencies() []string
}

// StatsReporter is implemented by services that expose runtime stats.
type StatsReporter interface {
	Stats() runtime.Stats
}
