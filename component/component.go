// Package component defines the lifecycle contract shared by all pipeline
// components.
package component

import (
	"context"
	"time"
)

// State represents the current lifecycle state of a component
type State int

const (
	// StateCreated indicates component was created but not initialized
	StateCreated State = iota
	// StateInitialized indicates component was initialized but not started
	StateInitialized
	// StateStarted indicates component is running
	StateStarted
	// StateStopped indicates component was stopped
	StateStopped
	// StateFailed indicates component failed during lifecycle operation
	StateFailed
)

// String returns a string representation of the component state
func (cs State) String() string {
	switch cs {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Metadata describes what a component is
type Metadata struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "input", "processor", "output"
	Description string `json:"description"`
	Version     string `json:"version"`
}

// HealthStatus describes the current health state of a component
type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	LastCheck  time.Time     `json:"last_check"`
	ErrorCount int           `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	Uptime     time.Duration `json:"uptime"`
}

// Component defines the unified lifecycle every pipeline component follows:
//   - Initialize() error                 // setup only, no context
//   - Start(ctx context.Context) error   // begin work, ctx bounds the run
//   - Stop(timeout time.Duration) error  // graceful shutdown within timeout
//
// Components never store the context passed to Start; the orchestrator owns
// it and cancels it to force shutdown.
type Component interface {
	Meta() Metadata
	Health() HealthStatus

	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}
