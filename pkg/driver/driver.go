// Package driver defines the driver contract and the registry that
// indexes drivers by capability, manages their lifecycle and routes
// events to them.
//
// Drivers are registered through static descriptors — a (manifest,
// constructor) pair handed to the registry at program start. Nothing is
// discovered through import side effects.
package driver

import (
	"context"

	"github.com/ambientos/ambient/pkg/event"
)

// Driver is the contract every driver implements. HandleEvent returns
// zero or more output events; long-running work should be handed to the
// driver's own workers so HandleEvent returns promptly (or the driver
// accepts the slowdown as local to itself — the bus is never blocked
// either way).
type Driver interface {
	// Initialize prepares the driver for traffic. Called once by the
	// registry before the instance is marked running.
	Initialize(ctx context.Context) error

	// HandleEvent processes one event. Errors move the instance to the
	// error state but never abort routing to other drivers.
	HandleEvent(ctx context.Context, e *event.Event) ([]*event.Event, error)

	// Shutdown releases resources. Best-effort; errors are logged, not
	// propagated.
	Shutdown(ctx context.Context) error
}

// Constructor builds a driver from its registered config.
type Constructor func(config map[string]any) (Driver, error)

// Descriptor statically describes a registrable driver.
type Descriptor struct {
	Manifest Manifest
	New      Constructor
}
