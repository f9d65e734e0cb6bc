package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ambientos/ambient/pkg/event"
)

// Instance lifecycle states.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

// Sentinel errors surfaced by registry operations.
var (
	ErrDriverExists   = errors.New("driver already registered")
	ErrDriverNotFound = errors.New("driver not found")
	ErrNotRunning     = errors.New("driver not running")
)

// InstanceStatus is the externally visible state of a driver instance.
type InstanceStatus struct {
	DriverID     string     `json:"driver_id"`
	Status       Status     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	EventCount   int64      `json:"event_count"`
}

// RouteError records one driver's failure during routing. Routing
// continues past failures; the processor converts these into error
// events.
type RouteError struct {
	DriverID string
	Err      error
}

func (e RouteError) Error() string {
	return fmt.Sprintf("driver %s: %v", e.DriverID, e.Err)
}

func (e RouteError) Unwrap() error { return e.Err }

type instance struct {
	driver       Driver
	manifest     Manifest
	status       Status
	errorMessage string
	lastActivity time.Time
	eventCount   int64
	sem          chan struct{} // nil when MaxConcurrent is 0
}

// Registry owns driver instances exclusively. A single lock guards the
// manifest table, the instances and the capability index; HandleEvent
// calls run outside the lock.
type Registry struct {
	mu           sync.RWMutex
	descriptors  map[string]Descriptor
	configs      map[string]map[string]any
	instances    map[string]*instance
	capabilities map[string][]string // capability → driver ids

	// timeoutGuard wraps HandleEvent in the manifest's TimeoutSeconds
	// when enabled. Timeouts are otherwise the driver's responsibility.
	timeoutGuard bool

	logger *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTimeoutGuard makes the registry enforce each manifest's
// TimeoutSeconds around HandleEvent.
func WithTimeoutGuard() RegistryOption {
	return func(r *Registry) { r.timeoutGuard = true }
}

// NewRegistry creates an empty driver registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		descriptors:  make(map[string]Descriptor),
		configs:      make(map[string]map[string]any),
		instances:    make(map[string]*instance),
		capabilities: make(map[string][]string),
		logger:       slog.Default().With("component", "driver-registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates the descriptor's manifest, stores it and indexes its
// capabilities. The driver is not started; call Start.
func (r *Registry) Register(desc Descriptor, config map[string]any) error {
	if err := desc.Manifest.Validate(); err != nil {
		return err
	}
	if desc.New == nil {
		return fmt.Errorf("driver %s: nil constructor", desc.Manifest.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	id := desc.Manifest.ID
	if _, exists := r.descriptors[id]; exists {
		return fmt.Errorf("%w: %s", ErrDriverExists, id)
	}
	r.descriptors[id] = desc
	r.configs[id] = config
	for _, capability := range desc.Manifest.Capabilities {
		r.capabilities[capability] = append(r.capabilities[capability], id)
	}
	r.logger.Info("Driver registered",
		"driver_id", id,
		"driver_type", string(desc.Manifest.Type),
		"capabilities", desc.Manifest.Capabilities)
	return nil
}

// Start constructs the driver, calls Initialize and marks the instance
// running. Failure leaves the instance in the error state and returns
// the underlying error.
func (r *Registry) Start(ctx context.Context, driverID string) error {
	r.mu.Lock()
	desc, ok := r.descriptors[driverID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDriverNotFound, driverID)
	}
	if inst, exists := r.instances[driverID]; exists && inst.status == StatusRunning {
		r.mu.Unlock()
		return nil
	}
	config := r.configs[driverID]
	inst := &instance{manifest: desc.Manifest, status: StatusStarting}
	if n := desc.Manifest.Resources.MaxConcurrent; n > 0 {
		inst.sem = make(chan struct{}, n)
	}
	r.instances[driverID] = inst
	r.mu.Unlock()

	drv, err := desc.New(config)
	if err == nil {
		err = drv.Initialize(ctx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		inst.status = StatusError
		inst.errorMessage = err.Error()
		r.logger.Error("Driver failed to start", "driver_id", driverID, "error", err)
		return fmt.Errorf("start driver %s: %w", driverID, err)
	}
	inst.driver = drv
	inst.status = StatusRunning
	r.logger.Info("Driver started", "driver_id", driverID)
	return nil
}

// Stop calls Shutdown (best-effort) and removes the instance. The
// manifest stays registered so the driver can be started again.
// Nothing in flight is cancelled; running HandleEvent calls finish.
func (r *Registry) Stop(ctx context.Context, driverID string) error {
	r.mu.Lock()
	inst, ok := r.instances[driverID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDriverNotFound, driverID)
	}
	delete(r.instances, driverID)
	r.mu.Unlock()

	if inst.driver != nil {
		if err := inst.driver.Shutdown(ctx); err != nil {
			r.logger.Warn("Driver shutdown failed", "driver_id", driverID, "error", err)
		}
	}
	r.logger.Info("Driver stopped", "driver_id", driverID)
	return nil
}

// StopAll stops every running instance. Used on runtime shutdown.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		_ = r.Stop(ctx, id)
	}
}

// Status reports the lifecycle state of a driver instance.
func (r *Registry) Status(driverID string) (InstanceStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, registered := r.descriptors[driverID]; !registered {
		return InstanceStatus{}, fmt.Errorf("%w: %s", ErrDriverNotFound, driverID)
	}
	inst, ok := r.instances[driverID]
	if !ok {
		return InstanceStatus{DriverID: driverID, Status: StatusStopped}, nil
	}
	st := InstanceStatus{
		DriverID:     driverID,
		Status:       inst.status,
		ErrorMessage: inst.errorMessage,
		EventCount:   inst.eventCount,
	}
	if !inst.lastActivity.IsZero() {
		t := inst.lastActivity
		st.LastActivity = &t
	}
	return st, nil
}

// List returns the status of every registered driver, sorted by id.
func (r *Registry) List() []InstanceStatus {
	r.mu.RLock()
	ids := make([]string, 0, len(r.descriptors))
	for id := range r.descriptors {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	out := make([]InstanceStatus, 0, len(ids))
	for _, id := range ids {
		if st, err := r.Status(id); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// Manifest returns the registered manifest for a driver.
func (r *Registry) Manifest(driverID string) (Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.descriptors[driverID]
	if !ok {
		return Manifest{}, fmt.Errorf("%w: %s", ErrDriverNotFound, driverID)
	}
	return desc.Manifest, nil
}

// CapableDrivers returns the ids of drivers whose capabilities cover the
// event type: exact matches plus "prefix.*" wildcard matches, deduped,
// in stable order.
func (r *Registry) CapableDrivers(eventType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var ids []string
	add := func(list []string) {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	add(r.capabilities[eventType])
	for capability, list := range r.capabilities {
		if prefix, ok := strings.CutSuffix(capability, ".*"); ok && strings.HasPrefix(eventType, prefix+".") {
			add(list)
		}
	}
	sort.Strings(ids)
	return ids
}

// HasCapability reports whether any registered driver covers the event
// type. Used by the processor's orphan check, so stopped drivers count —
// an operator pausing a driver should not silently drain its traffic.
func (r *Registry) HasCapability(eventType string) bool {
	return len(r.CapableDrivers(eventType)) > 0
}

// Route dispatches the event to every capable running driver and
// collects their outputs. One driver's failure moves that instance to
// the error state and is reported in the second return value; the
// remaining drivers still run.
func (r *Registry) Route(ctx context.Context, e *event.Event) ([]*event.Event, []RouteError) {
	var outputs []*event.Event
	var failures []RouteError

	for _, id := range r.CapableDrivers(e.Type) {
		r.mu.RLock()
		inst, ok := r.instances[id]
		r.mu.RUnlock()
		if !ok || inst.status != StatusRunning {
			continue
		}

		produced, err := r.dispatch(ctx, id, inst, e)
		if err != nil {
			r.mu.Lock()
			inst.status = StatusError
			inst.errorMessage = err.Error()
			r.mu.Unlock()
			r.logger.Error("Driver failed handling event",
				"driver_id", id, "event_type", e.Type, "event_id", e.ID, "error", err)
			failures = append(failures, RouteError{DriverID: id, Err: err})
			continue
		}
		outputs = append(outputs, produced...)
	}
	return outputs, failures
}

// dispatch runs one HandleEvent call under the instance's concurrency
// cap and optional timeout guard.
func (r *Registry) dispatch(ctx context.Context, id string, inst *instance, e *event.Event) (out []*event.Event, err error) {
	if inst.sem != nil {
		select {
		case inst.sem <- struct{}{}:
			defer func() { <-inst.sem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.timeoutGuard && inst.manifest.Resources.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(inst.manifest.Resources.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("driver %s panicked: %v", id, rec)
		}
	}()

	out, err = inst.driver.HandleEvent(ctx, e)
	r.mu.Lock()
	inst.lastActivity = time.Now().UTC()
	inst.eventCount++
	r.mu.Unlock()
	return out, err
}
