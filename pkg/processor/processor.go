// Package processor is the universal event pipeline: every emitted event
// passes validation, policy authorization and an orphan check, then gets
// routed to capable drivers and matching instructions. Driver and
// instruction outputs are correlated back to their cause, stamped with
// its causal history, and re-emitted.
package processor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ambientos/ambient/pkg/bus"
	"github.com/ambientos/ambient/pkg/driver"
	"github.com/ambientos/ambient/pkg/event"
	"github.com/ambientos/ambient/pkg/instruction"
	"github.com/ambientos/ambient/pkg/security"
)

const (
	// DefaultQueueSize bounds the processing queue. Enqueue never
	// blocks; overflow drops the event and bumps a counter so a wedged
	// worker pool cannot deadlock its own publishers.
	DefaultQueueSize = 1024

	// DefaultWorkers is the processing concurrency.
	DefaultWorkers = 4
)

// Processor drives events through authorize-route-correlate. It consumes
// the bus through SetSink rather than a subscription so the orphan check
// still sees the real consumer set.
type Processor struct {
	bus      *bus.Bus
	registry *driver.Registry
	security *security.Manager
	matcher  *instruction.Matcher

	queue   chan *event.Event
	workers int
	stopCh  chan struct{}
	stopMu  sync.Mutex
	wg      sync.WaitGroup

	metrics *metrics
	logger  *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithQueueSize overrides the processing queue capacity.
func WithQueueSize(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.queue = make(chan *event.Event, n)
		}
	}
}

// WithWorkers overrides the worker count.
func WithWorkers(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithRegisterer registers the processor's collectors with reg instead
// of the default Prometheus registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Processor) { p.metrics = newMetrics(reg) }
}

// New creates a processor. Call Start to attach it to the bus.
func New(b *bus.Bus, reg *driver.Registry, sec *security.Manager, m *instruction.Matcher, opts ...Option) *Processor {
	p := &Processor{
		bus:      b,
		registry: reg,
		security: sec,
		matcher:  m,
		queue:    make(chan *event.Event, DefaultQueueSize),
		workers:  DefaultWorkers,
		logger:   slog.Default().With("component", "processor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = newMetrics(prometheus.DefaultRegisterer)
	}
	return p
}

// Start installs the processor as the bus sink and launches the worker
// pool.
func (p *Processor) Start() {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()
	if p.stopCh != nil {
		return
	}
	p.stopCh = make(chan struct{})
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.bus.SetSink(p.enqueue)
	p.logger.Info("Processor started", "workers", p.workers, "queue_size", cap(p.queue))
}

// Stop detaches from the bus and waits for in-flight events to finish.
// Queued events that have not started processing are discarded.
func (p *Processor) Stop() {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()
	if p.stopCh == nil {
		return
	}
	p.bus.SetSink(nil)
	close(p.stopCh)
	p.wg.Wait()
	p.stopCh = nil
	p.logger.Info("Processor stopped")
}

// Stats returns the processor counter snapshot.
func (p *Processor) Stats() Snapshot {
	return p.metrics.snapshot()
}

// enqueue is the bus sink. Never blocks; a full queue drops the event.
func (p *Processor) enqueue(e *event.Event) {
	select {
	case p.queue <- e:
	default:
		p.metrics.recordQueueDrop()
		p.logger.Warn("Processing queue full, event dropped",
			"event_type", e.Type, "event_id", e.ID)
	}
}

func (p *Processor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case e := <-p.queue:
			p.Process(context.Background(), e)
		}
	}
}

// Process runs one event through the pipeline: validate, authorize,
// orphan-check, route to drivers and instructions, then correlate and
// re-emit the outputs. Safe to call directly in tests.
func (p *Processor) Process(ctx context.Context, e *event.Event) {
	start := time.Now()
	defer func() {
		p.metrics.processSeconds.Observe(time.Since(start).Seconds())
	}()

	if err := e.Validate(); err != nil {
		p.metrics.recordError("validation")
		p.logger.Warn("Invalid event dropped",
			"event_id", e.ID, "event_type", e.Type, "error", err)
		p.emitError(e, err.Error(), "validation")
		return
	}

	decision := p.security.Authorize(e)
	if !decision.Authorized {
		p.metrics.recordDenied()
		return
	}

	hasDriver := p.registry.HasCapability(e.Type)
	hasSubscriber := p.bus.HasSubscribers(e.Type)
	hasInstruction := p.matcher.HasMatch(ctx, e)
	if !hasDriver && !hasSubscriber && !hasInstruction {
		p.metrics.recordOrphaned(e.Type)
		p.logger.Warn("Orphan event: no driver, subscriber or instruction",
			"event_type", e.Type, "event_id", e.ID, "source", e.Source)
		return
	}

	outputs, failures := p.registry.Route(ctx, e)
	for _, failure := range failures {
		p.metrics.recordError("driver")
		p.emitError(e, failure.Error(), "driver_failure")
	}
	outputs = append(outputs, p.matcher.Outputs(ctx, e)...)

	for _, out := range outputs {
		if out == nil {
			continue
		}
		if out.CorrelationID == "" {
			out.CorrelationID = e.ID
		}
		// Outputs carry their cause's causal chain; drivers that stamp
		// their own history keep it.
		if len(out.History) == 0 {
			out.ChildOf(e)
		}
		p.bus.Emit(out)
	}

	p.metrics.recordProcessed(e.Type, string(e.Category))
}

// emitError publishes an error event describing a processing failure.
// Failures of error events themselves are only logged, so a broken error
// path cannot feed back into itself.
func (p *Processor) emitError(cause *event.Event, message, kind string) {
	if cause.Type == event.TypeError {
		return
	}
	errEvent := event.New(event.SourceProcessor, event.TypeError, cause.UserID,
		event.CategorySystem, map[string]any{
			"original_event": cause.ToMap(),
			"error":          message,
			"error_type":     kind,
		})
	errEvent.CorrelationID = cause.ID
	errEvent.ChildOf(cause)
	p.bus.Emit(errEvent)
}
