package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambientos/ambient/pkg/bus"
	"github.com/ambientos/ambient/pkg/driver"
	"github.com/ambientos/ambient/pkg/event"
	"github.com/ambientos/ambient/pkg/instruction"
	"github.com/ambientos/ambient/pkg/policy"
	"github.com/ambientos/ambient/pkg/security"
	"github.com/ambientos/ambient/pkg/store"
)

// pipeline wires a full in-memory processing stack for tests.
type pipeline struct {
	bus       *bus.Bus
	registry  *driver.Registry
	security  *security.Manager
	matcher   *instruction.Matcher
	store     *store.Memory
	processor *Processor
}

func newPipeline(t *testing.T, policies ...policy.Policy) *pipeline {
	t.Helper()
	engine := policy.NewEngine()
	for _, p := range policies {
		engine.Add(p)
	}
	st := store.NewMemory()
	p := &pipeline{
		bus:      bus.New(1000),
		registry: driver.NewRegistry(),
		security: security.NewManager(engine, security.WithCostFunc(func(string) float64 { return 0 })),
		matcher:  instruction.NewMatcher(st),
		store:    st,
	}
	p.processor = New(p.bus, p.registry, p.security, p.matcher,
		WithRegisterer(prometheus.NewRegistry()))
	return p
}

type scriptedDriver struct {
	handle func(ctx context.Context, e *event.Event) ([]*event.Event, error)
}

func (d *scriptedDriver) Initialize(ctx context.Context) error { return nil }
func (d *scriptedDriver) Shutdown(ctx context.Context) error   { return nil }
func (d *scriptedDriver) HandleEvent(ctx context.Context, e *event.Event) ([]*event.Event, error) {
	return d.handle(ctx, e)
}

func (p *pipeline) addDriver(t *testing.T, id string, capabilities []string,
	handle func(ctx context.Context, e *event.Event) ([]*event.Event, error)) {
	t.Helper()
	desc := driver.Descriptor{
		Manifest: driver.Manifest{
			ID: id, Name: id, Version: "1.0.0", Type: driver.TypeTool,
			Capabilities: capabilities, Enabled: true,
		},
		New: func(config map[string]any) (driver.Driver, error) {
			return &scriptedDriver{handle: handle}, nil
		},
	}
	require.NoError(t, p.registry.Register(desc, nil))
	require.NoError(t, p.registry.Start(context.Background(), id))
}

// collector gathers matching events; safe to read while workers emit.
type collector struct {
	mu  sync.Mutex
	got []*event.Event
}

func collect(b *bus.Bus, types ...string) *collector {
	c := &collector{}
	b.Subscribe(bus.Filter{Types: types}, func(e *event.Event) {
		c.mu.Lock()
		c.got = append(c.got, e)
		c.mu.Unlock()
	})
	return c
}

func (c *collector) events() []*event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*event.Event, len(c.got))
	copy(out, c.got)
	return out
}

func (c *collector) count() int { return len(c.events()) }

func testEvent(eventType string) *event.Event {
	return event.New("test", eventType, "user-1", event.CategoryUser, nil)
}

func TestProcessRoutesAndCorrelates(t *testing.T) {
	p := newPipeline(t)
	p.addDriver(t, "echo", []string{"test.event"},
		func(ctx context.Context, e *event.Event) ([]*event.Event, error) {
			return []*event.Event{event.New("echo", "test.output", e.UserID, event.CategoryOutput, nil)}, nil
		})
	outputs := collect(p.bus, "test.output")

	cause := testEvent("test.event")
	p.processor.Process(context.Background(), cause)

	events := outputs.events()
	require.Len(t, events, 1)
	assert.Equal(t, cause.ID, events[0].CorrelationID)

	stats := p.processor.Stats()
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(1), stats.ByType["test.event"])
}

func TestProcessInvalidEvent(t *testing.T) {
	p := newPipeline(t)
	errs := collect(p.bus, event.TypeError)

	p.processor.Process(context.Background(), &event.Event{ID: "x", Type: "test.event"})

	events := errs.events()
	require.Len(t, events, 1)
	assert.Equal(t, "validation", events[0].Metadata["error_type"])
	assert.Equal(t, int64(1), p.processor.Stats().Errored)
	assert.Equal(t, int64(0), p.processor.Stats().Processed)
}

func TestProcessDeniedProducesNoTraffic(t *testing.T) {
	p := newPipeline(t, policy.Policy{
		ID: "deny-all", Condition: "always", Action: policy.ActionDeny,
		AppliesTo: []string{"*"}, Enabled: true,
	})
	p.addDriver(t, "echo", []string{"test.event"},
		func(ctx context.Context, e *event.Event) ([]*event.Event, error) {
			t.Fatal("denied event must not reach drivers")
			return nil, nil
		})

	p.processor.Process(context.Background(), testEvent("test.event"))

	stats := p.processor.Stats()
	assert.Equal(t, int64(1), stats.Denied)
	assert.Equal(t, int64(0), stats.Processed)

	// The denial is in the audit trail.
	audit := p.security.AuditLog(0)
	require.Len(t, audit, 1)
	assert.False(t, audit[0].Authorized)
}

func TestProcessOrphanDetection(t *testing.T) {
	p := newPipeline(t)

	p.processor.Process(context.Background(), testEvent("nobody.cares"))

	stats := p.processor.Stats()
	assert.Equal(t, int64(1), stats.Orphaned)
	assert.Equal(t, int64(0), stats.Processed)
}

func TestBusSubscriberPreventsOrphan(t *testing.T) {
	p := newPipeline(t)
	seen := collect(p.bus, "custom.event")

	e := testEvent("custom.event")
	p.bus.Emit(e)
	p.processor.Process(context.Background(), e)

	assert.Equal(t, 1, seen.count())
	assert.Equal(t, int64(0), p.processor.Stats().Orphaned)
	assert.Equal(t, int64(1), p.processor.Stats().Processed)
}

func TestInstructionPreventsOrphan(t *testing.T) {
	p := newPipeline(t)
	require.NoError(t, p.matcher.Save(context.Background(), &instruction.Instruction{
		ID: "i1", UserID: "user-1", Enabled: true,
		Trigger: instruction.Trigger{EventType: "email.*"},
		Action: instruction.Action{Type: instruction.ActionSendNotification,
			Config: map[string]any{"title": "mail"}},
	}))
	notifications := collect(p.bus, event.TypeNotificationSend)

	e, err := event.NewEmail("gmail", "user-1", "received", "gmail", map[string]any{"subject": "hi"})
	require.NoError(t, err)
	p.processor.Process(context.Background(), e)

	sent := notifications.events()
	require.Len(t, sent, 1)
	assert.Equal(t, e.ID, sent[0].CorrelationID)
	assert.Equal(t, int64(1), p.processor.Stats().Processed)
}

func TestDriverFailureEmitsErrorEvent(t *testing.T) {
	p := newPipeline(t)
	p.addDriver(t, "broken", []string{"test.event"},
		func(ctx context.Context, e *event.Event) ([]*event.Event, error) {
			return nil, errors.New("handler rejected payload")
		})
	errs := collect(p.bus, event.TypeError)

	cause := testEvent("test.event")
	p.processor.Process(context.Background(), cause)

	events := errs.events()
	require.Len(t, events, 1)
	assert.Equal(t, "driver_failure", events[0].Metadata["error_type"])
	assert.Equal(t, cause.ID, events[0].CorrelationID)
	// The event still counts as processed; the failure is reported, not fatal.
	assert.Equal(t, int64(1), p.processor.Stats().Processed)
}

func TestErrorEventsCannotLoop(t *testing.T) {
	p := newPipeline(t)
	errs := collect(p.bus, event.TypeError)

	// An invalid error event must not produce another error event.
	p.processor.Process(context.Background(), &event.Event{ID: "x", Type: event.TypeError})
	assert.Equal(t, 0, errs.count())
}

func TestStartConsumesBusTraffic(t *testing.T) {
	p := newPipeline(t)
	done := make(chan struct{})
	p.addDriver(t, "echo", []string{"test.event"},
		func(ctx context.Context, e *event.Event) ([]*event.Event, error) {
			close(done)
			return nil, nil
		})

	p.processor.Start()
	defer p.processor.Stop()

	p.bus.Emit(testEvent("test.event"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("processor never routed the emitted event")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	p := newPipeline(t)
	p.processor.Start()
	p.processor.Start()
	p.processor.Stop()
	p.processor.Stop()
	p.processor.Start()
	p.processor.Stop()
}

func TestQueueOverflowDropsNotBlocks(t *testing.T) {
	engine := policy.NewEngine()
	st := store.NewMemory()
	b := bus.New(1000)
	reg := driver.NewRegistry()
	sec := security.NewManager(engine, security.WithCostFunc(func(string) float64 { return 0 }))
	m := instruction.NewMatcher(st)
	proc := New(b, reg, sec, m,
		WithQueueSize(2), WithRegisterer(prometheus.NewRegistry()))

	// Workers never started: the queue fills and further enqueues drop.
	b.SetSink(proc.enqueue)
	for i := 0; i < 5; i++ {
		b.Emit(testEvent("test.event"))
	}
	assert.Equal(t, int64(3), proc.Stats().QueueDropped)
}

func TestDailyRateCapStopsDownstreamTraffic(t *testing.T) {
	p := newPipeline(t, security.DefaultPolicies(1000, 0)...)
	var calls int
	p.addDriver(t, "echo", []string{"test.event"},
		func(ctx context.Context, e *event.Event) ([]*event.Event, error) {
			calls++
			return nil, nil
		})

	// First event sees zero prior traffic and passes.
	p.processor.Process(context.Background(), testEvent("test.event"))
	// Second event is over the cap: dropped before routing.
	p.processor.Process(context.Background(), testEvent("test.event"))

	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(1), p.processor.Stats().Denied)

	audit := p.security.AuditLog(0)
	require.Len(t, audit, 2)
	assert.False(t, audit[1].Authorized)
	assert.Equal(t, []string{"RESTRICTED"}, audit[1].ActionsTaken)
}

func TestOutputsCarryCausalHistory(t *testing.T) {
	p := newPipeline(t)
	p.addDriver(t, "echo", []string{"test.event"},
		func(ctx context.Context, e *event.Event) ([]*event.Event, error) {
			return []*event.Event{event.New("echo", "test.output", e.UserID, event.CategoryOutput, nil)}, nil
		})
	outputs := collect(p.bus, "test.output")

	cause := testEvent("test.event")
	p.processor.Process(context.Background(), cause)

	events := outputs.events()
	require.Len(t, events, 1)
	require.Len(t, events[0].History, 1)
	assert.Equal(t, cause.ID, events[0].History[0].ID)
	assert.Empty(t, events[0].History[0].History)
}

func TestCausalHistoryDepthBounded(t *testing.T) {
	p := newPipeline(t)
	p.addDriver(t, "echo", []string{"test.event"},
		func(ctx context.Context, e *event.Event) ([]*event.Event, error) {
			return []*event.Event{event.New("echo", "test.output", e.UserID, event.CategoryOutput, nil)}, nil
		})
	outputs := collect(p.bus, "test.output")

	cause := testEvent("test.event")
	for i := 0; i < event.MaxHistoryDepth+4; i++ {
		cause.History = append(cause.History,
			event.New("test", "ancestor.event", "user-1", event.CategoryUser, map[string]any{"seq": i}))
	}
	p.processor.Process(context.Background(), cause)

	events := outputs.events()
	require.Len(t, events, 1)
	hist := events[0].History
	require.Len(t, hist, event.MaxHistoryDepth)
	// Oldest ancestors are dropped; the immediate cause comes last.
	assert.Equal(t, 5, hist[0].Metadata["seq"])
	assert.Equal(t, cause.ID, hist[len(hist)-1].ID)
}

func TestDriverOutputsFlowBackThroughPipeline(t *testing.T) {
	p := newPipeline(t)
	p.addDriver(t, "chat", []string{event.TypeLLMChat},
		func(ctx context.Context, e *event.Event) ([]*event.Event, error) {
			out := event.New("chat", event.TypeLLMResponse, e.UserID, event.CategoryOutput,
				map[string]any{"response": "done"})
			out.CorrelationID = e.ID
			return []*event.Event{out}, nil
		})
	responses := collect(p.bus, event.TypeLLMResponse)

	p.processor.Start()
	defer p.processor.Stop()

	chat, err := event.NewLLMChat("api", "user-1", []event.ChatMessage{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	p.bus.Emit(chat)

	require.Eventually(t, func() bool {
		return responses.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, chat.ID, responses.events()[0].CorrelationID)
}
