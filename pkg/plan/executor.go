package plan

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ambientos/ambient/pkg/bus"
	"github.com/ambientos/ambient/pkg/event"
	"github.com/ambientos/ambient/pkg/store"
)

// Executor owns the registered plans. It installs schedules for timed
// plan events, subscribes to each plan's trigger events, and fans
// triggers out into plan.step.execute events for the drivers to act on.
type Executor struct {
	bus    *bus.Bus
	store  store.Store
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*Plan  // plan id -> plan
	subs   map[string]string // plan id -> trigger subscription id
}

// NewExecutor creates an executor persisting plans to st. st may be nil
// for a purely in-memory executor.
func NewExecutor(b *bus.Bus, st store.Store) *Executor {
	return &Executor{
		bus:    b,
		store:  st,
		logger: slog.Default().With("component", "plan-executor"),
		active: make(map[string]*Plan),
		subs:   make(map[string]string),
	}
}

// Attach subscribes the executor to the plan lifecycle events and the
// cron configuration events. Returns the subscription id.
func (x *Executor) Attach(b *bus.Bus) string {
	return b.Subscribe(bus.Filter{
		Types: []string{
			event.TypePlanRegister, event.TypePlanUnregister,
			event.TypePlanExecute, event.TypePlanTrigger, event.TypePlanSchedule,
			event.TypeCronConfigure, event.TypeCronConfigured,
		},
	}, func(e *event.Event) {
		ctx := context.Background()
		switch e.Type {
		case event.TypePlanRegister:
			x.handleRegister(ctx, e)
		case event.TypePlanUnregister:
			x.handleUnregister(ctx, e)
		case event.TypePlanExecute:
			x.handleExecute(e)
		case event.TypePlanTrigger:
			x.handleTrigger(e)
		case event.TypePlanSchedule:
			x.handleSchedule(e)
		case event.TypeCronConfigure, event.TypeCronConfigured:
			x.handleCronConfigure(e)
		}
	})
}

// Start reactivates persisted plans after a restart.
func (x *Executor) Start(ctx context.Context) error {
	if x.store == nil {
		return nil
	}
	docs, err := x.store.Query(ctx, store.ContainerPlans, store.Query{})
	if err != nil {
		return err
	}
	for _, doc := range docs {
		p, err := FromMap(doc.Data)
		if err != nil {
			x.logger.Warn("Skipping unreadable plan", "plan_id", doc.ID, "error", err)
			continue
		}
		if !p.Enabled {
			continue
		}
		x.activate(p)
	}
	x.logger.Info("Plan executor started", "active_plans", len(x.active))
	return nil
}

// Stop drops all trigger subscriptions. Registered plans stay persisted.
func (x *Executor) Stop() {
	x.mu.Lock()
	defer x.mu.Unlock()
	for id, sub := range x.subs {
		x.bus.Unsubscribe(sub)
		delete(x.subs, id)
	}
	x.active = make(map[string]*Plan)
}

// Active returns the currently registered plans.
func (x *Executor) Active() []*Plan {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]*Plan, 0, len(x.active))
	for _, p := range x.active {
		out = append(out, p)
	}
	return out
}

// Get returns a registered plan by id.
func (x *Executor) Get(id string) (*Plan, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	p, ok := x.active[id]
	return p, ok
}

// handleRegister validates and stores the plan, subscribes to its
// trigger events and emits plan.schedule so timed events get installed.
func (x *Executor) handleRegister(ctx context.Context, e *event.Event) {
	raw, ok := e.Metadata["plan"].(map[string]any)
	if !ok {
		x.reject(e, "plan.register requires a plan definition")
		return
	}
	p, err := FromMap(raw)
	if err != nil {
		x.reject(e, err.Error())
		return
	}
	if err := p.Validate(); err != nil {
		x.reject(e, err.Error())
		return
	}
	p.Enabled = true

	if x.store != nil {
		doc, err := p.ToDocument(e.UserID)
		if err != nil {
			x.reject(e, err.Error())
			return
		}
		if err := x.store.Upsert(ctx, store.ContainerPlans, doc); err != nil {
			x.reject(e, err.Error())
			return
		}
	}
	x.activate(p)
	x.logger.Info("Plan registered",
		"plan_id", p.ID, "plan_name", p.Name,
		"events", len(p.Events), "steps", len(p.Steps))

	if len(p.TimedEvents()) > 0 {
		sched := event.New(event.SourcePlanner, event.TypePlanSchedule, e.UserID,
			event.CategorySystem, map[string]any{"plan_id": p.ID})
		sched.CorrelationID = e.ID
		sched.ChildOf(e)
		x.bus.Emit(sched)
	}
}

// handleSchedule turns each timed plan event into a schedule.create for
// the scheduler, with the plan id riding along on the emitted event.
func (x *Executor) handleSchedule(e *event.Event) {
	planID, _ := e.Metadata["plan_id"].(string)
	p, ok := x.Get(planID)
	if !ok {
		x.reject(e, "plan.schedule for unknown plan "+planID)
		return
	}
	for _, ev := range p.TimedEvents() {
		md := map[string]any{
			"event": map[string]any{
				"type":     ev.Name,
				"source":   event.SourcePlanner,
				"metadata": map[string]any{"plan_id": p.ID, "plan_event": ev.Name},
			},
			"schedule_metadata": map[string]any{"plan_id": p.ID},
		}
		switch ev.Kind {
		case EventKindCron:
			md["cron"] = ev.Schedule
		case EventKindInterval:
			md["interval"] = ev.Schedule
		}
		create := event.New(event.SourcePlanner, event.TypeScheduleCreate, e.UserID,
			event.CategorySystem, md)
		create.CorrelationID = e.ID
		create.ChildOf(e)
		x.bus.Emit(create)
	}
}

// handleExecute runs a plan on demand: each declared external event is
// fired as a plan.trigger so its steps execute immediately.
func (x *Executor) handleExecute(e *event.Event) {
	planID, _ := e.Metadata["plan_id"].(string)
	p, ok := x.Get(planID)
	if !ok {
		x.reject(e, "plan.execute for unknown plan "+planID)
		return
	}
	for _, ev := range p.ExternalEvents() {
		trigger := event.New(event.SourcePlanner, event.TypePlanTrigger, e.UserID,
			event.CategorySystem, map[string]any{"plan_id": p.ID, "event": ev.Name})
		trigger.CorrelationID = e.ID
		trigger.ChildOf(e)
		x.bus.Emit(trigger)
	}
}

// handleTrigger fires the steps listening on a named plan event.
func (x *Executor) handleTrigger(e *event.Event) {
	planID, _ := e.Metadata["plan_id"].(string)
	name, _ := e.Metadata["event"].(string)
	p, ok := x.Get(planID)
	if !ok {
		x.reject(e, "plan.trigger for unknown plan "+planID)
		return
	}
	x.runSteps(p, name, e)
}

// handleCronConfigure forwards legacy cron configuration to the
// scheduler as a schedule.create.
func (x *Executor) handleCronConfigure(e *event.Event) {
	md := make(map[string]any, len(e.Metadata))
	for k, v := range e.Metadata {
		md[k] = v
	}
	create := event.New(event.SourcePlanner, event.TypeScheduleCreate, e.UserID,
		event.CategorySystem, md)
	create.CorrelationID = e.ID
	create.ChildOf(e)
	x.bus.Emit(create)
}

func (x *Executor) handleUnregister(ctx context.Context, e *event.Event) {
	planID, _ := e.Metadata["plan_id"].(string)
	x.mu.Lock()
	if sub, ok := x.subs[planID]; ok {
		x.bus.Unsubscribe(sub)
		delete(x.subs, planID)
	}
	_, known := x.active[planID]
	delete(x.active, planID)
	x.mu.Unlock()
	if !known {
		x.reject(e, "plan.unregister for unknown plan "+planID)
		return
	}
	if x.store != nil {
		if err := x.store.Delete(ctx, store.ContainerPlans, planID); err != nil {
			x.logger.Warn("Failed to delete plan", "plan_id", planID, "error", err)
		}
	}
	x.logger.Info("Plan unregistered", "plan_id", planID)
}

// activate records the plan and subscribes to its trigger events so
// scheduler-fired plan events reach runSteps.
func (x *Executor) activate(p *Plan) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if sub, ok := x.subs[p.ID]; ok {
		x.bus.Unsubscribe(sub)
	}
	x.active[p.ID] = p
	triggers := p.EventTriggers()
	if len(triggers) == 0 {
		return
	}
	planID := p.ID
	x.subs[p.ID] = x.bus.Subscribe(bus.Filter{Types: triggers}, func(e *event.Event) {
		pp, ok := x.Get(planID)
		if !ok {
			return
		}
		x.runSteps(pp, e.Type, e)
	})
}

// runSteps emits plan.step.execute for every step listening on name.
func (x *Executor) runSteps(p *Plan, name string, cause *event.Event) {
	for _, step := range p.Steps {
		if !containsString(step.On, name) {
			continue
		}
		md := map[string]any{
			"plan_id":       p.ID,
			"step_name":     step.Name,
			"action":        step.Action,
			"trigger_event": name,
		}
		if len(step.Args) > 0 {
			md["args"] = step.Args
		}
		if len(step.Emits) > 0 {
			md["emits"] = step.Emits
		}
		out := event.New(event.SourcePlanner, event.TypePlanStepExecute, cause.UserID,
			event.CategorySystem, md)
		out.CorrelationID = cause.ID
		out.ChildOf(cause)
		x.bus.Emit(out)
		x.logger.Info("Plan step dispatched",
			"plan_id", p.ID, "step", step.Name, "trigger", name)
	}
}

// reject reports a plan handling failure as an error event.
func (x *Executor) reject(cause *event.Event, reason string) {
	x.logger.Warn("Plan request rejected", "event_id", cause.ID, "reason", reason)
	errEvent := event.New(event.SourcePlanner, event.TypeError, cause.UserID,
		event.CategorySystem, map[string]any{
			"original_event": cause.ToMap(),
			"error":          reason,
			"error_type":     "plan_validation",
		})
	errEvent.CorrelationID = cause.ID
	x.bus.Emit(errEvent)
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
