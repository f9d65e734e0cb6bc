package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambientos/ambient/pkg/bus"
	"github.com/ambientos/ambient/pkg/event"
	"github.com/ambientos/ambient/pkg/store"
)

func collector(b *bus.Bus, types ...string) *[]*event.Event {
	var got []*event.Event
	b.Subscribe(bus.Filter{Types: types}, func(e *event.Event) {
		got = append(got, e)
	})
	return &got
}

func planMap(t *testing.T, p *Plan) map[string]any {
	t.Helper()
	doc, err := p.ToDocument("user-1")
	require.NoError(t, err)
	return doc.Data
}

func registerEvent(t *testing.T, p *Plan) *event.Event {
	t.Helper()
	return event.New("api", event.TypePlanRegister, "user-1", event.CategoryUser,
		map[string]any{"plan": planMap(t, p)})
}

func TestRegisterInstallsSchedules(t *testing.T) {
	b := bus.New(100)
	st := store.NewMemory()
	x := NewExecutor(b, st)
	x.Attach(b)

	creates := collector(b, event.TypeScheduleCreate)
	errors := collector(b, event.TypeError)

	cause := registerEvent(t, validPlan())
	b.Emit(cause)

	assert.Empty(t, *errors)
	require.Len(t, x.Active(), 1)

	// The cron plan event became one schedule.create carrying the plan id.
	require.Len(t, *creates, 1)
	create := (*creates)[0]
	assert.Equal(t, "0 7 * * *", create.Metadata["cron"])
	tmpl, ok := create.Metadata["event"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "daily_tick", tmpl["type"])
	md, ok := tmpl["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "morning-briefing", md["plan_id"])

	schedMD, ok := create.Metadata["schedule_metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "morning-briefing", schedMD["plan_id"])

	// The plan was persisted.
	doc, err := st.Get(context.Background(), store.ContainerPlans, "morning-briefing")
	require.NoError(t, err)
	assert.Equal(t, "user-1", doc.PK)
}

func TestRegisterRejectsInvalidPlan(t *testing.T) {
	b := bus.New(100)
	x := NewExecutor(b, nil)
	x.Attach(b)
	errors := collector(b, event.TypeError)

	bad := validPlan()
	bad.Steps[0].On = []string{"undeclared"}
	b.Emit(registerEvent(t, bad))

	require.Len(t, *errors, 1)
	assert.Equal(t, "plan_validation", (*errors)[0].Metadata["error_type"])
	assert.Empty(t, x.Active())
}

func TestTriggerRunsListeningSteps(t *testing.T) {
	b := bus.New(100)
	x := NewExecutor(b, nil)
	x.Attach(b)
	steps := collector(b, event.TypePlanStepExecute)

	b.Emit(registerEvent(t, validPlan()))

	// A scheduler-fired plan event reaches the steps through the
	// executor's trigger subscription.
	fired := event.New(event.SourceScheduler, "daily_tick", "user-1", event.CategorySystem,
		map[string]any{"plan_id": "morning-briefing", "plan_event": "daily_tick"})
	b.Emit(fired)

	require.Len(t, *steps, 2)
	first := (*steps)[0]
	assert.Equal(t, "morning-briefing", first.Metadata["plan_id"])
	assert.Equal(t, "gather", first.Metadata["step_name"])
	assert.Equal(t, "collect_inbox", first.Metadata["action"])
	assert.Equal(t, "daily_tick", first.Metadata["trigger_event"])
	assert.Equal(t, fired.ID, first.CorrelationID)
	require.Len(t, first.History, 1)
	assert.Equal(t, fired.ID, first.History[0].ID)
	assert.Equal(t, "notify", (*steps)[1].Metadata["step_name"])
}

func TestExecuteFiresExternalEvents(t *testing.T) {
	b := bus.New(100)
	x := NewExecutor(b, nil)
	x.Attach(b)
	steps := collector(b, event.TypePlanStepExecute)

	b.Emit(registerEvent(t, validPlan()))
	b.Emit(event.New("api", event.TypePlanExecute, "user-1", event.CategoryUser,
		map[string]any{"plan_id": "morning-briefing"}))

	// manual_run is the only external event; only "gather" listens on it.
	require.Len(t, *steps, 1)
	assert.Equal(t, "gather", (*steps)[0].Metadata["step_name"])
	assert.Equal(t, "manual_run", (*steps)[0].Metadata["trigger_event"])
}

func TestExecuteUnknownPlan(t *testing.T) {
	b := bus.New(100)
	x := NewExecutor(b, nil)
	x.Attach(b)
	errors := collector(b, event.TypeError)

	b.Emit(event.New("api", event.TypePlanExecute, "user-1", event.CategoryUser,
		map[string]any{"plan_id": "ghost"}))
	assert.Len(t, *errors, 1)
}

func TestUnregisterStopsTriggers(t *testing.T) {
	b := bus.New(100)
	st := store.NewMemory()
	x := NewExecutor(b, st)
	x.Attach(b)
	steps := collector(b, event.TypePlanStepExecute)

	b.Emit(registerEvent(t, validPlan()))
	b.Emit(event.New("api", event.TypePlanUnregister, "user-1", event.CategoryUser,
		map[string]any{"plan_id": "morning-briefing"}))

	assert.Empty(t, x.Active())
	_, err := st.Get(context.Background(), store.ContainerPlans, "morning-briefing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	b.Emit(event.New(event.SourceScheduler, "daily_tick", "user-1", event.CategorySystem, nil))
	assert.Empty(t, *steps)
}

func TestStartReloadsPersistedPlans(t *testing.T) {
	st := store.NewMemory()

	b1 := bus.New(100)
	x1 := NewExecutor(b1, st)
	x1.Attach(b1)
	b1.Emit(registerEvent(t, validPlan()))
	require.Len(t, x1.Active(), 1)

	// Fresh executor over the same store, as after a restart.
	b2 := bus.New(100)
	x2 := NewExecutor(b2, st)
	x2.Attach(b2)
	require.NoError(t, x2.Start(context.Background()))
	require.Len(t, x2.Active(), 1)

	steps := collector(b2, event.TypePlanStepExecute)
	b2.Emit(event.New(event.SourceScheduler, "daily_tick", "user-1", event.CategorySystem, nil))
	assert.Len(t, *steps, 2)
}

func TestCronConfigureForwardsToScheduler(t *testing.T) {
	b := bus.New(100)
	x := NewExecutor(b, nil)
	x.Attach(b)
	creates := collector(b, event.TypeScheduleCreate)

	cause := event.New("api", event.TypeCronConfigure, "user-1", event.CategorySystem, map[string]any{
		"cron":  "*/5 * * * *",
		"event": map[string]any{"type": "poll.tick"},
	})
	b.Emit(cause)

	require.Len(t, *creates, 1)
	assert.Equal(t, "*/5 * * * *", (*creates)[0].Metadata["cron"])
	assert.Equal(t, cause.ID, (*creates)[0].CorrelationID)
}
