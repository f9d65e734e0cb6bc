package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPlan() *Plan {
	return &Plan{
		ID:   "morning-briefing",
		Name: "Morning briefing",
		Events: []Event{
			{Name: "daily_tick", Kind: EventKindCron, Schedule: "0 7 * * *"},
			{Name: "manual_run", Kind: EventKindExternal},
		},
		Steps: []Step{
			{Name: "gather", On: []string{"daily_tick", "manual_run"}, Action: "collect_inbox", Emits: []string{"context.update"}},
			{Name: "notify", On: []string{"daily_tick"}, Action: "send_summary"},
		},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validPlan().Validate())

	tests := []struct {
		name   string
		mutate func(*Plan)
	}{
		{"missing id", func(p *Plan) { p.ID = "" }},
		{"missing name", func(p *Plan) { p.Name = "" }},
		{"event without name", func(p *Plan) { p.Events[0].Name = "" }},
		{"timed event without schedule", func(p *Plan) { p.Events[0].Schedule = "" }},
		{"unknown event kind", func(p *Plan) { p.Events[0].Kind = "time.lunar" }},
		{"step without name", func(p *Plan) { p.Steps[0].Name = "" }},
		{"step without triggers", func(p *Plan) { p.Steps[0].On = nil }},
		{"undeclared trigger", func(p *Plan) { p.Steps[0].On = []string{"mystery"} }},
		{"undeclared emit", func(p *Plan) { p.Steps[0].Emits = []string{"mystery"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPlan()
			tt.mutate(p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestValidateDottedNamesAreGlobal(t *testing.T) {
	p := validPlan()
	p.Steps[0].On = append(p.Steps[0].On, "email.received")
	p.Steps[0].Emits = append(p.Steps[0].Emits, "notification.send")
	assert.NoError(t, p.Validate())
}

func TestEventTriggers(t *testing.T) {
	got := validPlan().EventTriggers()
	assert.Equal(t, []string{"daily_tick", "manual_run"}, got)
}

func TestCapabilities(t *testing.T) {
	got := validPlan().Capabilities()
	assert.Equal(t, []string{"action.collect_inbox", "emit.context.update", "action.send_summary"}, got)
}

func TestTimedAndExternalEvents(t *testing.T) {
	p := validPlan()
	p.Events = append(p.Events, Event{Name: "poll", Kind: EventKindInterval, Schedule: "PT10M"})
	p.Events = append(p.Events, Event{Name: "default_kind"})

	timed := p.TimedEvents()
	require.Len(t, timed, 2)
	assert.Equal(t, "daily_tick", timed[0].Name)
	assert.Equal(t, "poll", timed[1].Name)

	external := p.ExternalEvents()
	require.Len(t, external, 2)
	assert.Equal(t, "manual_run", external[0].Name)
	assert.Equal(t, "default_kind", external[1].Name)
}

func TestFromMapToDocumentRoundTrip(t *testing.T) {
	p := validPlan()
	doc, err := p.ToDocument("user-1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, doc.ID)
	assert.Equal(t, "user-1", doc.PK)
	assert.NotEmpty(t, doc.Data["event_triggers"])
	assert.NotEmpty(t, doc.Data["capabilities"])

	decoded, err := FromMap(doc.Data)
	require.NoError(t, err)
	assert.Equal(t, p.ID, decoded.ID)
	require.Len(t, decoded.Events, 2)
	assert.Equal(t, EventKindCron, decoded.Events[0].Kind)
	require.Len(t, decoded.Steps, 2)
	assert.Equal(t, []string{"daily_tick", "manual_run"}, decoded.Steps[0].On)
}
