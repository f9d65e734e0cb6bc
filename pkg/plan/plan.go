// Package plan registers multi-step workflows as applications: a plan
// declares named events (timed or external) and steps that fire on those
// events. The executor installs schedules for timed events and emits
// step-execution events when triggers arrive.
package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ambientos/ambient/pkg/store"
)

// Event kinds a plan may declare.
const (
	EventKindCron     = "time.cron"
	EventKindInterval = "time.interval"
	EventKindExternal = "external"
)

// Event is a named trigger declared by a plan. Schedule holds the cron
// expression or ISO-8601 interval for timed kinds.
type Event struct {
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"` // defaults to external
	Schedule string `json:"schedule,omitempty"`
}

// Step runs when any of its On events fires.
type Step struct {
	Name   string         `json:"name"`
	On     []string       `json:"on"`
	Action string         `json:"action"`
	Args   map[string]any `json:"args,omitempty"`
	Emits  []string       `json:"emits,omitempty"`
}

// Plan is a registered workflow.
type Plan struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Events      []Event `json:"events"`
	Steps       []Step  `json:"steps"`
	Version     string  `json:"version,omitempty"`
	Author      string  `json:"author,omitempty"`
	Enabled     bool    `json:"enabled"`
}

// Validate checks that every step's On and Emits names resolve to a
// declared plan event or a globally-known dotted event type.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("plan: id must not be empty")
	}
	if p.Name == "" {
		return fmt.Errorf("plan %s: name must not be empty", p.ID)
	}
	declared := make(map[string]bool, len(p.Events))
	for _, ev := range p.Events {
		if ev.Name == "" {
			return fmt.Errorf("plan %s: event with empty name", p.ID)
		}
		switch ev.Kind {
		case "", EventKindExternal:
		case EventKindCron, EventKindInterval:
			if ev.Schedule == "" {
				return fmt.Errorf("plan %s: timed event %q missing schedule", p.ID, ev.Name)
			}
		default:
			return fmt.Errorf("plan %s: event %q has unknown kind %q", p.ID, ev.Name, ev.Kind)
		}
		declared[ev.Name] = true
	}
	resolves := func(name string) bool {
		// Dotted names are global event types; bare names must be
		// declared plan events.
		return declared[name] || strings.Contains(name, ".")
	}
	for _, step := range p.Steps {
		if step.Name == "" {
			return fmt.Errorf("plan %s: step with empty name", p.ID)
		}
		if len(step.On) == 0 {
			return fmt.Errorf("plan %s: step %q has no trigger events", p.ID, step.Name)
		}
		for _, on := range step.On {
			if !resolves(on) {
				return fmt.Errorf("plan %s: step %q triggers on undeclared event %q", p.ID, step.Name, on)
			}
		}
		for _, emits := range step.Emits {
			if !resolves(emits) {
				return fmt.Errorf("plan %s: step %q emits undeclared event %q", p.ID, step.Name, emits)
			}
		}
	}
	return nil
}

// EventTriggers derives the event names that can trigger this plan's
// steps.
func (p *Plan) EventTriggers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, step := range p.Steps {
		for _, on := range step.On {
			if !seen[on] {
				seen[on] = true
				out = append(out, on)
			}
		}
	}
	return out
}

// Capabilities derives the action.* and emit.* capability names this
// plan exercises.
func (p *Plan) Capabilities() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(c string) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, step := range p.Steps {
		if step.Action != "" {
			add("action." + step.Action)
		}
		for _, emits := range step.Emits {
			add("emit." + emits)
		}
	}
	return out
}

// TimedEvents returns the declared cron and interval events.
func (p *Plan) TimedEvents() []Event {
	var out []Event
	for _, ev := range p.Events {
		if ev.Kind == EventKindCron || ev.Kind == EventKindInterval {
			out = append(out, ev)
		}
	}
	return out
}

// ExternalEvents returns the declared external events.
func (p *Plan) ExternalEvents() []Event {
	var out []Event
	for _, ev := range p.Events {
		if ev.Kind == "" || ev.Kind == EventKindExternal {
			out = append(out, ev)
		}
	}
	return out
}

// FromMap decodes a plan from a JSON-shaped map.
func FromMap(m map[string]any) (*Plan, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &p, nil
}

// ToDocument renders the plan as an application record, including the
// derived trigger and capability lists.
func (p *Plan) ToDocument(userID string) (*store.Document, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	data["event_triggers"] = p.EventTriggers()
	data["capabilities"] = p.Capabilities()
	return &store.Document{ID: p.ID, PK: userID, Data: data}, nil
}
