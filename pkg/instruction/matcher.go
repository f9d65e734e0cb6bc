package instruction

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ambientos/ambient/pkg/event"
	"github.com/ambientos/ambient/pkg/store"
)

// Matcher evaluates stored instructions against events and produces
// action events. It holds no state beyond its store handle; the
// processor invokes it during event processing.
type Matcher struct {
	store  store.Store
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Matcher) { m.now = now }
}

// NewMatcher creates a matcher reading instructions from st.
func NewMatcher(st store.Store, opts ...Option) *Matcher {
	m := &Matcher{
		store:  st,
		now:    time.Now,
		logger: slog.Default().With("component", "instruction-matcher"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Save validates and persists an instruction, assigning timestamps.
func (m *Matcher) Save(ctx context.Context, in *Instruction) error {
	if err := in.Validate(); err != nil {
		return err
	}
	now := m.now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	doc, err := in.ToDocument()
	if err != nil {
		return err
	}
	return m.store.Upsert(ctx, store.ContainerInstructions, doc)
}

// ForUser returns the user's stored instructions.
func (m *Matcher) ForUser(ctx context.Context, userID string) ([]*Instruction, error) {
	docs, err := m.store.Query(ctx, store.ContainerInstructions, store.Query{PK: userID})
	if err != nil {
		return nil, err
	}
	out := make([]*Instruction, 0, len(docs))
	for _, doc := range docs {
		in, err := FromDocument(doc)
		if err != nil {
			m.logger.Warn("Skipping unreadable instruction", "instruction_id", doc.ID, "error", err)
			continue
		}
		out = append(out, in)
	}
	return out, nil
}

// Matches reports whether the instruction's trigger covers the event.
func (m *Matcher) Matches(e *event.Event, in *Instruction) bool {
	if !matchEventType(in.Trigger.EventType, e.Type) {
		return false
	}
	if len(in.Trigger.Providers) > 0 {
		provider, _ := e.Metadata["provider"].(string)
		if provider != "" && !containsString(in.Trigger.Providers, provider) {
			return false
		}
	}
	if tr := in.Trigger.Conditions.TimeRange; tr != nil {
		hour := m.now().UTC().Hour()
		if hour < tr.StartHour || hour > tr.EndHour {
			return false
		}
	}
	if filters := in.Trigger.Conditions.ContentFilters; len(filters) > 0 {
		email, err := event.AsEmail(e)
		if err != nil {
			return false
		}
		for field, substrings := range filters {
			value, _ := email.Email[field].(string)
			lower := strings.ToLower(value)
			for _, sub := range substrings {
				if !strings.Contains(lower, strings.ToLower(sub)) {
					return false
				}
			}
		}
	}
	return true
}

// Outputs runs every matching enabled instruction for the event's user
// and returns the produced action events. Events in the instruction.*
// and context.* namespaces are skipped entirely to prevent rule loops.
// Matched instructions get their execution counters bumped and
// persisted.
func (m *Matcher) Outputs(ctx context.Context, e *event.Event) []*event.Event {
	if strings.HasPrefix(e.Type, "instruction.") || strings.HasPrefix(e.Type, "context.") {
		return nil
	}
	instructions, err := m.ForUser(ctx, e.UserID)
	if err != nil {
		m.logger.Warn("Failed to load instructions", "user_id", e.UserID, "error", err)
		return nil
	}

	var outputs []*event.Event
	for _, in := range instructions {
		if !in.Enabled || !m.Matches(e, in) {
			continue
		}
		produced := m.execute(in, e)
		outputs = append(outputs, produced...)

		in.ExecutionCount++
		executed := m.now().UTC()
		in.LastExecuted = &executed
		if err := m.Save(ctx, in); err != nil {
			m.logger.Warn("Failed to persist instruction execution",
				"instruction_id", in.ID, "error", err)
		}
		m.logger.Info("Instruction matched",
			"instruction_id", in.ID,
			"instruction_name", in.Name,
			"event_type", e.Type,
			"action", in.Action.Type,
			"outputs", len(produced))
	}
	return outputs
}

// HasMatch reports whether any enabled instruction would match the
// event. The processor consults this for its drain check.
func (m *Matcher) HasMatch(ctx context.Context, e *event.Event) bool {
	if strings.HasPrefix(e.Type, "instruction.") || strings.HasPrefix(e.Type, "context.") {
		return false
	}
	instructions, err := m.ForUser(ctx, e.UserID)
	if err != nil {
		return false
	}
	for _, in := range instructions {
		if in.Enabled && m.Matches(e, in) {
			return true
		}
	}
	return false
}

// matchEventType implements the trigger wildcard forms: "*", exact, and
// "prefix.*".
func matchEventType(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
