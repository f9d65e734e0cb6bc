package instruction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambientos/ambient/pkg/event"
	"github.com/ambientos/ambient/pkg/store"
)

func fixedClock(hour int) func() time.Time {
	return func() time.Time {
		return time.Date(2026, 8, 24, hour, 0, 0, 0, time.UTC)
	}
}

func emailEvent(t *testing.T, userID, from, subject string) *event.Event {
	t.Helper()
	e, err := event.NewEmail("gmail", userID, "received", "gmail", map[string]any{
		"from":    from,
		"subject": subject,
		"body":    "hello there",
	})
	require.NoError(t, err)
	return e
}

func saved(t *testing.T, m *Matcher, in *Instruction) *Instruction {
	t.Helper()
	require.NoError(t, m.Save(context.Background(), in))
	return in
}

func TestSaveValidates(t *testing.T) {
	m := NewMatcher(store.NewMemory())
	ctx := context.Background()

	err := m.Save(ctx, &Instruction{ID: "i1", Trigger: Trigger{EventType: "email.*"}, Action: Action{Type: ActionCreateTask}})
	assert.Error(t, err) // missing user

	err = m.Save(ctx, &Instruction{ID: "i1", UserID: "u1", Action: Action{Type: ActionCreateTask}})
	assert.Error(t, err) // missing trigger

	err = m.Save(ctx, &Instruction{ID: "i1", UserID: "u1", Trigger: Trigger{EventType: "email.*"}, Action: Action{Type: "explode"}})
	assert.Error(t, err) // unknown action

	in := &Instruction{ID: "i1", UserID: "u1", Trigger: Trigger{EventType: "email.*"}, Action: Action{Type: ActionCreateTask}}
	require.NoError(t, m.Save(ctx, in))
	assert.False(t, in.CreatedAt.IsZero())

	loaded, err := m.ForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "i1", loaded[0].ID)
}

func TestMatchEventType(t *testing.T) {
	tests := []struct {
		pattern   string
		eventType string
		want      bool
	}{
		{"*", "anything.at.all", true},
		{"email.received", "email.received", true},
		{"email.received", "email.sent", false},
		{"email.*", "email.received", true},
		{"email.*", "emailx.received", false},
		{"email.*", "email", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchEventType(tt.pattern, tt.eventType),
			"%s vs %s", tt.pattern, tt.eventType)
	}
}

func TestMatchesProviderFilter(t *testing.T) {
	m := NewMatcher(store.NewMemory())
	in := &Instruction{
		Trigger: Trigger{EventType: "email.*", Providers: []string{"gmail"}},
	}

	e := emailEvent(t, "u1", "a@b.c", "hi")
	assert.True(t, m.Matches(e, in))

	e.Metadata["provider"] = "outlook"
	assert.False(t, m.Matches(e, in))

	// Events without a provider pass a provider filter.
	delete(e.Metadata, "provider")
	assert.True(t, m.Matches(e, in))
}

func TestMatchesTimeRange(t *testing.T) {
	in := &Instruction{
		Trigger: Trigger{
			EventType:  "email.*",
			Conditions: Conditions{TimeRange: &TimeRange{StartHour: 9, EndHour: 17}},
		},
	}
	e := emailEvent(t, "u1", "a@b.c", "hi")

	inside := NewMatcher(store.NewMemory(), WithClock(fixedClock(12)))
	assert.True(t, inside.Matches(e, in))

	outside := NewMatcher(store.NewMemory(), WithClock(fixedClock(22)))
	assert.False(t, outside.Matches(e, in))
}

func TestMatchesContentFilters(t *testing.T) {
	m := NewMatcher(store.NewMemory())
	in := &Instruction{
		Trigger: Trigger{
			EventType: "email.received",
			Conditions: Conditions{ContentFilters: map[string][]string{
				"from":    {"boss@"},
				"subject": {"urgent"},
			}},
		},
	}

	assert.True(t, m.Matches(emailEvent(t, "u1", "boss@example.com", "URGENT: reply"), in))
	assert.False(t, m.Matches(emailEvent(t, "u1", "boss@example.com", "weekly digest"), in))
	assert.False(t, m.Matches(emailEvent(t, "u1", "noreply@example.com", "urgent"), in))

	// Content filters only apply to events carrying an email payload.
	plain := event.New("api", "email.received", "u1", event.CategoryUser, nil)
	assert.False(t, m.Matches(plain, in))
}

func TestOutputsProducesContextUpdate(t *testing.T) {
	m := NewMatcher(store.NewMemory())
	ctx := context.Background()
	saved(t, m, &Instruction{
		ID: "i1", UserID: "u1", Name: "track work emails", Enabled: true,
		Trigger: Trigger{EventType: "email.received"},
		Action: Action{Type: ActionUpdateContextSummary, Config: map[string]any{
			"context_key":      "work_summary",
			"synthesis_prompt": "fold it in",
		}},
	})

	outputs := m.Outputs(ctx, emailEvent(t, "u1", "boss@example.com", "numbers"))
	require.Len(t, outputs, 1)

	out := outputs[0]
	assert.Equal(t, event.TypeContextUpdate, out.Type)
	assert.Equal(t, event.SourceMatcher, out.Source)
	p, err := event.AsContextUpdate(out)
	require.NoError(t, err)
	assert.Equal(t, "work_summary", p.ContextKey)
	assert.Equal(t, event.ContextOpSynthesize, p.UpdateOperation)
	assert.Contains(t, p.Content, "boss@example.com")

	// Execution bookkeeping was persisted.
	loaded, err := m.ForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, int64(1), loaded[0].ExecutionCount)
	assert.NotNil(t, loaded[0].LastExecuted)
}

func TestOutputsSkipsDisabledAndOtherUsers(t *testing.T) {
	m := NewMatcher(store.NewMemory())
	ctx := context.Background()
	saved(t, m, &Instruction{
		ID: "disabled", UserID: "u1", Enabled: false,
		Trigger: Trigger{EventType: "*"},
		Action:  Action{Type: ActionCreateTask},
	})
	saved(t, m, &Instruction{
		ID: "other-user", UserID: "u2", Enabled: true,
		Trigger: Trigger{EventType: "*"},
		Action:  Action{Type: ActionCreateTask},
	})

	assert.Empty(t, m.Outputs(ctx, emailEvent(t, "u1", "a@b.c", "hi")))
}

func TestOutputsSkipsLoopProneNamespaces(t *testing.T) {
	m := NewMatcher(store.NewMemory())
	ctx := context.Background()
	saved(t, m, &Instruction{
		ID: "catch-all", UserID: "u1", Enabled: true,
		Trigger: Trigger{EventType: "*"},
		Action:  Action{Type: ActionCreateTask},
	})

	ctxUpdate, err := event.NewContextUpdate("instruction-matcher", "u1", event.ContextUpdatePayload{
		ContextKey: "k", UpdateOperation: event.ContextOpAppend,
	})
	require.NoError(t, err)
	assert.Empty(t, m.Outputs(ctx, ctxUpdate))
	assert.False(t, m.HasMatch(ctx, ctxUpdate))

	instrEvent, err := event.NewInstruction("api", "u1", "create", map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, m.Outputs(ctx, instrEvent))
}

func TestHasMatch(t *testing.T) {
	m := NewMatcher(store.NewMemory())
	ctx := context.Background()
	saved(t, m, &Instruction{
		ID: "i1", UserID: "u1", Enabled: true,
		Trigger: Trigger{EventType: "email.*"},
		Action:  Action{Type: ActionCreateTask},
	})

	assert.True(t, m.HasMatch(ctx, emailEvent(t, "u1", "a@b.c", "hi")))
	assert.False(t, m.HasMatch(ctx, emailEvent(t, "u2", "a@b.c", "hi")))
	assert.False(t, m.HasMatch(ctx, event.New("api", "calendar.updated", "u1", event.CategoryUser, nil)))
}
