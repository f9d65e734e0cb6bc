package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allowAll() map[string]any {
	return map[string]any{"monthly_cost": 0.0, "daily_events": 0}
}

func TestEvaluateDefaultAllow(t *testing.T) {
	e := NewEngine()
	res := e.Evaluate("user-1", allowAll())
	assert.True(t, res.Authorized)
	assert.Zero(t, res.Evaluated)
}

func TestEvaluateDenyShortCircuits(t *testing.T) {
	e := NewEngine()
	e.Add(Policy{
		ID: "deny-first", Condition: "always", Action: ActionDeny,
		AppliesTo: []string{"*"}, Enabled: true, Priority: 10,
	})
	evaluatedLater := Policy{
		ID: "log-later", Condition: "always", Action: ActionLog,
		AppliesTo: []string{"*"}, Enabled: true, Priority: 20,
	}
	e.Add(evaluatedLater)

	res := e.Evaluate("user-1", allowAll())
	assert.False(t, res.Authorized)
	assert.Equal(t, 1, res.Evaluated)
	assert.Equal(t, []string{"DENIED"}, res.Actions)
}

func TestEvaluatePriorityOrder(t *testing.T) {
	e := NewEngine()
	e.Add(Policy{
		ID: "high-prio-log", Condition: "always", Action: ActionLog,
		AppliesTo: []string{"*"}, Enabled: true, Priority: 5,
	})
	e.Add(Policy{
		ID: "low-prio-deny", Condition: "always", Action: ActionDeny,
		AppliesTo: []string{"*"}, Enabled: true, Priority: 50,
	})

	res := e.Evaluate("user-1", allowAll())
	assert.False(t, res.Authorized)
	// The LOG ran first, then the DENY stopped evaluation.
	assert.Equal(t, []string{"LOGGED", "DENIED"}, res.Actions)
}

func TestEvaluateRestrictAccumulates(t *testing.T) {
	e := NewEngine()
	e.Add(Policy{
		ID: "rate-cap", Condition: "daily_events > 100", Action: ActionRestrict,
		Config:    map[string]any{"max_per_hour": 10},
		AppliesTo: []string{"*"}, Enabled: true, Priority: 10,
	})

	res := e.Evaluate("user-1", map[string]any{"daily_events": 500})
	assert.True(t, res.Authorized)
	assert.Equal(t, []string{"RESTRICTED"}, res.Actions)
	require.Len(t, res.Restrictions, 1)
	assert.Equal(t, 10, res.Restrictions[0]["max_per_hour"])
}

func TestEvaluateAppliesTo(t *testing.T) {
	e := NewEngine()
	e.Add(Policy{
		ID: "user-2-only", Condition: "always", Action: ActionDeny,
		AppliesTo: []string{"user-2"}, Enabled: true,
	})

	assert.True(t, e.Evaluate("user-1", allowAll()).Authorized)
	assert.False(t, e.Evaluate("user-2", allowAll()).Authorized)
}

func TestEvaluateSkipsDisabled(t *testing.T) {
	e := NewEngine()
	e.Add(Policy{
		ID: "disabled-deny", Condition: "always", Action: ActionDeny,
		AppliesTo: []string{"*"}, Enabled: false,
	})
	res := e.Evaluate("user-1", allowAll())
	assert.True(t, res.Authorized)
	assert.Zero(t, res.Evaluated)
}

func TestBadConditionNeverMatches(t *testing.T) {
	e := NewEngine()
	e.Add(Policy{
		ID: "broken", Condition: "this is not a condition", Action: ActionDeny,
		AppliesTo: []string{"*"}, Enabled: true,
	})
	res := e.Evaluate("user-1", allowAll())
	assert.True(t, res.Authorized)
	assert.Equal(t, 1, res.Evaluated)
	assert.Zero(t, res.Matched)
}

func TestAddReplaceRemove(t *testing.T) {
	e := NewEngine()
	e.Add(Policy{ID: "p1", Condition: "always", Action: ActionDeny, AppliesTo: []string{"*"}, Enabled: true})
	e.Add(Policy{ID: "p1", Condition: "never", Action: ActionDeny, AppliesTo: []string{"*"}, Enabled: true})

	assert.True(t, e.Evaluate("user-1", allowAll()).Authorized)
	assert.Len(t, e.List(), 1)

	e.Remove("p1")
	e.Remove("p1")
	assert.Empty(t, e.List())
}

func TestListSortedByPriority(t *testing.T) {
	e := NewEngine()
	e.Add(Policy{ID: "b", Condition: "always", Action: ActionLog, AppliesTo: []string{"*"}, Enabled: true, Priority: 20})
	e.Add(Policy{ID: "a", Condition: "always", Action: ActionLog, AppliesTo: []string{"*"}, Enabled: true, Priority: 10})

	list := e.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}
