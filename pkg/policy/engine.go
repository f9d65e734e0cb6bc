// Package policy evaluates ordered security policies against an event's
// evaluation context. Policies gate every event that enters the
// processor; the security manager builds the context and records the
// outcome.
package policy

import (
	"log/slog"
	"sort"
	"sync"
)

// Action is the effect of a matched policy.
type Action string

const (
	ActionAllow    Action = "ALLOW"
	ActionDeny     Action = "DENY"
	ActionRestrict Action = "RESTRICT"
	ActionLog      Action = "LOG"
	ActionNotify   Action = "NOTIFY"
)

// Policy pairs a compiled condition with an action. AppliesTo lists user
// ids, or ["*"] for everyone. Lower Priority evaluates earlier.
type Policy struct {
	ID        string
	Name      string
	Condition string
	Action    Action
	Config    map[string]any
	AppliesTo []string
	Enabled   bool
	Priority  int

	compiled Condition
}

// Result is the outcome of evaluating all applicable policies.
type Result struct {
	Authorized bool
	Evaluated  int
	Matched    int
	Actions    []string
	// Restrictions carries the Config of matched RESTRICT policies so
	// the caller can apply them (rate limits, scopes, ...). A config
	// with "block": true tells the security manager to withhold
	// authorization for the event.
	Restrictions []map[string]any
}

// Engine holds an ordered policy set. Evaluation is read-mostly; policy
// mutation takes the write lock.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	logger   *slog.Logger
}

// NewEngine creates an empty policy engine.
func NewEngine() *Engine {
	return &Engine{
		policies: make(map[string]*Policy),
		logger:   slog.Default().With("component", "policy-engine"),
	}
}

// Add compiles and installs a policy, replacing any policy with the same
// id. A condition that fails to compile is installed as never-matching
// and logged — DENY decisions must always be explicit.
func (e *Engine) Add(p Policy) {
	compiled, err := Compile(p.Condition)
	if err != nil {
		e.logger.Warn("Policy condition failed to compile, treating as never-matching",
			"policy_id", p.ID, "condition", p.Condition, "error", err)
		compiled = constCond{value: false}
	}
	p.compiled = compiled
	e.mu.Lock()
	e.policies[p.ID] = &p
	e.mu.Unlock()
}

// Remove deletes a policy. Idempotent.
func (e *Engine) Remove(policyID string) {
	e.mu.Lock()
	delete(e.policies, policyID)
	e.mu.Unlock()
}

// List returns the installed policies sorted by ascending priority.
func (e *Engine) List() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Evaluate runs the policies that apply to userID in ascending-priority
// order against ctx. The first matched DENY short-circuits with
// Authorized=false; RESTRICT, LOG and NOTIFY accumulate into Actions and
// evaluation continues. With no matches the default is ALLOW.
func (e *Engine) Evaluate(userID string, ctx map[string]any) Result {
	e.mu.RLock()
	applicable := make([]*Policy, 0, len(e.policies))
	for _, p := range e.policies {
		if p.Enabled && appliesTo(p, userID) {
			applicable = append(applicable, p)
		}
	}
	e.mu.RUnlock()

	sort.Slice(applicable, func(i, j int) bool {
		return applicable[i].Priority < applicable[j].Priority
	})

	res := Result{Authorized: true}
	for _, p := range applicable {
		res.Evaluated++
		if !p.compiled.Eval(ctx) {
			continue
		}
		res.Matched++
		switch p.Action {
		case ActionDeny:
			res.Authorized = false
			res.Actions = append(res.Actions, "DENIED")
			return res
		case ActionRestrict:
			res.Actions = append(res.Actions, "RESTRICTED")
			if p.Config != nil {
				res.Restrictions = append(res.Restrictions, p.Config)
			}
		case ActionLog:
			res.Actions = append(res.Actions, "LOGGED")
			e.logger.Info("Policy log action",
				"policy_id", p.ID, "policy_name", p.Name, "user_id", userID)
		case ActionNotify:
			res.Actions = append(res.Actions, "NOTIFIED")
		case ActionAllow:
			res.Actions = append(res.Actions, "ALLOWED")
		}
	}
	return res
}

func appliesTo(p *Policy, userID string) bool {
	for _, u := range p.AppliesTo {
		if u == "*" || u == userID {
			return true
		}
	}
	return false
}
