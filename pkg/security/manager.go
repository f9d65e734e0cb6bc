// Package security authorizes events before routing. The manager builds
// a per-event evaluation context (time of day, daily event volume,
// monthly cost), runs it through the policy engine and appends the
// decision to a bounded audit log.
package security

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ambientos/ambient/pkg/event"
	"github.com/ambientos/ambient/pkg/policy"
)

// DefaultAuditSize caps the audit ring buffer. On overflow the oldest
// half is compacted away.
const DefaultAuditSize = 10000

// CostFunc reports a user's accumulated monthly cost. The real cost
// model (LLM tokens × provider rate) lives outside the core; the default
// is a placeholder derived from event volume.
type CostFunc func(userID string) float64

// AuditRecord is one authorization decision.
type AuditRecord struct {
	Timestamp         time.Time `json:"timestamp"`
	EventID           string    `json:"event_id"`
	EventType         string    `json:"event_type"`
	UserID            string    `json:"user_id"`
	Authorized        bool      `json:"authorized"`
	PoliciesEvaluated int       `json:"policies_evaluated"`
	PoliciesMatched   int       `json:"policies_matched"`
	ActionsTaken      []string  `json:"actions_taken"`
}

// Decision is the outcome of Authorize.
type Decision struct {
	Authorized bool
	Actions    []string
}

// Manager gates events through the policy engine and keeps the audit
// trail. The audit log has its own lock; the manager never holds it
// across policy evaluation.
type Manager struct {
	engine *policy.Engine
	cost   CostFunc
	now    func() time.Time

	auditMu  sync.Mutex
	audit    []AuditRecord
	auditCap int

	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithCostFunc replaces the placeholder monthly-cost function.
func WithCostFunc(f CostFunc) Option {
	return func(m *Manager) { m.cost = f }
}

// WithAuditSize overrides the audit ring capacity.
func WithAuditSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.auditCap = n
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a security manager around the given policy engine.
func NewManager(engine *policy.Engine, opts ...Option) *Manager {
	m := &Manager{
		engine:   engine,
		auditCap: DefaultAuditSize,
		now:      time.Now,
		logger:   slog.Default().With("component", "security"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cost == nil {
		// Placeholder model: a cent per event per day. Replace via
		// WithCostFunc when a provider-rate model is available.
		m.cost = func(userID string) float64 {
			return float64(m.DailyEvents(userID)) * 0.01
		}
	}
	return m
}

// Authorize evaluates all applicable policies for the event and records
// the decision. A denied event produces no downstream traffic; the
// caller is responsible for dropping it.
func (m *Manager) Authorize(e *event.Event) Decision {
	now := m.now().UTC()
	ctx := map[string]any{
		"current_time": now.Hour(),
		"daily_events": m.DailyEvents(e.UserID),
		"monthly_cost": m.cost(e.UserID),
		"event_type":   e.Type,
		"source":       e.Source,
		"category":     string(e.Category),
	}

	res := m.engine.Evaluate(e.UserID, ctx)

	// A restriction whose Config carries {"block": true} withholds
	// authorization without short-circuiting evaluation: lower-priority
	// LOG and NOTIFY policies still run, and the audit record keeps
	// RESTRICTED rather than DENIED.
	authorized := res.Authorized
	if authorized {
		for _, r := range res.Restrictions {
			if block, _ := r["block"].(bool); block {
				authorized = false
				break
			}
		}
	}

	m.appendAudit(AuditRecord{
		Timestamp:         now,
		EventID:           e.ID,
		EventType:         e.Type,
		UserID:            e.UserID,
		Authorized:        authorized,
		PoliciesEvaluated: res.Evaluated,
		PoliciesMatched:   res.Matched,
		ActionsTaken:      res.Actions,
	})

	if !authorized {
		m.logger.Warn("Event denied by policy",
			"event_id", e.ID, "event_type", e.Type, "user_id", e.UserID)
	}
	return Decision{Authorized: authorized, Actions: res.Actions}
}

// DailyEvents counts audit entries for the user since local midnight
// UTC. Drives the daily-rate policies and the placeholder cost model.
func (m *Manager) DailyEvents(userID string) int {
	midnight := m.now().UTC().Truncate(24 * time.Hour)
	m.auditMu.Lock()
	defer m.auditMu.Unlock()
	count := 0
	for _, rec := range m.audit {
		if rec.UserID == userID && !rec.Timestamp.Before(midnight) {
			count++
		}
	}
	return count
}

// AuditLog returns up to limit of the most recent audit records, oldest
// first. Zero limit returns everything retained.
func (m *Manager) AuditLog(limit int) []AuditRecord {
	m.auditMu.Lock()
	defer m.auditMu.Unlock()
	records := m.audit
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	out := make([]AuditRecord, len(records))
	copy(out, records)
	return out
}

func (m *Manager) appendAudit(rec AuditRecord) {
	m.auditMu.Lock()
	defer m.auditMu.Unlock()
	m.audit = append(m.audit, rec)
	if len(m.audit) > m.auditCap {
		// Halve rather than trim one: keeps append amortised O(1).
		keep := len(m.audit) / 2
		m.audit = append([]AuditRecord(nil), m.audit[len(m.audit)-keep:]...)
	}
}

// DefaultPolicies returns the built-in policy set: a monthly cost
// ceiling (DENY), a per-user daily rate cap (a blocking RESTRICT, so
// over-cap events are held back while still auditing as RESTRICTED) and
// PII logging on context.* events (LOG). Callers may install these,
// extend them or replace them entirely.
func DefaultPolicies(costCeiling float64, dailyLimit int) []policy.Policy {
	return []policy.Policy{
		{
			ID:        "cost-ceiling",
			Name:      "Monthly cost ceiling",
			Condition: fmt.Sprintf("monthly_cost > %g", costCeiling),
			Action:    policy.ActionDeny,
			AppliesTo: []string{"*"},
			Enabled:   true,
			Priority:  10,
		},
		{
			ID:        "daily-rate",
			Name:      "Daily event rate cap",
			Condition: fmt.Sprintf("daily_events > %d", dailyLimit),
			Action:    policy.ActionRestrict,
			Config:    map[string]any{"block": true},
			AppliesTo: []string{"*"},
			Enabled:   true,
			Priority:  20,
		},
		{
			ID:        "pii-protection",
			Name:      "Context update audit trail",
			Condition: "event_type.startswith('context.')",
			Action:    policy.ActionLog,
			AppliesTo: []string{"*"},
			Enabled:   true,
			Priority:  30,
		},
	}
}
