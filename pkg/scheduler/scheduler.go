// Package scheduler emits time-triggered events: cron expressions,
// ISO-8601 intervals and absolute one-shot times. Entries are persisted
// through the document store so schedules survive restarts; firings
// missed while offline are skipped, not replayed.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ambientos/ambient/pkg/bus"
	"github.com/ambientos/ambient/pkg/event"
	"github.com/ambientos/ambient/pkg/store"
)

// DefaultTickInterval is how often the scheduler scans for due entries.
// Firing precision is bounded by this granularity.
const DefaultTickInterval = 30 * time.Second

// Kind discriminates the three schedule tables.
type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
	KindAbsolute Kind = "absolute"
)

// cronParser accepts standard 5-field cron expressions.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Entry is one schedule record.
type Entry struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	Kind          Kind           `json:"kind"`
	Expression    string         `json:"expression"`
	EventTemplate map[string]any `json:"event_template"`
	Enabled       bool           `json:"enabled"`
	CreatedAt     time.Time      `json:"created_at"`
	LastTriggered *time.Time     `json:"last_triggered,omitempty"`
	NextTrigger   time.Time      `json:"next_trigger"`
	RunCount      int64          `json:"run_count"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	schedule cron.Schedule // compiled, cron kind only
	interval time.Duration // interval kind only
}

// table is one schedule kind's entries under its own lock.
type table struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func newTable() *table {
	return &table{entries: make(map[string]*Entry)}
}

// Scheduler owns the three schedule tables and the tick loop.
type Scheduler struct {
	bus   *bus.Bus
	store store.Store // may be nil (purely in-memory operation)

	tables map[Kind]*table

	tick   time.Duration
	now    func() time.Time
	stopCh chan struct{}
	stopMu sync.Mutex
	wg     sync.WaitGroup
	logger *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval overrides the scan period.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler publishing to b and persisting through st
// (nil st disables persistence).
func New(b *bus.Bus, st store.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		bus:    b,
		store:  st,
		tables: map[Kind]*table{KindCron: newTable(), KindInterval: newTable(), KindAbsolute: newTable()},
		tick:   DefaultTickInterval,
		now:    time.Now,
		logger: slog.Default().With("component", "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest carries the parameters for a new schedule.
type CreateRequest struct {
	UserID        string
	Kind          Kind
	Expression    string // cron expression, ISO-8601 duration or RFC3339 time
	EventTemplate map[string]any
	Metadata      map[string]any
}

// Create validates and installs a schedule entry, computes its first
// trigger and persists it.
func (s *Scheduler) Create(ctx context.Context, req CreateRequest) (*Entry, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("schedule: user id must not be empty")
	}
	if t, _ := req.EventTemplate["type"].(string); t == "" {
		return nil, fmt.Errorf("schedule: event template must carry a type")
	}

	entry := &Entry{
		ID:            uuid.New().String(),
		UserID:        req.UserID,
		Kind:          req.Kind,
		Expression:    req.Expression,
		EventTemplate: req.EventTemplate,
		Enabled:       true,
		CreatedAt:     s.now().UTC(),
		Metadata:      req.Metadata,
	}
	if err := s.compile(entry); err != nil {
		return nil, err
	}
	entry.NextTrigger = s.nextAfter(entry, s.now().UTC())

	tbl := s.tables[entry.Kind]
	tbl.mu.Lock()
	tbl.entries[entry.ID] = entry
	tbl.mu.Unlock()

	s.persist(ctx, entry)
	s.logger.Info("Schedule created",
		"schedule_id", entry.ID,
		"kind", string(entry.Kind),
		"expression", entry.Expression,
		"next_trigger", entry.NextTrigger,
		"user_id", entry.UserID)
	return entry, nil
}

// Update applies overrides to an existing entry: expression, enabled
// flag and event template. NextTrigger is recomputed.
func (s *Scheduler) Update(ctx context.Context, scheduleID string, overrides map[string]any) (*Entry, error) {
	entry, tbl := s.find(scheduleID)
	if entry == nil {
		return nil, fmt.Errorf("schedule %s not found", scheduleID)
	}

	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	if expr, ok := overrides["expression"].(string); ok {
		old := entry.Expression
		entry.Expression = expr
		if err := s.compile(entry); err != nil {
			entry.Expression = old
			return nil, err
		}
	}
	if enabled, ok := overrides["enabled"].(bool); ok {
		entry.Enabled = enabled
	}
	if tmpl, ok := overrides["event"].(map[string]any); ok {
		entry.EventTemplate = tmpl
	}
	entry.NextTrigger = s.nextAfter(entry, s.now().UTC())
	s.persist(ctx, entry)
	return entry, nil
}

// Delete removes a schedule before its next firing window.
func (s *Scheduler) Delete(ctx context.Context, scheduleID string) error {
	entry, tbl := s.find(scheduleID)
	if entry == nil {
		return fmt.Errorf("schedule %s not found", scheduleID)
	}
	tbl.mu.Lock()
	delete(tbl.entries, scheduleID)
	tbl.mu.Unlock()
	if s.store != nil {
		if err := s.store.Delete(ctx, store.ContainerSchedules, scheduleID); err != nil {
			s.logger.Warn("Failed to delete schedule record", "schedule_id", scheduleID, "error", err)
		}
	}
	s.logger.Info("Schedule deleted", "schedule_id", scheduleID)
	return nil
}

// Get returns a copy of the entry.
func (s *Scheduler) Get(scheduleID string) (*Entry, error) {
	entry, tbl := s.find(scheduleID)
	if entry == nil {
		return nil, fmt.Errorf("schedule %s not found", scheduleID)
	}
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	cp := *entry
	return &cp, nil
}

// List returns entries, optionally filtered by user id, across all
// tables.
func (s *Scheduler) List(userID string) []*Entry {
	var out []*Entry
	for _, kind := range []Kind{KindCron, KindInterval, KindAbsolute} {
		tbl := s.tables[kind]
		tbl.mu.Lock()
		for _, entry := range tbl.entries {
			if userID == "" || entry.UserID == userID {
				cp := *entry
				out = append(out, &cp)
			}
		}
		tbl.mu.Unlock()
	}
	return out
}

// Start loads persisted schedules and begins the tick loop. On boot,
// next_trigger is recomputed past now for every enabled entry — firings
// missed while offline are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.loadFromStore(ctx); err != nil {
		return err
	}
	s.stopMu.Lock()
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.stopMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				s.runDue(ctx, s.now().UTC())
			}
		}
	}()
	s.logger.Info("Scheduler started", "tick_interval", s.tick)
	return nil
}

// Stop halts the tick loop and waits for an in-flight scan to finish.
func (s *Scheduler) Stop() {
	s.stopMu.Lock()
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.stopMu.Unlock()
	s.wg.Wait()
}

// runDue fires every enabled entry whose next trigger is at or before
// now. Emit failures are logged and the trigger still advances so a bad
// entry cannot tight-loop.
func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	for _, kind := range []Kind{KindCron, KindInterval, KindAbsolute} {
		tbl := s.tables[kind]

		tbl.mu.Lock()
		var due []*Entry
		for _, entry := range tbl.entries {
			if entry.Enabled && !entry.NextTrigger.After(now) {
				due = append(due, entry)
			}
		}
		tbl.mu.Unlock()

		for _, entry := range due {
			s.fire(ctx, entry, now)
		}
	}
}

// fire emits the entry's templated event and advances its trigger. A
// Delete may land between the due scan and this call: a missing entry is
// a no-op, and the advanced record is persisted under the table lock so
// a concurrent Delete cannot resurrect the schedule document.
func (s *Scheduler) fire(ctx context.Context, entry *Entry, now time.Time) {
	tbl := s.tables[entry.Kind]

	tbl.mu.Lock()
	if _, ok := tbl.entries[entry.ID]; !ok {
		tbl.mu.Unlock()
		return
	}
	scheduled := entry.NextTrigger
	entry.RunCount++
	runCount := entry.RunCount
	triggered := now
	entry.LastTriggered = &triggered
	if entry.Kind == KindAbsolute {
		// One-shot: fired entries are disabled, not rescheduled.
		entry.Enabled = false
		entry.NextTrigger = time.Time{}
	} else {
		entry.NextTrigger = s.nextAfter(entry, now)
	}
	s.persist(ctx, entry)
	tbl.mu.Unlock()

	e := s.buildEvent(entry, scheduled, runCount, now)
	s.bus.Emit(e)
	s.logger.Debug("Schedule fired",
		"schedule_id", entry.ID,
		"event_type", e.Type,
		"run_count", runCount,
		"next_trigger", entry.NextTrigger)
}

// buildEvent instantiates the entry's event template, stamping the
// schedule bookkeeping fields so consumers can detect out-of-order
// delivery.
func (s *Scheduler) buildEvent(entry *Entry, scheduled time.Time, runCount int64, now time.Time) *event.Event {
	eventType, _ := entry.EventTemplate["type"].(string)
	source, _ := entry.EventTemplate["source"].(string)
	if source == "" {
		source = event.SourceScheduler
	}
	metadata := map[string]any{}
	if md, ok := entry.EventTemplate["metadata"].(map[string]any); ok {
		for k, v := range md {
			metadata[k] = v
		}
	}
	metadata["schedule_id"] = entry.ID
	metadata["run_count"] = runCount
	metadata["scheduled_time"] = scheduled.UTC().Format(time.RFC3339Nano)
	metadata["triggered_at"] = now.UTC().Format(time.RFC3339Nano)
	return event.New(source, eventType, entry.UserID, event.CategorySystem, metadata)
}

// compile parses the entry's expression for its kind.
func (s *Scheduler) compile(entry *Entry) error {
	switch entry.Kind {
	case KindCron:
		sched, err := cronParser.Parse(entry.Expression)
		if err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", entry.Expression, err)
		}
		entry.schedule = sched
	case KindInterval:
		d, err := ParseISODuration(entry.Expression)
		if err != nil {
			return err
		}
		entry.interval = d
	case KindAbsolute:
		if _, err := time.Parse(time.RFC3339, entry.Expression); err != nil {
			return fmt.Errorf("invalid absolute time %q: %w", entry.Expression, err)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", entry.Kind)
	}
	return nil
}

// nextAfter computes the next trigger strictly after now.
func (s *Scheduler) nextAfter(entry *Entry, now time.Time) time.Time {
	switch entry.Kind {
	case KindCron:
		return entry.schedule.Next(now)
	case KindInterval:
		return now.Add(entry.interval)
	case KindAbsolute:
		t, _ := time.Parse(time.RFC3339, entry.Expression)
		return t.UTC()
	}
	return time.Time{}
}

func (s *Scheduler) find(scheduleID string) (*Entry, *table) {
	for _, kind := range []Kind{KindCron, KindInterval, KindAbsolute} {
		tbl := s.tables[kind]
		tbl.mu.Lock()
		entry, ok := tbl.entries[scheduleID]
		tbl.mu.Unlock()
		if ok {
			return entry, tbl
		}
	}
	return nil, nil
}
