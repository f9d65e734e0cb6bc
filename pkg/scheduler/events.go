package scheduler

import (
	"context"
	"time"

	"github.com/ambientos/ambient/pkg/bus"
	"github.com/ambientos/ambient/pkg/event"
)

// Attach subscribes the scheduler to its CRUD events on the bus:
// schedule.create, schedule.update and schedule.delete. Returns the
// subscription id.
func (s *Scheduler) Attach(b *bus.Bus) string {
	return b.Subscribe(bus.Filter{
		Types: []string{event.TypeScheduleCreate, event.TypeScheduleUpdate, event.TypeScheduleDelete},
	}, func(e *event.Event) {
		ctx := context.Background()
		switch e.Type {
		case event.TypeScheduleCreate:
			s.handleCreate(ctx, e)
		case event.TypeScheduleUpdate:
			s.handleUpdate(ctx, e)
		case event.TypeScheduleDelete:
			s.handleDelete(ctx, e)
		}
	})
}

// handleCreate services a schedule.create event. Metadata carries one of
// cron | interval | run_at plus the event template under "event".
// Validation failures emit an error event; the schedule is rejected.
func (s *Scheduler) handleCreate(ctx context.Context, e *event.Event) {
	req := CreateRequest{UserID: e.UserID}
	switch {
	case has(e, "cron"):
		req.Kind, req.Expression = KindCron, str(e, "cron")
	case has(e, "interval"):
		req.Kind, req.Expression = KindInterval, str(e, "interval")
	case has(e, "run_at"):
		req.Kind, req.Expression = KindAbsolute, str(e, "run_at")
	default:
		s.rejectCreate(e, "schedule.create requires one of cron, interval or run_at")
		return
	}
	tmpl, _ := e.Metadata["event"].(map[string]any)
	if tmpl == nil {
		s.rejectCreate(e, "schedule.create requires an event template")
		return
	}
	req.EventTemplate = tmpl
	if md, ok := e.Metadata["schedule_metadata"].(map[string]any); ok {
		req.Metadata = md
	}

	entry, err := s.Create(ctx, req)
	if err != nil {
		s.rejectCreate(e, err.Error())
		return
	}
	created := event.New(event.SourceScheduler, event.TypeScheduleCreated, e.UserID,
		event.CategorySystem, map[string]any{
			"schedule_id":  entry.ID,
			"kind":         string(entry.Kind),
			"expression":   entry.Expression,
			"next_trigger": entry.NextTrigger.Format(time.RFC3339Nano),
		})
	created.CorrelationID = e.ID
	s.bus.Emit(created)
}

// handleUpdate services a schedule.update event. The create-form timing
// keys (cron, interval, run_at) are accepted as aliases for expression;
// the entry's kind stays fixed, so an alias that does not parse for the
// kind is rejected.
func (s *Scheduler) handleUpdate(ctx context.Context, e *event.Event) {
	id := str(e, "schedule_id")
	if id == "" {
		s.rejectCreate(e, "schedule.update requires schedule_id")
		return
	}
	overrides := map[string]any{}
	for k, v := range e.Metadata {
		switch k {
		case "schedule_id":
		case "cron", "interval", "run_at":
			overrides["expression"] = v
		default:
			overrides[k] = v
		}
	}
	if _, err := s.Update(ctx, id, overrides); err != nil {
		s.rejectCreate(e, err.Error())
	}
}

func (s *Scheduler) handleDelete(ctx context.Context, e *event.Event) {
	id := str(e, "schedule_id")
	if id == "" {
		s.rejectCreate(e, "schedule.delete requires schedule_id")
		return
	}
	if err := s.Delete(ctx, id); err != nil {
		s.logger.Warn("schedule.delete for unknown schedule", "schedule_id", id)
		return
	}
	deleted := event.New(event.SourceScheduler, event.TypeScheduleDeleted, e.UserID,
		event.CategorySystem, map[string]any{"schedule_id": id})
	deleted.CorrelationID = e.ID
	s.bus.Emit(deleted)
}

// rejectCreate reports a scheduler validation failure as an error event.
func (s *Scheduler) rejectCreate(cause *event.Event, reason string) {
	s.logger.Warn("Schedule request rejected", "event_id", cause.ID, "reason", reason)
	errEvent := event.New(event.SourceScheduler, event.TypeError, cause.UserID,
		event.CategorySystem, map[string]any{
			"original_event": cause.ToMap(),
			"error":          reason,
			"error_type":     "schedule_validation",
		})
	errEvent.CorrelationID = cause.ID
	s.bus.Emit(errEvent)
}

func has(e *event.Event, key string) bool {
	_, ok := e.Metadata[key]
	return ok
}

func str(e *event.Event, key string) string {
	s, _ := e.Metadata[key].(string)
	return s
}
