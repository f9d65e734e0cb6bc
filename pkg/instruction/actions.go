package instruction

import (
	"fmt"
	"strings"
	"time"

	"github.com/ambientos/ambient/pkg/event"
)

// execute produces the action events for one matched instruction.
// Unknown action types are a logged no-op; individual build failures are
// logged and yield nothing rather than poisoning the pipeline.
func (m *Matcher) execute(in *Instruction, e *event.Event) []*event.Event {
	var (
		out *event.Event
		err error
	)
	switch in.Action.Type {
	case ActionUpdateContextSummary:
		out, err = m.buildContextUpdate(in, e)
	case ActionCreateTask:
		out, err = m.buildTask(in, e)
	case ActionConseilTask:
		out, err = m.buildConseilTask(in, e)
	case ActionSendNotification:
		out = m.buildNotification(in, e)
	case ActionSendEmail:
		out, err = m.buildEmail(in, e)
	case ActionScheduleAction:
		out = m.buildScheduleAction(in, e)
	default:
		m.logger.Warn("Unknown instruction action type, skipping",
			"instruction_id", in.ID, "action_type", in.Action.Type)
		return nil
	}
	if err != nil {
		m.logger.Warn("Instruction action failed to build",
			"instruction_id", in.ID, "action_type", in.Action.Type, "error", err)
		return nil
	}
	if out == nil {
		return nil
	}
	return []*event.Event{out}
}

// buildContextUpdate emits a synthesize context.update whose content
// summarises the triggering event.
func (m *Matcher) buildContextUpdate(in *Instruction, e *event.Event) (*event.Event, error) {
	key, _ := in.Action.Config["context_key"].(string)
	if key == "" {
		return nil, fmt.Errorf("update_context_summary requires context_key")
	}
	prompt, _ := in.Action.Config["synthesis_prompt"].(string)
	if prompt == "" {
		prompt = "Integrate the new information into the existing context, keeping it concise."
	}
	return event.NewContextUpdate(event.SourceMatcher, e.UserID, event.ContextUpdatePayload{
		ContextKey:      key,
		UpdateOperation: event.ContextOpSynthesize,
		Content:         summarize(e),
		SynthesisPrompt: prompt,
	})
}

// buildTask emits a worker.task from the configured template.
func (m *Matcher) buildTask(in *Instruction, e *event.Event) (*event.Event, error) {
	template, _ := in.Action.Config["template"].(string)
	if template == "" {
		template = "Handle {event_type} for {user_id}"
	}
	return event.NewWorkerTask(event.SourceMatcher, e.UserID, event.WorkerTaskPayload{
		Task: interpolate(template, e),
	})
}

// buildConseilTask emits a worker.task aimed at the conseil agent, with
// the event context and tool directives embedded in the prompt.
func (m *Matcher) buildConseilTask(in *Instruction, e *event.Event) (*event.Event, error) {
	base, _ := in.Action.Config["prompt"].(string)
	if base == "" {
		base = "Review the triggering event and take the appropriate action."
	}
	var b strings.Builder
	b.WriteString(interpolate(base, e))
	b.WriteString("\n\nTriggering event:\n")
	fmt.Fprintf(&b, "  type: %s\n  source: %s\n  time: %s\n",
		e.Type, e.Source, e.Timestamp.Format(time.RFC3339))
	if summary := summarize(e); summary != "" {
		fmt.Fprintf(&b, "  summary: %s\n", summary)
	}
	b.WriteString("\nUse the available tools to resolve this; prefer read-only inspection first.")

	out, err := event.NewWorkerTask(event.SourceMatcher, e.UserID, event.WorkerTaskPayload{Task: b.String()})
	if err != nil {
		return nil, err
	}
	out.Metadata["agent"] = "conseil"
	if complexity, ok := in.Action.Config["complexity"].(string); ok {
		out.Metadata["complexity"] = complexity
	}
	out.Metadata["trigger_event"] = e.Type
	if fallback, ok := in.Action.Config["fallback_action"].(string); ok {
		out.Metadata["fallback_action"] = fallback
	}
	return out, nil
}

// buildNotification emits a notification.send with templated fields.
func (m *Matcher) buildNotification(in *Instruction, e *event.Event) *event.Event {
	title, _ := in.Action.Config["title"].(string)
	message, _ := in.Action.Config["message"].(string)
	if title == "" {
		title = "Event: {event_type}"
	}
	if message == "" {
		message = "Received {event_type} at {timestamp}"
	}
	priority, _ := in.Action.Config["priority"].(string)
	if priority == "" {
		priority = "normal"
	}
	channel, _ := in.Action.Config["channel"].(string)
	return event.New(event.SourceMatcher, event.TypeNotificationSend, e.UserID,
		event.CategoryOutput, map[string]any{
			"title":    interpolate(title, e),
			"message":  interpolate(message, e),
			"priority": priority,
			"channel":  channel,
		})
}

// buildEmail emits a send-operation email event.
func (m *Matcher) buildEmail(in *Instruction, e *event.Event) (*event.Event, error) {
	to, _ := in.Action.Config["to"].(string)
	if to == "" {
		return nil, fmt.Errorf("send_email requires a recipient")
	}
	provider, _ := in.Action.Config["provider"].(string)
	if provider == "" {
		provider = "gmail"
	}
	subject, _ := in.Action.Config["subject"].(string)
	body, _ := in.Action.Config["body"].(string)
	return event.NewEmail(event.SourceMatcher, e.UserID, "send", provider, map[string]any{
		"to":      to,
		"subject": interpolate(subject, e),
		"body":    interpolate(body, e),
	})
}

// buildScheduleAction forwards a schedule.create to the scheduler.
func (m *Matcher) buildScheduleAction(in *Instruction, e *event.Event) *event.Event {
	md := map[string]any{}
	if cron, ok := in.Action.Config["cron"].(string); ok {
		md["cron"] = cron
	}
	if interval, ok := in.Action.Config["interval"].(string); ok {
		md["interval"] = interval
	}
	if tmpl, ok := in.Action.Config["event"].(map[string]any); ok {
		md["event"] = tmpl
	}
	return event.New(event.SourceMatcher, event.TypeScheduleCreate, e.UserID,
		event.CategorySystem, md)
}

// summarize extracts human-readable content from typed subevents, with
// a generic fallback for everything else.
func summarize(e *event.Event) string {
	if email, err := event.AsEmail(e); err == nil {
		from, _ := email.Email["from"].(string)
		subject, _ := email.Email["subject"].(string)
		body, _ := email.Email["body"].(string)
		return fmt.Sprintf("Email from %s: %s - %s", from, subject, snippet(body, 200))
	}
	if cal, err := event.AsCalendar(e); err == nil {
		title, _ := cal.Calendar["title"].(string)
		start, _ := cal.Calendar["start"].(string)
		return fmt.Sprintf("Calendar %s: %s at %s", cal.Operation, title, start)
	}
	return fmt.Sprintf("%s event from %s at %s",
		e.Type, e.Source, e.Timestamp.Format(time.RFC3339))
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// interpolate substitutes {event_type}, {user_id}, {timestamp} and
// {source} references in templates.
func interpolate(template string, e *event.Event) string {
	r := strings.NewReplacer(
		"{event_type}", e.Type,
		"{user_id}", e.UserID,
		"{timestamp}", e.Timestamp.Format(time.RFC3339),
		"{source}", e.Source,
	)
	return r.Replace(template)
}
