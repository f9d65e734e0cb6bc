// Package instruction matches incoming events against per-user
// declarative rules and translates matches into downstream action
// events: context updates, tasks, notifications, emails and schedules.
package instruction

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ambientos/ambient/pkg/store"
)

// Known action kinds.
const (
	ActionUpdateContextSummary = "update_context_summary"
	ActionCreateTask           = "create_task"
	ActionConseilTask          = "conseil_task"
	ActionSendNotification     = "send_notification"
	ActionSendEmail            = "send_email"
	ActionScheduleAction       = "schedule_action"
)

// TimeRange restricts a trigger to hours of the day, inclusive.
type TimeRange struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// Conditions refine a trigger beyond the event type. ContentFilters maps
// an email field (subject, from) to substrings that must all appear,
// case-insensitive.
type Conditions struct {
	TimeRange      *TimeRange          `json:"time_range,omitempty"`
	ContentFilters map[string][]string `json:"content_filters,omitempty"`
}

// Trigger selects events. EventType supports exact names, the global
// wildcard "*" and prefix wildcards like "email.*".
type Trigger struct {
	EventType  string     `json:"event_type"`
	Providers  []string   `json:"providers,omitempty"`
	Conditions Conditions `json:"conditions,omitempty"`
}

// Action declares what a matched instruction produces.
type Action struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// Instruction is one persisted rule.
type Instruction struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	Trigger        Trigger    `json:"trigger"`
	Action         Action     `json:"action"`
	Enabled        bool       `json:"enabled"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ExecutionCount int64      `json:"execution_count"`
	LastExecuted   *time.Time `json:"last_executed,omitempty"`
}

// Validate checks the instruction invariants.
func (in *Instruction) Validate() error {
	if in.UserID == "" {
		return fmt.Errorf("instruction: user_id must not be empty")
	}
	if in.Trigger.EventType == "" {
		return fmt.Errorf("instruction %s: trigger.event_type must not be empty", in.ID)
	}
	switch in.Action.Type {
	case ActionUpdateContextSummary, ActionCreateTask, ActionConseilTask,
		ActionSendNotification, ActionSendEmail, ActionScheduleAction:
	default:
		return fmt.Errorf("instruction %s: unknown action type %q", in.ID, in.Action.Type)
	}
	return nil
}

// ToDocument renders the instruction as a store document.
func (in *Instruction) ToDocument() (*store.Document, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return &store.Document{ID: in.ID, PK: in.UserID, Data: data}, nil
}

// FromDocument decodes a stored instruction.
func FromDocument(doc *store.Document) (*Instruction, error) {
	raw, err := json.Marshal(doc.Data)
	if err != nil {
		return nil, err
	}
	var in Instruction
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode instruction %s: %w", doc.ID, err)
	}
	if in.ID == "" {
		in.ID = doc.ID
	}
	return &in, nil
}
