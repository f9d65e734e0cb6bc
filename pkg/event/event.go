// Package event defines the typed event envelope that flows through the
// runtime: the bus, the processor, drivers, the scheduler and the
// instruction matcher all exchange *event.Event values.
//
// Events are immutable once emitted. Subtype-specific payloads (email,
// calendar, context updates, ...) are not separate Go types in the
// envelope — they live in Metadata and are validated at the boundary by
// the typed constructors and accessors in payloads.go (tagged-variant
// design: one envelope, a discriminator in Type, payload checked on
// construction and on projection).
package event

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Category classifies the origin of an event.
type Category string

const (
	CategoryUser     Category = "user"
	CategorySystem   Category = "system"
	CategoryOutput   Category = "output"
	CategoryInternal Category = "internal"
)

// MaxHistoryDepth bounds the causal chain carried inside an event.
// Ancestors beyond this depth are truncated oldest-first; the full chain
// is reconstructable from correlation ids in the audit log.
const MaxHistoryDepth = 16

// Event is the universal envelope. The zero value is not usable; build
// events with New or one of the typed constructors in payloads.go.
type Event struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        string         `json:"source"`
	Type          string         `json:"type"`
	UserID        string         `json:"userID"`
	Category      Category       `json:"category,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	History       []*Event       `json:"history,omitempty"`
	CorrelationID string         `json:"correlationID,omitempty"`
}

// ValidationError reports a missing or mistyped envelope or payload field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: field %q: %s", e.Field, e.Reason)
}

// New creates an event with a fresh id and a UTC timestamp.
func New(source, eventType, userID string, category Category, metadata map[string]any) *Event {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Type:      eventType,
		UserID:    userID,
		Category:  category,
		Metadata:  metadata,
	}
}

// Validate checks the envelope invariants: id, type, user_id and source
// are non-empty and history is present (possibly empty).
func (e *Event) Validate() error {
	switch {
	case e == nil:
		return &ValidationError{Field: "event", Reason: "nil event"}
	case e.ID == "":
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	case e.Type == "":
		return &ValidationError{Field: "type", Reason: "must not be empty"}
	case e.UserID == "":
		return &ValidationError{Field: "userID", Reason: "must not be empty"}
	case e.Source == "":
		return &ValidationError{Field: "source", Reason: "must not be empty"}
	case e.Timestamp.IsZero():
		return &ValidationError{Field: "timestamp", Reason: "must be set"}
	}
	return nil
}

// Clone returns a deep copy. Streams receive clones so no two subscribers
// ever alias the same metadata map.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.Metadata = cloneMap(e.Metadata)
	if e.History != nil {
		c.History = make([]*Event, len(e.History))
		for i, h := range e.History {
			c.History[i] = h.Clone()
		}
	}
	return &c
}

// ChildOf stamps the causal chain of parent onto e: parent's history plus
// a snapshot of parent itself, truncated to MaxHistoryDepth (oldest
// ancestors dropped first). The snapshot carries no history of its own to
// keep serialisation linear rather than quadratic.
func (e *Event) ChildOf(parent *Event) *Event {
	snap := parent.Clone()
	snap.History = nil
	hist := make([]*Event, 0, len(parent.History)+1)
	hist = append(hist, parent.History...)
	hist = append(hist, snap)
	if len(hist) > MaxHistoryDepth {
		hist = hist[len(hist)-MaxHistoryDepth:]
	}
	e.History = hist
	return e
}

// ToMap renders the stable on-wire shape. The user id field is "userID"
// on the wire, timestamps are RFC3339Nano UTC, and history entries are
// nested envelopes.
func (e *Event) ToMap() map[string]any {
	m := map[string]any{
		"id":        e.ID,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
		"source":    e.Source,
		"type":      e.Type,
		"userID":    e.UserID,
		"metadata":  cloneMap(e.Metadata),
	}
	if e.Category != "" {
		m["category"] = string(e.Category)
	}
	if e.CorrelationID != "" {
		m["correlationID"] = e.CorrelationID
	}
	hist := make([]any, 0, len(e.History))
	for _, h := range e.History {
		hist = append(hist, h.ToMap())
	}
	m["history"] = hist
	return m
}

// FromMap parses an on-wire envelope. Missing or mistyped required fields
// return a *ValidationError naming the offending field.
func FromMap(m map[string]any) (*Event, error) {
	e := &Event{}
	var err error
	if e.ID, err = requireString(m, "id"); err != nil {
		return nil, err
	}
	if e.Type, err = requireString(m, "type"); err != nil {
		return nil, err
	}
	if e.UserID, err = requireString(m, "userID"); err != nil {
		return nil, err
	}
	if e.Source, err = requireString(m, "source"); err != nil {
		return nil, err
	}
	if e.Timestamp, err = parseTimestamp(m["timestamp"]); err != nil {
		return nil, err
	}
	if raw, ok := m["category"]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, &ValidationError{Field: "category", Reason: "must be a string"}
		}
		e.Category = Category(s)
	}
	if raw, ok := m["correlationID"]; ok {
		if s, ok := raw.(string); ok {
			e.CorrelationID = s
		}
	}
	switch md := m["metadata"].(type) {
	case nil:
		e.Metadata = map[string]any{}
	case map[string]any:
		e.Metadata = cloneMap(md)
	default:
		return nil, &ValidationError{Field: "metadata", Reason: "must be an object"}
	}
	switch hist := m["history"].(type) {
	case nil:
		e.History = nil
	case []any:
		for i, raw := range hist {
			hm, ok := raw.(map[string]any)
			if !ok {
				return nil, &ValidationError{Field: fmt.Sprintf("history[%d]", i), Reason: "must be an object"}
			}
			h, err := FromMap(hm)
			if err != nil {
				return nil, err
			}
			e.History = append(e.History, h)
		}
	default:
		return nil, &ValidationError{Field: "history", Reason: "must be a list"}
	}
	return e, nil
}

func requireString(m map[string]any, field string) (string, error) {
	raw, ok := m[field]
	if !ok {
		return "", &ValidationError{Field: field, Reason: "missing required field"}
	}
	s, ok := raw.(string)
	if !ok {
		return "", &ValidationError{Field: field, Reason: "must be a string"}
	}
	if s == "" {
		return "", &ValidationError{Field: field, Reason: "must not be empty"}
	}
	return s, nil
}

// parseTimestamp accepts RFC3339(Nano) strings and unix epochs (int or
// float seconds) — producers on the wire use either.
func parseTimestamp(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC(), nil
			}
		}
		if sec, err := strconv.ParseFloat(v, 64); err == nil {
			return epochToTime(sec), nil
		}
		return time.Time{}, &ValidationError{Field: "timestamp", Reason: "not an ISO timestamp or epoch"}
	case float64:
		return epochToTime(v), nil
	case int64:
		return epochToTime(float64(v)), nil
	case int:
		return epochToTime(float64(v)), nil
	case nil:
		return time.Time{}, &ValidationError{Field: "timestamp", Reason: "missing required field"}
	default:
		return time.Time{}, &ValidationError{Field: "timestamp", Reason: "not an ISO timestamp or epoch"}
	}
}

func epochToTime(sec float64) time.Time {
	whole := int64(sec)
	frac := sec - float64(whole)
	return time.Unix(whole, int64(frac*1e9)).UTC()
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			out[k] = cloneMap(val)
		case []any:
			cp := make([]any, len(val))
			for i, item := range val {
				if im, ok := item.(map[string]any); ok {
					cp[i] = cloneMap(im)
				} else {
					cp[i] = item
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
