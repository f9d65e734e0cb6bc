package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ambientos/ambient/pkg/store"
)

// persist writes the entry through the document store. Persistence
// failures are logged, never fatal — the in-memory table remains the
// source of truth until the next successful write.
func (s *Scheduler) persist(ctx context.Context, entry *Entry) {
	if s.store == nil {
		return
	}
	doc := &store.Document{ID: entry.ID, PK: entry.UserID, Data: entryToData(entry)}
	if err := s.store.Upsert(ctx, store.ContainerSchedules, doc); err != nil {
		s.logger.Warn("Failed to persist schedule", "schedule_id", entry.ID, "error", err)
	}
}

// loadFromStore restores enabled schedule entries on boot. Triggers are
// recomputed from now — any firings missed while offline are skipped.
func (s *Scheduler) loadFromStore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	docs, err := s.store.Query(ctx, store.ContainerSchedules, store.Query{})
	if err != nil {
		return err
	}
	now := s.now().UTC()
	restored := 0
	for _, doc := range docs {
		entry, err := entryFromData(doc.Data)
		if err != nil {
			s.logger.Warn("Skipping unreadable schedule record", "schedule_id", doc.ID, "error", err)
			continue
		}
		entry.ID = doc.ID
		if !entry.Enabled {
			continue
		}
		if err := s.compile(entry); err != nil {
			s.logger.Warn("Skipping schedule with bad expression", "schedule_id", entry.ID, "error", err)
			continue
		}
		entry.NextTrigger = s.nextAfter(entry, now)
		if entry.Kind == KindAbsolute && entry.NextTrigger.Before(now) {
			// One-shot whose time passed while offline: skipped.
			continue
		}
		tbl := s.tables[entry.Kind]
		tbl.mu.Lock()
		tbl.entries[entry.ID] = entry
		tbl.mu.Unlock()
		restored++
	}
	if restored > 0 {
		s.logger.Info("Restored schedules from store", "count", restored)
	}
	return nil
}

func entryToData(entry *Entry) map[string]any {
	data := map[string]any{
		"user_id":        entry.UserID,
		"kind":           string(entry.Kind),
		"expression":     entry.Expression,
		"event_template": entry.EventTemplate,
		"enabled":        entry.Enabled,
		"created_at":     entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		"run_count":      entry.RunCount,
	}
	if !entry.NextTrigger.IsZero() {
		data["next_trigger"] = entry.NextTrigger.UTC().Format(time.RFC3339Nano)
	}
	if entry.LastTriggered != nil {
		data["last_triggered"] = entry.LastTriggered.UTC().Format(time.RFC3339Nano)
	}
	if entry.Metadata != nil {
		data["metadata"] = entry.Metadata
	}
	return data
}

func entryFromData(data map[string]any) (*Entry, error) {
	// Round-trip through JSON rather than hand-walking every field; the
	// document body has exactly the Entry JSON shape.
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var flat struct {
		UserID        string         `json:"user_id"`
		Kind          string         `json:"kind"`
		Expression    string         `json:"expression"`
		EventTemplate map[string]any `json:"event_template"`
		Enabled       bool           `json:"enabled"`
		CreatedAt     string         `json:"created_at"`
		LastTriggered string         `json:"last_triggered"`
		RunCount      int64          `json:"run_count"`
		Metadata      map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, err
	}
	entry := &Entry{
		UserID:        flat.UserID,
		Kind:          Kind(flat.Kind),
		Expression:    flat.Expression,
		EventTemplate: flat.EventTemplate,
		Enabled:       flat.Enabled,
		RunCount:      flat.RunCount,
		Metadata:      flat.Metadata,
	}
	if t, err := time.Parse(time.RFC3339Nano, flat.CreatedAt); err == nil {
		entry.CreatedAt = t
	}
	if flat.LastTriggered != "" {
		if t, err := time.Parse(time.RFC3339Nano, flat.LastTriggered); err == nil {
			entry.LastTriggered = &t
		}
	}
	return entry, nil
}
