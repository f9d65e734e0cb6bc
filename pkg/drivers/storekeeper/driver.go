// Package storekeeper implements the persistence IO driver: it records
// worker.task events as task documents and services instruction.*
// management events against the instruction store.
package storekeeper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ambientos/ambient/pkg/driver"
	"github.com/ambientos/ambient/pkg/event"
	"github.com/ambientos/ambient/pkg/instruction"
	"github.com/ambientos/ambient/pkg/store"
)

// DriverID identifies this driver in the registry.
const DriverID = "storekeeper"

// Task statuses recorded in the tasks container.
const (
	TaskStatusPending = "pending"
)

// Driver persists tasks and instructions.
type Driver struct {
	store   store.Store
	matcher *instruction.Matcher
	logger  *slog.Logger
}

// Descriptor returns the registry descriptor. The driver holds direct
// references to the store and matcher, so the constructor ignores
// config.
func Descriptor(st store.Store, m *instruction.Matcher) driver.Descriptor {
	return driver.Descriptor{
		Manifest: driver.Manifest{
			ID:           DriverID,
			Name:         "Storekeeper",
			Version:      "1.0.0",
			Type:         driver.TypeIO,
			Capabilities: []string{event.TypeWorkerTask, "instruction.*"},
			Resources: driver.Resources{
				MemoryMB:       64,
				TimeoutSeconds: 10,
			},
		},
		New: func(_ map[string]any) (driver.Driver, error) {
			return New(st, m), nil
		},
	}
}

// New builds the driver.
func New(st store.Store, m *instruction.Matcher) *Driver {
	return &Driver{
		store:   st,
		matcher: m,
		logger:  slog.Default().With("component", "storekeeper"),
	}
}

func (d *Driver) Initialize(ctx context.Context) error { return nil }

func (d *Driver) Shutdown(ctx context.Context) error { return nil }

func (d *Driver) HandleEvent(ctx context.Context, e *event.Event) ([]*event.Event, error) {
	switch {
	case e.Type == event.TypeWorkerTask:
		return nil, d.recordTask(ctx, e)
	default:
		return nil, d.manageInstruction(ctx, e)
	}
}

// recordTask stores the task for a worker to pick up.
func (d *Driver) recordTask(ctx context.Context, e *event.Event) error {
	task, err := event.AsWorkerTask(e)
	if err != nil {
		return fmt.Errorf("malformed worker.task: %w", err)
	}
	data := map[string]any{
		"status":     TaskStatusPending,
		"created_at": e.Timestamp.Format(time.RFC3339Nano),
		"source":     e.Source,
		"event_id":   e.ID,
	}
	if task.Task != "" {
		data["task"] = task.Task
	}
	if len(task.Commands) > 0 {
		cmds := make([]any, len(task.Commands))
		for i, c := range task.Commands {
			cmds[i] = c
		}
		data["commands"] = cmds
	}
	if task.RepoURL != "" {
		data["repo_url"] = task.RepoURL
	}
	if task.Cost > 0 {
		data["cost"] = task.Cost
	}
	for _, k := range []string{"agent", "complexity", "trigger_event", "fallback_action"} {
		if v, ok := e.Metadata[k]; ok {
			data[k] = v
		}
	}

	doc := &store.Document{ID: uuid.New().String(), PK: e.UserID, Data: data}
	if err := d.store.Upsert(ctx, store.ContainerTasks, doc); err != nil {
		return fmt.Errorf("store task: %w", err)
	}
	d.logger.Info("Task recorded", "task_id", doc.ID, "user_id", e.UserID)
	return nil
}

// manageInstruction services instruction.create / update / delete.
func (d *Driver) manageInstruction(ctx context.Context, e *event.Event) error {
	payload, err := event.AsInstruction(e)
	if err != nil {
		return fmt.Errorf("malformed instruction event: %w", err)
	}

	switch payload.Operation {
	case "create", "update":
		in, err := decodeInstruction(payload.Data)
		if err != nil {
			return err
		}
		if in.ID == "" {
			in.ID = uuid.New().String()
		}
		if in.UserID == "" {
			in.UserID = e.UserID
		}
		if err := d.matcher.Save(ctx, in); err != nil {
			return fmt.Errorf("save instruction: %w", err)
		}
		d.logger.Info("Instruction saved",
			"instruction_id", in.ID, "operation", payload.Operation, "user_id", in.UserID)
		return nil

	case "delete":
		id, _ := payload.Data["id"].(string)
		if id == "" {
			return fmt.Errorf("instruction.delete requires data.id")
		}
		if err := d.store.Delete(ctx, store.ContainerInstructions, id); err != nil {
			return fmt.Errorf("delete instruction %s: %w", id, err)
		}
		d.logger.Info("Instruction deleted", "instruction_id", id)
		return nil

	default:
		return fmt.Errorf("unknown instruction operation %q", payload.Operation)
	}
}

func decodeInstruction(data map[string]any) (*instruction.Instruction, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var in instruction.Instruction
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode instruction: %w", err)
	}
	return &in, nil
}
