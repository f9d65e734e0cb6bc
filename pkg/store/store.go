// Package store abstracts persistence as a document store: containers of
// JSON documents partitioned by user. The runtime's durable state —
// users, instructions, schedules, plans, tasks — all goes through this
// contract; backends are an in-memory map (default, tests) and Postgres.
package store

import (
	"context"
	"errors"
)

// Well-known containers used by the core runtime.
const (
	ContainerUsers        = "users"
	ContainerInstructions = "instructions"
	ContainerSchedules    = "schedules"
	ContainerPlans        = "plans"
	ContainerTasks        = "tasks"
)

// ErrNotFound is returned by Get when the document does not exist.
var ErrNotFound = errors.New("document not found")

// Document is one stored record. PK is the partition key — the owning
// user id for all core containers. Data is the JSON-shaped body.
type Document struct {
	ID   string         `json:"id"`
	PK   string         `json:"pk"`
	Data map[string]any `json:"data"`
}

// Query filters documents within a container. Zero-value fields are
// wildcards; Where entries match on equality against top-level Data
// fields.
type Query struct {
	PK    string
	Where map[string]any
	Limit int
}

// Store is the document-store contract.
type Store interface {
	// Get fetches a document by container and id.
	Get(ctx context.Context, container, id string) (*Document, error)
	// Upsert inserts or replaces a document.
	Upsert(ctx context.Context, container string, doc *Document) error
	// Delete removes a document. Deleting a missing document is not an
	// error.
	Delete(ctx context.Context, container, id string) error
	// Query returns documents matching q, in insertion order.
	Query(ctx context.Context, container string, q Query) ([]*Document, error)
}
