package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Memory is an in-process Store. Documents are deep-copied on the way in
// and out so callers never share mutable state with the store.
type Memory struct {
	mu         sync.RWMutex
	containers map[string]*memContainer
}

type memContainer struct {
	docs  map[string]*Document
	order []string // insertion order for stable Query results
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{containers: make(map[string]*memContainer)}
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, container, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[container]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, container, id)
	}
	doc, ok := c.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, container, id)
	}
	return copyDoc(doc), nil
}

// Upsert implements Store.
func (m *Memory) Upsert(ctx context.Context, container string, doc *Document) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("upsert %s: document id must not be empty", container)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[container]
	if !ok {
		c = &memContainer{docs: make(map[string]*Document)}
		m.containers[container] = c
	}
	if _, exists := c.docs[doc.ID]; !exists {
		c.order = append(c.order, doc.ID)
	}
	c.docs[doc.ID] = copyDoc(doc)
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, container, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[container]
	if !ok {
		return nil
	}
	if _, exists := c.docs[id]; !exists {
		return nil
	}
	delete(c.docs, id)
	for i, docID := range c.order {
		if docID == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

// Query implements Store.
func (m *Memory) Query(ctx context.Context, container string, q Query) ([]*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[container]
	if !ok {
		return nil, nil
	}
	var out []*Document
	for _, id := range c.order {
		doc := c.docs[id]
		if q.PK != "" && doc.PK != q.PK {
			continue
		}
		if !matchesWhere(doc, q.Where) {
			continue
		}
		out = append(out, copyDoc(doc))
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func matchesWhere(doc *Document, where map[string]any) bool {
	for field, want := range where {
		got, ok := doc.Data[field]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// copyDoc round-trips through JSON — slower than a hand-rolled deep copy
// but guarantees the stored shape equals what a real backend would hold.
func copyDoc(doc *Document) *Document {
	raw, err := json.Marshal(doc.Data)
	if err != nil {
		// Data came from JSON in the first place; marshal cannot fail
		// for the shapes the runtime stores.
		return &Document{ID: doc.ID, PK: doc.PK, Data: map[string]any{}}
	}
	var data map[string]any
	_ = json.Unmarshal(raw, &data)
	return &Document{ID: doc.ID, PK: doc.PK, Data: data}
}
