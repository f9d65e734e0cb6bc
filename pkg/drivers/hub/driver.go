// Package hub implements the context hub IO driver. It services
// context.update and context.query events against the hub service.
// Synthesize updates are two-phase: the driver emits an llm.chat asking
// for the merged text and completes the write when the correlated
// llm.response arrives.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ambientos/ambient/pkg/contexthub"
	"github.com/ambientos/ambient/pkg/driver"
	"github.com/ambientos/ambient/pkg/event"
)

// DriverID identifies this driver in the registry.
const DriverID = "context-hub"

// pendingSynthesis tracks an llm.chat we emitted and are waiting on.
type pendingSynthesis struct {
	userID string
	key    string
	docID  string // empty when the document does not exist yet
}

// Driver reads and writes per-user context documents.
type Driver struct {
	client *contexthub.Client
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingSynthesis // llm.chat event id -> pending write
}

// Descriptor returns the registry descriptor. Config keys: url
// (required).
func Descriptor() driver.Descriptor {
	return driver.Descriptor{
		Manifest: driver.Manifest{
			ID:   DriverID,
			Name: "Context Hub",
			// llm.response is subscribed for the synthesize round-trip;
			// uncorrelated responses are ignored.
			Version:      "1.0.0",
			Type:         driver.TypeIO,
			Capabilities: []string{event.TypeContextUpdate, event.TypeContextQuery, event.TypeLLMResponse},
			Resources: driver.Resources{
				MemoryMB:       64,
				TimeoutSeconds: 30,
				MaxConcurrent:  8,
			},
		},
		New: func(config map[string]any) (driver.Driver, error) {
			url, _ := config["url"].(string)
			if url == "" {
				return nil, fmt.Errorf("hub driver requires url")
			}
			return New(contexthub.NewClient(url)), nil
		},
	}
}

// New builds the driver around an injected hub client.
func New(client *contexthub.Client) *Driver {
	return &Driver{
		client:  client,
		logger:  slog.Default().With("component", "hub-driver"),
		pending: make(map[string]pendingSynthesis),
	}
}

func (d *Driver) Initialize(ctx context.Context) error { return nil }

func (d *Driver) Shutdown(ctx context.Context) error { return nil }

func (d *Driver) HandleEvent(ctx context.Context, e *event.Event) ([]*event.Event, error) {
	switch e.Type {
	case event.TypeContextUpdate:
		return d.handleUpdate(ctx, e)
	case event.TypeContextQuery:
		return d.handleQuery(ctx, e)
	case event.TypeLLMResponse:
		return nil, d.completeSynthesis(ctx, e)
	default:
		return nil, nil
	}
}

func (d *Driver) handleUpdate(ctx context.Context, e *event.Event) ([]*event.Event, error) {
	update, err := event.AsContextUpdate(e)
	if err != nil {
		return nil, fmt.Errorf("malformed context.update: %w", err)
	}

	existing, err := d.client.FindByKey(ctx, e.UserID, update.ContextKey)
	if err != nil {
		return nil, fmt.Errorf("lookup context %q: %w", update.ContextKey, err)
	}

	switch update.UpdateOperation {
	case event.ContextOpReplace:
		return nil, d.write(ctx, e.UserID, update.ContextKey, existing, update.Content)

	case event.ContextOpAppend:
		content := update.Content
		if existing != nil && existing.Content != "" {
			content = existing.Content + "\n" + update.Content
		}
		return nil, d.write(ctx, e.UserID, update.ContextKey, existing, content)

	case event.ContextOpMerge:
		// Merge without a model is append with a separator line.
		content := update.Content
		if existing != nil && existing.Content != "" {
			content = existing.Content + "\n---\n" + update.Content
		}
		return nil, d.write(ctx, e.UserID, update.ContextKey, existing, content)

	case event.ContextOpSynthesize:
		return d.startSynthesis(e, update, existing)

	default:
		return nil, fmt.Errorf("unknown update operation %q", update.UpdateOperation)
	}
}

// startSynthesis emits an llm.chat asking for the merged document and
// records the pending write keyed by the chat event id.
func (d *Driver) startSynthesis(e *event.Event, update *event.ContextUpdatePayload, existing *contexthub.Doc) ([]*event.Event, error) {
	prompt := update.SynthesisPrompt
	if prompt == "" {
		prompt = "Integrate the new information into the existing context, keeping it concise."
	}
	var current string
	if existing != nil {
		current = existing.Content
	}
	chat, err := event.NewLLMChat(DriverID, e.UserID, []event.ChatMessage{
		{Role: "system", Content: prompt + " Reply with the full updated document only."},
		{Role: "user", Content: fmt.Sprintf("Existing context:\n%s\n\nNew information:\n%s", current, update.Content)},
	})
	if err != nil {
		return nil, err
	}
	chat.CorrelationID = e.ID

	pending := pendingSynthesis{userID: e.UserID, key: update.ContextKey}
	if existing != nil {
		pending.docID = existing.ID
	}
	d.mu.Lock()
	d.pending[chat.ID] = pending
	d.mu.Unlock()

	d.logger.Info("Synthesis requested",
		"context_key", update.ContextKey, "chat_event_id", chat.ID)
	return []*event.Event{chat}, nil
}

// completeSynthesis writes the model's answer back to the hub when the
// response correlates with a pending synthesis.
func (d *Driver) completeSynthesis(ctx context.Context, e *event.Event) error {
	d.mu.Lock()
	pending, ok := d.pending[e.CorrelationID]
	if ok {
		delete(d.pending, e.CorrelationID)
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}

	content, _ := e.Metadata["response"].(string)
	if content == "" {
		return fmt.Errorf("empty synthesis response for context %q", pending.key)
	}
	doc := contexthub.Doc{ID: pending.docID, Key: pending.key, Content: content}
	if pending.docID == "" {
		_, err := d.client.Create(ctx, pending.userID, doc)
		return err
	}
	return d.client.Update(ctx, pending.userID, doc)
}

func (d *Driver) handleQuery(ctx context.Context, e *event.Event) ([]*event.Event, error) {
	query, _ := e.Metadata["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("context.query requires query")
	}
	docs, err := d.client.Search(ctx, e.UserID, query)
	if err != nil {
		return nil, err
	}
	results := make([]any, len(docs))
	for i, doc := range docs {
		results[i] = map[string]any{"id": doc.ID, "key": doc.Key, "content": doc.Content}
	}
	out := event.New(DriverID, event.TypeContextQueryResult, e.UserID,
		event.CategoryOutput, map[string]any{"query": query, "results": results})
	out.CorrelationID = e.ID
	return []*event.Event{out}, nil
}

// write creates or updates the document for the key.
func (d *Driver) write(ctx context.Context, userID, key string, existing *contexthub.Doc, content string) error {
	if existing == nil {
		_, err := d.client.Create(ctx, userID, contexthub.Doc{Key: key, Content: content})
		return err
	}
	existing.Content = content
	return d.client.Update(ctx, userID, *existing)
}
