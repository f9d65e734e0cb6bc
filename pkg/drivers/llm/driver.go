// Package llm implements the agent driver backed by the Anthropic
// Messages API. It services llm.chat events and answers with
// llm.response, or llm.chat.failed when the provider call fails.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ambientos/ambient/pkg/driver"
	"github.com/ambientos/ambient/pkg/event"
)

// DriverID identifies this driver in the registry.
const DriverID = "llm-agent"

// DefaultMaxTokens caps completions when config does not say otherwise.
const DefaultMaxTokens = 4096

// MessagesClient is the subset of the Anthropic SDK used by the driver.
// Satisfied by *sdk.MessageService; tests pass a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Driver services llm.chat events.
type Driver struct {
	msg       MessagesClient
	model     string
	maxTokens int64
	logger    *slog.Logger
}

// Descriptor returns the registry descriptor for this driver. Config
// keys: api_key (required unless a client is injected), model,
// max_tokens.
func Descriptor() driver.Descriptor {
	return driver.Descriptor{
		Manifest: driver.Manifest{
			ID:           DriverID,
			Name:         "LLM Agent",
			Version:      "1.0.0",
			Type:         driver.TypeAgent,
			Capabilities: []string{event.TypeLLMChat},
			Resources: driver.Resources{
				MemoryMB:       256,
				TimeoutSeconds: 120,
				MaxConcurrent:  4,
			},
		},
		New: func(config map[string]any) (driver.Driver, error) {
			return NewFromConfig(config)
		},
	}
}

// NewFromConfig builds the driver from registry config.
func NewFromConfig(config map[string]any) (*Driver, error) {
	apiKey, _ := config["api_key"].(string)
	if apiKey == "" {
		return nil, errors.New("llm driver requires api_key")
	}
	model, _ := config["model"].(string)
	maxTokens := int64(DefaultMaxTokens)
	switch v := config["max_tokens"].(type) {
	case int:
		maxTokens = int64(v)
	case int64:
		maxTokens = v
	case float64:
		maxTokens = int64(v)
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Messages, model, maxTokens), nil
}

// New builds the driver around an injected Messages client.
func New(msg MessagesClient, model string, maxTokens int64) *Driver {
	if model == "" {
		model = string(sdk.ModelClaudeSonnet4_5)
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Driver{
		msg:       msg,
		model:     model,
		maxTokens: maxTokens,
		logger:    slog.Default().With("component", "llm-driver"),
	}
}

func (d *Driver) Initialize(ctx context.Context) error {
	d.logger.Info("LLM driver initialized", "model", d.model, "max_tokens", d.maxTokens)
	return nil
}

func (d *Driver) Shutdown(ctx context.Context) error { return nil }

// HandleEvent answers an llm.chat conversation. Provider failures come
// back as llm.chat.failed events rather than errors, so a flaky upstream
// does not put the driver instance into the error state.
func (d *Driver) HandleEvent(ctx context.Context, e *event.Event) ([]*event.Event, error) {
	chat, err := event.AsLLMChat(e)
	if err != nil {
		return nil, fmt.Errorf("malformed llm.chat event: %w", err)
	}

	params, err := d.buildParams(chat)
	if err != nil {
		return nil, err
	}
	msg, err := d.msg.New(ctx, *params)
	if err != nil {
		d.logger.Warn("LLM request failed", "event_id", e.ID, "error", err)
		failed := event.New(DriverID, event.TypeLLMChatFailed, e.UserID,
			event.CategorySystem, map[string]any{"error": err.Error()})
		failed.CorrelationID = e.ID
		return []*event.Event{failed}, nil
	}

	response := event.New(DriverID, event.TypeLLMResponse, e.UserID,
		event.CategoryOutput, map[string]any{
			"response": collectText(msg),
			"model":    string(msg.Model),
			"usage": map[string]any{
				"input_tokens":  msg.Usage.InputTokens,
				"output_tokens": msg.Usage.OutputTokens,
			},
		})
	response.CorrelationID = e.ID
	return []*event.Event{response}, nil
}

// buildParams translates the chat payload into Messages API parameters.
// System-role turns become the system prompt.
func (d *Driver) buildParams(chat *event.LLMChatPayload) (*sdk.MessageNewParams, error) {
	var (
		system string
		turns  []sdk.MessageParam
	)
	for _, m := range chat.Messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "user":
			turns = append(turns, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case "assistant":
			turns = append(turns, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, fmt.Errorf("unknown chat role %q", m.Role)
		}
	}
	if len(turns) == 0 {
		return nil, errors.New("llm.chat requires at least one user or assistant turn")
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(d.model),
		MaxTokens: d.maxTokens,
		Messages:  turns,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	return params, nil
}

// collectText concatenates the text blocks of a response.
func collectText(msg *sdk.Message) string {
	var out string
	for _, block := range msg.Content {
		if text := block.AsText(); text.Text != "" {
			out += text.Text
		}
	}
	return out
}
