package event

import "fmt"

// Typed payload views over Event.Metadata. Each subtype has a constructor
// (NewEmail, NewContextUpdate, ...) that builds a validated envelope and
// an accessor (AsEmail, AsContextUpdate, ...) that validates and projects
// the metadata back into the typed struct. Both fail with a
// *ValidationError naming the offending field.

// EmailPayload is carried by email.* events.
type EmailPayload struct {
	Operation string         // received, send, sent, ...
	Provider  string         // gmail, outlook, ...
	Email     map[string]any // provider-shaped message data (to, from, subject, body, ...)
}

// NewEmail builds an email.<operation> event.
func NewEmail(source, userID, operation, provider string, email map[string]any) (*Event, error) {
	if operation == "" {
		return nil, &ValidationError{Field: "operation", Reason: "must not be empty"}
	}
	if provider == "" {
		return nil, &ValidationError{Field: "provider", Reason: "must not be empty"}
	}
	if email == nil {
		return nil, &ValidationError{Field: "email_data", Reason: "missing required field"}
	}
	return New(source, "email."+operation, userID, CategoryUser, map[string]any{
		"operation":  operation,
		"provider":   provider,
		"email_data": email,
	}), nil
}

// AsEmail projects an event's metadata into an EmailPayload.
func AsEmail(e *Event) (*EmailPayload, error) {
	op, err := metaString(e, "operation")
	if err != nil {
		return nil, err
	}
	provider, err := metaString(e, "provider")
	if err != nil {
		return nil, err
	}
	data, err := metaMap(e, "email_data")
	if err != nil {
		return nil, err
	}
	return &EmailPayload{Operation: op, Provider: provider, Email: data}, nil
}

// CalendarPayload is carried by calendar.* events.
type CalendarPayload struct {
	Operation string
	Provider  string
	Calendar  map[string]any
}

// NewCalendar builds a calendar.<operation> event.
func NewCalendar(source, userID, operation, provider string, calendar map[string]any) (*Event, error) {
	if operation == "" {
		return nil, &ValidationError{Field: "operation", Reason: "must not be empty"}
	}
	if provider == "" {
		return nil, &ValidationError{Field: "provider", Reason: "must not be empty"}
	}
	if calendar == nil {
		return nil, &ValidationError{Field: "calendar_data", Reason: "missing required field"}
	}
	return New(source, "calendar."+operation, userID, CategoryUser, map[string]any{
		"operation":     operation,
		"provider":      provider,
		"calendar_data": calendar,
	}), nil
}

// AsCalendar projects an event's metadata into a CalendarPayload.
func AsCalendar(e *Event) (*CalendarPayload, error) {
	op, err := metaString(e, "operation")
	if err != nil {
		return nil, err
	}
	provider, err := metaString(e, "provider")
	if err != nil {
		return nil, err
	}
	data, err := metaMap(e, "calendar_data")
	if err != nil {
		return nil, err
	}
	return &CalendarPayload{Operation: op, Provider: provider, Calendar: data}, nil
}

// ContextUpdatePayload is carried by context.update events.
type ContextUpdatePayload struct {
	ContextKey      string
	UpdateOperation string // append, replace, synthesize, merge
	Content         string
	SynthesisPrompt string // only meaningful for synthesize
}

// NewContextUpdate builds a context.update event.
func NewContextUpdate(source, userID string, p ContextUpdatePayload) (*Event, error) {
	if p.ContextKey == "" {
		return nil, &ValidationError{Field: "context_key", Reason: "must not be empty"}
	}
	switch p.UpdateOperation {
	case ContextOpAppend, ContextOpReplace, ContextOpSynthesize, ContextOpMerge:
	default:
		return nil, &ValidationError{Field: "update_operation", Reason: fmt.Sprintf("unknown operation %q", p.UpdateOperation)}
	}
	md := map[string]any{
		"context_key":      p.ContextKey,
		"update_operation": p.UpdateOperation,
		"content":          p.Content,
	}
	if p.SynthesisPrompt != "" {
		md["synthesis_prompt"] = p.SynthesisPrompt
	}
	return New(source, TypeContextUpdate, userID, CategoryOutput, md), nil
}

// AsContextUpdate projects an event's metadata into a ContextUpdatePayload.
func AsContextUpdate(e *Event) (*ContextUpdatePayload, error) {
	key, err := metaString(e, "context_key")
	if err != nil {
		return nil, err
	}
	op, err := metaString(e, "update_operation")
	if err != nil {
		return nil, err
	}
	p := &ContextUpdatePayload{ContextKey: key, UpdateOperation: op}
	if content, ok := e.Metadata["content"].(string); ok {
		p.Content = content
	}
	if prompt, ok := e.Metadata["synthesis_prompt"].(string); ok {
		p.SynthesisPrompt = prompt
	}
	return p, nil
}

// ChatMessage is a single turn in an llm.chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMChatPayload is carried by llm.chat events.
type LLMChatPayload struct {
	Messages []ChatMessage
}

// NewLLMChat builds an llm.chat event.
func NewLLMChat(source, userID string, messages []ChatMessage) (*Event, error) {
	if len(messages) == 0 {
		return nil, &ValidationError{Field: "messages", Reason: "must not be empty"}
	}
	msgs := make([]any, len(messages))
	for i, m := range messages {
		if m.Role == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("messages[%d].role", i), Reason: "must not be empty"}
		}
		msgs[i] = map[string]any{"role": m.Role, "content": m.Content}
	}
	return New(source, TypeLLMChat, userID, CategoryUser, map[string]any{"messages": msgs}), nil
}

// AsLLMChat projects an event's metadata into an LLMChatPayload.
func AsLLMChat(e *Event) (*LLMChatPayload, error) {
	raw, ok := e.Metadata["messages"].([]any)
	if !ok || len(raw) == 0 {
		return nil, &ValidationError{Field: "messages", Reason: "must be a non-empty list"}
	}
	p := &LLMChatPayload{Messages: make([]ChatMessage, 0, len(raw))}
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, &ValidationError{Field: fmt.Sprintf("messages[%d]", i), Reason: "must be an object"}
		}
		role, _ := m["role"].(string)
		if role == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("messages[%d].role", i), Reason: "must not be empty"}
		}
		content, _ := m["content"].(string)
		p.Messages = append(p.Messages, ChatMessage{Role: role, Content: content})
	}
	return p, nil
}

// WorkerTaskPayload is carried by worker.task events. Either Task (a
// natural-language assignment) or Commands (explicit shell steps) must be
// present.
type WorkerTaskPayload struct {
	Task     string
	Commands []string
	RepoURL  string
	Cost     float64
}

// NewWorkerTask builds a worker.task event.
func NewWorkerTask(source, userID string, p WorkerTaskPayload) (*Event, error) {
	if p.Task == "" && len(p.Commands) == 0 {
		return nil, &ValidationError{Field: "task", Reason: "either task or commands is required"}
	}
	md := map[string]any{}
	if p.Task != "" {
		md["task"] = p.Task
	}
	if len(p.Commands) > 0 {
		cmds := make([]any, len(p.Commands))
		for i, c := range p.Commands {
			cmds[i] = c
		}
		md["commands"] = cmds
	}
	if p.RepoURL != "" {
		md["repo_url"] = p.RepoURL
	}
	if p.Cost > 0 {
		md["cost"] = p.Cost
	}
	return New(source, TypeWorkerTask, userID, CategoryOutput, md), nil
}

// AsWorkerTask projects an event's metadata into a WorkerTaskPayload.
func AsWorkerTask(e *Event) (*WorkerTaskPayload, error) {
	p := &WorkerTaskPayload{}
	if task, ok := e.Metadata["task"].(string); ok {
		p.Task = task
	}
	if raw, ok := e.Metadata["commands"].([]any); ok {
		for _, c := range raw {
			if s, ok := c.(string); ok {
				p.Commands = append(p.Commands, s)
			}
		}
	}
	if p.Task == "" && len(p.Commands) == 0 {
		return nil, &ValidationError{Field: "task", Reason: "either task or commands is required"}
	}
	if repo, ok := e.Metadata["repo_url"].(string); ok {
		p.RepoURL = repo
	}
	if cost, ok := e.Metadata["cost"].(float64); ok {
		p.Cost = cost
	}
	return p, nil
}

// VoiceCallPayload is carried by voice.call events.
type VoiceCallPayload struct {
	Phone     string
	Objective string
}

// NewVoiceCall builds a voice.call event.
func NewVoiceCall(source, userID, phone, objective string) (*Event, error) {
	if phone == "" {
		return nil, &ValidationError{Field: "phone", Reason: "must not be empty"}
	}
	md := map[string]any{"phone": phone}
	if objective != "" {
		md["objective"] = objective
	}
	return New(source, TypeVoiceCall, userID, CategoryOutput, md), nil
}

// AsVoiceCall projects an event's metadata into a VoiceCallPayload.
func AsVoiceCall(e *Event) (*VoiceCallPayload, error) {
	phone, err := metaString(e, "phone")
	if err != nil {
		return nil, err
	}
	p := &VoiceCallPayload{Phone: phone}
	if obj, ok := e.Metadata["objective"].(string); ok {
		p.Objective = obj
	}
	return p, nil
}

// InstructionPayload is carried by instruction.* management events.
type InstructionPayload struct {
	Operation string
	Data      map[string]any
}

// NewInstruction builds an instruction.<operation> event.
func NewInstruction(source, userID, operation string, data map[string]any) (*Event, error) {
	if operation == "" {
		return nil, &ValidationError{Field: "operation", Reason: "must not be empty"}
	}
	if data == nil {
		return nil, &ValidationError{Field: "data", Reason: "missing required field"}
	}
	return New(source, "instruction."+operation, userID, CategoryUser, map[string]any{
		"operation": operation,
		"data":      data,
	}), nil
}

// AsInstruction projects an event's metadata into an InstructionPayload.
func AsInstruction(e *Event) (*InstructionPayload, error) {
	op, err := metaString(e, "operation")
	if err != nil {
		return nil, err
	}
	data, err := metaMap(e, "data")
	if err != nil {
		return nil, err
	}
	return &InstructionPayload{Operation: op, Data: data}, nil
}

func metaString(e *Event, field string) (string, error) {
	raw, ok := e.Metadata[field]
	if !ok {
		return "", &ValidationError{Field: field, Reason: "missing required field"}
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", &ValidationError{Field: field, Reason: "must be a non-empty string"}
	}
	return s, nil
}

func metaMap(e *Event, field string) (map[string]any, error) {
	raw, ok := e.Metadata[field]
	if !ok {
		return nil, &ValidationError{Field: field, Reason: "missing required field"}
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, &ValidationError{Field: field, Reason: "must be an object"}
	}
	return m, nil
}
