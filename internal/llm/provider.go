package llm

import (
	"context"
	"encoding/json"
)

// ModelInfo describes a model offered by a Provider (spec §4.D list_models).
type ModelInfo struct {
	Name          string
	Provider      string
	ContextWindow int
}

// ToolDefinition is a tool the LLM may choose to call, surfaced to the
// provider so it can include it in the model's tool-use schema.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Message is one turn of conversation history sent in a Request.
type Message struct {
	Role    string // "user", "assistant", "tool"
	Content string
}

// Request is the input to Chat (spec §4.D chat(request, caller)).
type Request struct {
	Model        string
	Messages     []Message
	Tools        []ToolDefinition
	Autonomous   bool
	CacheContext json.RawMessage
}

// Ref uniquely identifies an in-flight chat stream. The caller cancels by
// discarding the ref and ignoring further events on it (spec §4.D).
type Ref string

// Provider is the LLM Provider capability the Track Engine shell depends on.
type Provider interface {
	// ListModels returns the models this provider can serve.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// Chat spawns a streaming request and emits a normalized event stream to
	// events. The returned ref tags every event emitted for this request.
	Chat(ctx context.Context, req Request, events chan<- Event) (Ref, error)
}
