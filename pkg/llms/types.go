// Package llms implements native HTTP clients for the supported LLM
// providers (OpenAI, Anthropic, Gemini, DeepSeek) behind one Provider
// interface, plus the model catalog that maps request aliases onto them.
package llms

import (
	"context"
	"fmt"

	"github.com/finscope/finscope/pkg/protocol"
)

// ToolDefinition describes a tool exposed to the model. Parameters is a
// JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkToolCall ChunkType = "tool_call"
	ChunkDone     ChunkType = "done"
	ChunkError    ChunkType = "error"
)

// StreamChunk is one unit of a streaming generation. Text chunks arrive in
// order; tool-call chunks arrive after their arguments are complete; the
// final chunk is either Done (with total token usage) or Error.
type StreamChunk struct {
	Type     ChunkType
	Text     string
	ToolCall *protocol.ToolCall
	Tokens   int
	Err      error
}

// StructuredRequest asks for a single JSON object conforming to Schema.
type StructuredRequest struct {
	Name   string
	Schema map[string]any
}

// Provider is a chat-completion backend. Implementations are safe for
// concurrent use.
type Provider interface {
	// ModelName returns the provider-native model identifier.
	ModelName() string

	// Generate runs one non-streaming completion. It returns the assistant
	// text, any tool calls the model requested, and total tokens consumed.
	Generate(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (string, []*protocol.ToolCall, int, error)

	// GenerateStreaming runs one streaming completion. The returned channel
	// is closed after a Done or Error chunk.
	GenerateStreaming(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (<-chan StreamChunk, error)

	// GenerateStructured runs one completion constrained to a JSON object
	// matching the request schema and returns the raw JSON text.
	GenerateStructured(ctx context.Context, messages []*protocol.Message, req StructuredRequest) (string, error)
}

// ProviderError wraps failures from a specific provider backend.
type ProviderError struct {
	Provider string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func newProviderError(provider, message string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Message: message, Err: err}
}
