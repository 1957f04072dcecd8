// Package tools implements the tool registry and the built-in tools the
// agent can call: the calculator, web search, page fetch, the headless
// browser, and tools discovered from external MCP servers.
package tools

import (
	"context"
	"fmt"

	"github.com/finscope/finscope/pkg/llms"
)

// Tool is a single callable capability exposed to the model. Execute
// returns model-visible text; errors that reach the agent are rendered into
// the conversation rather than aborting the turn.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON Schema for the tool's arguments.
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// InputError marks tool arguments that were rejected before execution.
// Handlers map it to a TOOL_INPUT_REJECTED error kind.
type InputError struct {
	Tool    string
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: input rejected: %s", e.Tool, e.Message)
}

func rejectInput(tool, format string, args ...any) *InputError {
	return &InputError{Tool: tool, Message: fmt.Sprintf(format, args...)}
}

// Definition converts a tool into the schema shape providers expect.
func Definition(t Tool) llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Parameters(),
	}
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// intArg extracts an optional integer argument, accepting JSON numbers.
func intArg(args map[string]any, key string, fallback int) int {
	v, ok := args[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return fallback
	}
}
