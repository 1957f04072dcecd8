// Package agent implements the tool-use loop: call the model, dispatch the
// tool calls it requests, feed results back, repeat until the model answers
// in plain text or the turn budget runs out.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/finscope/finscope/pkg/llms"
	"github.com/finscope/finscope/pkg/observability"
	"github.com/finscope/finscope/pkg/protocol"
	"github.com/finscope/finscope/pkg/tools"
)

// ErrTurnBudgetExceeded is returned when the model still wants tools after
// the last allowed turn. The partial result accompanies it.
var ErrTurnBudgetExceeded = errors.New("turn budget exceeded")

// Run states, logged on every transition.
type state string

const (
	stateReady        state = "READY"
	stateCallingModel state = "CALLING_MODEL"
	stateToolDispatch state = "TOOL_DISPATCH"
	stateDone         state = "DONE"
)

// ToolExecution records one dispatched tool call.
type ToolExecution struct {
	Call     *protocol.ToolCall
	Output   string
	Err      error
	Duration time.Duration
}

// Result is the outcome of a run.
type Result struct {
	Text           string
	ToolExecutions []ToolExecution
	Tokens         int
	Turns          int
}

// Runner executes one plan against one provider. It is stateless across
// runs and safe to use from multiple goroutines.
type Runner struct {
	provider    llms.Provider
	tools       []tools.Tool
	toolTimeout time.Duration
}

func NewRunner(provider llms.Provider, selected []tools.Tool, toolTimeout time.Duration) *Runner {
	return &Runner{
		provider:    provider,
		tools:       selected,
		toolTimeout: toolTimeout,
	}
}

// BuildMessages assembles the runner's input conversation: the system
// prompt, the rendered session context as a user block, and the query.
func BuildMessages(systemPrompt, contextBlock, query string) []*protocol.Message {
	messages := []*protocol.Message{protocol.System(systemPrompt)}
	if contextBlock != "" {
		messages = append(messages, protocol.User(contextBlock))
	}
	if query != "" {
		messages = append(messages, protocol.User(query))
	}
	return messages
}

func (r *Runner) definitions() []llms.ToolDefinition {
	defs := make([]llms.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, tools.Definition(t))
	}
	return defs
}

func (r *Runner) toolByName(name string) (tools.Tool, bool) {
	for _, t := range r.tools {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// Run drives the loop without token streaming. Status lines still flow to
// the sink so callers can surface progress.
func (r *Runner) Run(ctx context.Context, messages []*protocol.Message, maxTurns int, sink Sink) (*Result, error) {
	return r.run(ctx, messages, maxTurns, sink, false)
}

// RunStreaming drives the loop and streams the final answer's tokens
// through sink.Content. Text produced in turns that end in tool calls is
// interim reasoning and is dropped, which keeps the event stream ordered:
// status lines first, then answer content.
func (r *Runner) RunStreaming(ctx context.Context, messages []*protocol.Message, maxTurns int, sink Sink) (*Result, error) {
	return r.run(ctx, messages, maxTurns, sink, true)
}

func (r *Runner) run(ctx context.Context, messages []*protocol.Message, maxTurns int, sink Sink, streaming bool) (*Result, error) {
	if sink == nil {
		sink = NopSink{}
	}
	if maxTurns < 1 {
		maxTurns = 1
	}

	conversation := make([]*protocol.Message, len(messages))
	copy(conversation, messages)

	result := &Result{}
	defs := r.definitions()
	current := stateReady

	transition := func(next state) {
		slog.Debug("Agent state",
			"from", string(current),
			"to", string(next),
			"turn", result.Turns,
			"model", r.provider.ModelName())
		current = next
	}

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		transition(stateCallingModel)
		text, calls, tokens, err := r.generateTurn(ctx, conversation, defs, sink, streaming)
		if err != nil {
			return result, err
		}
		result.Tokens += tokens
		result.Turns++
		observability.LLMTokens.WithLabelValues(r.provider.ModelName()).Add(float64(tokens))

		if len(calls) == 0 {
			transition(stateDone)
			result.Text = text
			return result, nil
		}

		if result.Turns >= maxTurns {
			transition(stateDone)
			result.Text = text
			return result, fmt.Errorf("%w after %d turns", ErrTurnBudgetExceeded, result.Turns)
		}

		transition(stateToolDispatch)
		conversation = append(conversation, protocol.AssistantToolCalls(text, calls))
		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			execution := r.dispatch(ctx, call, sink)
			result.ToolExecutions = append(result.ToolExecutions, execution)

			content := execution.Output
			if execution.Err != nil {
				// Tool failures stay inside the conversation so the model
				// can route around them.
				content = "Error: " + execution.Err.Error()
			}
			conversation = append(conversation, protocol.ToolResult(call.ID, call.Name, content))
		}
	}
}

// generateTurn runs one model call. In streaming mode the text chunks are
// buffered and only replayed through the sink if the turn ends without
// tool calls.
func (r *Runner) generateTurn(ctx context.Context, conversation []*protocol.Message, defs []llms.ToolDefinition, sink Sink, streaming bool) (string, []*protocol.ToolCall, int, error) {
	if !streaming {
		return r.provider.Generate(ctx, conversation, defs)
	}

	ch, err := r.provider.GenerateStreaming(ctx, conversation, defs)
	if err != nil {
		return "", nil, 0, err
	}

	var text strings.Builder
	var chunks []string
	var calls []*protocol.ToolCall
	tokens := 0

	for chunk := range ch {
		switch chunk.Type {
		case llms.ChunkText:
			chunks = append(chunks, chunk.Text)
			text.WriteString(chunk.Text)
		case llms.ChunkToolCall:
			calls = append(calls, chunk.ToolCall)
		case llms.ChunkDone:
			tokens = chunk.Tokens
		case llms.ChunkError:
			return "", nil, 0, chunk.Err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", nil, 0, err
	}

	if len(calls) == 0 {
		for _, c := range chunks {
			sink.Content(c)
		}
	}
	return text.String(), calls, tokens, nil
}

func (r *Runner) dispatch(ctx context.Context, call *protocol.ToolCall, sink Sink) ToolExecution {
	execution := ToolExecution{Call: call}
	start := time.Now()

	tool, ok := r.toolByName(call.Name)
	if !ok {
		execution.Err = fmt.Errorf("unknown tool %q", call.Name)
		observability.ToolExecutions.WithLabelValues(call.Name, "unknown").Inc()
		return execution
	}

	sink.Status(fmt.Sprintf("Running %s...", call.Name))

	toolCtx, cancel := context.WithTimeout(ctx, r.toolTimeout)
	defer cancel()

	execution.Output, execution.Err = tool.Execute(toolCtx, call.Args)
	execution.Duration = time.Since(start)

	outcome := "ok"
	if execution.Err != nil {
		outcome = "error"
		slog.Warn("Tool execution failed",
			"tool", call.Name,
			"duration", execution.Duration,
			"error", execution.Err)
	} else {
		slog.Debug("Tool execution finished",
			"tool", call.Name,
			"duration", execution.Duration,
			"output_bytes", len(execution.Output))
	}
	observability.ToolExecutions.WithLabelValues(call.Name, outcome).Inc()
	observability.ToolDuration.WithLabelValues(call.Name).Observe(execution.Duration.Seconds())

	return execution
}
