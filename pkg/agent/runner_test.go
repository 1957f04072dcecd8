package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finscope/finscope/pkg/llms"
	"github.com/finscope/finscope/pkg/protocol"
	"github.com/finscope/finscope/pkg/tools"
)

type echoTool struct {
	name  string
	reply func(args map[string]any) (string, error)
	calls int
}

func (t *echoTool) Name() string               { return t.name }
func (t *echoTool) Description() string        { return "test tool" }
func (t *echoTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (t *echoTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	t.calls++
	if t.reply != nil {
		return t.reply(args)
	}
	return "echo", nil
}

type slowTool struct{ echoTool }

func (t *slowTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(10 * time.Second):
		return "too late", nil
	}
}

func TestRun_ZeroToolOneShot(t *testing.T) {
	fake := llms.NewFakeProvider("fake", llms.FakeTurn{Text: "Direct answer.", Tokens: 5})
	r := NewRunner(fake, nil, time.Second)

	result, err := r.Run(context.Background(),
		BuildMessages("system", "", "question"), 1, nil)
	require.NoError(t, err)

	assert.Equal(t, "Direct answer.", result.Text)
	assert.Equal(t, 1, result.Turns)
	assert.Equal(t, 5, result.Tokens)
	assert.Empty(t, result.ToolExecutions)
}

func TestRun_ToolLoop(t *testing.T) {
	calc := &echoTool{name: "calculator", reply: func(args map[string]any) (string, error) {
		assert.Equal(t, "2+2", args["expression"])
		return "4", nil
	}}

	fake := llms.NewFakeProvider("fake",
		llms.FakeTurn{ToolCalls: []*protocol.ToolCall{
			{ID: "c1", Name: "calculator", Args: map[string]any{"expression": "2+2"}},
		}, Tokens: 3},
		llms.FakeTurn{Text: "The answer is 4.", Tokens: 2},
	)

	r := NewRunner(fake, []tools.Tool{calc}, time.Second)
	sink := &CollectSink{}

	result, err := r.Run(context.Background(),
		BuildMessages("system", "ctx", "what is 2+2"), 3, sink)
	require.NoError(t, err)

	assert.Equal(t, "The answer is 4.", result.Text)
	assert.Equal(t, 2, result.Turns)
	assert.Equal(t, 5, result.Tokens)
	assert.Equal(t, 1, calc.calls)
	require.Len(t, result.ToolExecutions, 1)
	assert.Equal(t, "4", result.ToolExecutions[0].Output)
	assert.Contains(t, sink.Statuses, "Running calculator...")

	// Tool result was fed back to the model as a tool-role message.
	secondCall := fake.Messages[1]
	last := secondCall[len(secondCall)-1]
	assert.Equal(t, protocol.RoleTool, last.Role)
	assert.Equal(t, "4", last.Content)
	assert.Equal(t, "c1", last.ToolCallID)
}

func TestRun_ToolErrorIsModelVisible(t *testing.T) {
	failing := &echoTool{name: "web_search", reply: func(map[string]any) (string, error) {
		return "", fmt.Errorf("upstream 503")
	}}

	fake := llms.NewFakeProvider("fake",
		llms.FakeTurn{ToolCalls: []*protocol.ToolCall{{ID: "c1", Name: "web_search"}}},
		llms.FakeTurn{Text: "Could not search, but here is what I know."},
	)

	r := NewRunner(fake, []tools.Tool{failing}, time.Second)
	result, err := r.Run(context.Background(), BuildMessages("s", "", "q"), 3, nil)
	require.NoError(t, err)

	assert.Equal(t, "Could not search, but here is what I know.", result.Text)
	require.Len(t, result.ToolExecutions, 1)
	assert.Error(t, result.ToolExecutions[0].Err)

	secondCall := fake.Messages[1]
	last := secondCall[len(secondCall)-1]
	assert.Equal(t, protocol.RoleTool, last.Role)
	assert.Contains(t, last.Content, "Error: upstream 503")
}

func TestRun_TurnBudgetExceeded(t *testing.T) {
	greedy := &echoTool{name: "web_search"}

	// The model asks for a tool on every turn.
	fake := llms.NewFakeProvider("fake",
		llms.FakeTurn{ToolCalls: []*protocol.ToolCall{{ID: "c", Name: "web_search"}}},
	)

	r := NewRunner(fake, []tools.Tool{greedy}, time.Second)
	result, err := r.Run(context.Background(), BuildMessages("s", "", "q"), 3, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTurnBudgetExceeded))
	assert.Equal(t, 3, result.Turns)
	// Two dispatch rounds happen before the third call hits the budget.
	assert.Len(t, result.ToolExecutions, 2)
}

func TestRun_ToolTimeout(t *testing.T) {
	slow := &slowTool{echoTool{name: "browse_page"}}

	fake := llms.NewFakeProvider("fake",
		llms.FakeTurn{ToolCalls: []*protocol.ToolCall{{ID: "c", Name: "browse_page"}}},
		llms.FakeTurn{Text: "Gave up on the page."},
	)

	r := NewRunner(fake, []tools.Tool{slow}, 30*time.Millisecond)
	start := time.Now()
	result, err := r.Run(context.Background(), BuildMessages("s", "", "q"), 3, nil)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 3*time.Second)
	require.Len(t, result.ToolExecutions, 1)
	assert.ErrorIs(t, result.ToolExecutions[0].Err, context.DeadlineExceeded)
}

func TestRun_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fake := llms.NewFakeProvider("fake", llms.FakeTurn{Text: "never"})
	r := NewRunner(fake, nil, time.Second)

	_, err := r.Run(ctx, BuildMessages("s", "", "q"), 1, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunStreaming_FinalAnswerOnly(t *testing.T) {
	calc := &echoTool{name: "calculator"}

	fake := llms.NewFakeProvider("fake",
		llms.FakeTurn{
			Text:      "thinking about it",
			ToolCalls: []*protocol.ToolCall{{ID: "c1", Name: "calculator", Args: map[string]any{"expression": "1"}}},
		},
		llms.FakeTurn{Text: "Final answer text.", Tokens: 4},
	)
	fake.StreamChunkSize = 5

	r := NewRunner(fake, []tools.Tool{calc}, time.Second)
	sink := &CollectSink{}

	result, err := r.RunStreaming(context.Background(), BuildMessages("s", "", "q"), 3, sink)
	require.NoError(t, err)

	assert.Equal(t, "Final answer text.", result.Text)

	// Interim text from the tool-calling turn never reaches the sink.
	streamed := ""
	for _, c := range sink.Contents {
		streamed += c
	}
	assert.Equal(t, "Final answer text.", streamed)
	assert.Greater(t, len(sink.Contents), 1)
	assert.Contains(t, sink.Statuses, "Running calculator...")
}
