package llms

import (
	"context"
	"sync"

	"github.com/finscope/finscope/pkg/protocol"
)

// FakeTurn scripts one response from a FakeProvider.
type FakeTurn struct {
	Text       string
	ToolCalls  []*protocol.ToolCall
	Tokens     int
	Structured string
	Err        error
}

// FakeProvider is a scripted Provider for tests. Each Generate* call
// consumes the next turn; the last turn repeats once the script runs out.
type FakeProvider struct {
	mu    sync.Mutex
	Model string
	Turns []FakeTurn
	next  int

	// Received inputs, in call order.
	Messages [][]*protocol.Message
	Tools    [][]ToolDefinition

	// StreamChunkSize splits streamed text into chunks of this many bytes.
	// Zero streams the whole text as one chunk.
	StreamChunkSize int
}

func NewFakeProvider(model string, turns ...FakeTurn) *FakeProvider {
	return &FakeProvider{Model: model, Turns: turns}
}

func (f *FakeProvider) ModelName() string {
	if f.Model == "" {
		return "fake-model"
	}
	return f.Model
}

func (f *FakeProvider) take(messages []*protocol.Message, tools []ToolDefinition) FakeTurn {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Messages = append(f.Messages, messages)
	f.Tools = append(f.Tools, tools)

	if len(f.Turns) == 0 {
		return FakeTurn{Text: "fake response"}
	}
	turn := f.Turns[f.next]
	if f.next < len(f.Turns)-1 {
		f.next++
	}
	return turn
}

// CallCount reports how many generations have been consumed.
func (f *FakeProvider) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Messages)
}

func (f *FakeProvider) Generate(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (string, []*protocol.ToolCall, int, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, 0, err
	}
	turn := f.take(messages, tools)
	if turn.Err != nil {
		return "", nil, 0, turn.Err
	}
	return turn.Text, turn.ToolCalls, turn.Tokens, nil
}

func (f *FakeProvider) GenerateStreaming(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	turn := f.take(messages, tools)

	out := make(chan StreamChunk)
	go func() {
		defer close(out)

		if turn.Err != nil {
			out <- StreamChunk{Type: ChunkError, Err: turn.Err}
			return
		}

		size := f.StreamChunkSize
		if size <= 0 {
			size = len(turn.Text)
		}
		for text := turn.Text; len(text) > 0; {
			n := size
			if n > len(text) {
				n = len(text)
			}
			select {
			case out <- StreamChunk{Type: ChunkText, Text: text[:n]}:
			case <-ctx.Done():
				return
			}
			text = text[n:]
		}

		for _, call := range turn.ToolCalls {
			select {
			case out <- StreamChunk{Type: ChunkToolCall, ToolCall: call}:
			case <-ctx.Done():
				return
			}
		}

		select {
		case out <- StreamChunk{Type: ChunkDone, Tokens: turn.Tokens}:
		case <-ctx.Done():
		}
	}()

	return out, nil
}

func (f *FakeProvider) GenerateStructured(ctx context.Context, messages []*protocol.Message, req StructuredRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	turn := f.take(messages, nil)
	if turn.Err != nil {
		return "", turn.Err
	}
	return turn.Structured, nil
}
