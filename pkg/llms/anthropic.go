package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/finscope/finscope/pkg/httpclient"
	"github.com/finscope/finscope/pkg/protocol"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// AnthropicProvider speaks the Anthropic Messages API.
type AnthropicProvider struct {
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	client      *httpclient.Client
}

type AnthropicOption func(*AnthropicProvider)

func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(p *AnthropicProvider) { p.baseURL = strings.TrimRight(url, "/") }
}

func WithAnthropicMaxTokens(n int) AnthropicOption {
	return func(p *AnthropicProvider) { p.maxTokens = n }
}

func WithAnthropicHTTPClient(c *httpclient.Client) AnthropicOption {
	return func(p *AnthropicProvider) { p.client = c }
}

func NewAnthropic(apiKey, model string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		baseURL:     defaultAnthropicBaseURL,
		apiKey:      apiKey,
		model:       model,
		maxTokens:   defaultMaxTokens,
		temperature: defaultTemperature,
		client:      httpclient.New(httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *AnthropicProvider) ModelName() string { return p.model }

// Wire types.

type anthropicContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicRequest struct {
	Model       string               `json:"model"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature float64              `json:"temperature"`
	System      string               `json:"system,omitempty"`
	Messages    []anthropicMessage   `json:"messages"`
	Tools       []anthropicTool      `json:"tools,omitempty"`
	ToolChoice  *anthropicToolChoice `json:"tool_choice,omitempty"`
	Stream      bool                 `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

// convertMessages splits out the system prompt and maps the remaining
// conversation onto Anthropic's user/assistant block structure. Tool results
// become user-role tool_result blocks per the Messages API.
func (p *AnthropicProvider) convertMessages(messages []*protocol.Message) (string, []anthropicMessage) {
	var system strings.Builder
	out := make([]anthropicMessage, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case protocol.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)

		case protocol.RoleUser:
			out = append(out, anthropicMessage{
				Role:    "user",
				Content: []anthropicContentBlock{{Type: "text", Text: m.Content}},
			})

		case protocol.RoleAssistant:
			var blocks []anthropicContentBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: m.Content})
			}
			for _, call := range m.ToolCalls {
				input := call.Args
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropicContentBlock{
					Type:  "tool_use",
					ID:    call.ID,
					Name:  call.Name,
					Input: input,
				})
			}
			out = append(out, anthropicMessage{Role: "assistant", Content: blocks})

		case protocol.RoleTool:
			out = append(out, anthropicMessage{
				Role: "user",
				Content: []anthropicContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		}
	}

	return system.String(), out
}

func (p *AnthropicProvider) convertTools(tools []ToolDefinition) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out
}

func (p *AnthropicProvider) post(ctx context.Context, reqBody anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, newProviderError("anthropic", "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, newProviderError("anthropic", "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, newProviderError("anthropic", "request failed", err)
	}
	return resp, nil
}

func (p *AnthropicProvider) Generate(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (string, []*protocol.ToolCall, int, error) {
	system, converted := p.convertMessages(messages)
	resp, err := p.post(ctx, anthropicRequest{
		Model:       p.model,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
		System:      system,
		Messages:    converted,
		Tools:       p.convertTools(tools),
	})
	if err != nil {
		return "", nil, 0, err
	}
	defer resp.Body.Close()

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", nil, 0, newProviderError("anthropic", "failed to decode response", err)
	}

	var text strings.Builder
	var calls []*protocol.ToolCall
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			id := block.ID
			if id == "" {
				id = protocol.NewToolCallID()
			}
			calls = append(calls, &protocol.ToolCall{ID: id, Name: block.Name, Args: block.Input})
		}
	}

	tokens := parsed.Usage.InputTokens + parsed.Usage.OutputTokens
	return text.String(), calls, tokens, nil
}

// Streaming event payloads.

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`

	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`

	Usage *anthropicUsage `json:"usage"`
}

func (p *AnthropicProvider) GenerateStreaming(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	system, converted := p.convertMessages(messages)
	resp, err := p.post(ctx, anthropicRequest{
		Model:       p.model,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
		System:      system,
		Messages:    converted,
		Tools:       p.convertTools(tools),
		Stream:      true,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		type partialCall struct {
			id   string
			name string
			json strings.Builder
		}
		partials := map[int]*partialCall{}
		inputTokens, outputTokens := 0, 0

		emit := func(chunk StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					inputTokens = event.Message.Usage.InputTokens
				}

			case "content_block_start":
				if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
					partials[event.Index] = &partialCall{
						id:   event.ContentBlock.ID,
						name: event.ContentBlock.Name,
					}
				}

			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				switch event.Delta.Type {
				case "text_delta":
					if event.Delta.Text != "" && !emit(StreamChunk{Type: ChunkText, Text: event.Delta.Text}) {
						return
					}
				case "input_json_delta":
					if partial, ok := partials[event.Index]; ok {
						partial.json.WriteString(event.Delta.PartialJSON)
					}
				}

			case "content_block_stop":
				partial, ok := partials[event.Index]
				if !ok {
					continue
				}
				delete(partials, event.Index)

				id := partial.id
				if id == "" {
					id = protocol.NewToolCallID()
				}
				call := &protocol.ToolCall{ID: id, Name: partial.name}
				if raw := partial.json.String(); raw != "" {
					var args map[string]any
					if err := json.Unmarshal([]byte(raw), &args); err == nil {
						call.Args = args
					}
				}
				if !emit(StreamChunk{Type: ChunkToolCall, ToolCall: call}) {
					return
				}

			case "message_delta":
				if event.Usage != nil {
					outputTokens = event.Usage.OutputTokens
				}

			case "message_stop":
				emit(StreamChunk{Type: ChunkDone, Tokens: inputTokens + outputTokens})
				return
			}
		}

		if err := scanner.Err(); err != nil {
			emit(StreamChunk{Type: ChunkError, Err: newProviderError("anthropic", "stream read failed", err)})
			return
		}
		emit(StreamChunk{Type: ChunkDone, Tokens: inputTokens + outputTokens})
	}()

	return out, nil
}

// GenerateStructured forces a single tool call whose input schema is the
// requested schema, then returns the tool input as JSON text.
func (p *AnthropicProvider) GenerateStructured(ctx context.Context, messages []*protocol.Message, req StructuredRequest) (string, error) {
	system, converted := p.convertMessages(messages)
	resp, err := p.post(ctx, anthropicRequest{
		Model:       p.model,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
		System:      system,
		Messages:    converted,
		Tools: []anthropicTool{{
			Name:        req.Name,
			Description: "Record the structured answer.",
			InputSchema: req.Schema,
		}},
		ToolChoice: &anthropicToolChoice{Type: "tool", Name: req.Name},
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", newProviderError("anthropic", "failed to decode response", err)
	}

	for _, block := range parsed.Content {
		if block.Type == "tool_use" && block.Name == req.Name {
			raw, err := json.Marshal(block.Input)
			if err != nil {
				return "", newProviderError("anthropic", "failed to re-encode tool input", err)
			}
			return string(raw), nil
		}
	}
	return "", newProviderError("anthropic", "structured response contained no tool call", nil)
}
