package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/finscope/finscope/pkg/httpclient"
	"github.com/finscope/finscope/pkg/protocol"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultMaxTokens     = 4096
	defaultTemperature   = 0.2
)

// OpenAIProvider speaks the OpenAI chat completions API. DeepSeek reuses it
// with a different base URL since its API is wire-compatible.
type OpenAIProvider struct {
	name        string
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	client      *httpclient.Client
}

type OpenAIOption func(*OpenAIProvider)

func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(p *OpenAIProvider) { p.baseURL = strings.TrimRight(url, "/") }
}

func WithOpenAIMaxTokens(n int) OpenAIOption {
	return func(p *OpenAIProvider) { p.maxTokens = n }
}

func WithOpenAITemperature(t float64) OpenAIOption {
	return func(p *OpenAIProvider) { p.temperature = t }
}

func WithOpenAIHTTPClient(c *httpclient.Client) OpenAIOption {
	return func(p *OpenAIProvider) { p.client = c }
}

func NewOpenAI(apiKey, model string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		name:        "openai",
		baseURL:     defaultOpenAIBaseURL,
		apiKey:      apiKey,
		model:       model,
		maxTokens:   defaultMaxTokens,
		temperature: defaultTemperature,
		client:      httpclient.New(httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAIProvider) ModelName() string { return p.model }

// Wire types.

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string            `json:"type"`
	Function openAIFunctionDef `json:"function"`
}

type openAIFunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	Tools          []openAITool          `json:"tools,omitempty"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	Temperature    float64               `json:"temperature"`
	Stream         bool                  `json:"stream,omitempty"`
	StreamOptions  *openAIStreamOptions  `json:"stream_options,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage openAIUsage `json:"usage"`
}

type openAIStreamEvent struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

func (p *OpenAIProvider) convertMessages(messages []*protocol.Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(messages))
	for _, m := range messages {
		msg := openAIMessage{Role: string(m.Role), Content: m.Content}
		if m.Role == protocol.RoleTool {
			msg.ToolCallID = m.ToolCallID
		}
		for _, call := range m.ToolCalls {
			args, _ := json.Marshal(call.Args)
			msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
				ID:   call.ID,
				Type: "function",
				Function: openAIFunction{
					Name:      call.Name,
					Arguments: string(args),
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func (p *OpenAIProvider) convertTools(tools []ToolDefinition) []openAITool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openAITool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openAITool{
			Type: "function",
			Function: openAIFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func (p *OpenAIProvider) post(ctx context.Context, reqBody openAIRequest) (*http.Response, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, newProviderError(p.name, "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, newProviderError(p.name, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, newProviderError(p.name, "request failed", err)
	}
	return resp, nil
}

func (p *OpenAIProvider) Generate(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (string, []*protocol.ToolCall, int, error) {
	resp, err := p.post(ctx, openAIRequest{
		Model:       p.model,
		Messages:    p.convertMessages(messages),
		Tools:       p.convertTools(tools),
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	})
	if err != nil {
		return "", nil, 0, err
	}
	defer resp.Body.Close()

	var parsed openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", nil, 0, newProviderError(p.name, "failed to decode response", err)
	}
	if len(parsed.Choices) == 0 {
		return "", nil, 0, newProviderError(p.name, "response contained no choices", nil)
	}

	choice := parsed.Choices[0]
	calls := make([]*protocol.ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		calls = append(calls, decodeOpenAIToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}

	return choice.Message.Content, calls, parsed.Usage.TotalTokens, nil
}

func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	resp, err := p.post(ctx, openAIRequest{
		Model:         p.model,
		Messages:      p.convertMessages(messages),
		Tools:         p.convertTools(tools),
		MaxTokens:     p.maxTokens,
		Temperature:   p.temperature,
		Stream:        true,
		StreamOptions: &openAIStreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		// Partial tool calls are accumulated by stream index until [DONE].
		type partialCall struct {
			id   string
			name string
			args strings.Builder
		}
		partials := map[int]*partialCall{}
		maxIndex := -1
		tokens := 0

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				break
			}

			var event openAIStreamEvent
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				continue
			}
			if event.Usage != nil {
				tokens = event.Usage.TotalTokens
			}
			if len(event.Choices) == 0 {
				continue
			}

			delta := event.Choices[0].Delta
			if delta.Content != "" {
				select {
				case out <- StreamChunk{Type: ChunkText, Text: delta.Content}:
				case <-ctx.Done():
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				partial, ok := partials[tc.Index]
				if !ok {
					partial = &partialCall{}
					partials[tc.Index] = partial
					if tc.Index > maxIndex {
						maxIndex = tc.Index
					}
				}
				if tc.ID != "" {
					partial.id = tc.ID
				}
				if tc.Function.Name != "" {
					partial.name = tc.Function.Name
				}
				partial.args.WriteString(tc.Function.Arguments)
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case out <- StreamChunk{Type: ChunkError, Err: newProviderError(p.name, "stream read failed", err)}:
			case <-ctx.Done():
			}
			return
		}

		for i := 0; i <= maxIndex; i++ {
			partial, ok := partials[i]
			if !ok {
				continue
			}
			call := decodeOpenAIToolCall(partial.id, partial.name, partial.args.String())
			select {
			case out <- StreamChunk{Type: ChunkToolCall, ToolCall: call}:
			case <-ctx.Done():
				return
			}
		}

		select {
		case out <- StreamChunk{Type: ChunkDone, Tokens: tokens}:
		case <-ctx.Done():
		}
	}()

	return out, nil
}

func (p *OpenAIProvider) GenerateStructured(ctx context.Context, messages []*protocol.Message, req StructuredRequest) (string, error) {
	// json_object mode works on both OpenAI and DeepSeek; the schema rides
	// in an extra system message since DeepSeek lacks json_schema mode.
	schema, _ := json.Marshal(req.Schema)
	augmented := append([]*protocol.Message{
		protocol.System(fmt.Sprintf(
			"Respond with a single JSON object named %q conforming to this JSON Schema:\n%s",
			req.Name, schema)),
	}, messages...)

	resp, err := p.post(ctx, openAIRequest{
		Model:          p.model,
		Messages:       p.convertMessages(augmented),
		MaxTokens:      p.maxTokens,
		Temperature:    p.temperature,
		ResponseFormat: &openAIResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", newProviderError(p.name, "failed to decode response", err)
	}
	if len(parsed.Choices) == 0 {
		return "", newProviderError(p.name, "response contained no choices", nil)
	}
	return parsed.Choices[0].Message.Content, nil
}

// decodeOpenAIToolCall parses a tool call's JSON argument string. Invalid
// argument JSON yields a call with nil args so the tool layer can reject it
// with a useful message instead of the provider dropping the call.
func decodeOpenAIToolCall(id, name, args string) *protocol.ToolCall {
	if id == "" {
		id = protocol.NewToolCallID()
	}
	call := &protocol.ToolCall{ID: id, Name: name}
	if args != "" {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(args), &parsed); err == nil {
			call.Args = parsed
		}
	}
	return call
}
