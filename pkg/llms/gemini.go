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

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiProvider speaks the Google Generative Language API.
type GeminiProvider struct {
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	client      *httpclient.Client
}

type GeminiOption func(*GeminiProvider)

func WithGeminiBaseURL(url string) GeminiOption {
	return func(p *GeminiProvider) { p.baseURL = strings.TrimRight(url, "/") }
}

func WithGeminiHTTPClient(c *httpclient.Client) GeminiOption {
	return func(p *GeminiProvider) { p.client = c }
}

func NewGemini(apiKey, model string, opts ...GeminiOption) *GeminiProvider {
	p := &GeminiProvider{
		baseURL:     defaultGeminiBaseURL,
		apiKey:      apiKey,
		model:       model,
		maxTokens:   defaultMaxTokens,
		temperature: defaultTemperature,
		client:      httpclient.New(httpclient.WithHeaderParser(httpclient.ParseGeminiHeaders)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *GeminiProvider) ModelName() string { return p.model }

// Wire types.

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResp `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiGenerationConfig struct {
	Temperature      float64        `json:"temperature"`
	MaxOutputTokens  int            `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"system_instruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	Tools             []geminiTool           `json:"tools,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (p *GeminiProvider) convertMessages(messages []*protocol.Message) (*geminiContent, []geminiContent) {
	var system *geminiContent
	var contents []geminiContent

	for _, m := range messages {
		switch m.Role {
		case protocol.RoleSystem:
			if system == nil {
				system = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
			} else {
				system.Parts = append(system.Parts, geminiPart{Text: m.Content})
			}

		case protocol.RoleUser:
			contents = append(contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: m.Content}},
			})

		case protocol.RoleAssistant:
			var parts []geminiPart
			if m.Content != "" {
				parts = append(parts, geminiPart{Text: m.Content})
			}
			for _, call := range m.ToolCalls {
				args := call.Args
				if args == nil {
					args = map[string]any{}
				}
				parts = append(parts, geminiPart{
					FunctionCall: &geminiFunctionCall{Name: call.Name, Args: args},
				})
			}
			contents = append(contents, geminiContent{Role: "model", Parts: parts})

		case protocol.RoleTool:
			contents = append(contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFunctionResp{
						Name:     m.ToolName,
						Response: map[string]any{"result": m.Content},
					},
				}},
			})
		}
	}

	return system, contents
}

func (p *GeminiProvider) convertTools(tools []ToolDefinition) []geminiTool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]geminiFunctionDecl, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, geminiFunctionDecl{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return []geminiTool{{FunctionDeclarations: decls}}
}

func (p *GeminiProvider) post(ctx context.Context, method string, reqBody geminiRequest) (*http.Response, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, newProviderError("gemini", "failed to marshal request", err)
	}

	url := fmt.Sprintf("%s/models/%s:%s", p.baseURL, p.model, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, newProviderError("gemini", "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", p.apiKey)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, newProviderError("gemini", "request failed", err)
	}
	return resp, nil
}

func (p *GeminiProvider) Generate(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (string, []*protocol.ToolCall, int, error) {
	system, contents := p.convertMessages(messages)
	resp, err := p.post(ctx, "generateContent", geminiRequest{
		SystemInstruction: system,
		Contents:          contents,
		Tools:             p.convertTools(tools),
		GenerationConfig: geminiGenerationConfig{
			Temperature:     p.temperature,
			MaxOutputTokens: p.maxTokens,
		},
	})
	if err != nil {
		return "", nil, 0, err
	}
	defer resp.Body.Close()

	var parsed geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", nil, 0, newProviderError("gemini", "failed to decode response", err)
	}
	if len(parsed.Candidates) == 0 {
		return "", nil, 0, newProviderError("gemini", "response contained no candidates", nil)
	}

	var text strings.Builder
	var calls []*protocol.ToolCall
	for _, part := range parsed.Candidates[0].Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			// Gemini does not assign call IDs.
			calls = append(calls, &protocol.ToolCall{
				ID:   protocol.NewToolCallID(),
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			})
		}
	}

	return text.String(), calls, parsed.UsageMetadata.TotalTokenCount, nil
}

func (p *GeminiProvider) GenerateStreaming(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	system, contents := p.convertMessages(messages)
	resp, err := p.post(ctx, "streamGenerateContent?alt=sse", geminiRequest{
		SystemInstruction: system,
		Contents:          contents,
		Tools:             p.convertTools(tools),
		GenerationConfig: geminiGenerationConfig{
			Temperature:     p.temperature,
			MaxOutputTokens: p.maxTokens,
		},
	})
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		tokens := 0
		var pendingCalls []*protocol.ToolCall

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

			var event geminiResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}
			if event.UsageMetadata.TotalTokenCount > 0 {
				tokens = event.UsageMetadata.TotalTokenCount
			}
			if len(event.Candidates) == 0 {
				continue
			}

			for _, part := range event.Candidates[0].Content.Parts {
				if part.Text != "" && !emit(StreamChunk{Type: ChunkText, Text: part.Text}) {
					return
				}
				if part.FunctionCall != nil {
					pendingCalls = append(pendingCalls, &protocol.ToolCall{
						ID:   protocol.NewToolCallID(),
						Name: part.FunctionCall.Name,
						Args: part.FunctionCall.Args,
					})
				}
			}
		}

		if err := scanner.Err(); err != nil {
			emit(StreamChunk{Type: ChunkError, Err: newProviderError("gemini", "stream read failed", err)})
			return
		}

		for _, call := range pendingCalls {
			if !emit(StreamChunk{Type: ChunkToolCall, ToolCall: call}) {
				return
			}
		}
		emit(StreamChunk{Type: ChunkDone, Tokens: tokens})
	}()

	return out, nil
}

func (p *GeminiProvider) GenerateStructured(ctx context.Context, messages []*protocol.Message, req StructuredRequest) (string, error) {
	system, contents := p.convertMessages(messages)
	resp, err := p.post(ctx, "generateContent", geminiRequest{
		SystemInstruction: system,
		Contents:          contents,
		GenerationConfig: geminiGenerationConfig{
			Temperature:      p.temperature,
			MaxOutputTokens:  p.maxTokens,
			ResponseMimeType: "application/json",
			ResponseSchema:   req.Schema,
		},
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", newProviderError("gemini", "failed to decode response", err)
	}
	if len(parsed.Candidates) == 0 {
		return "", newProviderError("gemini", "response contained no candidates", nil)
	}

	var text strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return text.String(), nil
}
