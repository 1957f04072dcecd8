package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/finscope/finscope/pkg/config"
	"github.com/finscope/finscope/pkg/httpclient"
)

const mcpProtocolVersion = "2024-11-05"

// MCPSource connects to one external MCP server and exposes its tools.
// Structured market-data tools (quotes, fundamentals, options chains,
// financial statements) arrive through here. Stdio servers use the mcp-go
// client; HTTP servers use JSON-RPC over the shared retrying httpclient.
type MCPSource struct {
	cfg config.MCPServerConfig

	mu         sync.Mutex
	stdio      *client.Client
	httpClient *httpclient.Client
	sessionID  string
	tools      []Tool
}

func NewMCPSource(cfg config.MCPServerConfig) *MCPSource {
	return &MCPSource{cfg: cfg}
}

func (s *MCPSource) Name() string { return s.cfg.Name }

// Connect initializes the server connection and discovers its tools.
func (s *MCPSource) Connect(ctx context.Context) error {
	if s.cfg.Transport == "stdio" || s.cfg.Command != "" {
		return s.connectStdio(ctx)
	}
	return s.connectHTTP(ctx)
}

// Tools returns the discovered tools. Connect must have succeeded.
func (s *MCPSource) Tools() []Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tools
}

// RegisterMCPSources connects each configured server and adds its tools to
// the registry.
// A server that fails to connect is logged and skipped so one broken
// market-data backend does not take the whole service down.
func RegisterMCPSources(ctx context.Context, reg *Registry, configs []config.MCPServerConfig) []*MCPSource {
	var sources []*MCPSource
	for _, cfg := range configs {
		source := NewMCPSource(cfg)
		if err := source.Connect(ctx); err != nil {
			slog.Warn("Skipping MCP server", "server", cfg.Name, "error", err)
			continue
		}
		for _, t := range source.Tools() {
			if err := reg.RegisterTool(t); err != nil {
				slog.Warn("Skipping MCP tool", "server", cfg.Name, "tool", t.Name(), "error", err)
			}
		}
		sources = append(sources, source)
	}
	return sources
}

func (s *MCPSource) connectStdio(ctx context.Context) error {
	stdio, err := client.NewStdioMCPClient(s.cfg.Command, nil, s.cfg.Args...)
	if err != nil {
		return fmt.Errorf("mcp %s: failed to create stdio client: %w", s.cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "finscope", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = mcpProtocolVersion

	if _, err := stdio.Initialize(ctx, initReq); err != nil {
		stdio.Close()
		return fmt.Errorf("mcp %s: initialize failed: %w", s.cfg.Name, err)
	}

	listResp, err := stdio.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		stdio.Close()
		return fmt.Errorf("mcp %s: tools/list failed: %w", s.cfg.Name, err)
	}

	var discovered []Tool
	for _, mcpTool := range listResp.Tools {
		discovered = append(discovered, &mcpRemoteTool{
			source: s,
			name:   mcpTool.Name,
			desc:   mcpTool.Description,
			schema: convertMCPSchema(mcpTool.InputSchema),
			stdio:  true,
		})
	}

	s.mu.Lock()
	s.stdio = stdio
	s.tools = discovered
	s.mu.Unlock()

	slog.Info("Connected to MCP server",
		"server", s.cfg.Name,
		"transport", "stdio",
		"tools", len(discovered))
	return nil
}

func (s *MCPSource) connectHTTP(ctx context.Context) error {
	s.httpClient = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(2),
		httpclient.WithBaseDelay(2*time.Second),
	)

	initResp, err := s.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo":      map[string]any{"name": "finscope", "version": "1.0.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("mcp %s: initialize failed: %w", s.cfg.Name, err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("mcp %s: initialize error: %s", s.cfg.Name, initResp.Error.Message)
	}

	listResp, err := s.rpc(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("mcp %s: tools/list failed: %w", s.cfg.Name, err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("mcp %s: tools/list error: %s", s.cfg.Name, listResp.Error.Message)
	}

	resultMap, ok := listResp.Result.(map[string]any)
	if !ok {
		return fmt.Errorf("mcp %s: unexpected tools/list result", s.cfg.Name)
	}
	rawTools, ok := resultMap["tools"].([]any)
	if !ok {
		return fmt.Errorf("mcp %s: tools missing from tools/list result", s.cfg.Name)
	}

	var discovered []Tool
	for _, raw := range rawTools {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := entry["description"].(string)
		schema, _ := entry["inputSchema"].(map[string]any)

		discovered = append(discovered, &mcpRemoteTool{
			source: s,
			name:   name,
			desc:   desc,
			schema: schema,
		})
	}

	s.mu.Lock()
	s.tools = discovered
	s.mu.Unlock()

	slog.Info("Connected to MCP server",
		"server", s.cfg.Name,
		"transport", "http",
		"url", s.cfg.URL,
		"tools", len(discovered))
	return nil
}

// Close shuts down a stdio server subprocess.
func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdio != nil {
		return s.stdio.Close()
	}
	return nil
}

// JSON-RPC plumbing for HTTP transports.

type mcpRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type mcpRPCResponse struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      int          `json:"id"`
	Result  any          `json:"result,omitempty"`
	Error   *mcpRPCError `json:"error,omitempty"`
}

type mcpRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *MCPSource) rpc(ctx context.Context, method string, params any) (*mcpRPCResponse, error) {
	body, err := json.Marshal(mcpRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	s.mu.Lock()
	if s.sessionID != "" {
		req.Header.Set("mcp-session-id", s.sessionID)
	}
	s.mu.Unlock()

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get("mcp-session-id"); sid != "" {
		s.mu.Lock()
		s.sessionID = sid
		s.mu.Unlock()
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readRPCFromSSE(resp.Body)
	}

	var parsed mcpRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &parsed, nil
}

// readRPCFromSSE returns the first complete JSON-RPC message from an SSE
// body, which is how streamable-http servers answer single requests.
func readRPCFromSSE(body io.Reader) (*mcpRPCResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	flush := func() (*mcpRPCResponse, bool) {
		if data.Len() == 0 {
			return nil, false
		}
		var parsed mcpRPCResponse
		if err := json.Unmarshal([]byte(data.String()), &parsed); err != nil {
			data.Reset()
			return nil, false
		}
		return &parsed, true
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if parsed, ok := flush(); ok {
				return parsed, nil
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if parsed, ok := flush(); ok {
		return parsed, nil
	}
	return nil, fmt.Errorf("SSE stream ended without a complete message")
}

// mcpRemoteTool adapts one discovered MCP tool to the Tool interface.
type mcpRemoteTool struct {
	source *MCPSource
	name   string
	desc   string
	schema map[string]any
	stdio  bool
}

func (t *mcpRemoteTool) Name() string        { return t.name }
func (t *mcpRemoteTool) Description() string { return t.desc }

func (t *mcpRemoteTool) Parameters() map[string]any {
	if t.schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return t.schema
}

func (t *mcpRemoteTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	if t.stdio {
		return t.executeStdio(ctx, args)
	}
	return t.executeHTTP(ctx, args)
}

func (t *mcpRemoteTool) executeStdio(ctx context.Context, args map[string]any) (string, error) {
	t.source.mu.Lock()
	stdio := t.source.stdio
	t.source.mu.Unlock()
	if stdio == nil {
		return "", fmt.Errorf("%s: MCP server not connected", t.name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = args

	resp, err := stdio.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s: MCP call failed: %w", t.name, err)
	}

	text := joinTextContent(resp.Content)
	if resp.IsError {
		if text == "" {
			text = "unknown error"
		}
		return "", fmt.Errorf("%s: %s", t.name, text)
	}
	return text, nil
}

func (t *mcpRemoteTool) executeHTTP(ctx context.Context, args map[string]any) (string, error) {
	resp, err := t.source.rpc(ctx, "tools/call", map[string]any{
		"name":      t.name,
		"arguments": args,
	})
	if err != nil {
		return "", fmt.Errorf("%s: MCP call failed: %w", t.name, err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("%s: %s", t.name, resp.Error.Message)
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		raw, _ := json.Marshal(resp.Result)
		return string(raw), nil
	}

	var texts []string
	if content, ok := resultMap["content"].([]any); ok {
		for _, c := range content {
			if block, ok := c.(map[string]any); ok {
				if text, ok := block["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
	}
	joined := strings.Join(texts, "\n")

	if isError, _ := resultMap["isError"].(bool); isError {
		if joined == "" {
			joined = "unknown error"
		}
		return "", fmt.Errorf("%s: %s", t.name, joined)
	}
	return joined, nil
}

func joinTextContent(content []mcp.Content) string {
	var texts []string
	for _, c := range content {
		if textContent, ok := c.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// convertMCPSchema flattens the typed schema into the plain map providers
// expect.
func convertMCPSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}
