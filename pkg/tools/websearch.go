package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/finscope/finscope/pkg/config"
	"github.com/finscope/finscope/pkg/httpclient"
)

const webSearchName = "web_search"

// SearchResult is one organic hit from the search API.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchClient talks to a Serper-compatible web search API. It is shared by
// the web_search tool and the research engine, which records result URLs as
// session sources.
type SearchClient struct {
	endpoint   string
	apiKey     string
	maxResults int
	client     *httpclient.Client
}

func NewSearchClient(cfg config.SearchConfig) *SearchClient {
	return &SearchClient{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		maxResults: cfg.MaxResults,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(2),
			httpclient.WithBaseDelay(time.Second),
		),
	}
}

func (c *SearchClient) Configured() bool { return c.apiKey != "" }

type serperRequest struct {
	Query string `json:"q"`
	Num   int    `json:"num,omitempty"`
}

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

func (c *SearchClient) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("web search: no API key configured (set SEARCH_API_KEY)")
	}
	if limit <= 0 || limit > c.maxResults {
		limit = c.maxResults
	}

	body, err := json.Marshal(serperRequest{Query: query, Num: limit})
	if err != nil {
		return nil, fmt.Errorf("web search: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("web search: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.apiKey)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web search: request failed: %w", err)
	}
	defer resp.Body.Close()

	var parsed serperResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("web search: failed to decode response: %w", err)
	}

	results := make([]SearchResult, 0, len(parsed.Organic))
	for _, hit := range parsed.Organic {
		results = append(results, SearchResult{
			Title:   hit.Title,
			URL:     hit.Link,
			Snippet: hit.Snippet,
		})
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// WebSearchTool exposes SearchClient to the model.
type WebSearchTool struct {
	client *SearchClient
}

func NewWebSearchTool(client *SearchClient) *WebSearchTool {
	return &WebSearchTool{client: client}
}

func (t *WebSearchTool) Name() string { return webSearchName }

func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Returns titles, URLs, and snippets of the top results."
}

func (t *WebSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query",
			},
			"num_results": map[string]any{
				"type":        "integer",
				"description": "Number of results to return (default 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query, ok := stringArg(args, "query")
	if !ok || strings.TrimSpace(query) == "" {
		return "", rejectInput(webSearchName, "missing query argument")
	}
	limit := intArg(args, "num_results", 5)

	results, err := t.client.Search(ctx, query, limit)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No results found.", nil
	}

	return FormatSearchResults(results), nil
}

// FormatSearchResults renders results as the numbered list the prompts
// reference ("see result [2]").
func FormatSearchResults(results []SearchResult) string {
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return strings.TrimRight(b.String(), "\n")
}
