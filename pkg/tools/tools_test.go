package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finscope/finscope/pkg/config"
)

type staticTool struct {
	name string
}

func (t *staticTool) Name() string               { return t.name }
func (t *staticTool) Description() string        { return "static test tool" }
func (t *staticTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (t *staticTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return "ok", nil
}

func TestRegistry_ListByNames(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterTool(&staticTool{name: "stock_price"}))
	require.NoError(t, reg.RegisterTool(&staticTool{name: "calculator"}))
	require.NoError(t, reg.RegisterTool(&staticTool{name: "web_search"}))

	selected, err := reg.ListByNames([]string{"web_search", "calculator"})
	require.NoError(t, err)
	require.Len(t, selected, 2)
	assert.Equal(t, "web_search", selected[0].Name())
	assert.Equal(t, "calculator", selected[1].Name())

	all, err := reg.ListByNames([]string{AllTools})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = reg.ListByNames([]string{"nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown tool "nope"`)
}

func TestRegistry_DefinitionsByNames(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterTool(NewCalculatorTool()))

	defs, err := reg.DefinitionsByNames([]string{"calculator"})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "calculator", defs[0].Name)
	assert.NotEmpty(t, defs[0].Description)
	assert.Equal(t, "object", defs[0].Parameters["type"])
}

func TestWebSearchTool_Execute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-API-KEY"))

		var req serperRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nvidia earnings", req.Query)

		fmt.Fprint(w, `{"organic": [
			{"title": "NVIDIA Q2 results", "link": "https://example.com/nvda", "snippet": "Revenue rose."},
			{"title": "Analysis", "link": "https://example.com/a", "snippet": "Margins expanded."}
		]}`)
	}))
	defer srv.Close()

	client := NewSearchClient(config.SearchConfig{
		Endpoint:   srv.URL,
		APIKey:     "test-key",
		MaxResults: 10,
		Timeout:    5 * time.Second,
	})
	tool := NewWebSearchTool(client)

	out, err := tool.Execute(context.Background(), map[string]any{"query": "nvidia earnings"})
	require.NoError(t, err)

	assert.Contains(t, out, "[1] NVIDIA Q2 results")
	assert.Contains(t, out, "https://example.com/nvda")
	assert.Contains(t, out, "[2] Analysis")
}

func TestSearchClient_Unconfigured(t *testing.T) {
	client := NewSearchClient(config.SearchConfig{Endpoint: "https://x", Timeout: time.Second, MaxResults: 5})

	_, err := client.Search(context.Background(), "anything", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SEARCH_API_KEY")
}

func TestFetchURLTool_StripsHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<!doctype html><html><head><title>T</title>
			<script>var x = "ignore me";</script>
			<style>.a { color: red }</style></head>
			<body><h1>Fed holds rates</h1><p>The committee &amp; staff agreed.</p></body></html>`)
	}))
	defer srv.Close()

	tool := NewFetchURLTool()
	out, err := tool.Execute(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err)

	assert.Contains(t, out, "Fed holds rates")
	assert.Contains(t, out, "The committee & staff agreed.")
	assert.NotContains(t, out, "ignore me")
	assert.NotContains(t, out, "color: red")
	assert.NotContains(t, out, "<h1>")
}

func TestFetchURLTool_RejectsBadURLs(t *testing.T) {
	tool := NewFetchURLTool()

	for _, raw := range []string{"", "ftp://example.com/x", "file:///etc/passwd", "not a url"} {
		_, err := tool.Execute(context.Background(), map[string]any{"url": raw})
		require.Error(t, err, raw)
	}
}

func TestFetchURLTool_TruncatesLongBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		for i := 0; i < 2000; i++ {
			fmt.Fprint(w, "0123456789")
		}
	}))
	defer srv.Close()

	tool := NewFetchURLTool(WithFetchMaxChars(100))
	out, err := tool.Execute(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err)

	assert.LessOrEqual(t, len(out), 100+len("\n[content truncated]"))
	assert.Contains(t, out, "[content truncated]")
}
