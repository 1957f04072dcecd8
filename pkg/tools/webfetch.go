package tools

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/finscope/finscope/pkg/httpclient"
)

const (
	fetchURLName         = "fetch_url"
	maxFetchResponseSize = 2 << 20 // 2 MiB of raw body
	maxFetchTextChars    = 20_000
	fetchUserAgent       = "finscope/1.0 (+https://github.com/finscope/finscope)"
)

var (
	scriptBlockPattern = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	tagPattern         = regexp.MustCompile(`<[^>]*>`)
	blankLinePattern   = regexp.MustCompile(`\n{3,}`)
	spaceRunPattern    = regexp.MustCompile(`[ \t]{2,}`)
)

// FetchURLTool retrieves a web page and returns its readable text. Bodies
// are size-capped before and after HTML stripping so a single fetch cannot
// blow the artifact budget.
type FetchURLTool struct {
	client   *httpclient.Client
	maxChars int
}

type FetchOption func(*FetchURLTool)

func WithFetchMaxChars(n int) FetchOption {
	return func(t *FetchURLTool) { t.maxChars = n }
}

func WithFetchHTTPClient(c *httpclient.Client) FetchOption {
	return func(t *FetchURLTool) { t.client = c }
}

func NewFetchURLTool(opts ...FetchOption) *FetchURLTool {
	t := &FetchURLTool{
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 20 * time.Second}),
			httpclient.WithMaxRetries(1),
		),
		maxChars: maxFetchTextChars,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *FetchURLTool) Name() string { return fetchURLName }

func (t *FetchURLTool) Description() string {
	return "Fetch a web page by URL and return its readable text content."
}

func (t *FetchURLTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Absolute http(s) URL to fetch",
			},
		},
		"required": []string{"url"},
	}
}

func (t *FetchURLTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	rawURL, ok := stringArg(args, "url")
	if !ok || rawURL == "" {
		return "", rejectInput(fetchURLName, "missing url argument")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return "", rejectInput(fetchURLName, "invalid URL %q", rawURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", rejectInput(fetchURLName, "unsupported scheme %q", parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", fmt.Errorf("%s: failed to create request: %w", fetchURLName, err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain,application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: request failed: %w", fetchURLName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchResponseSize))
	if err != nil {
		return "", fmt.Errorf("%s: failed to read response: %w", fetchURLName, err)
	}

	text := string(body)
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "html") || looksLikeHTML(text) {
		text = StripHTML(text)
	}
	if len(text) > t.maxChars {
		text = text[:t.maxChars] + "\n[content truncated]"
	}
	return text, nil
}

func looksLikeHTML(body string) bool {
	head := strings.ToLower(body[:min(len(body), 512)])
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

// StripHTML reduces an HTML document to whitespace-normalized text.
func StripHTML(doc string) string {
	doc = scriptBlockPattern.ReplaceAllString(doc, " ")
	doc = tagPattern.ReplaceAllString(doc, " ")
	doc = html.UnescapeString(doc)

	doc = spaceRunPattern.ReplaceAllString(doc, " ")
	lines := strings.Split(doc, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	doc = strings.Join(lines, "\n")
	doc = blankLinePattern.ReplaceAllString(doc, "\n\n")
	return strings.TrimSpace(doc)
}
