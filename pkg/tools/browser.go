package tools

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/finscope/finscope/pkg/config"
)

const browsePageName = "browse_page"

// BrowserTool drives JavaScript-heavy pages in headless Chrome: navigate,
// click, fill, and extract visible text. Each call runs in its own browser
// context so a hung page cannot poison later calls.
type BrowserTool struct {
	execPath         string
	navTimeout       time.Duration
	maxChars         int
	allowCrossOrigin bool
}

func NewBrowserTool(cfg config.BrowserConfig) *BrowserTool {
	return &BrowserTool{
		execPath:         cfg.ExecPath,
		navTimeout:       cfg.NavTimeout,
		maxChars:         maxFetchTextChars,
		allowCrossOrigin: cfg.AllowCrossOrigin,
	}
}

func (t *BrowserTool) Name() string { return browsePageName }

func (t *BrowserTool) Description() string {
	return "Render a web page in a headless browser and return its visible text. " +
		"Optional actions click elements, fill inputs, and extract specific selectors. " +
		"Use only for pages that require JavaScript; prefer fetch_url otherwise."
}

func (t *BrowserTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Absolute http(s) URL to render",
			},
			"actions": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"type": map[string]any{
							"type": "string",
							"enum": []string{"navigate", "click", "fill", "extract"},
						},
						"selector": map[string]any{
							"type":        "string",
							"description": "CSS selector for click, fill, and extract",
						},
						"value": map[string]any{
							"type":        "string",
							"description": "Text to type for fill",
						},
						"url": map[string]any{
							"type":        "string",
							"description": "Target for navigate; must stay on the same host",
						},
					},
					"required": []string{"type"},
				},
				"description": "Steps to run after the initial load; omit to just read the page text",
			},
		},
		"required": []string{"url"},
	}
}

// browseAction is one step of a browsing script.
type browseAction struct {
	Type     string
	Selector string
	Value    string
	URL      string
}

// parseActions validates the actions argument. An absent argument means a
// plain text read.
func parseActions(args map[string]any) ([]browseAction, error) {
	raw, present := args["actions"]
	if !present {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("actions must be an array")
	}

	actions := make([]browseAction, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("actions[%d] must be an object", i)
		}
		var a browseAction
		a.Type, _ = stringArg(obj, "type")
		a.Selector, _ = stringArg(obj, "selector")
		a.Value, _ = stringArg(obj, "value")
		a.URL, _ = stringArg(obj, "url")

		switch a.Type {
		case "navigate":
			if a.URL == "" {
				return nil, fmt.Errorf("actions[%d]: navigate requires url", i)
			}
		case "click", "extract":
			if a.Selector == "" {
				return nil, fmt.Errorf("actions[%d]: %s requires selector", i, a.Type)
			}
		case "fill":
			if a.Selector == "" || a.Value == "" {
				return nil, fmt.Errorf("actions[%d]: fill requires selector and value", i)
			}
		default:
			return nil, fmt.Errorf("actions[%d]: unknown action type %q", i, a.Type)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// checkOrigin enforces the same-host restriction for a navigation target.
// The error comes back before any navigation happens.
func checkOrigin(originHost, rawURL string, allowCrossOrigin bool) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid URL %q", rawURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if !allowCrossOrigin && originHost != "" && !strings.EqualFold(parsed.Host, originHost) {
		return nil, fmt.Errorf("navigation to %s blocked: session is restricted to %s",
			parsed.Host, originHost)
	}
	return parsed, nil
}

// browseSession is one scoped page. It tracks the origin host of the first
// navigation so later navigate actions cannot leave the site.
type browseSession struct {
	ctx              context.Context
	originHost       string
	allowCrossOrigin bool
}

func (s *browseSession) navigate(rawURL string) error {
	parsed, err := checkOrigin(s.originHost, rawURL, s.allowCrossOrigin)
	if err != nil {
		return err
	}
	if err := chromedp.Run(s.ctx,
		chromedp.Navigate(parsed.String()),
		chromedp.WaitReady("body"),
	); err != nil {
		return fmt.Errorf("failed to render %s: %w", parsed.Host, err)
	}
	if s.originHost == "" {
		s.originHost = parsed.Host
	}
	return nil
}

func (s *browseSession) click(selector string) error {
	return chromedp.Run(s.ctx, chromedp.Click(selector, chromedp.ByQuery))
}

func (s *browseSession) fill(selector, value string) error {
	return chromedp.Run(s.ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (s *browseSession) extract(selector string) (string, error) {
	var text string
	if err := chromedp.Run(s.ctx, chromedp.Text(selector, &text, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return text, nil
}

// withBrowser acquires a headless page, runs body, and releases the page
// and its parent process no matter how body exits.
func (t *BrowserTool) withBrowser(ctx context.Context, body func(*browseSession) error) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
	)
	if t.execPath != "" {
		opts = append(opts, chromedp.ExecPath(t.execPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	runCtx, runCancel := context.WithTimeout(taskCtx, t.navTimeout)
	defer runCancel()

	return body(&browseSession{ctx: runCtx, allowCrossOrigin: t.allowCrossOrigin})
}

func (t *BrowserTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	rawURL, ok := stringArg(args, "url")
	if !ok || rawURL == "" {
		return "", rejectInput(browsePageName, "missing url argument")
	}
	if _, err := checkOrigin("", rawURL, t.allowCrossOrigin); err != nil {
		return "", rejectInput(browsePageName, "%v", err)
	}
	actions, err := parseActions(args)
	if err != nil {
		return "", rejectInput(browsePageName, "%v", err)
	}

	var extracted []string
	err = t.withBrowser(ctx, func(s *browseSession) error {
		if err := s.navigate(rawURL); err != nil {
			return err
		}
		for _, a := range actions {
			var err error
			switch a.Type {
			case "navigate":
				err = s.navigate(a.URL)
			case "click":
				err = s.click(a.Selector)
			case "fill":
				err = s.fill(a.Selector, a.Value)
			case "extract":
				var text string
				if text, err = s.extract(a.Selector); err == nil {
					extracted = append(extracted, text)
				}
			}
			if err != nil {
				return err
			}
		}
		// No explicit extract means the whole visible page.
		if len(extracted) == 0 {
			text, err := s.extract("body")
			if err != nil {
				return err
			}
			extracted = append(extracted, text)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", browsePageName, err)
	}

	text := strings.Join(extracted, "\n\n")
	if len(text) > t.maxChars {
		text = text[:t.maxChars] + "\n[content truncated]"
	}
	return text, nil
}
