package llms

import "github.com/finscope/finscope/pkg/httpclient"

const defaultDeepSeekBaseURL = "https://api.deepseek.com"

// NewDeepSeek returns a provider for the DeepSeek API, which is wire
// compatible with OpenAI chat completions. Reasoning deltas from
// deepseek-reasoner are dropped; only answer content is surfaced.
func NewDeepSeek(apiKey, model string, opts ...OpenAIOption) *OpenAIProvider {
	base := []OpenAIOption{
		WithOpenAIBaseURL(defaultDeepSeekBaseURL),
		WithOpenAIHTTPClient(httpclient.New(
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders))),
	}
	p := NewOpenAI(apiKey, model, append(base, opts...)...)
	p.name = "deepseek"
	return p
}
