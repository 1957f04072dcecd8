package llms

import (
	"errors"
	"fmt"
	"os"
)

// ErrUnknownModel is returned when a request names an alias the catalog
// does not carry. Handlers map it to a MODEL_UNKNOWN error response.
var ErrUnknownModel = errors.New("unknown model alias")

// ModelSpec binds a public model alias to a provider backend.
type ModelSpec struct {
	Alias       string `json:"alias"`
	Provider    string `json:"provider"`
	ModelID     string `json:"model_id"`
	Description string `json:"description"`
	EnvKey      string `json:"-"`
}

// catalog lists every alias the service accepts, in the order they are
// reported by the models endpoints.
var catalog = []ModelSpec{
	{Alias: "gpt-4o", Provider: "openai", ModelID: "gpt-4o", Description: "OpenAI GPT-4o", EnvKey: "OPENAI_API_KEY"},
	{Alias: "gpt-4o-mini", Provider: "openai", ModelID: "gpt-4o-mini", Description: "OpenAI GPT-4o mini", EnvKey: "OPENAI_API_KEY"},
	{Alias: "o3-mini", Provider: "openai", ModelID: "o3-mini", Description: "OpenAI o3-mini reasoning", EnvKey: "OPENAI_API_KEY"},
	{Alias: "claude-sonnet", Provider: "anthropic", ModelID: "claude-sonnet-4-20250514", Description: "Anthropic Claude Sonnet 4", EnvKey: "ANTHROPIC_API_KEY"},
	{Alias: "claude-haiku", Provider: "anthropic", ModelID: "claude-3-5-haiku-20241022", Description: "Anthropic Claude 3.5 Haiku", EnvKey: "ANTHROPIC_API_KEY"},
	{Alias: "gemini-flash", Provider: "gemini", ModelID: "gemini-2.0-flash", Description: "Google Gemini 2.0 Flash", EnvKey: "GOOGLE_API_KEY"},
	{Alias: "gemini-pro", Provider: "gemini", ModelID: "gemini-1.5-pro", Description: "Google Gemini 1.5 Pro", EnvKey: "GOOGLE_API_KEY"},
	{Alias: "deepseek-chat", Provider: "deepseek", ModelID: "deepseek-chat", Description: "DeepSeek V3 chat", EnvKey: "DEEPSEEK_API_KEY"},
	{Alias: "deepseek-reasoner", Provider: "deepseek", ModelID: "deepseek-reasoner", Description: "DeepSeek R1 reasoning", EnvKey: "DEEPSEEK_API_KEY"},
}

// Resolve maps an alias to its catalog entry. The error wraps
// ErrUnknownModel so callers can classify it.
func Resolve(alias string) (ModelSpec, error) {
	for _, spec := range catalog {
		if spec.Alias == alias {
			return spec, nil
		}
	}
	return ModelSpec{}, fmt.Errorf("%w: %q", ErrUnknownModel, alias)
}

// Catalog returns all known model specs.
func Catalog() []ModelSpec {
	out := make([]ModelSpec, len(catalog))
	copy(out, catalog)
	return out
}

// Available returns the specs whose provider credentials are present in the
// environment. This is what the models endpoints report.
func Available() []ModelSpec {
	var out []ModelSpec
	for _, spec := range catalog {
		if os.Getenv(spec.EnvKey) != "" {
			out = append(out, spec)
		}
	}
	return out
}
