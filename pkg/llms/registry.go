package llms

import (
	"fmt"
	"sync"

	"github.com/finscope/finscope/pkg/config"
	"github.com/finscope/finscope/pkg/registry"
)

// Factory builds a provider from a catalog entry and its API key.
type Factory func(spec ModelSpec, apiKey string) (Provider, error)

// Registry lazily constructs and caches one provider per model alias.
type Registry struct {
	registry.BaseRegistry[Provider]

	mu      sync.Mutex
	factory Factory
}

func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: *registry.NewBaseRegistry[Provider](),
		factory:      defaultFactory,
	}
}

// NewRegistryWithFactory is used by tests to substitute fake providers.
func NewRegistryWithFactory(factory Factory) *Registry {
	return &Registry{
		BaseRegistry: *registry.NewBaseRegistry[Provider](),
		factory:      factory,
	}
}

// ForAlias resolves an alias through the catalog and returns a cached or
// newly constructed provider for it.
func (r *Registry) ForAlias(alias string) (Provider, error) {
	if provider, ok := r.Get(alias); ok {
		return provider, nil
	}

	spec, err := Resolve(alias)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check under the construction lock.
	if provider, ok := r.Get(alias); ok {
		return provider, nil
	}

	apiKey := config.ProviderAPIKey(spec.Provider)
	if apiKey == "" {
		return nil, newProviderError(spec.Provider,
			fmt.Sprintf("no API key configured (set %s)", spec.EnvKey), nil)
	}

	provider, err := r.factory(spec, apiKey)
	if err != nil {
		return nil, err
	}

	if err := r.Register(alias, provider); err != nil {
		return nil, err
	}
	return provider, nil
}

func defaultFactory(spec ModelSpec, apiKey string) (Provider, error) {
	switch spec.Provider {
	case "openai":
		return NewOpenAI(apiKey, spec.ModelID), nil
	case "anthropic":
		return NewAnthropic(apiKey, spec.ModelID), nil
	case "gemini":
		return NewGemini(apiKey, spec.ModelID), nil
	case "deepseek":
		return NewDeepSeek(apiKey, spec.ModelID), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", spec.Provider)
	}
}
