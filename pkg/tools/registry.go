package tools

import (
	"fmt"
	"log/slog"

	"github.com/finscope/finscope/pkg/llms"
	"github.com/finscope/finscope/pkg/registry"
)

// AllTools is the skill tool-list sentinel meaning "every registered tool".
const AllTools = "ALL"

// Registry holds every tool available to the service, in registration
// order. Skills select subsets by name.
type Registry struct {
	registry.BaseRegistry[Tool]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: *registry.NewBaseRegistry[Tool]()}
}

func (r *Registry) RegisterTool(t Tool) error {
	if err := r.Register(t.Name(), t); err != nil {
		return err
	}
	slog.Debug("Registered tool", "tool", t.Name())
	return nil
}

// ListByNames resolves a skill's tool list. The single element AllTools
// selects every registered tool; unknown names are an error so a
// misconfigured skill fails loudly instead of silently losing tools.
func (r *Registry) ListByNames(names []string) ([]Tool, error) {
	if len(names) == 1 && names[0] == AllTools {
		return r.List(), nil
	}

	out := make([]Tool, 0, len(names))
	for _, name := range names {
		t, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", name)
		}
		out = append(out, t)
	}
	return out, nil
}

// ListAvailable resolves a skill's tool list, dropping names that are not
// registered. Skills may reference market-data tools that only exist when
// the corresponding MCP server is configured.
func (r *Registry) ListAvailable(names []string) []Tool {
	if len(names) == 1 && names[0] == AllTools {
		return r.List()
	}

	out := make([]Tool, 0, len(names))
	for _, name := range names {
		t, ok := r.Get(name)
		if !ok {
			slog.Debug("Skipping unavailable tool", "tool", name)
			continue
		}
		out = append(out, t)
	}
	return out
}

// DefinitionsByNames is ListByNames projected onto provider schemas.
func (r *Registry) DefinitionsByNames(names []string) ([]llms.ToolDefinition, error) {
	selected, err := r.ListByNames(names)
	if err != nil {
		return nil, err
	}
	defs := make([]llms.ToolDefinition, 0, len(selected))
	for _, t := range selected {
		defs = append(defs, Definition(t))
	}
	return defs, nil
}
