package tools

import (
	"context"
	"encoding/json"

	"github.com/finscope/finscope/pkg/guards"
)

// CachedTool wraps a tool with a bounded TTL cache. Identical invocations
// within the TTL reuse the previous output, which keeps repeated search and
// fetch calls from re-hitting upstream during one research run.
type CachedTool struct {
	inner Tool
	cache *guards.BoundedCache
}

func NewCachedTool(inner Tool, cache *guards.BoundedCache) *CachedTool {
	return &CachedTool{inner: inner, cache: cache}
}

func (t *CachedTool) Name() string               { return t.inner.Name() }
func (t *CachedTool) Description() string        { return t.inner.Description() }
func (t *CachedTool) Parameters() map[string]any { return t.inner.Parameters() }

func (t *CachedTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	key := t.cacheKey(args)
	if key != "" {
		if cached, ok := t.cache.Get(key); ok {
			return cached, nil
		}
	}

	out, err := t.inner.Execute(ctx, args)
	if err == nil && out != "" && key != "" {
		t.cache.Set(key, out)
	}
	return out, err
}

// cacheKey is the tool name plus the canonical JSON of the arguments.
// Map keys marshal in sorted order, so equal argument sets always produce
// the same key.
func (t *CachedTool) cacheKey(args map[string]any) string {
	encoded, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return t.inner.Name() + "\x00" + string(encoded)
}
