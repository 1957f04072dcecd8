package tools

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finscope/finscope/pkg/guards"
)

type countingTool struct {
	calls int
	fail  bool
}

func (t *countingTool) Name() string               { return "counting" }
func (t *countingTool) Description() string        { return "counting tool" }
func (t *countingTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (t *countingTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	t.calls++
	if t.fail {
		return "", fmt.Errorf("boom")
	}
	return fmt.Sprintf("result %d", t.calls), nil
}

func TestCachedTool_ReusesOutput(t *testing.T) {
	inner := &countingTool{}
	cached := NewCachedTool(inner, guards.NewBoundedCache(10, time.Minute))
	args := map[string]any{"query": "AAPL"}

	first, err := cached.Execute(context.Background(), args)
	require.NoError(t, err)
	second, err := cached.Execute(context.Background(), args)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls)
}

func TestCachedTool_DistinctArgsMiss(t *testing.T) {
	inner := &countingTool{}
	cached := NewCachedTool(inner, guards.NewBoundedCache(10, time.Minute))

	_, err := cached.Execute(context.Background(), map[string]any{"query": "AAPL"})
	require.NoError(t, err)
	_, err = cached.Execute(context.Background(), map[string]any{"query": "MSFT"})
	require.NoError(t, err)

	assert.Equal(t, 2, inner.calls)
}

func TestCachedTool_ErrorsAreNotCached(t *testing.T) {
	inner := &countingTool{fail: true}
	cached := NewCachedTool(inner, guards.NewBoundedCache(10, time.Minute))
	args := map[string]any{"query": "AAPL"}

	_, err := cached.Execute(context.Background(), args)
	require.Error(t, err)
	_, err = cached.Execute(context.Background(), args)
	require.Error(t, err)

	assert.Equal(t, 2, inner.calls)
}
