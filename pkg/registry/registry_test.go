package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseRegistry_RegisterAndGet(t *testing.T) {
	r := NewBaseRegistry[int]()

	require.NoError(t, r.Register("one", 1))
	require.NoError(t, r.Register("two", 2))

	v, ok := r.Get("one")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestBaseRegistry_RejectsEmptyAndDuplicateNames(t *testing.T) {
	r := NewBaseRegistry[string]()

	assert.Error(t, r.Register("", "x"))

	require.NoError(t, r.Register("a", "first"))
	assert.Error(t, r.Register("a", "second"))

	v, _ := r.Get("a")
	assert.Equal(t, "first", v)
}

func TestBaseRegistry_ListPreservesRegistrationOrder(t *testing.T) {
	r := NewBaseRegistry[int]()
	for i := 0; i < 10; i++ {
		require.NoError(t, r.Register(fmt.Sprintf("item-%d", i), i))
	}

	items := r.List()
	require.Len(t, items, 10)
	for i, v := range items {
		assert.Equal(t, i, v)
	}

	names := r.Names()
	assert.Equal(t, "item-0", names[0])
	assert.Equal(t, "item-9", names[9])
}

func TestBaseRegistry_RemoveAndClear(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Register("b", 2))

	require.NoError(t, r.Remove("a"))
	assert.Error(t, r.Remove("a"))
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, []string{"b"}, r.Names())

	r.Clear()
	assert.Equal(t, 0, r.Count())
}

func TestBaseRegistry_ConcurrentAccess(t *testing.T) {
	r := NewBaseRegistry[int]()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(fmt.Sprintf("k%d", i), i)
			r.Get("k0")
			r.List()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, r.Count())
}
