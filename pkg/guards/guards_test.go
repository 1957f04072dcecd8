package guards

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundedCache_TTLExpiry(t *testing.T) {
	c := NewBoundedCache(10, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("k", "v")
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestBoundedCache_EvictsExpiredBeforeOldest(t *testing.T) {
	c := NewBoundedCache(2, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("old", "1")
	now = now.Add(2 * time.Minute) // "old" expires
	c.Set("fresh", "2")
	c.Set("newer", "3") // cap reached: expired "old" goes, not "fresh"

	_, ok := c.Get("fresh")
	assert.True(t, ok)
	_, ok = c.Get("newer")
	assert.True(t, ok)
	_, ok = c.Get("old")
	assert.False(t, ok)
}

func TestBoundedCache_EvictsOldestWhenNothingExpired(t *testing.T) {
	c := NewBoundedCache(2, time.Hour)
	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("c", "3")

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestBoundedCache_SetOverwrites(t *testing.T) {
	c := NewBoundedCache(2, time.Hour)
	c.Set("k", "1")
	c.Set("k", "2")

	v, _ := c.Get("k")
	assert.Equal(t, "2", v)
	assert.Equal(t, 1, c.Len())
}

func TestMemWatcher_LeakTrendFiresOncePerWindow(t *testing.T) {
	w := NewMemWatcher(200, 50, 0.1, 100_000, func() (float64, error) { return 0, nil }, nil)

	// 200 measurements climbing 0.5 MB per request.
	for i := 0; i < 200; i++ {
		w.Record(100 + 0.5*float64(i))
	}

	stats := w.Stats()
	assert.Equal(t, 1, stats.Warnings)
	assert.True(t, stats.SlopeValid)
	assert.InDelta(t, 0.5, stats.SlopeMBPerReq, 0.01)
	assert.False(t, stats.SoftLimitFired)
}

func TestMemWatcher_WarningRearmsAfterWindowRollover(t *testing.T) {
	w := NewMemWatcher(100, 50, 0.1, 100_000, nil, nil)

	for i := 0; i < 200; i++ {
		w.Record(100 + 0.5*float64(i))
	}
	assert.Equal(t, 2, w.Stats().Warnings)
}

func TestMemWatcher_NoSlopeBeforeCheckInterval(t *testing.T) {
	w := NewMemWatcher(200, 50, 0.1, 100_000, nil, nil)
	for i := 0; i < 49; i++ {
		w.Record(100)
	}
	assert.False(t, w.Stats().SlopeValid)
}

func TestMemWatcher_FlatUsageNeverWarns(t *testing.T) {
	w := NewMemWatcher(200, 50, 0.1, 100_000, nil, nil)
	for i := 0; i < 400; i++ {
		w.Record(250)
	}
	assert.Equal(t, 0, w.Stats().Warnings)
}

func TestMemWatcher_SoftLimitFiresOnce(t *testing.T) {
	fired := 0
	w := NewMemWatcher(200, 50, 0.1, 450, nil, func() { fired++ })

	w.Record(500)
	w.Record(510)
	w.Record(520)

	assert.Equal(t, 1, fired)
	assert.True(t, w.Stats().SoftLimitFired)
}

func TestMemWatcher_RecordRequestUsesRSSFunc(t *testing.T) {
	samples := []float64{100, 101, 102}
	i := 0
	w := NewMemWatcher(200, 50, 0.1, 450, func() (float64, error) {
		mb := samples[i%len(samples)]
		i++
		return mb, nil
	}, nil)

	w.RecordRequest()
	w.RecordRequest()

	stats := w.Stats()
	assert.Equal(t, 2, stats.Samples)
	assert.Equal(t, 101.0, stats.LastRSSMB)
}

func TestLeastSquaresSlope(t *testing.T) {
	assert.InDelta(t, 2.0, leastSquaresSlope([]float64{0, 2, 4, 6}), 1e-9)
	assert.InDelta(t, 0.0, leastSquaresSlope([]float64{5, 5, 5, 5}), 1e-9)
	assert.Equal(t, 0.0, leastSquaresSlope([]float64{1}))
}
