package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllow_WithinLimit(t *testing.T) {
	l := New(3, time.Hour)

	for i := 0; i < 3; i++ {
		d := l.Allow("client")
		assert.True(t, d.Allowed)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d := l.Allow("client")
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestAllow_DeniedRequestsDoNotCount(t *testing.T) {
	l := New(1, time.Hour)
	now := time.Now()
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("c").Allowed)
	assert.False(t, l.Allow("c").Allowed)
	assert.False(t, l.Allow("c").Allowed)

	// After the window resets a single request fits again.
	now = now.Add(time.Hour)
	assert.True(t, l.Allow("c").Allowed)
}

func TestAllow_IdentifiersAreIndependent(t *testing.T) {
	l := New(1, time.Hour)

	assert.True(t, l.Allow("a").Allowed)
	assert.True(t, l.Allow("b").Allowed)
	assert.False(t, l.Allow("a").Allowed)
}

func TestReset(t *testing.T) {
	l := New(1, time.Hour)
	l.Allow("c")
	assert.False(t, l.Allow("c").Allowed)

	l.Reset("c")
	assert.True(t, l.Allow("c").Allowed)
}

func TestSweep(t *testing.T) {
	l := New(1, time.Hour)
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Allow("a")
	l.Allow("b")
	now = now.Add(2 * time.Hour)
	l.sweep()

	l.mu.Lock()
	remaining := len(l.windows)
	l.mu.Unlock()
	assert.Equal(t, 0, remaining)
}
