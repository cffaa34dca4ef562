package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterAllowsUpToLimit(t *testing.T) {
	l := New(5, time.Minute)
	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("did:key:z1"), "attempt %d", i)
	}
	assert.False(t, l.Allow("did:key:z1"))

	// Other keys are independent.
	assert.True(t, l.Allow("did:key:z2"))
}

func TestLimiterSlidingWindow(t *testing.T) {
	l := New(2, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("k"))
	now = now.Add(30 * time.Second)
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))

	// First hit ages out; one slot opens.
	now = now.Add(31 * time.Second)
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
}

func TestLimiterRejectionsDoNotExtendLockout(t *testing.T) {
	l := New(1, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("k"))
	for i := 0; i < 10; i++ {
		assert.False(t, l.Allow("k"))
		now = now.Add(time.Second)
	}
	now = now.Add(time.Minute)
	assert.True(t, l.Allow("k"))
}

func TestLimiterReset(t *testing.T) {
	l := New(1, time.Minute)
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
	l.Reset("k")
	assert.True(t, l.Allow("k"))
}

func TestLimiterPrune(t *testing.T) {
	l := New(1, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	l.Allow("stale")
	l.Allow("fresh")
	now = now.Add(2 * time.Minute)
	l.Allow("fresh")
	l.Prune()

	l.mu.Lock()
	_, staleKept := l.hits["stale"]
	_, freshKept := l.hits["fresh"]
	l.mu.Unlock()
	assert.False(t, staleKept)
	assert.True(t, freshKept)
}
