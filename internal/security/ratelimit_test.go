package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_FixedWindow(t *testing.T) {
	r := NewRateLimiter(map[string]Bucket{
		"default": {Limit: 3, Window: time.Minute},
	})

	now := time.Now()
	r.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		allowed, remaining, _ := r.Allow("client-a", "default")
		require.True(t, allowed, "request %d should fit", i+1)
		assert.Equal(t, 2-i, remaining)
	}

	allowed, remaining, resetAt := r.Allow("client-a", "default")
	assert.False(t, allowed)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, now.Add(time.Minute), resetAt)

	// Other identities have their own windows
	allowed, _, _ = r.Allow("client-b", "default")
	assert.True(t, allowed)
}

func TestRateLimiter_LazyReset(t *testing.T) {
	r := NewRateLimiter(map[string]Bucket{
		"default": {Limit: 2, Window: time.Minute},
	})

	now := time.Now()
	r.now = func() time.Time { return now }

	r.Allow("client-a", "default")
	r.Allow("client-a", "default")
	allowed, _, _ := r.Allow("client-a", "default")
	require.False(t, allowed)

	// The window resets on the first call after expiry, not on a timer
	now = now.Add(time.Minute)
	allowed, remaining, _ := r.Allow("client-a", "default")
	assert.True(t, allowed)
	assert.Equal(t, 1, remaining)
}

func TestRateLimiter_BucketFallback(t *testing.T) {
	r := NewRateLimiter(map[string]Bucket{
		"default": {Limit: 1, Window: time.Minute},
		"bulk":    {Limit: 5, Window: time.Minute},
	})

	// Unknown bucket names count against default
	allowed, _, _ := r.Allow("client-a", "no_such_bucket")
	require.True(t, allowed)
	allowed, _, _ = r.Allow("client-a", "no_such_bucket")
	assert.False(t, allowed)

	// Named buckets are independent of default
	allowed, _, _ = r.Allow("client-a", "bulk")
	assert.True(t, allowed)
}

func TestRateLimiter_Remaining(t *testing.T) {
	r := NewRateLimiter(map[string]Bucket{
		"default": {Limit: 3, Window: time.Minute},
	})

	assert.Equal(t, 3, r.Remaining("client-a", "default"))
	r.Allow("client-a", "default")
	assert.Equal(t, 2, r.Remaining("client-a", "default"))
}

func TestRateLimiter_Prune(t *testing.T) {
	r := NewRateLimiter(map[string]Bucket{
		"default": {Limit: 3, Window: time.Minute},
	})

	now := time.Now()
	r.now = func() time.Time { return now }

	r.Allow("client-a", "default")
	r.Allow("client-b", "default")
	assert.Equal(t, 0, r.Prune())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, r.Prune())
}
