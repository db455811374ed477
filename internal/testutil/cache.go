package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/robofleet/orchestrator/internal/cache"
)

// NewMemoryCache returns a cache client backed by in-memory storage,
// closed automatically when the test ends
func NewMemoryCache(t *testing.T) *cache.Client {
	t.Helper()

	c, err := cache.NewClient(cache.Options{InMemory: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}
