package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	client, err := NewClient(Options{InMemory: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewManager(client, DefaultTTLConfig(), zap.NewNop())
}

func TestManager_SetGet(t *testing.T) {
	m := newTestManager(t)

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	m.Set("robot_status:r1", payload{Name: "lift", Count: 3}, 0)

	var got payload
	require.True(t, m.Get("robot_status:r1", &got))
	assert.Equal(t, "lift", got.Name)
	assert.Equal(t, 3, got.Count)

	assert.False(t, m.Get("robot_status:r2", &got))
}

func TestManager_SmartTTL(t *testing.T) {
	m := newTestManager(t)

	assert.Equal(t, 5*time.Minute, m.SmartTTL("module_health:worker-a"))
	assert.Equal(t, time.Minute, m.SmartTTL("robot_status:r1"))
	assert.Equal(t, 10*time.Minute, m.SmartTTL("performance_scores:worker-a"))
	assert.Equal(t, 5*time.Minute, m.SmartTTL("routing_table"))
	assert.Equal(t, 30*time.Minute, m.SmartTTL("anything_else"))
}

func TestManager_TTLExpiry(t *testing.T) {
	m := newTestManager(t)

	// Sub-second TTLs round up to the store's one-second expiry
	// granularity, so a write is always readable straight back.
	m.Set("robot_status:short", "value", 50*time.Millisecond)

	var got string
	require.True(t, m.Get("robot_status:short", &got))

	time.Sleep(1200 * time.Millisecond)
	assert.False(t, m.Get("robot_status:short", &got))
}

func TestManager_GetWithFallback(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	computed := 0
	compute := func(ctx context.Context) (interface{}, error) {
		computed++
		return map[string]int{"n": 42}, nil
	}

	var out map[string]int
	require.NoError(t, m.GetWithFallback(ctx, "robot_status:fb", &out, compute))
	assert.Equal(t, 42, out["n"])
	assert.Equal(t, 1, computed)

	// Second read is served from cache
	out = nil
	require.NoError(t, m.GetWithFallback(ctx, "robot_status:fb", &out, compute))
	assert.Equal(t, 42, out["n"])
	assert.Equal(t, 1, computed)

	boom := errors.New("boom")
	err := m.GetWithFallback(ctx, "robot_status:other", &out, func(ctx context.Context) (interface{}, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestManager_InvalidatePattern(t *testing.T) {
	m := newTestManager(t)

	m.Set("module_health:a", "x", 0)
	m.Set("module_health:b", "y", 0)
	m.Set("robot_status:r1", "z", 0)

	assert.Equal(t, 2, m.InvalidatePattern("module_health:"))

	var got string
	assert.False(t, m.Get("module_health:a", &got))
	assert.True(t, m.Get("robot_status:r1", &got))
}

func TestManager_HitRate(t *testing.T) {
	m := newTestManager(t)

	m.Set("robot_status:r1", "x", 0)
	var got string
	m.Get("robot_status:r1", &got) // hit
	m.Get("robot_status:r2", &got) // miss

	hits, misses := m.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	assert.InDelta(t, 0.5, m.HitRate(), 1e-9)
}

func TestManager_RoutingTable(t *testing.T) {
	m := newTestManager(t)

	_, ok := m.GetRoutingTable()
	require.False(t, ok)

	_, ok = m.OptimalModule("vision")
	require.False(t, ok)

	m.MergeRoutingTable(RoutingTable{"vision": {"worker-a", "worker-b"}})
	m.MergeRoutingTable(RoutingTable{"navigation": {"nav-worker"}})

	table, ok := m.GetRoutingTable()
	require.True(t, ok)
	assert.Len(t, table, 2)

	module, ok := m.OptimalModule("vision")
	require.True(t, ok)
	assert.Equal(t, "worker-a", module)
}

func TestManager_RobotStatusRoundTrip(t *testing.T) {
	m := newTestManager(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	m.SetRobotStatus("r1", RobotStatusEntry{
		Status:     "PROCESSING",
		ModuleName: "worker-a",
		Progress:   60,
		UpdatedAt:  now,
	})

	entry, ok := m.GetRobotStatus("r1")
	require.True(t, ok)
	assert.Equal(t, "PROCESSING", entry.Status)
	assert.Equal(t, 60, entry.Progress)
	assert.Equal(t, now, entry.UpdatedAt)

	m.InvalidateRobot("r1")
	_, ok = m.GetRobotStatus("r1")
	assert.False(t, ok)
}
