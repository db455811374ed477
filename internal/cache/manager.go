package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TTLConfig maps key categories to their cache lifetime
type TTLConfig struct {
	ModuleHealth      time.Duration
	RobotStatus       time.Duration
	PerformanceScores time.Duration
	RoutingTable      time.Duration
	Default           time.Duration
}

// DefaultTTLConfig mirrors the production TTL table
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		ModuleHealth:      5 * time.Minute,
		RobotStatus:       time.Minute,
		PerformanceScores: 10 * time.Minute,
		RoutingTable:      5 * time.Minute,
		Default:           30 * time.Minute,
	}
}

// Manager layers smart TTL selection, fallback-through-compute, and
// domain accessors on top of the cache store client. Cache failures
// are logged and surface as misses; they never propagate to callers.
type Manager struct {
	logger *zap.Logger
	client *Client
	ttl    TTLConfig

	hits   atomic.Int64
	misses atomic.Int64
}

// NewManager creates a cache manager over the given client
func NewManager(client *Client, ttl TTLConfig, logger *zap.Logger) *Manager {
	return &Manager{
		logger: logger.Named("cache-manager"),
		client: client,
		ttl:    ttl,
	}
}

// SmartTTL selects a TTL from the semantic category embedded in the key
func (m *Manager) SmartTTL(key string) time.Duration {
	switch {
	case strings.HasPrefix(key, "module_health:"):
		return m.ttl.ModuleHealth
	case strings.HasPrefix(key, "robot_status:"):
		return m.ttl.RobotStatus
	case strings.HasPrefix(key, "module_performance:"), strings.HasPrefix(key, "performance_scores:"):
		return m.ttl.PerformanceScores
	case strings.HasPrefix(key, "routing_table"):
		return m.ttl.RoutingTable
	default:
		return m.ttl.Default
	}
}

// Get unmarshals the cached value into out. Returns false on miss or error.
func (m *Manager) Get(key string, out interface{}) bool {
	data, err := m.client.Get(key)
	if err != nil {
		if err != ErrMiss {
			m.logger.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
		}
		m.misses.Add(1)
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		m.logger.Warn("Cache value unmarshal failed", zap.String("key", key), zap.Error(err))
		m.misses.Add(1)
		return false
	}
	m.hits.Add(1)
	return true
}

// Set marshals value and stores it. A ttl of 0 selects the smart TTL.
func (m *Manager) Set(key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		m.logger.Warn("Cache value marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	if ttl == 0 {
		ttl = m.SmartTTL(key)
	}
	if err := m.client.Set(key, data, ttl); err != nil {
		m.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// Delete removes a key, logging failures
func (m *Manager) Delete(key string) {
	if err := m.client.Delete(key); err != nil {
		m.logger.Warn("Cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

// GetWithFallback returns the cached value for key, computing and
// caching it on miss. Compute errors are returned to the caller.
func (m *Manager) GetWithFallback(ctx context.Context, key string, out interface{}, compute func(context.Context) (interface{}, error)) error {
	if m.Get(key, out) {
		return nil
	}

	value, err := compute(ctx)
	if err != nil {
		return err
	}

	m.Set(key, value, 0)

	// Round-trip through JSON so out gets the same shape a cache hit
	// would have produced.
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// InvalidatePattern removes every key with the given prefix
func (m *Manager) InvalidatePattern(prefix string) int {
	keys, err := m.client.Keys(prefix)
	if err != nil {
		m.logger.Warn("Cache pattern scan failed", zap.String("prefix", prefix), zap.Error(err))
		return 0
	}
	for _, key := range keys {
		m.Delete(key)
	}
	if len(keys) > 0 {
		m.logger.Debug("Invalidated cache keys",
			zap.String("prefix", prefix),
			zap.Int("count", len(keys)))
	}
	return len(keys)
}

// SetMany stores multiple values in one batched write
func (m *Manager) SetMany(values map[string]interface{}, ttl time.Duration) {
	entries := make(map[string][]byte, len(values))
	for key, value := range values {
		data, err := json.Marshal(value)
		if err != nil {
			m.logger.Warn("Cache value marshal failed", zap.String("key", key), zap.Error(err))
			continue
		}
		entries[key] = data
	}
	if len(entries) == 0 {
		return
	}
	if err := m.client.SetMany(entries, ttl); err != nil {
		m.logger.Warn("Cache batch write failed", zap.Error(err))
	}
}

// HitRate returns the fraction of reads served from cache
func (m *Manager) HitRate() float64 {
	hits := m.hits.Load()
	total := hits + m.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Stats returns raw hit/miss counters
func (m *Manager) Stats() (hits, misses int64) {
	return m.hits.Load(), m.misses.Load()
}

// HealthCheck reports whether the underlying store is responsive
func (m *Manager) HealthCheck() bool {
	return m.client.HealthCheck()
}

// RobotStatusEntry is the cached view of a robot's progress
type RobotStatusEntry struct {
	Status      string          `json:"status"`
	ModuleName  string          `json:"module_name,omitempty"`
	Progress    int             `json:"progress"`
	OutputData  json.RawMessage `json:"output_data,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// GetRobotStatus returns the cached status entry for a robot
func (m *Manager) GetRobotStatus(robotID string) (*RobotStatusEntry, bool) {
	var entry RobotStatusEntry
	if m.Get("robot_status:"+robotID, &entry) {
		return &entry, true
	}
	return nil, false
}

// SetRobotStatus caches the status entry for a robot
func (m *Manager) SetRobotStatus(robotID string, entry RobotStatusEntry) {
	m.Set("robot_status:"+robotID, entry, m.ttl.RobotStatus)
}

// InvalidateRobot drops all cached state for a robot
func (m *Manager) InvalidateRobot(robotID string) {
	m.InvalidatePattern("robot_status:" + robotID)
}

// SetModuleHealth caches a module's latest health probe result
func (m *Manager) SetModuleHealth(moduleName string, health interface{}) {
	m.Set("module_health:"+moduleName, health, m.ttl.ModuleHealth)
}

// GetModuleHealth loads a module's cached health probe result into out
func (m *Manager) GetModuleHealth(moduleName string, out interface{}) bool {
	return m.Get("module_health:"+moduleName, out)
}

// SetModulePerformance caches a module's rolling performance metrics
func (m *Manager) SetModulePerformance(moduleName string, perf interface{}) {
	m.Set("module_performance:"+moduleName, perf, m.ttl.PerformanceScores)
}

// InvalidateModule drops all cached state for a module
func (m *Manager) InvalidateModule(moduleName string) {
	m.InvalidatePattern("module_health:" + moduleName)
	m.InvalidatePattern("module_performance:" + moduleName)
}

// RoutingTable maps robot types to their preferred modules
type RoutingTable map[string][]string

// GetRoutingTable returns the cached routing table
func (m *Manager) GetRoutingTable() (RoutingTable, bool) {
	var table RoutingTable
	if m.Get("routing_table", &table) {
		return table, true
	}
	return nil, false
}

// MergeRoutingTable folds entries into the cached routing table
func (m *Manager) MergeRoutingTable(entries RoutingTable) {
	table, ok := m.GetRoutingTable()
	if !ok {
		table = make(RoutingTable, len(entries))
	}
	for robotType, modules := range entries {
		table[robotType] = modules
	}
	m.Set("routing_table", table, m.ttl.RoutingTable)
}

// OptimalModule returns the previously routed module for a robot type
func (m *Manager) OptimalModule(robotType string) (string, bool) {
	table, ok := m.GetRoutingTable()
	if !ok {
		return "", false
	}
	modules := table[robotType]
	if len(modules) == 0 {
		return "", false
	}
	return modules[0], true
}
