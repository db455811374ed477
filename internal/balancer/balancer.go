package balancer

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/robofleet/orchestrator/internal/model"
)

// ErrNoCandidates is returned when no module is eligible for selection
var ErrNoCandidates = errors.New("no modules available for selection")

const (
	// recencyWindow is how long a module carries the repeat-selection penalty
	recencyWindow = 60 * time.Second
	// recencyPenalty is the multiplier applied to recently selected modules
	recencyPenalty = 0.8
)

// Balancer picks the best module for a robot by combining each
// module's composite score with penalties for recent selection,
// accumulated errors, consecutive failures and slow processing.
type Balancer struct {
	logger *zap.Logger

	mu           sync.Mutex
	lastSelected map[string]time.Time
	selections   map[string]int64
	now          func() time.Time
}

// New creates a balancer
func New(logger *zap.Logger) *Balancer {
	return &Balancer{
		logger:       logger.Named("load-balancer"),
		lastSelected: make(map[string]time.Time),
		selections:   make(map[string]int64),
		now:          time.Now,
	}
}

// Score returns the penalized selection score for a module. The base
// is the composite of performance, free capacity and health; each
// penalty multiplies it down.
func (b *Balancer) Score(m *model.Module) float64 {
	score := m.OverallScore()

	b.mu.Lock()
	last, seen := b.lastSelected[m.ModuleName]
	now := b.now()
	b.mu.Unlock()

	if seen && now.Sub(last) < recencyWindow {
		score *= recencyPenalty
	}

	score *= 1 - min(float64(m.ErrorCount24h)/100, 0.3)
	score *= 1 - min(float64(m.ConsecutiveFailures)/10, 0.5)
	score *= 1 - min(float64(m.AvgProcessingTimeMs)/10000, 0.2)

	return score
}

// Select picks the highest scoring module that is available, has
// spare capacity and supports the robot type. An empty robotType
// matches every module. Ties keep the earlier candidate so repeated
// calls over the same slice are stable.
func (b *Balancer) Select(robotType string, candidates []*model.Module) (*model.Module, error) {
	var best *model.Module
	var bestScore float64

	for _, m := range candidates {
		if !m.IsAvailable() || m.CapacityUtilization >= 1.0 {
			continue
		}
		if robotType != "" && !m.CanProcess(robotType) {
			continue
		}
		score := b.Score(m)
		if best == nil || score > bestScore {
			best = m
			bestScore = score
		}
	}
	if best == nil {
		return nil, ErrNoCandidates
	}

	b.mu.Lock()
	b.lastSelected[best.ModuleName] = b.now()
	b.selections[best.ModuleName]++
	b.mu.Unlock()

	b.logger.Debug("Module selected",
		zap.String("module", best.ModuleName),
		zap.Float64("score", bestScore),
		zap.Int("candidates", len(candidates)))
	return best, nil
}

// SelectionStats returns how many times each module has been selected
// since startup
func (b *Balancer) SelectionStats() map[string]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int64, len(b.selections))
	for name, n := range b.selections {
		out[name] = n
	}
	return out
}

// ModuleLoad describes one module's share of the current load
type ModuleLoad struct {
	ModuleName  string  `json:"module_name"`
	Utilization float64 `json:"utilization"`
	Score       float64 `json:"score"`
	Selections  int64   `json:"selections"`
	Healthy     bool    `json:"healthy"`
}

// LoadDistribution reports per-module load and scores for the given modules
func (b *Balancer) LoadDistribution(modules []*model.Module) []ModuleLoad {
	loads := make([]ModuleLoad, 0, len(modules))
	stats := b.SelectionStats()
	for _, m := range modules {
		loads = append(loads, ModuleLoad{
			ModuleName:  m.ModuleName,
			Utilization: m.CapacityUtilization,
			Score:       b.Score(m),
			Selections:  stats[m.ModuleName],
			Healthy:     m.IsHealthy(),
		})
	}
	return loads
}

// Bottleneck flags a module whose telemetry indicates it is holding
// the system back
type Bottleneck struct {
	ModuleName string `json:"module_name"`
	Reason     string `json:"reason"`
}

// Bottlenecks identifies overloaded, failing or slow modules
func (b *Balancer) Bottlenecks(modules []*model.Module) []Bottleneck {
	var out []Bottleneck
	for _, m := range modules {
		switch {
		case m.CapacityUtilization >= 0.9:
			out = append(out, Bottleneck{m.ModuleName, "capacity above 90%"})
		case m.ConsecutiveFailures >= 5:
			out = append(out, Bottleneck{m.ModuleName, "repeated consecutive failures"})
		case m.AvgProcessingTimeMs > 5000:
			out = append(out, Bottleneck{m.ModuleName, "average processing time above 5s"})
		case !m.IsHealthy():
			out = append(out, Bottleneck{m.ModuleName, "health status " + string(m.HealthStatus)})
		}
	}
	return out
}

// ScalingRecommendations suggests scale-up or scale-down actions from
// fleet-wide utilization
func (b *Balancer) ScalingRecommendations(modules []*model.Module) []string {
	if len(modules) == 0 {
		return nil
	}
	var totalUtil float64
	healthy := 0
	for _, m := range modules {
		totalUtil += m.CapacityUtilization
		if m.IsHealthy() {
			healthy++
		}
	}
	avgUtil := totalUtil / float64(len(modules))

	var recs []string
	if avgUtil > 0.8 {
		recs = append(recs, "average utilization above 80%, add module capacity")
	}
	if avgUtil < 0.2 && len(modules) > 1 {
		recs = append(recs, "average utilization below 20%, capacity can be reduced")
	}
	if healthy < len(modules) {
		recs = append(recs, "unhealthy modules present, investigate before scaling")
	}
	return recs
}

// PerformanceSummary aggregates fleet-level selection health
type PerformanceSummary struct {
	TotalModules    int     `json:"total_modules"`
	HealthyModules  int     `json:"healthy_modules"`
	AvgScore        float64 `json:"avg_score"`
	AvgUtilization  float64 `json:"avg_utilization"`
	TotalSelections int64   `json:"total_selections"`
}

// Summary builds a performance summary across the given modules
func (b *Balancer) Summary(modules []*model.Module) PerformanceSummary {
	s := PerformanceSummary{TotalModules: len(modules)}
	for _, n := range b.SelectionStats() {
		s.TotalSelections += n
	}
	if len(modules) == 0 {
		return s
	}
	for _, m := range modules {
		if m.IsHealthy() {
			s.HealthyModules++
		}
		s.AvgScore += b.Score(m)
		s.AvgUtilization += m.CapacityUtilization
	}
	s.AvgScore /= float64(len(modules))
	s.AvgUtilization /= float64(len(modules))
	return s
}
