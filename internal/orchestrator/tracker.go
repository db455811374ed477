package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// Operation names tracked against latency targets
const (
	OpRobotCreation    = "robot_creation"
	OpStatusUpdate     = "status_update"
	OpModuleSelection  = "module_selection"
	OpProgressTracking = "progress_tracking"
	OpHealthCheck      = "health_check"
)

// latencyTargets are the per-operation latency goals in milliseconds
var latencyTargets = map[string]float64{
	OpRobotCreation:    50,
	OpStatusUpdate:     25,
	OpModuleSelection:  15,
	OpProgressTracking: 10,
	OpHealthCheck:      10,
}

const sampleWindow = 256

type opSamples struct {
	durations [sampleWindow]float64 // milliseconds, ring buffer
	next      int
	count     int64
	sum       float64
}

// OpStats summarizes one operation's recent latency
type OpStats struct {
	Count       int64   `json:"count"`
	AvgMs       float64 `json:"avg_ms"`
	TargetMs    float64 `json:"target_ms,omitempty"`
	MeetsTarget bool    `json:"meets_target"`
}

// HostSample is a point-in-time view of host resource usage
type HostSample struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
}

// Tracker records operation latencies, exports them to Prometheus and
// checks them against per-operation targets.
type Tracker struct {
	logger *zap.Logger

	mu      sync.Mutex
	samples map[string]*opSamples

	durations *prometheus.HistogramVec
	outcomes  *prometheus.CounterVec
}

// NewTracker creates a tracker and registers its collectors
func NewTracker(reg prometheus.Registerer, logger *zap.Logger) *Tracker {
	t := &Tracker{
		logger:  logger.Named("perf-tracker"),
		samples: make(map[string]*opSamples),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_operation_duration_seconds",
			Help:    "Latency of orchestrator operations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"operation"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_operations_total",
			Help: "Orchestrator operations by outcome.",
		}, []string{"operation", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(t.durations, t.outcomes)
	}
	return t
}

// Observe records one operation's latency and outcome
func (t *Tracker) Observe(op string, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	t.durations.WithLabelValues(op).Observe(d.Seconds())
	t.outcomes.WithLabelValues(op, outcome).Inc()

	ms := float64(d.Microseconds()) / 1000

	t.mu.Lock()
	s, ok := t.samples[op]
	if !ok {
		s = &opSamples{}
		t.samples[op] = s
	}
	if s.count >= sampleWindow {
		s.sum -= s.durations[s.next]
	}
	s.durations[s.next] = ms
	s.sum += ms
	s.next = (s.next + 1) % sampleWindow
	s.count++
	t.mu.Unlock()

	if target, ok := latencyTargets[op]; ok && ms > target {
		t.logger.Debug("Operation exceeded latency target",
			zap.String("operation", op),
			zap.Float64("elapsed_ms", ms),
			zap.Float64("target_ms", target))
	}
}

// Track wraps an operation, observing its duration when fn returns
func (t *Tracker) Track(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	t.Observe(op, time.Since(start), err)
	return err
}

// Snapshot returns recent latency stats per operation
func (t *Tracker) Snapshot() map[string]OpStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]OpStats, len(t.samples))
	for op, s := range t.samples {
		window := s.count
		if window > sampleWindow {
			window = sampleWindow
		}
		stats := OpStats{Count: s.count}
		if window > 0 {
			stats.AvgMs = s.sum / float64(window)
		}
		if target, ok := latencyTargets[op]; ok {
			stats.TargetMs = target
			stats.MeetsTarget = stats.AvgMs <= target
		} else {
			stats.MeetsTarget = true
		}
		out[op] = stats
	}
	return out
}

// SampleHost reads current CPU and memory usage from the host
func (t *Tracker) SampleHost() HostSample {
	var sample HostSample
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		sample.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sample.MemoryPercent = vm.UsedPercent
		sample.MemoryUsedMB = vm.Used / (1 << 20)
	}
	return sample
}
