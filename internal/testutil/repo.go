package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/robofleet/orchestrator/internal/model"
)

// ErrRepoDown is returned by a MemoryRepo switched into failure mode
var ErrRepoDown = errors.New("store unavailable")

// MemoryRepo is an in-memory repository for tests. SetFailAll switches
// it into a failure mode where read and write calls error, which lets
// tests exercise circuit breaker behavior.
type MemoryRepo struct {
	mu      sync.Mutex
	robots  map[string]*model.Robot
	modules map[string]*model.Module
	execs   map[string]*model.Execution
	failAll bool
}

// NewMemoryRepo returns an empty in-memory repository
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		robots:  make(map[string]*model.Robot),
		modules: make(map[string]*model.Module),
		execs:   make(map[string]*model.Execution),
	}
}

// SetFailAll toggles failure mode
func (f *MemoryRepo) SetFailAll(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = fail
}

func (f *MemoryRepo) gate() error {
	if f.failAll {
		return ErrRepoDown
	}
	return nil
}

func (f *MemoryRepo) CreateRobot(ctx context.Context, robot *model.Robot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return err
	}
	cp := *robot
	f.robots[robot.RobotID] = &cp
	return nil
}

func (f *MemoryRepo) GetRobot(ctx context.Context, robotID string) (*model.Robot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return nil, err
	}
	r, ok := f.robots[robotID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *MemoryRepo) UpdateRobot(ctx context.Context, robotID string, update model.RobotUpdate) (*model.Robot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return nil, err
	}
	r, ok := f.robots[robotID]
	if !ok {
		return nil, nil
	}
	if update.Status != nil {
		r.Status = *update.Status
	}
	if update.ModuleName != nil {
		r.ModuleName = *update.ModuleName
	}
	if update.CompletenessScore != nil {
		r.CompletenessScore = *update.CompletenessScore
	}
	if update.ConfidenceScore != nil {
		r.ConfidenceScore = *update.ConfidenceScore
	}
	if update.ProcessingTimeMs != nil {
		r.ProcessingTimeMs = *update.ProcessingTimeMs
	}
	if update.ErrorCategory != nil {
		r.ErrorCategory = *update.ErrorCategory
	}
	if update.ErrorDetails != nil {
		r.ErrorDetails = update.ErrorDetails
	}
	if update.LastErrorAt != nil {
		r.LastErrorAt = update.LastErrorAt
	}
	if update.OutputData != nil {
		r.OutputData = update.OutputData
	}
	r.UpdatedAt = time.Now().UTC()
	cp := *r
	return &cp, nil
}

func (f *MemoryRepo) ListActiveRobots(ctx context.Context, limit int) ([]*model.Robot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return nil, err
	}
	var out []*model.Robot
	for _, r := range f.robots {
		if !r.IsTerminal() {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *MemoryRepo) ListRobotsByModule(ctx context.Context, moduleName string, limit int) ([]*model.Robot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return nil, err
	}
	var out []*model.Robot
	for _, r := range f.robots {
		if r.ModuleName == moduleName {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *MemoryRepo) CountRobots(ctx context.Context, since time.Time) (int, int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return 0, 0, 0, err
	}
	var total, active, failed int
	for _, r := range f.robots {
		if r.CreatedAt.Before(since) {
			continue
		}
		total++
		if !r.IsTerminal() {
			active++
		}
		if r.Status == model.RobotStatusFailed {
			failed++
		}
	}
	return total, active, failed, nil
}

func (f *MemoryRepo) DeleteOldRobots(ctx context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return 0, err
	}
	var n int64
	for id, r := range f.robots {
		if r.IsTerminal() && r.CreatedAt.Before(before) {
			delete(f.robots, id)
			n++
		}
	}
	return n, nil
}

func (f *MemoryRepo) RegisterModule(ctx context.Context, module *model.Module) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return err
	}
	cp := *module
	f.modules[module.ModuleName] = &cp
	return nil
}

func (f *MemoryRepo) GetModule(ctx context.Context, name string) (*model.Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return nil, err
	}
	m, ok := f.modules[name]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (f *MemoryRepo) ListActiveModules(ctx context.Context) ([]*model.Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return nil, err
	}
	var out []*model.Module
	for _, m := range f.modules {
		if m.IsActive && m.IsHealthy() {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleName < out[j].ModuleName })
	return out, nil
}

func (f *MemoryRepo) ListAllModules(ctx context.Context) ([]*model.Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return nil, err
	}
	var out []*model.Module
	for _, m := range f.modules {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleName < out[j].ModuleName })
	return out, nil
}

func (f *MemoryRepo) UpdateModuleHealth(ctx context.Context, name string, update model.ModuleHealthUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return err
	}
	m, ok := f.modules[name]
	if !ok {
		return nil
	}
	m.HealthStatus = update.HealthStatus
	m.ConsecutiveFailures = update.ConsecutiveFailures
	m.LastErrorMessage = update.LastErrorMessage
	now := time.Now().UTC()
	m.LastHealthCheck = &now
	return nil
}

func (f *MemoryRepo) UpdateModulePerformance(ctx context.Context, name string, update model.ModulePerformanceUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return err
	}
	m, ok := f.modules[name]
	if !ok {
		return nil
	}
	m.PerformanceScore = update.PerformanceScore
	m.CapacityUtilization = update.CapacityUtilization
	m.AvgProcessingTimeMs = update.AvgProcessingTimeMs
	m.ErrorCount24h = update.ErrorCount24h
	m.SuccessRate24h = update.SuccessRate24h
	return nil
}

func (f *MemoryRepo) RecordModuleOutcome(ctx context.Context, name string, success bool, processingTimeMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return err
	}
	m, ok := f.modules[name]
	if !ok {
		return nil
	}
	m.TotalRobotsProcessed++
	if success {
		m.ConsecutiveFailures = 0
		if processingTimeMs > 0 {
			if m.AvgProcessingTimeMs == 0 {
				m.AvgProcessingTimeMs = processingTimeMs
			} else {
				m.AvgProcessingTimeMs = (m.AvgProcessingTimeMs + processingTimeMs) / 2
			}
		}
	} else {
		m.ErrorCount24h++
		m.ConsecutiveFailures++
	}
	return nil
}

func (f *MemoryRepo) SetModuleActive(ctx context.Context, name string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return err
	}
	if m, ok := f.modules[name]; ok {
		m.IsActive = active
	}
	return nil
}

func (f *MemoryRepo) CreateExecution(ctx context.Context, exec *model.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return err
	}
	cp := *exec
	f.execs[exec.ExecuteID] = &cp
	return nil
}

func (f *MemoryRepo) GetExecution(ctx context.Context, executeID string) (*model.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return nil, err
	}
	e, ok := f.execs[executeID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (f *MemoryRepo) UpdateExecution(ctx context.Context, executeID string, update model.ExecutionUpdate) (*model.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return nil, err
	}
	e, ok := f.execs[executeID]
	if !ok {
		return nil, nil
	}
	if update.State != nil {
		e.State = *update.State
		if update.State.IsTerminal() {
			now := time.Now().UTC()
			e.CompletedAt = &now
		}
	}
	if update.CurrentStep != nil {
		e.CurrentStep = *update.CurrentStep
	}
	if update.StepCategory != nil {
		e.StepCategory = *update.StepCategory
	}
	if update.ProgressPercentage != nil {
		e.ProgressPercentage = *update.ProgressPercentage
	}
	if update.CompletedSteps != nil {
		e.CompletedSteps = *update.CompletedSteps
	}
	if update.CPUUsagePercent != nil {
		e.CPUUsagePercent = *update.CPUUsagePercent
	}
	if update.MemoryUsageMB != nil {
		e.MemoryUsageMB = *update.MemoryUsageMB
	}
	if update.EfficiencyScore != nil {
		e.EfficiencyScore = *update.EfficiencyScore
	}
	if update.RetryCount != nil {
		e.RetryCount = *update.RetryCount
	}
	if update.ErrorMessage != nil {
		e.ErrorMessage = *update.ErrorMessage
	}
	if update.ErrorStack != nil {
		e.ErrorStack = *update.ErrorStack
	}
	cp := *e
	return &cp, nil
}

func (f *MemoryRepo) GetActiveExecutionForRobot(ctx context.Context, robotID string) (*model.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return nil, err
	}
	for _, e := range f.execs {
		if e.RobotID == robotID && e.IsActive() {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *MemoryRepo) ListActiveExecutions(ctx context.Context) ([]*model.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return nil, err
	}
	var out []*model.Execution
	for _, e := range f.execs {
		if e.IsActive() {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (f *MemoryRepo) DeleteOldExecutions(ctx context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return 0, err
	}
	var n int64
	for id, e := range f.execs {
		if e.CompletedAt != nil && e.CompletedAt.Before(before) {
			delete(f.execs, id)
			n++
		}
	}
	return n, nil
}
