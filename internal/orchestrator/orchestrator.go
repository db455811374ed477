package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/robofleet/orchestrator/internal/balancer"
	"github.com/robofleet/orchestrator/internal/cache"
	"github.com/robofleet/orchestrator/internal/config"
	"github.com/robofleet/orchestrator/internal/events"
	"github.com/robofleet/orchestrator/internal/model"
	"github.com/robofleet/orchestrator/internal/security"
	"github.com/robofleet/orchestrator/internal/state"
)

// HealthChecker probes one module and reports its health
type HealthChecker interface {
	Check(ctx context.Context, module *model.Module) model.HealthReport
}

// Orchestrator coordinates robot intake, module routing, progress
// tracking and the background maintenance loops.
type Orchestrator struct {
	cfg       config.OrchestratorConfig
	logger    *zap.Logger
	state     *state.Manager
	cache     *cache.Manager
	balancer  *balancer.Balancer
	events    *events.Publisher
	tracker   *Tracker
	health    HealthChecker
	validator *security.Validator
	throttle  *rate.Limiter

	locks sync.Map // robotID -> *sync.Mutex

	cron         *cron.Cron
	cleanupHooks []func(ctx context.Context) error

	stop chan struct{}
	wg   sync.WaitGroup
}

// Options bundles the orchestrator's collaborators
type Options struct {
	Config    config.OrchestratorConfig
	State     *state.Manager
	Cache     *cache.Manager
	Balancer  *balancer.Balancer
	Events    *events.Publisher
	Tracker   *Tracker
	Health    HealthChecker
	Validator *security.Validator

	// GlobalRPS throttles total intake across all callers; zero
	// disables the throttle.
	GlobalRPS   float64
	GlobalBurst int
}

// New creates an orchestrator. Start must be called to run the
// background loops.
func New(opts Options, logger *zap.Logger) *Orchestrator {
	health := opts.Health
	if health == nil {
		health = &httpHealthChecker{client: &http.Client{Timeout: 5 * time.Second}}
	}
	validator := opts.Validator
	if validator == nil {
		// A validator with no registered keys rejects every caller, so
		// intake stays closed until keys are provisioned.
		validator = security.NewValidator(security.NewRateLimiter(nil), nil, 0, logger)
	}
	var throttle *rate.Limiter
	if opts.GlobalRPS > 0 {
		burst := opts.GlobalBurst
		if burst <= 0 {
			burst = int(opts.GlobalRPS)
		}
		throttle = rate.NewLimiter(rate.Limit(opts.GlobalRPS), burst)
	}
	return &Orchestrator{
		cfg:       opts.Config,
		logger:    logger.Named("orchestrator"),
		state:     opts.State,
		cache:     opts.Cache,
		balancer:  opts.Balancer,
		events:    opts.Events,
		tracker:   opts.Tracker,
		health:    health,
		validator: validator,
		throttle:  throttle,
		stop:      make(chan struct{}),
	}
}

// AddCleanupHook registers extra work for the daily cleanup run, such
// as audit log trimming
func (o *Orchestrator) AddCleanupHook(fn func(ctx context.Context) error) {
	o.cleanupHooks = append(o.cleanupHooks, fn)
}

func (o *Orchestrator) lockRobot(robotID string) func() {
	v, _ := o.locks.LoadOrStore(robotID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ProcessRobot authenticates the caller, validates and accepts a new
// robot, routes it to the best module and opens its execution record.
func (o *Orchestrator) ProcessRobot(ctx context.Context, apiKey string, create model.RobotCreate) (robot *model.Robot, err error) {
	start := time.Now()
	defer func() { o.tracker.Observe(OpRobotCreation, time.Since(start), err) }()

	caller, err := o.validator.Validate(security.Request{
		APIKey:    apiKey,
		Operation: "robot:process",
		Payload:   create.ConfigData,
	})
	if err != nil {
		return nil, classify("process_robot", err)
	}

	if o.throttle != nil && !o.throttle.Allow() {
		return nil, &Error{Code: CodeRateLimited, Op: "process_robot",
			Message: "global intake throttle", Retryable: true, RetryAfter: time.Second}
	}
	if create.RobotName == "" {
		return nil, validationError("process_robot", "robot_name is required")
	}
	if create.RobotType == "" {
		return nil, validationError("process_robot", "robot_type is required")
	}
	if len(create.RobotType) > 50 {
		return nil, validationError("process_robot", "robot_type exceeds 50 characters")
	}

	moduleName, err := o.SelectOptimalModule(ctx, create.RobotType)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	robot = &model.Robot{
		RobotID:     "robot_" + uuid.NewString(),
		RobotName:   create.RobotName,
		Description: create.Description,
		RobotType:   create.RobotType,
		Status:      model.RobotStatusPending,
		ModuleName:  moduleName,
		ConfigData:  create.ConfigData,
		Tags:        create.Tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.state.CreateRobot(ctx, robot); err != nil {
		return nil, classify("process_robot", err)
	}

	exec := &model.Execution{
		ExecuteID:      "exec_" + uuid.NewString(),
		RobotID:        robot.RobotID,
		ModuleName:     moduleName,
		State:          model.ExecutionStatePending,
		StepCategory:   model.StepCategoryInit,
		TotalSteps:     o.cfg.DefaultTotalSteps,
		MaxRetries:     o.cfg.DefaultMaxRetries,
		TimeoutSeconds: int(o.cfg.RobotTimeout.Seconds()),
		StartedAt:      now,
	}
	if err := o.state.CreateExecution(ctx, exec); err != nil {
		return nil, classify("process_robot", err)
	}

	o.cache.SetRobotStatus(robot.RobotID, cache.RobotStatusEntry{
		Status:     string(robot.Status),
		ModuleName: moduleName,
		UpdatedAt:  now,
	})
	o.events.RobotCreated(robot.RobotID, moduleName, robot)

	o.logger.Info("Robot accepted",
		zap.String("robot_id", robot.RobotID),
		zap.String("robot_type", robot.RobotType),
		zap.String("module", moduleName),
		zap.String("caller", caller.Identity))
	return robot, nil
}

// SelectOptimalModule returns the best module for a robot type,
// consulting the cached routing table before scoring candidates.
func (o *Orchestrator) SelectOptimalModule(ctx context.Context, robotType string) (name string, err error) {
	start := time.Now()
	defer func() { o.tracker.Observe(OpModuleSelection, time.Since(start), err) }()

	// Cache-first: a routed module wins if it is still usable
	if cached, ok := o.cache.OptimalModule(robotType); ok {
		module, err := o.state.GetModule(ctx, cached)
		if err == nil && module != nil && module.IsAvailable() && module.CapacityUtilization < 1.0 {
			return cached, nil
		}
	}

	candidates, err := o.state.ListActiveModules(ctx)
	if err != nil {
		return "", classify("select_module", err)
	}
	selected, err := o.balancer.Select(robotType, candidates)
	if err != nil {
		return "", classify("select_module", err)
	}

	o.cache.MergeRoutingTable(cache.RoutingTable{robotType: {selected.ModuleName}})
	return selected.ModuleName, nil
}

// UpdateRobotProgress applies a progress report to the robot and its
// active execution
func (o *Orchestrator) UpdateRobotProgress(ctx context.Context, robotID string, progress model.RobotProgress) (err error) {
	start := time.Now()
	defer func() { o.tracker.Observe(OpProgressTracking, time.Since(start), err) }()

	unlock := o.lockRobot(robotID)
	defer unlock()

	robot, err := o.state.GetRobot(ctx, robotID)
	if err != nil {
		return classify("update_progress", err)
	}
	if robot == nil {
		return notFoundError("update_progress", "robot "+robotID+" not found")
	}
	if robot.IsTerminal() {
		return &Error{Code: CodeConflict, Op: "update_progress",
			Message: fmt.Sprintf("robot %s already %s", robotID, robot.Status)}
	}

	exec, err := o.activeExecution(ctx, robotID, progress.ExecuteID)
	if err != nil {
		return err
	}

	update := model.ExecutionUpdate{
		CompletedSteps:     &progress.CompletedSteps,
		ProgressPercentage: &progress.ProgressPercentage,
	}
	if exec.State == model.ExecutionStatePending || exec.State == model.ExecutionStateRetrying {
		running := model.ExecutionStateRunning
		update.State = &running
	}
	if progress.CurrentStep != "" {
		update.CurrentStep = &progress.CurrentStep
	}
	if progress.CPUUsagePercent > 0 {
		update.CPUUsagePercent = &progress.CPUUsagePercent
	}
	if progress.MemoryUsageMB > 0 {
		update.MemoryUsageMB = &progress.MemoryUsageMB
	}
	if progress.EfficiencyScore > 0 {
		update.EfficiencyScore = &progress.EfficiencyScore
	}
	if _, err := o.state.UpdateExecution(ctx, exec.ExecuteID, update); err != nil {
		return classify("update_progress", err)
	}

	robotUpdate := model.RobotUpdate{}
	if robot.Status != model.RobotStatusProcessing {
		processing := model.RobotStatusProcessing
		robotUpdate.Status = &processing
	}
	if progress.CompletenessScore > 0 {
		robotUpdate.CompletenessScore = &progress.CompletenessScore
	}
	if progress.ConfidenceScore > 0 {
		robotUpdate.ConfidenceScore = &progress.ConfidenceScore
	}
	if progress.ProcessingTimeMs > 0 {
		robotUpdate.ProcessingTimeMs = &progress.ProcessingTimeMs
	}
	if _, err := o.state.UpdateRobot(ctx, robotID, robotUpdate); err != nil {
		return classify("update_progress", err)
	}

	o.cache.SetRobotStatus(robotID, cache.RobotStatusEntry{
		Status:     string(model.RobotStatusProcessing),
		ModuleName: robot.ModuleName,
		Progress:   progress.ProgressPercentage,
		UpdatedAt:  time.Now().UTC(),
	})
	o.events.RobotProgress(robotID, robot.ModuleName, progress)
	return nil
}

// CompleteRobot finalizes a robot with its output
func (o *Orchestrator) CompleteRobot(ctx context.Context, robotID string, output model.RobotOutput) (err error) {
	start := time.Now()
	defer func() { o.tracker.Observe(OpStatusUpdate, time.Since(start), err) }()

	unlock := o.lockRobot(robotID)
	defer unlock()

	robot, err := o.state.GetRobot(ctx, robotID)
	if err != nil {
		return classify("complete_robot", err)
	}
	if robot == nil {
		return notFoundError("complete_robot", "robot "+robotID+" not found")
	}
	if robot.IsTerminal() {
		return &Error{Code: CodeConflict, Op: "complete_robot",
			Message: fmt.Sprintf("robot %s already %s", robotID, robot.Status)}
	}

	exec, err := o.activeExecution(ctx, robotID, output.ExecuteID)
	if err != nil {
		return err
	}

	completed := model.ExecutionStateCompleted
	hundred := 100
	finalization := model.StepCategoryFinalization
	if _, err := o.state.UpdateExecution(ctx, exec.ExecuteID, model.ExecutionUpdate{
		State:              &completed,
		ProgressPercentage: &hundred,
		CompletedSteps:     &exec.TotalSteps,
		StepCategory:       &finalization,
	}); err != nil {
		return classify("complete_robot", err)
	}

	status := model.RobotStatusCompleted
	update := model.RobotUpdate{Status: &status, OutputData: output.Data}
	if output.ConfidenceScore > 0 {
		update.ConfidenceScore = &output.ConfidenceScore
	}
	if output.ProcessingTimeMs > 0 {
		update.ProcessingTimeMs = &output.ProcessingTimeMs
	}
	if _, err := o.state.FinalizeRobot(ctx, robotID, update); err != nil {
		return classify("complete_robot", err)
	}

	if err := o.state.RecordModuleOutcome(ctx, robot.ModuleName, true, output.ProcessingTimeMs); err != nil {
		o.logger.Warn("Failed to record module outcome",
			zap.String("module", robot.ModuleName), zap.Error(err))
	}

	now := time.Now().UTC()
	o.cache.SetRobotStatus(robotID, cache.RobotStatusEntry{
		Status:      string(status),
		ModuleName:  robot.ModuleName,
		Progress:    100,
		OutputData:  output.Data,
		UpdatedAt:   now,
		CompletedAt: &now,
	})
	o.events.RobotCompleted(robotID, robot.ModuleName, output)

	o.logger.Info("Robot completed",
		zap.String("robot_id", robotID),
		zap.String("module", robot.ModuleName),
		zap.Int64("processing_time_ms", output.ProcessingTimeMs))
	return nil
}

// FailRobot records a failure. When the execution still has retry
// budget the robot is queued for another attempt instead of being
// finalized.
func (o *Orchestrator) FailRobot(ctx context.Context, robotID string, robotErr model.RobotError) (err error) {
	start := time.Now()
	defer func() { o.tracker.Observe(OpStatusUpdate, time.Since(start), err) }()

	unlock := o.lockRobot(robotID)
	defer unlock()

	robot, err := o.state.GetRobot(ctx, robotID)
	if err != nil {
		return classify("fail_robot", err)
	}
	if robot == nil {
		return notFoundError("fail_robot", "robot "+robotID+" not found")
	}
	if robot.IsTerminal() {
		return &Error{Code: CodeConflict, Op: "fail_robot",
			Message: fmt.Sprintf("robot %s already %s", robotID, robot.Status)}
	}

	exec, err := o.activeExecution(ctx, robotID, robotErr.ExecuteID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	// An execution that never started cannot be retried in place
	willRetry := exec.RetryCount < exec.MaxRetries &&
		exec.State.CanTransition(model.ExecutionStateRetrying)

	execUpdate := model.ExecutionUpdate{
		ErrorMessage: &robotErr.Message,
	}
	if robotErr.StackTrace != "" {
		execUpdate.ErrorStack = &robotErr.StackTrace
	}
	if willRetry {
		retrying := model.ExecutionStateRetrying
		nextRetry := exec.RetryCount + 1
		execUpdate.State = &retrying
		execUpdate.RetryCount = &nextRetry
	} else {
		failed := model.ExecutionStateFailed
		execUpdate.State = &failed
	}
	if _, err := o.state.UpdateExecution(ctx, exec.ExecuteID, execUpdate); err != nil {
		return classify("fail_robot", err)
	}

	robotUpdate := model.RobotUpdate{
		ErrorCategory: &robotErr.Category,
		ErrorDetails:  robotErr.Details,
		LastErrorAt:   &now,
	}
	if willRetry {
		retrying := model.RobotStatusRetrying
		robotUpdate.Status = &retrying
	} else {
		failed := model.RobotStatusFailed
		robotUpdate.Status = &failed
	}
	if _, err := o.state.FinalizeRobot(ctx, robotID, robotUpdate); err != nil {
		return classify("fail_robot", err)
	}

	if err := o.state.RecordModuleOutcome(ctx, robot.ModuleName, false, 0); err != nil {
		o.logger.Warn("Failed to record module outcome",
			zap.String("module", robot.ModuleName), zap.Error(err))
	}

	errPayload, _ := json.Marshal(robotErr)
	o.cache.SetRobotStatus(robotID, cache.RobotStatusEntry{
		Status:     string(*robotUpdate.Status),
		ModuleName: robot.ModuleName,
		Error:      errPayload,
		UpdatedAt:  now,
	})
	o.events.RobotFailed(robotID, robot.ModuleName, robotErr)

	o.logger.Warn("Robot failed",
		zap.String("robot_id", robotID),
		zap.String("module", robot.ModuleName),
		zap.String("category", robotErr.Category),
		zap.Bool("will_retry", willRetry),
		zap.Int("retry_count", exec.RetryCount))
	return nil
}

// CancelRobot aborts a robot that has not yet finished. Its active
// execution moves to CANCELLED and no retries are attempted.
func (o *Orchestrator) CancelRobot(ctx context.Context, robotID, reason string) (err error) {
	start := time.Now()
	defer func() { o.tracker.Observe(OpStatusUpdate, time.Since(start), err) }()

	unlock := o.lockRobot(robotID)
	defer unlock()

	robot, err := o.state.GetRobot(ctx, robotID)
	if err != nil {
		return classify("cancel_robot", err)
	}
	if robot == nil {
		return notFoundError("cancel_robot", "robot "+robotID+" not found")
	}
	if robot.IsTerminal() {
		return &Error{Code: CodeConflict, Op: "cancel_robot",
			Message: fmt.Sprintf("robot %s already %s", robotID, robot.Status)}
	}

	exec, err := o.activeExecution(ctx, robotID, "")
	if err != nil {
		return err
	}

	cancelled := model.ExecutionStateCancelled
	execUpdate := model.ExecutionUpdate{State: &cancelled}
	if reason != "" {
		execUpdate.ErrorMessage = &reason
	}
	if _, err := o.state.UpdateExecution(ctx, exec.ExecuteID, execUpdate); err != nil {
		return classify("cancel_robot", err)
	}

	status := model.RobotStatusCancelled
	if _, err := o.state.FinalizeRobot(ctx, robotID, model.RobotUpdate{Status: &status}); err != nil {
		return classify("cancel_robot", err)
	}

	now := time.Now().UTC()
	o.cache.SetRobotStatus(robotID, cache.RobotStatusEntry{
		Status:     string(status),
		ModuleName: robot.ModuleName,
		UpdatedAt:  now,
	})
	o.events.RobotCancelled(robotID, robot.ModuleName, map[string]string{"reason": reason})

	o.logger.Info("Robot cancelled",
		zap.String("robot_id", robotID),
		zap.String("module", robot.ModuleName),
		zap.String("reason", reason))
	return nil
}

// activeExecution resolves the execution a report refers to, either by
// explicit ID or by the robot's single active execution
func (o *Orchestrator) activeExecution(ctx context.Context, robotID, executeID string) (*model.Execution, error) {
	if executeID != "" {
		exec, err := o.state.GetExecution(ctx, executeID)
		if err != nil {
			return nil, classify("resolve_execution", err)
		}
		if exec == nil || exec.RobotID != robotID {
			return nil, notFoundError("resolve_execution", "execution "+executeID+" not found for robot "+robotID)
		}
		return exec, nil
	}
	exec, err := o.state.GetActiveExecutionForRobot(ctx, robotID)
	if err != nil {
		return nil, classify("resolve_execution", err)
	}
	if exec == nil {
		return nil, notFoundError("resolve_execution", "no active execution for robot "+robotID)
	}
	return exec, nil
}

// RegisterModule adds a processing module to the fleet
func (o *Orchestrator) RegisterModule(ctx context.Context, create model.ModuleCreate) (*model.Module, error) {
	if create.ModuleName == "" {
		return nil, validationError("register_module", "module_name is required")
	}
	if len(create.SupportedRobotTypes) == 0 {
		return nil, validationError("register_module", "supported_robot_types is required")
	}

	now := time.Now().UTC()
	module := &model.Module{
		ModuleID:            "module_" + uuid.NewString(),
		ModuleName:          create.ModuleName,
		ModuleVersion:       create.ModuleVersion,
		SupportedRobotTypes: create.SupportedRobotTypes,
		IsActive:            true,
		HealthEndpoint:      create.HealthEndpoint,
		RegistrationData:    create.RegistrationData,
		HealthStatus:        model.HealthStatusUnknown,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := o.state.RegisterModule(ctx, module); err != nil {
		return nil, classify("register_module", err)
	}

	o.cache.InvalidateModule(module.ModuleName)
	o.events.ModuleRegistered(module.ModuleName, module)

	o.logger.Info("Module registered",
		zap.String("module", module.ModuleName),
		zap.String("version", module.ModuleVersion),
		zap.Strings("robot_types", module.SupportedRobotTypes))
	return module, nil
}

// CheckModuleHealth probes one module and records the result
func (o *Orchestrator) CheckModuleHealth(ctx context.Context, moduleName string) (report model.HealthReport, err error) {
	start := time.Now()
	defer func() { o.tracker.Observe(OpHealthCheck, time.Since(start), err) }()

	module, err := o.state.GetModule(ctx, moduleName)
	if err != nil {
		return model.HealthReport{}, classify("check_module_health", err)
	}
	if module == nil {
		return model.HealthReport{}, notFoundError("check_module_health", "module "+moduleName+" not registered")
	}

	report = o.health.Check(ctx, module)
	report.ModuleName = moduleName
	report.CheckedAt = time.Now().UTC()

	failures := module.ConsecutiveFailures
	if report.HealthStatus == model.HealthStatusHealthy {
		failures = 0
	} else {
		failures++
	}
	update := model.ModuleHealthUpdate{
		HealthStatus:        report.HealthStatus,
		ResponseTimeMs:      report.ResponseTimeMs,
		ConsecutiveFailures: failures,
		LastErrorMessage:    report.ErrorMessage,
	}
	if err := o.state.UpdateModuleHealth(ctx, moduleName, update); err != nil {
		return report, classify("check_module_health", err)
	}

	o.cache.SetModuleHealth(moduleName, report)
	if report.HealthStatus != module.HealthStatus {
		o.events.ModuleHealth(moduleName, report)
		o.logger.Info("Module health changed",
			zap.String("module", moduleName),
			zap.String("from", string(module.HealthStatus)),
			zap.String("to", string(report.HealthStatus)))
	}
	return report, nil
}

// SetModuleActive enables or disables a module for routing. Disabled
// modules keep their history but stop receiving robots.
func (o *Orchestrator) SetModuleActive(ctx context.Context, moduleName string, active bool) error {
	module, err := o.state.GetModule(ctx, moduleName)
	if err != nil {
		return classify("set_module_active", err)
	}
	if module == nil {
		return notFoundError("set_module_active", "module "+moduleName+" not registered")
	}
	if err := o.state.SetModuleActive(ctx, moduleName, active); err != nil {
		return classify("set_module_active", err)
	}

	o.cache.InvalidateModule(moduleName)
	o.cache.Delete("routing_table")

	o.logger.Info("Module routing toggled",
		zap.String("module", moduleName),
		zap.Bool("active", active))
	return nil
}

// GetRobot returns a robot by ID, or nil when it does not exist
func (o *Orchestrator) GetRobot(ctx context.Context, robotID string) (*model.Robot, error) {
	robot, err := o.state.GetRobot(ctx, robotID)
	if err != nil {
		return nil, classify("get_robot", err)
	}
	return robot, nil
}

// GetRobotStatus returns a robot's status view, served from cache when
// the entry is fresh
func (o *Orchestrator) GetRobotStatus(ctx context.Context, robotID string) (*cache.RobotStatusEntry, error) {
	if entry, ok := o.cache.GetRobotStatus(robotID); ok {
		return entry, nil
	}

	robot, err := o.state.GetRobot(ctx, robotID)
	if err != nil {
		return nil, classify("get_robot_status", err)
	}
	if robot == nil {
		return nil, nil
	}

	entry := cache.RobotStatusEntry{
		Status:     string(robot.Status),
		ModuleName: robot.ModuleName,
		OutputData: robot.OutputData,
		UpdatedAt:  robot.UpdatedAt,
	}
	if exec, err := o.state.GetActiveExecutionForRobot(ctx, robotID); err == nil && exec != nil {
		entry.Progress = exec.ProgressPercentage
	}
	o.cache.SetRobotStatus(robotID, entry)
	return &entry, nil
}

// GetActiveRobots returns non-terminal robots, oldest first
func (o *Orchestrator) GetActiveRobots(ctx context.Context, limit int) ([]*model.Robot, error) {
	if limit <= 0 {
		limit = 100
	}
	robots, err := o.state.ListActiveRobots(ctx, limit)
	if err != nil {
		return nil, classify("get_active_robots", err)
	}
	return robots, nil
}

// GetRobotsByModule returns robots routed to a module, newest first
func (o *Orchestrator) GetRobotsByModule(ctx context.Context, moduleName string, limit int) ([]*model.Robot, error) {
	robots, err := o.state.ListRobotsByModule(ctx, moduleName, limit)
	if err != nil {
		return nil, classify("get_robots_by_module", err)
	}
	return robots, nil
}

// GetModule returns a module by name, or nil when not registered
func (o *Orchestrator) GetModule(ctx context.Context, moduleName string) (*model.Module, error) {
	module, err := o.state.GetModule(ctx, moduleName)
	if err != nil {
		return nil, classify("get_module", err)
	}
	return module, nil
}

// GetActiveModules returns all healthy active modules
func (o *Orchestrator) GetActiveModules(ctx context.Context) ([]*model.Module, error) {
	modules, err := o.state.ListActiveModules(ctx)
	if err != nil {
		return nil, classify("get_active_modules", err)
	}
	return modules, nil
}

// SystemHealth is the aggregate health view of the orchestrator
type SystemHealth struct {
	Healthy        bool                    `json:"healthy"`
	StoreBreaker   string                  `json:"store_breaker"`
	CacheHealthy   bool                    `json:"cache_healthy"`
	CacheHitRate   float64                 `json:"cache_hit_rate"`
	TotalModules   int                     `json:"total_modules"`
	HealthyModules int                     `json:"healthy_modules"`
	RobotStats     state.RobotStats        `json:"robot_stats"`
	Host           HostSample              `json:"host"`
	Bottlenecks    []balancer.Bottleneck   `json:"bottlenecks,omitempty"`
	Checked        time.Time               `json:"checked"`
}

// GetSystemHealth aggregates component health into one report
func (o *Orchestrator) GetSystemHealth(ctx context.Context) SystemHealth {
	h := SystemHealth{
		StoreBreaker: o.state.BreakerState().String(),
		CacheHealthy: o.cache.HealthCheck(),
		CacheHitRate: o.cache.HitRate(),
		Host:         o.tracker.SampleHost(),
		Checked:      time.Now().UTC(),
	}

	if modules, err := o.state.ListAllModules(ctx); err == nil {
		h.TotalModules = len(modules)
		for _, m := range modules {
			if m.IsHealthy() {
				h.HealthyModules++
			}
		}
		h.Bottlenecks = o.balancer.Bottlenecks(modules)
	}
	if stats, err := o.state.Stats(ctx, time.Now().Add(-24*time.Hour)); err == nil {
		h.RobotStats = stats
	}

	h.Healthy = h.StoreBreaker == "CLOSED" && h.CacheHealthy &&
		(h.TotalModules == 0 || h.HealthyModules > 0)
	return h
}

// PerformanceMetrics bundles latency, selection and cache statistics
type PerformanceMetrics struct {
	WindowHours int                         `json:"window_hours"`
	Operations  map[string]OpStats          `json:"operations"`
	Robots      state.RobotStats            `json:"robots"`
	Balancer    balancer.PerformanceSummary `json:"balancer"`
	Selections  map[string]int64            `json:"selections"`
	CacheHits   int64                       `json:"cache_hits"`
	CacheMiss   int64                       `json:"cache_misses"`
}

// GetPerformanceMetrics returns performance statistics. Robot counts
// cover the given window; operation latencies are tracked over a
// rolling sample window regardless of the hours requested.
func (o *Orchestrator) GetPerformanceMetrics(ctx context.Context, windowHours int) PerformanceMetrics {
	if windowHours <= 0 {
		windowHours = 24
	}
	m := PerformanceMetrics{
		WindowHours: windowHours,
		Operations:  o.tracker.Snapshot(),
		Selections:  o.balancer.SelectionStats(),
	}
	m.CacheHits, m.CacheMiss = o.cache.Stats()
	since := time.Now().Add(-time.Duration(windowHours) * time.Hour)
	if stats, err := o.state.Stats(ctx, since); err == nil {
		m.Robots = stats
	}
	if modules, err := o.state.ListAllModules(ctx); err == nil {
		m.Balancer = o.balancer.Summary(modules)
	}
	return m
}

// Start launches the background loops: periodic health checks,
// performance refresh and the daily cleanup.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.wg.Add(2)
	go o.healthLoop(ctx)
	go o.performanceLoop(ctx)

	o.cron = cron.New()
	if _, err := o.cron.AddFunc(o.cfg.CleanupSchedule, func() {
		o.runCleanup(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}
	o.cron.Start()

	o.logger.Info("Orchestrator started",
		zap.Duration("health_check_interval", o.cfg.HealthCheckInterval),
		zap.Duration("performance_check_interval", o.cfg.PerformanceCheckInterval),
		zap.String("cleanup_schedule", o.cfg.CleanupSchedule))
	return nil
}

// Stop shuts down the background loops and waits for them to finish
func (o *Orchestrator) Stop() {
	close(o.stop)
	if o.cron != nil {
		cronCtx := o.cron.Stop()
		<-cronCtx.Done()
	}
	o.wg.Wait()
	o.logger.Info("Orchestrator stopped")
}

func (o *Orchestrator) healthLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := o.checkAllModules(ctx); err != nil {
				o.logger.Error("Health loop iteration failed", zap.Error(err))
				o.pause(ctx, o.cfg.LoopRetryBackoff)
				continue
			}
			if err := o.sweepTimedOutExecutions(ctx); err != nil {
				o.logger.Error("Timeout sweep failed", zap.Error(err))
				o.pause(ctx, o.cfg.LoopRetryBackoff)
			}
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		}
	}
}

// pause sleeps between failed loop iterations, waking early on shutdown
func (o *Orchestrator) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-o.stop:
	}
}

func (o *Orchestrator) checkAllModules(ctx context.Context) error {
	modules, err := o.state.ListAllModules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list modules: %w", err)
	}
	for _, m := range modules {
		if !m.IsActive {
			continue
		}
		if _, err := o.CheckModuleHealth(ctx, m.ModuleName); err != nil {
			o.logger.Warn("Health check failed",
				zap.String("module", m.ModuleName), zap.Error(err))
		}
	}
	return nil
}

// sweepTimedOutExecutions fails executions that ran past their timeout
func (o *Orchestrator) sweepTimedOutExecutions(ctx context.Context) error {
	execs, err := o.state.ListActiveExecutions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list executions: %w", err)
	}
	now := time.Now()
	for _, exec := range execs {
		if !exec.TimedOut(now) {
			continue
		}
		err := o.FailRobot(ctx, exec.RobotID, model.RobotError{
			ExecuteID: exec.ExecuteID,
			Category:  "timeout",
			Message:   fmt.Sprintf("execution exceeded timeout of %ds", exec.TimeoutSeconds),
		})
		if err != nil {
			o.logger.Warn("Failed to time out execution",
				zap.String("execute_id", exec.ExecuteID), zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) performanceLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.PerformanceCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := o.refreshModulePerformance(ctx); err != nil {
				o.logger.Error("Performance loop iteration failed", zap.Error(err))
				o.pause(ctx, o.cfg.LoopRetryBackoff)
				continue
			}
			o.warmCaches(ctx)
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		}
	}
}

// refreshModulePerformance recomputes each module's routing inputs
// from its accumulated counters and current load
func (o *Orchestrator) refreshModulePerformance(ctx context.Context) error {
	modules, err := o.state.ListAllModules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list modules: %w", err)
	}
	active, err := o.state.ListActiveRobots(ctx, 1000)
	if err != nil {
		return fmt.Errorf("failed to list active robots: %w", err)
	}
	activeByModule := make(map[string]int)
	for _, r := range active {
		activeByModule[r.ModuleName]++
	}

	for _, m := range modules {
		update := computePerformance(m, activeByModule[m.ModuleName])
		if err := o.state.UpdateModulePerformance(ctx, m.ModuleName, update); err != nil {
			o.logger.Warn("Failed to update module performance",
				zap.String("module", m.ModuleName), zap.Error(err))
			continue
		}
		o.cache.SetModulePerformance(m.ModuleName, update)
	}
	o.logger.Debug("Module performance refreshed", zap.Int("modules", len(modules)))
	return nil
}

// warmCaches re-primes module health entries and the routing table so
// lookups after a quiet period still land on warm data. Routes are
// ranked by current score, best first.
func (o *Orchestrator) warmCaches(ctx context.Context) {
	modules, err := o.state.ListActiveModules(ctx)
	if err != nil {
		o.logger.Error("Performance loop: failed to warm caches", zap.Error(err))
		return
	}

	type ranked struct {
		name  string
		score float64
	}
	byType := make(map[string][]ranked)
	for _, m := range modules {
		report := model.HealthReport{
			ModuleName:   m.ModuleName,
			HealthStatus: m.HealthStatus,
		}
		if m.LastHealthCheck != nil {
			report.CheckedAt = *m.LastHealthCheck
		}
		o.cache.SetModuleHealth(m.ModuleName, report)
		score := o.balancer.Score(m)
		for _, rt := range m.SupportedRobotTypes {
			byType[rt] = append(byType[rt], ranked{name: m.ModuleName, score: score})
		}
	}

	routes := make(cache.RoutingTable, len(byType))
	for rt, candidates := range byType {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].score > candidates[j].score
		})
		names := make([]string, len(candidates))
		for i, c := range candidates {
			names[i] = c.name
		}
		routes[rt] = names
	}
	o.cache.MergeRoutingTable(routes)
	o.logger.Debug("Caches warmed",
		zap.Int("modules", len(modules)),
		zap.Int("robot_types", len(routes)))
}

// moduleCapacity is the nominal number of concurrent robots one module
// is expected to carry
const moduleCapacity = 10

func computePerformance(m *model.Module, activeRobots int) model.ModulePerformanceUpdate {
	successRate := 1.0
	if m.TotalRobotsProcessed > 0 {
		failures := float64(m.ErrorCount24h)
		total := float64(m.TotalRobotsProcessed)
		if failures > total {
			failures = total
		}
		successRate = 1 - failures/total
	}

	speed := 1 - float64(m.AvgProcessingTimeMs)/10000
	if speed < 0 {
		speed = 0
	}

	util := float64(activeRobots) / moduleCapacity
	if util > 1 {
		util = 1
	}

	return model.ModulePerformanceUpdate{
		PerformanceScore:    successRate*0.7 + speed*0.3,
		CapacityUtilization: util,
		AvgProcessingTimeMs: m.AvgProcessingTimeMs,
		ErrorCount24h:       m.ErrorCount24h,
		SuccessRate24h:      successRate,
	}
}

func (o *Orchestrator) runCleanup(ctx context.Context) {
	retention := time.Duration(o.cfg.RetentionDays) * 24 * time.Hour
	removed, err := o.state.CleanupOldData(ctx, retention)
	if err != nil {
		o.logger.Error("Cleanup failed", zap.Error(err))
	} else {
		o.logger.Info("Cleanup finished", zap.Int64("rows_removed", removed))
	}

	for _, hook := range o.cleanupHooks {
		if err := hook(ctx); err != nil {
			o.logger.Warn("Cleanup hook failed", zap.Error(err))
		}
	}
}

// httpHealthChecker probes a module's health endpoint over HTTP
type httpHealthChecker struct {
	client *http.Client
}

func (c *httpHealthChecker) Check(ctx context.Context, module *model.Module) model.HealthReport {
	report := model.HealthReport{ModuleName: module.ModuleName}
	if module.HealthEndpoint == "" {
		report.HealthStatus = model.HealthStatusUnknown
		return report
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, module.HealthEndpoint, nil)
	if err != nil {
		report.HealthStatus = model.HealthStatusUnhealthy
		report.ErrorMessage = err.Error()
		return report
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	report.ResponseTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		report.HealthStatus = model.HealthStatusUnhealthy
		report.ErrorMessage = err.Error()
		return report
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		report.HealthStatus = model.HealthStatusHealthy
	case resp.StatusCode >= 500:
		report.HealthStatus = model.HealthStatusUnhealthy
		report.ErrorMessage = resp.Status
	default:
		report.HealthStatus = model.HealthStatusDegraded
		report.ErrorMessage = resp.Status
	}
	return report
}
