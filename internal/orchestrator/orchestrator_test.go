package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/robofleet/orchestrator/internal/balancer"
	"github.com/robofleet/orchestrator/internal/breaker"
	"github.com/robofleet/orchestrator/internal/cache"
	"github.com/robofleet/orchestrator/internal/config"
	"github.com/robofleet/orchestrator/internal/model"
	"github.com/robofleet/orchestrator/internal/security"
	"github.com/robofleet/orchestrator/internal/state"
	"github.com/robofleet/orchestrator/internal/testutil"
)

// stubHealth always reports a fixed status
type stubHealth struct {
	status model.HealthStatus
}

func (s stubHealth) Check(ctx context.Context, module *model.Module) model.HealthReport {
	return model.HealthReport{HealthStatus: s.status}
}

func newTestOrchestrator(t *testing.T, repo *testutil.MemoryRepo) (*Orchestrator, string) {
	return newSecuredOrchestrator(t, repo, nil)
}

// newSecuredOrchestrator wires a real validator with one caller key
// scoped to robot operations. Passing buckets overrides the default
// rate limits.
func newSecuredOrchestrator(t *testing.T, repo *testutil.MemoryRepo, buckets map[string]security.Bucket) (*Orchestrator, string) {
	t.Helper()

	logger := zap.NewNop()
	client, err := cache.NewClient(cache.Options{InMemory: true}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	mgr := state.NewManager(repo, breaker.Config{FailureThreshold: 3, RecoveryTimeout: time.Minute}, logger)

	validator := security.NewValidator(security.NewRateLimiter(buckets), nil, 0, logger)
	apiKey, err := validator.CreateKey("test-caller", []string{"robot:*"}, 0)
	require.NoError(t, err)

	o := New(Options{
		Config: config.OrchestratorConfig{
			HealthCheckInterval:      time.Minute,
			PerformanceCheckInterval: time.Minute,
			CleanupSchedule:          "0 3 * * *",
			RetentionDays:            30,
			RobotTimeout:             30 * time.Minute,
			DefaultTotalSteps:        5,
			DefaultMaxRetries:        2,
		},
		State:     mgr,
		Cache:     cache.NewManager(client, cache.DefaultTTLConfig(), logger),
		Balancer:  balancer.New(logger),
		Tracker:   NewTracker(nil, logger),
		Health:    stubHealth{status: model.HealthStatusHealthy},
		Validator: validator,
	}, logger)
	return o, apiKey
}

func registerTestModule(t *testing.T, o *Orchestrator, name string, robotTypes ...string) {
	t.Helper()
	module, err := o.RegisterModule(context.Background(), model.ModuleCreate{
		ModuleName:          name,
		ModuleVersion:       "1.0.0",
		SupportedRobotTypes: robotTypes,
	})
	require.NoError(t, err)

	// New modules report UNKNOWN until their first probe
	assert.Equal(t, model.HealthStatusUnknown, module.HealthStatus)
	_, err = o.CheckModuleHealth(context.Background(), name)
	require.NoError(t, err)
}

func TestOrchestrator_ProcessRobot(t *testing.T) {
	repo := testutil.NewMemoryRepo()
	o, key := newTestOrchestrator(t, repo)
	ctx := context.Background()

	registerTestModule(t, o, "vision-worker", "vision")

	robot, err := o.ProcessRobot(ctx, key, model.RobotCreate{
		RobotName: "inspect-line-3",
		RobotType: "vision",
	})
	require.NoError(t, err)
	assert.Contains(t, robot.RobotID, "robot_")
	assert.Equal(t, model.RobotStatusPending, robot.Status)
	assert.Equal(t, "vision-worker", robot.ModuleName)

	// An execution record is opened alongside the robot
	exec, err := repo.GetActiveExecutionForRobot(ctx, robot.RobotID)
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, model.ExecutionStatePending, exec.State)
	assert.Contains(t, exec.ExecuteID, "exec_")

	// Status is cached immediately
	status, err := o.GetRobotStatus(ctx, robot.RobotID)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, string(model.RobotStatusPending), status.Status)
}

func TestOrchestrator_ProcessRobot_Unauthorized(t *testing.T) {
	o, _ := newTestOrchestrator(t, testutil.NewMemoryRepo())
	ctx := context.Background()

	registerTestModule(t, o, "vision-worker", "vision")
	create := model.RobotCreate{RobotName: "r", RobotType: "vision"}

	// No identity at all
	_, err := o.ProcessRobot(ctx, "", create)
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, CodeUnauthorized, oerr.Code)

	// A key the validator never issued
	_, err = o.ProcessRobot(ctx, "rok_deadbeef", create)
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, CodeUnauthorized, oerr.Code)

	// An issued key without robot permissions
	reporter, err := o.validator.CreateKey("reporter", []string{"metrics:read"}, 0)
	require.NoError(t, err)
	_, err = o.ProcessRobot(ctx, reporter, create)
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, CodeForbidden, oerr.Code)
}

func TestOrchestrator_ProcessRobot_RateLimited(t *testing.T) {
	o, key := newSecuredOrchestrator(t, testutil.NewMemoryRepo(), map[string]security.Bucket{
		"default": {Limit: 3, Window: time.Minute},
	})
	ctx := context.Background()

	registerTestModule(t, o, "vision-worker", "vision")

	for i := 0; i < 3; i++ {
		_, err := o.ProcessRobot(ctx, key, model.RobotCreate{
			RobotName: "r",
			RobotType: "vision",
		})
		require.NoError(t, err)
	}

	_, err := o.ProcessRobot(ctx, key, model.RobotCreate{
		RobotName: "r",
		RobotType: "vision",
	})
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, CodeRateLimited, oerr.Code)
	assert.True(t, oerr.Retryable)
}

func TestOrchestrator_ProcessRobot_Validation(t *testing.T) {
	o, key := newTestOrchestrator(t, testutil.NewMemoryRepo())
	ctx := context.Background()

	_, err := o.ProcessRobot(ctx, key, model.RobotCreate{RobotType: "vision"})
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, CodeValidation, oerr.Code)

	_, err = o.ProcessRobot(ctx, key, model.RobotCreate{RobotName: "x"})
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, CodeValidation, oerr.Code)

	_, err = o.ProcessRobot(ctx, key, model.RobotCreate{
		RobotName:  "x",
		RobotType:  "vision",
		ConfigData: []byte(`{bad json`),
	})
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, CodeValidation, oerr.Code)
}

func TestOrchestrator_ProcessRobot_NoModule(t *testing.T) {
	o, key := newTestOrchestrator(t, testutil.NewMemoryRepo())

	_, err := o.ProcessRobot(context.Background(), key, model.RobotCreate{
		RobotName: "orphan",
		RobotType: "vision",
	})
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, CodeNoModule, oerr.Code)
	assert.True(t, oerr.Retryable)
}

func TestOrchestrator_RobotLifecycle(t *testing.T) {
	repo := testutil.NewMemoryRepo()
	o, key := newTestOrchestrator(t, repo)
	ctx := context.Background()

	registerTestModule(t, o, "nav-worker", "navigation")

	robot, err := o.ProcessRobot(ctx, key, model.RobotCreate{
		RobotName: "patrol-7",
		RobotType: "navigation",
	})
	require.NoError(t, err)

	err = o.UpdateRobotProgress(ctx, robot.RobotID, model.RobotProgress{
		CurrentStep:        "path-planning",
		CompletedSteps:     2,
		ProgressPercentage: 40,
		CompletenessScore:  0.4,
	})
	require.NoError(t, err)

	// First progress report moves the execution to RUNNING
	exec, err := repo.GetActiveExecutionForRobot(ctx, robot.RobotID)
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, model.ExecutionStateRunning, exec.State)
	assert.Equal(t, 40, exec.ProgressPercentage)

	updated, err := o.GetRobot(ctx, robot.RobotID)
	require.NoError(t, err)
	assert.Equal(t, model.RobotStatusProcessing, updated.Status)

	err = o.CompleteRobot(ctx, robot.RobotID, model.RobotOutput{
		Data:             []byte(`{"distance_m": 1240}`),
		ConfidenceScore:  0.95,
		ProcessingTimeMs: 5400,
	})
	require.NoError(t, err)

	final, err := o.GetRobot(ctx, robot.RobotID)
	require.NoError(t, err)
	assert.Equal(t, model.RobotStatusCompleted, final.Status)
	assert.JSONEq(t, `{"distance_m": 1240}`, string(final.OutputData))

	// Late reports against a finished robot are rejected
	err = o.UpdateRobotProgress(ctx, robot.RobotID, model.RobotProgress{ProgressPercentage: 50})
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, CodeConflict, oerr.Code)

	err = o.CompleteRobot(ctx, robot.RobotID, model.RobotOutput{})
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, CodeConflict, oerr.Code)
}

func TestOrchestrator_FailAndRetry(t *testing.T) {
	repo := testutil.NewMemoryRepo()
	o, key := newTestOrchestrator(t, repo)
	ctx := context.Background()

	registerTestModule(t, o, "arm-worker", "manipulation")

	robot, err := o.ProcessRobot(ctx, key, model.RobotCreate{
		RobotName: "pick-place-1",
		RobotType: "manipulation",
	})
	require.NoError(t, err)

	// The module starts working before anything goes wrong
	require.NoError(t, o.UpdateRobotProgress(ctx, robot.RobotID, model.RobotProgress{
		ProgressPercentage: 5,
	}))

	// First two failures stay within the retry budget of 2
	for i := 1; i <= 2; i++ {
		err = o.FailRobot(ctx, robot.RobotID, model.RobotError{
			Category: "grip_slip",
			Message:  "object slipped",
		})
		require.NoError(t, err)

		r, err := o.GetRobot(ctx, robot.RobotID)
		require.NoError(t, err)
		assert.Equal(t, model.RobotStatusRetrying, r.Status, "attempt %d", i)

		exec, err := repo.GetActiveExecutionForRobot(ctx, robot.RobotID)
		require.NoError(t, err)
		require.NotNil(t, exec)
		assert.Equal(t, model.ExecutionStateRetrying, exec.State)
		assert.Equal(t, i, exec.RetryCount)

		// The module picks the robot back up
		require.NoError(t, o.UpdateRobotProgress(ctx, robot.RobotID, model.RobotProgress{
			ProgressPercentage: 10,
		}))
	}

	// Third failure exhausts the budget
	err = o.FailRobot(ctx, robot.RobotID, model.RobotError{
		Category: "grip_slip",
		Message:  "object slipped again",
	})
	require.NoError(t, err)

	r, err := o.GetRobot(ctx, robot.RobotID)
	require.NoError(t, err)
	assert.Equal(t, model.RobotStatusFailed, r.Status)
	assert.Equal(t, "grip_slip", r.ErrorCategory)
	require.NotNil(t, r.LastErrorAt)

	exec, err := repo.GetActiveExecutionForRobot(ctx, robot.RobotID)
	require.NoError(t, err)
	assert.Nil(t, exec, "no execution should remain active")

	// Module error counters reflect the failures
	module, err := o.GetModule(ctx, "arm-worker")
	require.NoError(t, err)
	assert.Equal(t, 3, module.ErrorCount24h)
}

func TestOrchestrator_FailBeforeStartNotRetried(t *testing.T) {
	repo := testutil.NewMemoryRepo()
	o, key := newTestOrchestrator(t, repo)
	ctx := context.Background()

	registerTestModule(t, o, "arm-worker", "manipulation")

	robot, err := o.ProcessRobot(ctx, key, model.RobotCreate{
		RobotName: "never-started",
		RobotType: "manipulation",
	})
	require.NoError(t, err)

	// Failing an execution that never reported progress finalizes it
	// directly: there is no attempt in flight to retry.
	err = o.FailRobot(ctx, robot.RobotID, model.RobotError{
		Category: "module_crash",
		Message:  "module died before first step",
	})
	require.NoError(t, err)

	r, err := o.GetRobot(ctx, robot.RobotID)
	require.NoError(t, err)
	assert.Equal(t, model.RobotStatusFailed, r.Status)

	exec, err := repo.GetActiveExecutionForRobot(ctx, robot.RobotID)
	require.NoError(t, err)
	assert.Nil(t, exec)
}

func TestOrchestrator_SelectOptimalModule_CacheFirst(t *testing.T) {
	repo := testutil.NewMemoryRepo()
	o, _ := newTestOrchestrator(t, repo)
	ctx := context.Background()

	registerTestModule(t, o, "worker-a", "vision")
	registerTestModule(t, o, "worker-b", "vision")

	first, err := o.SelectOptimalModule(ctx, "vision")
	require.NoError(t, err)

	// The routing table now pins the type to the first selection, even
	// though the balancer would rotate to the other module
	second, err := o.SelectOptimalModule(ctx, "vision")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// When the routed module becomes unusable the balancer takes over
	require.NoError(t, repo.UpdateModuleHealth(ctx, first, model.ModuleHealthUpdate{
		HealthStatus: model.HealthStatusUnhealthy,
	}))

	third, err := o.SelectOptimalModule(ctx, "vision")
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestOrchestrator_UnknownRobot(t *testing.T) {
	o, _ := newTestOrchestrator(t, testutil.NewMemoryRepo())
	ctx := context.Background()

	err := o.UpdateRobotProgress(ctx, "robot_missing", model.RobotProgress{})
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, CodeNotFound, oerr.Code)

	robot, err := o.GetRobot(ctx, "robot_missing")
	require.NoError(t, err)
	assert.Nil(t, robot)
}

func TestOrchestrator_SystemHealth(t *testing.T) {
	repo := testutil.NewMemoryRepo()
	o, _ := newTestOrchestrator(t, repo)
	ctx := context.Background()

	registerTestModule(t, o, "worker-a", "vision")

	h := o.GetSystemHealth(ctx)
	assert.True(t, h.Healthy)
	assert.Equal(t, "CLOSED", h.StoreBreaker)
	assert.True(t, h.CacheHealthy)
	assert.Equal(t, 1, h.TotalModules)
	assert.Equal(t, 1, h.HealthyModules)
}

func TestOrchestrator_StoreOutageOpensBreaker(t *testing.T) {
	repo := testutil.NewMemoryRepo()
	o, _ := newTestOrchestrator(t, repo)
	ctx := context.Background()

	registerTestModule(t, o, "worker-a", "vision")
	repo.SetFailAll(true)

	// Repeated store failures trip the breaker
	for i := 0; i < 3; i++ {
		_, err := o.GetActiveRobots(ctx, 10)
		require.Error(t, err)
	}

	_, err := o.GetActiveRobots(ctx, 10)
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, CodeCircuitOpen, oerr.Code)
	assert.True(t, oerr.Retryable)
}

func TestOrchestrator_LoopIterationErrors(t *testing.T) {
	repo := testutil.NewMemoryRepo()
	o, _ := newTestOrchestrator(t, repo)
	ctx := context.Background()

	registerTestModule(t, o, "worker-a", "vision")
	repo.SetFailAll(true)

	// A store outage surfaces from the loop bodies so the loops can
	// back off instead of spinning
	require.Error(t, o.checkAllModules(ctx))
	require.Error(t, o.refreshModulePerformance(ctx))

	// The backoff wakes early on shutdown
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	start := time.Now()
	o.pause(cancelled, time.Hour)
	assert.Less(t, time.Since(start), time.Second)
}

func TestOrchestrator_PerformanceRefresh(t *testing.T) {
	repo := testutil.NewMemoryRepo()
	o, key := newTestOrchestrator(t, repo)
	ctx := context.Background()

	registerTestModule(t, o, "worker-a", "vision")

	for i := 0; i < 4; i++ {
		_, err := o.ProcessRobot(ctx, key, model.RobotCreate{
			RobotName: "r",
			RobotType: "vision",
		})
		require.NoError(t, err)
	}

	require.NoError(t, o.refreshModulePerformance(ctx))

	module, err := o.GetModule(ctx, "worker-a")
	require.NoError(t, err)
	assert.InDelta(t, 0.4, module.CapacityUtilization, 1e-9)
	assert.Greater(t, module.PerformanceScore, 0.0)
}

func TestOrchestrator_ModuleOutcomeAveraging(t *testing.T) {
	repo := testutil.NewMemoryRepo()
	o, key := newTestOrchestrator(t, repo)
	ctx := context.Background()

	registerTestModule(t, o, "weld-worker", "welding")

	run := func(name string) *model.Robot {
		t.Helper()
		robot, err := o.ProcessRobot(ctx, key, model.RobotCreate{
			RobotName: name,
			RobotType: "welding",
		})
		require.NoError(t, err)
		require.NoError(t, o.UpdateRobotProgress(ctx, robot.RobotID, model.RobotProgress{
			ProgressPercentage: 10,
		}))
		return robot
	}

	first := run("seam-1")
	require.NoError(t, o.CompleteRobot(ctx, first.RobotID, model.RobotOutput{
		ProcessingTimeMs: 4000,
	}))

	module, err := o.GetModule(ctx, "weld-worker")
	require.NoError(t, err)
	assert.Equal(t, int64(4000), module.AvgProcessingTimeMs)

	// Failures carry no duration and must not drag the average down
	second := run("seam-2")
	for i := 0; i < 2; i++ {
		require.NoError(t, o.FailRobot(ctx, second.RobotID, model.RobotError{
			Category: "arc_fault",
			Message:  "arc lost",
		}))
		require.NoError(t, o.UpdateRobotProgress(ctx, second.RobotID, model.RobotProgress{
			ProgressPercentage: 20,
		}))
	}
	require.NoError(t, o.FailRobot(ctx, second.RobotID, model.RobotError{
		Category: "arc_fault",
		Message:  "arc lost",
	}))

	module, err = o.GetModule(ctx, "weld-worker")
	require.NoError(t, err)
	assert.Equal(t, int64(4000), module.AvgProcessingTimeMs)
	assert.Equal(t, 3, module.ErrorCount24h)

	// A second real duration folds in
	third := run("seam-3")
	require.NoError(t, o.CompleteRobot(ctx, third.RobotID, model.RobotOutput{
		ProcessingTimeMs: 2000,
	}))

	module, err = o.GetModule(ctx, "weld-worker")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), module.AvgProcessingTimeMs)
}

func TestOrchestrator_GetPerformanceMetrics(t *testing.T) {
	repo := testutil.NewMemoryRepo()
	o, key := newTestOrchestrator(t, repo)
	ctx := context.Background()

	registerTestModule(t, o, "worker-a", "vision")

	for i := 0; i < 2; i++ {
		_, err := o.ProcessRobot(ctx, key, model.RobotCreate{
			RobotName: "r",
			RobotType: "vision",
		})
		require.NoError(t, err)
	}

	m := o.GetPerformanceMetrics(ctx, 0)
	assert.Equal(t, 24, m.WindowHours)
	assert.Equal(t, 2, m.Robots.Total)
	assert.Equal(t, 2, m.Robots.Active)

	m = o.GetPerformanceMetrics(ctx, 1)
	assert.Equal(t, 1, m.WindowHours)
	assert.Equal(t, 2, m.Robots.Total)
}

func TestOrchestrator_WarmCaches(t *testing.T) {
	repo := testutil.NewMemoryRepo()
	o, _ := newTestOrchestrator(t, repo)
	ctx := context.Background()

	registerTestModule(t, o, "worker-a", "vision")
	registerTestModule(t, o, "worker-b", "vision", "navigation")

	o.warmCaches(ctx)

	table, ok := o.cache.GetRoutingTable()
	require.True(t, ok)
	assert.Len(t, table["vision"], 2)
	assert.Equal(t, []string{"worker-b"}, table["navigation"])

	// Warming repopulates the health entries too
	var cached model.HealthReport
	require.True(t, o.cache.GetModuleHealth("worker-a", &cached))
	assert.Equal(t, "worker-a", cached.ModuleName)
	assert.Equal(t, model.HealthStatusHealthy, cached.HealthStatus)
}

func TestOrchestrator_CancelRobot(t *testing.T) {
	repo := testutil.NewMemoryRepo()
	o, key := newTestOrchestrator(t, repo)
	ctx := context.Background()

	registerTestModule(t, o, "vision-worker", "vision")
	robot, err := o.ProcessRobot(ctx, key, model.RobotCreate{
		RobotName: "doomed",
		RobotType: "vision",
	})
	require.NoError(t, err)

	require.NoError(t, o.CancelRobot(ctx, robot.RobotID, "operator abort"))

	got, err := o.GetRobot(ctx, robot.RobotID)
	require.NoError(t, err)
	assert.Equal(t, model.RobotStatusCancelled, got.Status)

	// No active execution survives a cancellation
	execs, err := repo.ListActiveExecutions(ctx)
	require.NoError(t, err)
	assert.Empty(t, execs)

	// Terminal robots cannot be cancelled again
	err = o.CancelRobot(ctx, robot.RobotID, "again")
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, CodeConflict, oerr.Code)
}

func TestOrchestrator_SetModuleActive(t *testing.T) {
	repo := testutil.NewMemoryRepo()
	o, key := newTestOrchestrator(t, repo)
	ctx := context.Background()

	registerTestModule(t, o, "vision-worker", "vision")

	require.NoError(t, o.SetModuleActive(ctx, "vision-worker", false))

	_, err := o.ProcessRobot(ctx, key, model.RobotCreate{
		RobotName: "r",
		RobotType: "vision",
	})
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, CodeNoModule, oerr.Code)

	// Re-enabling restores routing
	require.NoError(t, o.SetModuleActive(ctx, "vision-worker", true))
	_, err = o.ProcessRobot(ctx, key, model.RobotCreate{
		RobotName: "r",
		RobotType: "vision",
	})
	require.NoError(t, err)

	err = o.SetModuleActive(ctx, "ghost", true)
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, CodeNotFound, oerr.Code)
}

func TestComputePerformance(t *testing.T) {
	m := &model.Module{
		TotalRobotsProcessed: 100,
		ErrorCount24h:        10,
		AvgProcessingTimeMs:  2000,
	}
	update := computePerformance(m, 5)
	assert.InDelta(t, 0.9, update.SuccessRate24h, 1e-9)
	assert.InDelta(t, 0.5, update.CapacityUtilization, 1e-9)
	assert.InDelta(t, 0.9*0.7+0.8*0.3, update.PerformanceScore, 1e-9)

	// No history means a clean slate
	update = computePerformance(&model.Module{}, 0)
	assert.InDelta(t, 1.0, update.SuccessRate24h, 1e-9)
	assert.InDelta(t, 0.0, update.CapacityUtilization, 1e-9)
}
