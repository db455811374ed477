package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/robofleet/orchestrator/internal/breaker"
	"github.com/robofleet/orchestrator/internal/model"
	"github.com/robofleet/orchestrator/internal/testutil"
)

func newTestManager(repo *testutil.MemoryRepo) *Manager {
	return NewManager(repo, breaker.Config{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
	}, zap.NewNop())
}

func seedRobot(t *testing.T, m *Manager, id string, status model.RobotStatus) {
	t.Helper()
	require.NoError(t, m.CreateRobot(context.Background(), &model.Robot{
		RobotID:   id,
		RobotName: "test",
		RobotType: "vision",
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}))
}

func TestManager_GetRobot_NilOnAbsent(t *testing.T) {
	m := newTestManager(testutil.NewMemoryRepo())

	robot, err := m.GetRobot(context.Background(), "robot_missing")
	require.NoError(t, err)
	assert.Nil(t, robot)
}

func TestManager_UpdateRobot_RejectsTerminal(t *testing.T) {
	m := newTestManager(testutil.NewMemoryRepo())
	ctx := context.Background()

	seedRobot(t, m, "robot_done", model.RobotStatusCompleted)

	processing := model.RobotStatusProcessing
	_, err := m.UpdateRobot(ctx, "robot_done", model.RobotUpdate{Status: &processing})
	assert.ErrorIs(t, err, ErrRobotTerminal)

	// FinalizeRobot bypasses the terminal guard
	score := 0.9
	robot, err := m.FinalizeRobot(ctx, "robot_done", model.RobotUpdate{ConfidenceScore: &score})
	require.NoError(t, err)
	assert.Equal(t, 0.9, robot.ConfidenceScore)
}

func TestManager_UpdateExecution_ValidatesTransitions(t *testing.T) {
	m := newTestManager(testutil.NewMemoryRepo())
	ctx := context.Background()

	require.NoError(t, m.CreateExecution(ctx, &model.Execution{
		ExecuteID: "exec_1",
		RobotID:   "robot_1",
		State:     model.ExecutionStatePending,
		StartedAt: time.Now().UTC(),
	}))

	// PENDING cannot jump straight to COMPLETED
	completed := model.ExecutionStateCompleted
	_, err := m.UpdateExecution(ctx, "exec_1", model.ExecutionUpdate{State: &completed})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	running := model.ExecutionStateRunning
	exec, err := m.UpdateExecution(ctx, "exec_1", model.ExecutionUpdate{State: &running})
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStateRunning, exec.State)

	exec, err = m.UpdateExecution(ctx, "exec_1", model.ExecutionUpdate{State: &completed})
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStateCompleted, exec.State)
	require.NotNil(t, exec.CompletedAt)

	// Updating an unknown execution fails loudly
	_, err = m.UpdateExecution(ctx, "exec_missing", model.ExecutionUpdate{State: &running})
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestManager_BreakerTripsOnStoreFailure(t *testing.T) {
	repo := testutil.NewMemoryRepo()
	m := newTestManager(repo)
	ctx := context.Background()

	repo.SetFailAll(true)

	_, err := m.GetRobot(ctx, "robot_1")
	require.ErrorIs(t, err, testutil.ErrRepoDown)
	_, err = m.GetRobot(ctx, "robot_1")
	require.ErrorIs(t, err, testutil.ErrRepoDown)

	// Threshold reached; calls short-circuit without touching the repo
	_, err = m.GetRobot(ctx, "robot_1")
	assert.ErrorIs(t, err, breaker.ErrCircuitOpen)
	assert.Equal(t, breaker.StateOpen, m.BreakerState())
}

func TestManager_CleanupOldData(t *testing.T) {
	repo := testutil.NewMemoryRepo()
	m := newTestManager(repo)
	ctx := context.Background()

	old := time.Now().UTC().Add(-60 * 24 * time.Hour)
	require.NoError(t, m.CreateRobot(ctx, &model.Robot{
		RobotID:   "robot_old",
		Status:    model.RobotStatusCompleted,
		CreatedAt: old,
	}))
	require.NoError(t, m.CreateExecution(ctx, &model.Execution{
		ExecuteID:   "exec_old",
		RobotID:     "robot_old",
		State:       model.ExecutionStateCompleted,
		StartedAt:   old,
		CompletedAt: &old,
	}))
	seedRobot(t, m, "robot_fresh", model.RobotStatusProcessing)

	removed, err := m.CleanupOldData(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	fresh, err := m.GetRobot(ctx, "robot_fresh")
	require.NoError(t, err)
	assert.NotNil(t, fresh)
}
