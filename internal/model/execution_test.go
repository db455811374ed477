package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExecutionStateTransitions(t *testing.T) {
	allowed := []struct {
		from, to ExecutionState
	}{
		{ExecutionStatePending, ExecutionStateRunning},
		{ExecutionStatePending, ExecutionStateCancelled},
		{ExecutionStatePending, ExecutionStateFailed},
		{ExecutionStateRunning, ExecutionStatePaused},
		{ExecutionStateRunning, ExecutionStateCompleted},
		{ExecutionStateRunning, ExecutionStateFailed},
		{ExecutionStateRunning, ExecutionStateRetrying},
		{ExecutionStatePaused, ExecutionStateRunning},
		{ExecutionStatePaused, ExecutionStateCancelled},
		{ExecutionStateRetrying, ExecutionStateRunning},
		{ExecutionStateRetrying, ExecutionStateFailed},
		{ExecutionStateFailed, ExecutionStateRetrying},
	}
	for _, tc := range allowed {
		assert.True(t, tc.from.CanTransition(tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct {
		from, to ExecutionState
	}{
		{ExecutionStatePending, ExecutionStatePaused},
		{ExecutionStatePending, ExecutionStateCompleted},
		{ExecutionStatePaused, ExecutionStateCompleted},
		{ExecutionStateCompleted, ExecutionStateRunning},
		{ExecutionStateCancelled, ExecutionStateRunning},
		{ExecutionStateFailed, ExecutionStateRunning},
		{ExecutionStateFailed, ExecutionStateCompleted},
	}
	for _, tc := range denied {
		assert.False(t, tc.from.CanTransition(tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	terminals := []ExecutionState{ExecutionStateCompleted, ExecutionStateCancelled}
	all := []ExecutionState{
		ExecutionStatePending, ExecutionStateRunning, ExecutionStatePaused,
		ExecutionStateCompleted, ExecutionStateFailed, ExecutionStateRetrying,
		ExecutionStateCancelled,
	}
	for _, from := range terminals {
		for _, to := range all {
			assert.False(t, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestExecutionCanRetry(t *testing.T) {
	e := &Execution{State: ExecutionStateFailed, RetryCount: 1, MaxRetries: 3}
	assert.True(t, e.CanRetry())

	e.RetryCount = 3
	assert.False(t, e.CanRetry())

	e = &Execution{State: ExecutionStateRunning, RetryCount: 0, MaxRetries: 3}
	assert.False(t, e.CanRetry())

	e = &Execution{State: ExecutionStateRetrying, RetryCount: 2, MaxRetries: 3}
	assert.True(t, e.CanRetry())
}

func TestExecutionTimedOut(t *testing.T) {
	now := time.Now()
	e := &Execution{
		State:          ExecutionStateRunning,
		StartedAt:      now.Add(-2 * time.Hour),
		TimeoutSeconds: 1800,
	}
	assert.True(t, e.TimedOut(now))

	e.StartedAt = now.Add(-time.Minute)
	assert.False(t, e.TimedOut(now))

	// No timeout configured means it never expires
	e.TimeoutSeconds = 0
	e.StartedAt = now.Add(-100 * time.Hour)
	assert.False(t, e.TimedOut(now))

	// Finished executions are not timed out
	e.TimeoutSeconds = 60
	e.State = ExecutionStateCompleted
	assert.False(t, e.TimedOut(now))
}

func TestRobotIsTerminal(t *testing.T) {
	for status, terminal := range map[RobotStatus]bool{
		RobotStatusPending:    false,
		RobotStatusProcessing: false,
		RobotStatusRetrying:   false,
		RobotStatusCompleted:  true,
		RobotStatusFailed:     true,
		RobotStatusCancelled:  true,
	} {
		r := &Robot{Status: status}
		assert.Equal(t, terminal, r.IsTerminal(), "status %s", status)
	}
}

func TestModuleOverallScore(t *testing.T) {
	m := &Module{
		PerformanceScore:    0.8,
		CapacityUtilization: 0.4,
		HealthStatus:        HealthStatusHealthy,
	}
	assert.InDelta(t, 0.8*0.5+0.6*0.3+0.2, m.OverallScore(), 1e-9)

	m.HealthStatus = HealthStatusDegraded
	assert.InDelta(t, 0.8*0.5+0.6*0.3, m.OverallScore(), 1e-9)
}
