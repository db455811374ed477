package model

import (
	"encoding/json"
	"time"
)

// ExecutionState represents the state of a robot execution
type ExecutionState string

const (
	ExecutionStatePending   ExecutionState = "PENDING"
	ExecutionStateRunning   ExecutionState = "RUNNING"
	ExecutionStatePaused    ExecutionState = "PAUSED"
	ExecutionStateCompleted ExecutionState = "COMPLETED"
	ExecutionStateFailed    ExecutionState = "FAILED"
	ExecutionStateRetrying  ExecutionState = "RETRYING"
	ExecutionStateCancelled ExecutionState = "CANCELLED"
)

// IsTerminal reports whether the state is final
func (s ExecutionState) IsTerminal() bool {
	return s == ExecutionStateCompleted || s == ExecutionStateFailed || s == ExecutionStateCancelled
}

// validTransitions maps each state to the states reachable from it.
// FAILED may only re-enter via RETRYING; COMPLETED and CANCELLED have
// no outgoing transitions at all.
var validTransitions = map[ExecutionState][]ExecutionState{
	ExecutionStatePending:  {ExecutionStateRunning, ExecutionStateCancelled, ExecutionStateFailed},
	ExecutionStateRunning:  {ExecutionStatePaused, ExecutionStateCompleted, ExecutionStateFailed, ExecutionStateCancelled, ExecutionStateRetrying},
	ExecutionStatePaused:   {ExecutionStateRunning, ExecutionStateCancelled, ExecutionStateFailed},
	ExecutionStateRetrying: {ExecutionStateRunning, ExecutionStateFailed, ExecutionStateCancelled},
	ExecutionStateFailed:   {ExecutionStateRetrying},
}

// CanTransition reports whether moving from s to next is permitted
func (s ExecutionState) CanTransition(next ExecutionState) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StepCategory classifies the current execution step
type StepCategory string

const (
	StepCategoryInit         StepCategory = "INIT"
	StepCategoryValidation   StepCategory = "VALIDATION"
	StepCategoryProcessing   StepCategory = "PROCESSING"
	StepCategoryExternalAPI  StepCategory = "EXTERNAL_API"
	StepCategoryFinalization StepCategory = "FINALIZATION"
)

// Execution represents the tracked run of one robot on one module
type Execution struct {
	ExecuteID  string         `json:"execute_id"`
	RobotID    string         `json:"robot_id"`
	ModuleName string         `json:"module_name"`
	State      ExecutionState `json:"execution_state"`

	// Step tracking
	CurrentStep        string       `json:"current_step,omitempty"`
	StepCategory       StepCategory `json:"step_category"`
	TotalSteps         int          `json:"total_steps"`
	CompletedSteps     int          `json:"completed_steps"`
	ProgressPercentage int          `json:"progress_percentage"`

	// Resource usage samples
	CPUUsagePercent float64         `json:"cpu_usage_percent,omitempty"`
	MemoryUsageMB   int             `json:"memory_usage_mb,omitempty"`
	ResourcePeaks   json.RawMessage `json:"resource_peak_usage,omitempty"`

	EfficiencyScore float64 `json:"efficiency_score"`

	// Timing
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Retry and timeout bookkeeping
	MaxRetries     int    `json:"max_retries"`
	RetryCount     int    `json:"retry_count"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	ErrorMessage   string `json:"error_message,omitempty"`
	ErrorStack     string `json:"error_stack_trace,omitempty"`
}

// IsActive reports whether the execution is still in flight
func (e *Execution) IsActive() bool {
	switch e.State {
	case ExecutionStatePending, ExecutionStateRunning, ExecutionStateRetrying, ExecutionStatePaused:
		return true
	}
	return false
}

// IsTerminal reports whether the execution has finished
func (e *Execution) IsTerminal() bool {
	return e.State.IsTerminal()
}

// CanRetry reports whether another attempt is permitted
func (e *Execution) CanRetry() bool {
	if e.RetryCount >= e.MaxRetries {
		return false
	}
	return e.State == ExecutionStateFailed || e.State == ExecutionStateRetrying
}

// TimedOut reports whether the execution exceeded its timeout budget
func (e *Execution) TimedOut(now time.Time) bool {
	if e.TimeoutSeconds <= 0 || e.IsTerminal() {
		return false
	}
	return now.Sub(e.StartedAt) > time.Duration(e.TimeoutSeconds)*time.Second
}

// ExecutionCreate carries the fields needed to start an execution
type ExecutionCreate struct {
	RobotID        string `json:"robot_id"`
	ModuleName     string `json:"module_name"`
	TotalSteps     int    `json:"total_steps"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxRetries     int    `json:"max_retries"`
}

// ExecutionUpdate carries a partial execution update. Nil fields are not written.
type ExecutionUpdate struct {
	State              *ExecutionState `json:"execution_state,omitempty"`
	CurrentStep        *string         `json:"current_step,omitempty"`
	StepCategory       *StepCategory   `json:"step_category,omitempty"`
	ProgressPercentage *int            `json:"progress_percentage,omitempty"`
	CompletedSteps     *int            `json:"completed_steps,omitempty"`
	CPUUsagePercent    *float64        `json:"cpu_usage_percent,omitempty"`
	MemoryUsageMB      *int            `json:"memory_usage_mb,omitempty"`
	EfficiencyScore    *float64        `json:"efficiency_score,omitempty"`
	RetryCount         *int            `json:"retry_count,omitempty"`
	ErrorMessage       *string         `json:"error_message,omitempty"`
	ErrorStack         *string         `json:"error_stack_trace,omitempty"`
}
