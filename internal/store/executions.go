package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/robofleet/orchestrator/internal/model"
)

const executionColumns = `execute_id, robot_id, module_name, execution_state, current_step,
	step_category, total_steps, completed_steps, progress_percentage, cpu_usage_percent,
	memory_usage_mb, resource_peak_usage, efficiency_score, started_at, completed_at,
	max_retries, retry_count, timeout_seconds, error_message, error_stack_trace`

// CreateExecution inserts a new execution row
func (s *Store) CreateExecution(ctx context.Context, exec *model.Execution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO robot_executions (
			execute_id, robot_id, module_name, execution_state, step_category,
			total_steps, max_retries, timeout_seconds, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		exec.ExecuteID,
		exec.RobotID,
		exec.ModuleName,
		exec.State,
		exec.StepCategory,
		exec.TotalSteps,
		exec.MaxRetries,
		exec.TimeoutSeconds,
		exec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// GetExecution returns the execution with the given ID, or nil if absent
func (s *Store) GetExecution(ctx context.Context, executeID string) (*model.Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM robot_executions WHERE execute_id = $1`, executeID)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return exec, nil
}

// GetActiveExecutionForRobot returns the robot's single in-flight
// execution, or nil when none is active
func (s *Store) GetActiveExecutionForRobot(ctx context.Context, robotID string) (*model.Execution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+executionColumns+` FROM robot_executions
		WHERE robot_id = $1
		  AND execution_state IN ('PENDING', 'RUNNING', 'RETRYING', 'PAUSED')
		ORDER BY started_at DESC
		LIMIT 1`, robotID)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active execution: %w", err)
	}
	return exec, nil
}

// UpdateExecution applies a partial update and returns the updated row.
// Transitions into a terminal state stamp completed_at.
func (s *Store) UpdateExecution(ctx context.Context, executeID string, update model.ExecutionUpdate) (*model.Execution, error) {
	b := newUpdateBuilder()
	if update.State != nil {
		b.set("execution_state", *update.State)
		if update.State.IsTerminal() {
			b.set("completed_at", time.Now().UTC())
		}
	}
	if update.CurrentStep != nil {
		b.set("current_step", *update.CurrentStep)
	}
	if update.StepCategory != nil {
		b.set("step_category", *update.StepCategory)
	}
	if update.ProgressPercentage != nil {
		b.set("progress_percentage", *update.ProgressPercentage)
	}
	if update.CompletedSteps != nil {
		b.set("completed_steps", *update.CompletedSteps)
	}
	if update.CPUUsagePercent != nil {
		b.set("cpu_usage_percent", *update.CPUUsagePercent)
	}
	if update.MemoryUsageMB != nil {
		b.set("memory_usage_mb", *update.MemoryUsageMB)
	}
	if update.EfficiencyScore != nil {
		b.set("efficiency_score", *update.EfficiencyScore)
	}
	if update.RetryCount != nil {
		b.set("retry_count", *update.RetryCount)
	}
	if update.ErrorMessage != nil {
		b.set("error_message", *update.ErrorMessage)
	}
	if update.ErrorStack != nil {
		b.set("error_stack_trace", *update.ErrorStack)
	}

	if b.empty() {
		return s.GetExecution(ctx, executeID)
	}

	query := fmt.Sprintf(
		`UPDATE robot_executions SET %s WHERE execute_id = $%d RETURNING `+executionColumns,
		b.clauses(), b.next())
	row := s.pool.QueryRow(ctx, query, b.args(executeID)...)

	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to update execution: %w", err)
	}
	return exec, nil
}

// ListActiveExecutions returns all in-flight executions, oldest first
func (s *Store) ListActiveExecutions(ctx context.Context) ([]*model.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+` FROM robot_executions
		WHERE execution_state IN ('PENDING', 'RUNNING', 'RETRYING', 'PAUSED')
		ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active executions: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// DeleteOldExecutions purges terminal executions completed before the
// cutoff and returns the number removed
func (s *Store) DeleteOldExecutions(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM robot_executions WHERE completed_at IS NOT NULL AND completed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanExecution(row pgx.Row) (*model.Execution, error) {
	var e model.Execution
	var currentStep, errorMessage, errorStack *string
	var cpuUsage *float64
	var memoryUsage *int
	var resourcePeaks []byte

	err := row.Scan(
		&e.ExecuteID, &e.RobotID, &e.ModuleName, &e.State, &currentStep,
		&e.StepCategory, &e.TotalSteps, &e.CompletedSteps, &e.ProgressPercentage,
		&cpuUsage, &memoryUsage, &resourcePeaks, &e.EfficiencyScore,
		&e.StartedAt, &e.CompletedAt, &e.MaxRetries, &e.RetryCount,
		&e.TimeoutSeconds, &errorMessage, &errorStack,
	)
	if err != nil {
		return nil, err
	}

	if currentStep != nil {
		e.CurrentStep = *currentStep
	}
	if errorMessage != nil {
		e.ErrorMessage = *errorMessage
	}
	if errorStack != nil {
		e.ErrorStack = *errorStack
	}
	if cpuUsage != nil {
		e.CPUUsagePercent = *cpuUsage
	}
	if memoryUsage != nil {
		e.MemoryUsageMB = *memoryUsage
	}
	e.ResourcePeaks = resourcePeaks
	return &e, nil
}

func scanExecutions(rows pgx.Rows) ([]*model.Execution, error) {
	var execs []*model.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}
