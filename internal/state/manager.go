package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/robofleet/orchestrator/internal/breaker"
	"github.com/robofleet/orchestrator/internal/model"
)

var (
	// ErrRobotTerminal is returned when an update targets a robot that
	// already reached a final status
	ErrRobotTerminal = errors.New("robot is in a terminal state")
	// ErrExecutionNotFound is returned when an operation references an
	// execution that does not exist
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrInvalidTransition is returned when an execution state change
	// is not permitted by the state machine
	ErrInvalidTransition = errors.New("invalid execution state transition")
)

// Repository is the persistence contract the manager drives. The
// postgres store satisfies it; tests substitute in-memory fakes.
type Repository interface {
	CreateRobot(ctx context.Context, robot *model.Robot) error
	GetRobot(ctx context.Context, robotID string) (*model.Robot, error)
	UpdateRobot(ctx context.Context, robotID string, update model.RobotUpdate) (*model.Robot, error)
	ListActiveRobots(ctx context.Context, limit int) ([]*model.Robot, error)
	ListRobotsByModule(ctx context.Context, moduleName string, limit int) ([]*model.Robot, error)
	CountRobots(ctx context.Context, since time.Time) (total, active, failed int, err error)
	DeleteOldRobots(ctx context.Context, before time.Time) (int64, error)

	RegisterModule(ctx context.Context, module *model.Module) error
	GetModule(ctx context.Context, name string) (*model.Module, error)
	ListActiveModules(ctx context.Context) ([]*model.Module, error)
	ListAllModules(ctx context.Context) ([]*model.Module, error)
	UpdateModuleHealth(ctx context.Context, name string, update model.ModuleHealthUpdate) error
	UpdateModulePerformance(ctx context.Context, name string, update model.ModulePerformanceUpdate) error
	RecordModuleOutcome(ctx context.Context, name string, success bool, processingTimeMs int64) error
	SetModuleActive(ctx context.Context, name string, active bool) error

	CreateExecution(ctx context.Context, exec *model.Execution) error
	GetExecution(ctx context.Context, executeID string) (*model.Execution, error)
	UpdateExecution(ctx context.Context, executeID string, update model.ExecutionUpdate) (*model.Execution, error)
	GetActiveExecutionForRobot(ctx context.Context, robotID string) (*model.Execution, error)
	ListActiveExecutions(ctx context.Context) ([]*model.Execution, error)
	DeleteOldExecutions(ctx context.Context, before time.Time) (int64, error)
}

// RobotStats summarizes robot counts over a window
type RobotStats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Failed int `json:"failed"`
}

// Manager mediates all persistent state access, wrapping every store
// call in a circuit breaker so a failing database degrades the system
// instead of hanging it.
type Manager struct {
	repo    Repository
	breaker *breaker.Breaker
	logger  *zap.Logger
}

// NewManager creates a state manager around the given repository
func NewManager(repo Repository, cfg breaker.Config, logger *zap.Logger) *Manager {
	return &Manager{
		repo:    repo,
		breaker: breaker.New("state-store", cfg, logger),
		logger:  logger.Named("state-manager"),
	}
}

// BreakerState exposes the store breaker state for health reporting
func (m *Manager) BreakerState() breaker.State {
	return m.breaker.State()
}

func (m *Manager) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.breaker.Do(ctx, fn)
}

// CreateRobot persists a new robot record
func (m *Manager) CreateRobot(ctx context.Context, robot *model.Robot) error {
	return m.guard(ctx, func(ctx context.Context) error {
		return m.repo.CreateRobot(ctx, robot)
	})
}

// GetRobot returns the robot, or nil when it does not exist
func (m *Manager) GetRobot(ctx context.Context, robotID string) (*model.Robot, error) {
	var robot *model.Robot
	err := m.guard(ctx, func(ctx context.Context) error {
		var err error
		robot, err = m.repo.GetRobot(ctx, robotID)
		return err
	})
	return robot, err
}

// UpdateRobot applies a partial update. Updates against robots that
// already reached a terminal status are rejected.
func (m *Manager) UpdateRobot(ctx context.Context, robotID string, update model.RobotUpdate) (*model.Robot, error) {
	var updated *model.Robot
	err := m.guard(ctx, func(ctx context.Context) error {
		current, err := m.repo.GetRobot(ctx, robotID)
		if err != nil {
			return err
		}
		if current == nil {
			updated = nil
			return nil
		}
		if current.IsTerminal() {
			return fmt.Errorf("%w: robot %s is %s", ErrRobotTerminal, robotID, current.Status)
		}
		updated, err = m.repo.UpdateRobot(ctx, robotID, update)
		return err
	})
	return updated, err
}

// FinalizeRobot applies an update that is allowed to land on a robot
// regardless of its current status. Used when completing or failing.
func (m *Manager) FinalizeRobot(ctx context.Context, robotID string, update model.RobotUpdate) (*model.Robot, error) {
	var updated *model.Robot
	err := m.guard(ctx, func(ctx context.Context) error {
		var err error
		updated, err = m.repo.UpdateRobot(ctx, robotID, update)
		return err
	})
	return updated, err
}

// ListActiveRobots returns non-terminal robots, oldest first
func (m *Manager) ListActiveRobots(ctx context.Context, limit int) ([]*model.Robot, error) {
	var robots []*model.Robot
	err := m.guard(ctx, func(ctx context.Context) error {
		var err error
		robots, err = m.repo.ListActiveRobots(ctx, limit)
		return err
	})
	return robots, err
}

// ListRobotsByModule returns robots assigned to a module, newest first
func (m *Manager) ListRobotsByModule(ctx context.Context, moduleName string, limit int) ([]*model.Robot, error) {
	var robots []*model.Robot
	err := m.guard(ctx, func(ctx context.Context) error {
		var err error
		robots, err = m.repo.ListRobotsByModule(ctx, moduleName, limit)
		return err
	})
	return robots, err
}

// Stats returns robot counts since the given time
func (m *Manager) Stats(ctx context.Context, since time.Time) (RobotStats, error) {
	var stats RobotStats
	err := m.guard(ctx, func(ctx context.Context) error {
		var err error
		stats.Total, stats.Active, stats.Failed, err = m.repo.CountRobots(ctx, since)
		return err
	})
	return stats, err
}

// RegisterModule persists a module registration
func (m *Manager) RegisterModule(ctx context.Context, module *model.Module) error {
	return m.guard(ctx, func(ctx context.Context) error {
		return m.repo.RegisterModule(ctx, module)
	})
}

// GetModule returns the module, or nil when it is not registered
func (m *Manager) GetModule(ctx context.Context, name string) (*model.Module, error) {
	var module *model.Module
	err := m.guard(ctx, func(ctx context.Context) error {
		var err error
		module, err = m.repo.GetModule(ctx, name)
		return err
	})
	return module, err
}

// ListActiveModules returns healthy active modules ordered by score inputs
func (m *Manager) ListActiveModules(ctx context.Context) ([]*model.Module, error) {
	var modules []*model.Module
	err := m.guard(ctx, func(ctx context.Context) error {
		var err error
		modules, err = m.repo.ListActiveModules(ctx)
		return err
	})
	return modules, err
}

// ListAllModules returns every registered module
func (m *Manager) ListAllModules(ctx context.Context) ([]*model.Module, error) {
	var modules []*model.Module
	err := m.guard(ctx, func(ctx context.Context) error {
		var err error
		modules, err = m.repo.ListAllModules(ctx)
		return err
	})
	return modules, err
}

// UpdateModuleHealth writes the result of a health probe
func (m *Manager) UpdateModuleHealth(ctx context.Context, name string, update model.ModuleHealthUpdate) error {
	return m.guard(ctx, func(ctx context.Context) error {
		return m.repo.UpdateModuleHealth(ctx, name, update)
	})
}

// UpdateModulePerformance writes refreshed performance telemetry
func (m *Manager) UpdateModulePerformance(ctx context.Context, name string, update model.ModulePerformanceUpdate) error {
	return m.guard(ctx, func(ctx context.Context) error {
		return m.repo.UpdateModulePerformance(ctx, name, update)
	})
}

// RecordModuleOutcome folds one robot outcome into module counters
func (m *Manager) RecordModuleOutcome(ctx context.Context, name string, success bool, processingTimeMs int64) error {
	return m.guard(ctx, func(ctx context.Context) error {
		return m.repo.RecordModuleOutcome(ctx, name, success, processingTimeMs)
	})
}

// SetModuleActive soft-enables or soft-disables a module for routing
func (m *Manager) SetModuleActive(ctx context.Context, name string, active bool) error {
	return m.guard(ctx, func(ctx context.Context) error {
		return m.repo.SetModuleActive(ctx, name, active)
	})
}

// CreateExecution persists a new execution
func (m *Manager) CreateExecution(ctx context.Context, exec *model.Execution) error {
	return m.guard(ctx, func(ctx context.Context) error {
		return m.repo.CreateExecution(ctx, exec)
	})
}

// GetExecution returns the execution, or nil when absent
func (m *Manager) GetExecution(ctx context.Context, executeID string) (*model.Execution, error) {
	var exec *model.Execution
	err := m.guard(ctx, func(ctx context.Context) error {
		var err error
		exec, err = m.repo.GetExecution(ctx, executeID)
		return err
	})
	return exec, err
}

// GetActiveExecutionForRobot returns the robot's in-flight execution,
// or nil when none is active
func (m *Manager) GetActiveExecutionForRobot(ctx context.Context, robotID string) (*model.Execution, error) {
	var exec *model.Execution
	err := m.guard(ctx, func(ctx context.Context) error {
		var err error
		exec, err = m.repo.GetActiveExecutionForRobot(ctx, robotID)
		return err
	})
	return exec, err
}

// ListActiveExecutions returns in-flight executions, oldest first
func (m *Manager) ListActiveExecutions(ctx context.Context) ([]*model.Execution, error) {
	var execs []*model.Execution
	err := m.guard(ctx, func(ctx context.Context) error {
		var err error
		execs, err = m.repo.ListActiveExecutions(ctx)
		return err
	})
	return execs, err
}

// UpdateExecution applies a partial update. When the update carries a
// state change, the transition is validated against the state machine
// before anything is written.
func (m *Manager) UpdateExecution(ctx context.Context, executeID string, update model.ExecutionUpdate) (*model.Execution, error) {
	var updated *model.Execution
	err := m.guard(ctx, func(ctx context.Context) error {
		current, err := m.repo.GetExecution(ctx, executeID)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("%w: %s", ErrExecutionNotFound, executeID)
		}
		if update.State != nil && *update.State != current.State {
			if !current.State.CanTransition(*update.State) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.State, *update.State)
			}
		}
		updated, err = m.repo.UpdateExecution(ctx, executeID, update)
		return err
	})
	return updated, err
}

// CleanupOldData removes terminal robots and executions older than the
// retention period and returns the number of rows removed
func (m *Manager) CleanupOldData(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	var total int64
	err := m.guard(ctx, func(ctx context.Context) error {
		robots, err := m.repo.DeleteOldRobots(ctx, cutoff)
		if err != nil {
			return err
		}
		execs, err := m.repo.DeleteOldExecutions(ctx, cutoff)
		if err != nil {
			return err
		}
		total = robots + execs
		m.logger.Info("Old records removed",
			zap.Int64("robots", robots),
			zap.Int64("executions", execs),
			zap.Time("cutoff", cutoff))
		return nil
	})
	return total, err
}
