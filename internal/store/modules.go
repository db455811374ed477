package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/robofleet/orchestrator/internal/model"
)

const moduleColumns = `module_id, module_name, module_version, supported_robot_types,
	is_active, health_endpoint, registration_data, performance_score, capacity_utilization,
	error_count_24h, success_rate_24h, avg_processing_time_ms, health_status,
	last_health_check, consecutive_failures, last_error_message, uptime_percentage_24h,
	total_robots_processed, created_at, updated_at`

// RegisterModule inserts a new module registration
func (s *Store) RegisterModule(ctx context.Context, module *model.Module) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO module_registry (
			module_id, module_name, module_version, supported_robot_types,
			is_active, health_endpoint, registration_data, health_status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		module.ModuleID,
		module.ModuleName,
		module.ModuleVersion,
		module.SupportedRobotTypes,
		module.IsActive,
		nullStr(module.HealthEndpoint),
		rawOrNil(module.RegistrationData),
		module.HealthStatus,
		module.CreatedAt,
		module.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to register module: %w", err)
	}
	return nil
}

// GetModule returns the module with the given name, or nil if absent
func (s *Store) GetModule(ctx context.Context, moduleName string) (*model.Module, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+moduleColumns+` FROM module_registry WHERE module_name = $1`, moduleName)
	module, err := scanModule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get module: %w", err)
	}
	return module, nil
}

// ListActiveModules returns active healthy modules pre-ordered so that
// iteration is biased toward good routing candidates
func (s *Store) ListActiveModules(ctx context.Context) ([]*model.Module, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+moduleColumns+` FROM module_registry
		WHERE is_active = true AND health_status = 'HEALTHY'
		ORDER BY performance_score DESC, capacity_utilization ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active modules: %w", err)
	}
	defer rows.Close()
	return scanModules(rows)
}

// ListAllModules returns every registered module regardless of state
func (s *Store) ListAllModules(ctx context.Context) ([]*model.Module, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+moduleColumns+` FROM module_registry ORDER BY module_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	defer rows.Close()
	return scanModules(rows)
}

// UpdateModuleHealth writes the result of a health probe
func (s *Store) UpdateModuleHealth(ctx context.Context, moduleName string, update model.ModuleHealthUpdate) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE module_registry
		SET health_status = $2,
		    last_health_check = now(),
		    consecutive_failures = $3,
		    last_error_message = $4,
		    updated_at = now()
		WHERE module_name = $1`,
		moduleName,
		update.HealthStatus,
		update.ConsecutiveFailures,
		nullStr(update.LastErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("failed to update module health: %w", err)
	}
	return nil
}

// UpdateModulePerformance writes refreshed rolling metrics
func (s *Store) UpdateModulePerformance(ctx context.Context, moduleName string, update model.ModulePerformanceUpdate) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE module_registry
		SET performance_score = $2,
		    capacity_utilization = $3,
		    avg_processing_time_ms = $4,
		    error_count_24h = $5,
		    success_rate_24h = $6,
		    updated_at = now()
		WHERE module_name = $1`,
		moduleName,
		update.PerformanceScore,
		update.CapacityUtilization,
		update.AvgProcessingTimeMs,
		update.ErrorCount24h,
		update.SuccessRate24h,
	)
	if err != nil {
		return fmt.Errorf("failed to update module performance: %w", err)
	}
	return nil
}

// RecordModuleOutcome folds one robot outcome into the module's
// counters. The processing-time average only moves on real durations;
// failures report no duration and must not drag it toward zero.
func (s *Store) RecordModuleOutcome(ctx context.Context, moduleName string, success bool, processingTimeMs int64) error {
	var (
		query string
		args  []any
	)
	if success {
		query = `
			UPDATE module_registry
			SET total_robots_processed = total_robots_processed + 1,
			    consecutive_failures = 0,
			    avg_processing_time_ms = CASE
			        WHEN $2 <= 0 THEN avg_processing_time_ms
			        WHEN avg_processing_time_ms = 0 THEN $2
			        ELSE (avg_processing_time_ms + $2) / 2
			    END,
			    updated_at = now()
			WHERE module_name = $1`
		args = []any{moduleName, processingTimeMs}
	} else {
		query = `
			UPDATE module_registry
			SET total_robots_processed = total_robots_processed + 1,
			    error_count_24h = error_count_24h + 1,
			    consecutive_failures = consecutive_failures + 1,
			    updated_at = now()
			WHERE module_name = $1`
		args = []any{moduleName}
	}
	_, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to record module outcome: %w", err)
	}
	return nil
}

// SetModuleActive soft-enables or soft-disables a module
func (s *Store) SetModuleActive(ctx context.Context, moduleName string, active bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE module_registry SET is_active = $2, updated_at = now()
		WHERE module_name = $1`, moduleName, active)
	if err != nil {
		return fmt.Errorf("failed to set module active: %w", err)
	}
	return nil
}

func scanModule(row pgx.Row) (*model.Module, error) {
	var m model.Module
	var healthEndpoint, lastErrorMessage *string
	var registrationData []byte
	var lastHealthCheck *time.Time

	err := row.Scan(
		&m.ModuleID, &m.ModuleName, &m.ModuleVersion, &m.SupportedRobotTypes,
		&m.IsActive, &healthEndpoint, &registrationData, &m.PerformanceScore,
		&m.CapacityUtilization, &m.ErrorCount24h, &m.SuccessRate24h,
		&m.AvgProcessingTimeMs, &m.HealthStatus, &lastHealthCheck,
		&m.ConsecutiveFailures, &lastErrorMessage, &m.UptimePercentage24h,
		&m.TotalRobotsProcessed, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if healthEndpoint != nil {
		m.HealthEndpoint = *healthEndpoint
	}
	if lastErrorMessage != nil {
		m.LastErrorMessage = *lastErrorMessage
	}
	m.RegistrationData = registrationData
	m.LastHealthCheck = lastHealthCheck
	return &m, nil
}

func scanModules(rows pgx.Rows) ([]*model.Module, error) {
	var modules []*model.Module
	for rows.Next() {
		module, err := scanModule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan module: %w", err)
		}
		modules = append(modules, module)
	}
	return modules, rows.Err()
}
