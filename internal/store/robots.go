package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/robofleet/orchestrator/internal/model"
)

const robotColumns = `robot_id, robot_name, description, robot_type, status, module_name,
	config_data, tags, completeness_score, confidence_score, processing_time_ms,
	error_category, error_details, last_error_at, output_data, created_at, updated_at`

// CreateRobot inserts a new robot row
func (s *Store) CreateRobot(ctx context.Context, robot *model.Robot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO robots (
			robot_id, robot_name, description, robot_type, status, module_name,
			config_data, tags, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		robot.RobotID,
		robot.RobotName,
		nullStr(robot.Description),
		robot.RobotType,
		robot.Status,
		nullStr(robot.ModuleName),
		rawOrNil(robot.ConfigData),
		robot.Tags,
		robot.CreatedAt,
		robot.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert robot: %w", err)
	}
	return nil
}

// GetRobot returns the robot with the given ID, or nil if absent
func (s *Store) GetRobot(ctx context.Context, robotID string) (*model.Robot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+robotColumns+` FROM robots WHERE robot_id = $1`, robotID)
	robot, err := scanRobot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get robot: %w", err)
	}
	return robot, nil
}

// UpdateRobot applies a partial update and returns the updated row.
// Only non-nil fields are written; updated_at is always refreshed.
func (s *Store) UpdateRobot(ctx context.Context, robotID string, update model.RobotUpdate) (*model.Robot, error) {
	b := newUpdateBuilder()
	if update.Status != nil {
		b.set("status", *update.Status)
	}
	if update.ModuleName != nil {
		b.set("module_name", *update.ModuleName)
	}
	if update.ConfigData != nil {
		b.set("config_data", []byte(update.ConfigData))
	}
	if update.CompletenessScore != nil {
		b.set("completeness_score", *update.CompletenessScore)
	}
	if update.ConfidenceScore != nil {
		b.set("confidence_score", *update.ConfidenceScore)
	}
	if update.ProcessingTimeMs != nil {
		b.set("processing_time_ms", *update.ProcessingTimeMs)
	}
	if update.ErrorCategory != nil {
		b.set("error_category", *update.ErrorCategory)
	}
	if update.ErrorDetails != nil {
		b.set("error_details", []byte(update.ErrorDetails))
	}
	if update.LastErrorAt != nil {
		b.set("last_error_at", *update.LastErrorAt)
	}
	if update.OutputData != nil {
		b.set("output_data", []byte(update.OutputData))
	}

	if b.empty() {
		return s.GetRobot(ctx, robotID)
	}
	b.set("updated_at", time.Now().UTC())

	query := fmt.Sprintf(
		`UPDATE robots SET %s WHERE robot_id = $%d RETURNING `+robotColumns,
		b.clauses(), b.next())
	row := s.pool.QueryRow(ctx, query, b.args(robotID)...)

	robot, err := scanRobot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to update robot: %w", err)
	}
	return robot, nil
}

// ListActiveRobots returns non-terminal robots ordered by creation time
func (s *Store) ListActiveRobots(ctx context.Context, limit int) ([]*model.Robot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+robotColumns+` FROM robots
		WHERE status IN ('PENDING', 'PROCESSING', 'RETRYING')
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list active robots: %w", err)
	}
	defer rows.Close()
	return scanRobots(rows)
}

// ListRobotsByModule returns robots routed to the given module, newest first
func (s *Store) ListRobotsByModule(ctx context.Context, moduleName string, limit int) ([]*model.Robot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+robotColumns+` FROM robots
		WHERE module_name = $1
		ORDER BY created_at DESC
		LIMIT $2`, moduleName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list robots by module: %w", err)
	}
	defer rows.Close()
	return scanRobots(rows)
}

// CountRobots returns total, active and failed robot counts created
// since the cutoff
func (s *Store) CountRobots(ctx context.Context, since time.Time) (total, active, failed int, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status IN ('PENDING', 'PROCESSING', 'RETRYING')),
		       COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM robots WHERE created_at >= $1`, since).Scan(&total, &active, &failed)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count robots: %w", err)
	}
	return total, active, failed, nil
}

// DeleteOldRobots purges terminal robots older than the cutoff and
// returns the number removed
func (s *Store) DeleteOldRobots(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM robots
		WHERE created_at < $1 AND status IN ('COMPLETED', 'FAILED', 'CANCELLED')`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old robots: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRobot(row pgx.Row) (*model.Robot, error) {
	var r model.Robot
	var description, moduleName, errorCategory *string
	var configData, errorDetails, outputData []byte
	var processingTimeMs *int64
	var lastErrorAt *time.Time

	err := row.Scan(
		&r.RobotID, &r.RobotName, &description, &r.RobotType, &r.Status, &moduleName,
		&configData, &r.Tags, &r.CompletenessScore, &r.ConfidenceScore, &processingTimeMs,
		&errorCategory, &errorDetails, &lastErrorAt, &outputData, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if description != nil {
		r.Description = *description
	}
	if moduleName != nil {
		r.ModuleName = *moduleName
	}
	if errorCategory != nil {
		r.ErrorCategory = *errorCategory
	}
	if processingTimeMs != nil {
		r.ProcessingTimeMs = *processingTimeMs
	}
	r.ConfigData = configData
	r.ErrorDetails = errorDetails
	r.OutputData = outputData
	r.LastErrorAt = lastErrorAt
	return &r, nil
}

func scanRobots(rows pgx.Rows) ([]*model.Robot, error) {
	var robots []*model.Robot
	for rows.Next() {
		robot, err := scanRobot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan robot: %w", err)
		}
		robots = append(robots, robot)
	}
	return robots, rows.Err()
}
