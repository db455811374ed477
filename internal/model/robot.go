package model

import (
	"encoding/json"
	"time"
)

// RobotStatus represents the current status of a robot
type RobotStatus string

const (
	RobotStatusPending    RobotStatus = "PENDING"
	RobotStatusProcessing RobotStatus = "PROCESSING"
	RobotStatusCompleted  RobotStatus = "COMPLETED"
	RobotStatusFailed     RobotStatus = "FAILED"
	RobotStatusRetrying   RobotStatus = "RETRYING"
	RobotStatusCancelled  RobotStatus = "CANCELLED"
)

// Robot represents a submitted unit of work to be processed by a module
type Robot struct {
	RobotID     string          `json:"robot_id"`
	RobotName   string          `json:"robot_name"`
	Description string          `json:"description,omitempty"`
	RobotType   string          `json:"robot_type"`
	Status      RobotStatus     `json:"status"`
	ModuleName  string          `json:"module_name,omitempty"`
	ConfigData  json.RawMessage `json:"config_data,omitempty"`
	Tags        []string        `json:"tags,omitempty"`

	// Scoring fields updated from progress reports
	CompletenessScore float64 `json:"completeness_score"`
	ConfidenceScore   float64 `json:"confidence_score"`
	ProcessingTimeMs  int64   `json:"processing_time_ms,omitempty"`

	// Failure details
	ErrorCategory string          `json:"error_category,omitempty"`
	ErrorDetails  json.RawMessage `json:"error_details,omitempty"`
	LastErrorAt   *time.Time      `json:"last_error_at,omitempty"`

	OutputData json.RawMessage `json:"output_data,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal reports whether the robot has reached a final status
func (r *Robot) IsTerminal() bool {
	return r.Status == RobotStatusCompleted || r.Status == RobotStatusFailed ||
		r.Status == RobotStatusCancelled
}

// RobotCreate carries the fields a caller supplies when submitting a robot
type RobotCreate struct {
	RobotName   string          `json:"robot_name"`
	Description string          `json:"description,omitempty"`
	RobotType   string          `json:"robot_type"`
	ConfigData  json.RawMessage `json:"config_data"`
	Tags        []string        `json:"tags,omitempty"`
}

// RobotUpdate carries a partial robot update. Nil fields are not written.
type RobotUpdate struct {
	Status            *RobotStatus    `json:"status,omitempty"`
	ModuleName        *string         `json:"module_name,omitempty"`
	ConfigData        json.RawMessage `json:"config_data,omitempty"`
	CompletenessScore *float64        `json:"completeness_score,omitempty"`
	ConfidenceScore   *float64        `json:"confidence_score,omitempty"`
	ProcessingTimeMs  *int64          `json:"processing_time_ms,omitempty"`
	ErrorCategory     *string         `json:"error_category,omitempty"`
	ErrorDetails      json.RawMessage `json:"error_details,omitempty"`
	LastErrorAt       *time.Time      `json:"last_error_at,omitempty"`
	OutputData        json.RawMessage `json:"output_data,omitempty"`
}

// RobotProgress is a progress report for a robot's active execution
type RobotProgress struct {
	ExecuteID          string  `json:"execute_id"`
	CurrentStep        string  `json:"current_step,omitempty"`
	CompletedSteps     int     `json:"completed_steps"`
	ProgressPercentage int     `json:"progress_percentage"`
	CPUUsagePercent    float64 `json:"cpu_usage_percent,omitempty"`
	MemoryUsageMB      int     `json:"memory_usage_mb,omitempty"`
	EfficiencyScore    float64 `json:"efficiency_score,omitempty"`
	CompletenessScore  float64 `json:"completeness_score,omitempty"`
	ConfidenceScore    float64 `json:"confidence_score,omitempty"`
	ProcessingTimeMs   int64   `json:"processing_time_ms,omitempty"`
}

// RobotOutput carries completion data reported by a module
type RobotOutput struct {
	ExecuteID        string          `json:"execute_id"`
	Data             json.RawMessage `json:"data,omitempty"`
	ConfidenceScore  float64         `json:"confidence_score,omitempty"`
	ProcessingTimeMs int64           `json:"processing_time_ms,omitempty"`
}

// RobotError carries failure data reported by a module
type RobotError struct {
	ExecuteID  string          `json:"execute_id"`
	Category   string          `json:"category"`
	Message    string          `json:"message"`
	StackTrace string          `json:"stack_trace,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}
