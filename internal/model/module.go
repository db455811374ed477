package model

import (
	"encoding/json"
	"time"
)

// HealthStatus represents the health of a registered module
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
)

// Module represents a registered processing worker with live telemetry
type Module struct {
	ModuleID            string          `json:"module_id"`
	ModuleName          string          `json:"module_name"`
	ModuleVersion       string          `json:"module_version"`
	SupportedRobotTypes []string        `json:"supported_robot_types"`
	IsActive            bool            `json:"is_active"`
	HealthEndpoint      string          `json:"health_endpoint,omitempty"`
	RegistrationData    json.RawMessage `json:"registration_data,omitempty"`

	// Performance telemetry maintained by the background loops
	PerformanceScore    float64 `json:"performance_score"`
	CapacityUtilization float64 `json:"capacity_utilization"`
	ErrorCount24h       int     `json:"error_count_24h"`
	SuccessRate24h      float64 `json:"success_rate_24h"`
	AvgProcessingTimeMs int64   `json:"avg_processing_time_ms"`

	// Health telemetry
	HealthStatus        HealthStatus `json:"health_status"`
	LastHealthCheck     *time.Time   `json:"last_health_check,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastErrorMessage    string       `json:"last_error_message,omitempty"`
	UptimePercentage24h float64      `json:"uptime_percentage_24h"`

	// Lifetime statistics
	TotalRobotsProcessed int64 `json:"total_robots_processed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsHealthy reports whether the module's last health check passed
func (m *Module) IsHealthy() bool {
	return m.HealthStatus == HealthStatusHealthy
}

// IsAvailable reports whether the module can accept new robots
func (m *Module) IsAvailable() bool {
	return m.IsActive && m.IsHealthy()
}

// CanProcess reports whether the module supports the given robot type
func (m *Module) CanProcess(robotType string) bool {
	for _, t := range m.SupportedRobotTypes {
		if t == robotType {
			return true
		}
	}
	return false
}

// CapacityScore returns the inverse of capacity utilization
func (m *Module) CapacityScore() float64 {
	return 1.0 - m.CapacityUtilization
}

// OverallScore returns the base routing score: performance (50%),
// free capacity (30%), health (20%).
func (m *Module) OverallScore() float64 {
	health := 0.0
	if m.IsHealthy() {
		health = 1.0
	}
	return m.PerformanceScore*0.5 + m.CapacityScore()*0.3 + health*0.2
}

// ModuleCreate carries the fields supplied at module registration
type ModuleCreate struct {
	ModuleName          string          `json:"module_name"`
	ModuleVersion       string          `json:"module_version"`
	SupportedRobotTypes []string        `json:"supported_robot_types"`
	HealthEndpoint      string          `json:"health_endpoint,omitempty"`
	RegistrationData    json.RawMessage `json:"registration_data,omitempty"`
}

// ModuleHealthUpdate carries the result of a health probe
type ModuleHealthUpdate struct {
	HealthStatus        HealthStatus `json:"health_status"`
	ResponseTimeMs      int64        `json:"response_time_ms"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastErrorMessage    string       `json:"last_error_message,omitempty"`
}

// ModulePerformanceUpdate carries refreshed rolling metrics for a module
type ModulePerformanceUpdate struct {
	PerformanceScore    float64 `json:"performance_score"`
	CapacityUtilization float64 `json:"capacity_utilization"`
	AvgProcessingTimeMs int64   `json:"avg_processing_time_ms"`
	ErrorCount24h       int     `json:"error_count_24h"`
	SuccessRate24h      float64 `json:"success_rate_24h"`
}

// HealthReport is the caller-facing result of a module health check
type HealthReport struct {
	ModuleName     string       `json:"module_name"`
	HealthStatus   HealthStatus `json:"health_status"`
	ResponseTimeMs int64        `json:"response_time_ms,omitempty"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	CheckedAt      time.Time    `json:"checked_at"`
}
