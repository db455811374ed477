package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Config holds connection pool settings for the persistent store
type Config struct {
	DSN            string
	PoolMinConns   int32
	PoolMaxConns   int32
	AcquireTimeout time.Duration
}

// Store provides typed CRUD over the relational store for robots,
// modules, and executions. All methods are safe for concurrent use;
// the pool serializes access to connections.
type Store struct {
	logger *zap.Logger
	pool   *pgxpool.Pool
}

// New connects to the persistent store and verifies the connection
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse store DSN: %w", err)
	}
	if cfg.PoolMinConns > 0 {
		poolCfg.MinConns = cfg.PoolMinConns
	}
	if cfg.PoolMaxConns > 0 {
		poolCfg.MaxConns = cfg.PoolMaxConns
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create store pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	s := &Store{
		logger: logger.Named("store"),
		pool:   pool,
	}

	if err := s.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// initialize creates the tables if they don't exist
func (s *Store) initialize(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS robots (
			robot_id TEXT PRIMARY KEY,
			robot_name TEXT NOT NULL,
			description TEXT,
			robot_type TEXT NOT NULL,
			status TEXT NOT NULL,
			module_name TEXT,
			config_data JSONB,
			tags TEXT[],
			completeness_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			processing_time_ms BIGINT,
			error_category TEXT,
			error_details JSONB,
			last_error_at TIMESTAMPTZ,
			output_data JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_robots_status ON robots(status);
		CREATE INDEX IF NOT EXISTS idx_robots_type ON robots(robot_type);

		CREATE TABLE IF NOT EXISTS module_registry (
			module_id TEXT PRIMARY KEY,
			module_name TEXT NOT NULL UNIQUE,
			module_version TEXT NOT NULL,
			supported_robot_types TEXT[] NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT true,
			health_endpoint TEXT,
			registration_data JSONB,
			performance_score DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			capacity_utilization DOUBLE PRECISION NOT NULL DEFAULT 0,
			error_count_24h INTEGER NOT NULL DEFAULT 0,
			success_rate_24h DOUBLE PRECISION NOT NULL DEFAULT 100,
			avg_processing_time_ms BIGINT NOT NULL DEFAULT 0,
			health_status TEXT NOT NULL DEFAULT 'UNKNOWN',
			last_health_check TIMESTAMPTZ,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			last_error_message TEXT,
			uptime_percentage_24h DOUBLE PRECISION NOT NULL DEFAULT 100,
			total_robots_processed BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_modules_active ON module_registry(is_active, health_status);

		CREATE TABLE IF NOT EXISTS robot_executions (
			execute_id TEXT PRIMARY KEY,
			robot_id TEXT NOT NULL,
			module_name TEXT NOT NULL,
			execution_state TEXT NOT NULL,
			current_step TEXT,
			step_category TEXT NOT NULL DEFAULT 'INIT',
			total_steps INTEGER NOT NULL DEFAULT 1,
			completed_steps INTEGER NOT NULL DEFAULT 0,
			progress_percentage INTEGER NOT NULL DEFAULT 0,
			cpu_usage_percent DOUBLE PRECISION,
			memory_usage_mb INTEGER,
			resource_peak_usage JSONB,
			efficiency_score DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ,
			max_retries INTEGER NOT NULL DEFAULT 3,
			retry_count INTEGER NOT NULL DEFAULT 0,
			timeout_seconds INTEGER NOT NULL DEFAULT 1800,
			error_message TEXT,
			error_stack_trace TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_executions_robot ON robot_executions(robot_id);
		CREATE INDEX IF NOT EXISTS idx_executions_state ON robot_executions(execution_state);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return nil
}

// HealthCheck verifies the store is reachable
func (s *Store) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx) == nil
}

// Close releases the connection pool
func (s *Store) Close() {
	s.pool.Close()
}
