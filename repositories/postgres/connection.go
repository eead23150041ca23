package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/elizaOS/milaidy-sub002/config"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	dsn := cfg.DSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	// Check if we can query
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// InitSchema initializes the database schema
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
		-- Users table
		CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			email VARCHAR(255) NOT NULL UNIQUE,
			role VARCHAR(50) NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Tenant settings table, one row per user
		CREATE TABLE IF NOT EXISTS tenant_settings (
			user_id UUID PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			persona TEXT NOT NULL DEFAULT '',
			flags JSONB NOT NULL DEFAULT '{}',
			confirmation_mode VARCHAR(20) NOT NULL,
			rate_limit JSONB NOT NULL DEFAULT '{}',
			integrations JSONB NOT NULL DEFAULT '{}',
			polymarket JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Execution jobs table
		CREATE TABLE IF NOT EXISTS execution_jobs (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			session_id VARCHAR(128) NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL,
			action_kind VARCHAR(32) NOT NULL,
			risk_level VARCHAR(32) NOT NULL,
			tool_name VARCHAR(128) NOT NULL,
			integration VARCHAR(64) NOT NULL DEFAULT '',
			amount_usd NUMERIC(18, 6) NOT NULL DEFAULT 0,
			dedupe_key VARCHAR(256) NOT NULL DEFAULT '',
			input JSONB,
			output JSONB,
			error TEXT NOT NULL DEFAULT '',
			confirm_by TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Quota counters, one row per scope and period
		CREATE TABLE IF NOT EXISTS quota_counters (
			scope_key VARCHAR(255) NOT NULL,
			period_key VARCHAR(64) NOT NULL,
			usage BIGINT NOT NULL DEFAULT 0,
			period_end TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (scope_key, period_key)
		);

		CREATE TABLE IF NOT EXISTS quota_marks (
			scope_key VARCHAR(255) PRIMARY KEY,
			last_reserved_at TIMESTAMPTZ NOT NULL
		);

		-- Indexes for performance
		CREATE INDEX IF NOT EXISTS idx_execution_jobs_user_id ON execution_jobs(user_id);
		CREATE INDEX IF NOT EXISTS idx_execution_jobs_status ON execution_jobs(status);
		CREATE INDEX IF NOT EXISTS idx_execution_jobs_confirm_by ON execution_jobs(confirm_by)
			WHERE status = 'waiting_confirmation';
		CREATE INDEX IF NOT EXISTS idx_quota_counters_period_end ON quota_counters(period_end);
	` + auditSchema

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}

// auditSchema has no foreign keys so it also serves a separate audit database
const auditSchema = `
		-- Audit logs table, append-only. IDs are ULIDs.
		CREATE TABLE IF NOT EXISTS audit_logs (
			id VARCHAR(26) PRIMARY KEY,
			actor_user_id UUID NOT NULL,
			target_user_id UUID,
			session_id VARCHAR(128),
			job_id UUID,
			action VARCHAR(64) NOT NULL,
			outcome VARCHAR(32) NOT NULL,
			reason VARCHAR(128) NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_keyset ON audit_logs(created_at, id);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_actor ON audit_logs(actor_user_id);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_target ON audit_logs(target_user_id);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action);
`

// InitAuditSchema initializes the audit database schema (audit_logs only, no FK).
// Use for the separate audit database when DATABASE_URL_AUDIT is set.
func (db *DB) InitAuditSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	db.logger.Info("audit schema initialized successfully")
	return nil
}
