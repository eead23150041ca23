package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PostgresTracker keeps counters in the quota_counters and quota_marks tables.
// The guarded upsert makes check-and-increment atomic per row.
type PostgresTracker struct {
	clock
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresTracker creates a tracker backed by db
func NewPostgresTracker(db *sql.DB, logger *zap.Logger, opts ...Option) *PostgresTracker {
	return &PostgresTracker{
		clock:  newClock(opts),
		db:     db,
		logger: logger,
	}
}

func periodKey(window Window, now time.Time) string {
	return window.String() + ":" + window.PeriodKey(now)
}

// Reserve implements Tracker
func (t *PostgresTracker) Reserve(ctx context.Context, key string, policy Policy, amount int64) (bool, error) {
	if err := validateReservation(policy, amount); err != nil {
		return false, err
	}
	now := t.Now()
	_, end := policy.Window.Bounds(now)

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin quota transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO quota_counters (scope_key, period_key, usage, period_end, updated_at)
		SELECT $1, $2, $3::bigint, $5, $6
		WHERE $3::bigint <= $4::bigint
		ON CONFLICT (scope_key, period_key)
		DO UPDATE SET
			usage = quota_counters.usage + EXCLUDED.usage,
			updated_at = EXCLUDED.updated_at
		WHERE quota_counters.usage + EXCLUDED.usage <= $4::bigint
		RETURNING usage
	`

	var usage int64
	err = tx.QueryRowContext(ctx, query, key, periodKey(policy.Window, now), amount, policy.Limit, end, now).Scan(&usage)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to reserve quota: %w", err)
	}

	markQuery := `
		INSERT INTO quota_marks (scope_key, last_reserved_at)
		VALUES ($1, $2)
		ON CONFLICT (scope_key)
		DO UPDATE SET last_reserved_at = EXCLUDED.last_reserved_at
	`
	if _, err := tx.ExecContext(ctx, markQuery, key, now); err != nil {
		return false, fmt.Errorf("failed to record reservation time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit quota reservation: %w", err)
	}
	return true, nil
}

// CurrentUsage implements Tracker
func (t *PostgresTracker) CurrentUsage(ctx context.Context, key string, window Window) (int64, error) {
	if err := window.Validate(); err != nil {
		return 0, err
	}
	query := `
		SELECT usage
		FROM quota_counters
		WHERE scope_key = $1 AND period_key = $2
	`

	var usage int64
	err := t.db.QueryRowContext(ctx, query, key, periodKey(window, t.Now())).Scan(&usage)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query quota usage: %w", err)
	}
	return usage, nil
}

// LastReservedAt implements Tracker
func (t *PostgresTracker) LastReservedAt(ctx context.Context, key string) (time.Time, bool, error) {
	query := `SELECT last_reserved_at FROM quota_marks WHERE scope_key = $1`

	var last time.Time
	err := t.db.QueryRowContext(ctx, query, key).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query last reservation: %w", err)
	}
	return last.UTC(), true, nil
}

// CleanupExpired removes counters whose window ended more than retention ago
func (t *PostgresTracker) CleanupExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := t.Now().Add(-retention)

	result, err := t.db.ExecContext(ctx, `DELETE FROM quota_counters WHERE period_end < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup quota counters: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	t.logger.Info("cleaned up expired quota counters",
		zap.Int64("rows_deleted", rows),
		zap.Time("cutoff", cutoff))
	return rows, nil
}

// StartCleanupWorker periodically removes expired counters until ctx is done
func (t *PostgresTracker) StartCleanupWorker(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.logger.Info("started quota cleanup worker",
		zap.Duration("interval", interval),
		zap.Duration("retention", retention))

	for {
		select {
		case <-ticker.C:
			if _, err := t.CleanupExpired(ctx, retention); err != nil {
				t.logger.Error("failed to cleanup quota counters", zap.Error(err))
			}
		case <-ctx.Done():
			t.logger.Info("stopping quota cleanup worker")
			return
		}
	}
}
