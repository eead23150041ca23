package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/elizaOS/milaidy-sub002/models"
	"github.com/elizaOS/milaidy-sub002/repositories"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const jobColumns = `
	id, user_id, session_id, status, action_kind, risk_level, tool_name,
	integration, amount_usd, dedupe_key, input, output, error,
	confirm_by, created_at, started_at, completed_at, updated_at
`

// JobRepository implements the JobRepository interface
type JobRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB, logger *zap.Logger) repositories.JobRepository {
	return &JobRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new job
func (r *JobRepository) Create(ctx context.Context, job *models.ExecutionJob) error {
	query := `
		INSERT INTO execution_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		job.ID,
		job.UserID,
		job.SessionID,
		job.Status,
		job.ActionKind,
		job.RiskLevel,
		job.ToolName,
		job.Integration,
		job.AmountUSD,
		job.DedupeKey,
		jsonb(job.Input),
		jsonb(job.Output),
		job.Error,
		nullTime(job.ConfirmBy),
		job.CreatedAt,
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	r.logger.Debug("job created",
		zap.String("id", job.ID.String()),
		zap.String("user_id", job.UserID.String()),
		zap.String("status", string(job.Status)),
	)

	return nil
}

// GetByID retrieves a job by ID
func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ExecutionJob, error) {
	query := `SELECT ` + jobColumns + ` FROM execution_jobs WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	job, err := scanJob(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// UpdateStatus writes the mutable columns only if the stored status equals from.
// A miss is told apart as ErrNotFound or ErrStaleStatus with a follow-up read.
func (r *JobRepository) UpdateStatus(ctx context.Context, job *models.ExecutionJob, from models.JobStatus) error {
	query := `
		UPDATE execution_jobs
		SET status = $3,
		    output = $4,
		    error = $5,
		    confirm_by = $6,
		    started_at = $7,
		    completed_at = $8,
		    updated_at = $9
		WHERE id = $1 AND status = $2
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		job.ID,
		from,
		job.Status,
		jsonb(job.Output),
		job.Error,
		nullTime(job.ConfirmBy),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		var exists bool
		err := executor.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM execution_jobs WHERE id = $1)`, job.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check job: %w", err)
		}
		if !exists {
			return repositories.ErrNotFound
		}
		return repositories.ErrStaleStatus
	}

	r.logger.Debug("job status updated",
		zap.String("id", job.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(job.Status)),
	)
	return nil
}

// ListExpiredConfirmations returns waiting_confirmation jobs whose deadline is before the cutoff
func (r *JobRepository) ListExpiredConfirmations(ctx context.Context, before time.Time, limit int) ([]*models.ExecutionJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM execution_jobs
		WHERE status = $1 AND confirm_by < $2
		ORDER BY confirm_by ASC
		LIMIT $3
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, models.JobWaitingConfirmation, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired confirmations: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ExecutionJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job rows: %w", err)
	}

	return jobs, nil
}

// ListUnfinished returns every non-terminal job ordered by creation time
func (r *JobRepository) ListUnfinished(ctx context.Context) ([]*models.ExecutionJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM execution_jobs
		WHERE status IN ($1, $2, $3)
		ORDER BY created_at ASC, id ASC
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, models.JobQueued, models.JobWaitingConfirmation, models.JobRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to query unfinished jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ExecutionJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job rows: %w", err)
	}

	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.ExecutionJob, error) {
	job := &models.ExecutionJob{}
	var input, output []byte
	var confirmBy, startedAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.SessionID,
		&job.Status,
		&job.ActionKind,
		&job.RiskLevel,
		&job.ToolName,
		&job.Integration,
		&job.AmountUSD,
		&job.DedupeKey,
		&input,
		&output,
		&job.Error,
		&confirmBy,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(input) > 0 {
		job.Input = input
	}
	if len(output) > 0 {
		job.Output = output
	}
	job.ConfirmBy = timePtr(confirmBy)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

// jsonb maps an empty document to SQL NULL
func jsonb(data []byte) interface{} {
	if len(data) == 0 {
		return nil
	}
	return []byte(data)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
