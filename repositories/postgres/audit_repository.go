package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/elizaOS/milaidy-sub002/models"
	"github.com/elizaOS/milaidy-sub002/repositories"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// AuditRepository implements the append-only AuditRepository interface.
// Rows are never updated or deleted.
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a new audit log entry
func (r *AuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (
			id, actor_user_id, target_user_id, session_id, job_id,
			action, outcome, reason, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		log.ID,
		log.ActorUserID,
		nullUUID(log.TargetUserID),
		nullString(log.SessionID),
		nullUUID(log.JobID),
		log.Action,
		log.Outcome,
		log.Reason,
		jsonb(log.Metadata),
		log.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	r.logger.Debug("audit log inserted",
		zap.String("id", log.ID),
		zap.String("action", string(log.Action)),
		zap.String("outcome", string(log.Outcome)),
	)

	return nil
}

// Find returns up to limit rows matching filter in (created_at, id) order after the cursor
func (r *AuditRepository) Find(ctx context.Context, filter repositories.AuditFilter, after *repositories.AuditCursor, limit int) ([]*models.AuditLog, error) {
	var (
		conditions []string
		args       []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.ActorUserID != nil {
		conditions = append(conditions, "actor_user_id = "+arg(*filter.ActorUserID))
	}
	if filter.TargetUserID != nil {
		conditions = append(conditions, "target_user_id = "+arg(*filter.TargetUserID))
	}
	if len(filter.Actions) > 0 {
		actions := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			actions[i] = string(a)
		}
		conditions = append(conditions, "action = ANY("+arg(pq.Array(actions))+")")
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "created_at >= "+arg(filter.Since))
	}
	if !filter.Until.IsZero() {
		conditions = append(conditions, "created_at < "+arg(filter.Until))
	}
	if after != nil {
		conditions = append(conditions, fmt.Sprintf("(created_at, id) > (%s, %s)", arg(after.CreatedAt), arg(after.ID)))
	}

	var query strings.Builder
	query.WriteString(`
		SELECT id, actor_user_id, target_user_id, session_id, job_id,
		       action, outcome, reason, metadata, created_at
		FROM audit_logs`)
	if len(conditions) > 0 {
		query.WriteString("\n\t\tWHERE ")
		query.WriteString(strings.Join(conditions, " AND "))
	}
	query.WriteString("\n\t\tORDER BY created_at ASC, id ASC")
	if limit > 0 {
		query.WriteString("\n\t\tLIMIT " + arg(limit))
	}

	return r.queryAuditLogs(ctx, query.String(), args...)
}

// queryAuditLogs is a helper method to query multiple audit logs
func (r *AuditRepository) queryAuditLogs(ctx context.Context, query string, args ...interface{}) ([]*models.AuditLog, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.AuditLog
	for rows.Next() {
		log := &models.AuditLog{}
		var (
			target, job uuid.NullUUID
			session     sql.NullString
			metadata    []byte
		)
		err := rows.Scan(
			&log.ID,
			&log.ActorUserID,
			&target,
			&session,
			&job,
			&log.Action,
			&log.Outcome,
			&log.Reason,
			&metadata,
			&log.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if target.Valid {
			log.TargetUserID = &target.UUID
		}
		if job.Valid {
			log.JobID = &job.UUID
		}
		if session.Valid {
			log.SessionID = &session.String
		}
		if len(metadata) > 0 {
			log.Metadata = metadata
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log rows: %w", err)
	}

	return logs, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
