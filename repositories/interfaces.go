package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/elizaOS/milaidy-sub002/models"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when the requested row does not exist
	ErrNotFound = errors.New("record not found")

	// ErrStaleStatus is returned when a conditional status update lost a race
	ErrStaleStatus = errors.New("stored status does not match expected status")
)

// TransactionManager handles database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction runs fn with a context bound to a transaction.
	// It commits when fn returns nil and rolls back otherwise.
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// UserRepository handles user data operations
type UserRepository interface {
	// Create creates a new user
	Create(ctx context.Context, user *models.User) error

	// GetByID retrieves a user by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)

	// Update updates a user's role and enabled flag
	Update(ctx context.Context, user *models.User) error
}

// SettingsRepository handles tenant settings
type SettingsRepository interface {
	// Get retrieves the settings owned by userID
	Get(ctx context.Context, userID uuid.UUID) (*models.TenantSettings, error)

	// Upsert creates or replaces the settings row
	Upsert(ctx context.Context, settings *models.TenantSettings) error
}

// JobRepository handles execution jobs. Only the job state machine calls UpdateStatus.
type JobRepository interface {
	// Create inserts a new job
	Create(ctx context.Context, job *models.ExecutionJob) error

	// GetByID retrieves a job by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.ExecutionJob, error)

	// UpdateStatus writes job's mutable columns only if the stored status equals from.
	// It returns ErrStaleStatus when it does not.
	UpdateStatus(ctx context.Context, job *models.ExecutionJob, from models.JobStatus) error

	// ListExpiredConfirmations returns waiting_confirmation jobs whose ConfirmBy is before the cutoff
	ListExpiredConfirmations(ctx context.Context, before time.Time, limit int) ([]*models.ExecutionJob, error)

	// ListUnfinished returns every queued, waiting_confirmation or running job ordered by creation time
	ListUnfinished(ctx context.Context) ([]*models.ExecutionJob, error)
}

// AuditFilter narrows an audit query. Zero values match everything.
type AuditFilter struct {
	ActorUserID  *uuid.UUID
	TargetUserID *uuid.UUID
	Actions      []models.AuditAction
	Since        time.Time
	Until        time.Time
}

// AuditCursor is the keyset position of the last row of a page
type AuditCursor struct {
	CreatedAt time.Time
	ID        string
}

// AuditRepository handles the append-only audit log
type AuditRepository interface {
	// Insert appends a new audit log entry
	Insert(ctx context.Context, log *models.AuditLog) error

	// Find returns up to limit rows matching filter in ascending (created_at, id) order,
	// strictly after cursor when it is non-nil
	Find(ctx context.Context, filter AuditFilter, after *AuditCursor, limit int) ([]*models.AuditLog, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Users     UserRepository
	Settings  SettingsRepository
	Jobs      JobRepository
	AuditLogs AuditRepository
	Tx        TransactionManager
}
