// Package memory provides process-local repository implementations used when
// no database is configured and in tests.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/elizaOS/milaidy-sub002/models"
	"github.com/elizaOS/milaidy-sub002/repositories"
	"github.com/google/uuid"
)

// NewRepositories returns a full set of in-memory repositories
func NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Users:     NewUserRepository(),
		Settings:  NewSettingsRepository(),
		Jobs:      NewJobRepository(),
		AuditLogs: NewAuditRepository(),
		Tx:        TransactionManager{},
	}
}

// UserRepository stores users in a map
type UserRepository struct {
	mu    sync.RWMutex
	users map[uuid.UUID]models.User
}

// NewUserRepository creates an empty user repository
func NewUserRepository() *UserRepository {
	return &UserRepository{users: make(map[uuid.UUID]models.User)}
}

// Create creates a new user
func (r *UserRepository) Create(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ID] = *user
	return nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &u, nil
}

// Update updates a user
func (r *UserRepository) Update(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.ID]; !ok {
		return repositories.ErrNotFound
	}
	r.users[user.ID] = *user
	return nil
}

// SettingsRepository stores tenant settings in a map
type SettingsRepository struct {
	mu       sync.RWMutex
	settings map[uuid.UUID]*models.TenantSettings
}

// NewSettingsRepository creates an empty settings repository
func NewSettingsRepository() *SettingsRepository {
	return &SettingsRepository{settings: make(map[uuid.UUID]*models.TenantSettings)}
}

// Get retrieves the settings owned by userID
func (r *SettingsRepository) Get(_ context.Context, userID uuid.UUID) (*models.TenantSettings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.settings[userID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return s.Clone(), nil
}

// Upsert creates or replaces the settings row
func (r *SettingsRepository) Upsert(_ context.Context, settings *models.TenantSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[settings.UserID] = settings.Clone()
	return nil
}

// JobRepository stores execution jobs in a map
type JobRepository struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*models.ExecutionJob
}

// NewJobRepository creates an empty job repository
func NewJobRepository() *JobRepository {
	return &JobRepository{jobs: make(map[uuid.UUID]*models.ExecutionJob)}
}

// Create inserts a new job
func (r *JobRepository) Create(_ context.Context, job *models.ExecutionJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job.Clone()
	return nil
}

// GetByID retrieves a job by ID
func (r *JobRepository) GetByID(_ context.Context, id uuid.UUID) (*models.ExecutionJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return j.Clone(), nil
}

// UpdateStatus writes job only if the stored status equals from
func (r *JobRepository) UpdateStatus(_ context.Context, job *models.ExecutionJob, from models.JobStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.jobs[job.ID]
	if !ok {
		return repositories.ErrNotFound
	}
	if stored.Status != from {
		return repositories.ErrStaleStatus
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

// ListExpiredConfirmations returns waiting_confirmation jobs whose deadline passed
func (r *JobRepository) ListExpiredConfirmations(_ context.Context, before time.Time, limit int) ([]*models.ExecutionJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.ExecutionJob
	for _, j := range r.jobs {
		if j.Status == models.JobWaitingConfirmation && j.ConfirmBy != nil && j.ConfirmBy.Before(before) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ConfirmBy.Before(*out[b].ConfirmBy) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListUnfinished returns every non-terminal job, oldest first
func (r *JobRepository) ListUnfinished(_ context.Context) ([]*models.ExecutionJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.ExecutionJob
	for _, j := range r.jobs {
		if !j.Status.IsTerminal() {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID.String() < out[b].ID.String()
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

// AuditRepository is an append-only slice of audit rows
type AuditRepository struct {
	mu   sync.RWMutex
	logs []models.AuditLog
}

// NewAuditRepository creates an empty audit repository
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

// Insert appends a new audit log entry
func (r *AuditRepository) Insert(_ context.Context, log *models.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, *log)
	return nil
}

// Find returns matching rows in ascending (created_at, id) order after the cursor
func (r *AuditRepository) Find(_ context.Context, filter repositories.AuditFilter, after *repositories.AuditCursor, limit int) ([]*models.AuditLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.AuditLog
	for i := range r.logs {
		l := r.logs[i]
		if after != nil && !isAfter(l, *after) {
			continue
		}
		if !matches(l, filter) {
			continue
		}
		out = append(out, &l)
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored rows
func (r *AuditRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.logs)
}

func isAfter(l models.AuditLog, c repositories.AuditCursor) bool {
	if l.CreatedAt.Equal(c.CreatedAt) {
		return l.ID > c.ID
	}
	return l.CreatedAt.After(c.CreatedAt)
}

func matches(l models.AuditLog, f repositories.AuditFilter) bool {
	if f.ActorUserID != nil && l.ActorUserID != *f.ActorUserID {
		return false
	}
	if f.TargetUserID != nil && (l.TargetUserID == nil || *l.TargetUserID != *f.TargetUserID) {
		return false
	}
	if len(f.Actions) > 0 && !slices.Contains(f.Actions, l.Action) {
		return false
	}
	if !f.Since.IsZero() && l.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !l.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

// TransactionManager runs functions directly. The in-memory stores have no rollback.
type TransactionManager struct{}

// Begin returns a no-op transaction
func (TransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	return noopTx{ctx: ctx}, nil
}

// InTransaction runs fn with ctx unchanged
func (TransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	return fn(ctx, noopTx{ctx: ctx})
}

type noopTx struct {
	ctx context.Context
}

func (noopTx) Commit() error              { return nil }
func (noopTx) Rollback() error            { return nil }
func (t noopTx) Context() context.Context { return t.ctx }
