// Package audit records the append-only trail of pipeline decisions and outcomes.
package audit

import (
	"context"
	"crypto/rand"
	"iter"
	"sync"
	"time"

	"github.com/elizaOS/milaidy-sub002/models"
	"github.com/elizaOS/milaidy-sub002/repositories"
	"github.com/elizaOS/milaidy-sub002/services"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// DefaultPageSize is used by Query when the filter does not set one
const DefaultPageSize = 100

// Filter selects audit rows. CreatedAt must fall in [Since, Until).
type Filter struct {
	ActorUserID  *uuid.UUID
	TargetUserID *uuid.UUID
	Actions      []models.AuditAction
	Since        time.Time
	Until        time.Time
	PageSize     int
}

func (f Filter) repositoryFilter() repositories.AuditFilter {
	return repositories.AuditFilter{
		ActorUserID:  f.ActorUserID,
		TargetUserID: f.TargetUserID,
		Actions:      f.Actions,
		Since:        f.Since,
		Until:        f.Until,
	}
}

// Recorder writes audit rows synchronously. It never buffers or drops an entry:
// a failed write is returned to the caller.
type Recorder struct {
	repo   repositories.AuditRepository
	logger *zap.Logger

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	last    time.Time
	now     func() time.Time
}

// NewRecorder creates a recorder over repo
func NewRecorder(repo repositories.AuditRepository, logger *zap.Logger) *Recorder {
	return &Recorder{
		repo:    repo,
		logger:  logger,
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// Record assigns the entry its ID and CreatedAt and appends it.
// CreatedAt is strictly increasing across calls on one Recorder.
func (r *Recorder) Record(ctx context.Context, entry *models.AuditLog) (string, error) {
	id, createdAt, err := r.stamp()
	if err != nil {
		return "", services.WrapInternal("failed to generate audit id", err)
	}

	entry.ID = id.String()
	entry.CreatedAt = createdAt

	if err := r.repo.Insert(ctx, entry); err != nil {
		r.logger.Error("failed to record audit entry",
			zap.Error(err),
			zap.String("action", string(entry.Action)),
			zap.String("actor_user_id", entry.ActorUserID.String()),
			zap.String("reason", entry.Reason))
		return "", services.WrapAuditUnavailable(err)
	}
	return entry.ID, nil
}

// stamp returns the next ID and creation time. Only this step is serialized;
// inserts run concurrently.
func (r *Recorder) stamp() (ulid.ULID, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// microseconds survive a round trip through timestamptz
	createdAt := r.now().UTC().Truncate(time.Microsecond)
	if !createdAt.After(r.last) {
		createdAt = r.last.Add(time.Microsecond)
	}

	id, err := ulid.New(ulid.Timestamp(createdAt), r.entropy)
	if err != nil {
		return ulid.ULID{}, time.Time{}, err
	}
	r.last = createdAt
	return id, createdAt, nil
}

// Query returns matching rows in ascending (created_at, id) order. Pages are
// fetched lazily as the sequence is consumed. A store error is yielded once and
// ends the sequence.
func (r *Recorder) Query(ctx context.Context, filter Filter) iter.Seq2[*models.AuditLog, error] {
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	repoFilter := filter.repositoryFilter()

	return func(yield func(*models.AuditLog, error) bool) {
		var cursor *repositories.AuditCursor
		for {
			page, err := r.repo.Find(ctx, repoFilter, cursor, pageSize)
			if err != nil {
				yield(nil, services.WrapAuditUnavailable(err))
				return
			}
			for _, row := range page {
				if !yield(row, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			last := page[len(page)-1]
			cursor = &repositories.AuditCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		}
	}
}

// Collect drains a query into a slice, stopping after limit rows when limit > 0
func Collect(seq iter.Seq2[*models.AuditLog, error], limit int) ([]*models.AuditLog, error) {
	var out []*models.AuditLog
	for row, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, row)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
