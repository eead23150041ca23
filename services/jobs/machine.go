// Package jobs owns the execution job lifecycle. Fire is the only code path
// that writes a job's status.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/elizaOS/milaidy-sub002/models"
	"github.com/elizaOS/milaidy-sub002/repositories"
	"github.com/elizaOS/milaidy-sub002/services"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event drives a job from one status to the next
type Event string

const (
	EventAwaitConfirmation Event = "await_confirmation"
	EventConfirm           Event = "confirm"
	EventDispatch          Event = "dispatch"
	EventComplete          Event = "complete"
	EventFail              Event = "fail"
	EventCancel            Event = "cancel"
	EventTimeout           Event = "timeout"
)

// Failure reasons stored on failed jobs
const (
	ReasonCancelled           = "cancelled"
	ReasonConfirmationTimeout = "confirmation_timeout"
	ReasonAuditUnavailable    = "audit_unavailable"
)

// DefaultConfirmationTimeout is used when no timeout is configured
const DefaultConfirmationTimeout = 5 * time.Minute

// Next returns the status event leads to from status from
func Next(from models.JobStatus, event Event) (models.JobStatus, error) {
	switch event {
	case EventAwaitConfirmation:
		if from == models.JobQueued {
			return models.JobWaitingConfirmation, nil
		}
	case EventConfirm:
		if from == models.JobWaitingConfirmation {
			return models.JobQueued, nil
		}
	case EventDispatch:
		if from == models.JobQueued || from == models.JobWaitingConfirmation {
			return models.JobRunning, nil
		}
	case EventComplete:
		if from == models.JobRunning {
			return models.JobCompleted, nil
		}
	case EventFail:
		if from == models.JobRunning {
			return models.JobFailed, nil
		}
	case EventCancel:
		if from == models.JobQueued || from == models.JobWaitingConfirmation {
			return models.JobFailed, nil
		}
	case EventTimeout:
		if from == models.JobWaitingConfirmation {
			return models.JobFailed, nil
		}
	}
	return from, invalidTransition(from, event)
}

// CanFire reports whether event is a legal edge out of from
func CanFire(from models.JobStatus, event Event) bool {
	_, err := Next(from, event)
	return err == nil
}

func invalidTransition(from models.JobStatus, event Event) *services.DomainError {
	return services.NewDomainError(services.ErrorTypeInvalidTransition,
		fmt.Sprintf("cannot %s a %s job", event, from), nil).
		WithDetail("from", string(from)).
		WithDetail("event", string(event))
}

// Outcome carries the result of a terminal or cancelling event
type Outcome struct {
	Output json.RawMessage
	Error  string
}

// Machine validates and persists job transitions
type Machine struct {
	repo                repositories.JobRepository
	logger              *zap.Logger
	confirmationTimeout time.Duration
	now                 func() time.Time
}

// Option configures a Machine
type Option func(*Machine)

// WithClock overrides the time source used for deadlines and timestamps
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = func() time.Time { return now().UTC() }
	}
}

// NewMachine creates a state machine over repo
func NewMachine(repo repositories.JobRepository, logger *zap.Logger, confirmationTimeout time.Duration, opts ...Option) *Machine {
	if confirmationTimeout <= 0 {
		confirmationTimeout = DefaultConfirmationTimeout
	}
	m := &Machine{
		repo:                repo,
		logger:              logger,
		confirmationTimeout: confirmationTimeout,
		now:                 func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now returns the machine's current time
func (m *Machine) Now() time.Time {
	return m.now()
}

// ConfirmationTimeout returns how long a job may wait for confirmation
func (m *Machine) ConfirmationTimeout() time.Duration {
	return m.confirmationTimeout
}

// Admit persists a new job in the queued status
func (m *Machine) Admit(ctx context.Context, job *models.ExecutionJob) error {
	job.Status = models.JobQueued
	if err := m.repo.Create(ctx, job); err != nil {
		return services.WrapInternal("failed to create job", err)
	}
	m.logger.Debug("job admitted",
		zap.String("job_id", job.ID.String()),
		zap.String("user_id", job.UserID.String()),
		zap.String("tool", job.ToolName))
	return nil
}

// Get loads a job by ID
func (m *Machine) Get(ctx context.Context, jobID uuid.UUID) (*models.ExecutionJob, error) {
	job, err := m.repo.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrJobNotFound
		}
		return nil, services.WrapInternal("failed to load job", err)
	}
	return job, nil
}

// ExpiredConfirmations returns up to limit jobs whose confirmation deadline has passed
func (m *Machine) ExpiredConfirmations(ctx context.Context, limit int) ([]*models.ExecutionJob, error) {
	jobs, err := m.repo.ListExpiredConfirmations(ctx, m.now(), limit)
	if err != nil {
		return nil, services.WrapInternal("failed to list expired confirmations", err)
	}
	return jobs, nil
}

// Unfinished returns every job not yet in a terminal state, oldest first
func (m *Machine) Unfinished(ctx context.Context) ([]*models.ExecutionJob, error) {
	jobs, err := m.repo.ListUnfinished(ctx)
	if err != nil {
		return nil, services.WrapInternal("failed to list unfinished jobs", err)
	}
	return jobs, nil
}

// Fire applies event to the job. The write is conditional on the status read,
// so a concurrent transition makes this call fail with an invalid transition
// and leaves the stored job as the winner wrote it.
func (m *Machine) Fire(ctx context.Context, jobID uuid.UUID, event Event, outcome Outcome) (*models.ExecutionJob, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	from := job.Status
	to, err := Next(from, event)
	if err != nil {
		m.logger.Warn("rejected job transition",
			zap.String("job_id", jobID.String()),
			zap.String("from", string(from)),
			zap.String("event", string(event)))
		return nil, err
	}

	now := m.now()
	if event == EventTimeout && job.ConfirmBy != nil && now.Before(*job.ConfirmBy) {
		return nil, services.NewDomainError(services.ErrorTypeInvalidTransition,
			"confirmation deadline not reached", nil).
			WithDetail("from", string(from)).
			WithDetail("event", string(event))
	}

	next := job.Clone()
	next.Status = to
	next.UpdatedAt = now

	switch event {
	case EventAwaitConfirmation:
		if next.ConfirmBy == nil {
			deadline := now.Add(m.confirmationTimeout)
			next.ConfirmBy = &deadline
		}
	case EventConfirm:
	case EventDispatch:
		next.StartedAt = &now
	case EventComplete:
		next.Output = outcome.Output
		next.CompletedAt = &now
	case EventFail:
		next.Output = outcome.Output
		next.Error = outcome.Error
		next.CompletedAt = &now
	case EventCancel:
		next.Error = outcome.Error
		if next.Error == "" {
			next.Error = ReasonCancelled
		}
		next.CompletedAt = &now
	case EventTimeout:
		next.Error = outcome.Error
		if next.Error == "" {
			next.Error = ReasonConfirmationTimeout
		}
		next.CompletedAt = &now
	}

	if err := m.repo.UpdateStatus(ctx, next, from); err != nil {
		if errors.Is(err, repositories.ErrStaleStatus) {
			m.logger.Warn("job transition lost a race",
				zap.String("job_id", jobID.String()),
				zap.String("from", string(from)),
				zap.String("event", string(event)))
			return nil, invalidTransition(from, event).WithDetail("stale", true)
		}
		return nil, services.WrapInternal("failed to persist job transition", err)
	}

	m.logger.Debug("job transitioned",
		zap.String("job_id", jobID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("event", string(event)))
	return next, nil
}
