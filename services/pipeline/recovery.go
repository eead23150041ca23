package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/elizaOS/milaidy-sub002/models"
	"github.com/elizaOS/milaidy-sub002/services"
	"github.com/elizaOS/milaidy-sub002/services/jobs"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recover adopts the unfinished jobs a previous process left in the store.
// Queued jobs are queued again and waiting jobs keep waiting, both with a
// reservation rebuilt from the tenant's current settings. Jobs left running
// are failed with ReasonInterrupted because their outcome is unknown.
// It completes once per Coordinator; Run and every entry point call it first.
func (c *Coordinator) Recover(ctx context.Context) error {
	if c.recovered.Load() {
		return nil
	}
	c.recoverMu.Lock()
	defer c.recoverMu.Unlock()
	if c.recovered.Load() {
		return nil
	}

	unfinished, err := c.machine.Unfinished(ctx)
	if err != nil {
		return err
	}

	counts := make(map[models.JobStatus]int)
	for _, job := range unfinished {
		status, err := c.recoverJob(ctx, job.ID, job.UserID)
		if err != nil {
			c.logger.Error("failed to recover job",
				zap.String("job_id", job.ID.String()),
				zap.String("status", string(job.Status)),
				zap.Error(err))
			return err
		}
		if status != "" {
			counts[status]++
		}
	}

	c.recovered.Store(true)
	if len(unfinished) > 0 {
		c.logger.Info("recovered unfinished jobs",
			zap.Int("requeued", counts[models.JobQueued]),
			zap.Int("waiting", counts[models.JobWaitingConfirmation]),
			zap.Int("interrupted", counts[models.JobRunning]))
	}
	return nil
}

// recoverJob returns the status the job was recovered from, or "" when there
// was nothing to do
func (c *Coordinator) recoverJob(ctx context.Context, jobID, userID uuid.UUID) (models.JobStatus, error) {
	unlock := c.locks.Lock(userID)
	defer unlock()

	if c.ledger.has(jobID) {
		return "", nil
	}
	job, err := c.machine.Get(ctx, jobID)
	if err != nil {
		return "", err
	}

	switch job.Status {
	case models.JobRunning:
		if _, err := c.terminate(ctx, job, job.UserID, jobs.EventFail, ReasonInterrupted); err != nil {
			return "", err
		}
	case models.JobQueued:
		c.adopt(ctx, job)
		if reason, ok := c.enqueue(job); !ok {
			if _, err := c.terminate(ctx, job, job.UserID, jobs.EventCancel, reason); err != nil {
				return "", err
			}
		}
	case models.JobWaitingConfirmation:
		c.adopt(ctx, job)
	default:
		return "", nil
	}
	return job.Status, nil
}

// adopt gives a job that has no reservation one built from current settings.
// Callers hold the tenant lock.
func (c *Coordinator) adopt(ctx context.Context, job *models.ExecutionJob) {
	if c.ledger.has(job.ID) {
		return
	}
	c.ledger.add(job.ID, c.rebuildReservation(ctx, job))
}

func (c *Coordinator) rebuildReservation(ctx context.Context, job *models.ExecutionJob) reservation {
	settings, err := c.tenants.GetSettings(ctx, job.UserID)
	if err != nil || settings == nil {
		c.logger.Warn("settings unavailable, reservation uses defaults",
			zap.String("job_id", job.ID.String()),
			zap.String("user_id", job.UserID.String()),
			zap.Error(err))
		settings = models.NewTenantSettings(job.UserID)
	}
	return newReservation(job, settings, scopedKey(job.UserID, job.DedupeKey))
}

// settlement is a terminal transition whose audit row and quota commit are done
type settlement struct {
	job     *models.ExecutionJob
	event   jobs.Event
	outcome jobs.Outcome
	reason  string
	elapsed time.Duration
}

// unsettled holds settlements the store refused, keyed by job
type unsettled struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]settlement
}

func newUnsettled() *unsettled {
	return &unsettled{jobs: make(map[uuid.UUID]settlement)}
}

func (u *unsettled) add(s settlement) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.jobs[s.job.ID] = s
}

func (u *unsettled) remove(jobID uuid.UUID) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.jobs, jobID)
}

func (u *unsettled) list() []settlement {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]settlement, 0, len(u.jobs))
	for _, s := range u.jobs {
		out = append(out, s)
	}
	return out
}

func (u *unsettled) len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.jobs)
}

// RetryUnsettled stores terminal states earlier attempts could not. It returns
// how many were stored.
func (c *Coordinator) RetryUnsettled(ctx context.Context) (int, error) {
	stored := 0
	var firstErr error
	for _, s := range c.unsettled.list() {
		unlock := c.locks.Lock(s.job.UserID)
		done, err := c.settle(ctx, s)
		unlock()

		switch {
		case err == nil:
			c.unsettled.remove(s.job.ID)
			c.finished(s, done)
			stored++
		case isStoreError(err):
			if firstErr == nil {
				firstErr = err
			}
		default:
			c.unsettled.remove(s.job.ID)
			c.logger.Error("dropping terminal state the job no longer accepts",
				zap.String("job_id", s.job.ID.String()),
				zap.String("event", string(s.event)),
				zap.Bool("not_found", services.IsNotFoundError(err)),
				zap.Error(err))
		}
	}
	return stored, firstErr
}
