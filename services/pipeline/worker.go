package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/elizaOS/milaidy-sub002/internal/redact"
	"github.com/elizaOS/milaidy-sub002/models"
	"github.com/elizaOS/milaidy-sub002/services"
	"github.com/elizaOS/milaidy-sub002/services/jobs"
	"github.com/elizaOS/milaidy-sub002/services/queue"
	"github.com/elizaOS/milaidy-sub002/services/quota"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Run starts the workers and the confirmation reaper and blocks until ctx is done
// and every in-progress job has been recorded.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Recover(ctx); err != nil {
		c.logger.Error("job recovery failed, retrying on next submission", zap.Error(err))
	}

	var wg sync.WaitGroup

	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.worker(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.reaper(ctx)
	}()

	c.logger.Info("pipeline started",
		zap.Int("workers", c.cfg.Workers),
		zap.Duration("poll_interval", c.cfg.PollInterval),
		zap.Duration("reaper_interval", c.cfg.ReaperInterval))

	<-ctx.Done()
	wg.Wait()
	c.logger.Info("pipeline stopped")
	return nil
}

func (c *Coordinator) worker(ctx context.Context, id int) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil && c.ProcessNext(ctx) {
		}
		select {
		case <-ctx.Done():
			c.logger.Debug("worker stopping", zap.Int("worker", id))
			return
		case <-ticker.C:
		case <-c.wake:
		}
	}
}

func (c *Coordinator) reaper(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.ReapExpired(ctx); err != nil {
				c.logger.Error("confirmation reaper failed", zap.Int("reaped", n), zap.Error(err))
			} else if n > 0 {
				c.logger.Info("expired confirmations reaped", zap.Int("reaped", n))
			}
			if n, err := c.RetryUnsettled(ctx); err != nil {
				c.logger.Error("terminal state retry failed", zap.Int("settled", n), zap.Error(err))
			} else if n > 0 {
				c.logger.Info("terminal states stored on retry", zap.Int("settled", n))
			}
		}
	}
}

// ProcessNext executes the oldest queued job. It returns false when the queue was empty.
func (c *Coordinator) ProcessNext(ctx context.Context) bool {
	if err := c.Recover(ctx); err != nil {
		c.logger.Error("job recovery failed", zap.Error(err))
		return false
	}
	item, ok := c.queue.Dequeue()
	if !ok {
		return false
	}
	c.metrics.SetQueueDepth(c.queue.Len())
	c.execute(ctx, item)
	return true
}

// ReapExpired fails every waiting job whose confirmation deadline has passed
func (c *Coordinator) ReapExpired(ctx context.Context) (int, error) {
	expired, err := c.machine.ExpiredConfirmations(ctx, c.cfg.ReaperBatch)
	if err != nil {
		return 0, err
	}

	reaped := 0
	var firstErr error
	for _, job := range expired {
		done, err := c.expire(ctx, job.ID, job.UserID)
		if done {
			reaped++
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return reaped, firstErr
}

func (c *Coordinator) expire(ctx context.Context, jobID, userID uuid.UUID) (bool, error) {
	unlock := c.locks.Lock(userID)
	defer unlock()

	job, err := c.machine.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != models.JobWaitingConfirmation || !c.deadlinePassed(job) {
		return false, nil
	}

	failed, err := c.terminate(ctx, job, job.UserID, jobs.EventTimeout, jobs.ReasonConfirmationTimeout)
	if failed != nil {
		c.logger.Info("confirmation timed out",
			zap.String("job_id", jobID.String()),
			zap.String("user_id", userID.String()))
	}
	return failed != nil, err
}

// execute runs one dequeued job. Running is persisted before the tool is called,
// and the terminal state only after it returns.
func (c *Coordinator) execute(ctx context.Context, item queue.Item) {
	unlock := c.locks.Lock(item.UserID)
	job, err := c.machine.Fire(ctx, item.JobID, jobs.EventDispatch, jobs.Outcome{})
	unlock()
	if err != nil {
		if services.IsInvalidTransitionError(err) || services.IsNotFoundError(err) {
			c.logger.Debug("skipping job that left the queue", zap.String("job_id", item.JobID.String()), zap.Error(err))
			return
		}
		c.logger.Error("failed to dispatch job", zap.String("job_id", item.JobID.String()), zap.Error(err))
		return
	}

	started := time.Now()
	output, toolErr := c.invoker.Invoke(ctx, job.ToolName, job.Input)
	c.finish(context.WithoutCancel(ctx), job, output, toolErr, time.Since(started))
}

func (c *Coordinator) finish(ctx context.Context, job *models.ExecutionJob, output json.RawMessage, toolErr error, elapsed time.Duration) {
	unlock := c.locks.Lock(job.UserID)
	defer unlock()
	defer c.ledger.release(job.ID)

	outcome, reason := models.OutcomeExecuted, ReasonExecuted
	event, result := jobs.EventComplete, jobs.Outcome{Output: output}
	metadata := jobMetadata(job)
	if toolErr != nil {
		outcome, reason = models.OutcomeFailed, ReasonToolError
		message := redact.Secrets(toolErr.Error())
		event, result = jobs.EventFail, jobs.Outcome{Output: output, Error: message}
		metadata["error"] = message
	}
	metadata["duration_ms"] = elapsed.Milliseconds()

	entry := models.NewAuditLog(job.UserID, job.ActionKind.ExecuteAudit(), outcome, reason).
		WithTarget(job.UserID).
		WithSession(job.SessionID).
		WithJob(job.ID).
		WithMetadata(metadata)
	if _, err := c.recorder.Record(ctx, entry); err != nil {
		c.metrics.RecordAuditFailure()
		c.logger.Error("terminal audit failed, job fails without committing quota",
			zap.String("job_id", job.ID.String()),
			zap.String("user_id", job.UserID.String()),
			zap.Error(err))
		c.fireTerminal(ctx, job, jobs.EventFail, jobs.Outcome{Error: jobs.ReasonAuditUnavailable}, jobs.ReasonAuditUnavailable, elapsed)
		return
	}

	c.commit(ctx, job, toolErr == nil)
	c.fireTerminal(ctx, job, event, result, reason, elapsed)
}

// fireTerminal stores the job's terminal state, retrying store errors with backoff.
// A state that still cannot be stored is parked and retried by the reaper.
func (c *Coordinator) fireTerminal(ctx context.Context, job *models.ExecutionJob, event jobs.Event, outcome jobs.Outcome, reason string, elapsed time.Duration) {
	s := settlement{job: job, event: event, outcome: outcome, reason: reason, elapsed: elapsed}

	var done *models.ExecutionJob
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(c.cfg.TerminalAttempts),
		retry.Delay(c.cfg.TerminalRetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isStoreError),
	).Do(func() error {
		var fireErr error
		done, fireErr = c.settle(ctx, s)
		return fireErr
	})
	if err == nil {
		c.finished(s, done)
		return
	}

	if isStoreError(err) {
		c.unsettled.add(s)
		c.logger.Error("failed to record terminal job state, parked for retry",
			zap.String("job_id", job.ID.String()),
			zap.String("event", string(event)),
			zap.Error(err))
		return
	}
	c.logger.Error("terminal job transition rejected",
		zap.String("job_id", job.ID.String()),
		zap.String("event", string(event)),
		zap.Error(err))
}

// settle fires the settlement's event once. A job the store already shows as
// terminal counts as settled, since an earlier attempt may have landed.
func (c *Coordinator) settle(ctx context.Context, s settlement) (*models.ExecutionJob, error) {
	done, err := c.machine.Fire(ctx, s.job.ID, s.event, s.outcome)
	if err == nil || !services.IsInvalidTransitionError(err) {
		return done, err
	}
	stored, getErr := c.machine.Get(ctx, s.job.ID)
	if getErr == nil && stored.Status.IsTerminal() {
		return stored, nil
	}
	return nil, err
}

func (c *Coordinator) finished(s settlement, done *models.ExecutionJob) {
	c.metrics.RecordTerminal(s.job.ToolName, string(done.Status), s.reason, s.elapsed)
	c.logger.Info("job finished",
		zap.String("job_id", s.job.ID.String()),
		zap.String("user_id", s.job.UserID.String()),
		zap.String("status", string(done.Status)),
		zap.String("reason", s.reason),
		zap.Duration("duration", s.elapsed))
}

func isStoreError(err error) bool {
	return !services.IsInvalidTransitionError(err) && !services.IsNotFoundError(err)
}

// commit records an executed job against the tenant's counters. Every execution
// counts toward the rate limit; spend counts only when the tool succeeded.
func (c *Coordinator) commit(ctx context.Context, job *models.ExecutionJob, succeeded bool) {
	res, ok := c.ledger.get(job.ID)
	if !ok {
		c.logger.Warn("no reservation for executed job, using current settings", zap.String("job_id", job.ID.String()))
		res = c.rebuildReservation(ctx, job)
	}
	if res.rated {
		c.reserve(ctx, job, quota.RateKey(job.UserID), res.rate, 1)
	}
	if succeeded && job.RiskLevel == models.RiskCanSpend {
		c.reserve(ctx, job, quota.SpendKey(job.UserID), res.spend, res.spendCents)
	}
}

// reserve commits amount under the limit that admitted the job. An execution that
// already happened is always recorded, so a refused reservation is retried without a limit.
func (c *Coordinator) reserve(ctx context.Context, job *models.ExecutionJob, key string, policy quota.Policy, amount int64) {
	ok, err := c.tracker.Reserve(ctx, key, policy, amount)
	if err == nil && ok {
		return
	}
	if err == nil {
		c.logger.Error("executed job exceeded its admitted limit",
			zap.String("job_id", job.ID.String()),
			zap.String("key", key),
			zap.Int64("amount", amount),
			zap.Int64("limit", policy.Limit))
		_, err = c.tracker.Reserve(ctx, key, quota.Policy{Window: policy.Window, Limit: quota.Unlimited}, amount)
	}
	if err != nil {
		c.logger.Error("failed to commit quota usage",
			zap.String("job_id", job.ID.String()),
			zap.String("key", key),
			zap.Int64("amount", amount),
			zap.Error(err))
	}
}
