// Package pipeline admits user actions through policy, queues them and drives
// each admitted job to an audited terminal state.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elizaOS/milaidy-sub002/internal/observability"
	"github.com/elizaOS/milaidy-sub002/models"
	"github.com/elizaOS/milaidy-sub002/services"
	"github.com/elizaOS/milaidy-sub002/services/audit"
	"github.com/elizaOS/milaidy-sub002/services/jobs"
	"github.com/elizaOS/milaidy-sub002/services/policy"
	"github.com/elizaOS/milaidy-sub002/services/queue"
	"github.com/elizaOS/milaidy-sub002/services/quota"
	"github.com/elizaOS/milaidy-sub002/services/tools"
	"github.com/elizaOS/milaidy-sub002/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Defaults applied to a zero Config
const (
	DefaultWorkers            = 4
	DefaultPollInterval       = 500 * time.Millisecond
	DefaultReaperInterval     = 15 * time.Second
	DefaultReaperBatch        = 100
	DefaultTerminalAttempts   = 5
	DefaultTerminalRetryDelay = 50 * time.Millisecond
)

// Reasons recorded on terminal audit rows
const (
	ReasonExecuted        = "executed"
	ReasonToolError       = "tool_error"
	ReasonAdmissionFailed = "admission_failed"
	// ReasonInterrupted fails a job a previous process left running
	ReasonInterrupted = "execution_interrupted"
)

// Config tunes the worker pool and the confirmation reaper. A waiting job is
// failed at most ReaperInterval after its deadline. A terminal state that could
// not be stored after TerminalAttempts is retried on every reaper tick.
type Config struct {
	Workers            int
	PollInterval       time.Duration
	ReaperInterval     time.Duration
	ReaperBatch        int
	TerminalAttempts   uint
	TerminalRetryDelay time.Duration
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Workers:            DefaultWorkers,
		PollInterval:       DefaultPollInterval,
		ReaperInterval:     DefaultReaperInterval,
		ReaperBatch:        DefaultReaperBatch,
		TerminalAttempts:   DefaultTerminalAttempts,
		TerminalRetryDelay: DefaultTerminalRetryDelay,
	}
}

func (c Config) withDefaults() Config {
	if c.Workers < 1 {
		c.Workers = DefaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = DefaultReaperInterval
	}
	if c.ReaperBatch < 1 {
		c.ReaperBatch = DefaultReaperBatch
	}
	if c.TerminalAttempts < 1 {
		c.TerminalAttempts = DefaultTerminalAttempts
	}
	if c.TerminalRetryDelay <= 0 {
		c.TerminalRetryDelay = DefaultTerminalRetryDelay
	}
	return c
}

// TenantReader loads the user and settings a decision depends on
type TenantReader interface {
	GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error)
	GetSettings(ctx context.Context, userID uuid.UUID) (*models.TenantSettings, error)
}

// Dependencies are the collaborators of a Coordinator. Metrics may be nil.
type Dependencies struct {
	Tenants   TenantReader
	Evaluator *policy.Evaluator
	Tracker   quota.Tracker
	Queue     *queue.Queue
	Machine   *jobs.Machine
	Recorder  *audit.Recorder
	Catalog   tools.Catalog
	Invoker   tools.Invoker
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

// Submission is a user's request to run one tool
type Submission struct {
	UserID    uuid.UUID       `json:"user_id" validate:"required"`
	SessionID string          `json:"session_id" validate:"max=128"`
	ToolName  string          `json:"tool_name" validate:"required,max=128"`
	Input     json.RawMessage `json:"input,omitempty"`
	AmountUSD decimal.Decimal `json:"amount_usd" validate:"gte=0"`
	DedupeKey string          `json:"dedupe_key,omitempty" validate:"max=256"`
}

// SubmitResult reports what happened to a submission. A policy block is not an
// error: Accepted is false and Reason carries the stable code.
type SubmitResult struct {
	Accepted bool             `json:"accepted"`
	JobID    *uuid.UUID       `json:"job_id,omitempty"`
	Status   models.JobStatus `json:"status,omitempty"`
	Verdict  policy.Verdict   `json:"verdict,omitempty"`
	Reason   string           `json:"reason,omitempty"`
}

// ConfirmResult reports the outcome of a confirmation
type ConfirmResult struct {
	OK     bool             `json:"ok"`
	JobID  uuid.UUID        `json:"job_id"`
	Status models.JobStatus `json:"status,omitempty"`
	Reason string           `json:"reason,omitempty"`
}

// Coordinator owns submission, confirmation, cancellation and execution.
// All decisions and transitions for one tenant happen under that tenant's lock.
type Coordinator struct {
	tenants   TenantReader
	evaluator *policy.Evaluator
	tracker   quota.Tracker
	queue     *queue.Queue
	machine   *jobs.Machine
	recorder  *audit.Recorder
	catalog   tools.Catalog
	invoker   tools.Invoker
	metrics   *observability.Metrics
	logger    *zap.Logger

	cfg       Config
	locks     *keyLock
	ledger    *ledger
	unsettled *unsettled
	wake      chan struct{}

	recoverMu sync.Mutex
	recovered atomic.Bool
}

// New creates a Coordinator
func New(deps Dependencies, cfg Config) *Coordinator {
	return &Coordinator{
		tenants:   deps.Tenants,
		evaluator: deps.Evaluator,
		tracker:   deps.Tracker,
		queue:     deps.Queue,
		machine:   deps.Machine,
		recorder:  deps.Recorder,
		catalog:   deps.Catalog,
		invoker:   deps.Invoker,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		cfg:       cfg.withDefaults(),
		locks:     newKeyLock(),
		ledger:    newLedger(),
		unsettled: newUnsettled(),
		wake:      make(chan struct{}, 1),
	}
}

// Submit evaluates the submission and, when policy allows it, admits a job.
// Queue-full and duplicate rejections are returned as capacity errors alongside
// a result carrying the same reason.
func (c *Coordinator) Submit(ctx context.Context, sub Submission) (SubmitResult, error) {
	action, err := c.resolve(sub)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := c.Recover(ctx); err != nil {
		return SubmitResult{}, err
	}

	unlock := c.locks.Lock(sub.UserID)
	defer unlock()

	dedupeKey := scopedKey(sub.UserID, sub.DedupeKey)
	if holder, ok := c.ledger.holding(dedupeKey); ok {
		c.logger.Warn("duplicate submission rejected",
			zap.String("user_id", sub.UserID.String()),
			zap.String("dedupe_key", sub.DedupeKey),
			zap.String("job_id", holder.String()))
		c.metrics.RecordCapacityRejection(services.ReasonDuplicateSubmission)
		return SubmitResult{Reason: services.ReasonDuplicateSubmission}, capacityError(services.ReasonDuplicateSubmission, holder)
	}

	user, err := c.tenants.GetUser(ctx, sub.UserID)
	if err != nil {
		return SubmitResult{}, err
	}
	settings, err := c.tenants.GetSettings(ctx, sub.UserID)
	if err != nil {
		return SubmitResult{}, err
	}

	pendingSpend, pendingExecutions := c.ledger.pending(user.ID)
	decision, err := c.evaluator.Evaluate(ctx, policy.EvaluationRequest{
		User:              user,
		Settings:          settings,
		Action:            action,
		PendingSpendCents: pendingSpend,
		PendingExecutions: pendingExecutions,
		PendingBets:       c.ledger.pendingBets(user.ID),
	})
	if err != nil {
		c.logger.Error("policy evaluation failed",
			zap.String("user_id", user.ID.String()),
			zap.String("tool", action.ToolName),
			zap.Error(err))
		return SubmitResult{}, services.WrapInternal("policy evaluation failed", err)
	}
	c.metrics.RecordDecision(string(action.Kind), string(decision.Verdict), decision.Reason)

	job := models.NewExecutionJob(user.ID, sub.SessionID, action)
	entry := models.NewAuditLog(user.ID, decision.AuditAction(action.Kind), decision.AuditOutcome(), decision.Reason).
		WithTarget(user.ID).
		WithSession(sub.SessionID).
		WithMetadata(actionMetadata(action, decision))
	if decision.Allowed() {
		entry.WithJob(job.ID)
	}
	if _, err := c.recorder.Record(ctx, entry); err != nil {
		c.metrics.RecordAuditFailure()
		return SubmitResult{Reason: jobs.ReasonAuditUnavailable}, err
	}

	if !decision.Allowed() {
		c.logger.Info("action blocked",
			zap.String("user_id", user.ID.String()),
			zap.String("tool", action.ToolName),
			zap.String("reason", decision.Reason))
		return SubmitResult{Verdict: decision.Verdict, Reason: decision.Reason}, nil
	}

	if err := c.machine.Admit(ctx, job); err != nil {
		return SubmitResult{}, err
	}
	c.ledger.add(job.ID, newReservation(job, settings, dedupeKey))

	if decision.Verdict == policy.VerdictRequireConfirmation {
		waiting, err := c.machine.Fire(ctx, job.ID, jobs.EventAwaitConfirmation, jobs.Outcome{})
		if err != nil {
			c.logger.Error("failed to park job for confirmation",
				zap.String("job_id", job.ID.String()),
				zap.Error(err))
			if _, termErr := c.terminate(ctx, job, user.ID, jobs.EventCancel, ReasonAdmissionFailed); termErr != nil {
				c.logger.Error("failed to abandon job", zap.String("job_id", job.ID.String()), zap.Error(termErr))
			}
			return SubmitResult{}, err
		}
		c.logger.Info("job awaiting confirmation",
			zap.String("job_id", job.ID.String()),
			zap.String("user_id", user.ID.String()),
			zap.Time("confirm_by", *waiting.ConfirmBy))
		return SubmitResult{
			Accepted: true,
			JobID:    &job.ID,
			Status:   waiting.Status,
			Verdict:  decision.Verdict,
			Reason:   decision.Reason,
		}, nil
	}

	reason, ok := c.enqueue(job)
	if ok {
		c.logger.Info("job queued",
			zap.String("job_id", job.ID.String()),
			zap.String("user_id", user.ID.String()),
			zap.String("tool", job.ToolName))
		return SubmitResult{
			Accepted: true,
			JobID:    &job.ID,
			Status:   models.JobQueued,
			Verdict:  decision.Verdict,
			Reason:   decision.Reason,
		}, nil
	}

	result := SubmitResult{JobID: &job.ID, Reason: reason}
	failed, err := c.terminate(ctx, job, user.ID, jobs.EventCancel, reason)
	if err != nil {
		return result, err
	}
	result.Status = failed.Status
	return result, capacityError(reason, job.ID)
}

// Confirm releases a job waiting for confirmation into the queue. Only the
// submitting user may confirm. A confirmation after the deadline expires the job.
func (c *Coordinator) Confirm(ctx context.Context, jobID, userID uuid.UUID) (ConfirmResult, error) {
	if err := c.Recover(ctx); err != nil {
		return ConfirmResult{}, err
	}
	job, err := c.machine.Get(ctx, jobID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if job.UserID != userID {
		return ConfirmResult{JobID: jobID}, services.ErrForbidden
	}

	unlock := c.locks.Lock(job.UserID)
	defer unlock()

	if job, err = c.machine.Get(ctx, jobID); err != nil {
		return ConfirmResult{}, err
	}
	result := ConfirmResult{JobID: jobID, Status: job.Status}

	if job.Status == models.JobWaitingConfirmation && c.deadlinePassed(job) {
		expired, err := c.terminate(ctx, job, userID, jobs.EventTimeout, jobs.ReasonConfirmationTimeout)
		if err != nil {
			return result, err
		}
		result.Status = expired.Status
		result.Reason = jobs.ReasonConfirmationTimeout
		return result, services.NewDomainError(services.ErrorTypeInvalidTransition, "confirmation deadline passed", nil).
			WithDetail("reason", jobs.ReasonConfirmationTimeout).
			WithDetail("job_id", jobID.String())
	}

	if _, err := c.machine.Fire(ctx, jobID, jobs.EventConfirm, jobs.Outcome{}); err != nil {
		return result, err
	}
	c.adopt(ctx, job)

	reason, ok := c.enqueue(job)
	if ok {
		c.logger.Info("job confirmed", zap.String("job_id", jobID.String()), zap.String("user_id", userID.String()))
		result.OK = true
		result.Status = models.JobQueued
		return result, nil
	}

	// the deadline set on the first wait is kept
	if _, err := c.machine.Fire(ctx, jobID, jobs.EventAwaitConfirmation, jobs.Outcome{}); err != nil {
		c.logger.Error("failed to return job to confirmation",
			zap.String("job_id", jobID.String()),
			zap.Error(err))
		if _, termErr := c.terminate(ctx, job, userID, jobs.EventCancel, reason); termErr != nil {
			c.logger.Error("failed to abandon job", zap.String("job_id", jobID.String()), zap.Error(termErr))
		}
		return result, err
	}
	result.Status = models.JobWaitingConfirmation
	result.Reason = reason
	return result, capacityError(reason, jobID)
}

// Cancel fails a queued or waiting job. The submitter and enabled admins may cancel.
func (c *Coordinator) Cancel(ctx context.Context, jobID, actorID uuid.UUID) (*models.ExecutionJob, error) {
	if err := c.Recover(ctx); err != nil {
		return nil, err
	}
	job, err := c.machine.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if actorID != job.UserID {
		actor, err := c.tenants.GetUser(ctx, actorID)
		if err != nil {
			return nil, err
		}
		if !actor.Enabled || !actor.IsAdmin() {
			return nil, services.ErrForbidden
		}
	}

	unlock := c.locks.Lock(job.UserID)
	defer unlock()

	if job, err = c.machine.Get(ctx, jobID); err != nil {
		return nil, err
	}
	if _, err := jobs.Next(job.Status, jobs.EventCancel); err != nil {
		return nil, err
	}

	cancelled, err := c.terminate(ctx, job, actorID, jobs.EventCancel, jobs.ReasonCancelled)
	if cancelled == nil {
		return nil, err
	}
	c.logger.Info("job cancelled",
		zap.String("job_id", jobID.String()),
		zap.String("actor_user_id", actorID.String()))
	return cancelled, err
}

// GetJob returns a job by ID
func (c *Coordinator) GetJob(ctx context.Context, jobID uuid.UUID) (*models.ExecutionJob, error) {
	return c.machine.Get(ctx, jobID)
}

// QueryAudit returns matching audit rows in creation order
func (c *Coordinator) QueryAudit(ctx context.Context, filter audit.Filter) iter.Seq2[*models.AuditLog, error] {
	return c.recorder.Query(ctx, filter)
}

// QueueDepth returns the number of jobs waiting for a worker
func (c *Coordinator) QueueDepth() int {
	return c.queue.Len()
}

func (c *Coordinator) resolve(sub Submission) (models.Action, error) {
	if err := utils.ValidateStruct(sub); err != nil {
		return models.Action{}, services.WrapValidation("invalid submission", err)
	}

	def, err := c.catalog.Lookup(sub.ToolName)
	if err != nil {
		if errors.Is(err, tools.ErrToolNotFound) {
			return models.Action{}, services.NewDomainError(services.ErrorTypeNotFound, "tool not registered", err).
				WithDetail("tool", sub.ToolName)
		}
		return models.Action{}, services.WrapInternal("failed to resolve tool", err)
	}

	action := models.Action{
		Kind:        def.Kind,
		ToolName:    def.Name,
		Integration: def.Integration,
		RiskLevel:   def.RiskLevel,
		AmountUSD:   sub.AmountUSD,
		Input:       sub.Input,
		DedupeKey:   sub.DedupeKey,
	}
	if !action.AmountUSD.Equal(action.AmountUSD.Truncate(2)) {
		return models.Action{}, services.NewDomainError(services.ErrorTypeValidation,
			"amount_usd must be whole cents", nil).
			WithDetail("fields", map[string]string{"AmountUSD": "AmountUSD must have at most 2 decimal places"})
	}
	if action.Kind == models.ActionPolymarketBet && !action.AmountUSD.IsPositive() {
		return models.Action{}, services.NewDomainError(services.ErrorTypeValidation,
			"amount_usd must be positive for bets", nil).
			WithDetail("fields", map[string]string{"AmountUSD": "AmountUSD must be greater than 0"})
	}
	return action, nil
}

// enqueue offers job to the queue and wakes a worker. It returns the capacity
// reason when the queue refused it.
func (c *Coordinator) enqueue(job *models.ExecutionJob) (string, bool) {
	res := c.queue.TryEnqueue(queue.Item{
		JobID:     job.ID,
		UserID:    job.UserID,
		DedupeKey: scopedKey(job.UserID, job.DedupeKey),
	})
	c.metrics.SetQueueDepth(c.queue.Len())

	var reason string
	switch res {
	case queue.Accepted:
		c.signal()
		return "", true
	case queue.RejectedDuplicate:
		reason = services.ReasonDuplicateSubmission
	default:
		reason = services.ReasonQueueFull
	}

	c.logger.Warn("job refused by queue",
		zap.String("job_id", job.ID.String()),
		zap.String("user_id", job.UserID.String()),
		zap.String("reason", reason),
		zap.Int("queue_depth", c.queue.Len()))
	c.metrics.RecordCapacityRejection(reason)
	return reason, false
}

// terminate moves a job that never ran, or whose run was lost, to failed, auditing it first. When the
// audit write fails the job is still failed, with audit_unavailable, and the
// audit error is returned with it. Callers hold the tenant lock.
func (c *Coordinator) terminate(ctx context.Context, job *models.ExecutionJob, actorID uuid.UUID, event jobs.Event, reason string) (*models.ExecutionJob, error) {
	entry := models.NewAuditLog(actorID, job.ActionKind.ExecuteAudit(), models.OutcomeFailed, reason).
		WithTarget(job.UserID).
		WithSession(job.SessionID).
		WithJob(job.ID).
		WithMetadata(jobMetadata(job))

	outcome := jobs.Outcome{Error: reason}
	_, auditErr := c.recorder.Record(ctx, entry)
	if auditErr != nil {
		c.metrics.RecordAuditFailure()
		outcome.Error = jobs.ReasonAuditUnavailable
	}

	failed, err := c.machine.Fire(ctx, job.ID, event, outcome)
	if err != nil {
		return nil, err
	}
	c.ledger.release(job.ID)
	c.metrics.RecordTerminal(job.ToolName, string(failed.Status), failed.Error, 0)
	return failed, auditErr
}

func (c *Coordinator) deadlinePassed(job *models.ExecutionJob) bool {
	return job.ConfirmBy != nil && !c.machine.Now().Before(*job.ConfirmBy)
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func newReservation(job *models.ExecutionJob, settings *models.TenantSettings, dedupeKey string) reservation {
	r := reservation{
		userID:    job.UserID,
		dedupeKey: dedupeKey,
		bet:       job.ActionKind == models.ActionPolymarketBet,
	}
	if job.RiskLevel == models.RiskCanSpend {
		r.spendCents = quota.Cents(job.AmountUSD)
		r.spend = quota.Policy{Window: quota.Daily(), Limit: quota.Unlimited}
		if job.ActionKind == models.ActionPolymarketBet {
			r.spend = policy.SpendPolicy(settings)
		}
	}
	r.rate, r.rated = policy.RatePolicy(settings)
	return r
}

func capacityError(reason string, jobID uuid.UUID) error {
	message := "execution queue is full"
	if reason == services.ReasonDuplicateSubmission {
		message = "duplicate submission in flight"
	}
	return services.NewDomainError(services.ErrorTypeCapacity, message, nil).
		WithDetail("reason", reason).
		WithDetail("job_id", jobID.String())
}

func scopedKey(userID uuid.UUID, key string) string {
	if key == "" {
		return ""
	}
	return userID.String() + ":" + key
}

func actionMetadata(action models.Action, decision policy.Decision) map[string]interface{} {
	return map[string]interface{}{
		"tool":        action.ToolName,
		"integration": action.Integration,
		"risk_level":  action.RiskLevel,
		"amount_usd":  action.AmountUSD.String(),
		"verdict":     decision.Verdict,
	}
}

func jobMetadata(job *models.ExecutionJob) map[string]interface{} {
	return map[string]interface{}{
		"tool":        job.ToolName,
		"integration": job.Integration,
		"risk_level":  job.RiskLevel,
		"amount_usd":  job.AmountUSD.String(),
	}
}
