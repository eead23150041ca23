// Package policy decides whether a resolved action may run for a user.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/elizaOS/milaidy-sub002/models"
	"github.com/elizaOS/milaidy-sub002/services/quota"
	"go.uber.org/zap"
)

// Verdict is the outcome class of an evaluation
type Verdict string

const (
	VerdictAllow               Verdict = "allow"
	VerdictBlock               Verdict = "block"
	VerdictRequireConfirmation Verdict = "require_confirmation"
)

// Stable reason codes. Clients translate these, so they never change.
const (
	ReasonUserDisabled        = "user_disabled"
	ReasonRoleDenied          = "role_denied"
	ReasonIntegrationDisabled = "integration_disabled"
	ReasonPolymarketDisabled  = "polymarket_disabled"
	ReasonPolymarketReadOnly  = "polymarket_read_only"
	ReasonTradeLimitExceeded  = "trade_limit_exceeded"
	ReasonDailyLimitExceeded  = "daily_limit_exceeded"
	ReasonCooldownActive      = "cooldown_active"
	ReasonRateLimitExceeded   = "rate_limit_exceeded"
	ReasonUnknownActionKind   = "unknown_action_kind"
	ReasonPendingConfirmation = "pending_confirmation"
	ReasonPolicyPassed        = "policy_passed"
)

// Decision is the result of evaluating one action
type Decision struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason"`
}

// Allowed reports whether the action may be admitted, with or without confirmation
func (d Decision) Allowed() bool {
	return d.Verdict != VerdictBlock
}

// AuditOutcome maps the verdict onto the audit outcome
func (d Decision) AuditOutcome() models.AuditOutcome {
	if d.Verdict == VerdictBlock {
		return models.OutcomeBlocked
	}
	return models.OutcomeAllowed
}

// AuditAction is the audit action recorded for this decision about kind
func (d Decision) AuditAction(kind models.ActionKind) models.AuditAction {
	if d.Verdict == VerdictBlock {
		return kind.BlockedAudit()
	}
	return kind.AttemptAudit()
}

func allow() Decision { return Decision{Verdict: VerdictAllow, Reason: ReasonPolicyPassed} }

func block(reason string) Decision { return Decision{Verdict: VerdictBlock, Reason: reason} }

// EvaluationRequest carries everything a decision depends on besides tracker state.
// Pending values are admitted but not yet executed work for the same tenant.
type EvaluationRequest struct {
	User              *models.User
	Settings          *models.TenantSettings
	Action            models.Action
	PendingSpendCents int64
	PendingExecutions int64
	// PendingBets counts admitted bets that have not finished. Any of them holds the cooldown.
	PendingBets int64
}

// Evaluator is a side-effect free decision function. It reads tracker counters
// but never reserves against them.
type Evaluator struct {
	tracker quota.Tracker
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures an Evaluator
type Option func(*Evaluator)

// WithClock overrides the time source used for cooldowns
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator creates an Evaluator reading counters from tracker
func NewEvaluator(tracker quota.Tracker, logger *zap.Logger, opts ...Option) *Evaluator {
	e := &Evaluator{
		tracker: tracker,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate applies the rules in a fixed order. The first rule that matches decides.
// An error means a counter could not be read and no decision was made.
func (e *Evaluator) Evaluate(ctx context.Context, req EvaluationRequest) (Decision, error) {
	user, settings, action := req.User, req.Settings, req.Action

	if user == nil || !user.Enabled {
		return block(ReasonUserDisabled), nil
	}
	if settings == nil {
		settings = models.NewTenantSettings(user.ID)
	}

	allowed, known := roleAllows(user, action.Kind)
	if !known {
		return block(ReasonUnknownActionKind), nil
	}
	if !allowed {
		return block(ReasonRoleDenied), nil
	}

	if action.Integration != "" && !settings.Integration(action.Integration).Allows() {
		return block(ReasonIntegrationDisabled), nil
	}

	if action.Kind.IsPolymarket() {
		d, err := e.evaluatePolymarket(ctx, req)
		if err != nil || d.Verdict == VerdictBlock {
			return d, err
		}
	}

	if rate, ok := RatePolicy(settings); ok {
		used, err := e.tracker.CurrentUsage(ctx, quota.RateKey(user.ID), rate.Window)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to read rate usage: %w", err)
		}
		if used+req.PendingExecutions+1 > rate.Limit {
			return block(ReasonRateLimitExceeded), nil
		}
	}

	if action.IsSpend() && confirmationMode(settings, action.Kind) == models.ConfirmationRequired {
		return Decision{Verdict: VerdictRequireConfirmation, Reason: ReasonPendingConfirmation}, nil
	}

	return allow(), nil
}

func (e *Evaluator) evaluatePolymarket(ctx context.Context, req EvaluationRequest) (Decision, error) {
	pm := req.Settings.Polymarket

	switch pm.Level {
	case models.PolymarketCanBet:
	case models.PolymarketReadOnly:
		if req.Action.Kind == models.ActionPolymarketBet {
			return block(ReasonPolymarketReadOnly), nil
		}
	default:
		return block(ReasonPolymarketDisabled), nil
	}

	if req.Action.Kind != models.ActionPolymarketBet {
		return allow(), nil
	}

	if req.Action.AmountUSD.GreaterThan(pm.PerTradeLimitUSD) {
		return block(ReasonTradeLimitExceeded), nil
	}

	amount := quota.Cents(req.Action.AmountUSD)

	key := quota.SpendKey(req.User.ID)
	spent, err := e.tracker.CurrentUsage(ctx, key, quota.Daily())
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read daily spend: %w", err)
	}
	if spent+req.PendingSpendCents+amount > quota.LimitCents(pm.DailySpendLimitUSD) {
		e.logger.Debug("daily spend limit reached",
			zap.String("user_id", req.User.ID.String()),
			zap.Int64("spent_cents", spent),
			zap.Int64("pending_cents", req.PendingSpendCents),
			zap.Int64("amount_cents", amount))
		return block(ReasonDailyLimitExceeded), nil
	}

	if cooldown := pm.Cooldown(); cooldown > 0 {
		if req.PendingBets > 0 {
			return block(ReasonCooldownActive), nil
		}
		last, ok, err := e.tracker.LastReservedAt(ctx, key)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to read last spend: %w", err)
		}
		if ok && e.now().Sub(last) < cooldown {
			return block(ReasonCooldownActive), nil
		}
	}

	return allow(), nil
}

// roleAllows returns whether the role grants kind, and false for known when kind is not recognised
func roleAllows(user *models.User, kind models.ActionKind) (allowed, known bool) {
	switch kind {
	case models.ActionToolCall:
		return user.CanUseTools(), true
	case models.ActionWalletSign:
		return user.CanSignWallet(), true
	case models.ActionPolymarketRead, models.ActionPolymarketBet:
		return user.CanTrade(), true
	}
	return false, false
}

func confirmationMode(settings *models.TenantSettings, kind models.ActionKind) models.ConfirmationMode {
	if kind.IsPolymarket() {
		return settings.Polymarket.ConfirmationMode
	}
	return settings.ConfirmationMode
}

// SpendPolicy is the daily spend limit in cents for settings
func SpendPolicy(settings *models.TenantSettings) quota.Policy {
	return quota.Policy{Window: quota.Daily(), Limit: quota.LimitCents(settings.Polymarket.DailySpendLimitUSD)}
}

// RatePolicy is the execution rate limit for settings. ok is false when none is configured.
func RatePolicy(settings *models.TenantSettings) (quota.Policy, bool) {
	if settings == nil || !settings.RateLimit.Enabled() {
		return quota.Policy{}, false
	}
	return quota.Policy{
		Window: quota.Every(time.Duration(settings.RateLimit.WindowSeconds) * time.Second),
		Limit:  settings.RateLimit.MaxExecutions,
	}, true
}
