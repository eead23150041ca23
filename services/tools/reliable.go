package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/elizaOS/milaidy-sub002/models"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ReliabilityConfig tunes the per-tool breaker, limiter and retry policy
type ReliabilityConfig struct {
	BreakerMaxRequests         uint32
	BreakerInterval            time.Duration
	BreakerTimeout             time.Duration
	BreakerConsecutiveFailures uint32
	RateLimitQPS               float64
	RateLimitBurst             int
	SafeRetryAttempts          uint
	RetryDelay                 time.Duration
	CallTimeout                time.Duration

	// OnStateChange is called when a tool's breaker changes state
	OnStateChange func(tool string, from, to gobreaker.State)
}

// DefaultReliabilityConfig returns the default configuration
func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		BreakerMaxRequests:         3,
		BreakerInterval:            5 * time.Second,
		BreakerTimeout:             30 * time.Second,
		BreakerConsecutiveFailures: 5,
		RateLimitQPS:               100,
		RateLimitBurst:             20,
		SafeRetryAttempts:          3,
		RetryDelay:                 100 * time.Millisecond,
		CallTimeout:                30 * time.Second,
	}
}

type guard struct {
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// Reliable wraps an Invoker with a circuit breaker and rate limiter per tool.
// Only tools declared safe are retried; anything that can execute or spend runs at most once.
type Reliable struct {
	next    Invoker
	catalog Catalog
	cfg     ReliabilityConfig
	logger  *zap.Logger

	mu     sync.Mutex
	guards map[string]*guard
}

// NewReliable creates a Reliable invoker
func NewReliable(next Invoker, catalog Catalog, cfg ReliabilityConfig, logger *zap.Logger) *Reliable {
	if cfg.SafeRetryAttempts < 1 {
		cfg.SafeRetryAttempts = 1
	}
	if cfg.RateLimitBurst < 1 {
		cfg.RateLimitBurst = 1
	}
	return &Reliable{
		next:    next,
		catalog: catalog,
		cfg:     cfg,
		logger:  logger,
		guards:  make(map[string]*guard),
	}
}

func (r *Reliable) guardFor(tool string) *guard {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.guards[tool]; ok {
		return g
	}

	threshold := r.cfg.BreakerConsecutiveFailures
	g := &guard{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        tool,
			MaxRequests: r.cfg.BreakerMaxRequests,
			Interval:    r.cfg.BreakerInterval,
			Timeout:     r.cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > threshold
			},
			// a tool rejecting its input is healthy
			IsSuccessful: func(err error) bool {
				return err == nil || !IsRetryable(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				r.logger.Warn("tool circuit breaker changed state",
					zap.String("tool", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
				if r.cfg.OnStateChange != nil {
					r.cfg.OnStateChange(name, from, to)
				}
			},
		}),
		limiter: rate.NewLimiter(rate.Limit(r.cfg.RateLimitQPS), r.cfg.RateLimitBurst),
	}
	r.guards[tool] = g
	return g
}

// Invoke runs toolName through its limiter and breaker
func (r *Reliable) Invoke(ctx context.Context, toolName string, input json.RawMessage) (json.RawMessage, error) {
	def, err := r.catalog.Lookup(toolName)
	if err != nil {
		return nil, err
	}
	g := r.guardFor(toolName)

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, NewToolError(toolName, "RATE_LIMITED", "tool rate limit wait aborted", 0, false, err)
	}

	attempts := uint(1)
	if def.RiskLevel == models.RiskSafe {
		attempts = r.cfg.SafeRetryAttempts
	}

	result, err := g.cb.Execute(func() (interface{}, error) {
		var output json.RawMessage
		retrier := retry.New(
			retry.Context(ctx),
			retry.Attempts(attempts),
			retry.Delay(r.cfg.RetryDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(IsRetryable),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := retrier.Do(func() error {
			callCtx := ctx
			if r.cfg.CallTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
				defer cancel()
			}

			var callErr error
			output, callErr = r.next.Invoke(callCtx, toolName, input)
			return callErr
		})
		return output, retryErr
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, NewToolError(toolName, "CIRCUIT_OPEN", "tool temporarily unavailable", 0, false, err)
		}
		return nil, err
	}

	output, _ := result.(json.RawMessage)
	return output, nil
}

// State returns the breaker state of toolName
func (r *Reliable) State(toolName string) gobreaker.State {
	return r.guardFor(toolName).cb.State()
}
