// Package quota tracks per-tenant counters in aligned windows. Counters only
// move through Reserve, an atomic check-and-increment.
package quota

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Unlimited is a limit that never rejects a reservation
const Unlimited int64 = math.MaxInt64

// Policy is a counter limit inside a window
type Policy struct {
	Window Window
	Limit  int64
}

// Tracker is implemented by the memory, redis and postgres backends
type Tracker interface {
	// Reserve adds amount to key's counter for the current window if the result
	// stays within policy.Limit. It returns false and leaves the counter untouched otherwise.
	Reserve(ctx context.Context, key string, policy Policy, amount int64) (bool, error)

	// CurrentUsage returns key's counter for the window containing now
	CurrentUsage(ctx context.Context, key string, window Window) (int64, error)

	// LastReservedAt returns when key last had a successful reservation
	LastReservedAt(ctx context.Context, key string) (time.Time, bool, error)
}

// Option configures a tracker
type Option func(*clock)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *clock) { c.now = now }
}

type clock struct {
	now func() time.Time
}

func newClock(opts []Option) clock {
	c := clock{now: time.Now}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (c clock) Now() time.Time {
	return c.now().UTC()
}

// SpendKey is the counter key for a tenant's executed USD spend, in cents
func SpendKey(userID uuid.UUID) string {
	return fmt.Sprintf("spend:user:%s", userID.String())
}

// RateKey is the counter key for a tenant's executed actions
func RateKey(userID uuid.UUID) string {
	return fmt.Sprintf("rate:user:%s", userID.String())
}

// Cents converts a USD amount into whole cents. A fraction of a cent rounds up,
// so an amount never counts for less than it is.
func Cents(usd decimal.Decimal) int64 {
	return usd.Shift(2).Ceil().IntPart()
}

// LimitCents converts a USD limit into whole cents. A fraction of a cent rounds down,
// so a limit never allows more than it says.
func LimitCents(usd decimal.Decimal) int64 {
	return usd.Shift(2).Floor().IntPart()
}

// FromCents converts whole cents back to USD
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

func validateReservation(policy Policy, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("reservation amount must not be negative, got %d", amount)
	}
	return policy.Window.Validate()
}
