package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ConfirmationMode controls whether spend actions need an explicit human confirmation
type ConfirmationMode string

const (
	ConfirmationRequired ConfirmationMode = "required"
	ConfirmationOptional ConfirmationMode = "optional"
)

// PolymarketLevel is the coarse permission level for prediction-market actions
type PolymarketLevel string

const (
	PolymarketDisabled PolymarketLevel = "disabled"
	PolymarketReadOnly PolymarketLevel = "read_only"
	PolymarketCanBet   PolymarketLevel = "can_bet"
)

// IntegrationPermissions gates a single integration for a single user
type IntegrationPermissions struct {
	Enabled          bool `json:"enabled"`
	ExecutionEnabled bool `json:"execution_enabled"`
}

// Allows reports whether actions targeting the integration may run
func (p IntegrationPermissions) Allows() bool {
	return p.Enabled && p.ExecutionEnabled
}

// PolymarketPermissions is the financial-risk policy for prediction-market trading
type PolymarketPermissions struct {
	Level              PolymarketLevel  `json:"level" validate:"required,oneof=disabled read_only can_bet"`
	DailySpendLimitUSD decimal.Decimal  `json:"daily_spend_limit_usd" validate:"gte=0"`
	PerTradeLimitUSD   decimal.Decimal  `json:"per_trade_limit_usd" validate:"gte=0"`
	ConfirmationMode   ConfirmationMode `json:"confirmation_mode" validate:"required,oneof=required optional"`
	CooldownSeconds    int              `json:"cooldown_seconds" validate:"gte=0"`
}

// Cooldown returns the configured cooldown as a duration
func (p PolymarketPermissions) Cooldown() time.Duration {
	return time.Duration(p.CooldownSeconds) * time.Second
}

// RateLimitPolicy caps executed actions per fixed window. A zero MaxExecutions disables it.
type RateLimitPolicy struct {
	WindowSeconds int   `json:"window_seconds" validate:"gte=0"`
	MaxExecutions int64 `json:"max_executions" validate:"gte=0"`
}

// Enabled reports whether the rate limit applies
func (p RateLimitPolicy) Enabled() bool {
	return p.MaxExecutions > 0 && p.WindowSeconds > 0
}

// TenantSettings holds per-user persona, flags and permissions.
// It is read-mostly and only changed by an owner or admin.
type TenantSettings struct {
	UserID           uuid.UUID                         `json:"user_id" db:"user_id"`
	Persona          string                            `json:"persona" db:"persona"`
	Flags            map[string]bool                   `json:"flags" db:"flags"`
	ConfirmationMode ConfirmationMode                  `json:"confirmation_mode" db:"confirmation_mode"`
	RateLimit        RateLimitPolicy                   `json:"rate_limit" db:"rate_limit"`
	Integrations     map[string]IntegrationPermissions `json:"integrations" db:"integrations"`
	Polymarket       PolymarketPermissions             `json:"polymarket" db:"polymarket"`
	UpdatedAt        time.Time                         `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the TenantSettings model
func (TenantSettings) TableName() string {
	return "tenant_settings"
}

// NewTenantSettings returns the most restrictive settings for a user:
// no integrations, Polymarket disabled, confirmation required.
func NewTenantSettings(userID uuid.UUID) *TenantSettings {
	return &TenantSettings{
		UserID:           userID,
		Flags:            make(map[string]bool),
		ConfirmationMode: ConfirmationRequired,
		Integrations:     make(map[string]IntegrationPermissions),
		Polymarket: PolymarketPermissions{
			Level:              PolymarketDisabled,
			DailySpendLimitUSD: decimal.Zero,
			PerTradeLimitUSD:   decimal.Zero,
			ConfirmationMode:   ConfirmationRequired,
		},
		UpdatedAt: time.Now().UTC(),
	}
}

// Integration returns the permissions for name. Unknown integrations are disabled.
func (s *TenantSettings) Integration(name string) IntegrationPermissions {
	if s == nil || s.Integrations == nil {
		return IntegrationPermissions{}
	}
	return s.Integrations[name]
}

// Clone returns a deep copy so cached settings are never mutated in place
func (s *TenantSettings) Clone() *TenantSettings {
	if s == nil {
		return nil
	}
	out := *s
	out.Flags = make(map[string]bool, len(s.Flags))
	for k, v := range s.Flags {
		out.Flags[k] = v
	}
	out.Integrations = make(map[string]IntegrationPermissions, len(s.Integrations))
	for k, v := range s.Integrations {
		out.Integrations[k] = v
	}
	return &out
}
