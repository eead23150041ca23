package models

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// ActionKind is the closed set of action classes the pipeline can gate.
// Every switch over ActionKind must handle each value listed in AllActionKinds.
type ActionKind string

const (
	ActionToolCall       ActionKind = "tool_call"
	ActionWalletSign     ActionKind = "wallet_sign"
	ActionPolymarketRead ActionKind = "polymarket_read"
	ActionPolymarketBet  ActionKind = "polymarket_bet"
)

// AllActionKinds lists every ActionKind
func AllActionKinds() []ActionKind {
	return []ActionKind{ActionToolCall, ActionWalletSign, ActionPolymarketRead, ActionPolymarketBet}
}

// IsValid reports whether k is a known action kind
func (k ActionKind) IsValid() bool {
	switch k {
	case ActionToolCall, ActionWalletSign, ActionPolymarketRead, ActionPolymarketBet:
		return true
	}
	return false
}

// IsPolymarket reports whether k is subject to PolymarketPermissions
func (k ActionKind) IsPolymarket() bool {
	return k == ActionPolymarketRead || k == ActionPolymarketBet
}

// AttemptAudit is the audit action for an admission decision that let k through
func (k ActionKind) AttemptAudit() AuditAction {
	return AuditAction(string(k) + "_attempt")
}

// BlockedAudit is the audit action for an admission decision that blocked k
func (k ActionKind) BlockedAudit() AuditAction {
	return AuditAction(string(k) + "_blocked")
}

// ExecuteAudit is the audit action for the terminal outcome of k
func (k ActionKind) ExecuteAudit() AuditAction {
	return AuditAction(string(k) + "_execute")
}

// RiskLevel classifies the blast radius of an action
type RiskLevel string

const (
	RiskSafe       RiskLevel = "safe"
	RiskCanExecute RiskLevel = "can_execute"
	RiskCanSpend   RiskLevel = "can_spend"
)

// IsValid reports whether r is a known risk level
func (r RiskLevel) IsValid() bool {
	switch r {
	case RiskSafe, RiskCanExecute, RiskCanSpend:
		return true
	}
	return false
}

// Action is a fully resolved request to run one tool on behalf of a user
type Action struct {
	Kind        ActionKind      `json:"kind"`
	ToolName    string          `json:"tool_name"`
	Integration string          `json:"integration,omitempty"`
	RiskLevel   RiskLevel       `json:"risk_level"`
	AmountUSD   decimal.Decimal `json:"amount_usd"`
	Input       json.RawMessage `json:"input,omitempty"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
}

// IsSpend reports whether the action moves money
func (a Action) IsSpend() bool {
	return a.RiskLevel == RiskCanSpend
}
