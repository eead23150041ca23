package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of action being audited
type AuditAction string

const (
	AuditActionPermissionChange        AuditAction = "permission_change"
	AuditActionIntegrationSecretUpdate AuditAction = "integration_secret_update"

	AuditActionToolCallAttempt       AuditAction = "tool_call_attempt"
	AuditActionToolCallExecute       AuditAction = "tool_call_execute"
	AuditActionToolCallBlocked       AuditAction = "tool_call_blocked"
	AuditActionWalletSignAttempt     AuditAction = "wallet_sign_attempt"
	AuditActionWalletSignExecute     AuditAction = "wallet_sign_execute"
	AuditActionWalletSignBlocked     AuditAction = "wallet_sign_blocked"
	AuditActionPolymarketReadAttempt AuditAction = "polymarket_read_attempt"
	AuditActionPolymarketReadExecute AuditAction = "polymarket_read_execute"
	AuditActionPolymarketReadBlocked AuditAction = "polymarket_read_blocked"
	AuditActionPolymarketBetAttempt  AuditAction = "polymarket_bet_attempt"
	AuditActionPolymarketBetExecute  AuditAction = "polymarket_bet_execute"
	AuditActionPolymarketBetBlocked  AuditAction = "polymarket_bet_blocked"
)

// AuditOutcome is the result recorded by an audit row
type AuditOutcome string

const (
	OutcomeAllowed  AuditOutcome = "allowed"
	OutcomeBlocked  AuditOutcome = "blocked"
	OutcomeFailed   AuditOutcome = "failed"
	OutcomeExecuted AuditOutcome = "executed"
)

// AuditLog is an immutable record of one decision or one terminal outcome.
// ID is a ULID assigned by the recorder.
type AuditLog struct {
	ID           string          `json:"id" db:"id"`
	ActorUserID  uuid.UUID       `json:"actor_user_id" db:"actor_user_id"`
	TargetUserID *uuid.UUID      `json:"target_user_id,omitempty" db:"target_user_id"`
	SessionID    *string         `json:"session_id,omitempty" db:"session_id"`
	JobID        *uuid.UUID      `json:"job_id,omitempty" db:"job_id"`
	Action       AuditAction     `json:"action" db:"action"`
	Outcome      AuditOutcome    `json:"outcome" db:"outcome"`
	Reason       string          `json:"reason" db:"reason"`
	Metadata     json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the AuditLog model
func (AuditLog) TableName() string {
	return "audit_logs"
}

// NewAuditLog creates an AuditLog entry. ID and CreatedAt are assigned on record.
func NewAuditLog(actor uuid.UUID, action AuditAction, outcome AuditOutcome, reason string) *AuditLog {
	return &AuditLog{
		ActorUserID: actor,
		Action:      action,
		Outcome:     outcome,
		Reason:      reason,
	}
}

// WithTarget sets the user the action was performed on
func (a *AuditLog) WithTarget(target uuid.UUID) *AuditLog {
	a.TargetUserID = &target
	return a
}

// WithSession sets the originating session
func (a *AuditLog) WithSession(sessionID string) *AuditLog {
	if sessionID != "" {
		a.SessionID = &sessionID
	}
	return a
}

// WithJob sets the execution job
func (a *AuditLog) WithJob(jobID uuid.UUID) *AuditLog {
	a.JobID = &jobID
	return a
}

// WithMetadata sets the metadata
func (a *AuditLog) WithMetadata(metadata interface{}) *AuditLog {
	if data, err := json.Marshal(metadata); err == nil {
		a.Metadata = data
	}
	return a
}
