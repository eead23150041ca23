package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JobStatus is the lifecycle state of an ExecutionJob
type JobStatus string

const (
	JobQueued              JobStatus = "queued"
	JobRunning             JobStatus = "running"
	JobWaitingConfirmation JobStatus = "waiting_confirmation"
	JobCompleted           JobStatus = "completed"
	JobFailed              JobStatus = "failed"
)

// IsTerminal reports whether no further transition is possible
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ExecutionJob is an admitted action. Status is written only by the job state machine.
type ExecutionJob struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	UserID      uuid.UUID       `json:"user_id" db:"user_id"`
	SessionID   string          `json:"session_id" db:"session_id"`
	Status      JobStatus       `json:"status" db:"status"`
	ActionKind  ActionKind      `json:"action_kind" db:"action_kind"`
	RiskLevel   RiskLevel       `json:"risk_level" db:"risk_level"`
	ToolName    string          `json:"tool_name" db:"tool_name"`
	Integration string          `json:"integration,omitempty" db:"integration"`
	AmountUSD   decimal.Decimal `json:"amount_usd" db:"amount_usd"`
	DedupeKey   string          `json:"dedupe_key,omitempty" db:"dedupe_key"`
	Input       json.RawMessage `json:"input,omitempty" db:"input"`
	Output      json.RawMessage `json:"output,omitempty" db:"output"`
	Error       string          `json:"error,omitempty" db:"error"`
	// ConfirmBy is set when the job first waits for confirmation
	ConfirmBy   *time.Time `json:"confirm_by,omitempty" db:"confirm_by"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the ExecutionJob model
func (ExecutionJob) TableName() string {
	return "execution_jobs"
}

// NewExecutionJob creates a queued job for an admitted action
func NewExecutionJob(userID uuid.UUID, sessionID string, action Action) *ExecutionJob {
	now := time.Now().UTC()
	return &ExecutionJob{
		ID:          uuid.New(),
		UserID:      userID,
		SessionID:   sessionID,
		Status:      JobQueued,
		ActionKind:  action.Kind,
		RiskLevel:   action.RiskLevel,
		ToolName:    action.ToolName,
		Integration: action.Integration,
		AmountUSD:   action.AmountUSD,
		DedupeKey:   action.DedupeKey,
		Input:       action.Input,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Action rebuilds the action the job was admitted for
func (j *ExecutionJob) Action() Action {
	return Action{
		Kind:        j.ActionKind,
		ToolName:    j.ToolName,
		Integration: j.Integration,
		RiskLevel:   j.RiskLevel,
		AmountUSD:   j.AmountUSD,
		Input:       j.Input,
		DedupeKey:   j.DedupeKey,
	}
}

// Clone returns a copy safe to hand out of a store
func (j *ExecutionJob) Clone() *ExecutionJob {
	if j == nil {
		return nil
	}
	out := *j
	return &out
}
