package models

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// User tests
func TestNewUser(t *testing.T) {
	user := NewUser("test@example.com", RoleMember)

	assert.NotEqual(t, uuid.Nil, user.ID)
	assert.Equal(t, "test@example.com", user.Email)
	assert.Equal(t, RoleMember, user.Role)
	assert.True(t, user.Enabled)
	assert.False(t, user.CreatedAt.IsZero())
	assert.Equal(t, user.CreatedAt, user.UpdatedAt)
}

func TestUser_TableName(t *testing.T) {
	assert.Equal(t, "users", User{}.TableName())
}

func TestUser_Capabilities(t *testing.T) {
	tests := []struct {
		role  UserRole
		tools bool
		sign  bool
		trade bool
		admin bool
	}{
		{RoleOwner, true, true, true, true},
		{RoleAdmin, true, true, true, true},
		{RoleMember, true, false, true, false},
		{RoleViewer, false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			u := &User{Role: tt.role}
			assert.Equal(t, tt.tools, u.CanUseTools())
			assert.Equal(t, tt.sign, u.CanSignWallet())
			assert.Equal(t, tt.trade, u.CanTrade())
			assert.Equal(t, tt.admin, u.IsAdmin())
			assert.True(t, tt.role.IsValid())
		})
	}

	assert.False(t, UserRole("root").IsValid())
}

func TestUser_CanManageSettings(t *testing.T) {
	owner := &User{Role: RoleOwner}
	admin := &User{Role: RoleAdmin}
	member := &User{Role: RoleMember}

	assert.True(t, owner.CanManageSettings(admin))
	assert.True(t, owner.CanManageSettings(owner))
	assert.True(t, admin.CanManageSettings(member))
	assert.False(t, admin.CanManageSettings(owner))
	assert.False(t, member.CanManageSettings(member))
}

// TenantSettings tests
func TestNewTenantSettings_Restrictive(t *testing.T) {
	userID := uuid.New()
	s := NewTenantSettings(userID)

	assert.Equal(t, userID, s.UserID)
	assert.Equal(t, PolymarketDisabled, s.Polymarket.Level)
	assert.Equal(t, ConfirmationRequired, s.ConfirmationMode)
	assert.False(t, s.Integration("discord").Allows())
	assert.False(t, s.RateLimit.Enabled())
}

func TestTenantSettings_Integration(t *testing.T) {
	s := NewTenantSettings(uuid.New())
	s.Integrations["github"] = IntegrationPermissions{Enabled: true, ExecutionEnabled: false}
	s.Integrations["slack"] = IntegrationPermissions{Enabled: true, ExecutionEnabled: true}

	assert.False(t, s.Integration("github").Allows())
	assert.True(t, s.Integration("slack").Allows())
	assert.False(t, s.Integration("unknown").Allows())

	var nilSettings *TenantSettings
	assert.False(t, nilSettings.Integration("slack").Allows())
}

func TestTenantSettings_CloneIsDeep(t *testing.T) {
	s := NewTenantSettings(uuid.New())
	s.Integrations["slack"] = IntegrationPermissions{Enabled: true, ExecutionEnabled: true}
	s.Flags["beta"] = true

	c := s.Clone()
	c.Integrations["slack"] = IntegrationPermissions{}
	c.Flags["beta"] = false

	assert.True(t, s.Integration("slack").Allows())
	assert.True(t, s.Flags["beta"])
}

func TestTenantSettings_JSONRoundTripsDecimals(t *testing.T) {
	s := NewTenantSettings(uuid.New())
	s.Polymarket.DailySpendLimitUSD = decimal.RequireFromString("100.50")

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"daily_spend_limit_usd":"100.5"`)
}

// Action tests
func TestActionKind_AuditActions(t *testing.T) {
	assert.Equal(t, AuditActionPolymarketBetAttempt, ActionPolymarketBet.AttemptAudit())
	assert.Equal(t, AuditActionPolymarketBetExecute, ActionPolymarketBet.ExecuteAudit())
	assert.Equal(t, AuditActionPolymarketBetBlocked, ActionPolymarketBet.BlockedAudit())
	assert.Equal(t, AuditActionWalletSignAttempt, ActionWalletSign.AttemptAudit())
	assert.Equal(t, AuditActionWalletSignExecute, ActionWalletSign.ExecuteAudit())
	assert.Equal(t, AuditActionToolCallBlocked, ActionToolCall.BlockedAudit())
	assert.Equal(t, AuditActionPolymarketReadExecute, ActionPolymarketRead.ExecuteAudit())
}

func TestActionKind_AllValid(t *testing.T) {
	for _, k := range AllActionKinds() {
		assert.True(t, k.IsValid(), k)
	}
	assert.False(t, ActionKind("shell_exec").IsValid())
	assert.True(t, ActionPolymarketBet.IsPolymarket())
	assert.False(t, ActionWalletSign.IsPolymarket())
}

// ExecutionJob tests
func TestNewExecutionJob(t *testing.T) {
	userID := uuid.New()
	action := Action{
		Kind:      ActionPolymarketBet,
		ToolName:  "polymarket.place_bet",
		RiskLevel: RiskCanSpend,
		AmountUSD: decimal.NewFromInt(25),
		Input:     json.RawMessage(`{"market":"m1"}`),
		DedupeKey: "bet:1",
	}

	job := NewExecutionJob(userID, "session-1", action)

	assert.NotEqual(t, uuid.Nil, job.ID)
	assert.Equal(t, JobQueued, job.Status)
	assert.Equal(t, userID, job.UserID)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
	assert.Equal(t, action, job.Action())
	assert.Equal(t, "execution_jobs", job.TableName())
}

func TestJobStatus_IsTerminal(t *testing.T) {
	assert.True(t, JobCompleted.IsTerminal())
	assert.True(t, JobFailed.IsTerminal())
	assert.False(t, JobQueued.IsTerminal())
	assert.False(t, JobRunning.IsTerminal())
	assert.False(t, JobWaitingConfirmation.IsTerminal())
}

// AuditLog tests
func TestNewAuditLog_Builders(t *testing.T) {
	actor := uuid.New()
	target := uuid.New()
	jobID := uuid.New()

	entry := NewAuditLog(actor, AuditActionPermissionChange, OutcomeExecuted, "integration_updated").
		WithTarget(target).
		WithSession("s-1").
		WithJob(jobID).
		WithMetadata(map[string]string{"integration": "slack"})

	assert.Equal(t, actor, entry.ActorUserID)
	require.NotNil(t, entry.TargetUserID)
	assert.Equal(t, target, *entry.TargetUserID)
	require.NotNil(t, entry.SessionID)
	assert.Equal(t, "s-1", *entry.SessionID)
	require.NotNil(t, entry.JobID)
	assert.JSONEq(t, `{"integration":"slack"}`, string(entry.Metadata))
	assert.Equal(t, "audit_logs", entry.TableName())
}

func TestAuditLog_EmptySessionIsOmitted(t *testing.T) {
	entry := NewAuditLog(uuid.New(), AuditActionToolCallAttempt, OutcomeAllowed, "policy_passed").WithSession("")
	assert.Nil(t, entry.SessionID)
}
