package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/elizaOS/milaidy-sub002/models"
	"github.com/elizaOS/milaidy-sub002/services"
	"github.com/elizaOS/milaidy-sub002/services/tenant"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestUserHandler_HandleCreate(t *testing.T) {
	logger := zap.NewNop()
	owner := models.NewUser("owner@example.com", models.RoleOwner)

	t.Run("creates user", func(t *testing.T) {
		tenants := new(MockTenants)
		handler := NewUserHandler(tenants, logger)
		created := models.NewUser("new@example.com", models.RoleMember)
		tenants.On("RegisterUser", mock.Anything, owner.ID, tenant.RegisterUserRequest{
			Email: "new@example.com",
			Role:  models.RoleMember,
		}).Return(created, nil)

		w := httptest.NewRecorder()
		handler.HandleCreate(w, newRequest(http.MethodPost, "/api/v1/users", `{"email":"new@example.com","role":"member"}`, owner.ID, nil))

		assert.Equal(t, http.StatusCreated, w.Code)
		var response struct {
			Data models.User `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, created.ID, response.Data.ID)
	})

	t.Run("validation failure returns 400", func(t *testing.T) {
		tenants := new(MockTenants)
		handler := NewUserHandler(tenants, logger)
		tenants.On("RegisterUser", mock.Anything, owner.ID, mock.Anything).
			Return(nil, services.WrapValidation("invalid user", nil))

		w := httptest.NewRecorder()
		handler.HandleCreate(w, newRequest(http.MethodPost, "/api/v1/users", `{"email":"bad","role":"member"}`, owner.ID, nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestUserHandler_Reads(t *testing.T) {
	logger := zap.NewNop()
	admin := models.NewUser("admin@example.com", models.RoleAdmin)
	member := models.NewUser("member@example.com", models.RoleMember)
	other := models.NewUser("other@example.com", models.RoleMember)

	t.Run("user reads own settings", func(t *testing.T) {
		tenants := new(MockTenants)
		handler := NewUserHandler(tenants, logger)
		tenants.On("GetSettings", mock.Anything, member.ID).Return(models.NewTenantSettings(member.ID), nil)

		w := httptest.NewRecorder()
		handler.HandleGetSettings(w, newRequest(http.MethodGet, "/", "", member.ID, map[string]string{"id": member.ID.String()}))

		assert.Equal(t, http.StatusOK, w.Code)
		tenants.AssertNotCalled(t, "GetUser", mock.Anything, mock.Anything)
	})

	t.Run("admin reads another user", func(t *testing.T) {
		tenants := new(MockTenants)
		handler := NewUserHandler(tenants, logger)
		tenants.On("GetUser", mock.Anything, admin.ID).Return(admin, nil)
		tenants.On("GetUser", mock.Anything, member.ID).Return(member, nil)

		w := httptest.NewRecorder()
		handler.HandleGet(w, newRequest(http.MethodGet, "/", "", admin.ID, map[string]string{"id": member.ID.String()}))

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("member cannot read another user", func(t *testing.T) {
		tenants := new(MockTenants)
		handler := NewUserHandler(tenants, logger)
		tenants.On("GetUser", mock.Anything, other.ID).Return(other, nil)

		w := httptest.NewRecorder()
		handler.HandleGetSettings(w, newRequest(http.MethodGet, "/", "", other.ID, map[string]string{"id": member.ID.String()}))

		assert.Equal(t, http.StatusForbidden, w.Code)
		tenants.AssertNotCalled(t, "GetSettings", mock.Anything, mock.Anything)
	})
}

func TestUserHandler_Mutations(t *testing.T) {
	logger := zap.NewNop()
	actor := uuid.New()
	target := uuid.New()
	params := map[string]string{"id": target.String(), "name": "polymarket"}
	settings := models.NewTenantSettings(target)

	t.Run("set enabled", func(t *testing.T) {
		tenants := new(MockTenants)
		handler := NewUserHandler(tenants, logger)
		tenants.On("SetUserEnabled", mock.Anything, actor, target, false).Return(&models.User{ID: target}, nil)

		w := httptest.NewRecorder()
		handler.HandleSetEnabled(w, newRequest(http.MethodPut, "/", `{"enabled":false}`, actor, params))

		assert.Equal(t, http.StatusOK, w.Code)
		tenants.AssertExpectations(t)
	})

	t.Run("update integration", func(t *testing.T) {
		tenants := new(MockTenants)
		handler := NewUserHandler(tenants, logger)
		tenants.On("UpdateIntegration", mock.Anything, actor, target, "polymarket",
			tenant.IntegrationUpdate{Enabled: true, ExecutionEnabled: false}).Return(settings, nil)

		w := httptest.NewRecorder()
		handler.HandleUpdateIntegration(w, newRequest(http.MethodPut, "/", `{"enabled":true,"execution_enabled":false}`, actor, params))

		assert.Equal(t, http.StatusOK, w.Code)
		tenants.AssertExpectations(t)
	})

	t.Run("update polymarket", func(t *testing.T) {
		tenants := new(MockTenants)
		handler := NewUserHandler(tenants, logger)
		tenants.On("UpdatePolymarket", mock.Anything, actor, target, mock.MatchedBy(func(p models.PolymarketPermissions) bool {
			return p.Level == models.PolymarketCanBet &&
				p.DailySpendLimitUSD.Equal(decimal.NewFromInt(100)) &&
				p.PerTradeLimitUSD.Equal(decimal.NewFromInt(25)) &&
				p.ConfirmationMode == models.ConfirmationRequired &&
				p.CooldownSeconds == 60
		})).Return(settings, nil)

		body := `{"level":"can_bet","daily_spend_limit_usd":"100","per_trade_limit_usd":"25","confirmation_mode":"required","cooldown_seconds":60}`
		w := httptest.NewRecorder()
		handler.HandleUpdatePolymarket(w, newRequest(http.MethodPut, "/", body, actor, params))

		assert.Equal(t, http.StatusOK, w.Code)
		tenants.AssertExpectations(t)
	})

	t.Run("update rate limit forbidden", func(t *testing.T) {
		tenants := new(MockTenants)
		handler := NewUserHandler(tenants, logger)
		tenants.On("UpdateRateLimit", mock.Anything, actor, target,
			models.RateLimitPolicy{WindowSeconds: 60, MaxExecutions: 10}).Return(nil, services.ErrForbidden)

		w := httptest.NewRecorder()
		handler.HandleUpdateRateLimit(w, newRequest(http.MethodPut, "/", `{"window_seconds":60,"max_executions":10}`, actor, params))

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("secret rotated", func(t *testing.T) {
		tenants := new(MockTenants)
		handler := NewUserHandler(tenants, logger)
		tenants.On("RecordSecretUpdate", mock.Anything, actor, target, "polymarket").Return(nil)

		w := httptest.NewRecorder()
		handler.HandleSecretRotated(w, newRequest(http.MethodPost, "/", "", actor, params))

		assert.Equal(t, http.StatusNoContent, w.Code)
		tenants.AssertExpectations(t)
	})

	t.Run("invalid target id", func(t *testing.T) {
		handler := NewUserHandler(new(MockTenants), logger)

		w := httptest.NewRecorder()
		handler.HandleSetEnabled(w, newRequest(http.MethodPut, "/", `{"enabled":true}`, actor, map[string]string{"id": "nope"}))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
