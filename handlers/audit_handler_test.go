package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/elizaOS/milaidy-sub002/models"
	"github.com/elizaOS/milaidy-sub002/services"
	"github.com/elizaOS/milaidy-sub002/services/audit"
	"github.com/elizaOS/milaidy-sub002/utils"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func auditRows(actor uuid.UUID, n int) []*models.AuditLog {
	rows := make([]*models.AuditLog, n)
	for i := range rows {
		rows[i] = models.NewAuditLog(actor, models.AuditActionToolCallAttempt, models.OutcomeAllowed, "policy_passed").WithTarget(actor)
		rows[i].ID = uuid.NewString()
	}
	return rows
}

func TestAuditHandler_HandleQuery(t *testing.T) {
	logger := zap.NewNop()
	admin := models.NewUser("admin@example.com", models.RoleAdmin)
	member := models.NewUser("member@example.com", models.RoleMember)

	t.Run("admin filters are passed through", func(t *testing.T) {
		svc, tenants := new(MockPipeline), new(MockTenants)
		handler := NewAuditHandler(svc, tenants, logger)
		tenants.On("GetUser", mock.Anything, admin.ID).Return(admin, nil)

		since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		until := since.Add(24 * time.Hour)
		svc.On("QueryAudit", mock.Anything, mock.MatchedBy(func(f audit.Filter) bool {
			return f.ActorUserID != nil && *f.ActorUserID == member.ID &&
				f.TargetUserID == nil &&
				len(f.Actions) == 2 &&
				f.Actions[0] == models.AuditActionPolymarketBetBlocked &&
				f.Actions[1] == models.AuditActionPolymarketBetExecute &&
				f.Since.Equal(since) && f.Until.Equal(until) &&
				f.PageSize == 2
		})).Return(auditRows(member.ID, 5), nil)

		q := url.Values{}
		q.Set("actor", member.ID.String())
		q.Add("action", "polymarket_bet_blocked,polymarket_bet_execute")
		q.Set("since", since.Format(time.RFC3339))
		q.Set("until", until.Format(time.RFC3339))
		q.Set("limit", "2")

		w := httptest.NewRecorder()
		handler.HandleQuery(w, newRequest(http.MethodGet, "/api/v1/audit?"+q.Encode(), "", admin.ID, nil))

		assert.Equal(t, http.StatusOK, w.Code)
		var response struct {
			Data AuditResponse `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, 2, response.Data.Count)
		assert.Len(t, response.Data.Entries, 2)
		svc.AssertExpectations(t)
	})

	t.Run("member is scoped to their own rows", func(t *testing.T) {
		svc, tenants := new(MockPipeline), new(MockTenants)
		handler := NewAuditHandler(svc, tenants, logger)
		tenants.On("GetUser", mock.Anything, member.ID).Return(member, nil)
		svc.On("QueryAudit", mock.Anything, mock.MatchedBy(func(f audit.Filter) bool {
			return f.TargetUserID != nil && *f.TargetUserID == member.ID && f.PageSize == DefaultAuditLimit
		})).Return(nil, nil)

		w := httptest.NewRecorder()
		handler.HandleQuery(w, newRequest(http.MethodGet, "/api/v1/audit", "", member.ID, nil))

		assert.Equal(t, http.StatusOK, w.Code)
		var response struct {
			Data AuditResponse `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.NotNil(t, response.Data.Entries)
		assert.Zero(t, response.Data.Count)
	})

	t.Run("member cannot query another target", func(t *testing.T) {
		svc, tenants := new(MockPipeline), new(MockTenants)
		handler := NewAuditHandler(svc, tenants, logger)
		tenants.On("GetUser", mock.Anything, member.ID).Return(member, nil)

		w := httptest.NewRecorder()
		handler.HandleQuery(w, newRequest(http.MethodGet, "/api/v1/audit?target="+admin.ID.String(), "", member.ID, nil))

		assert.Equal(t, http.StatusForbidden, w.Code)
		svc.AssertNotCalled(t, "QueryAudit", mock.Anything, mock.Anything)
	})

	t.Run("store failure returns 503", func(t *testing.T) {
		svc, tenants := new(MockPipeline), new(MockTenants)
		handler := NewAuditHandler(svc, tenants, logger)
		tenants.On("GetUser", mock.Anything, admin.ID).Return(admin, nil)
		svc.On("QueryAudit", mock.Anything, mock.Anything).
			Return(nil, services.WrapAuditUnavailable(errors.New("timeout")))

		w := httptest.NewRecorder()
		handler.HandleQuery(w, newRequest(http.MethodGet, "/api/v1/audit", "", admin.ID, nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	invalid := []struct {
		name  string
		query string
		field string
	}{
		{"bad actor", "actor=me", "actor"},
		{"bad since", "since=yesterday", "since"},
		{"until before since", "since=2026-03-02T00:00:00Z&until=2026-03-01T00:00:00Z", "until"},
		{"limit too large", "limit=5000", "limit"},
		{"limit not a number", "limit=ten", "limit"},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewAuditHandler(new(MockPipeline), new(MockTenants), logger)

			w := httptest.NewRecorder()
			handler.HandleQuery(w, newRequest(http.MethodGet, "/api/v1/audit?"+tt.query, "", admin.ID, nil))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			var response utils.ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Contains(t, response.Details, tt.field)
		})
	}
}
