package handlers

import (
	"context"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/elizaOS/milaidy-sub002/middleware"
	"github.com/elizaOS/milaidy-sub002/models"
	"github.com/elizaOS/milaidy-sub002/services/audit"
	"github.com/elizaOS/milaidy-sub002/services/pipeline"
	"github.com/elizaOS/milaidy-sub002/services/tenant"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockPipeline is a mock implementation of PipelineService
type MockPipeline struct {
	mock.Mock
}

func (m *MockPipeline) Submit(ctx context.Context, sub pipeline.Submission) (pipeline.SubmitResult, error) {
	args := m.Called(ctx, sub)
	return args.Get(0).(pipeline.SubmitResult), args.Error(1)
}

func (m *MockPipeline) Confirm(ctx context.Context, jobID, userID uuid.UUID) (pipeline.ConfirmResult, error) {
	args := m.Called(ctx, jobID, userID)
	return args.Get(0).(pipeline.ConfirmResult), args.Error(1)
}

func (m *MockPipeline) Cancel(ctx context.Context, jobID, actorID uuid.UUID) (*models.ExecutionJob, error) {
	args := m.Called(ctx, jobID, actorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ExecutionJob), args.Error(1)
}

func (m *MockPipeline) GetJob(ctx context.Context, jobID uuid.UUID) (*models.ExecutionJob, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ExecutionJob), args.Error(1)
}

func (m *MockPipeline) QueryAudit(ctx context.Context, filter audit.Filter) iter.Seq2[*models.AuditLog, error] {
	args := m.Called(ctx, filter)
	rows, _ := args.Get(0).([]*models.AuditLog)
	err := args.Error(1)
	return func(yield func(*models.AuditLog, error) bool) {
		if err != nil {
			yield(nil, err)
			return
		}
		for _, row := range rows {
			if !yield(row, nil) {
				return
			}
		}
	}
}

// MockTenants is a mock implementation of TenantService
type MockTenants struct {
	mock.Mock
}

func (m *MockTenants) GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockTenants) GetSettings(ctx context.Context, userID uuid.UUID) (*models.TenantSettings, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TenantSettings), args.Error(1)
}

func (m *MockTenants) RegisterUser(ctx context.Context, actorID uuid.UUID, req tenant.RegisterUserRequest) (*models.User, error) {
	args := m.Called(ctx, actorID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockTenants) SetUserEnabled(ctx context.Context, actorID, targetID uuid.UUID, enabled bool) (*models.User, error) {
	args := m.Called(ctx, actorID, targetID, enabled)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockTenants) UpdateIntegration(ctx context.Context, actorID, targetID uuid.UUID, name string, update tenant.IntegrationUpdate) (*models.TenantSettings, error) {
	args := m.Called(ctx, actorID, targetID, name, update)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TenantSettings), args.Error(1)
}

func (m *MockTenants) UpdatePolymarket(ctx context.Context, actorID, targetID uuid.UUID, perms models.PolymarketPermissions) (*models.TenantSettings, error) {
	args := m.Called(ctx, actorID, targetID, perms)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TenantSettings), args.Error(1)
}

func (m *MockTenants) UpdateRateLimit(ctx context.Context, actorID, targetID uuid.UUID, policy models.RateLimitPolicy) (*models.TenantSettings, error) {
	args := m.Called(ctx, actorID, targetID, policy)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TenantSettings), args.Error(1)
}

func (m *MockTenants) RecordSecretUpdate(ctx context.Context, actorID, targetID uuid.UUID, integration string) error {
	args := m.Called(ctx, actorID, targetID, integration)
	return args.Error(0)
}

// newRequest builds a request as seen after RequireUser, with chi URL params
func newRequest(method, target, body string, caller uuid.UUID, params map[string]string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}

	ctx := req.Context()
	if caller != uuid.Nil {
		ctx = middleware.WithUserID(ctx, caller)
	}
	if len(params) > 0 {
		rctx := chi.NewRouteContext()
		for k, v := range params {
			rctx.URLParams.Add(k, v)
		}
		ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)
	}
	return req.WithContext(ctx)
}
