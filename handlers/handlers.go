// Package handlers exposes the execution pipeline and tenant administration over HTTP.
// Handlers are thin: they decode, call one service method and map the result.
package handlers

import (
	"context"
	"iter"
	"net/http"

	"github.com/elizaOS/milaidy-sub002/middleware"
	"github.com/elizaOS/milaidy-sub002/models"
	"github.com/elizaOS/milaidy-sub002/services/audit"
	"github.com/elizaOS/milaidy-sub002/services/pipeline"
	"github.com/elizaOS/milaidy-sub002/services/tenant"
	"github.com/elizaOS/milaidy-sub002/utils"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// PipelineService defines the pipeline operations used by the handlers
type PipelineService interface {
	Submit(ctx context.Context, sub pipeline.Submission) (pipeline.SubmitResult, error)
	Confirm(ctx context.Context, jobID, userID uuid.UUID) (pipeline.ConfirmResult, error)
	Cancel(ctx context.Context, jobID, actorID uuid.UUID) (*models.ExecutionJob, error)
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.ExecutionJob, error)
	QueryAudit(ctx context.Context, filter audit.Filter) iter.Seq2[*models.AuditLog, error]
}

// TenantService defines the tenant administration operations used by the handlers
type TenantService interface {
	GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error)
	GetSettings(ctx context.Context, userID uuid.UUID) (*models.TenantSettings, error)
	RegisterUser(ctx context.Context, actorID uuid.UUID, req tenant.RegisterUserRequest) (*models.User, error)
	SetUserEnabled(ctx context.Context, actorID, targetID uuid.UUID, enabled bool) (*models.User, error)
	UpdateIntegration(ctx context.Context, actorID, targetID uuid.UUID, name string, update tenant.IntegrationUpdate) (*models.TenantSettings, error)
	UpdatePolymarket(ctx context.Context, actorID, targetID uuid.UUID, perms models.PolymarketPermissions) (*models.TenantSettings, error)
	UpdateRateLimit(ctx context.Context, actorID, targetID uuid.UUID, policy models.RateLimitPolicy) (*models.TenantSettings, error)
	RecordSecretUpdate(ctx context.Context, actorID, targetID uuid.UUID, integration string) error
}

var (
	_ PipelineService = (*pipeline.Coordinator)(nil)
	_ TenantService   = (*tenant.Service)(nil)
)

// callerID returns the user set by middleware.RequireUser, writing a 401 when absent
func callerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		_ = utils.WriteUnauthorized(w, "Missing user identity")
		return uuid.Nil, false
	}
	return userID, true
}

// uuidParam parses the named chi URL parameter, writing a 400 on failure
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid "+name+" format", map[string]interface{}{name: raw})
		return uuid.Nil, false
	}
	return id, true
}
