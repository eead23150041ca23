package handlers

import (
	"net/http"

	"github.com/elizaOS/milaidy-sub002/models"
	"github.com/elizaOS/milaidy-sub002/services"
	"github.com/elizaOS/milaidy-sub002/services/tenant"
	"github.com/elizaOS/milaidy-sub002/utils"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SetEnabledRequest is the body of PUT /api/v1/users/{id}/enabled
type SetEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// UserHandler handles tenant administration. Authorization of mutations is
// decided by the tenant service; reads are limited to the user and admins.
type UserHandler struct {
	tenants TenantService
	logger  *zap.Logger
}

// NewUserHandler creates a new UserHandler
func NewUserHandler(tenants TenantService, logger *zap.Logger) *UserHandler {
	return &UserHandler{
		tenants: tenants,
		logger:  logger,
	}
}

// HandleCreate handles POST /api/v1/users
func (h *UserHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	actorID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req tenant.RegisterUserRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleDecodeError(w, err, h.logger)
		return
	}

	user, err := h.tenants.RegisterUser(r.Context(), actorID, req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteCreated(w, user)
}

// HandleGet handles GET /api/v1/users/{id}
func (h *UserHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.authorizeRead(w, r)
	if !ok {
		return
	}

	user, err := h.tenants.GetUser(r.Context(), targetID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, user)
}

// HandleSetEnabled handles PUT /api/v1/users/{id}/enabled
func (h *UserHandler) HandleSetEnabled(w http.ResponseWriter, r *http.Request) {
	actorID, targetID, ok := h.actorAndTarget(w, r)
	if !ok {
		return
	}

	var req SetEnabledRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleDecodeError(w, err, h.logger)
		return
	}

	user, err := h.tenants.SetUserEnabled(r.Context(), actorID, targetID, req.Enabled)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, user)
}

// HandleGetSettings handles GET /api/v1/users/{id}/settings
func (h *UserHandler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.authorizeRead(w, r)
	if !ok {
		return
	}

	settings, err := h.tenants.GetSettings(r.Context(), targetID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, settings)
}

// HandleUpdateIntegration handles PUT /api/v1/users/{id}/integrations/{name}
func (h *UserHandler) HandleUpdateIntegration(w http.ResponseWriter, r *http.Request) {
	actorID, targetID, ok := h.actorAndTarget(w, r)
	if !ok {
		return
	}

	var req tenant.IntegrationUpdate
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleDecodeError(w, err, h.logger)
		return
	}

	settings, err := h.tenants.UpdateIntegration(r.Context(), actorID, targetID, chi.URLParam(r, "name"), req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, settings)
}

// HandleUpdatePolymarket handles PUT /api/v1/users/{id}/polymarket
func (h *UserHandler) HandleUpdatePolymarket(w http.ResponseWriter, r *http.Request) {
	actorID, targetID, ok := h.actorAndTarget(w, r)
	if !ok {
		return
	}

	var req models.PolymarketPermissions
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleDecodeError(w, err, h.logger)
		return
	}

	settings, err := h.tenants.UpdatePolymarket(r.Context(), actorID, targetID, req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, settings)
}

// HandleUpdateRateLimit handles PUT /api/v1/users/{id}/rate-limit
func (h *UserHandler) HandleUpdateRateLimit(w http.ResponseWriter, r *http.Request) {
	actorID, targetID, ok := h.actorAndTarget(w, r)
	if !ok {
		return
	}

	var req models.RateLimitPolicy
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleDecodeError(w, err, h.logger)
		return
	}

	settings, err := h.tenants.UpdateRateLimit(r.Context(), actorID, targetID, req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, settings)
}

// HandleSecretRotated handles POST /api/v1/users/{id}/integrations/{name}/secret-rotated.
// The request carries no secret material.
func (h *UserHandler) HandleSecretRotated(w http.ResponseWriter, r *http.Request) {
	actorID, targetID, ok := h.actorAndTarget(w, r)
	if !ok {
		return
	}

	if err := h.tenants.RecordSecretUpdate(r.Context(), actorID, targetID, chi.URLParam(r, "name")); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteNoContent(w)
}

func (h *UserHandler) actorAndTarget(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	actorID, ok := callerID(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	targetID, ok := uuidParam(w, r, "id")
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	return actorID, targetID, true
}

// authorizeRead lets users read themselves and enabled admins read anyone
func (h *UserHandler) authorizeRead(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	actorID, targetID, ok := h.actorAndTarget(w, r)
	if !ok {
		return uuid.Nil, false
	}
	if actorID == targetID {
		return targetID, true
	}

	actor, err := h.tenants.GetUser(r.Context(), actorID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return uuid.Nil, false
	}
	if !actor.Enabled || !actor.IsAdmin() {
		HandleServiceError(w, services.ErrForbidden, h.logger)
		return uuid.Nil, false
	}
	return targetID, true
}
