package handlers

import (
	"net/http"

	"github.com/elizaOS/milaidy-sub002/middleware"
	"github.com/elizaOS/milaidy-sub002/services"
	"github.com/elizaOS/milaidy-sub002/utils"
	"go.uber.org/zap"
)

// JobHandler handles execution job lookups and lifecycle commands
type JobHandler struct {
	pipeline PipelineService
	tenants  TenantService
	logger   *zap.Logger
}

// NewJobHandler creates a new JobHandler
func NewJobHandler(pipeline PipelineService, tenants TenantService, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		pipeline: pipeline,
		tenants:  tenants,
		logger:   logger,
	}
}

// HandleGet handles GET /api/v1/jobs/{id}.
// Jobs are visible to their submitter and to enabled admins.
func (h *JobHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	jobID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	job, err := h.pipeline.GetJob(ctx, jobID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if job.UserID != userID {
		caller, err := h.tenants.GetUser(ctx, userID)
		if err != nil || !caller.Enabled || !caller.IsAdmin() {
			// other tenants' jobs are indistinguishable from missing ones
			HandleServiceError(w, services.ErrJobNotFound, h.logger)
			return
		}
	}

	_ = utils.WriteOK(w, job)
}

// HandleConfirm handles POST /api/v1/jobs/{id}/confirm
func (h *JobHandler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	jobID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	result, err := h.pipeline.Confirm(ctx, jobID, userID)
	if err != nil {
		h.logger.Debug("confirmation rejected",
			zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
			zap.String("job_id", jobID.String()),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, result)
}

// HandleCancel handles POST /api/v1/jobs/{id}/cancel
func (h *JobHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	jobID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	job, err := h.pipeline.Cancel(ctx, jobID, userID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, job)
}
