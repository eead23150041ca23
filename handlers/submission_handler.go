package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/elizaOS/milaidy-sub002/middleware"
	"github.com/elizaOS/milaidy-sub002/services/pipeline"
	"github.com/elizaOS/milaidy-sub002/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SubmitRequest is the body of POST /api/v1/submissions. The user comes from the identity header.
type SubmitRequest struct {
	SessionID string          `json:"session_id"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input,omitempty"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
	DedupeKey string          `json:"dedupe_key,omitempty"`
}

// SubmissionHandler handles action submissions
type SubmissionHandler struct {
	pipeline PipelineService
	logger   *zap.Logger
}

// NewSubmissionHandler creates a new SubmissionHandler
func NewSubmissionHandler(pipeline PipelineService, logger *zap.Logger) *SubmissionHandler {
	return &SubmissionHandler{
		pipeline: pipeline,
		logger:   logger,
	}
}

// HandleSubmit handles POST /api/v1/submissions.
// An admitted job answers 202, a policy block 403 with the block reason.
func (h *SubmissionHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req SubmitRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleDecodeError(w, err, h.logger)
		return
	}

	result, err := h.pipeline.Submit(ctx, pipeline.Submission{
		UserID:    userID,
		SessionID: req.SessionID,
		ToolName:  req.ToolName,
		Input:     req.Input,
		AmountUSD: req.AmountUSD,
		DedupeKey: req.DedupeKey,
	})
	if err != nil {
		h.logger.Debug("submission rejected",
			zap.String("request_id", requestID),
			zap.String("user_id", userID.String()),
			zap.String("tool", req.ToolName),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	if !result.Accepted {
		_ = utils.WriteError(w, http.StatusForbidden, "blocked", "action blocked by policy", map[string]interface{}{
			"reason":  result.Reason,
			"verdict": result.Verdict,
		})
		return
	}

	if err := utils.WriteAccepted(w, result); err != nil {
		h.logger.Error("failed to write submission response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}
