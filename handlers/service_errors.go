package handlers

import (
	"net/http"

	"github.com/elizaOS/milaidy-sub002/services"
	"github.com/elizaOS/milaidy-sub002/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	details := services.GetErrorDetails(err)
	if len(details) == 0 {
		details = nil
	}

	var status int
	var code string
	message := err.Error()

	switch {
	case services.IsNotFoundError(err):
		status, code = http.StatusNotFound, "not_found"

	case services.IsValidationError(err):
		status, code = http.StatusBadRequest, "validation_failed"

	case services.IsForbiddenError(err):
		status, code = http.StatusForbidden, "forbidden"

	case services.IsCapacityError(err):
		status, code = http.StatusTooManyRequests, "capacity"

	case services.IsInvalidTransitionError(err):
		status, code = http.StatusConflict, "invalid_transition"

	case services.IsAuditUnavailableError(err):
		// the cause stays in the logs
		logger.Error("audit store unavailable", zap.Error(err))
		status, code, message = http.StatusServiceUnavailable, "audit_unavailable", "audit store unavailable"

	case services.IsExternalError(err):
		status, code = http.StatusBadGateway, "bad_gateway"

	case services.IsInternalError(err):
		logger.Error("internal server error", zap.Error(err))
		status, code, message, details = http.StatusInternalServerError, "internal_error", "An internal error occurred", nil

	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		status, code, message, details = http.StatusInternalServerError, "internal_error", "An unexpected error occurred", nil
	}

	if err := utils.WriteError(w, status, code, message, details); err != nil {
		logger.Error("failed to write error response", zap.Error(err))
	}
}

// HandleDecodeError writes a 400 for a body that could not be decoded
func HandleDecodeError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write bad request response", zap.Error(err))
	}
}
