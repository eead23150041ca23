package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elizaOS/milaidy-sub002/middleware"
	"github.com/elizaOS/milaidy-sub002/models"
	"github.com/elizaOS/milaidy-sub002/services"
	"github.com/elizaOS/milaidy-sub002/services/audit"
	"github.com/elizaOS/milaidy-sub002/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Page bounds for GET /api/v1/audit
const (
	DefaultAuditLimit = 100
	MaxAuditLimit     = 1000
)

// AuditResponse is a page of audit rows in creation order
type AuditResponse struct {
	Entries []*models.AuditLog `json:"entries"`
	Count   int                `json:"count"`
}

// AuditHandler serves audit log queries
type AuditHandler struct {
	pipeline PipelineService
	tenants  TenantService
	logger   *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(pipeline PipelineService, tenants TenantService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		pipeline: pipeline,
		tenants:  tenants,
		logger:   logger,
	}
}

// HandleQuery handles GET /api/v1/audit.
// Query parameters: actor, target, action (repeatable or comma separated),
// since and until (RFC 3339, until exclusive) and limit.
// Callers who are not enabled admins only see rows that target themselves.
func (h *AuditHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	filter, limit, fields := parseAuditQuery(r)
	if len(fields) > 0 {
		_ = utils.WriteBadRequest(w, "Invalid audit query", fields)
		return
	}

	caller, err := h.tenants.GetUser(ctx, userID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if !caller.Enabled || !caller.IsAdmin() {
		if filter.TargetUserID != nil && *filter.TargetUserID != userID {
			HandleServiceError(w, services.ErrForbidden, h.logger)
			return
		}
		filter.TargetUserID = &userID
	}

	entries, err := audit.Collect(h.pipeline.QueryAudit(ctx, filter), limit)
	if err != nil {
		h.logger.Error("audit query failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}
	if entries == nil {
		entries = []*models.AuditLog{}
	}

	_ = utils.WriteOK(w, AuditResponse{Entries: entries, Count: len(entries)})
}

func parseAuditQuery(r *http.Request) (audit.Filter, int, map[string]interface{}) {
	q := r.URL.Query()
	fields := make(map[string]interface{})
	filter := audit.Filter{}

	parseUser := func(name string) *uuid.UUID {
		raw := q.Get(name)
		if raw == "" {
			return nil
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			fields[name] = "must be a valid UUID"
			return nil
		}
		return &id
	}
	parseTime := func(name string) time.Time {
		raw := q.Get(name)
		if raw == "" {
			return time.Time{}
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			fields[name] = "must be an RFC 3339 timestamp"
			return time.Time{}
		}
		return t
	}

	filter.ActorUserID = parseUser("actor")
	filter.TargetUserID = parseUser("target")
	filter.Since = parseTime("since")
	filter.Until = parseTime("until")

	for _, raw := range q["action"] {
		for _, a := range strings.Split(raw, ",") {
			if a = strings.TrimSpace(a); a != "" {
				filter.Actions = append(filter.Actions, models.AuditAction(a))
			}
		}
	}

	if !filter.Since.IsZero() && !filter.Until.IsZero() && !filter.Until.After(filter.Since) {
		fields["until"] = "must be after since"
	}

	limit := DefaultAuditLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > MaxAuditLimit {
			fields["limit"] = "must be between 1 and " + strconv.Itoa(MaxAuditLimit)
		} else {
			limit = n
		}
	}
	filter.PageSize = limit

	return filter, limit, fields
}
