package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/elizaOS/milaidy-sub002/utils"
	"go.uber.org/zap"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	QueueDepth *int              `json:"queue_depth,omitempty"`
	Checks     map[string]string `json:"checks,omitempty"`
}

// CheckFunc reports whether one dependency is reachable
type CheckFunc func(ctx context.Context) error

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	checks     map[string]CheckFunc
	queueDepth func() int
	timeout    time.Duration
	logger     *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. queueDepth may be nil.
func NewHealthHandler(queueDepth func() int, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		checks:     make(map[string]CheckFunc),
		queueDepth: queueDepth,
		timeout:    5 * time.Second,
		logger:     logger,
	}
}

// AddCheck registers a readiness check under name
func (h *HealthHandler) AddCheck(name string, check CheckFunc) {
	h.checks[name] = check
}

// HandleHealth handles GET /healthz.
// Liveness only: it returns 200 while the process serves requests.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteOK(w, response)
}

// HandleReadiness handles GET /readyz.
// Every registered check must pass within the timeout, otherwise 503.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	allHealthy := true
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "unhealthy"
			allHealthy = false
			continue
		}
		checks[name] = "healthy"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
	if h.queueDepth != nil {
		depth := h.queueDepth()
		response.QueueDepth = &depth
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}
