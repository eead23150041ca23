package middleware

import (
	"net/http"
	"strings"

	"github.com/elizaOS/milaidy-sub002/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UserIDHeader carries the authenticated user's ID, set by the upstream gateway
const UserIDHeader = "X-User-ID"

// Identity resolves the calling user from the gateway header
type Identity struct {
	logger *zap.Logger
}

// NewIdentity creates a new Identity middleware
func NewIdentity(logger *zap.Logger) *Identity {
	return &Identity{logger: logger}
}

// RequireUser rejects requests without a well-formed X-User-ID header.
// Whether the user exists or is enabled is decided downstream so that
// blocked attempts by disabled users still reach the audit log.
func (m *Identity) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		raw := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if raw == "" {
			m.logger.Warn("missing user id header", zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "Missing "+UserIDHeader+" header")
			return
		}

		userID, err := uuid.Parse(raw)
		if err != nil || userID == uuid.Nil {
			m.logger.Warn("invalid user id header",
				zap.String("request_id", requestID),
				zap.String("value", raw))
			_ = utils.WriteUnauthorized(w, "Invalid "+UserIDHeader+" header")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserID(ctx, userID)))
	})
}
