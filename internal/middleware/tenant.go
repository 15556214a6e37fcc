// Package middleware hosts tenant scoping, logging, and rate limiting middleware.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// contextKey avoids collisions when storing values in request contexts.
type contextKey string

const ctxTenantIDKey contextKey = "tenant_id"

// TenantHeader carries the calling tenant's id.
const TenantHeader = "X-Tenant-ID"

// RequireTenant rejects requests without a valid X-Tenant-ID and stores the
// tenant id on the request context.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(TenantHeader))
		if raw == "" {
			jsonError(w, http.StatusBadRequest, "X-Tenant-ID header required")
			return
		}
		tenantID, err := uuid.Parse(raw)
		if err != nil || tenantID == uuid.Nil {
			jsonError(w, http.StatusBadRequest, "Invalid X-Tenant-ID header")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenantID(r.Context(), tenantID)))
	})
}

func WithTenantID(ctx context.Context, tenantID uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxTenantIDKey, tenantID)
}

// TenantIDFromContext returns the tenant set by RequireTenant.
func TenantIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxTenantIDKey).(uuid.UUID)
	return id, ok && id != uuid.Nil
}
