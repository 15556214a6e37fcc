package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"verifyd/pkg/correlation"
	"verifyd/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireTenant(t *testing.T) {
	var seen uuid.UUID
	h := RequireTenant(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := TenantIDFromContext(r.Context())
		require.True(t, ok)
		seen = id
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/verifications", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/verifications", nil)
	req.Header.Set(TenantHeader, "not-a-uuid")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	tenant := uuid.New()
	req = httptest.NewRequest(http.MethodGet, "/v1/verifications", nil)
	req.Header.Set(TenantHeader, tenant.String())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, tenant, seen)
}

func TestCorrelationID(t *testing.T) {
	var seen string
	h := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = correlation.FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(correlation.Header, "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", seen)
	assert.Equal(t, "req-123", rec.Header().Get(correlation.Header))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(correlation.Header))
}

func TestRecovery(t *testing.T) {
	log := logger.NewRecorder()
	h := Recovery(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())

	entries := log.Entries(logger.LevelError)
	require.Len(t, entries, 1)
	assert.Equal(t, "Panic recovered", entries[0].Message)
}

func TestRateLimiter_PerTenant(t *testing.T) {
	rl := NewRateLimiter(newRedis(t), 2, time.Minute)
	h := RequireTenant(rl.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	call := func(tenant uuid.UUID) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/verifications", nil)
		req.Header.Set(TenantHeader, tenant.String())
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	a, b := uuid.New(), uuid.New()
	assert.Equal(t, http.StatusOK, call(a))
	assert.Equal(t, http.StatusOK, call(a))
	assert.Equal(t, http.StatusTooManyRequests, call(a))
	assert.Equal(t, http.StatusOK, call(b))
}
