package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"verifyd/pkg/correlation"
	apperrors "verifyd/pkg/errors"
	"verifyd/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// IdempotencyHeader names the client-chosen key of an unsafe request.
const IdempotencyHeader = "Idempotency-Key"

// IdempotencyMiddleware replays the stored response of a repeated unsafe
// request carrying the same Idempotency-Key.
type IdempotencyMiddleware struct {
	cache     redis.UniversalClient
	ttl       time.Duration
	wait      time.Duration
	waitSteps int
	logger    logger.Logger
}

// NewIdempotencyMiddleware constructs an IdempotencyMiddleware with a TTL.
func NewIdempotencyMiddleware(cache redis.UniversalClient, ttl time.Duration, log logger.Logger) *IdempotencyMiddleware {
	return &IdempotencyMiddleware{
		cache:     cache,
		ttl:       ttl,
		wait:      100 * time.Millisecond,
		waitSteps: 50,
		logger:    log,
	}
}

// Replay handles POST/PUT/PATCH/DELETE requests that carry an
// Idempotency-Key. Requests without the header pass through untouched.
// Keys are scoped by tenant.
func (m *IdempotencyMiddleware) Replay(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodPut &&
			r.Method != http.MethodPatch && r.Method != http.MethodDelete {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(IdempotencyHeader)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		scope := r.Header.Get(TenantHeader)
		dataKey := fmt.Sprintf("idempotency:data:%s:%s:%s:%s", scope, r.Method, r.URL.Path, key)
		lockKey := fmt.Sprintf("idempotency:lock:%s:%s:%s:%s", scope, r.Method, r.URL.Path, key)

		if m.replayCached(w, r, dataKey) {
			return
		}

		requestID := correlation.FromContext(r.Context())
		if requestID == "" {
			requestID = "unknown"
		}

		ok, err := m.cache.SetNX(r.Context(), lockKey, requestID, m.ttl).Result()
		if err != nil {
			m.logger.Error("Failed to acquire idempotency lock", map[string]interface{}{
				"error":           err.Error(),
				"idempotency_key": key,
			})
			jsonError(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		if !ok {
			// Another request with this key is in flight; wait for its response.
			for i := 0; i < m.waitSteps; i++ {
				select {
				case <-r.Context().Done():
					return
				case <-time.After(m.wait):
				}
				if m.replayCached(w, r, dataKey) {
					return
				}
			}
			jsonError(w, http.StatusConflict, apperrors.ErrDuplicateRequest.Error())
			return
		}
		defer m.cache.Del(r.Context(), lockKey)

		cw := newCaptureWriter(w, 1<<20)
		next.ServeHTTP(cw, r)

		if err := m.cacheResponse(r, dataKey, cw); err != nil {
			m.logger.Warn("Failed to cache idempotent response", map[string]interface{}{
				"error":           err.Error(),
				"idempotency_key": key,
			})
		}
	})
}

type capturedResponse struct {
	Status  int               `json:"status"`
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers"`
}

func (m *IdempotencyMiddleware) replayCached(w http.ResponseWriter, r *http.Request, dataKey string) bool {
	payload, err := m.cache.Get(r.Context(), dataKey).Bytes()
	if err != nil {
		return false
	}

	var cr capturedResponse
	if err := json.Unmarshal(payload, &cr); err != nil {
		return false
	}

	for k, v := range cr.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(cr.Status)
	_, _ = w.Write(cr.Body)
	return true
}

func (m *IdempotencyMiddleware) cacheResponse(r *http.Request, dataKey string, cw *captureWriter) error {
	// Server errors are not replayed so the client can retry.
	if cw.status == 0 || cw.status >= http.StatusInternalServerError || cw.truncated {
		return nil
	}

	payload, err := json.Marshal(capturedResponse{
		Status:  cw.status,
		Body:    cw.buf,
		Headers: cw.headers,
	})
	if err != nil {
		return err
	}
	return m.cache.Set(r.Context(), dataKey, payload, m.ttl).Err()
}

type captureWriter struct {
	http.ResponseWriter
	buf       []byte
	limit     int
	truncated bool
	status    int
	headers   map[string]string
}

func newCaptureWriter(w http.ResponseWriter, limit int) *captureWriter {
	return &captureWriter{
		ResponseWriter: w,
		buf:            make([]byte, 0, 1024),
		limit:          limit,
		headers:        make(map[string]string),
	}
}

func (w *captureWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	for k, v := range w.ResponseWriter.Header() {
		if len(v) > 0 {
			w.headers[k] = v[0]
		}
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *captureWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	space := w.limit - len(w.buf)
	if len(p) > space {
		w.truncated = true
		if space > 0 {
			w.buf = append(w.buf, p[:space]...)
		}
	} else {
		w.buf = append(w.buf, p...)
	}
	return w.ResponseWriter.Write(p)
}
