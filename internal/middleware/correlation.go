package middleware

import (
	"net/http"

	"verifyd/pkg/correlation"
)

// CorrelationID ensures every request has an X-Request-ID for tracing. The id
// follows the request into queued jobs and published events.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := correlation.WithID(r.Context(), r.Header.Get(correlation.Header))
		ctx, reqID := correlation.Ensure(ctx)
		w.Header().Set(correlation.Header, reqID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
