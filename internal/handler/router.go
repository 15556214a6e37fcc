package handler

import (
	"net/http"

	"verifyd/internal/middleware"
	"verifyd/pkg/logger"

	"github.com/gorilla/mux"
)

// RouterConfig collects the handlers and optional middleware of the API.
// Idempotency and RateLimit are nil when no Redis is configured.
type RouterConfig struct {
	Verifications *VerificationHandler
	Webhooks      *WebhookHandler
	System        *SystemHandler
	Idempotency   *middleware.IdempotencyMiddleware
	RateLimit     *middleware.RateLimiter
	Logger        logger.Logger
}

// NewRouter wires every route of the service.
func NewRouter(cfg RouterConfig) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.CorrelationID)
	r.Use(middleware.NewLoggingMiddleware(cfg.Logger).Log)

	r.HandleFunc("/health", cfg.System.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(middleware.RequireTenant)
	if cfg.RateLimit != nil {
		api.Use(cfg.RateLimit.Limit)
	}
	if cfg.Idempotency != nil {
		api.Use(cfg.Idempotency.Replay)
	}

	v := api.PathPrefix("/verifications").Subrouter()
	v.HandleFunc("", cfg.Verifications.CreateVerification).Methods(http.MethodPost)
	v.HandleFunc("", cfg.Verifications.ListVerifications).Methods(http.MethodGet)
	v.HandleFunc("/{id}", cfg.Verifications.GetVerification).Methods(http.MethodGet)
	v.HandleFunc("/{id}/cancel", cfg.Verifications.CancelVerification).Methods(http.MethodPost)
	v.HandleFunc("/{id}/events", cfg.Verifications.StreamEvents).Methods(http.MethodGet)

	if cfg.Webhooks != nil {
		wh := api.PathPrefix("/webhooks").Subrouter()
		wh.HandleFunc("", cfg.Webhooks.RegisterWebhook).Methods(http.MethodPost)
		wh.HandleFunc("/{id}/deliveries", cfg.Webhooks.ListDeliveries).Methods(http.MethodGet)
	}

	return r
}
