package handler

import (
	"context"
	"net/http"

	"verifyd/internal/webhook"
	"verifyd/pkg/domain"
	"verifyd/pkg/logger"

	"github.com/google/uuid"
)

// WebhookService registers tenant callbacks and exposes their delivery log.
type WebhookService interface {
	Register(ctx context.Context, tenantID uuid.UUID, req *webhook.RegisterRequest) (*webhook.Registration, error)
	Deliveries(ctx context.Context, tenantID, webhookID uuid.UUID, limit int) ([]*domain.WebhookDelivery, error)
}

// WebhookHandler manages webhook endpoints.
type WebhookHandler struct {
	service WebhookService
	logger  logger.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(service WebhookService, log logger.Logger) *WebhookHandler {
	return &WebhookHandler{service: service, logger: log}
}

// RegisterWebhook stores a webhook and returns its signing secret once.
func (h *WebhookHandler) RegisterWebhook(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}

	var req webhook.RegisterRequest
	if !decodeBody(w, r, h.logger, &req) {
		return
	}

	reg, err := h.service.Register(r.Context(), tenant, &req)
	if err != nil {
		respondServiceError(w, h.logger, err, "register webhook")
		return
	}

	respondJSON(w, h.logger, http.StatusCreated, reg)
}

// ListDeliveries returns the newest delivery attempts of one webhook.
func (h *WebhookHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := pathID(w, r, h.logger, "id")
	if !ok {
		return
	}

	deliveries, err := h.service.Deliveries(r.Context(), tenant, id, queryInt(r, "limit", 50))
	if err != nil {
		respondServiceError(w, h.logger, err, "list webhook deliveries")
		return
	}

	respondJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"deliveries": deliveries,
		"count":      len(deliveries),
	})
}
