package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"verifyd/internal/events"
	"verifyd/pkg/domain"
	"verifyd/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// VerificationService is the part of the orchestration core the API drives.
type VerificationService interface {
	Create(ctx context.Context, req *domain.CreateVerificationRequest) (*domain.VerificationHandle, error)
	GetVerification(ctx context.Context, id, tenantID uuid.UUID) (*domain.VerificationView, error)
	List(ctx context.Context, tenantID uuid.UUID, filter domain.VerificationFilter, page domain.Pagination) (*domain.VerificationPage, error)
	Cancel(ctx context.Context, id, tenantID uuid.UUID) (bool, error)
}

// EventSource lets the events stream follow the lifecycle of one verification.
type EventSource interface {
	SubscribePattern(pattern string, h events.Handler) (*events.Subscription, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	streamBuffer    = 64
	streamWriteWait = 10 * time.Second
	streamPingEvery = 30 * time.Second
)

// VerificationHandler manages verification endpoints.
type VerificationHandler struct {
	service VerificationService
	events  EventSource
	logger  logger.Logger
}

// NewVerificationHandler creates a VerificationHandler.
func NewVerificationHandler(service VerificationService, source EventSource, log logger.Logger) *VerificationHandler {
	return &VerificationHandler{
		service: service,
		events:  source,
		logger:  log,
	}
}

// CreateVerificationRequest is the body of POST /v1/verifications.
type CreateVerificationRequest struct {
	AccountID        *uuid.UUID              `json:"account_id,omitempty"`
	Type             domain.VerificationType `json:"type"`
	ProviderPayload  domain.Metadata         `json:"provider_payload,omitempty"`
	CallbackURL      *string                 `json:"callback_url,omitempty"`
	ExpiresInSeconds *int                    `json:"expires_in_seconds,omitempty"`
}

// CreateVerification starts a verification for the calling tenant.
func (h *VerificationHandler) CreateVerification(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}

	var body CreateVerificationRequest
	if !decodeBody(w, r, h.logger, &body) {
		return
	}

	req := &domain.CreateVerificationRequest{
		TenantID:        tenant,
		AccountID:       body.AccountID,
		Type:            body.Type,
		ProviderPayload: body.ProviderPayload,
		CallbackURL:     body.CallbackURL,
	}
	if body.ExpiresInSeconds != nil {
		if *body.ExpiresInSeconds <= 0 {
			respondError(w, h.logger, http.StatusBadRequest, "expires_in_seconds must be positive")
			return
		}
		ttl := time.Duration(*body.ExpiresInSeconds) * time.Second
		req.ExpiresIn = &ttl
	}

	handle, err := h.service.Create(r.Context(), req)
	if err != nil {
		respondServiceError(w, h.logger, err, "create verification")
		return
	}

	respondJSON(w, h.logger, http.StatusCreated, handle)
}

// GetVerification returns the current state, polling the provider when due.
func (h *VerificationHandler) GetVerification(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := pathID(w, r, h.logger, "id")
	if !ok {
		return
	}

	view, err := h.service.GetVerification(r.Context(), id, tenant)
	if err != nil {
		respondServiceError(w, h.logger, err, "get verification")
		return
	}

	respondJSON(w, h.logger, http.StatusOK, view)
}

// ListVerifications returns one page of the tenant's verifications.
func (h *VerificationHandler) ListVerifications(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		respondError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}
	page := domain.Pagination{
		Page:     queryInt(r, "page", 1),
		PageSize: queryInt(r, "page_size", domain.DefaultPageSize),
	}

	result, err := h.service.List(r.Context(), tenant, filter, page)
	if err != nil {
		respondServiceError(w, h.logger, err, "list verifications")
		return
	}

	respondJSON(w, h.logger, http.StatusOK, result)
}

type filterError string

func (e filterError) Error() string { return string(e) }

func parseFilter(r *http.Request) (domain.VerificationFilter, error) {
	var f domain.VerificationFilter
	q := r.URL.Query()

	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			s := domain.VerificationStatus(strings.TrimSpace(part))
			if !s.Valid() {
				return f, filterError("Invalid status filter: " + part)
			}
			f.Status = append(f.Status, s)
		}
	}
	if raw := strings.TrimSpace(q.Get("type")); raw != "" {
		t := domain.VerificationType(raw)
		if !t.Valid() {
			return f, filterError("Invalid type filter")
		}
		f.Type = &t
	}
	if raw := strings.TrimSpace(q.Get("account_id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return f, filterError("Invalid account_id filter")
		}
		f.AccountID = &id
	}
	for key, dst := range map[string]**time.Time{"created_after": &f.CreatedAfter, "created_before": &f.CreatedBefore} {
		if raw := strings.TrimSpace(q.Get(key)); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return f, filterError("Invalid " + key + " filter, expected RFC3339")
			}
			*dst = &t
		}
	}
	return f, nil
}

// CancelVerification asks the provider to stop and marks the verification
// cancelled. A terminal verification or a provider refusal reports false.
func (h *VerificationHandler) CancelVerification(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := pathID(w, r, h.logger, "id")
	if !ok {
		return
	}

	cancelled, err := h.service.Cancel(r.Context(), id, tenant)
	if err != nil {
		respondServiceError(w, h.logger, err, "cancel verification")
		return
	}

	respondJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"id":        id,
		"cancelled": cancelled,
	})
}

// StreamEvents upgrades to a websocket and forwards every lifecycle event of
// one verification until it reaches a terminal state or the client leaves.
func (h *VerificationHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := pathID(w, r, h.logger, "id")
	if !ok {
		return
	}

	view, err := h.service.GetVerification(r.Context(), id, tenant)
	if err != nil {
		respondServiceError(w, h.logger, err, "open event stream")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	queue := make(chan *events.Envelope, streamBuffer)
	sub, err := h.events.SubscribePattern("verification:*", func(_ context.Context, env *events.Envelope) error {
		if env.TenantID != tenant || env.VerificationID == nil || *env.VerificationID != id {
			return nil
		}
		select {
		case queue <- env:
		default:
			// Slow client; drop the stream rather than block publishers.
			cancel()
		}
		return nil
	})
	if err != nil {
		h.logger.Error("Failed to subscribe event stream", map[string]interface{}{"error": err.Error()})
		return
	}
	defer sub.Unsubscribe()

	h.logger.Info("Event stream opened", map[string]interface{}{"verification_id": id, "tenant_id": tenant})

	if err := h.write(conn, map[string]interface{}{
		"type":         "snapshot",
		"timestamp":    time.Now().UTC(),
		"verification": view,
	}); err != nil {
		return
	}
	if view.Status.IsTerminal() {
		h.closeStream(conn)
		return
	}

	// Reader: only needed to notice the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingEvery)
	defer ticker.Stop()

	for {
		select {
		case env := <-queue:
			if err := h.write(conn, env); err != nil {
				h.logger.Warn("Failed to send event", map[string]interface{}{"error": err.Error(), "verification_id": id})
				return
			}
			if isTerminalEvent(env.Type) {
				h.closeStream(conn)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *VerificationHandler) write(conn *websocket.Conn, v interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(v)
}

func (h *VerificationHandler) closeStream(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "verification finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteWait))
}

func isTerminalEvent(eventType string) bool {
	switch eventType {
	case events.TypeVerificationCompleted, events.TypeVerificationFailed,
		events.TypeVerificationExpired, events.TypeVerificationCancelled:
		return true
	}
	return false
}
