package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// WebhookConfig is a tenant-configured callback endpoint.
type WebhookConfig struct {
	ID       uuid.UUID `json:"id" db:"id"`
	TenantID uuid.UUID `json:"tenant_id" db:"tenant_id"`
	URL      string    `json:"url" db:"url" validate:"required,https_or_local_url"`
	// SealedSecret is the AES-GCM sealed signing secret.
	SealedSecret  string         `json:"-" db:"secret_sealed"`
	Events        pq.StringArray `json:"events" db:"events"`
	RetryAttempts int            `json:"retry_attempts" db:"retry_attempts" validate:"min=1,max=20"`
	IsActive      bool           `json:"is_active" db:"is_active"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}

// Subscribes reports whether the webhook wants eventType. No filter means all events.
func (w *WebhookConfig) Subscribes(eventType string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

type WebhookDeliveryStatus string

const (
	WebhookDeliveryPending   WebhookDeliveryStatus = "pending"
	WebhookDeliveryDelivered WebhookDeliveryStatus = "delivered"
	WebhookDeliveryFailed    WebhookDeliveryStatus = "failed"
	WebhookDeliveryRetrying  WebhookDeliveryStatus = "retrying"
)

// WebhookDelivery records one delivery attempt of an event to a webhook.
type WebhookDelivery struct {
	ID             uuid.UUID             `json:"id" db:"id"`
	WebhookID      uuid.UUID             `json:"webhook_id" db:"webhook_id"`
	DeliveryKey    string                `json:"delivery_key" db:"delivery_key"`
	VerificationID *uuid.UUID            `json:"verification_id,omitempty" db:"verification_id"`
	EventType      string                `json:"event_type" db:"event_type"`
	Payload        json.RawMessage       `json:"payload" db:"payload"`
	Status         WebhookDeliveryStatus `json:"status" db:"status"`
	ResponseCode   *int                  `json:"response_code,omitempty" db:"response_code"`
	ResponseBody   *string               `json:"response_body,omitempty" db:"response_body"`
	ErrorMessage   *string               `json:"error_message,omitempty" db:"error_message"`
	Attempt        int                   `json:"attempt" db:"attempt"`
	MaxAttempts    int                   `json:"max_attempts" db:"max_attempts"`
	LastAttemptAt  time.Time             `json:"last_attempt_at" db:"last_attempt_at"`
	DeliveredAt    *time.Time            `json:"delivered_at,omitempty" db:"delivered_at"`
	CreatedAt      time.Time             `json:"created_at" db:"created_at"`
}

// CanRetry is true only while attempts remain and the event was not delivered.
func (d *WebhookDelivery) CanRetry() bool {
	return d.Attempt < d.MaxAttempts && d.Status != WebhookDeliveryDelivered
}
