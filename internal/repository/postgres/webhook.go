// ==============================================================================
// WEBHOOK REPOSITORY - internal/repository/postgres/webhook.go
// ==============================================================================
package postgres

import (
	"context"
	"database/sql"

	"verifyd/pkg/domain"
	"verifyd/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const webhookColumns = `
	id, tenant_id, url, secret_sealed, events, retry_attempts, is_active,
	created_at, updated_at`

const deliveryColumns = `
	id, webhook_id, delivery_key, verification_id, event_type, payload, status,
	response_code, response_body, error_message, attempt, max_attempts,
	last_attempt_at, delivered_at, created_at`

type WebhookRepository struct {
	db *sqlx.DB
}

func NewWebhookRepository(db *sqlx.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

func (r *WebhookRepository) CreateWebhook(ctx context.Context, w *domain.WebhookConfig) error {
	query := `
		INSERT INTO webhooks (` + webhookColumns + `)
		VALUES (
			:id, :tenant_id, :url, :secret_sealed, :events, :retry_attempts, :is_active,
			:created_at, :updated_at
		)
	`
	if w.Events == nil {
		w.Events = pq.StringArray{}
	}
	_, err := r.db.NamedExecContext(ctx, query, w)
	return errors.Wrap(err, "failed to create webhook")
}

func (r *WebhookRepository) GetWebhook(ctx context.Context, id uuid.UUID) (*domain.WebhookConfig, error) {
	var w domain.WebhookConfig
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE id = $1`

	err := r.db.GetContext(ctx, &w, query, id)
	if err == sql.ErrNoRows {
		return nil, errors.ErrWebhookNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get webhook")
	}
	return &w, nil
}

func (r *WebhookRepository) ListActiveWebhooks(ctx context.Context, tenantID uuid.UUID) ([]*domain.WebhookConfig, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE tenant_id = $1 AND is_active ORDER BY created_at`

	var hooks []*domain.WebhookConfig
	if err := r.db.SelectContext(ctx, &hooks, query, tenantID); err != nil {
		return nil, errors.Wrap(err, "failed to list webhooks")
	}
	return hooks, nil
}

// RecordDelivery appends one attempt row.
func (r *WebhookRepository) RecordDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	query := `
		INSERT INTO webhook_deliveries (` + deliveryColumns + `)
		VALUES (
			:id, :webhook_id, :delivery_key, :verification_id, :event_type, :payload, :status,
			:response_code, :response_body, :error_message, :attempt, :max_attempts,
			:last_attempt_at, :delivered_at, :created_at
		)
	`
	_, err := r.db.NamedExecContext(ctx, query, d)
	return errors.Wrap(err, "failed to record webhook delivery")
}

// ListDeliveries returns the newest attempts first.
func (r *WebhookRepository) ListDeliveries(ctx context.Context, webhookID uuid.UUID, limit int) ([]*domain.WebhookDelivery, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM webhook_deliveries
		WHERE webhook_id = $1
		ORDER BY created_at DESC, attempt DESC
		LIMIT $2
	`
	var deliveries []*domain.WebhookDelivery
	if err := r.db.SelectContext(ctx, &deliveries, query, webhookID, limit); err != nil {
		return nil, errors.Wrap(err, "failed to list webhook deliveries")
	}
	return deliveries, nil
}
