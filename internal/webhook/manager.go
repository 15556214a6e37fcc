// ==============================================================================
// WEBHOOK DELIVERY MANAGER - internal/webhook/manager.go
// ==============================================================================
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"verifyd/internal/events"
	"verifyd/internal/queue"
	"verifyd/internal/security"
	"verifyd/pkg/config"
	"verifyd/pkg/domain"
	"verifyd/pkg/errors"
	"verifyd/pkg/logger"
	"verifyd/pkg/validator"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	JobDispatch = "webhook.dispatch"
	JobDeliver  = "webhook.deliver"

	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderAttempt   = "X-Webhook-Attempt"
)

type Repository interface {
	CreateWebhook(ctx context.Context, w *domain.WebhookConfig) error
	GetWebhook(ctx context.Context, id uuid.UUID) (*domain.WebhookConfig, error)
	ListActiveWebhooks(ctx context.Context, tenantID uuid.UUID) ([]*domain.WebhookConfig, error)
	RecordDelivery(ctx context.Context, d *domain.WebhookDelivery) error
	ListDeliveries(ctx context.Context, webhookID uuid.UUID, limit int) ([]*domain.WebhookDelivery, error)
}

// Sealer protects webhook secrets at rest.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type Options struct {
	Timeout          time.Duration
	DefaultAttempts  int
	Backoff          domain.BackoffPolicy
	RatePerSecond    float64
	Burst            int
	MaxResponseBytes int64
	UserAgent        string
}

func OptionsFromConfig(cfg config.WebhookConfig) Options {
	return Options{
		Timeout:          cfg.Timeout,
		DefaultAttempts:  cfg.DefaultAttempts,
		Backoff:          domain.BackoffPolicy{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		RatePerSecond:    cfg.RatePerSecond,
		Burst:            cfg.Burst,
		MaxResponseBytes: cfg.MaxResponseBytes,
		UserAgent:        cfg.UserAgent,
	}
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.DefaultAttempts < 1 {
		o.DefaultAttempts = 5
	}
	if o.Backoff.Base <= 0 {
		o.Backoff = domain.BackoffPolicy{Base: 5 * time.Second, Max: 10 * time.Minute}
	}
	if o.Burst < 1 {
		o.Burst = 1
	}
	if o.MaxResponseBytes <= 0 {
		o.MaxResponseBytes = 4 << 10
	}
	if o.UserAgent == "" {
		o.UserAgent = "verifyd-webhooks/1.0"
	}
}

// RegisterRequest creates a tenant webhook.
type RegisterRequest struct {
	URL           string   `json:"url" validate:"required,https_or_local_url"`
	Events        []string `json:"events"`
	RetryAttempts int      `json:"retry_attempts" validate:"omitempty,min=1,max=20"`
}

// Registration is returned once; the plain secret is never readable again.
type Registration struct {
	*domain.WebhookConfig
	Secret string `json:"secret"`
}

type Manager struct {
	repo      Repository
	sealer    Sealer
	queue     queue.Enqueuer
	bus       events.Publisher
	client    *http.Client
	validator *validator.Validator
	logger    logger.Logger
	opts      Options
	now       func() time.Time

	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
}

func NewManager(repo Repository, sealer Sealer, q queue.Enqueuer, bus events.Publisher, opts Options, log logger.Logger) *Manager {
	opts.applyDefaults()
	return &Manager{
		repo:      repo,
		sealer:    sealer,
		queue:     q,
		bus:       bus,
		client:    &http.Client{Timeout: opts.Timeout},
		validator: validator.New(),
		logger:    log.With(map[string]interface{}{"component": "webhook"}),
		opts:      opts,
		now:       time.Now,
		limiters:  make(map[uuid.UUID]*rate.Limiter),
	}
}

// SetClock replaces the time source. Used by tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Register stores a new webhook with a freshly generated signing secret.
func (m *Manager) Register(ctx context.Context, tenantID uuid.UUID, req *RegisterRequest) (*Registration, error) {
	if err := m.validator.Validate(req); err != nil {
		return nil, errors.Validation("invalid_webhook", err.Error(), errors.ErrInvalidRequest)
	}
	if m.sealer == nil {
		return nil, errors.Configuration("webhook_secret", "no key configured to seal webhook secrets", nil)
	}
	secret, err := security.NewSecret()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate webhook secret")
	}
	sealed, err := m.sealer.Encrypt(secret)
	if err != nil {
		return nil, errors.Wrap(err, "failed to seal webhook secret")
	}

	attempts := req.RetryAttempts
	if attempts == 0 {
		attempts = m.opts.DefaultAttempts
	}
	now := m.now().UTC()
	hook := &domain.WebhookConfig{
		ID:            uuid.New(),
		TenantID:      tenantID,
		URL:           req.URL,
		SealedSecret:  sealed,
		Events:        req.Events,
		RetryAttempts: attempts,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.repo.CreateWebhook(ctx, hook); err != nil {
		return nil, errors.Wrap(err, "failed to create webhook")
	}
	m.logger.Info("Webhook registered", map[string]interface{}{
		"webhook_id": hook.ID,
		"tenant_id":  tenantID,
		"events":     []string(hook.Events),
	})
	return &Registration{WebhookConfig: hook, Secret: secret}, nil
}

// Deliveries lists recent attempts for a webhook owned by tenantID.
func (m *Manager) Deliveries(ctx context.Context, tenantID, webhookID uuid.UUID, limit int) ([]*domain.WebhookDelivery, error) {
	hook, err := m.repo.GetWebhook(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	if hook.TenantID != tenantID {
		return nil, errors.ErrWebhookNotFound
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return m.repo.ListDeliveries(ctx, webhookID, limit)
}

type dispatchPayload struct {
	TenantID       uuid.UUID       `json:"tenant_id"`
	VerificationID uuid.UUID       `json:"verification_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Data           json.RawMessage `json:"data"`
}

type deliverPayload struct {
	WebhookID      uuid.UUID       `json:"webhook_id"`
	DeliveryKey    string          `json:"delivery_key"`
	VerificationID uuid.UUID       `json:"verification_id"`
	EventType      string          `json:"event_type"`
	Body           json.RawMessage `json:"body"`
}

// Body is the JSON document POSTed to tenant endpoints.
type Body struct {
	ID         string          `json:"id"`
	Event      string          `json:"event"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Schedule queues notification of eventType to every subscribed webhook of
// the tenant. Fan-out happens in the dispatch job.
func (m *Manager) Schedule(ctx context.Context, tenantID, verificationID uuid.UUID, eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to encode webhook payload")
	}
	tid, vid := tenantID, verificationID
	_, err = m.queue.Enqueue(ctx, JobDispatch, dispatchPayload{
		TenantID:       tenantID,
		VerificationID: verificationID,
		EventType:      eventType,
		OccurredAt:     m.now().UTC(),
		Data:           data,
	}, queue.EnqueueOptions{
		Attempts:       m.opts.DefaultAttempts,
		Backoff:        &m.opts.Backoff,
		TenantID:       &tid,
		VerificationID: &vid,
	})
	return err
}

// DispatchHandler fans a terminal event out to deliver jobs.
func (m *Manager) DispatchHandler() queue.Handler {
	return queue.HandlerFunc(m.dispatch)
}

func (m *Manager) dispatch(ctx context.Context, job *domain.QueuedJob) error {
	var p dispatchPayload
	if err := job.Decode(&p); err != nil {
		return queue.Permanent(errors.Wrap(err, "invalid dispatch payload"))
	}

	hooks, err := m.repo.ListActiveWebhooks(ctx, p.TenantID)
	if err != nil {
		return errors.Wrap(err, "failed to list webhooks")
	}

	for _, hook := range hooks {
		if !hook.Subscribes(p.EventType) {
			continue
		}
		// Stable across dispatch retries so receivers can drop duplicates.
		key := uuid.NewSHA1(uuid.NameSpaceURL, []byte(job.ID+"/"+hook.ID.String())).String()
		body, err := json.Marshal(Body{ID: key, Event: p.EventType, OccurredAt: p.OccurredAt, Data: p.Data})
		if err != nil {
			return queue.Permanent(err)
		}

		attempts := hook.RetryAttempts
		if attempts < 1 {
			attempts = m.opts.DefaultAttempts
		}
		vid, tid := p.VerificationID, p.TenantID
		_, err = m.queue.Enqueue(ctx, JobDeliver, deliverPayload{
			WebhookID:      hook.ID,
			DeliveryKey:    key,
			VerificationID: p.VerificationID,
			EventType:      p.EventType,
			Body:           body,
		}, queue.EnqueueOptions{
			Attempts:       attempts,
			Backoff:        &m.opts.Backoff,
			Timeout:        m.opts.Timeout + 5*time.Second,
			VerificationID: &vid,
			TenantID:       &tid,
		})
		if err != nil {
			return errors.Wrap(err, "failed to enqueue webhook delivery")
		}
	}
	return nil
}

// DeliverHandler performs one attempt per job run. Failed attempts return
// an error so the queue reschedules them with backoff.
func (m *Manager) DeliverHandler() queue.Handler {
	return &deliverHandler{m: m}
}

type deliverHandler struct {
	m *Manager
}

func (h *deliverHandler) Handle(ctx context.Context, job *domain.QueuedJob) error {
	var p deliverPayload
	if err := job.Decode(&p); err != nil {
		return queue.Permanent(errors.Wrap(err, "invalid delivery payload"))
	}
	hook, err := h.m.repo.GetWebhook(ctx, p.WebhookID)
	if errors.Is(err, errors.ErrWebhookNotFound) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}
	if !hook.IsActive {
		h.m.logger.Info("Skipping delivery to inactive webhook", map[string]interface{}{
			"webhook_id":   hook.ID,
			"delivery_key": p.DeliveryKey,
		})
		return nil
	}

	vid := p.VerificationID
	_, err = h.m.Deliver(ctx, hook, Attempt{
		DeliveryKey:    p.DeliveryKey,
		VerificationID: &vid,
		EventType:      p.EventType,
		Body:           p.Body,
		Number:         job.Attempts,
		MaxAttempts:    job.MaxAttempts,
	})
	return err
}

// Exhausted reports a delivery that ran out of attempts. The verification
// itself is never touched.
func (h *deliverHandler) Exhausted(ctx context.Context, job *domain.QueuedJob, err error) {
	var p deliverPayload
	if job.Decode(&p) != nil {
		return
	}
	h.m.logger.Error("Webhook delivery exhausted", map[string]interface{}{
		"webhook_id":      p.WebhookID,
		"verification_id": p.VerificationID,
		"event_type":      p.EventType,
		"attempts":        job.Attempts,
		"error":           err.Error(),
	})
	if h.m.bus == nil {
		return
	}
	tenantID := uuid.Nil
	if job.TenantID != nil {
		tenantID = *job.TenantID
	}
	vid := p.VerificationID
	_, perr := h.m.bus.Publish(ctx, events.ChannelWebhookDeliveryFailed, events.Event{
		Type:           events.TypeWebhookDeliveryFailed,
		TenantID:       tenantID,
		VerificationID: &vid,
		Payload: events.WebhookFailurePayload{
			WebhookID:      p.WebhookID,
			VerificationID: &vid,
			EventType:      p.EventType,
			Attempts:       job.Attempts,
			LastError:      err.Error(),
		},
	}, events.WithPriority(events.PriorityHigh))
	if perr != nil {
		h.m.logger.Error("Failed to publish webhook failure", map[string]interface{}{
			"webhook_id": p.WebhookID,
			"error":      perr.Error(),
		})
	}
}

// Attempt is one try at delivering a prepared body.
type Attempt struct {
	DeliveryKey    string
	VerificationID *uuid.UUID
	EventType      string
	Body           []byte
	Number         int
	MaxAttempts    int
}

// Deliver POSTs the signed body to the webhook and records the attempt.
// Any non-2xx response or transport failure is returned as an error.
func (m *Manager) Deliver(ctx context.Context, hook *domain.WebhookConfig, a Attempt) (*domain.WebhookDelivery, error) {
	if a.Number < 1 {
		a.Number = 1
	}
	if a.MaxAttempts < a.Number {
		a.MaxAttempts = a.Number
	}

	sentAt := m.now().UTC()
	delivery := &domain.WebhookDelivery{
		ID:             uuid.New(),
		WebhookID:      hook.ID,
		DeliveryKey:    a.DeliveryKey,
		VerificationID: a.VerificationID,
		EventType:      a.EventType,
		Payload:        json.RawMessage(a.Body),
		Attempt:        a.Number,
		MaxAttempts:    a.MaxAttempts,
		LastAttemptAt:  sentAt,
		CreatedAt:      sentAt,
	}

	code, body, sendErr := m.send(ctx, hook, a, sentAt)
	if code != 0 {
		delivery.ResponseCode = &code
	}
	if body != "" {
		delivery.ResponseBody = &body
	}

	permanent := sendErr != nil && errors.KindOf(sendErr) == errors.KindConfiguration
	switch {
	case sendErr == nil:
		delivery.Status = domain.WebhookDeliveryDelivered
		delivery.DeliveredAt = &sentAt
	case a.Number < a.MaxAttempts && !permanent:
		delivery.Status = domain.WebhookDeliveryRetrying
	default:
		delivery.Status = domain.WebhookDeliveryFailed
	}
	if sendErr != nil {
		msg := sendErr.Error()
		delivery.ErrorMessage = &msg
	}

	if err := m.repo.RecordDelivery(ctx, delivery); err != nil {
		m.logger.Error("Failed to record webhook delivery", map[string]interface{}{
			"webhook_id":   hook.ID,
			"delivery_key": a.DeliveryKey,
			"error":        err.Error(),
		})
	}

	fields := map[string]interface{}{
		"webhook_id":   hook.ID,
		"delivery_key": a.DeliveryKey,
		"event_type":   a.EventType,
		"attempt":      a.Number,
		"max_attempts": a.MaxAttempts,
		"status":       delivery.Status,
	}
	if sendErr != nil {
		fields["error"] = sendErr.Error()
		m.logger.Warn("Webhook delivery attempt failed", fields)
		if permanent {
			return delivery, queue.Permanent(sendErr)
		}
		return delivery, errors.Wrap(errors.ErrWebhookDeliveryFailed, sendErr.Error())
	}
	m.logger.Info("Webhook delivered", fields)
	return delivery, nil
}

func (m *Manager) send(ctx context.Context, hook *domain.WebhookConfig, a Attempt, sentAt time.Time) (int, string, error) {
	if err := m.limiter(hook.ID).Wait(ctx); err != nil {
		return 0, "", err
	}

	secret, err := m.secret(hook)
	if err != nil {
		return 0, "", err
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(a.Body))
	if err != nil {
		return 0, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", m.opts.UserAgent)
	req.Header.Set(HeaderEvent, a.EventType)
	req.Header.Set(HeaderDelivery, a.DeliveryKey)
	req.Header.Set(HeaderAttempt, strconv.Itoa(a.Number))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(sentAt.Unix(), 10))
	if secret != "" {
		req.Header.Set(HeaderSignature, security.SignWebhook(secret, sentAt, a.Body))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, m.opts.MaxResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, string(raw), fmt.Errorf("endpoint responded %d", resp.StatusCode)
	}
	return resp.StatusCode, string(raw), nil
}

func (m *Manager) secret(hook *domain.WebhookConfig) (string, error) {
	if hook.SealedSecret == "" {
		return "", nil
	}
	if m.sealer == nil {
		return "", errors.Configuration("webhook_secret", "no key configured to unseal webhook secrets", nil)
	}
	secret, err := m.sealer.Decrypt(hook.SealedSecret)
	if err != nil {
		return "", errors.Configuration("webhook_secret", "failed to unseal webhook secret", err)
	}
	return secret, nil
}

func (m *Manager) limiter(webhookID uuid.UUID) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[webhookID]
	if !ok {
		limit := rate.Inf
		if m.opts.RatePerSecond > 0 {
			limit = rate.Limit(m.opts.RatePerSecond)
		}
		l = rate.NewLimiter(limit, m.opts.Burst)
		m.limiters[webhookID] = l
	}
	return l
}
