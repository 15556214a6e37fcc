package events

import (
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Channels published by the orchestration core.
const (
	ChannelVerificationCreated    = "verification:created"
	ChannelVerificationInProgress = "verification:in_progress"
	ChannelVerificationCompleted  = "verification:completed"
	ChannelVerificationFailed     = "verification:failed"
	ChannelVerificationExpired    = "verification:expired"
	ChannelVerificationCancelled  = "verification:cancelled"

	ChannelStepStarted   = "verification:step:started"
	ChannelStepCompleted = "verification:step:completed"
	ChannelStepFailed    = "verification:step:failed"
	ChannelProgress      = "verification:progress"

	ChannelSessionCompleted = "verification:session:completed"
	ChannelSessionFailed    = "verification:session:failed"

	ChannelWebhookDeliveryFailed = "webhook:delivery_failed"
)

// Event types carried in the envelope and in webhook payloads.
const (
	TypeVerificationCreated    = "verification.created"
	TypeVerificationInProgress = "verification.in_progress"
	TypeVerificationCompleted  = "verification.completed"
	TypeVerificationFailed     = "verification.failed"
	TypeVerificationExpired    = "verification.expired"
	TypeVerificationCancelled  = "verification.cancelled"

	TypeStepStarted   = "verification.step.started"
	TypeStepCompleted = "verification.step.completed"
	TypeStepFailed    = "verification.step.failed"
	TypeProgress      = "verification.progress"

	TypeSessionCompleted = "verification.session.completed"
	TypeSessionFailed    = "verification.session.failed"

	TypeWebhookDeliveryFailed = "webhook.delivery_failed"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Event is what publishers hand to the bus.
type Event struct {
	Type           string
	TenantID       uuid.UUID
	VerificationID *uuid.UUID
	Payload        interface{}
}

// Envelope is the delivered form of an event.
type Envelope struct {
	ID             string          `json:"event_id"`
	Channel        string          `json:"channel"`
	Type           string          `json:"event_type"`
	Timestamp      time.Time       `json:"timestamp"`
	TenantID       uuid.UUID       `json:"tenant_id"`
	VerificationID *uuid.UUID      `json:"verification_id,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	Priority       Priority        `json:"priority"`
	Retryable      bool            `json:"retryable"`
	TTL            time.Duration   `json:"ttl,omitempty"`
	Origin         string          `json:"origin"`
	Payload        json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into dst.
func (e *Envelope) Decode(dst interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}

// Expired reports whether a TTL-bound envelope is stale at now.
func (e *Envelope) Expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.Timestamp.Add(e.TTL))
}

// Option adjusts envelope metadata at publish time.
type Option func(*Envelope)

func WithPriority(p Priority) Option {
	return func(e *Envelope) { e.Priority = p }
}

func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

func WithRetryable(retryable bool) Option {
	return func(e *Envelope) { e.Retryable = retryable }
}

func WithTTL(ttl time.Duration) Option {
	return func(e *Envelope) { e.TTL = ttl }
}

// newEventID returns a time-sortable id.
func newEventID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// Payload shapes published by the core. Subscribers decode into these.

type VerificationPayload struct {
	VerificationID   uuid.UUID       `json:"verification_id"`
	TenantID         uuid.UUID       `json:"tenant_id"`
	AccountID        *uuid.UUID      `json:"account_id,omitempty"`
	ProviderName     string          `json:"provider_name"`
	Type             string          `json:"verification_type"`
	Status           string          `json:"status"`
	PreviousStatus   string          `json:"previous_status,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            json.RawMessage `json:"error,omitempty"`
	VerificationLink *string         `json:"verification_link,omitempty"`
	ExpiresAt        time.Time       `json:"expires_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

type StepPayload struct {
	VerificationID uuid.UUID              `json:"verification_id"`
	SessionID      uuid.UUID              `json:"session_id"`
	StepIndex      int                    `json:"step_index"`
	StepName       string                 `json:"step_name,omitempty"`
	TotalSteps     int                    `json:"total_steps"`
	Result         map[string]interface{} `json:"result,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

type ProgressPayload struct {
	VerificationID     uuid.UUID `json:"verification_id"`
	SessionID          uuid.UUID `json:"session_id"`
	CurrentStep        int       `json:"current_step"`
	TotalSteps         int       `json:"total_steps"`
	ProgressPercentage int       `json:"progress_percentage"`
}

type SessionPayload struct {
	VerificationID uuid.UUID       `json:"verification_id"`
	SessionID      uuid.UUID       `json:"session_id"`
	Status         string          `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          json.RawMessage `json:"error,omitempty"`
}

type WebhookFailurePayload struct {
	WebhookID      uuid.UUID  `json:"webhook_id"`
	VerificationID *uuid.UUID `json:"verification_id,omitempty"`
	EventType      string     `json:"event_type"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error"`
}
