package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// JobPriority selects a waiting list. The zero value is normal.
type JobPriority int

const (
	JobPriorityNormal JobPriority = 0
	JobPriorityHigh   JobPriority = 1
	JobPriorityLow    JobPriority = 2
)

func (p JobPriority) Valid() bool {
	return p >= JobPriorityNormal && p <= JobPriorityLow
}

// Priorities lists priority classes in claim order.
var Priorities = []JobPriority{JobPriorityHigh, JobPriorityNormal, JobPriorityLow}

// BackoffPolicy is exponential: Base * 2^(attempt-1), capped at Max.
type BackoffPolicy struct {
	Base time.Duration `json:"base"`
	Max  time.Duration `json:"max"`
}

// Delay returns the wait before the retry that follows the given failed attempt (1-based).
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// QueuedJob is a unit of deferred work.
type QueuedJob struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	VerificationID *uuid.UUID      `json:"verification_id,omitempty"`
	TenantID       *uuid.UUID      `json:"tenant_id,omitempty"`
	ProviderName   string          `json:"provider_name,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Priority       JobPriority     `json:"priority"`
	State          JobState        `json:"state"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	Backoff        BackoffPolicy   `json:"backoff"`
	Timeout        time.Duration   `json:"timeout"`
	StallCount     int             `json:"stall_count"`
	LeaseToken     string          `json:"lease_token,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	AvailableAt    time.Time       `json:"available_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	Seq            int64           `json:"seq"`
}

// CanRetry reports whether another attempt is allowed after the current one fails.
func (j *QueuedJob) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

func (j *QueuedJob) Decode(dst interface{}) error {
	return json.Unmarshal(j.Payload, dst)
}

func (j *QueuedJob) Clone() *QueuedJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.VerificationID != nil {
		id := *j.VerificationID
		c.VerificationID = &id
	}
	if j.TenantID != nil {
		id := *j.TenantID
		c.TenantID = &id
	}
	return &c
}
