package domain

import (
	"database/sql/driver"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionStatusPending    SessionStatus = "pending"
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusFailed     SessionStatus = "failed"
	SessionStatusCancelled  SessionStatus = "cancelled"
)

func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed || s == SessionStatusCancelled
}

type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
)

func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// StepRecord is one entry of the session step log. Index is 1-based.
type StepRecord struct {
	Index       int        `json:"index"`
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      Metadata   `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// StepLog is the ordered step log, stored as JSONB.
type StepLog []StepRecord

func (l StepLog) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func (l *StepLog) Scan(value interface{}) error {
	return scanJSON(value, l)
}

// Find returns the record for index, or nil.
func (l StepLog) Find(index int) *StepRecord {
	for i := range l {
		if l[i].Index == index {
			return &l[i]
		}
	}
	return nil
}

// ProviderSession tracks a multi-step provider workflow attached 1:1 to a verification.
type ProviderSession struct {
	ID                 uuid.UUID     `json:"id" db:"id"`
	VerificationID     uuid.UUID     `json:"verification_id" db:"verification_id"`
	TenantID           uuid.UUID     `json:"tenant_id" db:"tenant_id"`
	ProviderSessionID  string        `json:"provider_session_id" db:"provider_session_id"`
	CurrentStep        int           `json:"current_step" db:"current_step"`
	TotalSteps         int           `json:"total_steps" db:"total_steps"`
	ProgressPercentage int           `json:"progress_percentage" db:"progress_percentage"`
	Steps              StepLog       `json:"steps" db:"steps"`
	Status             SessionStatus `json:"status" db:"status"`
	Version            int           `json:"-" db:"version"`
	CreatedAt          time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at" db:"updated_at"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
}

// Progress returns round(currentStep/totalSteps*100), 0 when totalSteps is 0.
func Progress(currentStep, totalSteps int) int {
	if totalSteps <= 0 {
		return 0
	}
	p := int(math.Round(float64(currentStep) * 100 / float64(totalSteps)))
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}

// Recompute derives ProgressPercentage from the step counters. A completed
// session is pinned at 100.
func (s *ProviderSession) Recompute() {
	if s.Status == SessionStatusCompleted {
		s.ProgressPercentage = 100
		return
	}
	s.ProgressPercentage = Progress(s.CurrentStep, s.TotalSteps)
}

func (s *ProviderSession) Clone() *ProviderSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Steps = make(StepLog, len(s.Steps))
	copy(c.Steps, s.Steps)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// StepProgress is the step-level progress an adapter reports for a multi-step session.
type StepProgress struct {
	ProviderSessionID string   `json:"provider_session_id,omitempty"`
	CurrentStep       int      `json:"current_step"`
	TotalSteps        int      `json:"total_steps"`
	StepName          string   `json:"step_name,omitempty"`
	StepNames         []string `json:"step_names,omitempty"`
	// CompletedSteps is the highest step index the provider finished.
	CompletedSteps int    `json:"completed_steps"`
	FailedStep     int    `json:"failed_step,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
}

// NameFor returns the provider's name for step index, if known.
func (p StepProgress) NameFor(index int) string {
	if index >= 1 && index <= len(p.StepNames) {
		return p.StepNames[index-1]
	}
	if index == p.CurrentStep {
		return p.StepName
	}
	return ""
}
