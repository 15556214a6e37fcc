package domain

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// VerificationType is what is being verified.
type VerificationType string

const (
	VerificationTypeDocument      VerificationType = "document"
	VerificationTypeBiometric     VerificationType = "biometric"
	VerificationTypeComprehensive VerificationType = "comprehensive"
)

func (t VerificationType) Valid() bool {
	switch t {
	case VerificationTypeDocument, VerificationTypeBiometric, VerificationTypeComprehensive:
		return true
	}
	return false
}

// ProcessingMode describes how the provider interacts with the end user.
type ProcessingMode string

const (
	ProcessingModeDirect         ProcessingMode = "direct"
	ProcessingModeExternalLink   ProcessingMode = "external_link"
	ProcessingModeMultiStepAsync ProcessingMode = "multi_step_async"
)

type VerificationStatus string

const (
	VerificationStatusPending    VerificationStatus = "pending"
	VerificationStatusInProgress VerificationStatus = "in_progress"
	VerificationStatusCompleted  VerificationStatus = "completed"
	VerificationStatusFailed     VerificationStatus = "failed"
	VerificationStatusExpired    VerificationStatus = "expired"
	VerificationStatusCancelled  VerificationStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s VerificationStatus) IsTerminal() bool {
	switch s {
	case VerificationStatusCompleted, VerificationStatusFailed, VerificationStatusExpired, VerificationStatusCancelled:
		return true
	}
	return false
}

func (s VerificationStatus) Valid() bool {
	return s == VerificationStatusPending || s == VerificationStatusInProgress || s.IsTerminal()
}

// ActiveStatuses are the only source states of any transition.
var ActiveStatuses = []VerificationStatus{VerificationStatusPending, VerificationStatusInProgress}

// ErrorDetails is the normalized failure payload stored on a failed verification.
type ErrorDetails struct {
	Code      string   `json:"code"`
	Message   string   `json:"message"`
	Details   Metadata `json:"details,omitempty"`
	Retryable bool     `json:"retryable"`
}

func (e *ErrorDetails) Value() (driver.Value, error) {
	if e == nil {
		return nil, nil
	}
	return json.Marshal(e)
}

func (e *ErrorDetails) Scan(value interface{}) error {
	return scanJSON(value, e)
}

// Verification is the aggregate root of the orchestration core.
type Verification struct {
	ID                     uuid.UUID           `json:"id" db:"id"`
	TenantID               uuid.UUID           `json:"tenant_id" db:"tenant_id"`
	AccountID              *uuid.UUID          `json:"account_id,omitempty" db:"account_id"`
	ProviderName           string              `json:"provider_name" db:"provider_name"`
	ProviderVerificationID *string             `json:"provider_verification_id,omitempty" db:"provider_verification_id"`
	Type                   VerificationType    `json:"type" db:"verification_type"`
	Mode                   ProcessingMode      `json:"processing_mode" db:"processing_mode"`
	Status                 VerificationStatus  `json:"status" db:"status"`
	Result                 *VerificationResult `json:"result,omitempty" db:"result"`
	ErrorDetails           *ErrorDetails       `json:"error_details,omitempty" db:"error_details"`
	VerificationLink       *string             `json:"verification_link,omitempty" db:"verification_link"`
	CallbackURL            *string             `json:"callback_url,omitempty" db:"callback_url"`
	ProviderPayload        Metadata            `json:"-" db:"provider_payload"`
	ExpiresAt              time.Time           `json:"expires_at" db:"expires_at"`
	CreatedAt              time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time           `json:"updated_at" db:"updated_at"`
	CompletedAt            *time.Time          `json:"completed_at,omitempty" db:"completed_at"`
}

// IsExpiredAt reports whether a non-terminal verification has outlived its window.
func (v *Verification) IsExpiredAt(now time.Time) bool {
	return !v.Status.IsTerminal() && now.After(v.ExpiresAt)
}

// Clone returns a deep-enough copy for in-memory stores and event snapshots.
func (v *Verification) Clone() *Verification {
	if v == nil {
		return nil
	}
	c := *v
	if v.AccountID != nil {
		id := *v.AccountID
		c.AccountID = &id
	}
	if v.ProviderVerificationID != nil {
		s := *v.ProviderVerificationID
		c.ProviderVerificationID = &s
	}
	if v.VerificationLink != nil {
		s := *v.VerificationLink
		c.VerificationLink = &s
	}
	if v.CallbackURL != nil {
		s := *v.CallbackURL
		c.CallbackURL = &s
	}
	if v.CompletedAt != nil {
		t := *v.CompletedAt
		c.CompletedAt = &t
	}
	if v.Result != nil {
		c.Result = v.Result.Clone()
	}
	if v.ErrorDetails != nil {
		e := *v.ErrorDetails
		c.ErrorDetails = &e
	}
	return &c
}

// StatusChange is one conditional transition applied by a repository.
type StatusChange struct {
	To           VerificationStatus
	Result       *VerificationResult
	ErrorDetails *ErrorDetails
	At           time.Time
}

// Apply mutates v to reflect the change, maintaining the completedAt,
// result and errorDetails invariants.
func (c StatusChange) Apply(v *Verification) {
	v.Status = c.To
	v.UpdatedAt = c.At
	v.Result = nil
	v.ErrorDetails = nil
	v.CompletedAt = nil
	if c.To.IsTerminal() {
		at := c.At
		v.CompletedAt = &at
	}
	switch c.To {
	case VerificationStatusCompleted:
		v.Result = c.Result
	case VerificationStatusFailed:
		v.ErrorDetails = c.ErrorDetails
	}
}

// ProviderState is the provider-assigned part of a verification.
type ProviderState struct {
	ProviderVerificationID *string
	VerificationLink       *string
	ExpiresAt              *time.Time
}

// CreateVerificationRequest is what a tenant submits.
type CreateVerificationRequest struct {
	TenantID        uuid.UUID        `json:"-" validate:"required"`
	AccountID       *uuid.UUID       `json:"account_id,omitempty"`
	Type            VerificationType `json:"type" validate:"required,verification_type"`
	ProviderPayload Metadata         `json:"provider_payload,omitempty"`
	CallbackURL     *string          `json:"callback_url,omitempty" validate:"omitempty,https_or_local_url"`
	ExpiresIn       *time.Duration   `json:"-"`
}

// VerificationHandle is returned from create.
type VerificationHandle struct {
	ID                     uuid.UUID          `json:"id"`
	Status                 VerificationStatus `json:"status"`
	ProviderVerificationID *string            `json:"provider_verification_id,omitempty"`
	VerificationLink       *string            `json:"verification_link,omitempty"`
	ExpiresAt              time.Time          `json:"expires_at"`
}

func (v *Verification) Handle() *VerificationHandle {
	return &VerificationHandle{
		ID:                     v.ID,
		Status:                 v.Status,
		ProviderVerificationID: v.ProviderVerificationID,
		VerificationLink:       v.VerificationLink,
		ExpiresAt:              v.ExpiresAt,
	}
}

// VerificationView is a verification together with its provider session.
type VerificationView struct {
	*Verification
	Session *ProviderSession `json:"session,omitempty"`
}

type VerificationFilter struct {
	Status        []VerificationStatus
	Type          *VerificationType
	AccountID     *uuid.UUID
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

type Pagination struct {
	Page     int
	PageSize int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Normalize clamps page values into a usable range.
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PageSize
}

type VerificationPage struct {
	Items    []*Verification `json:"items"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}
