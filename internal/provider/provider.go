// Package provider defines the contract external verification providers are
// driven through, and the registry that resolves one for a tenant.
package provider

import (
	"context"
	"fmt"
	"time"

	"verifyd/pkg/domain"

	"github.com/google/uuid"
)

// Adapter is one external verification provider. A single adapter value
// serves every tenant; Initialize is called with each tenant's credentials
// before that tenant's first request.
type Adapter interface {
	Name() string
	Initialize(ctx context.Context, tenantID uuid.UUID, creds Credentials, settings domain.Metadata) error
	CreateVerification(ctx context.Context, req *Request) (*Response, error)
	GetStatus(ctx context.Context, tenantID uuid.UUID, providerVerificationID string) (*Response, error)
	// Cancel returns false when the provider considers cancellation
	// inapplicable, e.g. the check already finished.
	Cancel(ctx context.Context, tenantID uuid.UUID, providerVerificationID string) (bool, error)
	HealthCheck(ctx context.Context) HealthStatus
}

// Credentials are the unsealed provider credentials of a tenant.
type Credentials map[string]string

// Capabilities describe how the core drives an adapter.
type Capabilities struct {
	ProcessingMode         domain.ProcessingMode
	VerificationTypes      []domain.VerificationType
	SupportedDocumentTypes []string
	MaxFileSize            int64
	// CancelSupported is false for providers with no cancel endpoint.
	CancelSupported bool
}

// Inline reports whether the adapter answers synchronously so the
// verification can be executed within the create call.
func (c Capabilities) Inline() bool {
	return c.ProcessingMode == domain.ProcessingModeDirect
}

func (c Capabilities) Supports(t domain.VerificationType) bool {
	if len(c.VerificationTypes) == 0 {
		return true
	}
	for _, vt := range c.VerificationTypes {
		if vt == t {
			return true
		}
	}
	return false
}

type Request struct {
	VerificationID uuid.UUID
	TenantID       uuid.UUID
	AccountID      *uuid.UUID
	Type           domain.VerificationType
	Payload        domain.Metadata
	CallbackURL    *string
	ExpiresAt      time.Time
}

// Response is what an adapter reports for a verification. Status is
// pending or in_progress while the provider is still working.
type Response struct {
	ProviderVerificationID string
	Status                 domain.VerificationStatus
	Result                 *domain.VerificationResult
	Error                  *Error
	VerificationLink       *string
	ExpiresAt              *time.Time
	Progress               *domain.StepProgress
}

// Error is a provider-reported failure. Temporary errors are retried.
type Error struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	StatusCode int                    `json:"status_code,omitempty"`
	Temporary  bool                   `json:"temporary"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider error %s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
}

type HealthStatus struct {
	IsHealthy bool   `json:"is_healthy"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}
