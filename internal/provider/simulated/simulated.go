// Package simulated provides in-process providers for local development and
// end-to-end tests. The "simulate" payload key steers the outcome:
// "reject" yields a failed verdict, "error" a provider error and
// "fail_step" fails the second step of a session.
package simulated

import (
	"context"
	"fmt"
	"sync"
	"time"

	"verifyd/internal/provider"
	"verifyd/pkg/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DocumentName = "simulated-document"
	SessionName  = "simulated-session"
)

func outcome(payload domain.Metadata) string {
	if payload == nil {
		return ""
	}
	s, _ := payload["simulate"].(string)
	return s
}

func overall(reject bool) domain.OverallResult {
	if reject {
		return domain.OverallResult{
			Status:     domain.OverallStatusFailed,
			Confidence: decimal.RequireFromString("0.31"),
			Reasons:    []string{"document_tampered"},
		}
	}
	return domain.OverallResult{Status: domain.OverallStatusPassed, Confidence: decimal.RequireFromString("0.97")}
}

// DocumentAdapter answers synchronously.
type DocumentAdapter struct {
	mu      sync.Mutex
	results map[string]*provider.Response
}

func NewDocumentAdapter() *DocumentAdapter {
	return &DocumentAdapter{results: make(map[string]*provider.Response)}
}

func (a *DocumentAdapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		ProcessingMode:         domain.ProcessingModeDirect,
		VerificationTypes:      []domain.VerificationType{domain.VerificationTypeDocument},
		SupportedDocumentTypes: []string{"passport", "national_id", "drivers_license"},
		MaxFileSize:            10 << 20,
	}
}

func (a *DocumentAdapter) Name() string { return DocumentName }

func (a *DocumentAdapter) Initialize(ctx context.Context, tenantID uuid.UUID, creds provider.Credentials, settings domain.Metadata) error {
	return nil
}

func (a *DocumentAdapter) CreateVerification(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := "doc_" + uuid.NewString()
	var resp *provider.Response
	switch outcome(req.Payload) {
	case "error":
		return nil, &provider.Error{Code: "document_unreadable", Message: "document image could not be processed", StatusCode: 422}
	case "unavailable":
		return nil, &provider.Error{Code: "service_unavailable", Message: "provider temporarily unavailable", StatusCode: 503, Temporary: true}
	default:
		docType, _ := req.Payload["document_type"].(string)
		if docType == "" {
			docType = "passport"
		}
		resp = &provider.Response{
			ProviderVerificationID: id,
			Status:                 domain.VerificationStatusCompleted,
			Result: domain.NewDocumentResult(overall(outcome(req.Payload) == "reject"), domain.DocumentResult{
				DocumentType:   docType,
				IssuingCountry: "ZZ",
			}),
		}
	}

	a.mu.Lock()
	a.results[id] = resp
	a.mu.Unlock()
	return resp, nil
}

func (a *DocumentAdapter) GetStatus(ctx context.Context, tenantID uuid.UUID, id string) (*provider.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	resp, ok := a.results[id]
	if !ok {
		return nil, &provider.Error{Code: "not_found", Message: fmt.Sprintf("verification %s not found", id), StatusCode: 404}
	}
	return resp, nil
}

func (a *DocumentAdapter) Cancel(ctx context.Context, tenantID uuid.UUID, id string) (bool, error) {
	return false, nil
}

func (a *DocumentAdapter) HealthCheck(ctx context.Context) provider.HealthStatus {
	return provider.HealthStatus{IsHealthy: true, LatencyMs: 1}
}

type session struct {
	id        string
	vtype     domain.VerificationType
	startedAt time.Time
	failStep  int
	reject    bool
	cancelled bool
}

// SessionAdapter simulates a provider that walks the end user through
// several steps behind a hosted link. One step finishes per StepDuration.
type SessionAdapter struct {
	Steps        []string
	StepDuration time.Duration
	LinkBase     string
	TTL          time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	now      func() time.Time
}

func NewSessionAdapter(stepDuration time.Duration) *SessionAdapter {
	return &SessionAdapter{
		Steps:        []string{"document_capture", "selfie", "liveness", "review"},
		StepDuration: stepDuration,
		LinkBase:     "https://verify.local/session/",
		TTL:          24 * time.Hour,
		sessions:     make(map[string]*session),
		now:          time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (a *SessionAdapter) SetClock(now func() time.Time) { a.now = now }

func (a *SessionAdapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		ProcessingMode:  domain.ProcessingModeMultiStepAsync,
		CancelSupported: true,
	}
}

func (a *SessionAdapter) Name() string { return SessionName }

func (a *SessionAdapter) Initialize(ctx context.Context, tenantID uuid.UUID, creds provider.Credentials, settings domain.Metadata) error {
	return nil
}

func (a *SessionAdapter) CreateVerification(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if outcome(req.Payload) == "unavailable" {
		return nil, &provider.Error{Code: "service_unavailable", Message: "provider temporarily unavailable", StatusCode: 503, Temporary: true}
	}

	s := &session{
		id:        "ses_" + uuid.NewString(),
		vtype:     req.Type,
		startedAt: a.now(),
		reject:    outcome(req.Payload) == "reject",
	}
	if outcome(req.Payload) == "fail_step" {
		s.failStep = 2
	}

	a.mu.Lock()
	a.sessions[s.id] = s
	a.mu.Unlock()

	link := a.LinkBase + s.id
	expires := s.startedAt.Add(a.TTL)
	return &provider.Response{
		ProviderVerificationID: s.id,
		Status:                 domain.VerificationStatusPending,
		VerificationLink:       &link,
		ExpiresAt:              &expires,
		Progress: &domain.StepProgress{
			ProviderSessionID: s.id,
			TotalSteps:        len(a.Steps),
			StepNames:         a.Steps,
		},
	}, nil
}

func (a *SessionAdapter) GetStatus(ctx context.Context, tenantID uuid.UUID, id string) (*provider.Response, error) {
	a.mu.Lock()
	s, ok := a.sessions[id]
	a.mu.Unlock()
	if !ok {
		return nil, &provider.Error{Code: "not_found", Message: fmt.Sprintf("session %s not found", id), StatusCode: 404}
	}
	if s.cancelled {
		return &provider.Response{ProviderVerificationID: id, Status: domain.VerificationStatusCancelled}, nil
	}

	total := len(a.Steps)
	done := total
	if a.StepDuration > 0 {
		done = int(a.now().Sub(s.startedAt) / a.StepDuration)
	}
	if done > total {
		done = total
	}

	progress := &domain.StepProgress{
		ProviderSessionID: id,
		TotalSteps:        total,
		CompletedSteps:    done,
		StepNames:         a.Steps,
	}
	resp := &provider.Response{ProviderVerificationID: id, Progress: progress}

	if s.failStep > 0 && done >= s.failStep-1 {
		progress.CompletedSteps = s.failStep - 1
		progress.CurrentStep = s.failStep
		progress.FailedStep = s.failStep
		progress.FailureReason = "liveness check could not be completed"
		resp.Status = domain.VerificationStatusFailed
		resp.Error = &provider.Error{Code: "step_failed", Message: progress.FailureReason}
		return resp, nil
	}

	if done < total {
		progress.CurrentStep = done + 1
		progress.StepName = a.Steps[done]
		resp.Status = domain.VerificationStatusInProgress
		if done == 0 {
			resp.Status = domain.VerificationStatusPending
		}
		return resp, nil
	}

	progress.CurrentStep = total
	resp.Status = domain.VerificationStatusCompleted
	resp.Result = a.result(s)
	return resp, nil
}

func (a *SessionAdapter) result(s *session) *domain.VerificationResult {
	verdict := overall(s.reject)
	bio := domain.BiometricResult{
		LivenessPassed: !s.reject,
		Similarity:     decimal.RequireFromString("0.93"),
	}
	doc := domain.DocumentResult{DocumentType: "passport"}
	switch s.vtype {
	case domain.VerificationTypeDocument:
		return domain.NewDocumentResult(verdict, doc)
	case domain.VerificationTypeBiometric:
		return domain.NewBiometricResult(verdict, bio)
	default:
		return domain.NewComprehensiveResult(verdict, domain.ComprehensiveResult{Document: doc, Biometric: bio})
	}
}

func (a *SessionAdapter) Cancel(ctx context.Context, tenantID uuid.UUID, id string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		return false, &provider.Error{Code: "not_found", Message: fmt.Sprintf("session %s not found", id), StatusCode: 404}
	}
	if a.StepDuration <= 0 || int(a.now().Sub(s.startedAt)/a.StepDuration) >= len(a.Steps) {
		return false, nil
	}
	s.cancelled = true
	return true, nil
}

func (a *SessionAdapter) HealthCheck(ctx context.Context) provider.HealthStatus {
	return provider.HealthStatus{IsHealthy: true, LatencyMs: 1}
}
