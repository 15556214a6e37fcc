package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffPolicy_Delay(t *testing.T) {
	b := BackoffPolicy{Base: 2 * time.Second, Max: 30 * time.Second}

	assert.Equal(t, 2*time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(3))
	assert.Equal(t, 16*time.Second, b.Delay(4))
	assert.Equal(t, 30*time.Second, b.Delay(5))
	assert.Equal(t, 30*time.Second, b.Delay(500))

	assert.Equal(t, time.Duration(0), BackoffPolicy{}.Delay(3))
	assert.Equal(t, 8*time.Second, BackoffPolicy{Base: time.Second}.Delay(4), "uncapped without max")
}

func TestProgress(t *testing.T) {
	tests := []struct {
		current, total, want int
	}{
		{0, 0, 0},
		{3, 0, 0},
		{0, 3, 0},
		{1, 3, 33},
		{2, 3, 67},
		{3, 3, 100},
		{5, 3, 100},
		{1, 8, 13},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Progress(tt.current, tt.total), "%d/%d", tt.current, tt.total)
	}
}

func TestProviderSession_RecomputePinsCompleted(t *testing.T) {
	s := &ProviderSession{CurrentStep: 2, TotalSteps: 4, Status: SessionStatusInProgress}
	s.Recompute()
	assert.Equal(t, 50, s.ProgressPercentage)

	s.Status = SessionStatusCompleted
	s.Recompute()
	assert.Equal(t, 100, s.ProgressPercentage)
}

func TestStatusChange_ApplyMaintainsInvariants(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	result := NewDocumentResult(OverallResult{Status: OverallStatusPassed, Confidence: decimal.NewFromFloat(0.97)}, DocumentResult{DocumentType: "passport"})

	v := &Verification{Status: VerificationStatusPending}
	StatusChange{To: VerificationStatusInProgress, At: now}.Apply(v)
	assert.Nil(t, v.CompletedAt)

	StatusChange{To: VerificationStatusCompleted, Result: result, ErrorDetails: &ErrorDetails{Code: "x"}, At: now}.Apply(v)
	require.NotNil(t, v.CompletedAt)
	assert.Equal(t, now, *v.CompletedAt)
	assert.NotNil(t, v.Result)
	assert.Nil(t, v.ErrorDetails, "error details only accompany failed")

	f := &Verification{Status: VerificationStatusInProgress}
	StatusChange{To: VerificationStatusFailed, Result: result, ErrorDetails: &ErrorDetails{Code: "provider_error"}, At: now}.Apply(f)
	assert.Nil(t, f.Result)
	assert.Equal(t, "provider_error", f.ErrorDetails.Code)

	e := &Verification{Status: VerificationStatusPending}
	StatusChange{To: VerificationStatusExpired, At: now}.Apply(e)
	assert.NotNil(t, e.CompletedAt)
	assert.Nil(t, e.Result)
	assert.Nil(t, e.ErrorDetails)
}

func TestVerification_IsExpiredAt(t *testing.T) {
	now := time.Now()
	v := &Verification{Status: VerificationStatusInProgress, ExpiresAt: now.Add(-time.Second)}
	assert.True(t, v.IsExpiredAt(now))

	v.Status = VerificationStatusCompleted
	assert.False(t, v.IsExpiredAt(now), "terminal verifications never expire")

	v.Status = VerificationStatusPending
	v.ExpiresAt = now.Add(time.Hour)
	assert.False(t, v.IsExpiredAt(now))
}

func TestVerificationStatus_Terminal(t *testing.T) {
	for _, s := range []VerificationStatus{VerificationStatusCompleted, VerificationStatusFailed, VerificationStatusExpired, VerificationStatusCancelled} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range ActiveStatuses {
		assert.False(t, s.IsTerminal(), s)
	}
	assert.False(t, VerificationStatus("archived").Valid())
}

type countingVisitor struct {
	doc, bio, comp int
}

func (c *countingVisitor) VisitDocument(*DocumentResult) error           { c.doc++; return nil }
func (c *countingVisitor) VisitBiometric(*BiometricResult) error         { c.bio++; return nil }
func (c *countingVisitor) VisitComprehensive(*ComprehensiveResult) error { c.comp++; return nil }

func TestVerificationResult_VisitAndValidate(t *testing.T) {
	overall := OverallResult{Status: OverallStatusPassed, Confidence: decimal.NewFromFloat(0.9)}
	v := &countingVisitor{}

	require.NoError(t, NewDocumentResult(overall, DocumentResult{}).Visit(v))
	require.NoError(t, NewBiometricResult(overall, BiometricResult{LivenessPassed: true}).Visit(v))
	require.NoError(t, NewComprehensiveResult(overall, ComprehensiveResult{}).Visit(v))
	assert.Equal(t, countingVisitor{1, 1, 1}, *v)

	mismatched := &VerificationResult{Kind: VerificationTypeBiometric, Overall: overall, Document: &DocumentResult{}}
	assert.ErrorIs(t, mismatched.Validate(), ErrInvalidResult)

	two := NewDocumentResult(overall, DocumentResult{})
	two.Biometric = &BiometricResult{}
	assert.ErrorIs(t, two.Validate(), ErrInvalidResult)

	noVerdict := NewDocumentResult(OverallResult{Status: "maybe"}, DocumentResult{})
	assert.ErrorIs(t, noVerdict.Validate(), ErrInvalidResult)

	var nilResult *VerificationResult
	assert.ErrorIs(t, nilResult.Validate(), ErrInvalidResult)
}

func TestVerificationResult_ScanValue(t *testing.T) {
	r := NewBiometricResult(
		OverallResult{Status: OverallStatusFailed, Confidence: decimal.RequireFromString("0.41"), Reasons: []string{"liveness"}},
		BiometricResult{Similarity: decimal.RequireFromString("0.52")},
	)
	raw, err := r.Value()
	require.NoError(t, err)

	var back VerificationResult
	require.NoError(t, back.Scan(raw))
	assert.Equal(t, VerificationTypeBiometric, back.Kind)
	assert.True(t, back.Biometric.Similarity.Equal(decimal.RequireFromString("0.52")))
	assert.Equal(t, []string{"liveness"}, back.Overall.Reasons)
}

func TestPagination_Normalize(t *testing.T) {
	p := Pagination{}.Normalize()
	assert.Equal(t, Pagination{Page: 1, PageSize: DefaultPageSize}, p)
	assert.Equal(t, 0, p.Offset())

	p = Pagination{Page: 3, PageSize: 1000}.Normalize()
	assert.Equal(t, MaxPageSize, p.PageSize)
	assert.Equal(t, 200, p.Offset())
}

func TestWebhookDelivery_CanRetry(t *testing.T) {
	d := &WebhookDelivery{Attempt: 1, MaxAttempts: 3, Status: WebhookDeliveryRetrying}
	assert.True(t, d.CanRetry())

	d.Attempt = 3
	assert.False(t, d.CanRetry())

	d.Attempt = 1
	d.Status = WebhookDeliveryDelivered
	assert.False(t, d.CanRetry())
}

func TestWebhookConfig_Subscribes(t *testing.T) {
	all := &WebhookConfig{}
	assert.True(t, all.Subscribes("verification.completed"))

	some := &WebhookConfig{Events: []string{"verification.failed"}}
	assert.True(t, some.Subscribes("verification.failed"))
	assert.False(t, some.Subscribes("verification.completed"))
}

func TestQueuedJob_CloneIsDeep(t *testing.T) {
	now := time.Now()
	j := &QueuedJob{ID: "j", Payload: json.RawMessage(`{"a":1}`), LeaseExpiresAt: &now}
	c := j.Clone()
	c.Payload[2] = 'b'
	*c.LeaseExpiresAt = now.Add(time.Hour)

	assert.JSONEq(t, `{"a":1}`, string(j.Payload))
	assert.Equal(t, now, *j.LeaseExpiresAt)
}

func TestStepProgress_NameFor(t *testing.T) {
	p := StepProgress{CurrentStep: 2, StepName: "selfie", StepNames: []string{"document", "selfie", "review"}}
	assert.Equal(t, "review", p.NameFor(3))

	p.StepNames = nil
	assert.Equal(t, "selfie", p.NameFor(2))
	assert.Equal(t, "", p.NameFor(1))
}
