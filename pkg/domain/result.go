package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type OverallStatus string

const (
	OverallStatusPassed OverallStatus = "passed"
	OverallStatusFailed OverallStatus = "failed"
)

// OverallResult is the provider's final verdict, common to every variant.
type OverallResult struct {
	Status     OverallStatus   `json:"status"`
	Confidence decimal.Decimal `json:"confidence"`
	Reasons    []string        `json:"reasons,omitempty"`
}

// CheckResult is one named check inside a variant.
type CheckResult struct {
	Name   string          `json:"name"`
	Passed bool            `json:"passed"`
	Score  decimal.Decimal `json:"score"`
	Detail string          `json:"detail,omitempty"`
}

type DocumentResult struct {
	DocumentType    string        `json:"document_type"`
	IssuingCountry  string        `json:"issuing_country,omitempty"`
	ExtractedFields Metadata      `json:"extracted_fields,omitempty"`
	Checks          []CheckResult `json:"checks,omitempty"`
}

type BiometricResult struct {
	LivenessPassed bool            `json:"liveness_passed"`
	Similarity     decimal.Decimal `json:"similarity"`
	Checks         []CheckResult   `json:"checks,omitempty"`
}

type ComprehensiveResult struct {
	Document  DocumentResult  `json:"document"`
	Biometric BiometricResult `json:"biometric"`
	// WatchlistHit is set when the provider screened the subject.
	WatchlistHit *bool `json:"watchlist_hit,omitempty"`
}

// VerificationResult is a closed union keyed by Kind: exactly the variant
// matching Kind is set. Use Visit to handle every variant.
type VerificationResult struct {
	Kind          VerificationType     `json:"kind"`
	Overall       OverallResult        `json:"overall"`
	Document      *DocumentResult      `json:"document,omitempty"`
	Biometric     *BiometricResult     `json:"biometric,omitempty"`
	Comprehensive *ComprehensiveResult `json:"comprehensive,omitempty"`
}

func NewDocumentResult(overall OverallResult, doc DocumentResult) *VerificationResult {
	return &VerificationResult{Kind: VerificationTypeDocument, Overall: overall, Document: &doc}
}

func NewBiometricResult(overall OverallResult, bio BiometricResult) *VerificationResult {
	return &VerificationResult{Kind: VerificationTypeBiometric, Overall: overall, Biometric: &bio}
}

func NewComprehensiveResult(overall OverallResult, c ComprehensiveResult) *VerificationResult {
	return &VerificationResult{Kind: VerificationTypeComprehensive, Overall: overall, Comprehensive: &c}
}

// ResultVisitor must handle every variant; adding a variant breaks all visitors at compile time.
type ResultVisitor interface {
	VisitDocument(*DocumentResult) error
	VisitBiometric(*BiometricResult) error
	VisitComprehensive(*ComprehensiveResult) error
}

func (r *VerificationResult) Visit(v ResultVisitor) error {
	if err := r.Validate(); err != nil {
		return err
	}
	switch r.Kind {
	case VerificationTypeDocument:
		return v.VisitDocument(r.Document)
	case VerificationTypeBiometric:
		return v.VisitBiometric(r.Biometric)
	default:
		return v.VisitComprehensive(r.Comprehensive)
	}
}

var ErrInvalidResult = errors.New("invalid verification result")

// Validate checks the union invariant and the overall verdict.
func (r *VerificationResult) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil result", ErrInvalidResult)
	}
	set := 0
	if r.Document != nil {
		set++
	}
	if r.Biometric != nil {
		set++
	}
	if r.Comprehensive != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: expected exactly one variant, got %d", ErrInvalidResult, set)
	}
	var ok bool
	switch r.Kind {
	case VerificationTypeDocument:
		ok = r.Document != nil
	case VerificationTypeBiometric:
		ok = r.Biometric != nil
	case VerificationTypeComprehensive:
		ok = r.Comprehensive != nil
	}
	if !ok {
		return fmt.Errorf("%w: variant does not match kind %q", ErrInvalidResult, r.Kind)
	}
	if r.Overall.Status != OverallStatusPassed && r.Overall.Status != OverallStatusFailed {
		return fmt.Errorf("%w: overall status %q", ErrInvalidResult, r.Overall.Status)
	}
	return nil
}

func (r *VerificationResult) Clone() *VerificationResult {
	if r == nil {
		return nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		c := *r
		return &c
	}
	var out VerificationResult
	if err := json.Unmarshal(b, &out); err != nil {
		c := *r
		return &c
	}
	return &out
}

func (r *VerificationResult) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

func (r *VerificationResult) Scan(value interface{}) error {
	return scanJSON(value, r)
}
