// Package errors provides common, reusable error values and helpers.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors
var (
	// Tenant / account errors
	ErrTenantNotFound     = errors.New("tenant not found")
	ErrTenantInactive     = errors.New("tenant is inactive")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountNotInTenant = errors.New("account does not belong to tenant")

	// Provider errors
	ErrProviderNotConfigured    = errors.New("no enabled provider configured for tenant")
	ErrProviderNotRegistered    = errors.New("provider adapter not registered")
	ErrProviderCredentials      = errors.New("provider credentials missing")
	ErrUnsupportedVerification  = errors.New("verification type not supported by provider")
	ErrProviderResponseInvalid  = errors.New("provider returned an invalid response")
	ErrProviderCancelNotAllowed = errors.New("provider does not allow cancellation")

	// Verification errors
	ErrVerificationNotFound = errors.New("verification not found")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrResultKindMismatch   = errors.New("result kind does not match verification type")
	ErrInvalidRequest       = errors.New("invalid verification request")

	// Session errors
	ErrSessionNotFound  = errors.New("provider session not found")
	ErrSessionExists    = errors.New("provider session already attached")
	ErrSessionClosed    = errors.New("provider session is closed")
	ErrStepOutOfRange   = errors.New("step index out of range")
	ErrStepRegression   = errors.New("step index cannot move backwards")
	ErrConcurrentUpdate = errors.New("concurrent update detected")

	// Queue errors
	ErrJobNotFound  = errors.New("job not found")
	ErrLeaseLost    = errors.New("job lease lost")
	ErrNoHandler    = errors.New("no handler registered for job type")
	ErrQueueStopped = errors.New("queue is stopped")

	// Webhook errors
	ErrWebhookNotFound       = errors.New("webhook not found")
	ErrWebhookDeliveryFailed = errors.New("webhook delivery failed")

	// Request errors
	ErrDuplicateRequest = errors.New("duplicate request in progress")
)

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is and As re-export the standard helpers so callers only import one errors package.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }

func New(text string) error { return errors.New(text) }

// Kind classifies an error for propagation policy and API mapping.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindProvider      Kind = "provider"
	KindWebhook       Kind = "webhook"
	KindInternal      Kind = "internal"
)

// Error is a classified error carrying a stable code and retryability.
type Error struct {
	Kind      Kind   `json:"kind"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Cause     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newKind(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

func Configuration(code, message string, cause error) *Error {
	return newKind(KindConfiguration, code, message, cause)
}

func Validation(code, message string, cause error) *Error {
	return newKind(KindValidation, code, message, cause)
}

func NotFound(code, message string, cause error) *Error {
	return newKind(KindNotFound, code, message, cause)
}

func Conflict(code, message string, cause error) *Error {
	return newKind(KindConflict, code, message, cause)
}

func Provider(code, message string, retryable bool, cause error) *Error {
	e := newKind(KindProvider, code, message, cause)
	e.Retryable = retryable
	return e
}

// sentinelKinds classifies the sentinel values when they are returned bare.
var sentinelKinds = map[error]Kind{
	ErrTenantNotFound:           KindNotFound,
	ErrTenantInactive:           KindValidation,
	ErrAccountNotFound:          KindNotFound,
	ErrAccountNotInTenant:       KindValidation,
	ErrProviderNotConfigured:    KindConfiguration,
	ErrProviderNotRegistered:    KindConfiguration,
	ErrProviderCredentials:      KindConfiguration,
	ErrUnsupportedVerification:  KindValidation,
	ErrProviderResponseInvalid:  KindProvider,
	ErrProviderCancelNotAllowed: KindValidation,
	ErrVerificationNotFound:     KindNotFound,
	ErrInvalidTransition:        KindConflict,
	ErrResultKindMismatch:       KindValidation,
	ErrInvalidRequest:           KindValidation,
	ErrSessionNotFound:          KindNotFound,
	ErrSessionExists:            KindConflict,
	ErrSessionClosed:            KindConflict,
	ErrStepOutOfRange:           KindValidation,
	ErrStepRegression:           KindValidation,
	ErrConcurrentUpdate:         KindConflict,
	ErrJobNotFound:              KindNotFound,
	ErrLeaseLost:                KindConflict,
	ErrNoHandler:                KindConfiguration,
	ErrWebhookNotFound:          KindNotFound,
	ErrWebhookDeliveryFailed:    KindWebhook,
	ErrDuplicateRequest:         KindConflict,
}

// KindOf returns the classification of err, walking wrapped errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	for sentinel, kind := range sentinelKinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}

// IsRetryable reports whether err was classified as retryable.
func IsRetryable(err error) bool {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Retryable
	}
	return false
}

// HTTPStatus maps an error to the status code the API layer returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindConfiguration:
		return http.StatusFailedDependency
	case KindProvider, KindWebhook:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
