package verification

import (
	"context"

	"verifyd/internal/provider"
	"verifyd/pkg/domain"
	"verifyd/pkg/errors"
)

// normalizeError maps adapter and internal errors to the stored failure shape.
func normalizeError(err error) *domain.ErrorDetails {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return providerDetails(perr)
	}
	var classified *errors.Error
	if errors.As(err, &classified) {
		return &domain.ErrorDetails{Code: classified.Code, Message: classified.Message, Retryable: classified.Retryable}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.ErrorDetails{Code: "provider_timeout", Message: "provider did not respond in time", Retryable: true}
	}
	return &domain.ErrorDetails{Code: "provider_error", Message: err.Error()}
}

func providerDetails(perr *provider.Error) *domain.ErrorDetails {
	if perr == nil {
		return &domain.ErrorDetails{Code: "provider_error", Message: "provider reported failure"}
	}
	d := &domain.ErrorDetails{Code: perr.Code, Message: perr.Message, Retryable: perr.Temporary}
	if d.Code == "" {
		d.Code = "provider_error"
	}
	if len(perr.Details) > 0 || perr.StatusCode != 0 {
		d.Details = domain.Metadata{}
		for k, v := range perr.Details {
			d.Details[k] = v
		}
		if perr.StatusCode != 0 {
			d.Details["status_code"] = perr.StatusCode
		}
	}
	return d
}

// isTransient reports whether a provider call is worth retrying.
func isTransient(err error) bool {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr.Temporary
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return errors.IsRetryable(err)
}
