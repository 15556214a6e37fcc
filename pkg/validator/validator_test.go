package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type createRequest struct {
	Type        string  `validate:"required,verification_type"`
	CallbackURL *string `validate:"omitempty,https_or_local_url"`
}

func strPtr(s string) *string { return &s }

func TestValidate_VerificationType(t *testing.T) {
	v := New()

	assert.NoError(t, v.Validate(createRequest{Type: "document"}))
	assert.NoError(t, v.Validate(createRequest{Type: "comprehensive"}))

	err := v.Validate(createRequest{Type: "passport"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "verification_type")
}

func TestValidate_CallbackURL(t *testing.T) {
	v := New()

	tests := []struct {
		name  string
		url   string
		valid bool
	}{
		{"https", "https://tenant.example.com/hooks", true},
		{"http localhost", "http://localhost:9000/cb", true},
		{"http loopback ip", "http://127.0.0.1/cb", true},
		{"http remote", "http://tenant.example.com/hooks", false},
		{"relative", "/hooks", false},
		{"ftp", "ftp://example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(createRequest{Type: "document", CallbackURL: strPtr(tt.url)})
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateStructured(t *testing.T) {
	v := New()

	errs := v.ValidateStructured(createRequest{Type: "nope", CallbackURL: strPtr("http://example.com")})
	assert.Equal(t, "Must be one of document, biometric, comprehensive", errs["Type"])
	assert.Contains(t, errs["CallbackURL"], "https")

	assert.Nil(t, v.ValidateStructured(createRequest{Type: "biometric"}))
}
