package domain

import (
	"time"

	"github.com/google/uuid"
)

// Tenant is the external tenant context consumed by the core.
type Tenant struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Active    bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	ProviderConfigs []*TenantProviderConfig `json:"provider_configs,omitempty" db:"-"`
}

func (t *Tenant) IsActive() bool {
	return t != nil && t.Active
}

// TenantProviderConfig assigns a provider to a tenant. Lower Priority wins.
type TenantProviderConfig struct {
	ID           uuid.UUID `json:"id" db:"id"`
	TenantID     uuid.UUID `json:"tenant_id" db:"tenant_id"`
	ProviderName string    `json:"provider_name" db:"provider_name"`
	Priority     int       `json:"priority" db:"priority"`
	IsEnabled    bool      `json:"is_enabled" db:"is_enabled"`
	// SealedCredentials is AES-GCM sealed JSON.
	SealedCredentials string    `json:"-" db:"credentials_sealed"`
	Settings          Metadata  `json:"settings,omitempty" db:"settings"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Account is the external account reference a verification may be linked to.
type Account struct {
	ID          uuid.UUID `json:"id" db:"id"`
	TenantID    uuid.UUID `json:"tenant_id" db:"tenant_id"`
	ExternalRef string    `json:"external_ref" db:"external_ref"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
