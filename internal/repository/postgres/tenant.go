// ==============================================================================
// TENANT REPOSITORY - internal/repository/postgres/tenant.go
// ==============================================================================
package postgres

import (
	"context"
	"database/sql"

	"verifyd/pkg/domain"
	"verifyd/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// TenantRepository serves tenants, their accounts and provider assignments.
type TenantRepository struct {
	db *sqlx.DB
}

func NewTenantRepository(db *sqlx.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

// CreateTenant inserts the tenant together with any provider configs it carries.
func (r *TenantRepository) CreateTenant(ctx context.Context, t *domain.Tenant) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	query := `
		INSERT INTO tenants (id, name, is_active, created_at, updated_at)
		VALUES (:id, :name, :is_active, :created_at, :updated_at)
	`
	if _, err := tx.NamedExecContext(ctx, query, t); err != nil {
		return errors.Wrap(err, "failed to create tenant")
	}
	for _, cfg := range t.ProviderConfigs {
		if err := upsertProviderConfig(ctx, tx, cfg); err != nil {
			return err
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit tenant")
}

func (r *TenantRepository) GetTenant(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	var t domain.Tenant
	query := `SELECT id, name, is_active, created_at, updated_at FROM tenants WHERE id = $1`

	err := r.db.GetContext(ctx, &t, query, id)
	if err == sql.ErrNoRows {
		return nil, errors.ErrTenantNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get tenant")
	}
	return &t, nil
}

func (r *TenantRepository) CreateAccount(ctx context.Context, a *domain.Account) error {
	query := `
		INSERT INTO accounts (id, tenant_id, external_ref, created_at)
		VALUES (:id, :tenant_id, :external_ref, :created_at)
	`
	_, err := r.db.NamedExecContext(ctx, query, a)
	return errors.Wrap(err, "failed to create account")
}

func (r *TenantRepository) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	var a domain.Account
	query := `SELECT id, tenant_id, external_ref, created_at FROM accounts WHERE id = $1`

	err := r.db.GetContext(ctx, &a, query, id)
	if err == sql.ErrNoRows {
		return nil, errors.ErrAccountNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get account")
	}
	return &a, nil
}

func (r *TenantRepository) UpsertProviderConfig(ctx context.Context, cfg *domain.TenantProviderConfig) error {
	return upsertProviderConfig(ctx, r.db, cfg)
}

func upsertProviderConfig(ctx context.Context, db sqlx.ExtContext, cfg *domain.TenantProviderConfig) error {
	query := `
		INSERT INTO tenant_provider_configs (
			id, tenant_id, provider_name, priority, is_enabled,
			credentials_sealed, settings, created_at, updated_at
		) VALUES (
			:id, :tenant_id, :provider_name, :priority, :is_enabled,
			:credentials_sealed, :settings, :created_at, :updated_at
		)
		ON CONFLICT (tenant_id, provider_name) DO UPDATE SET
			priority = EXCLUDED.priority,
			is_enabled = EXCLUDED.is_enabled,
			credentials_sealed = EXCLUDED.credentials_sealed,
			settings = EXCLUDED.settings,
			updated_at = EXCLUDED.updated_at
	`
	_, err := sqlx.NamedExecContext(ctx, db, query, cfg)
	return errors.Wrap(err, "failed to upsert provider config")
}

// FindEnabledByTenant returns enabled configs in ascending priority.
func (r *TenantRepository) FindEnabledByTenant(ctx context.Context, tenantID uuid.UUID) ([]*domain.TenantProviderConfig, error) {
	query := `
		SELECT id, tenant_id, provider_name, priority, is_enabled,
			credentials_sealed, settings, created_at, updated_at
		FROM tenant_provider_configs
		WHERE tenant_id = $1 AND is_enabled
		ORDER BY priority, created_at
	`
	var configs []*domain.TenantProviderConfig
	if err := r.db.SelectContext(ctx, &configs, query, tenantID); err != nil {
		return nil, errors.Wrap(err, "failed to find provider configs")
	}
	return configs, nil
}
