package main

import (
	"context"

	"verifyd/internal/repository/memory"
	"verifyd/internal/repository/postgres"
	"verifyd/internal/session"
	"verifyd/internal/verification"
	"verifyd/internal/webhook"
	"verifyd/pkg/config"
	"verifyd/pkg/domain"
	"verifyd/pkg/errors"
	"verifyd/pkg/logger"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type tenantStore interface {
	CreateTenant(ctx context.Context, t *domain.Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (*domain.Tenant, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	FindEnabledByTenant(ctx context.Context, tenantID uuid.UUID) ([]*domain.TenantProviderConfig, error)
}

// stores holds the repositories selected by STORE_DRIVER.
type stores struct {
	db            *sqlx.DB
	verifications verification.Repository
	sessions      session.Repository
	tenants       tenantStore
	webhooks      webhook.Repository
}

func openStores(ctx context.Context, cfg *config.Config, log logger.Logger) (*stores, error) {
	if cfg.Store.Driver == "memory" {
		log.Warn("Using in-memory store; data is lost on restart", nil)
		return &stores{
			verifications: memory.NewVerificationRepository(),
			sessions:      memory.NewSessionRepository(),
			tenants:       memory.NewTenantRepository(),
			webhooks:      memory.NewWebhookRepository(),
		}, nil
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Database.URL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	log.Info("Database connected", nil)

	return &stores{
		db:            db,
		verifications: postgres.NewVerificationRepository(db),
		sessions:      postgres.NewSessionRepository(db),
		tenants:       postgres.NewTenantRepository(db),
		webhooks:      postgres.NewWebhookRepository(db),
	}, nil
}

// PingContext reports database reachability. The memory store is always up.
func (s *stores) PingContext(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

func (s *stores) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// seedDevelopmentTenant gives the in-memory store a tenant bound to every
// registered provider, in registration order.
func seedDevelopmentTenant(ctx context.Context, s *stores, providers []string, log logger.Logger) error {
	tenant := &domain.Tenant{ID: uuid.New(), Name: "development", Active: true}
	for i, name := range providers {
		tenant.ProviderConfigs = append(tenant.ProviderConfigs, &domain.TenantProviderConfig{
			ID:           uuid.New(),
			TenantID:     tenant.ID,
			ProviderName: name,
			Priority:     i + 1,
			IsEnabled:    true,
		})
	}
	if err := s.tenants.CreateTenant(ctx, tenant); err != nil {
		return err
	}
	log.Info("Seeded development tenant", map[string]interface{}{
		"tenant_id": tenant.ID,
		"providers": providers,
	})
	return nil
}
