// Seeding tool that provisions a tenant, its provider bindings and an account.
// Usage (env overrides):
//
//	SEED_TENANT_NAME=acme SEED_PROVIDERS=simulated-document,simulated-session
//	SEED_PROVIDER_CREDENTIALS='{"client_id":"...","client_secret":"..."}'
//
// Credentials are sealed with MASTER_KEY and attached to every provider listed.
// Reads DATABASE_URL and MASTER_KEY via verifyd/pkg/config.
package main

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"verifyd/internal/repository/postgres"
	"verifyd/internal/security"
	"verifyd/pkg/config"
	"verifyd/pkg/domain"
	"verifyd/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	log := logger.New("seed-tenant")

	cfg := config.Load()
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL environment variable is required", nil)
	}

	name := getenv("SEED_TENANT_NAME", "development")
	providers := strings.Split(getenv("SEED_PROVIDERS", "simulated-document,simulated-session"), ",")
	accountRef := getenv("SEED_ACCOUNT_REF", "dev-account-1")

	sealed := ""
	if raw := os.Getenv("SEED_PROVIDER_CREDENTIALS"); raw != "" {
		var probe map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &probe); err != nil {
			log.Fatal("SEED_PROVIDER_CREDENTIALS must be a JSON object", map[string]interface{}{"error": err.Error()})
		}
		crypto, err := security.NewCryptoService(cfg.Security.MasterKey)
		if err != nil {
			log.Fatal("Failed to initialize crypto service", map[string]interface{}{"error": err.Error()})
		}
		if sealed, err = crypto.Encrypt(raw); err != nil {
			log.Fatal("Failed to seal provider credentials", map[string]interface{}{"error": err.Error()})
		}
	}

	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	defer db.Close()

	repo := postgres.NewTenantRepository(db)
	ctx := context.Background()

	tenant := &domain.Tenant{ID: uuid.New(), Name: name, Active: true}
	for i, p := range providers {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		tenant.ProviderConfigs = append(tenant.ProviderConfigs, &domain.TenantProviderConfig{
			ID:                uuid.New(),
			TenantID:          tenant.ID,
			ProviderName:      p,
			Priority:          i + 1,
			IsEnabled:         true,
			SealedCredentials: sealed,
		})
	}
	if err := repo.CreateTenant(ctx, tenant); err != nil {
		log.Fatal("Failed to create tenant", map[string]interface{}{"error": err.Error()})
	}

	account := &domain.Account{ID: uuid.New(), TenantID: tenant.ID, ExternalRef: accountRef}
	if err := repo.CreateAccount(ctx, account); err != nil {
		log.Fatal("Failed to create account", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Seeded tenant", map[string]interface{}{
		"tenant_id":  tenant.ID,
		"account_id": account.ID,
		"providers":  len(tenant.ProviderConfigs),
	})
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
