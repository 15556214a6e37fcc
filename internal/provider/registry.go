package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"verifyd/pkg/domain"
	"verifyd/pkg/errors"
	"verifyd/pkg/logger"

	"github.com/google/uuid"
)

// ConfigRepository supplies the tenant's enabled provider assignments,
// ordered by ascending priority.
type ConfigRepository interface {
	FindEnabledByTenant(ctx context.Context, tenantID uuid.UUID) ([]*domain.TenantProviderConfig, error)
}

// Unsealer opens sealed credential blobs.
type Unsealer interface {
	Decrypt(sealed string) (string, error)
}

type registration struct {
	adapter Adapter
	caps    Capabilities
}

// Binding is an adapter resolved and initialized for one tenant.
type Binding struct {
	Adapter      Adapter
	Capabilities Capabilities
	Config       *domain.TenantProviderConfig
}

type Registry struct {
	mu          sync.RWMutex
	adapters    map[string]registration
	initialized map[string]time.Time

	configs  ConfigRepository
	unsealer Unsealer
	logger   logger.Logger
}

func NewRegistry(configs ConfigRepository, unsealer Unsealer, log logger.Logger) *Registry {
	return &Registry{
		adapters:    make(map[string]registration),
		initialized: make(map[string]time.Time),
		configs:     configs,
		unsealer:    unsealer,
		logger:      log.With(map[string]interface{}{"component": "provider_registry"}),
	}
}

// Register adds an adapter under its name. Registering the same name again
// replaces the previous adapter.
func (r *Registry) Register(adapter Adapter, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := adapter.Name()
	if _, exists := r.adapters[name]; exists {
		r.logger.Warn("Provider adapter replaced", map[string]interface{}{"provider": name})
		for key := range r.initialized {
			if keyProvider(key) == name {
				delete(r.initialized, key)
			}
		}
	}
	r.adapters[name] = registration{adapter: adapter, caps: caps}
}

func (r *Registry) Get(name string) (Adapter, Capabilities, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.adapters[name]
	if !ok {
		return nil, Capabilities{}, errors.ErrProviderNotRegistered
	}
	return reg.adapter, reg.caps, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve picks the tenant's enabled provider with the lowest priority value
// among those with a registered adapter.
func (r *Registry) Resolve(ctx context.Context, tenantID uuid.UUID) (*Binding, error) {
	configs, err := r.configs.FindEnabledByTenant(ctx, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load provider configs")
	}
	sort.SliceStable(configs, func(i, j int) bool { return configs[i].Priority < configs[j].Priority })

	for _, cfg := range configs {
		if !cfg.IsEnabled {
			continue
		}
		r.mu.RLock()
		reg, ok := r.adapters[cfg.ProviderName]
		r.mu.RUnlock()
		if !ok {
			r.logger.Warn("Tenant provider has no registered adapter", map[string]interface{}{
				"tenant_id": tenantID,
				"provider":  cfg.ProviderName,
			})
			continue
		}
		if err := r.ensureInitialized(ctx, reg.adapter, cfg); err != nil {
			return nil, err
		}
		return &Binding{Adapter: reg.adapter, Capabilities: reg.caps, Config: cfg}, nil
	}
	return nil, errors.ErrProviderNotConfigured
}

// Bind returns the named adapter initialized for the tenant. Used to keep
// talking to the provider a verification was created with.
func (r *Registry) Bind(ctx context.Context, tenantID uuid.UUID, name string) (*Binding, error) {
	adapter, caps, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	configs, err := r.configs.FindEnabledByTenant(ctx, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load provider configs")
	}
	for _, cfg := range configs {
		if cfg.ProviderName == name {
			if err := r.ensureInitialized(ctx, adapter, cfg); err != nil {
				return nil, err
			}
			return &Binding{Adapter: adapter, Capabilities: caps, Config: cfg}, nil
		}
	}
	// Provider disabled since creation; keep polling with what the adapter has.
	return &Binding{Adapter: adapter, Capabilities: caps}, nil
}

func (r *Registry) ensureInitialized(ctx context.Context, adapter Adapter, cfg *domain.TenantProviderConfig) error {
	key := initKey(cfg.TenantID, cfg.ProviderName)
	r.mu.RLock()
	at, ok := r.initialized[key]
	r.mu.RUnlock()
	if ok && !cfg.UpdatedAt.After(at) {
		return nil
	}

	creds, err := r.credentials(cfg)
	if err != nil {
		return err
	}
	if err := adapter.Initialize(ctx, cfg.TenantID, creds, cfg.Settings); err != nil {
		return errors.Configuration("provider_init_failed", fmt.Sprintf("failed to initialize provider %s", cfg.ProviderName), err)
	}

	r.mu.Lock()
	r.initialized[key] = cfg.UpdatedAt
	r.mu.Unlock()
	return nil
}

func (r *Registry) credentials(cfg *domain.TenantProviderConfig) (Credentials, error) {
	if cfg.SealedCredentials == "" {
		return Credentials{}, nil
	}
	if r.unsealer == nil {
		return nil, errors.Configuration("provider_credentials", "no key configured to unseal provider credentials", errors.ErrProviderCredentials)
	}
	plain, err := r.unsealer.Decrypt(cfg.SealedCredentials)
	if err != nil {
		return nil, errors.Configuration("provider_credentials", "failed to unseal provider credentials", err)
	}
	creds := Credentials{}
	if err := json.Unmarshal([]byte(plain), &creds); err != nil {
		return nil, errors.Configuration("provider_credentials", "provider credentials are not a JSON object", err)
	}
	return creds, nil
}

// HealthCheckAll probes every adapter concurrently. A panicking adapter is
// reported unhealthy.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]HealthStatus {
	r.mu.RLock()
	regs := make(map[string]Adapter, len(r.adapters))
	for name, reg := range r.adapters {
		regs[name] = reg.adapter
	}
	r.mu.RUnlock()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]HealthStatus, len(regs))
	)
	for name, adapter := range regs {
		wg.Add(1)
		go func(name string, adapter Adapter) {
			defer wg.Done()
			status := r.healthCheck(ctx, name, adapter)
			mu.Lock()
			out[name] = status
			mu.Unlock()
		}(name, adapter)
	}
	wg.Wait()
	return out
}

func (r *Registry) healthCheck(ctx context.Context, name string, adapter Adapter) (status HealthStatus) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Provider health check panicked", map[string]interface{}{
				"provider": name,
				"panic":    fmt.Sprint(rec),
			})
			status = HealthStatus{IsHealthy: false, LatencyMs: time.Since(start).Milliseconds(), Error: fmt.Sprintf("panic: %v", rec)}
		}
	}()
	status = adapter.HealthCheck(ctx)
	if status.LatencyMs == 0 {
		status.LatencyMs = time.Since(start).Milliseconds()
	}
	return status
}

func initKey(tenantID uuid.UUID, provider string) string {
	return provider + "|" + tenantID.String()
}

func keyProvider(key string) string {
	name, _, _ := strings.Cut(key, "|")
	return name
}
