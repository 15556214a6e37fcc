// Package memory holds process-local repositories used by tests and by
// verifyd when no DATABASE_URL is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"verifyd/pkg/domain"
	"verifyd/pkg/errors"

	"github.com/google/uuid"
)

type VerificationRepository struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*domain.Verification
}

func NewVerificationRepository() *VerificationRepository {
	return &VerificationRepository{items: make(map[uuid.UUID]*domain.Verification)}
}

func (r *VerificationRepository) Create(ctx context.Context, v *domain.Verification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[v.ID]; ok {
		return errors.Conflict("verification_exists", "verification already exists", nil)
	}
	r.items[v.ID] = v.Clone()
	return nil
}

func (r *VerificationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Verification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[id]
	if !ok {
		return nil, errors.ErrVerificationNotFound
	}
	return v.Clone(), nil
}

// UpdateProviderState stores provider-assigned fields while the
// verification is still active.
func (r *VerificationRepository) UpdateProviderState(ctx context.Context, id uuid.UUID, state domain.ProviderState, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[id]
	if !ok {
		return errors.ErrVerificationNotFound
	}
	if v.Status.IsTerminal() {
		return errors.ErrInvalidTransition
	}
	if state.ProviderVerificationID != nil {
		s := *state.ProviderVerificationID
		v.ProviderVerificationID = &s
	}
	if state.VerificationLink != nil {
		s := *state.VerificationLink
		v.VerificationLink = &s
	}
	if state.ExpiresAt != nil {
		v.ExpiresAt = *state.ExpiresAt
	}
	v.UpdatedAt = at
	return nil
}

// Transition applies change only when the current status is one of from.
func (r *VerificationRepository) Transition(ctx context.Context, id uuid.UUID, from []domain.VerificationStatus, change domain.StatusChange) (*domain.Verification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[id]
	if !ok {
		return nil, errors.ErrVerificationNotFound
	}
	if !statusIn(v.Status, from) {
		return nil, errors.ErrInvalidTransition
	}
	change.Apply(v)
	return v.Clone(), nil
}

func (r *VerificationRepository) List(ctx context.Context, tenantID uuid.UUID, filter domain.VerificationFilter, page domain.Pagination) ([]*domain.Verification, int, error) {
	page = page.Normalize()
	r.mu.RLock()
	var matched []*domain.Verification
	for _, v := range r.items {
		if v.TenantID == tenantID && matches(v, filter) {
			matched = append(matched, v.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := page.Offset()
	if start >= total {
		return []*domain.Verification{}, total, nil
	}
	end := start + page.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// ListOverdue returns active verifications whose expiry is before now.
func (r *VerificationRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.Verification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Verification
	for _, v := range r.items {
		if v.IsExpiredAt(now) {
			out = append(out, v.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func statusIn(s domain.VerificationStatus, set []domain.VerificationStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

func matches(v *domain.Verification, f domain.VerificationFilter) bool {
	if len(f.Status) > 0 && !statusIn(v.Status, f.Status) {
		return false
	}
	if f.Type != nil && v.Type != *f.Type {
		return false
	}
	if f.AccountID != nil && (v.AccountID == nil || *v.AccountID != *f.AccountID) {
		return false
	}
	if f.CreatedAfter != nil && !v.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !v.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

type SessionRepository struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*domain.ProviderSession
}

func NewSessionRepository() *SessionRepository {
	return &SessionRepository{items: make(map[uuid.UUID]*domain.ProviderSession)}
}

func (r *SessionRepository) Create(ctx context.Context, s *domain.ProviderSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[s.VerificationID]; ok {
		return errors.ErrSessionExists
	}
	r.items[s.VerificationID] = s.Clone()
	return nil
}

func (r *SessionRepository) GetByVerification(ctx context.Context, verificationID uuid.UUID) (*domain.ProviderSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.items[verificationID]
	if !ok {
		return nil, errors.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (r *SessionRepository) Update(ctx context.Context, s *domain.ProviderSession, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.items[s.VerificationID]
	if !ok {
		return errors.ErrSessionNotFound
	}
	if current.Version != expectedVersion {
		return errors.ErrConcurrentUpdate
	}
	s.Version = expectedVersion + 1
	r.items[s.VerificationID] = s.Clone()
	return nil
}

type TenantRepository struct {
	mu       sync.RWMutex
	tenants  map[uuid.UUID]*domain.Tenant
	accounts map[uuid.UUID]*domain.Account
	configs  map[uuid.UUID][]*domain.TenantProviderConfig
}

func NewTenantRepository() *TenantRepository {
	return &TenantRepository{
		tenants:  make(map[uuid.UUID]*domain.Tenant),
		accounts: make(map[uuid.UUID]*domain.Account),
		configs:  make(map[uuid.UUID][]*domain.TenantProviderConfig),
	}
}

func (r *TenantRepository) CreateTenant(ctx context.Context, t *domain.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *t
	c.ProviderConfigs = nil
	r.tenants[t.ID] = &c
	for _, pc := range t.ProviderConfigs {
		r.upsertConfig(pc)
	}
	return nil
}

func (r *TenantRepository) GetTenant(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, errors.ErrTenantNotFound
	}
	c := *t
	return &c, nil
}

func (r *TenantRepository) CreateAccount(ctx context.Context, a *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *a
	r.accounts[a.ID] = &c
	return nil
}

func (r *TenantRepository) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, errors.ErrAccountNotFound
	}
	c := *a
	return &c, nil
}

func (r *TenantRepository) UpsertProviderConfig(ctx context.Context, cfg *domain.TenantProviderConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertConfig(cfg)
	return nil
}

func (r *TenantRepository) upsertConfig(cfg *domain.TenantProviderConfig) {
	c := *cfg
	list := r.configs[cfg.TenantID]
	for i, existing := range list {
		if existing.ProviderName == cfg.ProviderName {
			list[i] = &c
			return
		}
	}
	r.configs[cfg.TenantID] = append(list, &c)
}

// FindEnabledByTenant returns enabled configs in ascending priority.
func (r *TenantRepository) FindEnabledByTenant(ctx context.Context, tenantID uuid.UUID) ([]*domain.TenantProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.TenantProviderConfig
	for _, cfg := range r.configs[tenantID] {
		if cfg.IsEnabled {
			c := *cfg
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

type WebhookRepository struct {
	mu         sync.RWMutex
	webhooks   map[uuid.UUID]*domain.WebhookConfig
	deliveries []*domain.WebhookDelivery
}

func NewWebhookRepository() *WebhookRepository {
	return &WebhookRepository{webhooks: make(map[uuid.UUID]*domain.WebhookConfig)}
}

func (r *WebhookRepository) CreateWebhook(ctx context.Context, w *domain.WebhookConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *w
	r.webhooks[w.ID] = &c
	return nil
}

func (r *WebhookRepository) GetWebhook(ctx context.Context, id uuid.UUID) (*domain.WebhookConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.webhooks[id]
	if !ok {
		return nil, errors.ErrWebhookNotFound
	}
	c := *w
	return &c, nil
}

func (r *WebhookRepository) ListActiveWebhooks(ctx context.Context, tenantID uuid.UUID) ([]*domain.WebhookConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.WebhookConfig
	for _, w := range r.webhooks {
		if w.TenantID == tenantID && w.IsActive {
			c := *w
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *WebhookRepository) RecordDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *d
	r.deliveries = append(r.deliveries, &c)
	return nil
}

// ListDeliveries returns the newest attempts first.
func (r *WebhookRepository) ListDeliveries(ctx context.Context, webhookID uuid.UUID, limit int) ([]*domain.WebhookDelivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.WebhookDelivery
	for i := len(r.deliveries) - 1; i >= 0; i-- {
		d := r.deliveries[i]
		if d.WebhookID != webhookID {
			continue
		}
		c := *d
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
