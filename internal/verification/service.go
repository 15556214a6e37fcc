// ==============================================================================
// VERIFICATION SERVICE - internal/verification/service.go
// ==============================================================================
package verification

import (
	"context"
	"encoding/json"
	"time"

	"verifyd/internal/events"
	"verifyd/internal/provider"
	"verifyd/internal/queue"
	"verifyd/pkg/config"
	"verifyd/pkg/domain"
	"verifyd/pkg/errors"
	"verifyd/pkg/logger"
	"verifyd/pkg/validator"

	"github.com/google/uuid"
)

// Repository persists verifications. Transition is a conditional update: it
// applies change only while the stored status is one of from and returns
// ErrInvalidTransition otherwise.
type Repository interface {
	Create(ctx context.Context, v *domain.Verification) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Verification, error)
	UpdateProviderState(ctx context.Context, id uuid.UUID, state domain.ProviderState, at time.Time) error
	Transition(ctx context.Context, id uuid.UUID, from []domain.VerificationStatus, change domain.StatusChange) (*domain.Verification, error)
	List(ctx context.Context, tenantID uuid.UUID, filter domain.VerificationFilter, page domain.Pagination) ([]*domain.Verification, int, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.Verification, error)
}

type TenantProvider interface {
	GetTenant(ctx context.Context, id uuid.UUID) (*domain.Tenant, error)
}

type AccountProvider interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)
}

type Resolver interface {
	Resolve(ctx context.Context, tenantID uuid.UUID) (*provider.Binding, error)
	Bind(ctx context.Context, tenantID uuid.UUID, name string) (*provider.Binding, error)
}

type SessionTracker interface {
	Attach(ctx context.Context, v *domain.Verification, providerSessionID string, totalSteps int) (*domain.ProviderSession, error)
	Sync(ctx context.Context, verificationID uuid.UUID, p domain.StepProgress) (*domain.ProviderSession, error)
	Complete(ctx context.Context, verificationID uuid.UUID, result *domain.VerificationResult) (*domain.ProviderSession, error)
	Fail(ctx context.Context, verificationID uuid.UUID, details *domain.ErrorDetails) (*domain.ProviderSession, error)
	Close(ctx context.Context, verificationID uuid.UUID, status domain.SessionStatus) error
	Get(ctx context.Context, verificationID uuid.UUID) (*domain.ProviderSession, error)
}

// EventBus is the publish side plus channel subscription.
type EventBus interface {
	events.Publisher
	Subscribe(channel string, h events.Handler) *events.Subscription
}

// WebhookScheduler queues tenant notifications for a terminal event.
type WebhookScheduler interface {
	Schedule(ctx context.Context, tenantID, verificationID uuid.UUID, eventType string, payload interface{}) error
}

type Options struct {
	DefaultTTL      time.Duration
	PollInterval    time.Duration
	StatusTimeout   time.Duration
	InitiateTimeout time.Duration
	ExecuteAttempts int
	Backoff         domain.BackoffPolicy
	SweepBatchSize  int
}

func OptionsFromConfig(cfg config.VerificationConfig, q config.QueueConfig) Options {
	return Options{
		DefaultTTL:      cfg.DefaultTTL,
		PollInterval:    cfg.PollInterval,
		StatusTimeout:   cfg.StatusTimeout,
		InitiateTimeout: cfg.InitiateTimeout,
		ExecuteAttempts: cfg.ExecuteAttempts,
		Backoff:         domain.BackoffPolicy{Base: q.BackoffBase, Max: q.BackoffMax},
		SweepBatchSize:  cfg.SweepBatchSize,
	}
}

func (o *Options) applyDefaults() {
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = 24 * time.Hour
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.StatusTimeout <= 0 {
		o.StatusTimeout = 10 * time.Second
	}
	if o.InitiateTimeout <= 0 {
		o.InitiateTimeout = 10 * time.Second
	}
	if o.ExecuteAttempts <= 0 {
		o.ExecuteAttempts = 5
	}
	if o.Backoff.Base <= 0 {
		o.Backoff = domain.BackoffPolicy{Base: 2 * time.Second, Max: 5 * time.Minute}
	}
	if o.SweepBatchSize <= 0 {
		o.SweepBatchSize = 100
	}
}

// Deps groups the collaborators of the service.
type Deps struct {
	Repo     Repository
	Tenants  TenantProvider
	Accounts AccountProvider
	Registry Resolver
	Sessions SessionTracker
	Queue    queue.Enqueuer
	Bus      EventBus
	Webhooks WebhookScheduler
}

type Service struct {
	repo      Repository
	tenants   TenantProvider
	accounts  AccountProvider
	registry  Resolver
	sessions  SessionTracker
	queue     queue.Enqueuer
	bus       EventBus
	webhooks  WebhookScheduler
	validator *validator.Validator
	logger    logger.Logger
	opts      Options
	now       func() time.Time
	subs      []*events.Subscription
}

func NewService(deps Deps, opts Options, log logger.Logger) *Service {
	opts.applyDefaults()
	return &Service{
		repo:      deps.Repo,
		tenants:   deps.Tenants,
		accounts:  deps.Accounts,
		registry:  deps.Registry,
		sessions:  deps.Sessions,
		queue:     deps.Queue,
		bus:       deps.Bus,
		webhooks:  deps.Webhooks,
		validator: validator.New(),
		logger:    log.With(map[string]interface{}{"component": "verification"}),
		opts:      opts,
		now:       time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) clock() time.Time { return s.now().UTC() }

// Create validates the request, resolves the tenant's provider and starts
// the verification. Inline providers finish before Create returns; queued
// providers return while the verification is still pending.
func (s *Service) Create(ctx context.Context, req *domain.CreateVerificationRequest) (*domain.VerificationHandle, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, errors.Validation("invalid_request", err.Error(), errors.ErrInvalidRequest)
	}

	tenant, err := s.tenants.GetTenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.IsActive() {
		return nil, errors.ErrTenantInactive
	}

	if req.AccountID != nil {
		account, err := s.accounts.GetAccount(ctx, *req.AccountID)
		if err != nil {
			return nil, err
		}
		if account.TenantID != tenant.ID {
			return nil, errors.ErrAccountNotInTenant
		}
	}

	binding, err := s.registry.Resolve(ctx, tenant.ID)
	if err != nil {
		return nil, err
	}
	if !binding.Capabilities.Supports(req.Type) {
		return nil, errors.Validation("unsupported_type", "verification type "+string(req.Type)+" is not supported by provider "+binding.Adapter.Name(), errors.ErrUnsupportedVerification)
	}

	ttl := s.opts.DefaultTTL
	if req.ExpiresIn != nil && *req.ExpiresIn > 0 {
		ttl = *req.ExpiresIn
	}
	now := s.clock()
	v := &domain.Verification{
		ID:              uuid.New(),
		TenantID:        tenant.ID,
		AccountID:       req.AccountID,
		ProviderName:    binding.Adapter.Name(),
		Type:            req.Type,
		Mode:            binding.Capabilities.ProcessingMode,
		Status:          domain.VerificationStatusPending,
		CallbackURL:     req.CallbackURL,
		ProviderPayload: req.ProviderPayload,
		ExpiresAt:       now.Add(ttl),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.Create(ctx, v); err != nil {
		return nil, errors.Wrap(err, "failed to create verification")
	}

	s.logger.Info("Verification created", map[string]interface{}{
		"verification_id": v.ID,
		"tenant_id":       v.TenantID,
		"provider":        v.ProviderName,
		"type":            v.Type,
		"mode":            v.Mode,
	})
	s.publish(ctx, events.ChannelVerificationCreated, events.TypeVerificationCreated, v, "")

	if binding.Capabilities.Inline() {
		s.runInline(ctx, v, binding)
	} else {
		s.startAsync(ctx, v, binding)
	}

	current, err := s.repo.GetByID(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	return current.Handle(), nil
}

// GetStatus returns the current state, expiring an overdue verification
// before asking the provider. Polling failures leave the stored state as is.
func (s *Service) GetStatus(ctx context.Context, id, tenantID uuid.UUID) (*domain.Verification, error) {
	v, err := s.load(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}
	if v.Status.IsTerminal() {
		return v, nil
	}
	if v.IsExpiredAt(s.clock()) {
		return s.expire(ctx, v)
	}
	if v.ProviderVerificationID == nil {
		return v, nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, s.opts.StatusTimeout)
	defer cancel()
	if _, err := s.poll(pollCtx, v); err != nil {
		s.logger.Warn("Provider status poll failed", map[string]interface{}{
			"verification_id": v.ID,
			"provider":        v.ProviderName,
			"error":           err.Error(),
		})
	}
	return s.repo.GetByID(ctx, v.ID)
}

// GetVerification is GetStatus plus the provider session, if any.
func (s *Service) GetVerification(ctx context.Context, id, tenantID uuid.UUID) (*domain.VerificationView, error) {
	v, err := s.GetStatus(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}
	view := &domain.VerificationView{Verification: v}
	session, err := s.sessions.Get(ctx, v.ID)
	switch {
	case err == nil:
		view.Session = session
	case !errors.Is(err, errors.ErrSessionNotFound):
		return nil, err
	}
	return view, nil
}

func (s *Service) List(ctx context.Context, tenantID uuid.UUID, filter domain.VerificationFilter, page domain.Pagination) (*domain.VerificationPage, error) {
	page = page.Normalize()
	items, total, err := s.repo.List(ctx, tenantID, filter, page)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list verifications")
	}
	return &domain.VerificationPage{Items: items, Total: total, Page: page.Page, PageSize: page.PageSize}, nil
}

// Cancel stops an active verification. It returns false without error when
// the verification is already terminal or the provider refuses.
func (s *Service) Cancel(ctx context.Context, id, tenantID uuid.UUID) (bool, error) {
	v, err := s.load(ctx, id, tenantID)
	if err != nil {
		return false, err
	}
	if v.Status.IsTerminal() {
		return false, nil
	}

	if v.ProviderVerificationID != nil {
		binding, err := s.registry.Bind(ctx, v.TenantID, v.ProviderName)
		if err != nil {
			return false, err
		}
		if binding.Capabilities.CancelSupported {
			ok, err := binding.Adapter.Cancel(ctx, v.TenantID, *v.ProviderVerificationID)
			if err != nil {
				details := normalizeError(err)
				return false, errors.Provider(details.Code, details.Message, details.Retryable, err)
			}
			if !ok {
				s.logger.Info("Provider declined cancellation", map[string]interface{}{
					"verification_id": v.ID,
					"provider":        v.ProviderName,
				})
				return false, nil
			}
		}
	}

	updated, err := s.transition(ctx, v.ID, domain.StatusChange{To: domain.VerificationStatusCancelled, At: s.clock()})
	if errors.Is(err, errors.ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.logger.Info("Verification cancelled", map[string]interface{}{"verification_id": updated.ID})
	return true, nil
}

// Complete records a successful outcome. Completing a terminal verification
// logs a warning and leaves it untouched.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, result *domain.VerificationResult) (*domain.Verification, error) {
	v, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.Status.IsTerminal() {
		s.warnTerminal(v, domain.VerificationStatusCompleted)
		return v, nil
	}
	if err := result.Validate(); err != nil {
		return s.Fail(ctx, id, &domain.ErrorDetails{Code: "invalid_result", Message: err.Error()})
	}
	if result.Kind != v.Type {
		return s.Fail(ctx, id, &domain.ErrorDetails{
			Code:    "result_kind_mismatch",
			Message: errors.ErrResultKindMismatch.Error(),
			Details: domain.Metadata{"expected": string(v.Type), "received": string(result.Kind)},
		})
	}

	updated, err := s.transition(ctx, id, domain.StatusChange{To: domain.VerificationStatusCompleted, Result: result, At: s.clock()})
	return s.settle(ctx, id, updated, err, domain.VerificationStatusCompleted)
}

// Fail records a failed outcome. Failing a terminal verification logs a
// warning and leaves it untouched.
func (s *Service) Fail(ctx context.Context, id uuid.UUID, details *domain.ErrorDetails) (*domain.Verification, error) {
	if details == nil {
		details = &domain.ErrorDetails{Code: "verification_failed", Message: "verification failed"}
	}
	updated, err := s.transition(ctx, id, domain.StatusChange{To: domain.VerificationStatusFailed, ErrorDetails: details, At: s.clock()})
	return s.settle(ctx, id, updated, err, domain.VerificationStatusFailed)
}

func (s *Service) settle(ctx context.Context, id uuid.UUID, updated *domain.Verification, err error, target domain.VerificationStatus) (*domain.Verification, error) {
	if errors.Is(err, errors.ErrInvalidTransition) {
		current, gerr := s.repo.GetByID(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		s.warnTerminal(current, target)
		return current, nil
	}
	return updated, err
}

func (s *Service) warnTerminal(v *domain.Verification, target domain.VerificationStatus) {
	s.logger.Warn("Verification already terminal, transition ignored", map[string]interface{}{
		"verification_id": v.ID,
		"status":          v.Status,
		"requested":       target,
	})
}

// ExpireOverdue expires active verifications past their deadline.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	overdue, err := s.repo.ListOverdue(ctx, s.clock(), s.opts.SweepBatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list overdue verifications")
	}
	expired := 0
	for _, v := range overdue {
		updated, err := s.expire(ctx, v)
		if err != nil {
			s.logger.Error("Failed to expire verification", map[string]interface{}{
				"verification_id": v.ID,
				"error":           err.Error(),
			})
			continue
		}
		if updated.Status == domain.VerificationStatusExpired {
			expired++
		}
	}
	if expired > 0 {
		s.logger.Info("Expired overdue verifications", map[string]interface{}{"count": expired})
	}
	return expired, nil
}

func (s *Service) expire(ctx context.Context, v *domain.Verification) (*domain.Verification, error) {
	updated, err := s.transition(ctx, v.ID, domain.StatusChange{To: domain.VerificationStatusExpired, At: s.clock()})
	if errors.Is(err, errors.ErrInvalidTransition) {
		return s.repo.GetByID(ctx, v.ID)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("Verification expired", map[string]interface{}{
		"verification_id": v.ID,
		"expires_at":      v.ExpiresAt,
	})
	return updated, nil
}

// transition applies a conditional status change from an active status and
// runs the side effects of the new status.
func (s *Service) transition(ctx context.Context, id uuid.UUID, change domain.StatusChange) (*domain.Verification, error) {
	from := domain.ActiveStatuses
	if change.To == domain.VerificationStatusInProgress {
		from = []domain.VerificationStatus{domain.VerificationStatusPending}
	}
	updated, err := s.repo.Transition(ctx, id, from, change)
	if err != nil {
		return nil, err
	}

	channel, eventType := channelFor(updated.Status)
	s.publish(ctx, channel, eventType, updated, "")
	if updated.Status.IsTerminal() {
		s.onTerminal(ctx, updated, eventType)
	}
	return updated, nil
}

func (s *Service) onTerminal(ctx context.Context, v *domain.Verification, eventType string) {
	if err := s.sessions.Close(ctx, v.ID, sessionStatusFor(v.Status)); err != nil {
		s.logger.Warn("Failed to close provider session", map[string]interface{}{
			"verification_id": v.ID,
			"error":           err.Error(),
		})
	}
	if s.webhooks == nil {
		return
	}
	if err := s.webhooks.Schedule(ctx, v.TenantID, v.ID, eventType, payloadFor(v, "")); err != nil {
		s.logger.Error("Failed to schedule webhook delivery", map[string]interface{}{
			"verification_id": v.ID,
			"event_type":      eventType,
			"error":           err.Error(),
		})
	}
}

// load fetches a verification owned by tenantID. Verifications of other
// tenants are reported as not found.
func (s *Service) load(ctx context.Context, id, tenantID uuid.UUID) (*domain.Verification, error) {
	v, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.TenantID != tenantID {
		return nil, errors.ErrVerificationNotFound
	}
	return v, nil
}

func (s *Service) publish(ctx context.Context, channel, eventType string, v *domain.Verification, previous domain.VerificationStatus) {
	if s.bus == nil {
		return
	}
	opts := []events.Option{}
	if v.Status.IsTerminal() {
		opts = append(opts, events.WithPriority(events.PriorityHigh))
	}
	vid := v.ID
	_, err := s.bus.Publish(ctx, channel, events.Event{
		Type:           eventType,
		TenantID:       v.TenantID,
		VerificationID: &vid,
		Payload:        payloadFor(v, previous),
	}, opts...)
	if err != nil {
		s.logger.Error("Failed to publish verification event", map[string]interface{}{
			"verification_id": v.ID,
			"channel":         channel,
			"error":           err.Error(),
		})
	}
}

func payloadFor(v *domain.Verification, previous domain.VerificationStatus) events.VerificationPayload {
	p := events.VerificationPayload{
		VerificationID:   v.ID,
		TenantID:         v.TenantID,
		AccountID:        v.AccountID,
		ProviderName:     v.ProviderName,
		Type:             string(v.Type),
		Status:           string(v.Status),
		PreviousStatus:   string(previous),
		VerificationLink: v.VerificationLink,
		ExpiresAt:        v.ExpiresAt,
		CompletedAt:      v.CompletedAt,
	}
	if v.Result != nil {
		p.Result, _ = json.Marshal(v.Result)
	}
	if v.ErrorDetails != nil {
		p.Error, _ = json.Marshal(v.ErrorDetails)
	}
	return p
}

func channelFor(status domain.VerificationStatus) (string, string) {
	switch status {
	case domain.VerificationStatusInProgress:
		return events.ChannelVerificationInProgress, events.TypeVerificationInProgress
	case domain.VerificationStatusCompleted:
		return events.ChannelVerificationCompleted, events.TypeVerificationCompleted
	case domain.VerificationStatusFailed:
		return events.ChannelVerificationFailed, events.TypeVerificationFailed
	case domain.VerificationStatusExpired:
		return events.ChannelVerificationExpired, events.TypeVerificationExpired
	case domain.VerificationStatusCancelled:
		return events.ChannelVerificationCancelled, events.TypeVerificationCancelled
	default:
		return events.ChannelVerificationCreated, events.TypeVerificationCreated
	}
}

func sessionStatusFor(status domain.VerificationStatus) domain.SessionStatus {
	switch status {
	case domain.VerificationStatusCompleted:
		return domain.SessionStatusCompleted
	case domain.VerificationStatusFailed:
		return domain.SessionStatusFailed
	default:
		return domain.SessionStatusCancelled
	}
}
