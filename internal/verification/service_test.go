package verification

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"verifyd/internal/events"
	"verifyd/internal/provider"
	"verifyd/internal/provider/simulated"
	"verifyd/internal/queue"
	"verifyd/internal/repository/memory"
	"verifyd/internal/session"
	"verifyd/pkg/domain"
	apperrors "verifyd/pkg/errors"
	"verifyd/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type scheduled struct {
	tenantID       uuid.UUID
	verificationID uuid.UUID
	eventType      string
}

type recordingScheduler struct {
	mu    sync.Mutex
	calls []scheduled
}

func (r *recordingScheduler) Schedule(ctx context.Context, tenantID, verificationID uuid.UUID, eventType string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, scheduled{tenantID, verificationID, eventType})
	return nil
}

func (r *recordingScheduler) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.eventType)
	}
	return out
}

// countingAdapter counts status polls on top of the session simulator.
type countingAdapter struct {
	*simulated.SessionAdapter
	polls int32
}

func (a *countingAdapter) GetStatus(ctx context.Context, tenantID uuid.UUID, id string) (*provider.Response, error) {
	atomic.AddInt32(&a.polls, 1)
	return a.SessionAdapter.GetStatus(ctx, tenantID, id)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	clock    *testClock
	svc      *Service
	repo     *memory.VerificationRepository
	tenants  *memory.TenantRepository
	tracker  *session.Tracker
	queue    *queue.Queue
	store    *queue.MemoryStore
	bus      *events.Bus
	webhooks *recordingScheduler
	sessions *countingAdapter
	log      *logger.Recorder

	mu     sync.Mutex
	events []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		clock:    &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		repo:     memory.NewVerificationRepository(),
		tenants:  memory.NewTenantRepository(),
		store:    queue.NewMemoryStore(),
		webhooks: &recordingScheduler{},
		log:      logger.NewRecorder(),
	}
	h.bus = events.NewBus(logger.NewNop())
	_, err := h.bus.SubscribePattern("verification:*", func(ctx context.Context, env *events.Envelope) error {
		h.mu.Lock()
		h.events = append(h.events, env.Type)
		h.mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	h.tracker = session.NewTracker(memory.NewSessionRepository(), h.bus, logger.NewNop())
	h.tracker.SetClock(h.clock.Now)

	h.queue = queue.New(h.store, queue.Options{DefaultAttempts: 3}, logger.NewNop())
	h.queue.SetClock(h.clock.Now)

	h.sessions = &countingAdapter{SessionAdapter: simulated.NewSessionAdapter(time.Minute)}
	h.sessions.SetClock(h.clock.Now)

	registry := provider.NewRegistry(h.tenants, nil, logger.NewNop())
	doc := simulated.NewDocumentAdapter()
	registry.Register(doc, doc.Capabilities())
	registry.Register(h.sessions, h.sessions.Capabilities())

	h.svc = NewService(Deps{
		Repo:     h.repo,
		Tenants:  h.tenants,
		Accounts: h.tenants,
		Registry: registry,
		Sessions: h.tracker,
		Queue:    h.queue,
		Bus:      h.bus,
		Webhooks: h.webhooks,
	}, Options{
		DefaultTTL:      time.Hour,
		PollInterval:    30 * time.Second,
		ExecuteAttempts: 2,
		Backoff:         domain.BackoffPolicy{Base: time.Second, Max: time.Second},
	}, h.log)
	h.svc.SetClock(h.clock.Now)
	h.svc.Subscribe()
	t.Cleanup(h.svc.Unsubscribe)

	h.queue.Register(JobExecute, h.svc.ExecuteHandler())
	return h
}

func (h *harness) tenant(providerName string, active bool) *domain.Tenant {
	h.t.Helper()
	id := uuid.New()
	tenant := &domain.Tenant{
		ID:     id,
		Name:   "acme",
		Active: active,
		ProviderConfigs: []*domain.TenantProviderConfig{{
			ID:           uuid.New(),
			TenantID:     id,
			ProviderName: providerName,
			Priority:     1,
			IsEnabled:    true,
		}},
	}
	require.NoError(h.t, h.tenants.CreateTenant(h.ctx, tenant))
	return tenant
}

func (h *harness) create(tenantID uuid.UUID, vtype domain.VerificationType, payload domain.Metadata) *domain.VerificationHandle {
	h.t.Helper()
	handle, err := h.svc.Create(h.ctx, &domain.CreateVerificationRequest{TenantID: tenantID, Type: vtype, ProviderPayload: payload})
	require.NoError(h.t, err)
	return handle
}

func (h *harness) get(id uuid.UUID) *domain.Verification {
	h.t.Helper()
	v, err := h.repo.GetByID(h.ctx, id)
	require.NoError(h.t, err)
	assertConsistent(h.t, v)
	return v
}

// runJobs drains every job that is due now.
func (h *harness) runJobs() int {
	h.t.Helper()
	ran := 0
	for {
		ok, err := h.queue.ProcessNext(h.ctx, "test")
		require.NoError(h.t, err)
		if !ok {
			return ran
		}
		ran++
	}
}

func (h *harness) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func assertConsistent(t *testing.T, v *domain.Verification) {
	t.Helper()
	assert.Equal(t, v.Status.IsTerminal(), v.CompletedAt != nil, "completed_at must track terminal status")
	if v.Status != domain.VerificationStatusCompleted {
		assert.Nil(t, v.Result, "result only on completed")
	}
	if v.Status != domain.VerificationStatusFailed {
		assert.Nil(t, v.ErrorDetails, "error details only on failed")
	}
}

func TestCreate_SyncProviderCompletesInline(t *testing.T) {
	h := newHarness(t)
	tenant := h.tenant(simulated.DocumentName, true)

	handle := h.create(tenant.ID, domain.VerificationTypeDocument, nil)
	assert.Equal(t, domain.VerificationStatusCompleted, handle.Status)
	assert.NotNil(t, handle.ProviderVerificationID)

	v := h.get(handle.ID)
	require.NotNil(t, v.Result)
	assert.Equal(t, domain.VerificationTypeDocument, v.Result.Kind)
	assert.Equal(t, domain.OverallStatusPassed, v.Result.Overall.Status)
	assert.Equal(t, domain.ProcessingModeDirect, v.Mode)

	assert.Equal(t, []string{events.TypeVerificationCreated, events.TypeVerificationCompleted}, h.seen())
	assert.Equal(t, []string{events.TypeVerificationCompleted}, h.webhooks.types())

	counts, err := h.queue.Counts(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[domain.JobStateWaiting])
}

func TestCreate_SyncProviderOutcomes(t *testing.T) {
	h := newHarness(t)
	tenant := h.tenant(simulated.DocumentName, true)

	rejected := h.get(h.create(tenant.ID, domain.VerificationTypeDocument, domain.Metadata{"simulate": "reject"}).ID)
	assert.Equal(t, domain.VerificationStatusCompleted, rejected.Status)
	assert.Equal(t, domain.OverallStatusFailed, rejected.Result.Overall.Status)

	failed := h.get(h.create(tenant.ID, domain.VerificationTypeDocument, domain.Metadata{"simulate": "error"}).ID)
	assert.Equal(t, domain.VerificationStatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorDetails)
	assert.Equal(t, "document_unreadable", failed.ErrorDetails.Code)
	assert.EqualValues(t, 422, failed.ErrorDetails.Details["status_code"])
}

// brokenTransitions rejects every status change, as a database outage would.
type brokenTransitions struct {
	*memory.VerificationRepository
}

func (brokenTransitions) Transition(context.Context, uuid.UUID, []domain.VerificationStatus, domain.StatusChange) (*domain.Verification, error) {
	return nil, errors.New("connection reset by peer")
}

func TestCreate_LogsWhenRejectionCannotBeRecorded(t *testing.T) {
	h := newHarness(t)
	tenant := h.tenant(simulated.DocumentName, true)
	h.svc.repo = brokenTransitions{h.repo}

	handle := h.create(tenant.ID, domain.VerificationTypeDocument, domain.Metadata{"simulate": "error"})
	assert.Equal(t, domain.VerificationStatusPending, h.get(handle.ID).Status)

	var logged *logger.Entry
	for _, e := range h.log.Entries(logger.LevelError) {
		if e.Message == "Failed to record provider rejection" {
			e := e
			logged = &e
		}
	}
	require.NotNil(t, logged)
	assert.Equal(t, handle.ID, logged.Fields["verification_id"])
	assert.Equal(t, "document_unreadable", logged.Fields["code"])
	assert.Contains(t, logged.Fields["error"], "connection reset")
}

func TestCreate_TransientInlineFailureRetriesThenFails(t *testing.T) {
	h := newHarness(t)
	tenant := h.tenant(simulated.DocumentName, true)

	handle := h.create(tenant.ID, domain.VerificationTypeDocument, domain.Metadata{"simulate": "unavailable"})
	assert.Equal(t, domain.VerificationStatusPending, handle.Status)

	h.clock.Advance(time.Second)
	assert.Equal(t, 1, h.runJobs())
	assert.Equal(t, domain.VerificationStatusPending, h.get(handle.ID).Status)

	h.clock.Advance(time.Second)
	assert.Equal(t, 1, h.runJobs())

	v := h.get(handle.ID)
	assert.Equal(t, domain.VerificationStatusFailed, v.Status)
	require.NotNil(t, v.ErrorDetails)
	assert.Equal(t, "service_unavailable", v.ErrorDetails.Code)
	assert.False(t, v.ErrorDetails.Retryable)
	assert.EqualValues(t, 2, v.ErrorDetails.Details["attempts"])

	counts, err := h.queue.Counts(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.JobStateFailed])
}

func TestCreate_Rejections(t *testing.T) {
	h := newHarness(t)
	active := h.tenant(simulated.DocumentName, true)
	inactive := h.tenant(simulated.DocumentName, false)
	unconfigured := &domain.Tenant{ID: uuid.New(), Active: true}
	require.NoError(t, h.tenants.CreateTenant(h.ctx, unconfigured))

	other := &domain.Account{ID: uuid.New(), TenantID: inactive.ID}
	require.NoError(t, h.tenants.CreateAccount(h.ctx, other))

	_, err := h.svc.Create(h.ctx, &domain.CreateVerificationRequest{TenantID: active.ID})
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	_, err = h.svc.Create(h.ctx, &domain.CreateVerificationRequest{TenantID: inactive.ID, Type: domain.VerificationTypeDocument})
	assert.ErrorIs(t, err, apperrors.ErrTenantInactive)

	_, err = h.svc.Create(h.ctx, &domain.CreateVerificationRequest{TenantID: uuid.New(), Type: domain.VerificationTypeDocument})
	assert.ErrorIs(t, err, apperrors.ErrTenantNotFound)

	_, err = h.svc.Create(h.ctx, &domain.CreateVerificationRequest{TenantID: active.ID, AccountID: &other.ID, Type: domain.VerificationTypeDocument})
	assert.ErrorIs(t, err, apperrors.ErrAccountNotInTenant)

	_, err = h.svc.Create(h.ctx, &domain.CreateVerificationRequest{TenantID: active.ID, Type: domain.VerificationTypeBiometric})
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedVerification)

	_, err = h.svc.Create(h.ctx, &domain.CreateVerificationRequest{TenantID: unconfigured.ID, Type: domain.VerificationTypeDocument})
	assert.ErrorIs(t, err, apperrors.ErrProviderNotConfigured)

	page, err := h.svc.List(h.ctx, active.ID, domain.VerificationFilter{}, domain.Pagination{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestAsyncSession_ProgressesToCompletion(t *testing.T) {
	h := newHarness(t)
	tenant := h.tenant(simulated.SessionName, true)

	handle := h.create(tenant.ID, domain.VerificationTypeComprehensive, nil)
	assert.Equal(t, domain.VerificationStatusPending, handle.Status)
	require.NotNil(t, handle.VerificationLink)
	require.NotNil(t, handle.ProviderVerificationID)

	view, err := h.svc.GetVerification(h.ctx, handle.ID, tenant.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Session)
	assert.Equal(t, 4, view.Session.TotalSteps)
	assert.Equal(t, domain.ProcessingModeMultiStepAsync, view.Mode)

	// The follow-up poll is delayed by the poll interval.
	assert.Zero(t, h.runJobs())

	h.clock.Advance(2*time.Minute + time.Second)
	assert.Equal(t, 1, h.runJobs())
	v := h.get(handle.ID)
	assert.Equal(t, domain.VerificationStatusInProgress, v.Status)

	s, err := h.tracker.Get(h.ctx, handle.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, s.CurrentStep)
	assert.Equal(t, domain.StepStatusCompleted, s.Steps.Find(2).Status)

	h.clock.Advance(3 * time.Minute)
	assert.Equal(t, 1, h.runJobs())

	v = h.get(handle.ID)
	assert.Equal(t, domain.VerificationStatusCompleted, v.Status)
	require.NotNil(t, v.Result)
	assert.Equal(t, domain.VerificationTypeComprehensive, v.Result.Kind)

	s, err = h.tracker.Get(h.ctx, handle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCompleted, s.Status)
	assert.Equal(t, 100, s.ProgressPercentage)

	seen := h.seen()
	assert.Contains(t, seen, events.TypeVerificationInProgress)
	assert.Less(t, indexOf(seen, events.TypeSessionCompleted), indexOf(seen, events.TypeVerificationCompleted))
	assert.Less(t, indexOf(seen, events.TypeVerificationInProgress), indexOf(seen, events.TypeSessionCompleted))
	assert.Equal(t, []string{events.TypeVerificationCompleted}, h.webhooks.types())

	// No further polling once terminal.
	h.clock.Advance(time.Hour)
	assert.Zero(t, h.runJobs())
}

func TestAsyncSession_StepFailureFailsVerification(t *testing.T) {
	h := newHarness(t)
	tenant := h.tenant(simulated.SessionName, true)

	handle := h.create(tenant.ID, domain.VerificationTypeBiometric, domain.Metadata{"simulate": "fail_step"})
	h.clock.Advance(3 * time.Minute)
	h.runJobs()

	v := h.get(handle.ID)
	assert.Equal(t, domain.VerificationStatusFailed, v.Status)
	require.NotNil(t, v.ErrorDetails)
	assert.Equal(t, "step_failed", v.ErrorDetails.Code)

	s, err := h.tracker.Get(h.ctx, handle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusFailed, s.Status)
	assert.Equal(t, []string{events.TypeVerificationFailed}, h.webhooks.types())
}

func TestGetStatus_ExpirationDominatesWithoutPolling(t *testing.T) {
	h := newHarness(t)
	h.sessions.StepDuration = time.Hour
	tenant := h.tenant(simulated.SessionName, true)

	ttl := 10 * time.Minute
	handle, err := h.svc.Create(h.ctx, &domain.CreateVerificationRequest{
		TenantID:  tenant.ID,
		Type:      domain.VerificationTypeBiometric,
		ExpiresIn: &ttl,
	})
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(ttl), handle.ExpiresAt)

	h.clock.Advance(ttl + time.Second)
	v, err := h.svc.GetStatus(h.ctx, handle.ID, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerificationStatusExpired, v.Status)
	assertConsistent(t, v)
	assert.Zero(t, atomic.LoadInt32(&h.sessions.polls))

	s, err := h.tracker.Get(h.ctx, handle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCancelled, s.Status)
	assert.Equal(t, []string{events.TypeVerificationExpired}, h.webhooks.types())

	// The queued poll sees a terminal verification and stops.
	assert.Equal(t, 1, h.runJobs())
	assert.Zero(t, atomic.LoadInt32(&h.sessions.polls))
}

func TestGetStatus_PollsAndToleratesProviderErrors(t *testing.T) {
	h := newHarness(t)
	tenant := h.tenant(simulated.SessionName, true)
	handle := h.create(tenant.ID, domain.VerificationTypeBiometric, nil)

	h.clock.Advance(90 * time.Second)
	v, err := h.svc.GetStatus(h.ctx, handle.ID, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerificationStatusInProgress, v.Status)
	assert.EqualValues(t, 1, atomic.LoadInt32(&h.sessions.polls))

	// A provider that lost the session must not fail the read.
	require.NoError(t, h.repo.UpdateProviderState(h.ctx, handle.ID, domain.ProviderState{ProviderVerificationID: strPtr("ses_missing")}, h.clock.Now()))
	v, err = h.svc.GetStatus(h.ctx, handle.ID, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerificationStatusInProgress, v.Status)
	assert.NotEmpty(t, h.log.Entries(logger.LevelWarn))

	_, err = h.svc.GetStatus(h.ctx, handle.ID, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrVerificationNotFound)
}

func TestExpireOverdue(t *testing.T) {
	h := newHarness(t)
	h.sessions.StepDuration = time.Hour
	tenant := h.tenant(simulated.SessionName, true)

	first := h.create(tenant.ID, domain.VerificationTypeBiometric, nil)
	second := h.create(tenant.ID, domain.VerificationTypeBiometric, nil)
	cancelled := h.create(tenant.ID, domain.VerificationTypeBiometric, nil)
	ok, err := h.svc.Cancel(h.ctx, cancelled.ID, tenant.ID)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := h.svc.ExpireOverdue(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(time.Hour + time.Second)
	n, err = h.svc.ExpireOverdue(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, domain.VerificationStatusExpired, h.get(first.ID).Status)
	assert.Equal(t, domain.VerificationStatusExpired, h.get(second.ID).Status)
	assert.Equal(t, domain.VerificationStatusCancelled, h.get(cancelled.ID).Status)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	tenant := h.tenant(simulated.SessionName, true)
	handle := h.create(tenant.ID, domain.VerificationTypeBiometric, nil)

	_, err := h.svc.Cancel(h.ctx, handle.ID, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrVerificationNotFound)

	ok, err := h.svc.Cancel(h.ctx, handle.ID, tenant.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	v := h.get(handle.ID)
	assert.Equal(t, domain.VerificationStatusCancelled, v.Status)
	s, err := h.tracker.Get(h.ctx, handle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCancelled, s.Status)

	ok, err = h.svc.Cancel(h.ctx, handle.ID, tenant.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{events.TypeVerificationCancelled}, h.webhooks.types())

	// A poll already queued does not resurrect the verification.
	h.clock.Advance(time.Minute)
	h.runJobs()
	assert.Equal(t, domain.VerificationStatusCancelled, h.get(handle.ID).Status)
}

func TestCancel_ProviderDeclines(t *testing.T) {
	h := newHarness(t)
	tenant := h.tenant(simulated.SessionName, true)
	handle := h.create(tenant.ID, domain.VerificationTypeBiometric, nil)

	// Every step done on the provider side; it refuses to cancel.
	h.clock.Advance(5 * time.Minute)
	ok, err := h.svc.Cancel(h.ctx, handle.ID, tenant.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.VerificationStatusPending, h.get(handle.ID).Status)
}

func TestCancel_TerminalVerification(t *testing.T) {
	h := newHarness(t)
	tenant := h.tenant(simulated.DocumentName, true)
	handle := h.create(tenant.ID, domain.VerificationTypeDocument, nil)

	ok, err := h.svc.Cancel(h.ctx, handle.ID, tenant.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.VerificationStatusCompleted, h.get(handle.ID).Status)
}

func TestComplete_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.sessions.StepDuration = time.Hour
	tenant := h.tenant(simulated.SessionName, true)
	handle := h.create(tenant.ID, domain.VerificationTypeBiometric, nil)

	first := domain.NewBiometricResult(
		domain.OverallResult{Status: domain.OverallStatusPassed, Confidence: decimal.RequireFromString("0.9")},
		domain.BiometricResult{LivenessPassed: true, Similarity: decimal.RequireFromString("0.88")},
	)
	second := domain.NewBiometricResult(
		domain.OverallResult{Status: domain.OverallStatusFailed, Confidence: decimal.RequireFromString("0.1")},
		domain.BiometricResult{LivenessPassed: false, Similarity: decimal.RequireFromString("0.12")},
	)

	v, err := h.svc.Complete(h.ctx, handle.ID, first)
	require.NoError(t, err)
	assert.Equal(t, domain.VerificationStatusCompleted, v.Status)
	warnings := len(h.log.Entries(logger.LevelWarn))

	v, err = h.svc.Complete(h.ctx, handle.ID, second)
	require.NoError(t, err)
	assert.Equal(t, domain.OverallStatusPassed, v.Result.Overall.Status)
	assert.True(t, v.Result.Overall.Confidence.Equal(decimal.RequireFromString("0.9")))

	v, err = h.svc.Fail(h.ctx, handle.ID, &domain.ErrorDetails{Code: "late"})
	require.NoError(t, err)
	assert.Equal(t, domain.VerificationStatusCompleted, v.Status)
	assertConsistent(t, h.get(handle.ID))

	assert.Len(t, h.log.Entries(logger.LevelWarn), warnings+2)
	assert.Equal(t, []string{events.TypeVerificationCompleted}, h.webhooks.types())
}

func TestComplete_RejectsMismatchedResultKind(t *testing.T) {
	h := newHarness(t)
	h.sessions.StepDuration = time.Hour
	tenant := h.tenant(simulated.SessionName, true)
	handle := h.create(tenant.ID, domain.VerificationTypeComprehensive, nil)

	doc := domain.NewDocumentResult(
		domain.OverallResult{Status: domain.OverallStatusPassed, Confidence: decimal.RequireFromString("0.9")},
		domain.DocumentResult{DocumentType: "passport"},
	)
	v, err := h.svc.Complete(h.ctx, handle.ID, doc)
	require.NoError(t, err)
	assert.Equal(t, domain.VerificationStatusFailed, v.Status)
	assert.Equal(t, "result_kind_mismatch", v.ErrorDetails.Code)
	assert.Equal(t, "comprehensive", v.ErrorDetails.Details["expected"])
}

func TestNoTransitionOutOfTerminalStates(t *testing.T) {
	h := newHarness(t)
	h.sessions.StepDuration = time.Hour
	tenant := h.tenant(simulated.SessionName, true)

	for _, to := range []domain.VerificationStatus{
		domain.VerificationStatusCompleted,
		domain.VerificationStatusFailed,
		domain.VerificationStatusExpired,
		domain.VerificationStatusCancelled,
	} {
		handle := h.create(tenant.ID, domain.VerificationTypeBiometric, nil)
		_, err := h.repo.Transition(h.ctx, handle.ID, domain.ActiveStatuses, domain.StatusChange{
			To:           to,
			Result:       resultFor(to),
			ErrorDetails: errorFor(to),
			At:           h.clock.Now(),
		})
		require.NoError(t, err)

		for _, next := range []domain.VerificationStatus{
			domain.VerificationStatusInProgress,
			domain.VerificationStatusCompleted,
			domain.VerificationStatusFailed,
			domain.VerificationStatusExpired,
			domain.VerificationStatusCancelled,
		} {
			_, err := h.svc.transition(h.ctx, handle.ID, domain.StatusChange{To: next, Result: resultFor(next), ErrorDetails: errorFor(next), At: h.clock.Now()})
			assert.ErrorIs(t, err, apperrors.ErrInvalidTransition, "%s -> %s", to, next)
		}
		assert.Equal(t, to, h.get(handle.ID).Status)
	}
}

func TestNormalizeError(t *testing.T) {
	d := normalizeError(&provider.Error{Code: "quota", Message: "slow", StatusCode: 429, Temporary: true})
	assert.Equal(t, "quota", d.Code)
	assert.True(t, d.Retryable)
	assert.EqualValues(t, 429, d.Details["status_code"])

	d = normalizeError(apperrors.Wrap(context.DeadlineExceeded, "poll"))
	assert.Equal(t, "provider_timeout", d.Code)

	d = normalizeError(apperrors.Provider("invalid_response", "bad json", false, apperrors.ErrProviderResponseInvalid))
	assert.Equal(t, "invalid_response", d.Code)
	assert.False(t, d.Retryable)

	assert.Equal(t, "provider_error", normalizeError(apperrors.New("boom")).Code)
	assert.True(t, isTransient(&provider.Error{Temporary: true}))
	assert.False(t, isTransient(&provider.Error{}))
}

func resultFor(s domain.VerificationStatus) *domain.VerificationResult {
	if s != domain.VerificationStatusCompleted {
		return nil
	}
	return domain.NewBiometricResult(
		domain.OverallResult{Status: domain.OverallStatusPassed, Confidence: decimal.RequireFromString("0.9")},
		domain.BiometricResult{LivenessPassed: true, Similarity: decimal.RequireFromString("0.9")},
	)
}

func errorFor(s domain.VerificationStatus) *domain.ErrorDetails {
	if s != domain.VerificationStatusFailed {
		return nil
	}
	return &domain.ErrorDetails{Code: "x", Message: "x"}
}

func strPtr(s string) *string { return &s }

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
