package session

import (
	"context"
	"sync"
	"testing"

	"verifyd/internal/events"
	"verifyd/internal/repository/memory"
	"verifyd/pkg/domain"
	"verifyd/pkg/errors"
	"verifyd/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	chans  []string
}

func (p *recordingPublisher) Publish(ctx context.Context, channel string, evt events.Event, opts ...events.Option) (*events.Envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chans = append(p.chans, channel)
	p.events = append(p.events, evt)
	return &events.Envelope{Channel: channel, Type: evt.Type}, nil
}

func (p *recordingPublisher) channels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.chans...)
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chans = nil
	p.events = nil
}

func newTracker(t *testing.T) (*Tracker, *recordingPublisher, *domain.Verification) {
	t.Helper()
	pub := &recordingPublisher{}
	tr := NewTracker(memory.NewSessionRepository(), pub, logger.NewNop())
	v := &domain.Verification{ID: uuid.New(), TenantID: uuid.New(), Status: domain.VerificationStatusInProgress}
	return tr, pub, v
}

func TestTracker_AttachIsIdempotentPerProviderSession(t *testing.T) {
	ctx := context.Background()
	tr, pub, v := newTracker(t)

	s, err := tr.Attach(ctx, v, "prov-1", 3)
	require.NoError(t, err)
	assert.Equal(t, 0, s.CurrentStep)
	assert.Equal(t, 0, s.ProgressPercentage)
	assert.Equal(t, v.TenantID, s.TenantID)
	require.Len(t, s.Steps, 3)
	assert.Equal(t, domain.StepStatusPending, s.Steps[2].Status)

	again, err := tr.Attach(ctx, v, "prov-1", 3)
	require.NoError(t, err)
	assert.Equal(t, s.ID, again.ID)

	_, err = tr.Attach(ctx, v, "prov-2", 3)
	assert.ErrorIs(t, err, errors.ErrSessionExists)
	assert.Empty(t, pub.channels())
}

func TestTracker_StepLifecycleEventsAndProgress(t *testing.T) {
	ctx := context.Background()
	tr, pub, v := newTracker(t)
	_, err := tr.Attach(ctx, v, "prov-1", 3)
	require.NoError(t, err)

	s, err := tr.Advance(ctx, v.ID, 1, "document")
	require.NoError(t, err)
	assert.Equal(t, 33, s.ProgressPercentage)
	assert.Equal(t, domain.SessionStatusInProgress, s.Status)
	assert.Equal(t, []string{events.ChannelStepStarted, events.ChannelProgress}, pub.channels())

	pub.reset()
	s, err = tr.StepCompleted(ctx, v.ID, 1, domain.Metadata{"score": 0.9})
	require.NoError(t, err)
	assert.Equal(t, domain.StepStatusCompleted, s.Steps.Find(1).Status)
	assert.Equal(t, []string{events.ChannelStepCompleted}, pub.channels(), "progress unchanged")

	pub.reset()
	s, err = tr.StepCompleted(ctx, v.ID, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 67, s.ProgressPercentage)
	assert.Equal(t, []string{events.ChannelStepStarted, events.ChannelStepCompleted, events.ChannelProgress}, pub.channels())

	pub.reset()
	_, err = tr.StepCompleted(ctx, v.ID, 2, nil)
	require.NoError(t, err)
	assert.Empty(t, pub.channels(), "completing twice is a no-op")

	_, err = tr.Advance(ctx, v.ID, 1, "")
	assert.ErrorIs(t, err, errors.ErrStepRegression)
	_, err = tr.Advance(ctx, v.ID, 4, "")
	assert.ErrorIs(t, err, errors.ErrStepOutOfRange)
	_, err = tr.Advance(ctx, v.ID, 0, "")
	assert.ErrorIs(t, err, errors.ErrStepOutOfRange)

	stored, err := tr.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.CurrentStep)
	assert.Equal(t, "document", stored.Steps.Find(1).Name)
	assert.Equal(t, 0.9, stored.Steps.Find(1).Result["score"])
}

func TestTracker_StepFailedKeepsSessionOpen(t *testing.T) {
	ctx := context.Background()
	tr, pub, v := newTracker(t)
	_, err := tr.Attach(ctx, v, "prov-1", 2)
	require.NoError(t, err)

	s, err := tr.StepFailed(ctx, v.ID, 1, "blurry image")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusInProgress, s.Status)
	assert.Equal(t, "blurry image", s.Steps.Find(1).Error)
	assert.Contains(t, pub.channels(), events.ChannelStepFailed)
}

func TestTracker_CompleteAndFailSignalParent(t *testing.T) {
	ctx := context.Background()
	tr, pub, v := newTracker(t)
	_, err := tr.Attach(ctx, v, "prov-1", 4)
	require.NoError(t, err)
	_, err = tr.Advance(ctx, v.ID, 2, "selfie")
	require.NoError(t, err)

	pub.reset()
	result := domain.NewBiometricResult(domain.OverallResult{Status: domain.OverallStatusPassed}, domain.BiometricResult{LivenessPassed: true})
	s, err := tr.Complete(ctx, v.ID, result)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCompleted, s.Status)
	assert.Equal(t, 100, s.ProgressPercentage)
	assert.NotNil(t, s.CompletedAt)
	assert.Equal(t, domain.StepStatusCompleted, s.Steps.Find(2).Status)
	assert.Equal(t, domain.StepStatusSkipped, s.Steps.Find(4).Status)
	assert.Equal(t, []string{events.ChannelSessionCompleted, events.ChannelProgress}, pub.channels())

	payload, ok := pub.events[0].Payload.(events.SessionPayload)
	require.True(t, ok)
	assert.Equal(t, v.ID, payload.VerificationID)
	assert.NotEmpty(t, payload.Result)

	_, err = tr.Fail(ctx, v.ID, &domain.ErrorDetails{Code: "late"})
	assert.ErrorIs(t, err, errors.ErrSessionClosed)
	_, err = tr.Advance(ctx, v.ID, 3, "")
	assert.ErrorIs(t, err, errors.ErrSessionClosed)

	pub.reset()
	_, err = tr.Complete(ctx, v.ID, result)
	require.NoError(t, err)
	assert.Empty(t, pub.channels())
}

func TestTracker_CloseIsSilent(t *testing.T) {
	ctx := context.Background()
	tr, pub, v := newTracker(t)

	require.NoError(t, tr.Close(ctx, v.ID, domain.SessionStatusCancelled), "no session is fine")

	_, err := tr.Attach(ctx, v, "prov-1", 3)
	require.NoError(t, err)
	_, err = tr.Advance(ctx, v.ID, 1, "")
	require.NoError(t, err)

	pub.reset()
	require.NoError(t, tr.Close(ctx, v.ID, domain.SessionStatusCancelled))
	assert.Empty(t, pub.channels())

	s, _ := tr.Get(ctx, v.ID)
	assert.Equal(t, domain.SessionStatusCancelled, s.Status)
	assert.Equal(t, 33, s.ProgressPercentage)
	assert.Equal(t, domain.StepStatusSkipped, s.Steps.Find(1).Status)
}

func TestTracker_SyncIsMonotonic(t *testing.T) {
	ctx := context.Background()
	tr, pub, v := newTracker(t)
	_, err := tr.Attach(ctx, v, "prov-1", 0)
	require.NoError(t, err)

	s, err := tr.Sync(ctx, v.ID, domain.StepProgress{CurrentStep: 2, TotalSteps: 3, CompletedSteps: 1, StepNames: []string{"document", "selfie", "review"}})
	require.NoError(t, err)
	assert.Equal(t, 3, s.TotalSteps)
	assert.Equal(t, 2, s.CurrentStep)
	assert.Equal(t, 67, s.ProgressPercentage)
	assert.Equal(t, "selfie", s.Steps.Find(2).Name)
	assert.Equal(t, []string{
		events.ChannelStepStarted, events.ChannelStepCompleted,
		events.ChannelStepStarted, events.ChannelProgress,
	}, pub.channels())

	pub.reset()
	s, err = tr.Sync(ctx, v.ID, domain.StepProgress{CurrentStep: 1, TotalSteps: 3})
	require.NoError(t, err)
	assert.Equal(t, 2, s.CurrentStep, "stale report ignored")
	assert.Empty(t, pub.channels())

	s, err = tr.Sync(ctx, v.ID, domain.StepProgress{CurrentStep: 3, TotalSteps: 3, CompletedSteps: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, s.CurrentStep)
	assert.Equal(t, 100, s.ProgressPercentage)
	assert.Equal(t, domain.StepStatusCompleted, s.Steps.Find(3).Status)
	assert.Equal(t, domain.SessionStatusInProgress, s.Status, "only Complete closes the session")
}

func TestTracker_ConcurrentAdvancesNeverRegress(t *testing.T) {
	ctx := context.Background()
	tr, _, v := newTracker(t)
	_, err := tr.Attach(ctx, v, "prov-1", 10)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, _ = tr.Advance(ctx, v.ID, idx, "")
		}(i)
	}
	wg.Wait()

	s, err := tr.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, s.CurrentStep)
	assert.Equal(t, 100, s.ProgressPercentage)
}

type conflictingRepo struct {
	Repository
	conflicts int
}

func (r *conflictingRepo) Update(ctx context.Context, s *domain.ProviderSession, expected int) error {
	if r.conflicts > 0 {
		r.conflicts--
		return errors.ErrConcurrentUpdate
	}
	return r.Repository.Update(ctx, s, expected)
}

func TestTracker_RetriesOptimisticConflicts(t *testing.T) {
	ctx := context.Background()
	repo := &conflictingRepo{Repository: memory.NewSessionRepository(), conflicts: 2}
	tr := NewTracker(repo, nil, logger.NewNop())
	v := &domain.Verification{ID: uuid.New(), TenantID: uuid.New()}
	_, err := tr.Attach(ctx, v, "p", 2)
	require.NoError(t, err)

	s, err := tr.Advance(ctx, v.ID, 1, "")
	require.NoError(t, err)
	assert.Equal(t, 1, s.CurrentStep)

	repo.conflicts = maxUpdateAttempts
	_, err = tr.Advance(ctx, v.ID, 2, "")
	assert.ErrorIs(t, err, errors.ErrConcurrentUpdate)
}
