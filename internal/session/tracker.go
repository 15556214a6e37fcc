// Package session tracks step-level progress of multi-step provider sessions.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"verifyd/internal/events"
	"verifyd/pkg/domain"
	"verifyd/pkg/errors"
	"verifyd/pkg/logger"

	"github.com/google/uuid"
)

// Repository persists sessions. Update is versioned: it fails with
// ErrConcurrentUpdate unless the stored version equals expectedVersion,
// and bumps the version on success.
type Repository interface {
	Create(ctx context.Context, s *domain.ProviderSession) error
	GetByVerification(ctx context.Context, verificationID uuid.UUID) (*domain.ProviderSession, error)
	Update(ctx context.Context, s *domain.ProviderSession, expectedVersion int) error
}

const maxUpdateAttempts = 5

type Tracker struct {
	repo   Repository
	bus    events.Publisher
	logger logger.Logger
	now    func() time.Time
	locks  sync.Map
}

func NewTracker(repo Repository, bus events.Publisher, log logger.Logger) *Tracker {
	return &Tracker{
		repo:   repo,
		bus:    bus,
		logger: log.With(map[string]interface{}{"component": "session_tracker"}),
		now:    time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

type outgoing struct {
	channel   string
	eventType string
	payload   interface{}
}

func (t *Tracker) lock(verificationID uuid.UUID) func() {
	v, _ := t.locks.LoadOrStore(verificationID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Attach creates the session for a verification. Attaching the same provider
// session again returns the existing record.
func (t *Tracker) Attach(ctx context.Context, v *domain.Verification, providerSessionID string, totalSteps int) (*domain.ProviderSession, error) {
	if totalSteps < 0 {
		return nil, errors.ErrStepOutOfRange
	}
	unlock := t.lock(v.ID)
	defer unlock()

	existing, err := t.repo.GetByVerification(ctx, v.ID)
	if err == nil {
		if existing.ProviderSessionID == providerSessionID {
			return existing, nil
		}
		return nil, errors.ErrSessionExists
	}
	if !errors.Is(err, errors.ErrSessionNotFound) {
		return nil, err
	}

	now := t.now().UTC()
	steps := make(domain.StepLog, 0, totalSteps)
	for i := 1; i <= totalSteps; i++ {
		steps = append(steps, domain.StepRecord{Index: i, Status: domain.StepStatusPending})
	}
	s := &domain.ProviderSession{
		ID:                uuid.New(),
		VerificationID:    v.ID,
		TenantID:          v.TenantID,
		ProviderSessionID: providerSessionID,
		TotalSteps:        totalSteps,
		Steps:             steps,
		Status:            domain.SessionStatusPending,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.Recompute()

	if err := t.repo.Create(ctx, s); err != nil {
		return nil, err
	}

	t.logger.Info("Provider session attached", map[string]interface{}{
		"verification_id":     v.ID,
		"provider_session_id": providerSessionID,
		"total_steps":         totalSteps,
	})
	return s, nil
}

func (t *Tracker) Get(ctx context.Context, verificationID uuid.UUID) (*domain.ProviderSession, error) {
	return t.repo.GetByVerification(ctx, verificationID)
}

// Advance moves the session to stepIndex and marks it in progress. Indexes
// never move backwards; re-advancing to the current step is a no-op.
func (t *Tracker) Advance(ctx context.Context, verificationID uuid.UUID, stepIndex int, stepName string) (*domain.ProviderSession, error) {
	return t.mutate(ctx, verificationID, func(s *domain.ProviderSession, now time.Time) ([]outgoing, bool, error) {
		if err := checkOpen(s); err != nil {
			return nil, false, err
		}
		return t.advance(s, stepIndex, stepName, now)
	})
}

func (t *Tracker) advance(s *domain.ProviderSession, stepIndex int, stepName string, now time.Time) ([]outgoing, bool, error) {
	if err := checkRange(s, stepIndex); err != nil {
		return nil, false, err
	}
	if stepIndex < s.CurrentStep {
		return nil, false, errors.ErrStepRegression
	}
	rec := record(s, stepIndex)
	if stepIndex == s.CurrentStep && rec.Status != domain.StepStatusPending {
		return nil, false, nil
	}

	s.CurrentStep = stepIndex
	s.Status = domain.SessionStatusInProgress
	if stepName != "" {
		rec.Name = stepName
	}
	rec.Status = domain.StepStatusInProgress
	started := now
	rec.StartedAt = &started

	return []outgoing{{
		channel:   events.ChannelStepStarted,
		eventType: events.TypeStepStarted,
		payload:   stepPayload(s, rec),
	}}, true, nil
}

// StepCompleted records a finished step, advancing to it first if needed.
func (t *Tracker) StepCompleted(ctx context.Context, verificationID uuid.UUID, stepIndex int, result domain.Metadata) (*domain.ProviderSession, error) {
	return t.mutate(ctx, verificationID, func(s *domain.ProviderSession, now time.Time) ([]outgoing, bool, error) {
		if err := checkOpen(s); err != nil {
			return nil, false, err
		}
		return t.completeStep(s, stepIndex, "", result, now)
	})
}

func (t *Tracker) completeStep(s *domain.ProviderSession, stepIndex int, stepName string, result domain.Metadata, now time.Time) ([]outgoing, bool, error) {
	if err := checkRange(s, stepIndex); err != nil {
		return nil, false, err
	}
	if rec := s.Steps.Find(stepIndex); rec != nil && rec.Status == domain.StepStatusCompleted {
		return nil, false, nil
	}

	out, _, err := t.advance(s, stepIndex, stepName, now)
	if err != nil {
		return nil, false, err
	}

	rec := record(s, stepIndex)
	rec.Status = domain.StepStatusCompleted
	done := now
	rec.CompletedAt = &done
	rec.Result = result

	out = append(out, outgoing{
		channel:   events.ChannelStepCompleted,
		eventType: events.TypeStepCompleted,
		payload:   stepPayload(s, rec),
	})
	return out, true, nil
}

// StepFailed records a failed step. It does not fail the session; the
// provider decides that through Fail.
func (t *Tracker) StepFailed(ctx context.Context, verificationID uuid.UUID, stepIndex int, reason string) (*domain.ProviderSession, error) {
	return t.mutate(ctx, verificationID, func(s *domain.ProviderSession, now time.Time) ([]outgoing, bool, error) {
		if err := checkOpen(s); err != nil {
			return nil, false, err
		}
		return t.failStep(s, stepIndex, reason, now)
	})
}

func (t *Tracker) failStep(s *domain.ProviderSession, stepIndex int, reason string, now time.Time) ([]outgoing, bool, error) {
	if err := checkRange(s, stepIndex); err != nil {
		return nil, false, err
	}
	if rec := s.Steps.Find(stepIndex); rec != nil && rec.Status == domain.StepStatusFailed {
		return nil, false, nil
	}

	out, _, err := t.advance(s, stepIndex, "", now)
	if err != nil {
		return nil, false, err
	}

	rec := record(s, stepIndex)
	rec.Status = domain.StepStatusFailed
	done := now
	rec.CompletedAt = &done
	rec.Error = reason

	out = append(out, outgoing{
		channel:   events.ChannelStepFailed,
		eventType: events.TypeStepFailed,
		payload:   stepPayload(s, rec),
	})
	return out, true, nil
}

// Complete closes the session successfully and signals the parent verification.
func (t *Tracker) Complete(ctx context.Context, verificationID uuid.UUID, result *domain.VerificationResult) (*domain.ProviderSession, error) {
	return t.mutate(ctx, verificationID, func(s *domain.ProviderSession, now time.Time) ([]outgoing, bool, error) {
		if s.Status == domain.SessionStatusCompleted {
			return nil, false, nil
		}
		if s.Status.IsTerminal() {
			return nil, false, errors.ErrSessionClosed
		}
		closeSession(s, domain.SessionStatusCompleted, now)

		raw, err := json.Marshal(result)
		if err != nil {
			return nil, false, err
		}
		return []outgoing{{
			channel:   events.ChannelSessionCompleted,
			eventType: events.TypeSessionCompleted,
			payload: events.SessionPayload{
				VerificationID: s.VerificationID,
				SessionID:      s.ID,
				Status:         string(s.Status),
				Result:         raw,
			},
		}}, true, nil
	})
}

// Fail closes the session as failed and signals the parent verification.
func (t *Tracker) Fail(ctx context.Context, verificationID uuid.UUID, details *domain.ErrorDetails) (*domain.ProviderSession, error) {
	return t.mutate(ctx, verificationID, func(s *domain.ProviderSession, now time.Time) ([]outgoing, bool, error) {
		if s.Status == domain.SessionStatusFailed {
			return nil, false, nil
		}
		if s.Status.IsTerminal() {
			return nil, false, errors.ErrSessionClosed
		}
		closeSession(s, domain.SessionStatusFailed, now)

		raw, err := json.Marshal(details)
		if err != nil {
			return nil, false, err
		}
		return []outgoing{{
			channel:   events.ChannelSessionFailed,
			eventType: events.TypeSessionFailed,
			payload: events.SessionPayload{
				VerificationID: s.VerificationID,
				SessionID:      s.ID,
				Status:         string(s.Status),
				Error:          raw,
			},
		}}, true, nil
	})
}

// Close terminates the session because its parent verification reached a
// terminal state. It publishes nothing and is a no-op without a session.
func (t *Tracker) Close(ctx context.Context, verificationID uuid.UUID, status domain.SessionStatus) error {
	_, err := t.mutate(ctx, verificationID, func(s *domain.ProviderSession, now time.Time) ([]outgoing, bool, error) {
		if s.Status.IsTerminal() {
			return nil, false, nil
		}
		closeSession(s, status, now)
		return nil, true, nil
	})
	if errors.Is(err, errors.ErrSessionNotFound) {
		return nil
	}
	return err
}

// Sync applies adapter-reported progress. Stale reports are ignored so
// progress stays monotonic; step events are emitted in index order.
func (t *Tracker) Sync(ctx context.Context, verificationID uuid.UUID, p domain.StepProgress) (*domain.ProviderSession, error) {
	return t.mutate(ctx, verificationID, func(s *domain.ProviderSession, now time.Time) ([]outgoing, bool, error) {
		if s.Status.IsTerminal() {
			return nil, false, nil
		}
		if s.TotalSteps == 0 && p.TotalSteps > 0 {
			growSteps(s, p.TotalSteps)
		}

		var out []outgoing
		changed := false
		collect := func(o []outgoing, c bool, err error) error {
			if err != nil {
				return err
			}
			out = append(out, o...)
			changed = changed || c
			return nil
		}

		completed := p.CompletedSteps
		if s.TotalSteps > 0 && completed > s.TotalSteps {
			completed = s.TotalSteps
		}
		for i := 1; i <= completed; i++ {
			if rec := s.Steps.Find(i); rec != nil && rec.Status.IsTerminal() {
				continue
			}
			if i < s.CurrentStep {
				continue
			}
			if err := collect(t.completeStep(s, i, p.NameFor(i), nil, now)); err != nil {
				return nil, false, err
			}
		}

		if p.FailedStep > 0 && p.FailedStep >= s.CurrentStep {
			if err := collect(t.failStep(s, p.FailedStep, p.FailureReason, now)); err != nil {
				return nil, false, err
			}
		} else if p.CurrentStep > completed && p.CurrentStep >= s.CurrentStep && checkRange(s, p.CurrentStep) == nil {
			if err := collect(t.advance(s, p.CurrentStep, p.NameFor(p.CurrentStep), now)); err != nil {
				return nil, false, err
			}
		}
		return out, changed, nil
	})
}

// mutate applies fn under the per-verification lock and publishes the
// resulting events once the lock is released, so subscribers may call back
// into the tracker.
func (t *Tracker) mutate(ctx context.Context, verificationID uuid.UUID, fn func(*domain.ProviderSession, time.Time) ([]outgoing, bool, error)) (*domain.ProviderSession, error) {
	s, out, err := t.commit(ctx, verificationID, fn)
	if err != nil {
		return nil, err
	}
	if len(out) > 0 {
		t.publish(ctx, s, out)
	}
	return s, nil
}

func (t *Tracker) commit(ctx context.Context, verificationID uuid.UUID, fn func(*domain.ProviderSession, time.Time) ([]outgoing, bool, error)) (*domain.ProviderSession, []outgoing, error) {
	unlock := t.lock(verificationID)
	defer unlock()

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		current, err := t.repo.GetByVerification(ctx, verificationID)
		if err != nil {
			return nil, nil, err
		}

		working := current.Clone()
		now := t.now().UTC()
		out, changed, err := fn(working, now)
		if err != nil {
			return nil, nil, err
		}
		if !changed {
			return current, nil, nil
		}

		prevStep, prevPct := current.CurrentStep, current.ProgressPercentage
		working.UpdatedAt = now
		working.Recompute()

		err = t.repo.Update(ctx, working, current.Version)
		if errors.Is(err, errors.ErrConcurrentUpdate) {
			t.logger.Debug("Session update conflict, retrying", map[string]interface{}{
				"verification_id": verificationID,
				"attempt":         attempt,
			})
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		if working.CurrentStep != prevStep || working.ProgressPercentage != prevPct {
			out = append(out, outgoing{
				channel:   events.ChannelProgress,
				eventType: events.TypeProgress,
				payload: events.ProgressPayload{
					VerificationID:     working.VerificationID,
					SessionID:          working.ID,
					CurrentStep:        working.CurrentStep,
					TotalSteps:         working.TotalSteps,
					ProgressPercentage: working.ProgressPercentage,
				},
			})
		}
		return working, out, nil
	}
	return nil, nil, errors.ErrConcurrentUpdate
}

func (t *Tracker) publish(ctx context.Context, s *domain.ProviderSession, out []outgoing) {
	if t.bus == nil {
		return
	}
	vid := s.VerificationID
	for _, o := range out {
		_, err := t.bus.Publish(ctx, o.channel, events.Event{
			Type:           o.eventType,
			TenantID:       s.TenantID,
			VerificationID: &vid,
			Payload:        o.payload,
		})
		if err != nil {
			t.logger.Error("Failed to publish session event", map[string]interface{}{
				"verification_id": vid,
				"channel":         o.channel,
				"error":           err.Error(),
			})
		}
	}
}

func checkOpen(s *domain.ProviderSession) error {
	if s.Status.IsTerminal() {
		return errors.ErrSessionClosed
	}
	return nil
}

func checkRange(s *domain.ProviderSession, stepIndex int) error {
	if stepIndex < 1 || (s.TotalSteps > 0 && stepIndex > s.TotalSteps) {
		return errors.ErrStepOutOfRange
	}
	return nil
}

// record returns the log entry for index, appending one when the provider
// did not announce a step count.
func record(s *domain.ProviderSession, index int) *domain.StepRecord {
	if rec := s.Steps.Find(index); rec != nil {
		return rec
	}
	s.Steps = append(s.Steps, domain.StepRecord{Index: index, Status: domain.StepStatusPending})
	return &s.Steps[len(s.Steps)-1]
}

func growSteps(s *domain.ProviderSession, total int) {
	s.TotalSteps = total
	for i := 1; i <= total; i++ {
		if s.Steps.Find(i) == nil {
			s.Steps = append(s.Steps, domain.StepRecord{Index: i, Status: domain.StepStatusPending})
		}
	}
}

func closeSession(s *domain.ProviderSession, status domain.SessionStatus, now time.Time) {
	s.Status = status
	done := now
	s.CompletedAt = &done
	if status == domain.SessionStatusCompleted {
		s.CurrentStep = s.TotalSteps
	}
	for i := range s.Steps {
		if s.Steps[i].Status.IsTerminal() {
			continue
		}
		if status == domain.SessionStatusCompleted && s.Steps[i].Status == domain.StepStatusInProgress {
			s.Steps[i].Status = domain.StepStatusCompleted
			s.Steps[i].CompletedAt = &done
			continue
		}
		s.Steps[i].Status = domain.StepStatusSkipped
	}
}

func stepPayload(s *domain.ProviderSession, rec *domain.StepRecord) events.StepPayload {
	return events.StepPayload{
		VerificationID: s.VerificationID,
		SessionID:      s.ID,
		StepIndex:      rec.Index,
		StepName:       rec.Name,
		TotalSteps:     s.TotalSteps,
		Result:         rec.Result,
		Error:          rec.Error,
	}
}
