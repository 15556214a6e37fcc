package verification

import (
	"context"
	"encoding/json"
	"time"

	"verifyd/internal/events"
	"verifyd/internal/provider"
	"verifyd/internal/queue"
	"verifyd/pkg/domain"
	"verifyd/pkg/errors"

	"github.com/google/uuid"
)

// JobExecute initiates and then tracks a queued verification until it is terminal.
const JobExecute = "verification.execute"

type executePayload struct {
	VerificationID uuid.UUID `json:"verification_id"`
}

// runInline drives a synchronous provider within the create call.
func (s *Service) runInline(ctx context.Context, v *domain.Verification, binding *provider.Binding) {
	resp, err := binding.Adapter.CreateVerification(ctx, s.request(v))
	if err != nil {
		if isTransient(err) {
			s.logger.Warn("Inline provider call failed, retrying in queue", map[string]interface{}{
				"verification_id": v.ID,
				"error":           err.Error(),
			})
			s.enqueueExecute(ctx, v, s.opts.Backoff.Delay(1))
			return
		}
		s.reject(ctx, v, err)
		return
	}
	if _, err := s.apply(ctx, v, resp); err != nil {
		s.logger.Error("Failed to apply provider response", map[string]interface{}{
			"verification_id": v.ID,
			"error":           err.Error(),
		})
	}
}

// reject fails a verification the provider refused outright. If the write
// fails the verification stays pending until the expiry sweeper closes it.
func (s *Service) reject(ctx context.Context, v *domain.Verification, cause error) {
	details := normalizeError(cause)
	if _, err := s.Fail(ctx, v.ID, details); err != nil {
		s.logger.Error("Failed to record provider rejection", map[string]interface{}{
			"verification_id": v.ID,
			"code":            details.Code,
			"error":           err.Error(),
		})
	}
}

// startAsync tries to open the provider session right away so the caller
// gets the verification link, then hands tracking to the queue.
func (s *Service) startAsync(ctx context.Context, v *domain.Verification, binding *provider.Binding) {
	initCtx, cancel := context.WithTimeout(ctx, s.opts.InitiateTimeout)
	defer cancel()

	resp, err := binding.Adapter.CreateVerification(initCtx, s.request(v))
	if err != nil {
		if !isTransient(err) {
			s.reject(ctx, v, err)
			return
		}
		s.logger.Warn("Provider initiation deferred to queue", map[string]interface{}{
			"verification_id": v.ID,
			"error":           err.Error(),
		})
		s.enqueueExecute(ctx, v, 0)
		return
	}

	updated, err := s.apply(ctx, v, resp)
	if err != nil {
		s.logger.Error("Failed to apply provider response", map[string]interface{}{
			"verification_id": v.ID,
			"error":           err.Error(),
		})
		s.enqueueExecute(ctx, v, 0)
		return
	}
	if !updated.Status.IsTerminal() {
		s.enqueueExecute(ctx, updated, s.pollDelay(updated))
	}
}

func (s *Service) request(v *domain.Verification) *provider.Request {
	return &provider.Request{
		VerificationID: v.ID,
		TenantID:       v.TenantID,
		AccountID:      v.AccountID,
		Type:           v.Type,
		Payload:        v.ProviderPayload,
		CallbackURL:    v.CallbackURL,
		ExpiresAt:      v.ExpiresAt,
	}
}

func (s *Service) enqueueExecute(ctx context.Context, v *domain.Verification, delay time.Duration) {
	vid, tid := v.ID, v.TenantID
	backoff := s.opts.Backoff
	_, err := s.queue.Enqueue(ctx, JobExecute, executePayload{VerificationID: v.ID}, queue.EnqueueOptions{
		Attempts:       s.opts.ExecuteAttempts,
		Backoff:        &backoff,
		Delay:          delay,
		VerificationID: &vid,
		TenantID:       &tid,
		ProviderName:   v.ProviderName,
	})
	if err != nil {
		s.logger.Error("Failed to enqueue verification job", map[string]interface{}{
			"verification_id": v.ID,
			"error":           err.Error(),
		})
	}
}

// pollDelay is the poll interval, shortened so the next check lands on the
// expiry deadline.
func (s *Service) pollDelay(v *domain.Verification) time.Duration {
	delay := s.opts.PollInterval
	if untilExpiry := v.ExpiresAt.Sub(s.clock()); untilExpiry < delay {
		delay = untilExpiry + time.Millisecond
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

// poll asks the provider for the current state and applies it.
func (s *Service) poll(ctx context.Context, v *domain.Verification) (*domain.Verification, error) {
	binding, err := s.registry.Bind(ctx, v.TenantID, v.ProviderName)
	if err != nil {
		return v, err
	}
	resp, err := binding.Adapter.GetStatus(ctx, v.TenantID, *v.ProviderVerificationID)
	if err != nil {
		return v, err
	}
	return s.apply(ctx, v, resp)
}

// apply folds a provider response into the verification: provider fields,
// step progress, then the status.
func (s *Service) apply(ctx context.Context, v *domain.Verification, resp *provider.Response) (*domain.Verification, error) {
	now := s.clock()

	state := domain.ProviderState{VerificationLink: resp.VerificationLink}
	if resp.ProviderVerificationID != "" {
		id := resp.ProviderVerificationID
		state.ProviderVerificationID = &id
	}
	if resp.ExpiresAt != nil && resp.ExpiresAt.Before(v.ExpiresAt) {
		exp := resp.ExpiresAt.UTC()
		state.ExpiresAt = &exp
	}
	if state.ProviderVerificationID != nil || state.VerificationLink != nil || state.ExpiresAt != nil {
		err := s.repo.UpdateProviderState(ctx, v.ID, state, now)
		if errors.Is(err, errors.ErrInvalidTransition) {
			return s.repo.GetByID(ctx, v.ID)
		}
		if err != nil {
			return v, errors.Wrap(err, "failed to store provider state")
		}
		refreshed, err := s.repo.GetByID(ctx, v.ID)
		if err != nil {
			return v, err
		}
		v = refreshed
	}

	tracked := s.trackProgress(ctx, v, resp)

	if v.IsExpiredAt(now) && resp.Status != domain.VerificationStatusCompleted && resp.Status != domain.VerificationStatusFailed {
		return s.expire(ctx, v)
	}

	switch resp.Status {
	case domain.VerificationStatusPending:
		return v, nil
	case domain.VerificationStatusInProgress:
		if v.Status != domain.VerificationStatusPending {
			return v, nil
		}
		updated, err := s.transition(ctx, v.ID, domain.StatusChange{To: domain.VerificationStatusInProgress, At: now})
		if errors.Is(err, errors.ErrInvalidTransition) {
			return s.repo.GetByID(ctx, v.ID)
		}
		return updated, err
	case domain.VerificationStatusCompleted:
		if resp.Result == nil {
			return s.Fail(ctx, v.ID, &domain.ErrorDetails{Code: "invalid_response", Message: "provider reported completion without a result"})
		}
		if tracked {
			return s.closeThroughSession(ctx, v, func() error {
				_, err := s.sessions.Complete(ctx, v.ID, resp.Result)
				return err
			}, func() (*domain.Verification, error) { return s.Complete(ctx, v.ID, resp.Result) })
		}
		return s.Complete(ctx, v.ID, resp.Result)
	case domain.VerificationStatusFailed:
		details := providerDetails(resp.Error)
		if tracked {
			return s.closeThroughSession(ctx, v, func() error {
				_, err := s.sessions.Fail(ctx, v.ID, details)
				return err
			}, func() (*domain.Verification, error) { return s.Fail(ctx, v.ID, details) })
		}
		return s.Fail(ctx, v.ID, details)
	case domain.VerificationStatusExpired:
		return s.expire(ctx, v)
	case domain.VerificationStatusCancelled:
		updated, err := s.transition(ctx, v.ID, domain.StatusChange{To: domain.VerificationStatusCancelled, At: now})
		if errors.Is(err, errors.ErrInvalidTransition) {
			return s.repo.GetByID(ctx, v.ID)
		}
		return updated, err
	default:
		return s.Fail(ctx, v.ID, &domain.ErrorDetails{Code: "invalid_response", Message: "provider reported unknown status " + string(resp.Status)})
	}
}

// closeThroughSession closes the provider session, whose completion event
// closes the verification. When nothing listens for session events the
// verification is closed directly.
func (s *Service) closeThroughSession(ctx context.Context, v *domain.Verification, closeSession func() error, direct func() (*domain.Verification, error)) (*domain.Verification, error) {
	if err := closeSession(); err != nil && !errors.Is(err, errors.ErrSessionClosed) {
		s.logger.Warn("Failed to close provider session", map[string]interface{}{
			"verification_id": v.ID,
			"error":           err.Error(),
		})
	}
	current, err := s.repo.GetByID(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return current, nil
	}
	return direct()
}

// trackProgress attaches and syncs the step session. It reports whether the
// verification has a session.
func (s *Service) trackProgress(ctx context.Context, v *domain.Verification, resp *provider.Response) bool {
	if resp.Progress == nil {
		_, err := s.sessions.Get(ctx, v.ID)
		return err == nil
	}
	p := *resp.Progress
	sessionID := p.ProviderSessionID
	if sessionID == "" {
		sessionID = resp.ProviderVerificationID
	}

	if _, err := s.sessions.Get(ctx, v.ID); errors.Is(err, errors.ErrSessionNotFound) {
		if _, err := s.sessions.Attach(ctx, v, sessionID, p.TotalSteps); err != nil && !errors.Is(err, errors.ErrSessionExists) {
			s.logger.Warn("Failed to attach provider session", map[string]interface{}{
				"verification_id": v.ID,
				"error":           err.Error(),
			})
			return false
		}
	}
	if _, err := s.sessions.Sync(ctx, v.ID, p); err != nil {
		s.logger.Warn("Failed to sync provider session", map[string]interface{}{
			"verification_id": v.ID,
			"error":           err.Error(),
		})
	}
	return true
}

// ExecuteHandler returns the queue handler for JobExecute.
func (s *Service) ExecuteHandler() queue.Handler {
	return &executeHandler{s: s}
}

type executeHandler struct {
	s *Service
}

func (h *executeHandler) Handle(ctx context.Context, job *domain.QueuedJob) error {
	s := h.s
	var p executePayload
	if err := job.Decode(&p); err != nil {
		return queue.Permanent(errors.Wrap(err, "invalid job payload"))
	}

	v, err := s.repo.GetByID(ctx, p.VerificationID)
	if errors.Is(err, errors.ErrVerificationNotFound) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}
	if v.Status.IsTerminal() {
		return nil
	}
	if v.IsExpiredAt(s.clock()) {
		_, err := s.expire(ctx, v)
		return err
	}

	binding, err := s.registry.Bind(ctx, v.TenantID, v.ProviderName)
	if err != nil {
		return queue.Permanent(err)
	}

	var resp *provider.Response
	if v.ProviderVerificationID == nil {
		resp, err = binding.Adapter.CreateVerification(ctx, s.request(v))
	} else {
		resp, err = binding.Adapter.GetStatus(ctx, v.TenantID, *v.ProviderVerificationID)
	}
	if err != nil {
		if isTransient(err) {
			return err
		}
		_, ferr := s.Fail(ctx, v.ID, normalizeError(err))
		return ferr
	}

	// Re-check: the verification may have been cancelled while the provider call was in flight.
	current, err := s.repo.GetByID(ctx, v.ID)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		return nil
	}

	updated, err := s.apply(ctx, current, resp)
	if err != nil {
		return err
	}
	if !updated.Status.IsTerminal() {
		s.enqueueExecute(ctx, updated, s.pollDelay(updated))
	}
	return nil
}

// Exhausted fails the verification once retries are used up.
func (h *executeHandler) Exhausted(ctx context.Context, job *domain.QueuedJob, err error) {
	var p executePayload
	if job.Decode(&p) != nil {
		return
	}
	details := normalizeError(err)
	details.Retryable = false
	if details.Details == nil {
		details.Details = domain.Metadata{}
	}
	details.Details["attempts"] = job.Attempts
	if _, ferr := h.s.Fail(ctx, p.VerificationID, details); ferr != nil {
		h.s.logger.Error("Failed to fail exhausted verification", map[string]interface{}{
			"verification_id": p.VerificationID,
			"error":           ferr.Error(),
		})
	}
}

// Subscribe makes session completion and failure close the parent
// verification.
func (s *Service) Subscribe() {
	if s.bus == nil {
		return
	}
	s.subs = append(s.subs,
		s.bus.Subscribe(events.ChannelSessionCompleted, s.onSessionCompleted),
		s.bus.Subscribe(events.ChannelSessionFailed, s.onSessionFailed),
	)
}

// Unsubscribe removes the session listeners.
func (s *Service) Unsubscribe() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Service) onSessionCompleted(ctx context.Context, env *events.Envelope) error {
	var p events.SessionPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	var result domain.VerificationResult
	if err := json.Unmarshal(p.Result, &result); err != nil {
		return errors.Wrap(err, "invalid session result")
	}
	_, err := s.Complete(ctx, p.VerificationID, &result)
	return err
}

func (s *Service) onSessionFailed(ctx context.Context, env *events.Envelope) error {
	var p events.SessionPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	details := &domain.ErrorDetails{Code: "session_failed", Message: "provider session failed"}
	if len(p.Error) > 0 && string(p.Error) != "null" {
		if err := json.Unmarshal(p.Error, details); err != nil {
			return errors.Wrap(err, "invalid session error")
		}
	}
	_, err := s.Fail(ctx, p.VerificationID, details)
	return err
}
