// Package queue runs deferred work on a leased, retrying worker pool.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"verifyd/pkg/config"
	"verifyd/pkg/correlation"
	"verifyd/pkg/domain"
	"verifyd/pkg/errors"
	"verifyd/pkg/logger"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Handler executes one job attempt.
type Handler interface {
	Handle(ctx context.Context, job *domain.QueuedJob) error
}

type HandlerFunc func(ctx context.Context, job *domain.QueuedJob) error

func (f HandlerFunc) Handle(ctx context.Context, job *domain.QueuedJob) error { return f(ctx, job) }

// ExhaustedHandler is implemented by handlers that react to permanent failure.
type ExhaustedHandler interface {
	Exhausted(ctx context.Context, job *domain.QueuedJob, err error)
}

// Enqueuer is the narrow interface producers depend on.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}, opts EnqueueOptions) (*domain.QueuedJob, error)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent is true for Permanent errors and for configuration and
// validation failures, which a retry cannot fix.
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	switch errors.KindOf(err) {
	case errors.KindConfiguration, errors.KindValidation:
		return true
	}
	return false
}

type EnqueueOptions struct {
	Attempts       int
	Backoff        *domain.BackoffPolicy
	Timeout        time.Duration
	Delay          time.Duration
	Priority       domain.JobPriority
	VerificationID *uuid.UUID
	TenantID       *uuid.UUID
	ProviderName   string
}

type Options struct {
	Concurrency        int
	LeaseDuration      time.Duration
	RenewInterval      time.Duration
	PollInterval       time.Duration
	StallCheckInterval time.Duration
	MaxStalls          int
	DefaultAttempts    int
	Backoff            domain.BackoffPolicy
	JobTimeout         time.Duration
	Retention          RetentionPolicy
	PurgeInterval      time.Duration
}

func OptionsFromConfig(cfg config.QueueConfig) Options {
	return Options{
		Concurrency:        cfg.Concurrency,
		LeaseDuration:      cfg.LeaseDuration,
		RenewInterval:      cfg.RenewInterval,
		PollInterval:       cfg.PollInterval,
		StallCheckInterval: cfg.StallCheckInterval,
		MaxStalls:          cfg.MaxStalls,
		DefaultAttempts:    cfg.DefaultAttempts,
		Backoff:            domain.BackoffPolicy{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		JobTimeout:         cfg.JobTimeout,
		Retention: RetentionPolicy{
			CompletedMaxAge:   cfg.CompletedMaxAge,
			CompletedMaxCount: cfg.CompletedMaxCount,
			FailedMaxAge:      cfg.FailedMaxAge,
			FailedMaxCount:    cfg.FailedMaxCount,
		},
		PurgeInterval: cfg.PurgeInterval,
	}
}

func (o *Options) applyDefaults() {
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 30 * time.Second
	}
	if o.RenewInterval <= 0 || o.RenewInterval >= o.LeaseDuration {
		o.RenewInterval = o.LeaseDuration / 3
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.StallCheckInterval <= 0 {
		o.StallCheckInterval = o.LeaseDuration / 2
	}
	if o.DefaultAttempts < 1 {
		o.DefaultAttempts = 1
	}
}

type Queue struct {
	store    Store
	opts     Options
	logger   logger.Logger
	now      func() time.Time
	mu       sync.RWMutex
	handlers map[string]Handler

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	wake    chan struct{}
}

func New(store Store, opts Options, log logger.Logger) *Queue {
	opts.applyDefaults()
	return &Queue{
		store:    store,
		opts:     opts,
		logger:   log.With(map[string]interface{}{"component": "job_queue"}),
		now:      time.Now,
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
	}
}

// SetClock replaces the time source. Used by tests.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Register binds a handler to jobType, replacing any previous one.
func (q *Queue) Register(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

func (q *Queue) handler(jobType string) Handler {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.handlers[jobType]
}

func (q *Queue) Enqueue(ctx context.Context, jobType string, payload interface{}, opts EnqueueOptions) (*domain.QueuedJob, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode job payload")
	}
	if !opts.Priority.Valid() {
		return nil, errors.Validation("invalid_priority", fmt.Sprintf("unknown job priority %d", opts.Priority), nil)
	}

	attempts := opts.Attempts
	if attempts < 1 {
		attempts = q.opts.DefaultAttempts
	}
	backoff := q.opts.Backoff
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = q.opts.JobTimeout
	}

	now := q.now().UTC()
	job := &domain.QueuedJob{
		ID:             ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		Type:           jobType,
		VerificationID: opts.VerificationID,
		TenantID:       opts.TenantID,
		ProviderName:   opts.ProviderName,
		CorrelationID:  correlation.FromContext(ctx),
		Payload:        raw,
		Priority:       opts.Priority,
		State:          domain.JobStateWaiting,
		MaxAttempts:    attempts,
		Backoff:        backoff,
		Timeout:        timeout,
		EnqueuedAt:     now,
		AvailableAt:    now.Add(opts.Delay),
	}

	if err := q.store.Add(ctx, job); err != nil {
		return nil, errors.Wrap(err, "enqueue job")
	}

	q.logger.Debug("Job enqueued", map[string]interface{}{
		"job_id":       job.ID,
		"job_type":     jobType,
		"max_attempts": attempts,
		"delay_ms":     opts.Delay.Milliseconds(),
	})

	if opts.Delay <= 0 {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return job, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*domain.QueuedJob, error) {
	return q.store.Get(ctx, id)
}

func (q *Queue) Counts(ctx context.Context) (map[domain.JobState]int, error) {
	return q.store.Counts(ctx)
}

// Start launches the worker pool, the stall reaper and the purger.
func (q *Queue) Start(ctx context.Context) error {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	q.stop = make(chan struct{})
	q.running = true

	for i := 0; i < q.opts.Concurrency; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)
		q.wg.Add(1)
		go q.worker(runCtx, workerID)
	}

	q.wg.Add(1)
	go q.every(q.opts.StallCheckInterval, func() {
		if _, _, err := q.RecoverStalled(runCtx); err != nil {
			q.logger.Error("Stalled job recovery failed", map[string]interface{}{"error": err.Error()})
		}
	})

	if q.opts.PurgeInterval > 0 {
		q.wg.Add(1)
		go q.every(q.opts.PurgeInterval, func() {
			if _, err := q.Purge(runCtx); err != nil {
				q.logger.Error("Job purge failed", map[string]interface{}{"error": err.Error()})
			}
		})
	}

	q.logger.Info("Job queue started", map[string]interface{}{
		"concurrency": q.opts.Concurrency,
		"lease_ms":    q.opts.LeaseDuration.Milliseconds(),
	})
	return nil
}

// Stop stops claiming new jobs and waits for in-flight jobs. When ctx ends
// first, in-flight handlers are cancelled and their leases expire normally.
func (q *Queue) Stop(ctx context.Context) error {
	q.runMu.Lock()
	if !q.running {
		q.runMu.Unlock()
		return nil
	}
	q.running = false
	close(q.stop)
	cancel := q.cancel
	q.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancel()
		q.logger.Info("Job queue stopped", nil)
		return nil
	case <-ctx.Done():
		// Handlers that ignore cancellation keep their leases until the
		// process exits; the stall reaper of another instance requeues them.
		cancel()
		q.logger.Warn("Job queue stop deadline exceeded", nil)
		return ctx.Err()
	}
}

func (q *Queue) every(interval time.Duration, fn func()) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (q *Queue) worker(ctx context.Context, workerID string) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		default:
		}

		ran, err := q.ProcessNext(ctx, workerID)
		if err != nil {
			q.logger.Error("Worker failed to process job", map[string]interface{}{
				"worker": workerID,
				"error":  err.Error(),
			})
		}
		if ran {
			continue
		}

		select {
		case <-q.stop:
			return
		case <-q.wake:
		case <-time.After(q.opts.PollInterval):
		}
	}
}

// ProcessNext claims and runs at most one job. It reports whether a job ran.
func (q *Queue) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	job, err := q.store.Claim(ctx, q.now(), q.opts.LeaseDuration)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	return true, q.execute(ctx, workerID, job)
}

func (q *Queue) execute(ctx context.Context, workerID string, job *domain.QueuedJob) error {
	fields := map[string]interface{}{
		"worker":   workerID,
		"job_id":   job.ID,
		"job_type": job.Type,
		"attempt":  job.Attempts,
	}
	ctx = correlation.WithID(ctx, job.CorrelationID)

	h := q.handler(job.Type)
	if h == nil {
		q.logger.Error("No handler registered for job type", fields)
		return q.store.Fail(ctx, job, q.now(), errors.ErrNoHandler.Error())
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if job.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		jobCtx, cancelTimeout = context.WithTimeout(jobCtx, job.Timeout)
		defer cancelTimeout()
	}

	// The lease is renewed until the handler returns, even past its timeout
	// or a shutdown, so no other worker can claim the job while it still runs.
	leaseCtx, stopLease := context.WithCancel(context.WithoutCancel(ctx))
	renewDone := make(chan struct{})
	go q.renew(leaseCtx, job, cancel, renewDone)

	result := make(chan error, 1)
	go func() { result <- q.run(jobCtx, h, job) }()

	err := <-result
	timedOut := errors.Is(context.Cause(jobCtx), context.DeadlineExceeded)
	leaseLost := errors.Is(context.Cause(jobCtx), errors.ErrLeaseLost)
	stopLease()
	<-renewDone

	switch {
	case leaseLost:
		q.logger.Warn("Job lease lost during execution", fields)
		return nil
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		// Shutting down: the lease expires and the stall reaper requeues
		// the job without consuming an attempt.
		q.logger.Warn("Job interrupted by shutdown", fields)
		return nil
	case timedOut:
		err = fmt.Errorf("job timed out after %s", job.Timeout)
	}

	now := q.now()
	if err == nil {
		if cerr := q.store.Complete(ctx, job, now); cerr != nil {
			return q.releaseError(cerr, fields)
		}
		q.logger.Debug("Job completed", fields)
		return nil
	}

	fields["error"] = err.Error()
	if IsPermanent(err) || !job.CanRetry() {
		if ferr := q.store.Fail(ctx, job, now, err.Error()); ferr != nil {
			return q.releaseError(ferr, fields)
		}
		q.logger.Error("Job failed permanently", fields)
		q.exhausted(ctx, h, job, err)
		return nil
	}

	delay := job.Backoff.Delay(job.Attempts)
	if rerr := q.store.Retry(ctx, job, now.Add(delay), err.Error()); rerr != nil {
		return q.releaseError(rerr, fields)
	}
	fields["retry_in_ms"] = delay.Milliseconds()
	q.logger.Warn("Job attempt failed, retry scheduled", fields)
	return nil
}

func (q *Queue) releaseError(err error, fields map[string]interface{}) error {
	if errors.Is(err, errors.ErrLeaseLost) {
		q.logger.Warn("Job lease lost before release", fields)
		return nil
	}
	return err
}

func (q *Queue) run(ctx context.Context, h Handler, job *domain.QueuedJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
			q.logger.Error("Job handler panicked", map[string]interface{}{
				"job_id": job.ID,
				"panic":  fmt.Sprint(r),
				"stack":  string(debug.Stack()),
			})
		}
	}()
	return h.Handle(ctx, job)
}

func (q *Queue) renew(ctx context.Context, job *domain.QueuedJob, cancel context.CancelCauseFunc, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(q.opts.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := q.store.Renew(ctx, job, q.now().Add(q.opts.LeaseDuration))
			if err == nil {
				continue
			}
			if errors.Is(err, errors.ErrLeaseLost) || errors.Is(err, errors.ErrJobNotFound) {
				cancel(errors.ErrLeaseLost)
				return
			}
			if ctx.Err() == nil {
				q.logger.Warn("Lease renewal failed", map[string]interface{}{
					"job_id": job.ID,
					"error":  err.Error(),
				})
			}
		}
	}
}

func (q *Queue) exhausted(ctx context.Context, h Handler, job *domain.QueuedJob, err error) {
	eh, ok := h.(ExhaustedHandler)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Exhausted hook panicked", map[string]interface{}{
				"job_id": job.ID,
				"panic":  fmt.Sprint(r),
			})
		}
	}()
	eh.Exhausted(ctx, job, err)
}

// RecoverStalled requeues jobs whose lease expired and fails those over the stall limit.
func (q *Queue) RecoverStalled(ctx context.Context) (int, int, error) {
	requeued, failed, err := q.store.RecoverStalled(ctx, q.now(), q.opts.MaxStalls)
	if err != nil {
		return 0, 0, err
	}
	for _, job := range requeued {
		q.logger.Warn("Stalled job requeued", map[string]interface{}{
			"job_id":      job.ID,
			"job_type":    job.Type,
			"stall_count": job.StallCount,
		})
	}
	for _, job := range failed {
		q.logger.Error("Stalled job failed", map[string]interface{}{
			"job_id":      job.ID,
			"job_type":    job.Type,
			"stall_count": job.StallCount,
		})
		if h := q.handler(job.Type); h != nil {
			q.exhausted(correlation.WithID(ctx, job.CorrelationID), h, job, errors.New(stalledMessage))
		}
	}
	return len(requeued), len(failed), nil
}

// Purge applies the retention policy to finished jobs.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	n, err := q.store.Purge(ctx, q.now(), q.opts.Retention)
	if err != nil {
		return n, err
	}
	if n > 0 {
		q.logger.Debug("Purged finished jobs", map[string]interface{}{"count": n})
	}
	return n, nil
}
