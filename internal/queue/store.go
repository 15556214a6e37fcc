package queue

import (
	"context"
	"time"

	"verifyd/pkg/domain"
)

// Store persists jobs and enforces the single-lease-holder rule.
//
// Claim increments Attempts. Retry, Complete and Fail require the caller's
// lease token and return ErrLeaseLost when another worker owns the job.
type Store interface {
	Add(ctx context.Context, job *domain.QueuedJob) error
	// Claim leases the next available job, or returns nil when none is due.
	Claim(ctx context.Context, now time.Time, lease time.Duration) (*domain.QueuedJob, error)
	Renew(ctx context.Context, job *domain.QueuedJob, until time.Time) error
	Complete(ctx context.Context, job *domain.QueuedJob, now time.Time) error
	Retry(ctx context.Context, job *domain.QueuedJob, availableAt time.Time, lastErr string) error
	Fail(ctx context.Context, job *domain.QueuedJob, now time.Time, lastErr string) error
	// RecoverStalled requeues active jobs whose lease expired before now. A job
	// that stalls more than maxStalls times is failed instead.
	RecoverStalled(ctx context.Context, now time.Time, maxStalls int) (requeued, failed []*domain.QueuedJob, err error)
	Purge(ctx context.Context, now time.Time, policy RetentionPolicy) (int, error)
	Get(ctx context.Context, id string) (*domain.QueuedJob, error)
	Counts(ctx context.Context) (map[domain.JobState]int, error)
}

// RetentionPolicy bounds how many finished jobs are kept and for how long.
// Zero values disable the corresponding bound.
type RetentionPolicy struct {
	CompletedMaxAge   time.Duration
	CompletedMaxCount int
	FailedMaxAge      time.Duration
	FailedMaxCount    int
}

const stalledMessage = "job stalled more than allowable limit"
