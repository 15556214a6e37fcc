package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"verifyd/pkg/domain"
	"verifyd/pkg/errors"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.QueuedJob
	seq  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*domain.QueuedJob)}
}

func (s *MemoryStore) Add(_ context.Context, job *domain.QueuedJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	c := job.Clone()
	c.Seq = s.seq
	c.State = domain.JobStateWaiting
	s.jobs[c.ID] = c
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, now time.Time, lease time.Duration) (*domain.QueuedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *domain.QueuedJob
	for _, prio := range domain.Priorities {
		for _, j := range s.jobs {
			if j.State != domain.JobStateWaiting || j.Priority != prio || j.AvailableAt.After(now) {
				continue
			}
			if best == nil || j.AvailableAt.Before(best.AvailableAt) ||
				(j.AvailableAt.Equal(best.AvailableAt) && j.Seq < best.Seq) {
				best = j
			}
		}
		if best != nil {
			break
		}
	}
	if best == nil {
		return nil, nil
	}

	until := now.Add(lease)
	best.State = domain.JobStateActive
	best.Attempts++
	best.LeaseToken = uuid.NewString()
	best.LeaseExpiresAt = &until
	return best.Clone(), nil
}

func (s *MemoryStore) owned(job *domain.QueuedJob) (*domain.QueuedJob, error) {
	stored, ok := s.jobs[job.ID]
	if !ok {
		return nil, errors.ErrJobNotFound
	}
	if stored.State != domain.JobStateActive || stored.LeaseToken != job.LeaseToken {
		return nil, errors.ErrLeaseLost
	}
	return stored, nil
}

func (s *MemoryStore) Renew(_ context.Context, job *domain.QueuedJob, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.owned(job)
	if err != nil {
		return err
	}
	stored.LeaseExpiresAt = &until
	return nil
}

func (s *MemoryStore) release(job *domain.QueuedJob, state domain.JobState, at time.Time, lastErr string) error {
	stored, err := s.owned(job)
	if err != nil {
		return err
	}
	stored.State = state
	stored.LeaseToken = ""
	stored.LeaseExpiresAt = nil
	stored.LastError = lastErr
	if state == domain.JobStateWaiting {
		stored.AvailableAt = at
		stored.FinishedAt = nil
	} else {
		t := at
		stored.FinishedAt = &t
	}
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, job *domain.QueuedJob, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.release(job, domain.JobStateCompleted, now, "")
}

func (s *MemoryStore) Retry(_ context.Context, job *domain.QueuedJob, availableAt time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.release(job, domain.JobStateWaiting, availableAt, lastErr)
}

func (s *MemoryStore) Fail(_ context.Context, job *domain.QueuedJob, now time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.release(job, domain.JobStateFailed, now, lastErr)
}

func (s *MemoryStore) RecoverStalled(_ context.Context, now time.Time, maxStalls int) ([]*domain.QueuedJob, []*domain.QueuedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var requeued, failed []*domain.QueuedJob
	for _, j := range s.jobs {
		if j.State != domain.JobStateActive || j.LeaseExpiresAt == nil || j.LeaseExpiresAt.After(now) {
			continue
		}
		j.StallCount++
		j.LeaseToken = ""
		j.LeaseExpiresAt = nil
		if j.StallCount > maxStalls {
			t := now
			j.State = domain.JobStateFailed
			j.FinishedAt = &t
			j.LastError = stalledMessage
			failed = append(failed, j.Clone())
			continue
		}
		j.Attempts--
		j.State = domain.JobStateWaiting
		j.AvailableAt = now
		requeued = append(requeued, j.Clone())
	}
	return requeued, failed, nil
}

func (s *MemoryStore) Purge(_ context.Context, now time.Time, policy RetentionPolicy) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.purgeState(domain.JobStateCompleted, now, policy.CompletedMaxAge, policy.CompletedMaxCount)
	removed += s.purgeState(domain.JobStateFailed, now, policy.FailedMaxAge, policy.FailedMaxCount)
	return removed, nil
}

func (s *MemoryStore) purgeState(state domain.JobState, now time.Time, maxAge time.Duration, maxCount int) int {
	var finished []*domain.QueuedJob
	removed := 0
	for id, j := range s.jobs {
		if j.State != state || j.FinishedAt == nil {
			continue
		}
		if maxAge > 0 && now.Sub(*j.FinishedAt) > maxAge {
			delete(s.jobs, id)
			removed++
			continue
		}
		finished = append(finished, j)
	}
	if maxCount > 0 && len(finished) > maxCount {
		sort.Slice(finished, func(a, b int) bool {
			return finished[a].FinishedAt.Before(*finished[b].FinishedAt)
		})
		for _, j := range finished[:len(finished)-maxCount] {
			delete(s.jobs, j.ID)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.QueuedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) Counts(_ context.Context) (map[domain.JobState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[domain.JobState]int{
		domain.JobStateWaiting:   0,
		domain.JobStateActive:    0,
		domain.JobStateCompleted: 0,
		domain.JobStateFailed:    0,
	}
	for _, j := range s.jobs {
		out[j.State]++
	}
	return out, nil
}
