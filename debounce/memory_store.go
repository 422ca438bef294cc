package debounce

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryJobStore keeps debounced jobs in memory.
type InMemoryJobStore struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	pending map[string]string
}

// NewInMemoryJobStore constructs an empty in-memory store.
func NewInMemoryJobStore() *InMemoryJobStore {
	return &InMemoryJobStore{
		jobs:    make(map[string]*Job),
		pending: make(map[string]string),
	}
}

func (s *InMemoryJobStore) Enqueue(_ context.Context, req EnqueueRequest, now time.Time) (EnqueueResult, error) {
	req, err := normalizeRequest(req, now)
	if err != nil {
		return EnqueueResult{}, err
	}
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.pending[req.DedupeKey]; ok {
		job := s.jobs[id]
		job.Payload = req.Payload
		job.Selector = req.Selector
		job.AvailableAt = refreshedAvailableAt(req.Refresh, job.AvailableAt, req.AvailableAt)
		job.UpdatedAt = now
		return EnqueueResult{JobID: job.ID, Absorbed: true, AvailableAt: job.AvailableAt}, nil
	}

	job := &Job{
		ID:          newJobID(),
		DedupeKey:   req.DedupeKey,
		Selector:    req.Selector,
		Payload:     req.Payload,
		AvailableAt: req.AvailableAt,
		Status:      JobStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[job.ID] = job
	s.pending[job.DedupeKey] = job.ID
	return EnqueueResult{JobID: job.ID, AvailableAt: job.AvailableAt}, nil
}

func (s *InMemoryJobStore) ClaimDue(_ context.Context, workerID string, limit int, now time.Time, leaseTTL time.Duration) ([]Job, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, ErrInvalidEntry
	}
	if limit <= 0 {
		limit = 100
	}
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]*Job, 0)
	for _, job := range s.jobs {
		if claimable(job, now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].AvailableAt.Equal(due[j].AvailableAt) {
			return due[i].AvailableAt.Before(due[j].AvailableAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]Job, 0, len(due))
	for _, job := range due {
		if job.Status == JobStatusPending && s.pending[job.DedupeKey] == job.ID {
			delete(s.pending, job.DedupeKey)
		}
		job.Status = JobStatusLeased
		job.LeaseOwner = workerID
		job.LeaseToken = newLeaseToken()
		job.LeaseUntil = now.Add(leaseTTL)
		job.Attempts++
		job.UpdatedAt = now
		claimed = append(claimed, job.clone())
	}
	return claimed, nil
}

func (s *InMemoryJobStore) MarkCompleted(_ context.Context, id, leaseToken string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.leased(id, leaseToken)
	if err != nil {
		return err
	}
	job.Status = JobStatusCompleted
	job.LeaseOwner, job.LeaseToken, job.LeaseUntil = "", "", time.Time{}
	job.LastError = ""
	job.UpdatedAt = now.UTC()
	return nil
}

func (s *InMemoryJobStore) MarkFailed(_ context.Context, id, leaseToken string, retryAt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.leased(id, leaseToken)
	if err != nil {
		return err
	}
	retryAt = retryAt.UTC()
	job.LeaseOwner, job.LeaseToken, job.LeaseUntil = "", "", time.Time{}
	job.LastError = strings.TrimSpace(reason)
	job.UpdatedAt = time.Now().UTC()

	if siblingID, ok := s.pending[job.DedupeKey]; ok && siblingID != job.ID {
		sibling := s.jobs[siblingID]
		if retryAt.Before(sibling.AvailableAt) {
			sibling.AvailableAt = retryAt
		}
		job.Status = JobStatusCompleted
		job.LastError = "superseded by " + siblingID + ": " + job.LastError
		return nil
	}
	job.Status = JobStatusPending
	job.AvailableAt = retryAt
	s.pending[job.DedupeKey] = job.ID
	return nil
}

func (s *InMemoryJobStore) MarkDead(_ context.Context, id, leaseToken, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.leased(id, leaseToken)
	if err != nil {
		return err
	}
	job.Status = JobStatusDead
	job.LeaseOwner, job.LeaseToken, job.LeaseUntil = "", "", time.Time{}
	job.LastError = strings.TrimSpace(reason)
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryJobStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[strings.TrimSpace(id)]
	if !ok {
		return nil, nil
	}
	cp := job.clone()
	return &cp, nil
}

func (s *InMemoryJobStore) ListDead(_ context.Context, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0)
	for _, job := range s.jobs {
		if job.Status == JobStatusDead {
			out = append(out, job.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Jobs returns a copy of every stored job.
func (s *InMemoryJobStore) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *InMemoryJobStore) leased(id, leaseToken string) (*Job, error) {
	job, ok := s.jobs[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status != JobStatusLeased || job.LeaseToken != leaseToken {
		return nil, ErrLeaseLost
	}
	return job, nil
}

func claimable(job *Job, now time.Time) bool {
	switch job.Status {
	case JobStatusPending:
		return !job.AvailableAt.After(now)
	case JobStatusLeased:
		return !job.LeaseUntil.After(now)
	default:
		return false
	}
}
