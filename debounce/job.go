package debounce

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a debounced job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusLeased    JobStatus = "leased"
	JobStatusCompleted JobStatus = "completed"
	JobStatusDead      JobStatus = "dead"
)

// RefreshPolicy decides what an absorbed trigger does to the pending job's
// run time.
type RefreshPolicy string

const (
	// RefreshExtend pushes AvailableAt to the later of the two times.
	RefreshExtend RefreshPolicy = "extend"
	// RefreshKeep leaves AvailableAt unchanged.
	RefreshKeep RefreshPolicy = "keep"
)

func normalizeRefresh(p RefreshPolicy) RefreshPolicy {
	if RefreshPolicy(strings.ToLower(strings.TrimSpace(string(p)))) == RefreshKeep {
		return RefreshKeep
	}
	return RefreshExtend
}

var (
	ErrJobNotFound  = errors.New("debounce job not found")
	ErrLeaseLost    = errors.New("debounce job lease no longer held")
	ErrInvalidEntry = errors.New("debounce job requires dedupe key and selector")
)

// Job is one delayed execution. At most one pending job exists per DedupeKey.
type Job struct {
	ID          string
	DedupeKey   string
	Selector    string
	Payload     []byte
	AvailableAt time.Time
	Status      JobStatus
	Attempts    int
	LeaseOwner  string
	LeaseToken  string
	LeaseUntil  time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (j Job) clone() Job {
	j.Payload = append([]byte(nil), j.Payload...)
	return j
}

// EnqueueRequest asks for Selector to run with Payload no earlier than AvailableAt.
type EnqueueRequest struct {
	DedupeKey   string
	Selector    string
	Payload     []byte
	AvailableAt time.Time
	Refresh     RefreshPolicy
}

// EnqueueResult names the job that will serve the request.
type EnqueueResult struct {
	JobID       string
	Absorbed    bool
	AvailableAt time.Time
}

// JobStore persists debounced jobs. Enqueue must be atomic per dedupe key.
type JobStore interface {
	// Enqueue absorbs req into the pending job with the same key, or creates
	// one. Leased jobs never absorb.
	Enqueue(ctx context.Context, req EnqueueRequest, now time.Time) (EnqueueResult, error)
	// ClaimDue leases up to limit jobs available at now, including jobs whose
	// previous lease expired.
	ClaimDue(ctx context.Context, workerID string, limit int, now time.Time, leaseTTL time.Duration) ([]Job, error)
	MarkCompleted(ctx context.Context, id, leaseToken string, now time.Time) error
	// MarkFailed puts the job back to pending at retryAt. When another pending
	// job already holds the key, the failed job folds into it.
	MarkFailed(ctx context.Context, id, leaseToken string, retryAt time.Time, reason string) error
	MarkDead(ctx context.Context, id, leaseToken, reason string) error
	Get(ctx context.Context, id string) (*Job, error)
	ListDead(ctx context.Context, limit int) ([]Job, error)
}

func normalizeRequest(req EnqueueRequest, now time.Time) (EnqueueRequest, error) {
	req.DedupeKey = strings.TrimSpace(req.DedupeKey)
	req.Selector = strings.TrimSpace(req.Selector)
	if req.DedupeKey == "" || req.Selector == "" {
		return req, ErrInvalidEntry
	}
	if req.AvailableAt.IsZero() {
		req.AvailableAt = now
	}
	req.AvailableAt = req.AvailableAt.UTC()
	req.Refresh = normalizeRefresh(req.Refresh)
	req.Payload = append([]byte(nil), req.Payload...)
	return req, nil
}

func newJobID() string {
	return "job_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newLeaseToken() string {
	return uuid.NewString()
}

func refreshedAvailableAt(policy RefreshPolicy, current, requested time.Time) time.Time {
	if policy == RefreshExtend && requested.After(current) {
		return requested
	}
	return current
}
