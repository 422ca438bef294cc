package batch

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store reads batches and their member runs.
type Store interface {
	// FindBatch returns nil, nil when the batch does not exist.
	FindBatch(ctx context.Context, id string) (*Batch, error)
	// ListBatchRuns returns the runs of batchID that live in environmentID.
	ListBatchRuns(ctx context.Context, batchID, environmentID string) ([]Run, error)
	UpdateBatchStatus(ctx context.Context, id string, status Status) error
	CreateBatch(ctx context.Context, b Batch) error
	UpsertRun(ctx context.Context, run Run) error
}

// InMemoryStore keeps batches and runs in maps.
type InMemoryStore struct {
	mu      sync.RWMutex
	batches map[string]Batch
	runs    map[string]Run
	now     func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		batches: make(map[string]Batch),
		runs:    make(map[string]Run),
		now:     time.Now,
	}
}

func (s *InMemoryStore) FindBatch(_ context.Context, id string) (*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[strings.TrimSpace(id)]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *InMemoryStore) ListBatchRuns(_ context.Context, batchID, environmentID string) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Run, 0)
	for _, run := range s.runs {
		if run.BatchID == batchID && run.EnvironmentID == environmentID {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) UpdateBatchStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return batchNotFound(id)
	}
	b.Status = status
	b.UpdatedAt = s.now().UTC()
	s.batches[id] = b
	return nil
}

func (s *InMemoryStore) CreateBatch(_ context.Context, b Batch) error {
	b, err := normalizeBatch(b, s.now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[b.ID] = b
	return nil
}

func (s *InMemoryStore) UpsertRun(_ context.Context, run Run) error {
	run, err := normalizeRun(run, s.now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func normalizeBatch(b Batch, now time.Time) (Batch, error) {
	b.ID = strings.TrimSpace(b.ID)
	if b.ID == "" {
		return b, invalidInput("batch id required")
	}
	if b.Status == "" {
		b.Status = StatusPending
	}
	now = now.UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	return b, nil
}

func normalizeRun(run Run, now time.Time) (Run, error) {
	run.ID = strings.TrimSpace(run.ID)
	run.BatchID = strings.TrimSpace(run.BatchID)
	if run.ID == "" || run.BatchID == "" {
		return run, invalidInput("run id and batch id required")
	}
	if run.Status == "" {
		run.Status = RunPending
	}
	run.UpdatedAt = now.UTC()
	return run, nil
}
