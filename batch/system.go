package batch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/goliatone/go-waitpoint"
	"github.com/goliatone/go-waitpoint/debounce"
)

const (
	// CompleteBatchSelector is the debounce job name that recomputes a batch.
	CompleteBatchSelector = "tryCompleteBatch"
	// CompleteBatchDelay is the coalescing window for batch rechecks.
	CompleteBatchDelay = 2 * time.Second
)

// Outcome reports what PerformCompleteBatch did.
type Outcome string

const (
	OutcomeAlreadyCompleted Outcome = "already_completed"
	OutcomeCompleted        Outcome = "completed"
	OutcomeMembersPending   Outcome = "members_pending"
)

type completeBatchPayload struct {
	BatchID string `json:"batchId"`
}

// Scheduler is the subset of debounce.Scheduler the batch system needs.
type Scheduler interface {
	Schedule(ctx context.Context, dedupeKey, selector string, payload any, delay time.Duration) (debounce.EnqueueResult, error)
}

// System derives batch status from the live status of its runs.
type System struct {
	store     Store
	scheduler Scheduler
	logger    waitpoint.Logger
}

type Option func(*System)

func WithLogger(logger waitpoint.Logger) Option {
	return func(s *System) {
		s.logger = waitpoint.NormalizeLogger(logger)
	}
}

func NewSystem(store Store, scheduler Scheduler, opts ...Option) *System {
	s := &System{
		store:     store,
		scheduler: scheduler,
		logger:    waitpoint.NormalizeLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CompleteBatchKey is the dedupe key shared by every recheck of batchID.
func CompleteBatchKey(batchID string) string {
	return CompleteBatchSelector + ":" + batchID
}

// ScheduleCompleteBatch asks for a recheck of batchID in CompleteBatchDelay.
// Calls inside the window collapse into one job.
func (s *System) ScheduleCompleteBatch(ctx context.Context, batchID string) error {
	if s.scheduler == nil {
		return waitpoint.NewError(waitpoint.ErrStoreNotConfigured, "batch scheduler not configured", nil, nil)
	}
	if batchID == "" {
		return invalidInput("batch id required")
	}
	_, err := s.scheduler.Schedule(ctx,
		CompleteBatchKey(batchID),
		CompleteBatchSelector,
		completeBatchPayload{BatchID: batchID},
		CompleteBatchDelay,
	)
	return err
}

// PerformCompleteBatch marks the batch COMPLETED once every run is final.
// Running it again on a completed batch changes nothing.
func (s *System) PerformCompleteBatch(ctx context.Context, batchID string) (Outcome, error) {
	if s.store == nil {
		return "", waitpoint.NewError(waitpoint.ErrStoreNotConfigured, "batch store not configured", nil, nil)
	}
	logger := waitpoint.WithLoggerFields(s.logger.WithContext(ctx), map[string]any{"batch_id": batchID})

	b, err := s.store.FindBatch(ctx, batchID)
	if err != nil {
		return "", err
	}
	if b == nil {
		logger.Error("complete batch: batch doesn't exist")
		return "", batchNotFound(batchID)
	}
	if b.Status == StatusCompleted {
		logger.Debug("complete batch: batch already completed")
		return OutcomeAlreadyCompleted, nil
	}

	runs, err := s.store.ListBatchRuns(ctx, b.ID, b.EnvironmentID)
	if err != nil {
		return "", err
	}
	for _, run := range runs {
		if !IsFinalRunStatus(run.Status) {
			logger.Debug("complete batch: not all runs are completed")
			return OutcomeMembersPending, nil
		}
	}

	logger.Debug("complete batch: all %d runs are completed", len(runs))
	if err := s.store.UpdateBatchStatus(ctx, b.ID, StatusCompleted); err != nil {
		return "", err
	}
	return OutcomeCompleted, nil
}

// Register binds the recheck handler on worker. Unknown batches are dropped
// since retrying cannot make them appear.
func (s *System) Register(worker *debounce.Worker) {
	worker.Handle(CompleteBatchSelector, s.handleJob)
}

func (s *System) handleJob(ctx context.Context, job debounce.Job) error {
	var payload completeBatchPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.BatchID == "" {
		s.logger.Error("complete batch: malformed payload for job %s", job.ID)
		return nil
	}
	_, err := s.PerformCompleteBatch(ctx, payload.BatchID)
	if waitpoint.IsNotFound(err) {
		return nil
	}
	return err
}

// RunStatusChanged records the new run state and schedules a recheck when the
// run belongs to a batch and reached a final status.
func (s *System) RunStatusChanged(ctx context.Context, run Run) error {
	if s.store == nil {
		return waitpoint.NewError(waitpoint.ErrStoreNotConfigured, "batch store not configured", nil, nil)
	}
	if run.BatchID == "" {
		return nil
	}
	if err := s.store.UpsertRun(ctx, run); err != nil {
		return err
	}
	if !IsFinalRunStatus(run.Status) {
		return nil
	}
	return s.ScheduleCompleteBatch(ctx, run.BatchID)
}

func invalidInput(message string) error {
	return waitpoint.NewError(waitpoint.ErrInvalidInput, message, nil, nil)
}

func batchNotFound(id string) error {
	return waitpoint.NewError(waitpoint.ErrNotFound, "batch not found", nil, map[string]any{"batch_id": id})
}
