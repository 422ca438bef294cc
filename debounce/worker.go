package debounce

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-waitpoint"
	"github.com/goliatone/go-waitpoint/runner"
)

// Handler runs one debounced job.
type Handler func(ctx context.Context, job Job) error

// Outcome classifies one job execution.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeDeadLettered   Outcome = "dead_lettered"
)

// JobResult captures one job execution.
type JobResult struct {
	JobID      string
	DedupeKey  string
	Selector   string
	Attempt    int
	Outcome    Outcome
	RetryAt    time.Time
	Error      string
	OccurredAt time.Time
}

// Report summarizes one worker cycle.
type Report struct {
	WorkerID   string
	Claimed    int
	Processed  int
	Lag        time.Duration
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []JobResult
}

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Status is the latest runtime state and cycle figures of a Worker.
type Status struct {
	WorkerID            string
	State               State
	LastRunAt           time.Time
	LastSuccessAt       time.Time
	LastError           string
	ConsecutiveFailures int
	LastClaimed         int
	LastProcessed       int
	LastLag             time.Duration
}

// Worker claims due jobs, runs the handler bound to their selector and
// retries failures with backoff until MaxAttempts, then dead-letters them.
type Worker struct {
	store         JobStore
	workerID      string
	limit         int
	leaseDuration time.Duration
	jobTimeout    time.Duration
	maxAttempts   int
	runInterval   time.Duration
	retry         runner.RetryStrategy
	logger        waitpoint.Logger
	metrics       Metrics
	now           func() time.Time
	outcomeHook   func(context.Context, JobResult)

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	stateMu sync.RWMutex
	status  Status

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
	running   bool
}

type WorkerOption func(*Worker)

func WithWorkerID(id string) WorkerOption {
	return func(w *Worker) {
		w.workerID = strings.TrimSpace(id)
	}
}

func WithBatchLimit(limit int) WorkerOption {
	return func(w *Worker) {
		if limit > 0 {
			w.limit = limit
		}
	}
}

func WithLeaseDuration(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.leaseDuration = d
		}
	}
}

// WithJobTimeout bounds a single handler call.
func WithJobTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.jobTimeout = d
	}
}

func WithMaxAttempts(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

func WithRunInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.runInterval = d
		}
	}
}

// WithRetryStrategy sets the backoff between failed attempts.
func WithRetryStrategy(strategy runner.RetryStrategy) WorkerOption {
	return func(w *Worker) {
		if strategy != nil {
			w.retry = strategy
		}
	}
}

func WithWorkerLogger(logger waitpoint.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = waitpoint.NormalizeLogger(logger)
	}
}

func WithWorkerMetrics(metrics Metrics) WorkerOption {
	return func(w *Worker) {
		if metrics != nil {
			w.metrics = metrics
		}
	}
}

func WithWorkerClock(clock func() time.Time) WorkerOption {
	return func(w *Worker) {
		if clock != nil {
			w.now = clock
		}
	}
}

// WithOutcomeHook receives every classified job result.
func WithOutcomeHook(hook func(context.Context, JobResult)) WorkerOption {
	return func(w *Worker) {
		w.outcomeHook = hook
	}
}

// NewWorker builds a Worker reading from store.
func NewWorker(store JobStore, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:         store,
		workerID:      "debounce-worker-1",
		limit:         100,
		leaseDuration: 30 * time.Second,
		jobTimeout:    30 * time.Second,
		maxAttempts:   5,
		runInterval:   250 * time.Millisecond,
		retry: runner.ExponentialBackoffStrategy{
			Base:   time.Second,
			Factor: 2,
			Max:    time.Minute,
		},
		logger:   waitpoint.NormalizeLogger(nil),
		metrics:  nopMetrics{},
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.status = Status{WorkerID: w.workerID, State: StateIdle}
	return w
}

// Handle binds h to selector, replacing any previous handler.
func (w *Worker) Handle(selector string, h Handler) {
	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()
	w.handlers[strings.TrimSpace(selector)] = h
}

func (w *Worker) handler(selector string) (Handler, bool) {
	w.handlersMu.RLock()
	defer w.handlersMu.RUnlock()
	h, ok := w.handlers[selector]
	return h, ok && h != nil
}

// Run polls for due jobs until ctx ends or Stop is called.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.validate(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w.runMu.Lock()
	if w.running {
		w.runMu.Unlock()
		return fmt.Errorf("debounce worker already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	w.runCancel = cancel
	w.runDone = runDone
	w.running = true
	w.runMu.Unlock()

	w.setState(StateRunning)
	logger := waitpoint.WithLoggerFields(w.logger.WithContext(runCtx), map[string]any{"worker_id": w.workerID})
	logger.Info("debounce worker started")

	defer func() {
		w.runMu.Lock()
		w.running = false
		w.runCancel = nil
		w.runDone = nil
		close(runDone)
		w.runMu.Unlock()
		w.setState(StateStopped)
		logger.Info("debounce worker stopped")
	}()

	ticker := time.NewTicker(w.runInterval)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(runCtx); err != nil && runCtx.Err() == nil {
			logger.Warn("debounce worker cycle failed: %v", err)
		}
		select {
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims due jobs and runs them once.
func (w *Worker) RunOnce(ctx context.Context) (Report, error) {
	report := Report{}
	if err := w.validate(); err != nil {
		return report, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := w.now().UTC()
	report.WorkerID = w.workerID
	report.StartedAt = now

	jobs, err := w.store.ClaimDue(ctx, w.workerID, w.limit, now, w.leaseDuration)
	if err != nil {
		report.FinishedAt = w.now().UTC()
		w.recordCycle(report, err)
		return report, err
	}
	report.Claimed = len(jobs)
	if lag, ok := jobLag(jobs, now); ok {
		report.Lag = lag
		w.metrics.JobLag(lag)
	}

	var cycleErr error
	for _, job := range jobs {
		result := w.execute(ctx, job)
		report.Results = append(report.Results, result)
		if result.Outcome == OutcomeCompleted {
			report.Processed++
		} else if cycleErr == nil && result.Error != "" {
			cycleErr = fmt.Errorf("job %s: %s", job.ID, result.Error)
		}
		if w.outcomeHook != nil {
			w.outcomeHook(ctx, result)
		}
	}

	report.FinishedAt = w.now().UTC()
	w.recordCycle(report, cycleErr)
	return report, cycleErr
}

func (w *Worker) execute(ctx context.Context, job Job) JobResult {
	result := JobResult{
		JobID:      job.ID,
		DedupeKey:  job.DedupeKey,
		Selector:   job.Selector,
		Attempt:    job.Attempts,
		OccurredAt: w.now().UTC(),
	}
	logger := waitpoint.WithLoggerFields(w.logger.WithContext(ctx), map[string]any{
		"job_id":     job.ID,
		"dedupe_key": job.DedupeKey,
		"selector":   job.Selector,
		"attempt":    job.Attempts,
	})

	h, ok := w.handler(job.Selector)
	var runErr error
	if !ok {
		runErr = fmt.Errorf("no handler registered for selector %q", job.Selector)
	} else {
		opts := []runner.Option{runner.WithMaxRetries(0)}
		if w.jobTimeout > 0 {
			opts = append(opts, runner.WithTimeout(w.jobTimeout))
		}
		runErr = runner.NewHandler(opts...).Run(ctx, func(ctx context.Context) error {
			return h(ctx, job)
		})
	}

	if runErr == nil {
		if err := w.store.MarkCompleted(ctx, job.ID, job.LeaseToken, w.now()); err != nil {
			logger.Error("debounce mark completed failed: %v", err)
			result.Error = err.Error()
			result.Outcome = OutcomeRetryScheduled
			return result
		}
		result.Outcome = OutcomeCompleted
		w.metrics.JobOutcome(job.Selector, OutcomeCompleted)
		logger.Debug("debounced job completed")
		return result
	}

	result.Error = runErr.Error()
	decision := runner.DecideRetry(w.retry, job.Attempts-1, runErr)
	if !ok || job.Attempts >= w.maxAttempts || !decision.ShouldRetry {
		result.Outcome = OutcomeDeadLettered
		if err := w.store.MarkDead(ctx, job.ID, job.LeaseToken, result.Error); err != nil {
			logger.Error("debounce mark dead failed: %v", err)
		}
		w.metrics.JobOutcome(job.Selector, OutcomeDeadLettered)
		logger.Error("debounced job dead-lettered: %v", runErr)
		return result
	}

	result.Outcome = OutcomeRetryScheduled
	result.RetryAt = w.now().UTC().Add(decision.Delay)
	if err := w.store.MarkFailed(ctx, job.ID, job.LeaseToken, result.RetryAt, result.Error); err != nil {
		logger.Error("debounce mark failed failed: %v", err)
	}
	w.metrics.JobOutcome(job.Selector, OutcomeRetryScheduled)
	logger.Warn("debounced job failed, retry at %s: %v", result.RetryAt.Format(time.RFC3339Nano), runErr)
	return result
}

// Stop cancels Run and waits for it to return.
func (w *Worker) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	w.runMu.Lock()
	cancel, done, running := w.runCancel, w.runDone, w.running
	w.runMu.Unlock()

	if !running || cancel == nil || done == nil {
		w.setState(StateStopped)
		return nil
	}
	w.setState(StateStopping)
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a copy of the latest runtime status.
func (w *Worker) Status() Status {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.status
}

func (w *Worker) recordCycle(report Report, cycleErr error) {
	now := w.now().UTC()
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	w.status.LastRunAt = now
	w.status.LastClaimed = report.Claimed
	w.status.LastProcessed = report.Processed
	w.status.LastLag = report.Lag
	if cycleErr == nil {
		w.status.LastSuccessAt = now
		w.status.LastError = ""
		w.status.ConsecutiveFailures = 0
		return
	}
	w.status.LastError = cycleErr.Error()
	w.status.ConsecutiveFailures++
}

func (w *Worker) setState(state State) {
	w.stateMu.Lock()
	w.status.State = state
	w.stateMu.Unlock()
}

func (w *Worker) validate() error {
	if w == nil || w.store == nil {
		return fmt.Errorf("debounce job store not configured")
	}
	if w.workerID == "" {
		return fmt.Errorf("debounce worker id required")
	}
	return nil
}

func jobLag(jobs []Job, now time.Time) (time.Duration, bool) {
	var oldest time.Time
	for _, job := range jobs {
		if oldest.IsZero() || job.AvailableAt.Before(oldest) {
			oldest = job.AvailableAt
		}
	}
	if oldest.IsZero() {
		return 0, false
	}
	if now.Before(oldest) {
		return 0, true
	}
	return now.Sub(oldest), true
}
