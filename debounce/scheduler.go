package debounce

import (
	"context"
	"encoding/json"
	"time"

	"github.com/goliatone/go-waitpoint"
)

// DefaultDelay is how far in the future a debounced job runs when no delay is given.
const DefaultDelay = 2 * time.Second

// Metrics receives debounce events.
type Metrics interface {
	JobEnqueued(selector string, absorbed bool)
	JobOutcome(selector string, outcome Outcome)
	JobLag(lag time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) JobEnqueued(string, bool)   {}
func (nopMetrics) JobOutcome(string, Outcome) {}
func (nopMetrics) JobLag(time.Duration)       {}

// Scheduler coalesces triggers into delayed jobs keyed by dedupe key.
type Scheduler struct {
	store        JobStore
	refresh      RefreshPolicy
	defaultDelay time.Duration
	clock        func() time.Time
	logger       waitpoint.Logger
	metrics      Metrics
}

type SchedulerOption func(*Scheduler)

func WithRefreshPolicy(policy RefreshPolicy) SchedulerOption {
	return func(s *Scheduler) {
		s.refresh = normalizeRefresh(policy)
	}
}

func WithDefaultDelay(delay time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if delay > 0 {
			s.defaultDelay = delay
		}
	}
}

func WithSchedulerClock(clock func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithSchedulerLogger(logger waitpoint.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = waitpoint.NormalizeLogger(logger)
	}
}

func WithSchedulerMetrics(metrics Metrics) SchedulerOption {
	return func(s *Scheduler) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// NewScheduler builds a Scheduler writing to store.
func NewScheduler(store JobStore, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:        store,
		refresh:      RefreshExtend,
		defaultDelay: DefaultDelay,
		clock:        time.Now,
		logger:       waitpoint.NormalizeLogger(nil),
		metrics:      nopMetrics{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Schedule asks for selector to run with payload after delay. A pending job
// with the same dedupe key absorbs the request. A non-positive delay uses the
// default delay.
func (s *Scheduler) Schedule(ctx context.Context, dedupeKey, selector string, payload any, delay time.Duration) (EnqueueResult, error) {
	if s == nil || s.store == nil {
		return EnqueueResult{}, waitpoint.NewError(waitpoint.ErrStoreNotConfigured, "debounce scheduler not configured", nil, nil)
	}
	if delay <= 0 {
		delay = s.defaultDelay
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return EnqueueResult{}, err
	}
	now := s.clock().UTC()
	res, err := s.store.Enqueue(ctx, EnqueueRequest{
		DedupeKey:   dedupeKey,
		Selector:    selector,
		Payload:     raw,
		AvailableAt: now.Add(delay),
		Refresh:     s.refresh,
	}, now)
	if err != nil {
		if err == ErrInvalidEntry {
			return EnqueueResult{}, waitpoint.NewError(waitpoint.ErrInvalidInput, err.Error(), err, nil)
		}
		return EnqueueResult{}, err
	}
	s.metrics.JobEnqueued(selector, res.Absorbed)
	waitpoint.WithLoggerFields(s.logger, map[string]any{
		"dedupe_key": dedupeKey,
		"job_id":     res.JobID,
		"absorbed":   res.Absorbed,
	}).Debug("debounced job scheduled for %s", res.AvailableAt.Format(time.RFC3339Nano))
	return res, nil
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return append([]byte(nil), v...), nil
	case json.RawMessage:
		return append([]byte(nil), v...), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, waitpoint.NewError(waitpoint.ErrInvalidInput, "debounce payload is not JSON encodable", err, nil)
		}
		return raw, nil
	}
}
