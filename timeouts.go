package waitpoint

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-waitpoint/cron"
	"github.com/goliatone/go-waitpoint/runner"
)

// DefaultSweepInterval is how often overdue tokens are swept when no interval is given.
const DefaultSweepInterval = 30 * time.Second

// DefaultTimerHorizon bounds how far ahead a per-token timer is armed once a
// sweep is running. Later deadlines are resolved by the sweep.
const DefaultTimerHorizon = time.Hour

// CronTimeouts schedules token deadlines on a cron.Scheduler: a one-shot job
// per near deadline plus an optional recurring sweep that catches the rest,
// including deadlines whose timers were lost across a restart.
//
// Until StartSweep is called every deadline gets a timer, since nothing else
// would fire it.
type CronTimeouts struct {
	scheduler  *cron.Scheduler
	logger     Logger
	jobTimeout time.Duration
	retry      runner.RetryStrategy
	maxRetries int
	horizon    time.Duration
	now        func() time.Time
	sweeping   atomic.Bool
}

type TimeoutsOption func(*CronTimeouts)

// WithTimerHorizon sets how far ahead timers are armed while a sweep runs.
// Zero or negative arms every deadline.
func WithTimerHorizon(d time.Duration) TimeoutsOption {
	return func(c *CronTimeouts) {
		c.horizon = d
	}
}

func WithTimeoutsClock(now func() time.Time) TimeoutsOption {
	return func(c *CronTimeouts) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCronTimeouts wraps scheduler. A nil scheduler gets a default one.
func NewCronTimeouts(scheduler *cron.Scheduler, logger Logger, opts ...TimeoutsOption) *CronTimeouts {
	if scheduler == nil {
		scheduler = cron.NewScheduler()
	}
	c := &CronTimeouts{
		scheduler:  scheduler,
		logger:     NormalizeLogger(logger),
		jobTimeout: 10 * time.Second,
		maxRetries: 2,
		retry: runner.ExponentialBackoffStrategy{
			Base:   100 * time.Millisecond,
			Factor: 2,
			Max:    2 * time.Second,
		},
		horizon: DefaultTimerHorizon,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// ScheduleTimeout runs fire once at. A token that resolves first turns the
// job into a no-op, so timers are never cancelled. Deadlines past the horizon
// are left to the sweep when one is running.
func (c *CronTimeouts) ScheduleTimeout(_ context.Context, tokenID string, at time.Time, fire func(context.Context) error) error {
	if strings.TrimSpace(tokenID) == "" {
		return invalidInput("token id required", nil)
	}
	if c.sweeping.Load() && c.horizon > 0 && at.Sub(c.now()) > c.horizon {
		c.logger.Debug("waitpoint %s deadline %s beyond timer horizon, left to sweep", tokenID, at.UTC().Format(time.RFC3339))
		return nil
	}
	_, err := c.scheduler.ScheduleAt(at, cron.JobConfig{
		Name:       "waitpoint-timeout:" + tokenID,
		Timeout:    c.jobTimeout,
		MaxRetries: c.maxRetries,
		Retry:      c.retry,
	}, fire)
	return err
}

// StartSweep registers a recurring sweep every interval. The scheduler must be
// started for recurring jobs to fire.
func (c *CronTimeouts) StartSweep(interval time.Duration, sweep func(context.Context) (int, error)) (cron.Handle, error) {
	if sweep == nil {
		return nil, invalidInput("sweep function required", nil)
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	h, err := c.scheduler.ScheduleCron("@every "+interval.String(), cron.JobConfig{
		Name:    "waitpoint-timeout-sweep",
		Timeout: c.jobTimeout,
	}, func(ctx context.Context) error {
		n, err := sweep(ctx)
		if n > 0 {
			c.logger.Info("timed out %d overdue waitpoints", n)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	c.sweeping.Store(true)
	return h, nil
}

// Scheduler exposes the underlying scheduler for lifecycle control.
func (c *CronTimeouts) Scheduler() *cron.Scheduler {
	return c.scheduler
}
