// Package cron runs the waitpoint timers: one-shot deadline jobs and recurring
// sweeps. Recurring jobs are driven by robfig/cron, one-shot jobs by timers.
package cron

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/goliatone/go-waitpoint/runner"
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Job is the unit of work run by the scheduler.
type Job func(ctx context.Context) error

// JobConfig tunes how a scheduled job is executed.
type JobConfig struct {
	Name       string
	Timeout    time.Duration
	MaxRetries int
	Retry      runner.RetryStrategy
}

type Scheduler struct {
	cron         *rcron.Cron
	location     *time.Location
	seconds      bool
	errorHandler func(error)
	baseCtx      context.Context
	logger       Logger

	mu      sync.Mutex
	nextID  int64
	handles map[int64]*jobHandle
}

func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		baseCtx:  context.Background(),
		handles:  make(map[int64]*jobHandle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.errorHandler == nil {
		s.errorHandler = s.defaultErrorHandler
	}

	fields := rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor
	if s.seconds {
		fields |= rcron.Second
	}
	logger := cronLogger{logger: s.logger, report: s.errorHandler}
	s.cron = rcron.New(
		rcron.WithLocation(s.location),
		rcron.WithParser(rcron.NewParser(fields)),
		rcron.WithLogger(logger),
		rcron.WithChain(rcron.Recover(logger)),
	)
	return s
}

func (s *Scheduler) defaultErrorHandler(err error) {
	if s.logger != nil {
		s.logger.Error("scheduled job failed: %v", err)
		return
	}
	log.Printf("cron: scheduled job failed: %v", err)
}

// ScheduleCron schedules a recurring job by cron expression. Recurring jobs
// only fire after Start. A failed run is reported and the job stays scheduled.
func (s *Scheduler) ScheduleCron(expression string, cfg JobConfig, job Job) (Handle, error) {
	if expression == "" {
		return nil, fmt.Errorf("cron expression cannot be empty")
	}
	run, err := s.runnable(cfg, job)
	if err != nil {
		return nil, err
	}

	h := s.newHandle(cfg.Name)
	entryID, err := s.cron.AddFunc(expression, func() {
		if h.Status().Terminal() {
			return
		}
		h.set(ScheduleStatusRunning, nil)
		if err := run(); err != nil {
			h.set(ScheduleStatusIdle, err)
			s.errorHandler(fmt.Errorf("%s: %w", jobName(cfg), err))
			return
		}
		h.set(ScheduleStatusIdle, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}
	h.entryID = int(entryID)
	s.track(h)
	return h, nil
}

// ScheduleAfter schedules one execution after delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, cfg JobConfig, job Job) (Handle, error) {
	return s.ScheduleAt(time.Now().Add(max(delay, 0)), cfg, job)
}

// ScheduleAt schedules one execution at a specific time. One-shot jobs run
// whether or not Start was called; a time in the past fires immediately.
func (s *Scheduler) ScheduleAt(at time.Time, cfg JobConfig, job Job) (Handle, error) {
	run, err := s.runnable(cfg, job)
	if err != nil {
		return nil, err
	}

	h := s.newHandle(cfg.Name)
	s.track(h)
	go func() {
		timer := time.NewTimer(max(time.Until(at), 0))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-h.Done():
			return
		}

		h.set(ScheduleStatusRunning, nil)
		err := run()
		s.forget(h.id)
		if err != nil {
			h.finish(ScheduleStatusFailed, err)
			s.errorHandler(fmt.Errorf("%s: %w", jobName(cfg), err))
			return
		}
		h.finish(ScheduleStatusCompleted, nil)
	}()
	return h, nil
}

// Start begins executing recurring jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop halts recurring jobs, marks every live handle stopped and waits for
// running cron jobs to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()

	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[int64]*jobHandle)
	s.mu.Unlock()

	for _, h := range handles {
		if h.entryID > 0 {
			s.cron.Remove(rcron.EntryID(h.entryID))
		}
		h.finish(ScheduleStatusStopped, nil)
	}

	if ctx == nil {
		return nil
	}
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of live handles.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *Scheduler) newHandle(name string) *jobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return &jobHandle{
		scheduler: s,
		id:        s.nextID,
		name:      name,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

func (s *Scheduler) track(h *jobHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.id] = h
}

// forget drops a handle and its cron entry, if any.
func (s *Scheduler) forget(id int64) {
	s.mu.Lock()
	h := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()
	if h != nil && h.entryID > 0 {
		s.cron.Remove(rcron.EntryID(h.entryID))
	}
}

func (s *Scheduler) runnable(cfg JobConfig, job Job) (func() error, error) {
	if job == nil {
		return nil, fmt.Errorf("job cannot be nil")
	}
	opts := []runner.Option{
		runner.WithMaxRetries(cfg.MaxRetries),
		runner.WithLogger(s.logger),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, runner.WithTimeout(cfg.Timeout))
	}
	if cfg.Retry != nil {
		opts = append(opts, runner.WithRetryStrategy(cfg.Retry))
	}
	h := runner.NewHandler(opts...)
	return func() error {
		return h.Run(s.baseCtx, job)
	}, nil
}

func jobName(cfg JobConfig) string {
	if cfg.Name == "" {
		return "job"
	}
	return cfg.Name
}
