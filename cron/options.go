package cron

import (
	"context"
	"fmt"
	"time"
)

type Option func(*Scheduler)

// WithLocation sets the time zone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithLogger routes job retries and scheduler errors to logger.
func WithLogger(logger Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithErrorHandler receives every job that failed after its retries.
func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		if handler != nil {
			s.errorHandler = handler
		}
	}
}

// WithSeconds accepts a leading seconds field in cron expressions.
func WithSeconds() Option {
	return func(s *Scheduler) {
		s.seconds = true
	}
}

// WithBaseContext sets the context handed to every job run.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Scheduler) {
		if ctx != nil {
			s.baseCtx = ctx
		}
	}
}

// cronLogger forwards robfig/cron errors, including recovered job panics.
// Its info chatter is dropped.
type cronLogger struct {
	logger Logger
	report func(error)
}

func (cronLogger) Info(string, ...any) {}

func (l cronLogger) Error(err error, msg string, args ...any) {
	if err == nil {
		err = fmt.Errorf(msg, args...)
	} else if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if l.report != nil {
		l.report(err)
		return
	}
	if l.logger != nil {
		l.logger.Error("cron: %v", err)
	}
}
