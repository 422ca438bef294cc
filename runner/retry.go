package runner

import (
	"math"
	"time"
)

// RetryStrategy encapsulates the delay between retries.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next retry attempt.
	// The attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// RetryDecision is the outcome of evaluating a strategy for one failure.
type RetryDecision struct {
	ShouldRetry bool
	Delay       time.Duration
	Metadata    map[string]any
}

// RetryDecider lets a strategy veto retries for specific errors.
type RetryDecider interface {
	Decide(attempt int, err error) RetryDecision
}

// DecideRetry asks strategy for a decision, falling back to SleepDuration.
func DecideRetry(strategy RetryStrategy, attempt int, err error) RetryDecision {
	if strategy == nil {
		return RetryDecision{ShouldRetry: true}
	}
	if decider, ok := strategy.(RetryDecider); ok {
		return decider.Decide(attempt, err)
	}
	return RetryDecision{ShouldRetry: true, Delay: strategy.SleepDuration(attempt, err)}
}

// NoDelayStrategy performs all retries immediately.
type NoDelayStrategy struct{}

func (NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// FixedDelayStrategy waits the same amount between every attempt.
type FixedDelayStrategy struct {
	Delay time.Duration
}

func (f FixedDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return f.Delay
}

// ExponentialBackoffStrategy implements a capped exponential backoff.
// Usage example:
//
//	WithRetryStrategy(ExponentialBackoffStrategy{
//	    Base:   100 * time.Millisecond,
//	    Factor: 2,
//	    Max:    5 * time.Second,
//	})
type ExponentialBackoffStrategy struct {
	// Base is the starting delay (e.g., 100ms)
	Base time.Duration
	// Factor is multiplied each iteration (e.g., 2 => 100ms, 200ms, 400ms, ...)
	Factor float64
	// Max caps the delay; zero means uncapped.
	Max time.Duration
}

func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := e.Factor
	if factor <= 0 {
		factor = 1
	}
	delay := float64(e.Base) * math.Pow(factor, float64(attempt))
	if e.Max > 0 && (delay > float64(e.Max) || math.IsInf(delay, 1)) {
		return e.Max
	}
	return time.Duration(delay)
}

// StopOn wraps Strategy and gives up at once on errors Permanent reports.
type StopOn struct {
	Strategy  RetryStrategy
	Permanent func(error) bool
}

func (s StopOn) SleepDuration(attempt int, err error) time.Duration {
	if s.Strategy == nil {
		return 0
	}
	return s.Strategy.SleepDuration(attempt, err)
}

func (s StopOn) Decide(attempt int, err error) RetryDecision {
	if err != nil && s.Permanent != nil && s.Permanent(err) {
		return RetryDecision{ShouldRetry: false, Metadata: map[string]any{"permanent": true}}
	}
	return DecideRetry(s.Strategy, attempt, err)
}
