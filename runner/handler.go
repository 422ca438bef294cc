package runner

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Handler runs a function with timeout, deadline and retry settings.
type Handler struct {
	mu sync.Mutex

	logger        Logger
	errorHandler  func(error)
	retryStrategy RetryStrategy
	sleep         func(ctx context.Context, d time.Duration) error

	runs           int
	successfulRuns int

	maxRetries int
	timeout    time.Duration
	deadline   time.Time
}

// NewHandler constructs a Handler from options, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		errorHandler:  func(error) {},
		retryStrategy: NoDelayStrategy{},
		sleep:         sleepContext,
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	return h
}

// Run calls fn until it succeeds, retries are exhausted, the strategy gives
// up, or ctx ends. The last error is returned wrapped with attempt metadata.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return errors.New("runner function required", errors.CategoryBadInput).
			WithTextCode("RUNNER_FUNC_REQUIRED")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	h.mu.Lock()
	maxRetries := h.maxRetries
	strategy := h.retryStrategy
	h.mu.Unlock()

	ctx, cancel := h.contextWithSettings(ctx)
	defer cancel()

	var err error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts++
		err = fn(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil || attempt == maxRetries {
			break
		}

		decision := DecideRetry(strategy, attempt, err)
		h.logError("run failed, attempt %d of %d: %v", attempt+1, maxRetries+1, err)
		if !decision.ShouldRetry {
			break
		}
		if decision.Delay > 0 {
			if sleepErr := h.sleep(ctx, decision.Delay); sleepErr != nil {
				break
			}
		}
	}

	h.mu.Lock()
	h.runs++
	if err == nil {
		h.successfulRuns++
	}
	h.mu.Unlock()

	if err == nil {
		return nil
	}

	wrapped := errors.Wrap(err, errors.CategoryOperation, fmt.Sprintf("run failed after %d attempts", attempts)).
		WithMetadata(map[string]any{
			"attempts":    attempts,
			"max_retries": maxRetries,
		})
	code := "RUN_FAILED"
	var typed *errors.Error
	if stderrors.As(err, &typed) && typed.TextCode != "" {
		code = typed.TextCode
	}
	wrapped = wrapped.WithTextCode(code)
	h.errorHandler(wrapped)
	return wrapped
}

// Runs returns total and successful run counts.
func (h *Handler) Runs() (total, successful int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs, h.successfulRuns
}

func (h *Handler) logError(format string, args ...any) {
	if h.logger != nil {
		h.logger.Error(format, args...)
	}
}

func (h *Handler) contextWithSettings(parent context.Context) (context.Context, context.CancelFunc) {
	switch {
	case h.timeout != 0 && !h.deadline.IsZero():
		ctx, cancelTimeout := context.WithTimeout(parent, h.timeout)
		ctxDeadline, cancelDeadline := context.WithDeadline(ctx, h.deadline)
		return ctxDeadline, func() {
			cancelDeadline()
			cancelTimeout()
		}
	case h.timeout != 0:
		return context.WithTimeout(parent, h.timeout)
	case !h.deadline.IsZero():
		return context.WithDeadline(parent, h.deadline)
	default:
		return parent, func() {}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
