package wait

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-waitpoint"
)

// ChargeThreshold is the longest wait served by an in-process sleep.
const ChargeThreshold = 5 * time.Second

// API is the waitpoint service surface used by task-side waits. Both
// *waitpoint.Service and the HTTP client satisfy it.
type API interface {
	WaitForDuration(ctx context.Context, runID string, req waitpoint.WaitForDurationRequest) (waitpoint.WaitForDurationResponse, error)
	WaitForToken(ctx context.Context, runID, tokenID string) (waitpoint.WaitForTokenResponse, error)
	RetrieveToken(ctx context.Context, id string) (*waitpoint.Token, error)
}

// Metrics receives one event per wait.
type Metrics interface {
	WaitStarted(kind string, durable bool)
}

type nopMetrics struct{}

func (nopMetrics) WaitStarted(string, bool) {}

// Waiter implements the task-side wait primitives.
type Waiter struct {
	api       API
	runtime   Runtime
	logger    waitpoint.Logger
	metrics   Metrics
	clock     func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	threshold time.Duration
}

type Option func(*Waiter)

func WithLogger(logger waitpoint.Logger) Option {
	return func(w *Waiter) {
		w.logger = waitpoint.NormalizeLogger(logger)
	}
}

func WithMetrics(metrics Metrics) Option {
	return func(w *Waiter) {
		if metrics != nil {
			w.metrics = metrics
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(w *Waiter) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// WithSleep replaces the in-process delay used for short waits.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Waiter) {
		if sleep != nil {
			w.sleep = sleep
		}
	}
}

// NewWaiter builds a Waiter over api and runtime.
func NewWaiter(api API, runtime Runtime, opts ...Option) *Waiter {
	w := &Waiter{
		api:       api,
		runtime:   runtime,
		logger:    waitpoint.NormalizeLogger(nil),
		metrics:   nopMetrics{},
		clock:     time.Now,
		sleep:     sleepContext,
		threshold: ChargeThreshold,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

type ForOptions struct {
	Period            Period
	IdempotencyKey    string
	IdempotencyKeyTTL string
}

type UntilOptions struct {
	Date time.Time
	// ThrowIfInThePast makes a past Date fail with PastDeadline.
	ThrowIfInThePast  bool
	IdempotencyKey    string
	IdempotencyKeyTTL string
}

// For waits for a relative period.
func (w *Waiter) For(ctx context.Context, opts ForOptions) error {
	tc, err := activeTask(ctx)
	if err != nil {
		return err
	}
	d, err := opts.Period.Duration()
	if err != nil {
		return err
	}
	start := w.clock()
	return w.waitUntil(ctx, tc, "for", opts.Period.String(), start.Add(d), opts.IdempotencyKey, opts.IdempotencyKeyTTL)
}

// Until waits for an absolute date.
func (w *Waiter) Until(ctx context.Context, opts UntilOptions) error {
	if opts.Date.IsZero() {
		return waitpoint.NewError(waitpoint.ErrInvalidInput, "date required", nil, nil)
	}
	if opts.ThrowIfInThePast && opts.Date.Before(w.clock()) {
		return waitpoint.NewError(waitpoint.ErrPastDeadline, "", nil, map[string]any{
			"date": opts.Date.UTC().Format(time.RFC3339Nano),
		})
	}
	tc, err := activeTask(ctx)
	if err != nil {
		return err
	}
	return w.waitUntil(ctx, tc, "until", opts.Date.UTC().Format(time.RFC3339), opts.Date, opts.IdempotencyKey, opts.IdempotencyKeyTTL)
}

func (w *Waiter) waitUntil(ctx context.Context, tc TaskContext, kind, label string, date time.Time, key, ttl string) error {
	remaining := date.Sub(w.clock())
	if remaining <= w.threshold {
		w.metrics.WaitStarted(kind, false)
		if remaining <= 0 {
			return nil
		}
		w.logger.Warn("waiting %s in process, waits of %s or less count towards compute usage", label, w.threshold)
		return w.sleep(ctx, remaining)
	}

	if w.api == nil || w.runtime == nil {
		return waitpoint.NewError(waitpoint.ErrStoreNotConfigured, "durable waits need an api and a runtime", nil, nil)
	}
	w.metrics.WaitStarted(kind, true)
	resp, err := w.api.WaitForDuration(ctx, tc.RunID, waitpoint.WaitForDurationRequest{
		Date:              date,
		IdempotencyKey:    key,
		IdempotencyKeyTTL: ttl,
	})
	if err != nil {
		return err
	}
	waitpoint.WithLoggerFields(w.logger, map[string]any{
		"run_id":       tc.RunID,
		"waitpoint_id": resp.Waitpoint.ID,
	}).Debug("suspending until %s", date.UTC().Format(time.RFC3339))

	_, err = w.runtime.WaitUntil(ctx, resp.Waitpoint.ID, &date)
	return err
}

// ForToken suspends until tokenID is terminal and decodes its output as T. A
// timed out token is reported through the result, not the error.
func ForToken[T any](ctx context.Context, w *Waiter, tokenID string) (Result[T], error) {
	tc, err := activeTask(ctx)
	if err != nil {
		return Result[T]{}, err
	}
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return Result[T]{}, waitpoint.NewError(waitpoint.ErrInvalidInput, "token id required", nil, nil)
	}
	if w == nil || w.api == nil || w.runtime == nil {
		return Result[T]{}, waitpoint.NewError(waitpoint.ErrStoreNotConfigured, "token waits need an api and a runtime", nil, nil)
	}

	w.metrics.WaitStarted("token", true)
	resp, err := w.api.WaitForToken(ctx, tc.RunID, tokenID)
	if err != nil {
		return Result[T]{}, err
	}
	if !resp.Success {
		return Result[T]{}, waitpoint.NewError(waitpoint.ErrInvalidInput, "failed to wait for token", nil, map[string]any{
			"token_id": tokenID,
		})
	}

	completion, err := w.runtime.WaitUntil(ctx, tokenID, nil)
	if err != nil {
		return Result[T]{}, err
	}
	return decodeResult[T](completion)
}

// ForTokenUnwrap is ForToken followed by Unwrap.
func ForTokenUnwrap[T any](ctx context.Context, w *Waiter, tokenID string) (T, error) {
	res, err := ForToken[T](ctx, w, tokenID)
	if err != nil {
		var zero T
		return zero, err
	}
	return res.Unwrap()
}

// RetrieveToken reads a token without blocking and decodes its output as T.
func RetrieveToken[T any](ctx context.Context, api API, tokenID string) (RetrievedToken[T], error) {
	if api == nil {
		return RetrievedToken[T]{}, waitpoint.NewError(waitpoint.ErrStoreNotConfigured, "api not configured", nil, nil)
	}
	tok, err := api.RetrieveToken(ctx, tokenID)
	if err != nil {
		return RetrievedToken[T]{}, err
	}
	out := RetrievedToken[T]{
		ID:                      tok.ID,
		Status:                  tok.Status,
		IdempotencyKey:          tok.IdempotencyKey,
		IdempotencyKeyExpiresAt: tok.IdempotencyKeyExpiresAt,
		TimeoutAt:               tok.TimeoutAt,
		Tags:                    tok.Tags,
		CreatedAt:               tok.CreatedAt,
		CompletedAt:             tok.CompletedAt,
	}
	if signer, ok := api.(interface{ CallbackURL(string) string }); ok {
		out.URL = signer.CallbackURL(tok.ID)
	}
	switch {
	case tok.OutputIsError:
		out.Err = &TimeoutError{TokenID: tok.ID, Message: timeoutMessage(tok.Output)}
	case tok.Status == waitpoint.StatusCompleted:
		var value T
		if err := decodeOutput(tok.Output, &value); err != nil {
			return out, err
		}
		out.Output = &value
	}
	return out, nil
}

func activeTask(ctx context.Context) (TaskContext, error) {
	tc, ok := TaskContextFrom(ctx)
	if !ok {
		return TaskContext{}, waitpoint.NewError(waitpoint.ErrNoActiveTaskContext, "", nil, nil)
	}
	return tc, nil
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
