package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFunc struct {
	calls     int
	failUntil int
}

func (c *countingFunc) fn(context.Context) error {
	c.calls++
	if c.calls <= c.failUntil {
		return errors.New("boom")
	}
	return nil
}

func TestHandlerNoErrorNoRetries(t *testing.T) {
	h := NewHandler()
	cf := &countingFunc{}

	require.NoError(t, h.Run(context.Background(), cf.fn))
	assert.Equal(t, 1, cf.calls)

	total, ok := h.Runs()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, ok)
}

func TestHandlerSuccessOnSecondAttempt(t *testing.T) {
	h := NewHandler(WithMaxRetries(3))
	cf := &countingFunc{failUntil: 1}

	require.NoError(t, h.Run(context.Background(), cf.fn))
	assert.Equal(t, 2, cf.calls)
}

func TestHandlerAllAttemptsFail(t *testing.T) {
	var handled error
	h := NewHandler(WithMaxRetries(2), WithErrorHandler(func(err error) { handled = err }))
	cf := &countingFunc{failUntil: 5}

	err := h.Run(context.Background(), cf.fn)
	require.Error(t, err)
	assert.Equal(t, 3, cf.calls)
	assert.Equal(t, err, handled)

	var ge *goerrors.Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "RUN_FAILED", ge.TextCode)
	assert.Equal(t, 3, ge.Metadata["attempts"])

	_, ok := h.Runs()
	assert.Equal(t, 0, ok)
}

func TestHandlerKeepsTextCodeOfTypedErrors(t *testing.T) {
	h := NewHandler()
	typed := goerrors.New("gone", goerrors.CategoryNotFound).WithTextCode("SOMETHING_NOT_FOUND")

	err := h.Run(context.Background(), func(context.Context) error { return typed })

	var ge *goerrors.Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "SOMETHING_NOT_FOUND", ge.TextCode)
}

func TestHandlerUsesStrategyDelays(t *testing.T) {
	var slept []time.Duration
	h := NewHandler(
		WithMaxRetries(2),
		WithRetryStrategy(ExponentialBackoffStrategy{Base: 10 * time.Millisecond, Factor: 2}),
		WithSleep(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}),
	)
	cf := &countingFunc{failUntil: 5}

	require.Error(t, h.Run(context.Background(), cf.fn))
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, slept)
}

func TestHandlerTimeoutStopsRetries(t *testing.T) {
	h := NewHandler(WithMaxRetries(100), WithTimeout(20*time.Millisecond), WithRetryStrategy(FixedDelayStrategy{Delay: 5 * time.Millisecond}))

	calls := 0
	err := h.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("still failing")
	})
	require.Error(t, err)
	assert.Less(t, calls, 100)
}
