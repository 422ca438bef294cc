package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDone(t *testing.T, h Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatalf("handle %q did not finish", h.Name())
	}
}

func TestScheduleAfterCompletes(t *testing.T) {
	scheduler := NewScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleAfter(50*time.Millisecond, JobConfig{Name: "waitpoint-timeout:wp_1"}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)
	waitDone(t, handle)

	assert.EqualValues(t, 1, count.Load())
	assert.Equal(t, ScheduleStatusCompleted, handle.Status())
	assert.Equal(t, "waitpoint-timeout:wp_1", handle.Name())
	assert.Zero(t, scheduler.Pending())
}

func TestScheduleAtInThePastFiresImmediately(t *testing.T) {
	scheduler := NewScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleAt(time.Now().Add(-time.Hour), JobConfig{}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)
	waitDone(t, handle)
	assert.EqualValues(t, 1, count.Load())
}

func TestScheduleAtRetriesThenReportsFailure(t *testing.T) {
	var reported atomic.Int32
	scheduler := NewScheduler(WithErrorHandler(func(error) { reported.Add(1) }))
	boom := errors.New("boom")
	var attempts atomic.Int32

	handle, err := scheduler.ScheduleAfter(0, JobConfig{MaxRetries: 1}, func(context.Context) error {
		attempts.Add(1)
		return boom
	})
	require.NoError(t, err)
	waitDone(t, handle)

	assert.Equal(t, ScheduleStatusFailed, handle.Status())
	assert.ErrorIs(t, handle.Err(), boom)
	assert.EqualValues(t, 2, attempts.Load())
	assert.EqualValues(t, 1, reported.Load())
}

func TestCancelBeforeDeadlinePreventsExecution(t *testing.T) {
	scheduler := NewScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleAt(time.Now().Add(200*time.Millisecond), JobConfig{}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	handle.Cancel()
	waitDone(t, handle)
	time.Sleep(250 * time.Millisecond)

	assert.Zero(t, count.Load())
	assert.Equal(t, ScheduleStatusCanceled, handle.Status())
	assert.Zero(t, scheduler.Pending())
}

func TestRecurringJobSurvivesFailedRun(t *testing.T) {
	var reported atomic.Int32
	scheduler := NewScheduler(WithSeconds(), WithErrorHandler(func(error) { reported.Add(1) }))
	var runs atomic.Int32

	handle, err := scheduler.ScheduleCron("@every 1s", JobConfig{Name: "sweep"}, func(context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("store unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, scheduler.Start(context.Background()))
	defer scheduler.Stop(context.Background())

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 3500*time.Millisecond, 20*time.Millisecond)
	assert.GreaterOrEqual(t, reported.Load(), int32(1))
	assert.False(t, handle.Status().Terminal())

	handle.Cancel()
	waitDone(t, handle)
	assert.Equal(t, ScheduleStatusCanceled, handle.Status())
}

func TestStopMarksHandlesStopped(t *testing.T) {
	scheduler := NewScheduler()
	recurring, err := scheduler.ScheduleCron("@every 5s", JobConfig{}, func(context.Context) error { return nil })
	require.NoError(t, err)
	oneShot, err := scheduler.ScheduleAfter(time.Hour, JobConfig{}, func(context.Context) error { return nil })
	require.NoError(t, err)

	require.NoError(t, scheduler.Start(context.Background()))
	require.NoError(t, scheduler.Stop(context.Background()))

	waitDone(t, recurring)
	waitDone(t, oneShot)
	assert.Equal(t, ScheduleStatusStopped, recurring.Status())
	assert.Equal(t, ScheduleStatusStopped, oneShot.Status())
	assert.Zero(t, scheduler.Pending())
}

func TestScheduleValidation(t *testing.T) {
	scheduler := NewScheduler()
	noop := func(context.Context) error { return nil }

	_, err := scheduler.ScheduleCron("", JobConfig{}, noop)
	assert.Error(t, err)
	_, err = scheduler.ScheduleCron("@every 1s", JobConfig{}, nil)
	assert.Error(t, err)
	_, err = scheduler.ScheduleCron("not a cron", JobConfig{}, noop)
	assert.Error(t, err)
	_, err = scheduler.ScheduleAt(time.Now(), JobConfig{}, nil)
	assert.Error(t, err)
}
