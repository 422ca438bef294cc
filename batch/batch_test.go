package batch

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/goliatone/go-waitpoint"
	"github.com/goliatone/go-waitpoint/debounce"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewInMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
		db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
		require.NoError(t, err)
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = db.Close() })
		fn(t, NewSQLiteStore(db, ""))
	})
}

func seedBatch(t *testing.T, store Store, batchID string, runs int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateBatch(ctx, Batch{ID: batchID, EnvironmentID: "env_1"}))
	for i := 0; i < runs; i++ {
		require.NoError(t, store.UpsertRun(ctx, Run{
			ID:            fmt.Sprintf("run_%02d", i),
			BatchID:       batchID,
			EnvironmentID: "env_1",
			Status:        RunExecuting,
		}))
	}
}

func TestIsFinalRunStatus(t *testing.T) {
	final := []RunStatus{
		RunCompletedSuccessfully, RunCompletedWithErrors, RunCanceled, RunSystemFailure,
		RunCrashed, RunExpired, RunTimedOut, RunInterrupted,
	}
	for _, s := range final {
		assert.True(t, IsFinalRunStatus(s), s)
	}
	for _, s := range []RunStatus{RunPending, RunExecuting, RunWaitingToResume, RunDelayed, RunPaused, "BOGUS"} {
		assert.False(t, IsFinalRunStatus(s), s)
	}
}

func TestPerformCompleteBatch(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		seedBatch(t, store, "batch_1", 3)
		system := NewSystem(store, nil)

		outcome, err := system.PerformCompleteBatch(ctx, "batch_1")
		require.NoError(t, err)
		assert.Equal(t, OutcomeMembersPending, outcome)

		for i := 0; i < 3; i++ {
			require.NoError(t, store.UpsertRun(ctx, Run{
				ID: fmt.Sprintf("run_%02d", i), BatchID: "batch_1", EnvironmentID: "env_1", Status: RunCompletedSuccessfully,
			}))
		}
		// a run from another environment never blocks the batch
		require.NoError(t, store.UpsertRun(ctx, Run{ID: "run_other", BatchID: "batch_1", EnvironmentID: "env_2", Status: RunExecuting}))

		outcome, err = system.PerformCompleteBatch(ctx, "batch_1")
		require.NoError(t, err)
		assert.Equal(t, OutcomeCompleted, outcome)

		b, err := store.FindBatch(ctx, "batch_1")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, b.Status)

		outcome, err = system.PerformCompleteBatch(ctx, "batch_1")
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadyCompleted, outcome)

		_, err = system.PerformCompleteBatch(ctx, "batch_missing")
		require.Error(t, err)
		assert.True(t, waitpoint.IsNotFound(err))
	})
}

func TestConcurrentRunCompletionsRecomputeOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		clock := &stepClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
		jobs := debounce.NewInMemoryJobStore()
		scheduler := debounce.NewScheduler(jobs, debounce.WithSchedulerClock(clock.Now))

		var executions atomic.Int32
		worker := debounce.NewWorker(jobs,
			debounce.WithWorkerClock(clock.Now),
			debounce.WithOutcomeHook(func(_ context.Context, r debounce.JobResult) {
				if r.Selector == CompleteBatchSelector {
					executions.Add(1)
				}
			}),
		)
		seedBatch(t, store, "batch_1", 10)
		system := NewSystem(store, scheduler)
		system.Register(worker)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, system.RunStatusChanged(ctx, Run{
					ID: fmt.Sprintf("run_%02d", i), BatchID: "batch_1", EnvironmentID: "env_1", Status: RunCompletedSuccessfully,
				}))
			}(i)
		}
		wg.Wait()

		all := jobs.Jobs()
		require.Len(t, all, 1)
		assert.Equal(t, CompleteBatchKey("batch_1"), all[0].DedupeKey)

		clock.Advance(CompleteBatchDelay)
		_, err := worker.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, int32(1), executions.Load())

		b, err := store.FindBatch(ctx, "batch_1")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, b.Status)
	})
}

func TestPartialCompletionLeavesBatchPending(t *testing.T) {
	ctx := context.Background()
	clock := &stepClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewInMemoryStore()
	jobs := debounce.NewInMemoryJobStore()
	worker := debounce.NewWorker(jobs, debounce.WithWorkerClock(clock.Now))
	system := NewSystem(store, debounce.NewScheduler(jobs, debounce.WithSchedulerClock(clock.Now)))
	system.Register(worker)
	seedBatch(t, store, "batch_1", 2)

	require.NoError(t, system.RunStatusChanged(ctx, Run{ID: "run_00", BatchID: "batch_1", EnvironmentID: "env_1", Status: RunCrashed}))
	clock.Advance(CompleteBatchDelay)
	_, err := worker.RunOnce(ctx)
	require.NoError(t, err)

	b, _ := store.FindBatch(ctx, "batch_1")
	assert.Equal(t, StatusPending, b.Status)

	require.NoError(t, system.RunStatusChanged(ctx, Run{ID: "run_01", BatchID: "batch_1", EnvironmentID: "env_1", Status: RunExpired}))
	clock.Advance(CompleteBatchDelay)
	_, err = worker.RunOnce(ctx)
	require.NoError(t, err)

	b, _ = store.FindBatch(ctx, "batch_1")
	assert.Equal(t, StatusCompleted, b.Status)
}

func TestNonFinalRunDoesNotSchedule(t *testing.T) {
	store := NewInMemoryStore()
	jobs := debounce.NewInMemoryJobStore()
	system := NewSystem(store, debounce.NewScheduler(jobs))
	seedBatch(t, store, "batch_1", 1)

	require.NoError(t, system.RunStatusChanged(context.Background(), Run{ID: "run_00", BatchID: "batch_1", EnvironmentID: "env_1", Status: RunWaitingToResume}))
	assert.Empty(t, jobs.Jobs())

	require.NoError(t, system.RunStatusChanged(context.Background(), Run{ID: "loose", Status: RunCompletedSuccessfully}))
	assert.Empty(t, jobs.Jobs())
}

func TestHandlerSwallowsUnknownBatch(t *testing.T) {
	ctx := context.Background()
	clock := &stepClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	jobs := debounce.NewInMemoryJobStore()
	worker := debounce.NewWorker(jobs, debounce.WithWorkerClock(clock.Now))
	system := NewSystem(NewInMemoryStore(), debounce.NewScheduler(jobs, debounce.WithSchedulerClock(clock.Now)))
	system.Register(worker)

	require.NoError(t, system.ScheduleCompleteBatch(ctx, "batch_ghost"))
	clock.Advance(CompleteBatchDelay)
	report, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, debounce.OutcomeCompleted, report.Results[0].Outcome)
}
