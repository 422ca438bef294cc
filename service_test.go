package waitpoint

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

	"github.com/goliatone/go-waitpoint/idempotency"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type capturedTimeout struct {
	id   string
	at   time.Time
	fire func(context.Context) error
}

type captureTimeouts struct {
	mu    sync.Mutex
	items []capturedTimeout
}

func (c *captureTimeouts) ScheduleTimeout(_ context.Context, id string, at time.Time, fire func(context.Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, capturedTimeout{id: id, at: at, fire: fire})
	return nil
}

func (c *captureTimeouts) all() []capturedTimeout {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]capturedTimeout(nil), c.items...)
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// forEachStore runs fn against the in-memory and SQLite backends.
func forEachStore(t *testing.T, fn func(t *testing.T, store Store, registry idempotency.Registry)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewInMemoryStore(), idempotency.NewInMemoryRegistry())
	})
	t.Run("sqlite", func(t *testing.T) {
		db := openTestDB(t)
		fn(t, NewSQLiteStore(db, ""), idempotency.NewSQLiteRegistry(db, ""))
	})
}

func newTestService(store Store, registry idempotency.Registry, clock *testClock, opts ...Option) *Service {
	base := []Option{
		WithStore(store),
		WithRegistry(registry),
		WithClock(clock.Now),
		WithLogger(NopLogger{}),
	}
	return NewService(append(base, opts...)...)
}

func TestCreateTokenIdempotencyWithinAndAfterTTL(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, registry idempotency.Registry) {
		ctx := context.Background()
		clock := newTestClock()
		svc := newTestService(store, registry, clock)

		req := CreateTokenRequest{IdempotencyKey: "approve-42", IdempotencyKeyTTL: "1h", Timeout: "1d"}
		first, err := svc.CreateToken(ctx, req)
		require.NoError(t, err)
		assert.False(t, first.IsCached)
		assert.True(t, strings.HasPrefix(first.ID, "waitpoint_"))
		assert.Contains(t, first.URL, "/api/v1/waitpoints/tokens/"+first.ID+"/callback/")

		clock.Advance(30 * time.Minute)
		second, err := svc.CreateToken(ctx, req)
		require.NoError(t, err)
		assert.True(t, second.IsCached)
		assert.Equal(t, first.ID, second.ID)

		clock.Advance(31 * time.Minute)
		third, err := svc.CreateToken(ctx, req)
		require.NoError(t, err)
		assert.False(t, third.IsCached)
		assert.NotEqual(t, first.ID, third.ID)

		old, err := svc.RetrieveToken(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusWaiting, old.Status)
		assert.Equal(t, "approve-42", old.IdempotencyKey)
	})
}

func TestCreateTokenCachedDoesNotScheduleTimeout(t *testing.T) {
	clock := newTestClock()
	timeouts := &captureTimeouts{}
	svc := newTestService(NewInMemoryStore(), idempotency.NewInMemoryRegistry(), clock, WithTimeoutScheduler(timeouts))

	_, err := svc.CreateToken(context.Background(), CreateTokenRequest{IdempotencyKey: "k", Timeout: "10m"})
	require.NoError(t, err)
	res, err := svc.CreateToken(context.Background(), CreateTokenRequest{IdempotencyKey: "k", Timeout: "10m"})
	require.NoError(t, err)
	require.True(t, res.IsCached)

	assert.Len(t, timeouts.all(), 1)
}

func TestCreateTokenConcurrentDuplicatesYieldOneToken(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, registry idempotency.Registry) {
		svc := newTestService(store, registry, newTestClock())
		ids := make(chan string, 20)
		var cached atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := svc.CreateToken(context.Background(), CreateTokenRequest{IdempotencyKey: "retry-me"})
				if !assert.NoError(t, err) {
					return
				}
				if res.IsCached {
					cached.Add(1)
				}
				ids <- res.ID
			}()
		}
		wg.Wait()
		close(ids)

		unique := map[string]struct{}{}
		for id := range ids {
			unique[id] = struct{}{}
		}
		assert.Len(t, unique, 1)
		assert.Equal(t, int32(19), cached.Load())
	})
}

func TestCreateTokenValidation(t *testing.T) {
	clock := newTestClock()
	svc := newTestService(NewInMemoryStore(), idempotency.NewInMemoryRegistry(), clock)
	ctx := context.Background()

	_, err := svc.CreateToken(ctx, CreateTokenRequest{TimeoutAt: clock.Now().Add(-time.Second)})
	assert.True(t, IsInvalidInput(err), "past timeout: %v", err)

	_, err = svc.CreateToken(ctx, CreateTokenRequest{Timeout: clock.Now().Add(-time.Hour).Format(time.RFC3339)})
	assert.True(t, IsInvalidInput(err), "past RFC3339 timeout: %v", err)

	_, err = svc.CreateToken(ctx, CreateTokenRequest{Timeout: "soon"})
	assert.True(t, IsInvalidInput(err), "bad period: %v", err)

	_, err = svc.CreateToken(ctx, CreateTokenRequest{IdempotencyKey: "k", IdempotencyKeyTTL: "forever"})
	assert.True(t, IsInvalidInput(err), "bad ttl: %v", err)

	tags := make([]string, MaxTags+1)
	for i := range tags {
		tags[i] = fmt.Sprintf("tag-%d", i)
	}
	_, err = svc.CreateToken(ctx, CreateTokenRequest{Tags: tags})
	assert.True(t, IsInvalidInput(err), "too many tags: %v", err)

	_, err = svc.CreateToken(ctx, CreateTokenRequest{Tags: []string{strings.Repeat("x", MaxTagLength+1)}})
	assert.True(t, IsInvalidInput(err), "long tag: %v", err)

	page, err := svc.ListTokens(ctx, ListTokensQuery{})
	require.NoError(t, err)
	assert.Empty(t, page.Data, "nothing is persisted on validation failures")
}

func TestTimeoutTransitionsWaitingTokenWithErrorPayload(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, registry idempotency.Registry) {
		ctx := context.Background()
		clock := newTestClock()
		timeouts := &captureTimeouts{}
		svc := newTestService(store, registry, clock, WithTimeoutScheduler(timeouts))

		res, err := svc.CreateToken(ctx, CreateTokenRequest{Timeout: "5s"})
		require.NoError(t, err)

		scheduled := timeouts.all()
		require.Len(t, scheduled, 1)
		assert.Equal(t, res.ID, scheduled[0].id)
		assert.Equal(t, clock.Now().Add(5*time.Second), scheduled[0].at)

		clock.Advance(5 * time.Second)
		require.NoError(t, scheduled[0].fire(ctx))

		tok, err := svc.RetrieveToken(ctx, res.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusTimedOut, tok.Status)
		assert.True(t, tok.OutputIsError)
		assert.NotEmpty(t, tok.Output)
		assert.Contains(t, tok.TimeoutMessage(), "Waitpoint timed out at")
		assert.False(t, tok.CompletedAt.Before(tok.CreatedAt.Add(5*time.Second)))
	})
}

func TestCompleteBeforeTimeoutWins(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, registry idempotency.Registry) {
		ctx := context.Background()
		clock := newTestClock()
		svc := newTestService(store, registry, clock)

		res, err := svc.CreateToken(ctx, CreateTokenRequest{Timeout: "5s"})
		require.NoError(t, err)

		done, err := svc.CompleteToken(ctx, res.ID, map[string]any{"approved": true})
		require.NoError(t, err)
		assert.True(t, done.Success)
		assert.Equal(t, StatusCompleted, done.Status)

		clock.Advance(6 * time.Second)
		timedOut, err := svc.TimeoutToken(ctx, res.ID)
		require.NoError(t, err)
		assert.False(t, timedOut.Applied)
		assert.Equal(t, StatusCompleted, timedOut.Status)

		tok, err := svc.RetrieveToken(ctx, res.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, tok.Status)
		assert.JSONEq(t, `{"approved":true}`, string(tok.Output))
		assert.False(t, tok.OutputIsError)
	})
}

func TestCompleteAfterTimeoutIsNoop(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, registry idempotency.Registry) {
		ctx := context.Background()
		clock := newTestClock()
		svc := newTestService(store, registry, clock)

		res, err := svc.CreateToken(ctx, CreateTokenRequest{Timeout: "5s"})
		require.NoError(t, err)
		clock.Advance(5 * time.Second)
		timedOut, err := svc.TimeoutToken(ctx, res.ID)
		require.NoError(t, err)
		require.True(t, timedOut.Applied)

		before, err := svc.RetrieveToken(ctx, res.ID)
		require.NoError(t, err)

		late, err := svc.CompleteToken(ctx, res.ID, "late")
		require.NoError(t, err)
		assert.False(t, late.Success)
		assert.Equal(t, StatusTimedOut, late.Status)

		_, err = svc.CompleteTokenStrict(ctx, res.ID, "late again")
		assert.True(t, IsStaleTransition(err))

		after, err := svc.RetrieveToken(ctx, res.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusTimedOut, after.Status)
		assert.Equal(t, before.Output, after.Output)
		assert.Equal(t, before.CompletedAt, after.CompletedAt)
	})
}

func TestCompleteAndTimeoutRaceHasOneWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, registry idempotency.Registry) {
		ctx := context.Background()
		svc := newTestService(store, registry, newTestClock())

		for i := 0; i < 10; i++ {
			res, err := svc.CreateToken(ctx, CreateTokenRequest{Timeout: "1h"})
			require.NoError(t, err)

			var applied atomic.Int32
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				out, err := svc.CompleteToken(ctx, res.ID, "done")
				if assert.NoError(t, err) && out.Success {
					applied.Add(1)
				}
			}()
			go func() {
				defer wg.Done()
				out, err := svc.TimeoutToken(ctx, res.ID)
				if assert.NoError(t, err) && out.Applied {
					applied.Add(1)
				}
			}()
			wg.Wait()
			assert.Equal(t, int32(1), applied.Load())
		}
	})
}

func TestTransitionListenerRunsOncePerAppliedTransition(t *testing.T) {
	var seen []Token
	var mu sync.Mutex
	svc := newTestService(NewInMemoryStore(), idempotency.NewInMemoryRegistry(), newTestClock(),
		WithTransitionListener(func(_ context.Context, tok Token) {
			mu.Lock()
			seen = append(seen, tok)
			mu.Unlock()
		}))
	ctx := context.Background()

	res, err := svc.CreateToken(ctx, CreateTokenRequest{})
	require.NoError(t, err)
	_, err = svc.CompleteToken(ctx, res.ID, 1)
	require.NoError(t, err)
	_, err = svc.CompleteToken(ctx, res.ID, 2)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, StatusCompleted, seen[0].Status)
	assert.Equal(t, "1", string(seen[0].Output))
}

func TestUnknownTokenIsNotFound(t *testing.T) {
	svc := newTestService(NewInMemoryStore(), idempotency.NewInMemoryRegistry(), newTestClock())
	ctx := context.Background()

	_, err := svc.RetrieveToken(ctx, "waitpoint_missing")
	assert.True(t, IsNotFound(err))
	_, err = svc.CompleteToken(ctx, "waitpoint_missing", nil)
	assert.True(t, IsNotFound(err))
	_, err = svc.TimeoutToken(ctx, "waitpoint_missing")
	assert.True(t, IsNotFound(err))
	_, err = svc.WaitForToken(ctx, "run_1", "waitpoint_missing")
	assert.True(t, IsNotFound(err))
}

func TestWaitForDurationCreatesDateTimeTokenThatCompletes(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, registry idempotency.Registry) {
		ctx := context.Background()
		clock := newTestClock()
		timeouts := &captureTimeouts{}
		svc := newTestService(store, registry, clock, WithTimeoutScheduler(timeouts))

		date := clock.Now().Add(time.Minute)
		res, err := svc.WaitForDuration(ctx, "run_1", WaitForDurationRequest{Date: date, IdempotencyKey: "nap"})
		require.NoError(t, err)
		again, err := svc.WaitForDuration(ctx, "run_1", WaitForDurationRequest{Date: date, IdempotencyKey: "nap"})
		require.NoError(t, err)
		assert.Equal(t, res.Waitpoint.ID, again.Waitpoint.ID)

		other, err := svc.WaitForDuration(ctx, "run_2", WaitForDurationRequest{Date: date, IdempotencyKey: "nap"})
		require.NoError(t, err)
		assert.NotEqual(t, res.Waitpoint.ID, other.Waitpoint.ID, "keys are scoped per run")

		clock.Advance(time.Minute)
		require.NoError(t, timeouts.all()[0].fire(ctx))

		tok, err := svc.RetrieveToken(ctx, res.Waitpoint.ID)
		require.NoError(t, err)
		assert.Equal(t, TypeDateTime, tok.Type)
		assert.Equal(t, StatusCompleted, tok.Status)
		assert.False(t, tok.OutputIsError)
	})
}

func TestWaitForTokenTracksBlockedRuns(t *testing.T) {
	svc := newTestService(NewInMemoryStore(), idempotency.NewInMemoryRegistry(), newTestClock())
	ctx := context.Background()

	res, err := svc.CreateToken(ctx, CreateTokenRequest{})
	require.NoError(t, err)
	out, err := svc.WaitForToken(ctx, "run_1", res.ID)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, []string{"run_1"}, svc.BlockedRuns(res.ID))
	_, err = svc.WaitForToken(ctx, "run_2", res.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, svc.BlockedRunCount())

	_, err = svc.CompleteToken(ctx, res.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, svc.BlockedRuns(res.ID))
	assert.Zero(t, svc.BlockedRunCount())

	_, err = svc.WaitForToken(ctx, "", res.ID)
	assert.True(t, IsInvalidInput(err))
}

func TestSweepTimeoutsCatchesOverdueTokens(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, registry idempotency.Registry) {
		ctx := context.Background()
		clock := newTestClock()
		svc := newTestService(store, registry, clock)

		due, err := svc.CreateToken(ctx, CreateTokenRequest{Timeout: "1m"})
		require.NoError(t, err)
		later, err := svc.CreateToken(ctx, CreateTokenRequest{Timeout: "1h"})
		require.NoError(t, err)
		done, err := svc.CreateToken(ctx, CreateTokenRequest{Timeout: "1m"})
		require.NoError(t, err)
		_, err = svc.CompleteToken(ctx, done.ID, nil)
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)
		n, err := svc.SweepTimeouts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		tok, err := svc.RetrieveToken(ctx, due.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusTimedOut, tok.Status)
		tok, err = svc.RetrieveToken(ctx, later.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusWaiting, tok.Status)
	})
}

func TestCronTimeoutsFiresTokenDeadline(t *testing.T) {
	ctx := context.Background()
	timeouts := NewCronTimeouts(nil, NopLogger{})
	svc := NewService(WithLogger(NopLogger{}), WithTimeoutScheduler(timeouts))

	res, err := svc.CreateToken(ctx, CreateTokenRequest{TimeoutAt: time.Now().Add(150 * time.Millisecond)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tok, err := svc.RetrieveToken(ctx, res.ID)
		return err == nil && tok.Status == StatusTimedOut
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCronTimeoutsLeavesFarDeadlinesToSweep(t *testing.T) {
	ctx := context.Background()
	noop := func(context.Context) error { return nil }

	timeouts := NewCronTimeouts(nil, NopLogger{}, WithTimerHorizon(time.Hour))
	scheduler := timeouts.Scheduler()

	// No sweep yet, so even a far deadline needs its own timer.
	require.NoError(t, timeouts.ScheduleTimeout(ctx, "waitpoint_far_1", time.Now().Add(7*24*time.Hour), noop))
	assert.Equal(t, 1, scheduler.Pending())

	_, err := timeouts.StartSweep(time.Minute, func(context.Context) (int, error) { return 0, nil })
	require.NoError(t, err)
	assert.Equal(t, 2, scheduler.Pending())

	require.NoError(t, timeouts.ScheduleTimeout(ctx, "waitpoint_far_2", time.Now().Add(7*24*time.Hour), noop))
	assert.Equal(t, 2, scheduler.Pending())

	require.NoError(t, timeouts.ScheduleTimeout(ctx, "waitpoint_near", time.Now().Add(10*time.Minute), noop))
	assert.Equal(t, 3, scheduler.Pending())

	require.NoError(t, scheduler.Stop(ctx))
}

func TestCallbackURLVerification(t *testing.T) {
	svc := NewService(WithLogger(NopLogger{}), WithCallbackURL("https://api.example.test/", "s3cret"))
	res, err := svc.CreateToken(context.Background(), CreateTokenRequest{})
	require.NoError(t, err)

	prefix := "https://api.example.test/api/v1/waitpoints/tokens/" + res.ID + "/callback/"
	require.True(t, strings.HasPrefix(res.URL, prefix), res.URL)
	hash := strings.TrimPrefix(res.URL, prefix)

	assert.True(t, svc.VerifyCallback(res.ID, hash))
	assert.False(t, svc.VerifyCallback(res.ID, CallbackHash(res.ID, "other")))
	assert.False(t, svc.VerifyCallback("waitpoint_other", hash))
}

func TestParsePeriodAndDeadline(t *testing.T) {
	cases := map[string]time.Duration{
		"10s":   10 * time.Second,
		"10m":   10 * time.Minute,
		"24h":   24 * time.Hour,
		"7d":    7 * 24 * time.Hour,
		"1w":    7 * 24 * time.Hour,
		"1h30m": 90 * time.Minute,
		"250ms": 250 * time.Millisecond,
	}
	for input, want := range cases {
		got, err := ParsePeriod(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	for _, bad := range []string{"", "10", "d", "10x", "1.2.3s", "300y", "9999999999999999999s", "200y200y"} {
		_, err := ParsePeriod(bad)
		assert.True(t, IsInvalidInput(err), bad)
	}

	now := newTestClock().Now()
	at, err := ParseDeadline("2030-01-01T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), at)
	at, err = ParseDeadline("2d", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(48*time.Hour), at)
}

func TestCreateTokenReclaimsKeyPointingAtMissingToken(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, registry idempotency.Registry) {
		ctx := context.Background()
		clock := newTestClock()
		svc := newTestService(store, registry, clock)

		// Reserve without Insert, as left behind by a crash between the two writes.
		scope := idempotency.Scope{Namespace: "env:env_1", Key: "deploy-1"}
		_, reserved, err := registry.Reserve(ctx, idempotency.Record{
			Scope:      scope,
			ResourceID: "waitpoint_lost",
			ExpiresAt:  clock.Now().Add(30 * 24 * time.Hour),
			CreatedAt:  clock.Now(),
		}, clock.Now())
		require.NoError(t, err)
		require.True(t, reserved)

		res, err := svc.CreateToken(ctx, CreateTokenRequest{EnvironmentID: "env_1", IdempotencyKey: "deploy-1"})
		require.NoError(t, err)
		assert.False(t, res.IsCached)
		assert.NotEqual(t, "waitpoint_lost", res.ID)

		tok, err := svc.RetrieveToken(ctx, res.ID)
		require.NoError(t, err)
		assert.Equal(t, "deploy-1", tok.IdempotencyKey)

		again, err := svc.CreateToken(ctx, CreateTokenRequest{EnvironmentID: "env_1", IdempotencyKey: "deploy-1"})
		require.NoError(t, err)
		assert.True(t, again.IsCached)
		assert.Equal(t, res.ID, again.ID)
	})
}

// completingStore completes the token right after the first Get, so the
// transition lands between WaitForToken's status read and its block insert.
type completingStore struct {
	Store
	once     sync.Once
	complete func()
}

func (s *completingStore) Get(ctx context.Context, id string) (*Token, error) {
	tok, err := s.Store.Get(ctx, id)
	s.once.Do(s.complete)
	return tok, err
}

func TestWaitForTokenDropsBlockWhenTransitionRaces(t *testing.T) {
	ctx := context.Background()
	inner := NewInMemoryStore()
	store := &completingStore{Store: inner}
	svc := newTestService(store, idempotency.NewInMemoryRegistry(), newTestClock())

	res, err := svc.CreateToken(ctx, CreateTokenRequest{})
	require.NoError(t, err)
	store.complete = func() {
		_, err := svc.CompleteToken(ctx, res.ID, map[string]any{"ok": true})
		require.NoError(t, err)
	}

	out, err := svc.WaitForToken(ctx, "run_1", res.ID)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Empty(t, svc.BlockedRuns(res.ID))
	assert.Zero(t, svc.BlockedRunCount())
}
