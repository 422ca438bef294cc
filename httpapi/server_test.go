package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/goliatone/go-waitpoint"
	"github.com/goliatone/go-waitpoint/batch"
	"github.com/goliatone/go-waitpoint/debounce"
	"github.com/goliatone/go-waitpoint/eventlog"
	"github.com/goliatone/go-waitpoint/wait"
)

type fixture struct {
	svc     *waitpoint.Service
	runtime *wait.LocalRuntime
	batches batch.Store
	jobs    *debounce.InMemoryJobStore
	events  *eventlog.Store
	server  *httptest.Server
	client  *Client
}

func newFixture(t *testing.T, opts ...ServerOption) *fixture {
	t.Helper()
	f := &fixture{}
	f.svc = waitpoint.NewService(
		waitpoint.WithLogger(waitpoint.NopLogger{}),
		waitpoint.WithCallbackURL("https://hooks.example.test", "s3cret"),
	)
	f.runtime = wait.NewLocalRuntime(f.svc)
	f.svc.AddTransitionListener(f.runtime.Notify)

	f.batches = batch.NewInMemoryStore()
	f.jobs = debounce.NewInMemoryJobStore()
	system := batch.NewSystem(f.batches, debounce.NewScheduler(f.jobs), batch.WithLogger(waitpoint.NopLogger{}))

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	f.events = eventlog.NewStore(db, eventlog.Config{}, eventlog.WithLogger(waitpoint.NopLogger{}))

	opts = append([]ServerOption{
		WithServerLogger(waitpoint.NopLogger{}),
		WithBatchSystem(system),
		WithEventStore(f.events),
		WithMetricsHandler("/metrics", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("waitpoint_up 1\n"))
		})),
	}, opts...)
	f.server = httptest.NewServer(NewServer(f.svc, opts...).Handler())
	t.Cleanup(f.server.Close)
	f.client = NewClient(f.server.URL, WithEnvironment("env_1"))
	return f
}

func TestCreateRetrieveCompleteRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.client.CreateToken(ctx, waitpoint.CreateTokenRequest{
		IdempotencyKey: "approval-1",
		Timeout:        "1h",
		Tags:           []string{"approval"},
	})
	require.NoError(t, err)
	assert.False(t, created.IsCached)
	assert.Contains(t, created.URL, "/callback/")

	again, err := f.client.CreateToken(ctx, waitpoint.CreateTokenRequest{IdempotencyKey: "approval-1"})
	require.NoError(t, err)
	assert.True(t, again.IsCached)
	assert.Equal(t, created.ID, again.ID)

	view, err := f.client.Retrieve(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, waitpoint.StatusWaiting, view.Status)
	assert.Equal(t, waitpoint.TypeManual, view.Type)
	assert.Equal(t, []string{"approval"}, view.Tags)
	assert.NotNil(t, view.TimeoutAt)
	assert.Equal(t, created.URL, view.URL)

	res, err := f.client.CompleteToken(ctx, created.ID, map[string]any{"approved": true})
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = f.client.CompleteToken(ctx, created.ID, map[string]any{"approved": false})
	require.NoError(t, err)
	assert.False(t, res.Success, "second completion does not apply")
	assert.Equal(t, waitpoint.StatusCompleted, res.Status)

	tok, err := f.client.RetrieveToken(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, waitpoint.StatusCompleted, tok.Status)
	assert.JSONEq(t, `{"approved":true}`, string(tok.Output))
	assert.False(t, tok.CompletedAt.IsZero())
}

func TestCompleteTokenSendsRawJSONBytesUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for name, data := range map[string]any{
		"bytes":       []byte(`{"a":1}`),
		"raw message": json.RawMessage(`{"a":1}`),
	} {
		t.Run(name, func(t *testing.T) {
			created, err := f.client.CreateToken(ctx, waitpoint.CreateTokenRequest{})
			require.NoError(t, err)

			res, err := f.client.CompleteToken(ctx, created.ID, data)
			require.NoError(t, err)
			require.True(t, res.Success)

			tok, err := f.client.RetrieveToken(ctx, created.ID)
			require.NoError(t, err)
			assert.JSONEq(t, `{"a":1}`, string(tok.Output))
		})
	}

	created, err := f.client.CreateToken(ctx, waitpoint.CreateTokenRequest{})
	require.NoError(t, err)
	_, err = f.client.CompleteToken(ctx, created.ID, []byte("not json"))
	assert.True(t, waitpoint.IsInvalidInput(err))
}

func TestCallbackRequiresValidHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.client.CreateToken(ctx, waitpoint.CreateTokenRequest{})
	require.NoError(t, err)
	hash := created.URL[strings.LastIndex(created.URL, "/")+1:]
	base := f.server.URL + "/api/v1/waitpoints/tokens/" + created.ID + "/callback/"

	resp, err := http.Post(base+"deadbeef", "application/json", strings.NewReader(`{"ok":true}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Post(base+hash, "application/json", strings.NewReader(`{"ok":true}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	tok, err := f.svc.RetrieveToken(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, waitpoint.StatusCompleted, tok.Status)
	assert.JSONEq(t, `{"ok":true}`, string(tok.Output))
}

func TestErrorsKeepTheirClassificationOverHTTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.RetrieveToken(ctx, "waitpoint_missing")
	require.Error(t, err)
	assert.True(t, waitpoint.IsNotFound(err))

	_, err = f.client.CreateToken(ctx, waitpoint.CreateTokenRequest{Timeout: "soon"})
	require.Error(t, err)
	assert.True(t, waitpoint.IsInvalidInput(err))

	_, err = f.client.WaitForToken(ctx, "run_1", "waitpoint_missing")
	assert.True(t, waitpoint.IsNotFound(err))

	resp, err := http.Post(f.server.URL+"/api/v1/waitpoints/tokens", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{waitpoint.NewError(waitpoint.ErrInvalidInput, "bad", nil, nil), http.StatusBadRequest},
		{waitpoint.NewError(waitpoint.ErrPastDeadline, "", nil, nil), http.StatusBadRequest},
		{waitpoint.NewError(waitpoint.ErrNotFound, "", nil, nil), http.StatusNotFound},
		{waitpoint.NewError(waitpoint.ErrStaleTransition, "", nil, nil), http.StatusConflict},
		{waitpoint.NewError(waitpoint.ErrNoActiveTaskContext, "", nil, nil), http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatusForError(tc.err), tc.err.Error())
	}

	body := ErrorBodyFor(errors.New("connection refused on 10.0.0.3"))
	assert.Equal(t, ErrCodeInternal, body.Code)
	assert.Equal(t, "internal error", body.Message)
}

func TestListTokensPagesThroughClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.client.CreateToken(ctx, waitpoint.CreateTokenRequest{Tags: []string{"batch"}})
		require.NoError(t, err)
	}
	_, err := f.client.CreateToken(ctx, waitpoint.CreateTokenRequest{Tags: []string{"other"}})
	require.NoError(t, err)

	page, err := f.client.ListTokens(ctx, waitpoint.ListTokensQuery{Tags: []string{"batch"}, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Data, 2)
	assert.NotEmpty(t, page.Pagination.Next)

	seen := map[string]bool{}
	for view, err := range f.client.IterTokens(ctx, waitpoint.ListTokensQuery{Tags: []string{"batch"}, Limit: 2}) {
		require.NoError(t, err)
		assert.Empty(t, view.Output)
		seen[view.ID] = true
	}
	assert.Len(t, seen, 5)

	_, err = f.client.ListTokens(ctx, waitpoint.ListTokensQuery{Status: []waitpoint.Status{"PAUSED"}})
	assert.True(t, waitpoint.IsInvalidInput(err))
}

func TestWaiterOverHTTPClient(t *testing.T) {
	f := newFixture(t)
	ctx := wait.WithTaskContext(context.Background(), wait.TaskContext{RunID: "run_http"})
	waiter := wait.NewWaiter(f.client, f.runtime, wait.WithLogger(waitpoint.NopLogger{}))

	created, err := f.client.CreateToken(context.Background(), waitpoint.CreateTokenRequest{})
	require.NoError(t, err)

	type approval struct {
		Approved bool `json:"approved"`
	}
	done := make(chan wait.Result[approval], 1)
	errs := make(chan error, 1)
	go func() {
		res, err := wait.ForToken[approval](ctx, waiter, created.ID)
		errs <- err
		done <- res
	}()

	require.Eventually(t, func() bool { return f.runtime.Waiting(created.ID) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"run_http"}, f.svc.BlockedRuns(created.ID))

	_, err = f.client.CompleteToken(context.Background(), created.ID, approval{Approved: true})
	require.NoError(t, err)

	require.NoError(t, <-errs)
	res := <-done
	assert.True(t, res.OK)
	assert.True(t, res.Output.Approved)
}

func TestWaitForDurationOverHTTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	date := time.Now().Add(time.Hour).UTC()

	first, err := f.client.WaitForDuration(ctx, "run_1", waitpoint.WaitForDurationRequest{Date: date, IdempotencyKey: "nap"})
	require.NoError(t, err)
	second, err := f.client.WaitForDuration(ctx, "run_1", waitpoint.WaitForDurationRequest{Date: date, IdempotencyKey: "nap"})
	require.NoError(t, err)
	assert.Equal(t, first.Waitpoint.ID, second.Waitpoint.ID)

	tok, err := f.client.RetrieveToken(ctx, first.Waitpoint.ID)
	require.NoError(t, err)
	assert.Equal(t, waitpoint.TypeDateTime, tok.Type)
	assert.WithinDuration(t, date, tok.TimeoutAt, time.Second)
}

func TestBatchRoutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.batches.CreateBatch(ctx, batch.Batch{ID: "batch_1", EnvironmentID: "env_1"}))

	require.NoError(t, f.client.ReportRunStatus(ctx, "batch_1", "run_a", "executing"))
	require.NoError(t, f.client.ReportRunStatus(ctx, "batch_1", "run_b", "COMPLETED_SUCCESSFULLY"))

	outcome, err := f.client.RecomputeBatch(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, string(batch.OutcomeMembersPending), outcome)

	require.NoError(t, f.client.ReportRunStatus(ctx, "batch_1", "run_a", "CRASHED"))
	outcome, err = f.client.RecomputeBatch(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, string(batch.OutcomeCompleted), outcome)

	_, err = f.client.RecomputeBatch(ctx, "batch_missing")
	assert.True(t, waitpoint.IsNotFound(err))
}

func TestTraceEventsRoute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	_, err := f.events.CreateMany(ctx, eventlog.TableTaskEvent, []eventlog.Event{
		{TraceID: "tr_1", SpanID: "s1", RunID: "run_1", Message: "start", StartTime: now.Add(-time.Minute)},
		{TraceID: "tr_1", SpanID: "s2", RunID: "run_1", Message: "log line", Kind: eventlog.KindLog, StartTime: now},
	})
	require.NoError(t, err)

	events, err := f.client.TraceEvents(ctx, "tr_1", "", false)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "s1", events[0].SpanID)

	events, err = f.client.TraceEvents(ctx, "tr_1", "", true)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestRecoverAndHealth(t *testing.T) {
	panicky := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/boom" {
				panic("boom")
			}
			http.NotFound(w, r)
		})
	}
	f := newFixture(t, WithMiddleware(panicky))

	resp, err := http.Get(f.server.URL + "/boom")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	g := newFixture(t)
	resp, err = http.Get(g.server.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(g.server.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
