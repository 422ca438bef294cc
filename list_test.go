package waitpoint

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-waitpoint/idempotency"
)

func seedTokens(t *testing.T, svc *Service, clock *testClock, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		req := CreateTokenRequest{Tags: []string{fmt.Sprintf("group-%d", i%3)}}
		res, err := svc.CreateToken(context.Background(), req)
		require.NoError(t, err)
		ids = append(ids, res.ID)
		clock.Advance(time.Millisecond)
	}
	return ids
}

func TestListTokensPagesThroughAllTokensOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, registry idempotency.Registry) {
		ctx := context.Background()
		clock := newTestClock()
		svc := newTestService(store, registry, clock)
		created := seedTokens(t, svc, clock, 250)

		seen := map[string]int{}
		var ordered []Token
		query := ListTokensQuery{Limit: 50}
		pages := 0
		for {
			page, err := svc.ListTokens(ctx, query)
			require.NoError(t, err)
			pages++
			require.LessOrEqual(t, len(page.Data), 50)
			for _, tok := range page.Data {
				seen[tok.ID]++
				ordered = append(ordered, tok)
			}
			if page.Pagination.Next == "" {
				break
			}
			query.After = page.Pagination.Next
			require.Less(t, pages, 10, "pagination does not terminate")
		}

		assert.Equal(t, 5, pages)
		assert.Len(t, seen, 250)
		for _, id := range created {
			assert.Equal(t, 1, seen[id], id)
		}
		for i := 1; i < len(ordered); i++ {
			assert.True(t, newerThan(&ordered[i-1], &ordered[i]), "order broken at %d", i)
		}
		assert.Equal(t, created[len(created)-1], ordered[0].ID, "newest first")
	})
}

func TestListTokensBackwardCursorReturnsPreviousPage(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, registry idempotency.Registry) {
		ctx := context.Background()
		clock := newTestClock()
		svc := newTestService(store, registry, clock)
		seedTokens(t, svc, clock, 30)

		first, err := svc.ListTokens(ctx, ListTokensQuery{Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, first.Pagination.Previous)
		second, err := svc.ListTokens(ctx, ListTokensQuery{Limit: 10, After: first.Pagination.Next})
		require.NoError(t, err)
		require.NotEmpty(t, second.Pagination.Previous)

		back, err := svc.ListTokens(ctx, ListTokensQuery{Limit: 10, Before: second.Pagination.Previous})
		require.NoError(t, err)
		require.Len(t, back.Data, 10)
		for i := range back.Data {
			assert.Equal(t, first.Data[i].ID, back.Data[i].ID)
		}
		assert.Empty(t, back.Pagination.Previous, "nothing newer than the first page")
		assert.NotEmpty(t, back.Pagination.Next)
	})
}

func TestListTokensFilters(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, registry idempotency.Registry) {
		ctx := context.Background()
		clock := newTestClock()
		svc := newTestService(store, registry, clock)
		ids := seedTokens(t, svc, clock, 9)

		_, err := svc.CompleteToken(ctx, ids[0], nil)
		require.NoError(t, err)
		keyed, err := svc.CreateToken(ctx, CreateTokenRequest{IdempotencyKey: "only-me", Tags: []string{"special"}})
		require.NoError(t, err)

		page, err := svc.ListTokens(ctx, ListTokensQuery{Status: []Status{StatusCompleted}})
		require.NoError(t, err)
		require.Len(t, page.Data, 1)
		assert.Equal(t, ids[0], page.Data[0].ID)

		page, err = svc.ListTokens(ctx, ListTokensQuery{Tags: []string{"group-1", "special"}})
		require.NoError(t, err)
		assert.Len(t, page.Data, 4)

		page, err = svc.ListTokens(ctx, ListTokensQuery{IdempotencyKey: "only-me"})
		require.NoError(t, err)
		require.Len(t, page.Data, 1)
		assert.Equal(t, keyed.ID, page.Data[0].ID)

		clock.Advance(time.Hour)
		recent, err := svc.CreateToken(ctx, CreateTokenRequest{})
		require.NoError(t, err)
		page, err = svc.ListTokens(ctx, ListTokensQuery{Period: "30m"})
		require.NoError(t, err)
		require.Len(t, page.Data, 1)
		assert.Equal(t, recent.ID, page.Data[0].ID)
	})
}

func TestListTokensRejectsInvalidQueries(t *testing.T) {
	svc := newTestService(NewInMemoryStore(), idempotency.NewInMemoryRegistry(), newTestClock())
	ctx := context.Background()
	cursor := Cursor{CreatedAt: time.Now(), ID: "waitpoint_x"}.Encode()

	cases := map[string]ListTokensQuery{
		"after and before": {After: cursor, Before: cursor},
		"period and from":  {Period: "1h", From: time.Now()},
		"bad period":       {Period: "eventually"},
		"bad cursor":       {After: "%%%"},
		"negative limit":   {Limit: -1},
		"bad status":       {Status: []Status{"DONE"}},
	}
	for name, q := range cases {
		_, err := svc.ListTokens(ctx, q)
		assert.True(t, IsInvalidInput(err), name)
	}
}

func TestListTokensClampsLimit(t *testing.T) {
	clock := newTestClock()
	svc := newTestService(NewInMemoryStore(), idempotency.NewInMemoryRegistry(), clock)
	seedTokens(t, svc, clock, MaxListLimit+5)

	page, err := svc.ListTokens(context.Background(), ListTokensQuery{Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, page.Data, MaxListLimit)

	page, err = svc.ListTokens(context.Background(), ListTokensQuery{})
	require.NoError(t, err)
	assert.Len(t, page.Data, DefaultListLimit)
}

func TestIterTokensIsLazyAndRestartable(t *testing.T) {
	clock := newTestClock()
	svc := newTestService(NewInMemoryStore(), idempotency.NewInMemoryRegistry(), clock)
	seedTokens(t, svc, clock, 23)

	seq := svc.IterTokens(context.Background(), ListTokensQuery{Limit: 5})
	count := 0
	for _, err := range seq {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 23, count)

	taken := 0
	for range seq {
		taken++
		if taken == 7 {
			break
		}
	}
	assert.Equal(t, 7, taken)

	again := 0
	for _, err := range seq {
		require.NoError(t, err)
		again++
	}
	assert.Equal(t, 23, again)
}

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 123456789, time.UTC), ID: "waitpoint_abc"}
	decoded, err := DecodeCursor(c.Encode())
	require.NoError(t, err)
	assert.Equal(t, c.ID, decoded.ID)
	assert.True(t, c.CreatedAt.Equal(decoded.CreatedAt))
}
