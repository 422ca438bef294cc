package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func registries(t *testing.T) map[string]Registry {
	return map[string]Registry{
		"memory": NewInMemoryRegistry(),
		"sqlite": NewSQLiteRegistry(openTestDB(t), ""),
	}
}

func TestRegistryReserveAndLookupWithinTTL(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			scope := Scope{Namespace: "env_1", Key: "approve-doc-1"}

			rec, created, err := reg.Reserve(ctx, Record{Scope: scope, ResourceID: "waitpoint_a", ExpiresAt: now.Add(time.Hour)}, now)
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, "waitpoint_a", rec.ResourceID)

			rec, created, err = reg.Reserve(ctx, Record{Scope: scope, ResourceID: "waitpoint_b", ExpiresAt: now.Add(time.Hour)}, now.Add(time.Minute))
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, "waitpoint_a", rec.ResourceID)

			found, err := reg.Lookup(ctx, scope, now.Add(59*time.Minute))
			require.NoError(t, err)
			require.NotNil(t, found)
			assert.Equal(t, "waitpoint_a", found.ResourceID)
		})
	}
}

func TestRegistryExpiredRecordIsReplaced(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			scope := Scope{Namespace: "env_1", Key: "k"}

			_, _, err := reg.Reserve(ctx, Record{Scope: scope, ResourceID: "old", ExpiresAt: now.Add(time.Second)}, now)
			require.NoError(t, err)

			later := now.Add(2 * time.Second)
			found, err := reg.Lookup(ctx, scope, later)
			require.NoError(t, err)
			assert.Nil(t, found, "expired mapping must be treated as absent")

			rec, created, err := reg.Reserve(ctx, Record{Scope: scope, ResourceID: "new", ExpiresAt: later.Add(time.Hour)}, later)
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, "new", rec.ResourceID)
		})
	}
}

func TestRegistryRejectsIncompleteRecords(t *testing.T) {
	reg := NewInMemoryRegistry()
	_, _, err := reg.Reserve(context.Background(), Record{Scope: Scope{Namespace: "env"}, ResourceID: "x"}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidRecord)

	found, err := reg.Lookup(context.Background(), Scope{Key: "k"}, time.Now())
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestRegistryDefaultTTL(t *testing.T) {
	reg := NewInMemoryRegistry()
	now := time.Now().UTC()
	rec, created, err := reg.Reserve(context.Background(), Record{Scope: Scope{Namespace: "n", Key: "k"}, ResourceID: "r"}, now)
	require.NoError(t, err)
	require.True(t, created)
	assert.WithinDuration(t, now.Add(DefaultTTL), rec.ExpiresAt, time.Second)
}

func TestInMemoryRegistryConcurrentReserveHasOneWinner(t *testing.T) {
	reg := NewInMemoryRegistry()
	now := time.Now().UTC()
	scope := Scope{Namespace: "env", Key: "dup"}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, created, err := reg.Reserve(context.Background(), Record{Scope: scope, ResourceID: fmt.Sprintf("r-%d", i)}, now)
			if err == nil && created {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 1, reg.Len())
}

func TestKeyLockerSerializesAndReleases(t *testing.T) {
	locker := NewKeyLocker()
	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locker.Lock("same")
			defer unlock()
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, locker.Held())

	unlock := locker.Lock("")
	unlock()
	assert.Equal(t, 0, locker.Held())
}

func TestRegistryReleaseOnlyDropsMatchingResource(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			scope := Scope{Namespace: "run:1", Key: "release"}

			_, created, err := reg.Reserve(ctx, Record{Scope: scope, ResourceID: "waitpoint_a", ExpiresAt: now.Add(time.Hour)}, now)
			require.NoError(t, err)
			require.True(t, created)

			require.NoError(t, reg.Release(ctx, scope, "waitpoint_other"))
			found, err := reg.Lookup(ctx, scope, now)
			require.NoError(t, err)
			require.NotNil(t, found)

			require.NoError(t, reg.Release(ctx, scope, "waitpoint_a"))
			found, err = reg.Lookup(ctx, scope, now)
			require.NoError(t, err)
			assert.Nil(t, found)
		})
	}
}
