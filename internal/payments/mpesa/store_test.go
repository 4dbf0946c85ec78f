package mpesa

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T, clock func() time.Time) Store

func newBadgerTestStore(t *testing.T, clock func() time.Time) Store {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewBadgerStore(db, clock)
}

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(_ *testing.T, clock func() time.Time) Store { return NewMemoryStore(clock) },
		"badger": newBadgerTestStore,
	}
}

func TestStores(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			t.Run("put get update", func(t *testing.T) { testPutGetUpdate(t, factory) })
			t.Run("missing", func(t *testing.T) { testMissing(t, factory) })
			t.Run("mutate error aborts", func(t *testing.T) { testMutateAborts(t, factory) })
			t.Run("expiry", func(t *testing.T) { testExpiry(t, factory) })
		})
	}
}

func testPutGetUpdate(t *testing.T, factory storeFactory) {
	now := time.Now().UTC()
	store := factory(t, func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Entry{
		Key:       "ws_CO_1",
		Status:    StatusInitiated,
		OrderID:   "order-1",
		Amount:    100,
		Request:   map[string]any{"PhoneNumber": "254712345678"},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}))

	got, err := store.Get(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, StatusInitiated, got.Status)
	assert.Equal(t, "order-1", got.OrderID)
	assert.Equal(t, "254712345678", got.Request["PhoneNumber"])

	code := 0
	updated, err := store.Update(ctx, "ws_CO_1", func(e *Entry) error {
		e.Status = StatusSuccess
		e.ResultCode = &code
		e.ReceiptNumber = "RCP123"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, updated.Status)

	got, err = store.Get(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, "RCP123", got.ReceiptNumber)
	require.NotNil(t, got.ResultCode)
	assert.Equal(t, 0, *got.ResultCode)
}

func testMissing(t *testing.T, factory storeFactory) {
	store := factory(t, nil)
	ctx := context.Background()

	_, err := store.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Update(ctx, "nope", func(*Entry) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func testMutateAborts(t *testing.T, factory storeFactory) {
	now := time.Now().UTC()
	store := factory(t, func() time.Time { return now })
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, Entry{Key: "k", Status: StatusInitiated, ExpiresAt: now.Add(time.Hour)}))

	boom := errors.New("boom")
	_, err := store.Update(ctx, "k", func(e *Entry) error {
		e.Status = StatusFailed
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, StatusInitiated, got.Status)
}

func testExpiry(t *testing.T, factory storeFactory) {
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	store := factory(t, func() time.Time { return clock() })
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Entry{Key: "short", Status: StatusInitiated, ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, store.Put(ctx, Entry{Key: "long", Status: StatusInitiated, ExpiresAt: now.Add(time.Hour)}))

	later := now.Add(2 * time.Minute)
	clock = func() time.Time { return later }

	_, err := store.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Cleanup(ctx, later, 0)
	require.NoError(t, err)

	_, err = store.Get(ctx, "long")
	assert.NoError(t, err)
}

func TestMemoryStore_CleanupCountsAndLimit(t *testing.T) {
	now := time.Now().UTC()
	store := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, store.Put(ctx, Entry{Key: key, ExpiresAt: now.Add(-time.Second)}))
	}

	removed, err := store.Cleanup(ctx, now, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = store.Cleanup(ctx, now, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusInitiated.Terminal())
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCallbackNoID.Terminal())
}
