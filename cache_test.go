package davsync

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCache() (*OfflineCache, *memStore) {
	store := newMemStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewOfflineCache(store, logger), store
}

func TestCacheRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, store := testCache()

	rec := ItemRecord{
		UID:     "event-1",
		Etag:    `"e1"`,
		Path:    "/cal/home/personal/event-1.ics",
		IsInbox: true,
	}
	require.NoError(t, cache.SetRecord(ctx, rec))

	// A fresh cache over the same store sees the same record.
	reloaded := NewOfflineCache(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, reloaded.Load(ctx))

	got, ok := reloaded.Record("event-1")
	require.True(t, ok)
	assert.Equal(t, rec.Etag, got.Etag)
	assert.Equal(t, rec.Path, got.Path)
	assert.True(t, got.IsInbox)
	// The round-trip marker is session state, never persisted.
	assert.False(t, got.IsNew)

	byPath, ok := reloaded.RecordByPath(rec.Path)
	require.True(t, ok)
	assert.Equal(t, "event-1", byPath.UID)
}

func TestCacheHrefIndexFollowsPathChange(t *testing.T) {
	ctx := context.Background()
	cache, _ := testCache()

	require.NoError(t, cache.SetRecord(ctx, ItemRecord{UID: "u1", Etag: "a", Path: "/old.ics"}))
	require.NoError(t, cache.SetRecord(ctx, ItemRecord{UID: "u1", Etag: "b", Path: "/new.ics"}))

	_, ok := cache.RecordByPath("/old.ics")
	assert.False(t, ok)
	rec, ok := cache.RecordByPath("/new.ics")
	require.True(t, ok)
	assert.Equal(t, "b", rec.Etag)
	assert.Equal(t, []string{"/new.ics"}, cache.Paths())
}

func TestCacheDeleteRecord(t *testing.T) {
	ctx := context.Background()
	cache, _ := testCache()

	require.NoError(t, cache.SetRecord(ctx, ItemRecord{UID: "u1", Etag: "a", Path: "/a.ics"}))
	require.NoError(t, cache.DeleteRecord(ctx, "u1"))

	_, ok := cache.Record("u1")
	assert.False(t, ok)
	_, ok = cache.RecordByPath("/a.ics")
	assert.False(t, ok)
}

func TestCacheDropsMalformedMetadata(t *testing.T) {
	ctx := context.Background()
	cache, store := testCache()

	require.NoError(t, store.SetMetadata(ctx, itemMetaPrefix+"broken", "not-a-record"))
	require.NoError(t, cache.SetRecord(ctx, ItemRecord{UID: "ok", Etag: "a", Path: "/ok.ics"}))

	require.NoError(t, cache.Load(ctx))
	_, ok := cache.Record("broken")
	assert.False(t, ok)
	_, ok = cache.Record("ok")
	assert.True(t, ok)
}

func TestCacheSyncTokenClearing(t *testing.T) {
	ctx := context.Background()
	cache, _ := testCache()

	require.NoError(t, cache.SetSyncToken(ctx, "tok"))
	got, err := cache.SyncToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok", got)

	require.NoError(t, cache.SetSyncToken(ctx, ""))
	got, err = cache.SyncToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCacheEndpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, _ := testCache()

	ep := &Endpoint{
		CalendarURI:         "https://cal.example.com/cal/",
		Inbox:               "https://cal.example.com/inbox/",
		UserAddress:         "mailto:alice@example.com",
		SupportedComponents: []string{CompEvent},
		AutoSchedule:        true,
		SyncSupported:       true,
		Checked:             true,
	}
	require.NoError(t, cache.SaveEndpoint(ctx, ep))

	got, ok, err := cache.LoadEndpoint(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ep, got)

	empty, _ := testCache()
	_, ok, err = empty.LoadEndpoint(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
