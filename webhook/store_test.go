package webhook

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(SQLiteStoreConfig{DSN: filepath.Join(t.TempDir(), "tools.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_AddListRemove(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	global, err := store.Add(ctx, Registration{URL: "https://example.com/hook"})
	require.NoError(t, err)
	assert.True(t, global.Global())
	assert.True(t, global.Active)
	assert.Equal(t, DefaultRetries, global.Retries)

	_, err = store.Add(ctx, Registration{URL: "https://example.com/hook", ToolName: "calculator", Secret: "s3cret", Retries: 5})
	require.NoError(t, err)

	regs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, regs, 2)
	for _, reg := range regs {
		assert.True(t, reg.Active)
	}

	require.NoError(t, store.Remove(ctx, "https://example.com/hook", "calculator"))
	regs, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, "", regs[0].ToolName)
}

func TestSQLiteStore_AddUpsertsByIdentity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Add(ctx, Registration{URL: "https://example.com/a"})
		require.NoError(t, err)
	}
	_, err := store.Add(ctx, Registration{URL: "https://example.com/b", ToolName: "calculator", Secret: "one"})
	require.NoError(t, err)
	updated, err := store.Add(ctx, Registration{URL: "https://example.com/b", ToolName: "calculator", Secret: "two", Retries: 7})
	require.NoError(t, err)
	assert.Equal(t, 7, updated.Retries)

	regs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, regs, 2)

	var scoped Registration
	for _, reg := range regs {
		if reg.ToolName == "calculator" {
			scoped = reg
		}
	}
	assert.Equal(t, "two", scoped.Secret)
	assert.Equal(t, 7, scoped.Retries)
}

func TestSQLiteStore_RejectsInvalidRegistrations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, reg := range []Registration{
		{URL: ""},
		{URL: "not a url"},
		{URL: "ftp://example.com/x"},
		{URL: "https://example.com/x", Retries: -1},
	} {
		_, err := store.Add(ctx, reg)
		assert.ErrorIs(t, err, ErrInvalidRegistration, reg.URL)
	}

	regs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, regs)
}

func TestSQLiteStore_RemoveMissingIsNoop(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Remove(context.Background(), "https://nowhere.example", ""))
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(SQLiteStoreConfig{DSN: path})
	require.NoError(t, err)
	_, err = first.Add(ctx, Registration{URL: "https://example.com/hook", Secret: "k"})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(SQLiteStoreConfig{DSN: path})
	require.NoError(t, err)
	defer second.Close()

	regs, err := second.List(ctx)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, "k", regs[0].Secret)
}

func TestSQLiteStore_ListRefreshesStaleSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.db")
	ctx := context.Background()
	clock := newFakeClock()

	reader, err := NewSQLiteStore(SQLiteStoreConfig{DSN: path, RefreshInterval: time.Minute, Now: clock.Now})
	require.NoError(t, err)
	defer reader.Close()
	writer, err := NewSQLiteStore(SQLiteStoreConfig{DSN: path})
	require.NoError(t, err)
	defer writer.Close()

	_, err = writer.Add(ctx, Registration{URL: "https://example.com/hook"})
	require.NoError(t, err)

	regs, err := reader.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, regs, "snapshot is still fresh")

	clock.Advance(time.Minute)
	regs, err = reader.List(ctx)
	require.NoError(t, err)
	assert.Len(t, regs, 1)
}

func TestSQLiteStore_Matching(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, reg := range []Registration{
		{URL: "https://example.com/global"},
		{URL: "https://example.com/calc", ToolName: "calculator"},
		{URL: "https://example.com/expense", ToolName: "create_expense"},
	} {
		_, err := store.Add(ctx, reg)
		require.NoError(t, err)
	}

	got, err := store.Matching(ctx, "calculator")
	require.NoError(t, err)
	urls := make([]string, 0, len(got))
	for _, reg := range got {
		urls = append(urls, reg.URL)
	}
	assert.ElementsMatch(t, []string{"https://example.com/global", "https://example.com/calc"}, urls)
}

func TestSQLiteStore_DeliveryHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordDelivery(ctx, Delivery{
		ID: 1, URL: "https://a.example", ToolName: "calculator", Event: EventToolCall,
		Attempts: 1, StatusCode: 200, OK: true, DurationMS: 3, CreatedAt: base,
	}))
	require.NoError(t, store.RecordDelivery(ctx, Delivery{
		ID: 2, URL: "https://b.example", ToolName: "calculator", Event: EventToolError,
		Attempts: 3, StatusCode: 500, OK: false, Error: "unexpected status 500", DurationMS: 9, CreatedAt: base.Add(time.Second),
	}))

	all, err := store.Deliveries(ctx, DeliveryQuery{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(2), all[0].ID)
	assert.False(t, all[0].OK)
	assert.Equal(t, "unexpected status 500", all[0].Error)
	assert.True(t, all[1].OK)
	assert.Equal(t, base, all[1].CreatedAt)

	failed, err := store.Deliveries(ctx, DeliveryQuery{FailedOnly: true})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "https://b.example", failed[0].URL)

	byURL, err := store.Deliveries(ctx, DeliveryQuery{URL: "https://a.example", Event: EventToolCall})
	require.NoError(t, err)
	require.Len(t, byURL, 1)
	assert.Equal(t, int64(1), byURL[0].ID)
}
