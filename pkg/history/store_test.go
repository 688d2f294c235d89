// Handraise - Human-in-the-loop MCP server
// License: MIT
//
// Copyright (c) 2026 Handraise contributors

package history

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/handraise/pkg/ask"
)

func storeTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRecord(id string) *Record {
	return &Record{
		ID:        id,
		SessionID: "test-session",
		Kind:      ask.KindConfirm,
		Title:     "Confirmation Requested",
		Prompt:    "Proceed?",
		Status:    StatusPending,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestMemoryStore_OpenCloseRecent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10)

	require.NoError(t, store.Open(ctx, testRecord("a")))
	require.NoError(t, store.Open(ctx, testRecord("b")))
	require.NoError(t, store.Close(ctx, "a", ask.StatusAnswered, "Yes", "", time.Now()))

	recs, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// Newest first.
	assert.Equal(t, "b", recs[0].ID)
	assert.Equal(t, StatusPending, recs[0].Status)
	assert.Equal(t, "a", recs[1].ID)
	assert.Equal(t, ask.StatusAnswered, recs[1].Status)
	assert.Equal(t, "Yes", recs[1].Answer)
}

func TestMemoryStore_EvictsOldestPastLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(3)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Open(ctx, testRecord(fmt.Sprintf("r%d", i))))
	}

	recs, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "r4", recs[0].ID)
	assert.Equal(t, "r2", recs[2].ID)

	// Closing an evicted record is a harmless no-op.
	assert.NoError(t, store.Close(ctx, "r0", ask.StatusTimeout, "", "too slow", time.Now()))
}

func TestMemoryStore_RecentReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(5)
	require.NoError(t, store.Open(ctx, testRecord("a")))

	recs, err := store.Recent(ctx, 1)
	require.NoError(t, err)
	recs[0].Answer = "mutated by caller"

	again, err := store.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, again[0].Answer)
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"), 50)
	require.NoError(t, err)
	defer store.Shutdown()

	rec := testRecord("sq-1")
	rec.Kind = ask.KindChoice
	rec.Options = []ask.Option{{Label: "Blue", Value: "blue"}, {Label: "Green", Value: "green"}}
	require.NoError(t, store.Open(ctx, rec))

	resolved := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.Close(ctx, "sq-1", ask.StatusAnswered, "blue", "", resolved))

	recs, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	got := recs[0]
	assert.Equal(t, "sq-1", got.ID)
	assert.Equal(t, ask.KindChoice, got.Kind)
	assert.Equal(t, ask.StatusAnswered, got.Status)
	assert.Equal(t, "blue", got.Answer)
	assert.Len(t, got.Options, 2)
	assert.WithinDuration(t, resolved, got.ResolvedAt, time.Second)
}

func TestSQLiteStore_PrunesPastLimit(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"), 3)
	require.NoError(t, err)
	defer store.Shutdown()

	for i := 0; i < 6; i++ {
		rec := testRecord(fmt.Sprintf("sq-%d", i))
		rec.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Open(ctx, rec))
	}

	recs, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(recs), 3)
	assert.Equal(t, "sq-5", recs[0].ID)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	store, err := NewSQLiteStore(path, 50)
	require.NoError(t, err)
	require.NoError(t, store.Open(ctx, testRecord("keep")))
	require.NoError(t, store.Shutdown())

	reopened, err := NewSQLiteStore(path, 50)
	require.NoError(t, err)
	defer reopened.Shutdown()

	recs, err := reopened.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "keep", recs[0].ID)
}

func TestJSONLStore_FoldsLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.jsonl")
	store, err := NewJSONLStore(path)
	require.NoError(t, err)
	defer store.Shutdown()

	require.NoError(t, store.Open(ctx, testRecord("j1")))
	require.NoError(t, store.Open(ctx, testRecord("j2")))
	resolved := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.Close(ctx, "j1", ask.StatusTimeout, "", "too slow", resolved))

	recs, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "j2", recs[0].ID)
	assert.Equal(t, StatusPending, recs[0].Status)
	assert.Equal(t, "j1", recs[1].ID)
	assert.Equal(t, ask.StatusTimeout, recs[1].Status)
	assert.Equal(t, "too slow", recs[1].Error)
	assert.WithinDuration(t, resolved, recs[1].ResolvedAt, time.Second)
}

func TestJSONLStore_IsAppendOnly(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.jsonl")
	store, err := NewJSONLStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Open(ctx, testRecord("j1")))
	require.NoError(t, store.Close(ctx, "j1", ask.StatusAnswered, "Yes", "", time.Now()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, splitLines(data), 2, "close must append a second line, not rewrite the first")
}

func TestJSONLStore_SkipsTornTrailingLine(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.jsonl")
	store, err := NewJSONLStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Open(ctx, testRecord("ok")))

	// Simulate a crash mid-append.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"event":"open","record":{"id":"to`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recs, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "ok", recs[0].ID)
}

func TestNewStore_Factory(t *testing.T) {
	log := storeTestLogger()

	t.Run("defaults to memory", func(t *testing.T) {
		store, err := NewStore(StoreConfig{}, log)
		require.NoError(t, err)
		defer store.Shutdown()
		_, ok := store.(*MemoryStore)
		assert.True(t, ok)
	})

	t.Run("jsonl from data dir", func(t *testing.T) {
		store, err := NewStore(StoreConfig{Backend: "jsonl", DataDir: t.TempDir()}, log)
		require.NoError(t, err)
		defer store.Shutdown()
		_, ok := store.(*JSONLStore)
		assert.True(t, ok)
	})

	t.Run("sqlite from data dir", func(t *testing.T) {
		store, err := NewStore(StoreConfig{Backend: "sqlite", DataDir: t.TempDir()}, log)
		require.NoError(t, err)
		defer store.Shutdown()
		_, ok := store.(*SQLiteStore)
		assert.True(t, ok)
	})

	t.Run("sqlite requires a path", func(t *testing.T) {
		_, err := NewStore(StoreConfig{Backend: "sqlite"}, log)
		assert.Error(t, err)
	})

	t.Run("postgres requires config", func(t *testing.T) {
		_, err := NewStore(StoreConfig{Backend: "postgres"}, log)
		assert.Error(t, err)
	})

	t.Run("unknown backend rejected", func(t *testing.T) {
		_, err := NewStore(StoreConfig{Backend: "etcd"}, log)
		assert.Error(t, err)
	})
}

func TestRecorder_ProjectsLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10)
	rec := NewRecorder(store, storeTestLogger())

	req := ask.Request{
		ID:        "ask-1",
		SessionID: "s1",
		Payload:   ask.Payload{Kind: ask.KindConfirm, Title: "T", Prompt: "P"},
		CreatedAt: time.Now(),
	}
	rec.Open(req)
	rec.Close("ask-1", ask.StatusAnswered, true, "")

	recs, err := store.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ask.StatusAnswered, recs[0].Status)
	assert.Equal(t, "Yes", recs[0].Answer, "boolean answers render as Yes/No")
}

func TestRecorder_NonAnswerLeavesAnswerEmpty(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10)
	rec := NewRecorder(store, storeTestLogger())

	rec.Open(ask.Request{ID: "ask-2", Payload: ask.Payload{Kind: ask.KindText}})
	rec.Close("ask-2", ask.StatusCancelled, nil, "cancelled by agent")

	recs, err := store.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].Answer)
	assert.Equal(t, "cancelled by agent", recs[0].Error)
}
