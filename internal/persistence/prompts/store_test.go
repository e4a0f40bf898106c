package prompts

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/streambridge/internal/common/config"
	"github.com/kandev/streambridge/internal/common/logger"
	"github.com/kandev/streambridge/internal/db"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	log := logger.NewNop()
	pool, cleanup, err := db.Provide(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	}, log)
	require.NoError(t, err)
	store, closeStore, err := Provide(pool, log)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, closeStore())
		assert.NoError(t, cleanup())
	})
	return store
}

func TestPromptIndexPerSession(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	for i, text := range []string{"first", "second", "third"} {
		idx, err := store.RecordPromptSent(ctx, "s1", "p1", "/work", text)
		require.NoError(t, err)
		assert.Equal(t, i, idx)
	}
	idx, err := store.RecordPromptSent(ctx, "s2", "p1", "/work", "other")
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	records, err := store.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "second", records[1].Text)
	assert.Equal(t, "/work", records[1].ProjectPath)
	assert.False(t, records[1].Completed())
}

func TestRecordPromptCompleted(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	idx, err := store.RecordPromptSent(ctx, "s1", "p1", "/work", "hello")
	require.NoError(t, err)
	require.NoError(t, store.RecordPromptCompleted(ctx, "s1", "p1", "/work", idx))

	records, err := store.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Completed())

	err = store.RecordPromptCompleted(ctx, "s1", "p1", "/work", 7)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestTruncate(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()
	for _, text := range []string{"a", "b", "c", "d"} {
		_, err := store.RecordPromptSent(ctx, "s1", "", "", text)
		require.NoError(t, err)
	}

	n, err := store.Truncate(ctx, "s1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	idx, err := store.RecordPromptSent(ctx, "s1", "", "", "again")
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
}

func TestConcurrentSendsGetDistinctIndexes(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	indexes := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx, err := store.RecordPromptSent(ctx, "s1", "", "", "x")
			assert.NoError(t, err)
			indexes <- idx
		}()
	}
	wg.Wait()
	close(indexes)

	seen := make(map[int]bool)
	for idx := range indexes {
		assert.False(t, seen[idx], "duplicate index %d", idx)
		seen[idx] = true
	}
	assert.Len(t, seen, n)
}

func TestEmptySessionIDRejected(t *testing.T) {
	store := createTestStore(t)
	_, err := store.RecordPromptSent(context.Background(), "", "", "", "x")
	assert.Error(t, err)
}
