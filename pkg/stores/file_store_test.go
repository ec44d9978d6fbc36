package stores

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/fabprov/pkg/engine"
)

func TestFileStoreGetMissing(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	rec, err := store.Get(context.Background(), "workspace-none")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestFileStorePutReplaces(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	rec := sampleRecord("workspace-abc", engine.StatePending)
	require.NoError(t, store.Put(ctx, rec))

	rec.State = engine.StateSucceeded
	rec.ResolvedID = "ws-1"
	require.NoError(t, store.Put(ctx, rec))

	got, err := store.Get(ctx, "workspace-abc")
	require.NoError(t, err)
	assert.Equal(t, engine.StateSucceeded, got.State)
	assert.Equal(t, "ws-1", got.ResolvedID)
	assert.True(t, got.CreatedAtUTC.Equal(rec.CreatedAtUTC))

	entries, err := os.ReadDir(filepath.Join(dir, recordsDir))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "one file per key, no temporary files left")
}

func TestFileStoreRejectsUnsafeKeys(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "..", "a/b", `a\b`} {
		_, err := store.Get(context.Background(), key)
		assert.Error(t, err, "key %q", key)
	}
}

func TestFileStoreConcurrentWriters(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := sampleRecord(fmt.Sprintf("workspace-%d", i%4), engine.StateSucceeded)
			rec.Attempts = i
			assert.NoError(t, store.Put(ctx, rec))
		}(i)
	}
	wg.Wait()

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	for _, rec := range all {
		assert.Equal(t, engine.StateSucceeded, rec.State)
	}
}

func TestFileStoreListIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), sampleRecord("workspace-a", engine.StateFailed)))

	require.NoError(t, os.WriteFile(filepath.Join(dir, recordsDir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, recordsDir, ".workspace-a.json.tmp-1"), []byte("{"), 0o644))

	all, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "workspace-a", all[0].IdempotencyKey)
}
