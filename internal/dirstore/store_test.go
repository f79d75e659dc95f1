package dirstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putEntry(t *testing.T, s *Store, key string, data []byte) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), key, bytes.NewReader(data), int64(len(data))))
}

func getEntry(t *testing.T, s *Store, key string) ([]byte, bool) {
	t.Helper()
	body, size, miss, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	if miss {
		return nil, false
	}
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	require.Equal(t, int64(len(data)), size)
	return data, true
}

func TestStoreRoundtrip(t *testing.T) {
	for _, codec := range []string{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(codec, func(t *testing.T) {
			store, err := New(t.TempDir(), WithCompression(codec))
			require.NoError(t, err)
			defer store.Close()

			payload := bytes.Repeat([]byte("build output "), 1000)
			putEntry(t, store, "ab12cd34", payload)

			data, ok := getEntry(t, store, "ab12cd34")
			require.True(t, ok)
			assert.Equal(t, payload, data)
		})
	}
}

func TestStoreUnknownCodecRejected(t *testing.T) {
	_, err := New(t.TempDir(), WithCompression("brotli"))
	assert.ErrorContains(t, err, "unknown compression codec")
}

func TestStoreMissOnAbsentKey(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, ok := getEntry(t, store, "deadbeef")
	assert.False(t, ok)
}

func TestStoreShardedLayout(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)
	defer store.Close()

	putEntry(t, store, "ab12cd34", []byte("x"))
	assert.FileExists(t, filepath.Join(dir, "ab", "ab12cd34"))
	assert.FileExists(t, filepath.Join(dir, "ab", "ab12cd34.meta"))
}

func TestStoreSurvivesCodecChange(t *testing.T) {
	dir := t.TempDir()

	store, err := New(dir, WithCompression(CompressionLZ4))
	require.NoError(t, err)
	putEntry(t, store, "ab12cd34", []byte("compressed with lz4"))
	require.NoError(t, store.Close())

	// Reopen with a different codec; the old entry's metadata names lz4.
	store, err = New(dir, WithCompression(CompressionZstd))
	require.NoError(t, err)
	defer store.Close()

	data, ok := getEntry(t, store, "ab12cd34")
	require.True(t, ok)
	assert.Equal(t, []byte("compressed with lz4"), data)
}

func TestStoreSizeMismatchRejected(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	err = store.Put(context.Background(), "ab12cd34", bytes.NewReader([]byte("short")), 100)
	assert.ErrorContains(t, err, "size mismatch")

	_, ok := getEntry(t, store, "ab12cd34")
	assert.False(t, ok, "failed put must not leave an entry behind")
}

func TestStoreCorruptMetadataIsMiss(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)
	defer store.Close()

	putEntry(t, store, "ab12cd34", []byte("data"))
	metaPath := filepath.Join(dir, "ab", "ab12cd34.meta")
	require.NoError(t, os.WriteFile(metaPath, []byte("garbage\n"), 0644))

	_, ok := getEntry(t, store, "ab12cd34")
	assert.False(t, ok)

	// The orphaned entry was removed on read.
	assert.NoFileExists(t, filepath.Join(dir, "ab", "ab12cd34"))
	assert.NoFileExists(t, metaPath)
}

func TestStoreMissingDataIsMiss(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)
	defer store.Close()

	putEntry(t, store, "ab12cd34", []byte("data"))
	require.NoError(t, os.Remove(filepath.Join(dir, "ab", "ab12cd34")))

	_, ok := getEntry(t, store, "ab12cd34")
	assert.False(t, ok)
	assert.NoFileExists(t, filepath.Join(dir, "ab", "ab12cd34.meta"))
}

func TestStoreClear(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	putEntry(t, store, "ab12cd34", []byte("one"))
	putEntry(t, store, "cd56ef78", []byte("two"))
	require.NoError(t, store.Clear(context.Background()))

	entries, size, err := store.Stats()
	require.NoError(t, err)
	assert.Zero(t, entries)
	assert.Zero(t, size)
}

func TestStoreCleanupRemovesOnlyStaleEntries(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)
	defer store.Close()

	putEntry(t, store, "ab12cd34", []byte("stale"))
	putEntry(t, store, "cd56ef78", []byte("fresh"))

	// Backdate the first entry's metadata.
	stale := entryMetadata{Size: 5, Codec: CompressionNone, PutTime: time.Now().Add(-48 * time.Hour)}
	require.NoError(t, store.writeMetadata("ab12cd34", stale))

	removed, err := store.Cleanup(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := getEntry(t, store, "ab12cd34")
	assert.False(t, ok)
	data, ok := getEntry(t, store, "cd56ef78")
	require.True(t, ok)
	assert.Equal(t, []byte("fresh"), data)
}

func TestStoreStats(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	putEntry(t, store, "ab12cd34", bytes.Repeat([]byte("a"), 100))
	putEntry(t, store, "cd56ef78", bytes.Repeat([]byte("b"), 50))

	entries, size, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, entries)
	assert.Equal(t, int64(150), size)
}

func TestStoreClosed(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	ctx := context.Background()
	assert.ErrorIs(t, store.Put(ctx, "ab", bytes.NewReader(nil), 0), ErrClosed)
	_, _, _, err = store.Get(ctx, "ab")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, store.Clear(ctx), ErrClosed)
	_, err = store.Cleanup(ctx, time.Hour)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStoreConcurrentPuts(t *testing.T) {
	store, err := New(t.TempDir(), WithCompression(CompressionLZ4))
	require.NoError(t, err)
	defer store.Close()

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		payload := bytes.Repeat([]byte{byte('a' + i)}, 4096)
		key := fmt.Sprintf("%02x12cd34", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.Put(context.Background(), key, bytes.NewReader(payload), int64(len(payload)))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	entries, _, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, workers, entries)
}
