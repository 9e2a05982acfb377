package cache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCacheCommitRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, err := OpenFileCache(t.TempDir())
	require.NoError(t, err)
	key := Key{StreamID: 0, Sequence: 1, FileName: "seg1.ts"}

	w, err := c.OpenWriter(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, w)
	_, err = w.Write([]byte("segment bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Commit())

	assert.True(t, c.IsReady(key))

	r, err := c.OpenReader(ctx, key)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "segment bytes", string(data))

	path, ok := c.SegmentPath(key)
	require.True(t, ok)
	assert.FileExists(t, path)
}

func TestFileCacheSanitizesFileName(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c, err := OpenFileCache(dir)
	require.NoError(t, err)
	key := Key{StreamID: 1, Sequence: 2, FileName: "sub/dir/seg.ts"}

	w, err := c.OpenWriter(ctx, key)
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, w.Commit())

	path, ok := c.SegmentPath(key)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "01_000002_sub__dir__seg.ts"), path)
}

func TestFileCacheAbortRemovesFile(t *testing.T) {
	ctx := context.Background()
	c, err := OpenFileCache(t.TempDir())
	require.NoError(t, err)
	key := Key{StreamID: 0, Sequence: 1, FileName: "seg1.ts"}

	w, err := c.OpenWriter(ctx, key)
	require.NoError(t, err)
	path := w.(*fileWriter).path
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	assert.False(t, c.IsReady(key))
	assert.NoFileExists(t, path)
}

func TestFileCacheResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c1, err := OpenFileCache(dir)
	require.NoError(t, err)
	key := Key{StreamID: 0, Sequence: 1, FileName: "seg1.ts"}

	w, err := c1.OpenWriter(ctx, key)
	require.NoError(t, err)
	_, err = w.Write([]byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, w.Commit())

	c2, err := OpenFileCache(dir)
	require.NoError(t, err)
	assert.True(t, c2.IsReady(key))

	r, err := c2.OpenReader(ctx, key)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(data))
}

func TestFileCacheOpenWriterIdempotent(t *testing.T) {
	ctx := context.Background()
	c, err := OpenFileCache(t.TempDir())
	require.NoError(t, err)
	key := Key{StreamID: 0, Sequence: 1, FileName: "seg1.ts"}

	w, err := c.OpenWriter(ctx, key)
	require.NoError(t, err)
	_, err = w.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, w.Commit())

	w2, err := c.OpenWriter(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, w2)
}

func TestFileCacheClearSkipsSubdirectories(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c, err := OpenFileCache(dir)
	require.NoError(t, err)
	key := Key{StreamID: 0, Sequence: 1, FileName: "seg1.ts"}

	w, err := c.OpenWriter(ctx, key)
	require.NoError(t, err)
	_, err = w.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, w.Commit())

	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))

	warnings, err := c.Clear(ctx)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "nested")
	assert.False(t, c.IsReady(key))
}

func TestFileCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	c, err := OpenFileCache(t.TempDir())
	require.NoError(t, err)
	key := Key{StreamID: 0, Sequence: 1, FileName: "seg1.ts"}

	w, err := c.OpenWriter(ctx, key)
	require.NoError(t, err)
	_, err = w.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, w.Commit())

	require.NoError(t, c.Invalidate(ctx, key))
	assert.False(t, c.IsReady(key))
	_, ok := c.SegmentPath(key)
	assert.False(t, ok)
}
