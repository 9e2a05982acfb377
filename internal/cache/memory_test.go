package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheCommitRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	key := Key{StreamID: 0, Sequence: 1, FileName: "seg1.ts"}

	w, err := c.OpenWriter(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, w)

	_, err = w.Write([]byte("hello segment"))
	require.NoError(t, err)
	require.NoError(t, w.Commit())

	assert.True(t, c.IsReady(key))

	r, err := c.OpenReader(ctx, key)
	require.NoError(t, err)
	defer r.Close()

	buf := make([]byte, 13)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello segment", string(buf[:n]))
}

func TestMemoryCacheOpenWriterIdempotent(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
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

func TestMemoryCacheAbortAllowsRetry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	key := Key{StreamID: 0, Sequence: 1, FileName: "seg1.ts"}

	w, err := c.OpenWriter(ctx, key)
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	assert.False(t, c.IsReady(key))

	w2, err := c.OpenWriter(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, w2)
	_, err = w2.Write([]byte("full data"))
	require.NoError(t, err)
	require.NoError(t, w2.Commit())
	assert.True(t, c.IsReady(key))
}

func TestMemoryCacheCommitEmptyFails(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	key := Key{StreamID: 0, Sequence: 1, FileName: "seg1.ts"}

	w, err := c.OpenWriter(ctx, key)
	require.NoError(t, err)
	assert.Error(t, w.Commit())
}

func TestMemoryCacheOpenReaderNotReady(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	key := Key{StreamID: 0, Sequence: 1, FileName: "seg1.ts"}

	_, err := c.OpenReader(ctx, key)
	assert.Error(t, err)
}

func TestMemoryCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	key := Key{StreamID: 0, Sequence: 1, FileName: "seg1.ts"}

	w, err := c.OpenWriter(ctx, key)
	require.NoError(t, err)
	_, err = w.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, w.Commit())

	require.NoError(t, c.Invalidate(ctx, key))
	assert.False(t, c.IsReady(key))
	_, err = c.OpenReader(ctx, key)
	assert.Error(t, err)
}

func TestMemoryCacheClear(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	key1 := Key{StreamID: 0, Sequence: 1, FileName: "a.ts"}
	key2 := Key{StreamID: 0, Sequence: 2, FileName: "b.ts"}

	for _, k := range []Key{key1, key2} {
		w, err := c.OpenWriter(ctx, k)
		require.NoError(t, err)
		_, err = w.Write([]byte("data"))
		require.NoError(t, err)
		require.NoError(t, w.Commit())
	}

	warnings, err := c.Clear(ctx)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.False(t, c.IsReady(key1))
	assert.False(t, c.IsReady(key2))
}

func TestMemoryCacheSegmentPathNotSupported(t *testing.T) {
	c := NewMemoryCache()
	_, ok := c.SegmentPath(Key{StreamID: 0, Sequence: 1})
	assert.False(t, ok)
}
