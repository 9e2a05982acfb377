package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// BlobStore is the narrow interface an object-store cache backend needs;
// it is deliberately small so any SDK (S3, GCS, Azure Blob, or an opendal-
// style abstraction behind a "--cache opendal" flag) can implement it
// without this package depending on a specific cloud SDK import.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// ObjectStoreCache stores each segment under {prefix}/{key} on a BlobStore.
type ObjectStoreCache struct {
	store  BlobStore
	prefix string

	mu      sync.Mutex
	entries map[Key]state
}

func NewObjectStoreCache(store BlobStore, prefix string) *ObjectStoreCache {
	return &ObjectStoreCache{
		store:   store,
		prefix:  prefix,
		entries: make(map[Key]state),
	}
}

func (c *ObjectStoreCache) objectKey(k Key) string {
	return fmt.Sprintf("%s/%02d_%06d_%s", c.prefix, k.StreamID, k.Sequence, sanitizeFileName(k.FileName))
}

func (c *ObjectStoreCache) IsReady(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key] == stateReady
}

func (c *ObjectStoreCache) OpenWriter(ctx context.Context, key Key) (Writer, error) {
	c.mu.Lock()
	if st := c.entries[key]; st == stateReady || st == statePending {
		c.mu.Unlock()
		return nil, nil
	}
	c.entries[key] = statePending
	c.mu.Unlock()
	return &objectWriter{cache: c, key: key}, nil
}

func (c *ObjectStoreCache) OpenReader(ctx context.Context, key Key) (io.ReadCloser, error) {
	c.mu.Lock()
	ready := c.entries[key] == stateReady
	c.mu.Unlock()
	if !ready {
		return nil, fmt.Errorf("cache entry %s not ready", key)
	}
	data, err := c.store.Get(ctx, c.objectKey(key))
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *ObjectStoreCache) SegmentPath(key Key) (string, bool) { return "", false }

func (c *ObjectStoreCache) Invalidate(ctx context.Context, key Key) error {
	c.mu.Lock()
	c.entries[key] = stateInvalidated
	c.mu.Unlock()
	return c.store.Delete(ctx, c.objectKey(key))
}

func (c *ObjectStoreCache) Clear(ctx context.Context) ([]string, error) {
	keys, err := c.store.List(ctx, c.prefix)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	var warnings []string
	for _, k := range keys {
		if err := c.store.Delete(ctx, k); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to remove %s: %v", k, err))
		}
	}
	c.mu.Lock()
	c.entries = make(map[Key]state)
	c.mu.Unlock()
	return warnings, nil
}

func (c *ObjectStoreCache) LocationHint() string {
	return fmt.Sprintf("object store cache at prefix %q", c.prefix)
}

type objectWriter struct {
	cache *ObjectStoreCache
	key   Key
	buf   bytes.Buffer
}

func (w *objectWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *objectWriter) Commit() error {
	if w.buf.Len() == 0 {
		return fmt.Errorf("committed segment %s is empty", w.key)
	}
	if err := w.cache.store.Put(context.Background(), w.cache.objectKey(w.key), w.buf.Bytes()); err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	w.cache.mu.Lock()
	w.cache.entries[w.key] = stateReady
	w.cache.mu.Unlock()
	return nil
}

func (w *objectWriter) Abort() error {
	w.cache.mu.Lock()
	w.cache.entries[w.key] = stateInvalidated
	w.cache.mu.Unlock()
	return nil
}
