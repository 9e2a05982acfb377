// Package cache implements the keyed byte store for in-flight segments: a
// Pending -> Ready -> Invalidated lifecycle with at-most-one writer per
// (stream_id, sequence) key.
package cache

import (
	"context"
	"fmt"
	"io"
)

// Key identifies a cache entry by (stream_id, sequence).
type Key struct {
	StreamID uint64
	Sequence uint64
	// FileName is carried for debugging/physical naming only; it is not
	// part of key identity.
	FileName string
}

func (k Key) String() string {
	return fmt.Sprintf("%02d_%06d_%s", k.StreamID, k.Sequence, k.FileName)
}

// Writer is returned by OpenWriter. The caller must call either Commit (on
// successful fetch+decrypt) or Abort (on failure); Go has no destructors,
// so a single "drop" call becomes these two explicit terminal calls.
// Commit transitions the entry Pending -> Ready; Abort invalidates it so a
// later caller may retry with a fresh OpenWriter.
type Writer interface {
	io.Writer
	Commit() error
	Abort() error
}

// Cache is the abstract key-value byte store. All operations are
// fallible; implementations must allow OpenWriter/OpenReader to be called
// concurrently from many goroutines on distinct keys, guaranteeing
// at-most-one writer per key and safe concurrent readers.
type Cache interface {
	// OpenWriter returns (nil, nil) if the entry for key is already Ready
	// (idempotent re-runs short-circuit) or Pending under another writer;
	// otherwise it creates a Pending entry and returns a write handle.
	OpenWriter(ctx context.Context, key Key) (Writer, error)

	// OpenReader opens a streaming reader; fails if the entry is missing or
	// still Pending.
	OpenReader(ctx context.Context, key Key) (io.ReadCloser, error)

	// SegmentPath returns a physical-path hint for external tools (e.g. the
	// ffmpeg/mkvmerge merger strategies), or ok=false if the backend has no
	// such concept (e.g. an in-memory or remote object-store cache).
	SegmentPath(key Key) (path string, ok bool)

	// Invalidate removes the entry for key, if any.
	Invalidate(ctx context.Context, key Key) error

	// Clear removes all entries. A directory-backed cache skips (and reports
	// via the warnings return) subdirectories of its backing directory;
	// every plain file in that directory is removed.
	Clear(ctx context.Context) (warnings []string, err error)

	// LocationHint is a user-facing string describing where bytes live.
	LocationHint() string
}

// IsReady reports whether key currently has a committed (Ready) entry,
// used by resume logic to skip already-downloaded segments.
type ReadyChecker interface {
	IsReady(key Key) bool
}
