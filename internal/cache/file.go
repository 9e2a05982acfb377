package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// state tracks the in-memory lifecycle of a cache entry; the persisted
// subset (Ready keys) is mirrored to a checkpoint file so a resumed run
// can skip entries already written to disk.
type state int

const (
	stateAbsent state = iota
	statePending
	stateReady
	stateInvalidated
)

// FileCache stores each segment as its own file in a run directory whose
// name encodes a timestamp plus a uuid suffix for collision-safety across
// concurrent runs targeting the same output path.
type FileCache struct {
	dir string

	mu      sync.Mutex
	entries map[Key]state

	checkpointPath string
}

// NewFileCache creates a file-backed cache in a fresh
// veld_<unix-time>_<id> directory under base (the current working
// directory when base is empty). It never reuses an earlier run's
// directory; OpenFileCache resumes a cache at an exact directory.
func NewFileCache(base string) (*FileCache, error) {
	dir := filepath.Join(base, fmt.Sprintf("veld_%d_%s", time.Now().Unix(), uuid.NewString()[:8]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return OpenFileCache(dir)
}

// OpenFileCache resumes (or creates) a file cache at an exact directory,
// loading any persisted Ready entries from its checkpoint file.
func OpenFileCache(dir string) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	fc := &FileCache{
		dir:            dir,
		entries:        make(map[Key]state),
		checkpointPath: filepath.Join(dir, "checkpoint.json"),
	}
	if err := fc.loadCheckpoint(); err != nil {
		return nil, err
	}
	return fc, nil
}

type checkpointFile struct {
	Ready []Key `json:"ready"`
}

func (c *FileCache) loadCheckpoint() error {
	data, err := os.ReadFile(c.checkpointPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read checkpoint: %w", err)
	}
	var cp checkpointFile
	if err := json.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("parse checkpoint: %w", err)
	}
	for _, k := range cp.Ready {
		if _, statErr := os.Stat(c.filePath(k)); statErr == nil {
			c.entries[k] = stateReady
		}
	}
	return nil
}

func (c *FileCache) saveCheckpointLocked() error {
	cp := checkpointFile{}
	for k, st := range c.entries {
		if st == stateReady {
			cp.Ready = append(cp.Ready, k)
		}
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.checkpointPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.checkpointPath)
}

// sanitizeFileName replaces path separators in an original segment
// filename with "__" so it's safe to use as a flat file name.
func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "/", "__")
	name = strings.ReplaceAll(name, "\\", "__")
	if name == "" {
		name = "segment"
	}
	return name
}

func (c *FileCache) filePath(k Key) string {
	name := fmt.Sprintf("%02d_%06d_%s", k.StreamID, k.Sequence, sanitizeFileName(k.FileName))
	return filepath.Join(c.dir, name)
}

func (c *FileCache) IsReady(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key] == stateReady
}

func (c *FileCache) OpenWriter(ctx context.Context, key Key) (Writer, error) {
	c.mu.Lock()
	if st := c.entries[key]; st == stateReady || st == statePending {
		c.mu.Unlock()
		return nil, nil // already done or being written: at most one writer per key
	}
	c.entries[key] = statePending
	c.mu.Unlock()

	path := c.filePath(key)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create segment file: %w", err)
	}
	return &fileWriter{cache: c, key: key, f: f, path: path}, nil
}

func (c *FileCache) OpenReader(ctx context.Context, key Key) (io.ReadCloser, error) {
	c.mu.Lock()
	st := c.entries[key]
	c.mu.Unlock()
	if st != stateReady {
		return nil, fmt.Errorf("cache entry %s not ready (state=%v)", key, st)
	}
	f, err := os.Open(c.filePath(key))
	if err != nil {
		return nil, fmt.Errorf("open segment file: %w", err)
	}
	return f, nil
}

func (c *FileCache) SegmentPath(key Key) (string, bool) {
	c.mu.Lock()
	st := c.entries[key]
	c.mu.Unlock()
	if st != stateReady {
		return "", false
	}
	return c.filePath(key), true
}

func (c *FileCache) Invalidate(ctx context.Context, key Key) error {
	c.mu.Lock()
	c.entries[key] = stateInvalidated
	err := c.saveCheckpointLocked()
	c.mu.Unlock()
	os.Remove(c.filePath(key))
	return err
}

func (c *FileCache) Clear(ctx context.Context) ([]string, error) {
	var warnings []string
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("read cache dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			warnings = append(warnings, fmt.Sprintf("skipped unexpected subdirectory: %s", e.Name()))
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to remove %s: %v", e.Name(), err))
		}
	}
	c.mu.Lock()
	c.entries = make(map[Key]state)
	c.mu.Unlock()
	return warnings, nil
}

func (c *FileCache) LocationHint() string {
	return fmt.Sprintf("file cache at %s", c.dir)
}

type fileWriter struct {
	cache *FileCache
	key   Key
	f     *os.File
	path  string
}

func (w *fileWriter) Write(p []byte) (int, error) { return w.f.Write(p) }

func (w *fileWriter) Commit() error {
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close segment file: %w", err)
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return fmt.Errorf("committed segment %s is empty", w.key)
	}
	w.cache.mu.Lock()
	w.cache.entries[w.key] = stateReady
	err = w.cache.saveCheckpointLocked()
	w.cache.mu.Unlock()
	return err
}

func (w *fileWriter) Abort() error {
	w.f.Close()
	os.Remove(w.path)
	w.cache.mu.Lock()
	w.cache.entries[w.key] = stateInvalidated
	w.cache.mu.Unlock()
	return nil
}
