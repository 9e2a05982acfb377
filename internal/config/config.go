// Package config provides configuration types for the downloader.
package config

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrMissingURL      = errors.New("URL is required")
	ErrInvalidFormat   = errors.New("invalid output format")
	ErrInvalidSelector = errors.New("invalid track selector")
)

// Config holds all application configuration.
type Config struct {
	// Input
	URL string

	// Output
	FileName  string
	OutputDir string
	Format    string // mp4, mkv, ts

	// Download settings
	Threads        int
	ParallelTracks bool
	RetryAttempts  int
	RetryDelay     time.Duration
	Timeout        time.Duration
	MaxBandwidth   int64 // bytes per second, 0 = unlimited

	// SegmentRange restricts a track to a 1-indexed "start-end" subrange
	// (e.g. "1-100"), renumbered from 0. Empty means the whole track.
	SegmentRange string

	// HTTP settings
	Headers map[string]string
	Cookies string

	// Encryption
	DecryptionKeys []string // "kid:key" pairs, clear-key CENC
	AES128Key      string   // "hex-key[:hex-iv]", overrides HLS EXT-X-KEY

	// Track selection
	TrackSelector string

	// Merge/muxer backend
	MuxerBackend string // skip, concat, auto, mkvmerge, ffmpeg, pipe
	FFmpegPath   string
	MkvmergePath string
	KeepSegments bool

	// PackagerPath holds a shaka-packager binary path. The pipeline does not
	// read it: CENC segments are always decrypted in process.
	PackagerPath string

	// CacheDir roots the on-disk segment cache; empty roots it under the
	// current working directory.
	CacheDir string

	// UI/Logging
	NoProgress  bool
	Verbose     bool
	ShowVersion bool
}

// Default configuration values.
const (
	DefaultThreads       = 16
	DefaultFormat        = "mp4"
	DefaultMuxerBackend  = "auto"
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = time.Second
	DefaultTimeout       = 30 * time.Second
	DefaultTrackSelector = "best"

	MaxThreads = 128
	MinThreads = 1
)

// New returns a Config with sensible defaults.
func New() *Config {
	return &Config{
		Threads:       DefaultThreads,
		Format:        DefaultFormat,
		MuxerBackend:  DefaultMuxerBackend,
		RetryAttempts: DefaultRetryAttempts,
		RetryDelay:    DefaultRetryDelay,
		Timeout:       DefaultTimeout,
		TrackSelector: DefaultTrackSelector,
		Headers:       make(map[string]string),
	}
}

// Validate checks if the configuration is valid and normalizes values.
func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrMissingURL
	}

	// Clamp threads to valid range
	if c.Threads < MinThreads {
		c.Threads = MinThreads
	}
	if c.Threads > MaxThreads {
		c.Threads = MaxThreads
	}

	// Initialize headers map if nil
	if c.Headers == nil {
		c.Headers = make(map[string]string)
	}

	return nil
}
