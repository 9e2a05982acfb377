// Package veld provides a high-performance HLS/DASH media downloader.
//
// Basic usage:
//
//	d, err := veld.New(
//		veld.WithURL("https://example.com/video.m3u8"),
//		veld.WithFileName("video.mp4"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer d.Close()
//
//	if err := d.Parse(ctx); err != nil {
//		log.Fatal(err)
//	}
//	if err := d.SelectTracks(); err != nil {
//		log.Fatal(err)
//	}
//	if err := d.Download(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// Or use the convenience function:
//
//	err := veld.DownloadURL(ctx, "https://example.com/video.m3u8", "video.mp4")
package veld

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/yesterday17/veld/internal/cache"
	"github.com/yesterday17/veld/internal/config"
	"github.com/yesterday17/veld/internal/corelog"
	"github.com/yesterday17/veld/internal/downloader"
	"github.com/yesterday17/veld/internal/httpclient"
	"github.com/yesterday17/veld/internal/merge"
	"github.com/yesterday17/veld/internal/models"
	"github.com/yesterday17/veld/internal/selector"
	"github.com/yesterday17/veld/internal/source"
)

// Downloader is the main API for downloading media streams.
type Downloader struct {
	cfg    *config.Config
	client *http.Client
	log    corelog.Logger

	manifest       *models.Manifest
	selectedTracks []*models.Track

	cache cache.Cache
	dl    *downloader.Downloader

	mu            sync.Mutex
	streamTrackID map[uint64]string
}

// Option configures the downloader.
type Option func(*config.Config)

// New creates a new Downloader with the given options.
func New(opts ...Option) (*Downloader, error) {
	cfg := config.New()
	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logLevel := "info"
	if cfg.Verbose {
		logLevel = "debug"
	}

	var client *http.Client
	if cfg.MaxBandwidth > 0 {
		client = httpclient.NewWithRateLimit(httpclient.DefaultConfig(), cfg.MaxBandwidth)
	} else {
		client = httpclient.New(httpclient.DefaultConfig())
	}

	return &Downloader{
		cfg:    cfg,
		client: client,
		log:    corelog.New(logLevel),
	}, nil
}

// WithURL sets the stream URL (required).
func WithURL(url string) Option {
	return func(c *config.Config) {
		c.URL = url
	}
}

// WithFileName sets the output file name.
func WithFileName(filename string) Option {
	return func(c *config.Config) {
		c.FileName = filename
	}
}

// WithDir sets the directory path.
func WithDir(dir string) Option {
	return func(c *config.Config) {
		c.OutputDir = dir
	}
}

// WithThreads sets the number of concurrent download threads (default: 16, max: 128).
func WithThreads(n int) Option {
	return func(c *config.Config) {
		c.Threads = n
	}
}

// WithFormat sets the output format: "mp4", "mkv", or "ts" (default: "mp4").
func WithFormat(format string) Option {
	return func(c *config.Config) {
		c.Format = format
	}
}

// WithHeaders sets custom HTTP headers for requests.
func WithHeaders(headers map[string]string) Option {
	return func(c *config.Config) {
		for k, v := range headers {
			c.Headers[k] = v
		}
	}
}

// WithHeader adds a single HTTP header.
func WithHeader(key, value string) Option {
	return func(c *config.Config) {
		c.Headers[key] = value
	}
}

// WithCookies sets cookies for HTTP requests.
func WithCookies(cookies string) Option {
	return func(c *config.Config) {
		c.Cookies = cookies
		if cookies != "" {
			c.Headers["Cookie"] = cookies
		}
	}
}

// WithTrackSelector sets the track selection string.
// Examples: "best", "1080p", "720p", "all", "v:720p+a:en"
func WithTrackSelector(selector string) Option {
	return func(c *config.Config) {
		c.TrackSelector = selector
	}
}

// WithDecryptionKeys sets clear-key CENC keys in "KID:KEY" format (32 hex chars each).
func WithDecryptionKeys(keys []string) Option {
	return func(c *config.Config) {
		c.DecryptionKeys = keys
	}
}

// WithAES128Key overrides the HLS manifest's EXT-X-KEY with an explicit
// "hex-key[:hex-iv]" pair.
func WithAES128Key(key string) Option {
	return func(c *config.Config) {
		c.AES128Key = key
	}
}

// WithSegmentRange restricts downloaded tracks to a 1-indexed "start-end"
// subrange (both sides optional), e.g. "1-100".
func WithSegmentRange(r string) Option {
	return func(c *config.Config) {
		c.SegmentRange = r
	}
}

// WithMerge selects the finalization strategy: "skip", "concat", "auto",
// "mkvmerge", "ffmpeg", or "pipe" (default: "auto").
func WithMerge(strategy string) Option {
	return func(c *config.Config) {
		c.MuxerBackend = strategy
	}
}

// WithKeepSegments keeps cached segment files after a successful merge
// instead of clearing the cache.
func WithKeepSegments(keep bool) Option {
	return func(c *config.Config) {
		c.KeepSegments = keep
	}
}

// WithCacheDir roots the on-disk segment cache at dir instead of the
// current working directory.
func WithCacheDir(dir string) Option {
	return func(c *config.Config) {
		c.CacheDir = dir
	}
}

// WithPackagerPath stores a shaka-packager binary path in the config.
// The pipeline does not read it: CENC is always decrypted in process.
func WithPackagerPath(path string) Option {
	return func(c *config.Config) {
		c.PackagerPath = path
	}
}

// WithVerbose enables verbose logging.
func WithVerbose(verbose bool) Option {
	return func(c *config.Config) {
		c.Verbose = verbose
	}
}

// WithParallelTracks sets Config.ParallelTracks. No part of the pipeline
// reads it: selected tracks always download concurrently, and HLS
// alternate renditions are only fetched when the track selection picks
// them as catalog tracks.
func WithParallelTracks(parallel bool) Option {
	return func(c *config.Config) {
		c.ParallelTracks = parallel
	}
}

// WithMaxBandwidth sets maximum download speed in bytes per second.
// Set to 0 for unlimited (default).
func WithMaxBandwidth(bytesPerSec int64) Option {
	return func(c *config.Config) {
		c.MaxBandwidth = bytesPerSec
	}
}

// Parse fetches and parses the manifest from the configured URL.
// Must be called before Tracks(), SelectTracks(), or Download().
func (d *Downloader) Parse(ctx context.Context) error {
	manifest, err := d.listManifest(ctx)
	if err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	d.manifest = manifest
	return nil
}

func (d *Downloader) listManifest(ctx context.Context) (*models.Manifest, error) {
	if looksLikeDASH(d.cfg.URL) {
		return source.ListDASH(ctx, d.client, d.cfg.URL, d.cfg.Headers)
	}
	return source.ListHLS(ctx, d.client, d.cfg.URL, d.cfg.Headers)
}

func looksLikeDASH(url string) bool {
	u := strings.ToLower(url)
	return strings.Contains(u, ".mpd")
}

// Tracks returns all available tracks after parsing.
// Returns nil if Parse() hasn't been called.
func (d *Downloader) Tracks() []*Track {
	if d.manifest == nil {
		return nil
	}
	tracks := make([]*Track, len(d.manifest.Tracks))
	for i, t := range d.manifest.Tracks {
		tracks[i] = &Track{internal: t}
	}
	return tracks
}

// SelectTracks selects tracks based on the configured selector.
// If no selector was configured, uses "best" (best video + best audio).
func (d *Downloader) SelectTracks() error {
	if d.manifest == nil {
		return fmt.Errorf("manifest not parsed, call Parse() first")
	}
	sel := d.cfg.TrackSelector
	if sel == "" {
		sel = config.DefaultTrackSelector
	}
	tracks, err := selector.SelectTracks(d.manifest.Tracks, sel)
	if err != nil {
		return fmt.Errorf("select tracks: %w", err)
	}
	d.selectedTracks = tracks
	return d.buildPipeline()
}

// SetSelectedTracks allows manual track selection.
// Pass tracks obtained from Tracks().
func (d *Downloader) SetSelectedTracks(tracks []*Track) error {
	internal := make([]*models.Track, len(tracks))
	for i, t := range tracks {
		internal[i] = t.internal
	}
	d.selectedTracks = internal
	return d.buildPipeline()
}

// SelectedTracks returns the currently selected tracks.
func (d *Downloader) SelectedTracks() []*Track {
	if d.selectedTracks == nil {
		return nil
	}
	tracks := make([]*Track, len(d.selectedTracks))
	for i, t := range d.selectedTracks {
		tracks[i] = &Track{internal: t}
	}
	return tracks
}

// buildPipeline wires the cache, merger, and sources for the current
// selection so Progress() and Download() agree on the same Downloader
// instance (Progress() may be read from a goroutine started before
// Download() is called).
func (d *Downloader) buildPipeline() error {
	if len(d.selectedTracks) == 0 {
		return fmt.Errorf("no tracks selected")
	}

	fileCache, err := cache.NewFileCache(d.cfg.CacheDir)
	if err != nil {
		return fmt.Errorf("create segment cache: %w", err)
	}
	d.cache = fileCache

	merger := merge.New(merge.Config{
		Strategy:     strategyFromConfig(d.cfg),
		OutputPath:   d.outputPath(),
		Cache:        d.cache,
		KeepSegments: d.cfg.KeepSegments,
		FFmpegPath:   d.cfg.FFmpegPath,
		MkvmergePath: d.cfg.MkvmergePath,
		Log:          d.log,
	})

	srcs := make([]source.Source, 0, len(d.selectedTracks))
	streamTrackID := make(map[uint64]string, len(d.selectedTracks))
	var segRange source.Range
	if d.cfg.SegmentRange != "" {
		segRange, err = source.ParseRange(d.cfg.SegmentRange)
		if err != nil {
			return fmt.Errorf("parse segment range: %w", err)
		}
	}

	for i, t := range d.selectedTracks {
		streamID := uint64(i)
		streamTrackID[streamID] = t.ID
		src, err := d.trackSource(t, streamID, segRange)
		if err != nil {
			return fmt.Errorf("build source for track %s: %w", t.ID, err)
		}
		srcs = append(srcs, src)
	}
	d.streamTrackID = streamTrackID

	d.dl = downloader.New(downloader.Config{
		Concurrency:    d.cfg.Threads,
		SegmentRetries: d.cfg.RetryAttempts,
		Client:         d.client,
		Cache:          d.cache,
		Merger:         merger,
		Source:         source.Multi(srcs...),
		Log:            d.log,
	})

	return nil
}

func (d *Downloader) trackSource(t *models.Track, streamID uint64, segRange source.Range) (source.Source, error) {
	if d.manifest.Type == models.ManifestDASH {
		s := &source.DASHSource{
			Client:           d.client,
			ManifestURL:      t.PlaylistURL,
			Headers:          d.cfg.Headers,
			RepresentationID: t.RepresentationID,
			StreamID:         streamID,
			TrackType:        t.Type,
			Retries:          d.cfg.RetryAttempts,
			Range:            segRange,
			Log:              d.log,
		}
		if len(d.cfg.DecryptionKeys) > 0 {
			keyMap, err := source.ParseKeyMap(strings.Join(d.cfg.DecryptionKeys, ";"))
			if err != nil {
				return nil, err
			}
			s.KIDToKey = keyMap
		}
		return s, nil
	}

	s := &source.HLSSource{
		Client:      d.client,
		PlaylistURL: t.PlaylistURL,
		Headers:     d.cfg.Headers,
		StreamID:    streamID,
		TrackType:   t.Type,
		Retries:     d.cfg.RetryAttempts,
		Range:       segRange,
		Log:         d.log,
	}
	if d.cfg.AES128Key != "" {
		key, err := parseAES128Override(d.cfg.AES128Key)
		if err != nil {
			return nil, err
		}
		s.Key = key
	}
	return s, nil
}

func parseAES128Override(spec string) (*models.SegmentKey, error) {
	keyHex, ivHex, _ := strings.Cut(spec, ":")
	keyBytes, err := hex.DecodeString(strings.TrimPrefix(keyHex, "0x"))
	if err != nil || len(keyBytes) != 16 {
		return nil, fmt.Errorf("invalid AES-128 key %q", keyHex)
	}
	key := &models.SegmentKey{Kind: models.KeyAes128}
	copy(key.Key[:], keyBytes)
	if ivHex != "" {
		ivBytes, err := hex.DecodeString(strings.TrimPrefix(ivHex, "0x"))
		if err != nil || len(ivBytes) != 16 {
			return nil, fmt.Errorf("invalid AES-128 IV %q", ivHex)
		}
		copy(key.IV[:], ivBytes)
	}
	return key, nil
}

func strategyFromConfig(cfg *config.Config) merge.Strategy {
	switch strings.ToLower(cfg.MuxerBackend) {
	case "skip":
		return merge.StrategySkip
	case "concat":
		return merge.StrategyConcat
	case "mkvmerge", "ffmpeg", "binary":
		return merge.StrategyMkvmergeFfmpeg
	case "pipe":
		return merge.StrategyPipe
	default:
		return merge.StrategyAuto
	}
}

func (d *Downloader) outputPath() string {
	name := d.cfg.FileName
	if name == "" {
		name = "output"
	}
	format := d.cfg.Format
	if format == "" {
		format = config.DefaultFormat
	}
	if !strings.HasSuffix(strings.ToLower(name), "."+strings.ToLower(format)) {
		name = name + "." + format
	}
	if d.cfg.OutputDir != "" {
		return filepath.Join(d.cfg.OutputDir, name)
	}
	return name
}

// Download starts the download process.
// Blocks until complete or context is canceled.
func (d *Downloader) Download(ctx context.Context) error {
	if d.dl == nil {
		return fmt.Errorf("no tracks selected, call SelectTracks() first")
	}
	return d.dl.Run(ctx)
}

// Progress returns a channel for receiving download progress updates.
// The channel is closed when the download completes. Safe to call any
// time after SelectTracks()/SetSelectedTracks(), including before
// Download() starts.
func (d *Downloader) Progress() <-chan ProgressUpdate {
	ch := make(chan ProgressUpdate, 100)
	if d.dl == nil {
		close(ch)
		return ch
	}
	go func() {
		defer close(ch)
		for p := range d.dl.Progress() {
			d.mu.Lock()
			trackID := d.streamTrackID[p.StreamID]
			d.mu.Unlock()
			ch <- ProgressUpdate{
				SegmentIndex: int(p.Sequence),
				TrackID:      trackID,
				BytesLoaded:  p.BytesLoaded,
				Completed:    p.Completed,
				Error:        p.Err,
			}
		}
	}()
	return ch
}

// Stats returns running totals (downloaded, failed, total segments) for
// CLI/TUI display.
func (d *Downloader) Stats() (downloaded, failed, total int64) {
	if d.dl == nil {
		return 0, 0, 0
	}
	return d.dl.Stats()
}

// Close releases all resources held by the downloader.
// Always call Close() when done, preferably with defer.
func (d *Downloader) Close() error {
	return nil
}

// ManifestType returns the type of manifest ("HLS" or "DASH").
// Returns empty string if Parse() hasn't been called.
func (d *Downloader) ManifestType() string {
	if d.manifest == nil {
		return ""
	}
	return d.manifest.Type.String()
}

// DownloadURL is a convenience function for simple downloads.
// It parses the manifest, selects tracks (using "best" or configured selector),
// and downloads to the specified output path.
func DownloadURL(ctx context.Context, url, filename string, opts ...Option) error {
	allOpts := append([]Option{
		WithURL(url),
		WithFileName(filename),
		WithTrackSelector("best"),
	}, opts...)

	d, err := New(allOpts...)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Parse(ctx); err != nil {
		return err
	}

	if err := d.SelectTracks(); err != nil {
		return err
	}

	return d.Download(ctx)
}
