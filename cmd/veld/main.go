package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/yesterday17/veld/internal/cache"
	"github.com/yesterday17/veld/internal/config"
	"github.com/yesterday17/veld/internal/corelog"
	"github.com/yesterday17/veld/internal/downloader"
	"github.com/yesterday17/veld/internal/httpclient"
	"github.com/yesterday17/veld/internal/merge"
	"github.com/yesterday17/veld/internal/models"
	"github.com/yesterday17/veld/internal/selector"
	"github.com/yesterday17/veld/internal/source"
	"github.com/yesterday17/veld/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	cfg := parseFlags()

	if cfg.ShowVersion {
		fmt.Printf("veld %s (%s)\n", version, commit)
		os.Exit(0)
	}

	if cfg.URL == "" {
		fmt.Fprintln(os.Stderr, "Error: --url is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() *config.Config {
	cfg := config.New()

	var headers headerFlags
	var threads int
	var aesKey string

	flag.StringVar(&cfg.URL, "url", "", "")
	flag.StringVar(&cfg.URL, "u", "", "")
	flag.StringVar(&cfg.FileName, "output", "", "")
	flag.StringVar(&cfg.FileName, "o", "", "")
	flag.StringVar(&cfg.OutputDir, "dir", "", "")
	flag.IntVar(&threads, "threads", config.DefaultThreads, "")
	flag.IntVar(&threads, "n", config.DefaultThreads, "")
	flag.BoolVar(&cfg.ParallelTracks, "parallel-tracks", false, "")
	flag.BoolVar(&cfg.ParallelTracks, "P", false, "")
	flag.Var(&headers, "header", "")
	flag.Var(&headers, "H", "")
	flag.StringVar(&cfg.Cookies, "cookie", "", "")
	flag.StringVar(&aesKey, "aes128-key", "", "")
	flag.StringVar(&cfg.TrackSelector, "select-track", "", "")
	flag.StringVar(&cfg.TrackSelector, "s", "", "")
	flag.StringVar(&cfg.Format, "format", config.DefaultFormat, "")
	flag.StringVar(&cfg.Format, "f", config.DefaultFormat, "")
	flag.StringVar(&cfg.MuxerBackend, "merge", config.DefaultMuxerBackend, "")
	flag.StringVar(&cfg.SegmentRange, "range", "", "")
	flag.StringVar(&cfg.CacheDir, "cache-dir", "", "")
	flag.BoolVar(&cfg.KeepSegments, "keep-segments", false, "")
	flag.BoolVar(&cfg.NoProgress, "no-progress", false, "")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "")
	flag.BoolVar(&cfg.Verbose, "v", false, "")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "")

	var keys keyFlags
	flag.Var(&keys, "key", "")

	flag.Usage = printUsage
	flag.Parse()

	cfg.Threads = threads
	cfg.AES128Key = aesKey
	cfg.DecryptionKeys = keys

	if cfg.TrackSelector == "" {
		cfg.TrackSelector = "interactive"
	}

	for _, h := range headers {
		if k, v, ok := strings.Cut(h, ":"); ok {
			cfg.Headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	if cfg.Cookies != "" {
		cfg.Headers["Cookie"] = cfg.Cookies
	}
	return cfg
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `veld - Video Element Downloader: High-performance HLS/DASH media downloader

Usage: veld [options] -u <URL>

Options:
  -u, --url <URL>           Stream URL (m3u8 or mpd) [required]
  -o, --output <path>       Output file name (default: output.mp4)
      --dir <path>          Output directory (default: current directory)
  -n, --threads <num>       Concurrent downloads (default: 16)
  -s, --select-track <sel>  Track selection (omit for interactive picker)
  -P, --parallel-tracks     No effect (selected tracks always download concurrently)
  -f, --format <fmt>        Output format: mp4, mkv, ts (default: mp4)
  -H, --header <header>     Custom header (repeatable)
      --cookie <cookies>    Cookies for requests
      --key <KID:KEY>       Clear-key CENC decryption key (repeatable)
      --aes128-key <K[:IV]> AES-128 key overriding the playlist's own EXT-X-KEY
      --merge <strategy>    skip, concat, auto, mkvmerge, ffmpeg, pipe (default: auto)
      --range <start-end>   Restrict to a 1-indexed segment subrange
      --cache-dir <path>    Segment cache directory
      --keep-segments       Keep cached segments after a successful merge
      --no-progress         Disable TUI progress
  -v, --verbose             Verbose output
      --version             Show version

Track Selection (-s):
  If omitted, an interactive picker will be shown.
  Presets:
    best                Best video + best audio
    all                 All tracks
    1080p, 720p, etc    Video by resolution + best audio
    v:720p+a:en         Video by resolution + audio by language

Examples:
  veld -u https://example.com/video.m3u8           # Interactive picker
  veld -u https://example.com/video.m3u8 -s best   # Auto-select best
  veld -u https://example.com/video.mpd -s 1080p   # 1080p video
`)
}

func run(ctx context.Context, cfg *config.Config) error {
	logLevel := "info"
	if cfg.Verbose {
		logLevel = "debug"
	}
	log := corelog.New(logLevel)

	httpClient := httpclient.New(httpclient.DefaultConfig())
	if cfg.MaxBandwidth > 0 {
		httpClient = httpclient.NewWithRateLimit(httpclient.DefaultConfig(), cfg.MaxBandwidth)
	}

	if cfg.Verbose {
		fmt.Printf("Parsing manifest: %s\n", cfg.URL)
	}

	manifest, err := listManifest(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}

	fmt.Printf("Found %d tracks\n", len(manifest.Tracks))

	var selected []*models.Track
	if cfg.TrackSelector == "interactive" {
		picker := tui.NewTrackPicker(manifest.Tracks)
		p := tea.NewProgram(picker, tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("track picker error: %w", err)
		}

		result := picker.Result()
		if result.Canceled {
			fmt.Println("Canceled")
			return nil
		}
		if len(result.Selected) == 0 {
			return fmt.Errorf("no tracks selected")
		}
		selected = result.Selected
	} else {
		selected, err = selector.SelectTracks(manifest.Tracks, cfg.TrackSelector)
		if err != nil {
			return fmt.Errorf("failed to select tracks: %w", err)
		}
	}

	fmt.Printf("Selected %d tracks\n", len(selected))
	for _, t := range selected {
		fmt.Printf("  - %s: %s %s\n", t.Type, t.Resolution.QualityLabel(), t.Codec)
	}

	dl, stats, progressCh, streamTrackID, err := buildPipeline(cfg, httpClient, log, manifest, selected)
	if err != nil {
		return fmt.Errorf("build download pipeline: %w", err)
	}

	if cfg.NoProgress {
		if err := dl.Run(ctx); err != nil {
			return err
		}
		printOutputPath(cfg)
		return nil
	}

	model := tui.NewModel(stats, toTUIProgress(progressCh, streamTrackID), manifest, selected, cfg)
	p := tea.NewProgram(model, tea.WithAltScreen())

	var downloadErr error
	go func() {
		if err := dl.Run(ctx); err != nil {
			downloadErr = err
			p.Send(tui.ErrorMsg{Err: err})
		} else {
			p.Send(tui.DoneMsg{})
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}

	if downloadErr != nil {
		return downloadErr
	}

	printOutputPath(cfg)
	return nil
}

func listManifest(ctx context.Context, client *http.Client, cfg *config.Config) (*models.Manifest, error) {
	if strings.Contains(strings.ToLower(cfg.URL), ".mpd") {
		return source.ListDASH(ctx, client, cfg.URL, cfg.Headers)
	}
	return source.ListHLS(ctx, client, cfg.URL, cfg.Headers)
}

func buildPipeline(cfg *config.Config, client *http.Client, log corelog.Logger, manifest *models.Manifest, selected []*models.Track) (*downloader.Downloader, func() (int64, int64, int64), <-chan downloader.ProgressUpdate, map[uint64]string, error) {
	fileCache, err := cache.NewFileCache(cfg.CacheDir)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("create segment cache: %w", err)
	}

	merger := merge.New(merge.Config{
		Strategy:     mergeStrategy(cfg.MuxerBackend),
		OutputPath:   outputPath(cfg),
		Cache:        fileCache,
		KeepSegments: cfg.KeepSegments,
		FFmpegPath:   cfg.FFmpegPath,
		MkvmergePath: cfg.MkvmergePath,
		Log:          log,
	})

	var segRange source.Range
	if cfg.SegmentRange != "" {
		segRange, err = source.ParseRange(cfg.SegmentRange)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("parse segment range: %w", err)
		}
	}

	var keyMap map[string][16]byte
	if len(cfg.DecryptionKeys) > 0 {
		keyMap, err = source.ParseKeyMap(strings.Join(cfg.DecryptionKeys, ";"))
		if err != nil {
			return nil, nil, nil, nil, err
		}
	}

	srcs := make([]source.Source, 0, len(selected))
	streamTrackID := make(map[uint64]string, len(selected))
	for i, t := range selected {
		streamID := uint64(i)
		streamTrackID[streamID] = t.ID
		if manifest.Type == models.ManifestDASH {
			srcs = append(srcs, &source.DASHSource{
				Client:           client,
				ManifestURL:      t.PlaylistURL,
				Headers:          cfg.Headers,
				RepresentationID: t.RepresentationID,
				StreamID:         streamID,
				TrackType:        t.Type,
				Retries:          cfg.RetryAttempts,
				Range:            segRange,
				KIDToKey:         keyMap,
				Log:              log,
			})
			continue
		}

		hlsSrc := &source.HLSSource{
			Client:      client,
			PlaylistURL: t.PlaylistURL,
			Headers:     cfg.Headers,
			StreamID:    streamID,
			TrackType:   t.Type,
			Retries:     cfg.RetryAttempts,
			Range:       segRange,
			Log:         log,
		}
		if cfg.AES128Key != "" {
			key, err := parseAES128Override(cfg.AES128Key)
			if err != nil {
				return nil, nil, nil, nil, err
			}
			hlsSrc.Key = key
		}
		srcs = append(srcs, hlsSrc)
	}

	dl := downloader.New(downloader.Config{
		Concurrency:    cfg.Threads,
		SegmentRetries: cfg.RetryAttempts,
		Client:         client,
		Cache:          fileCache,
		Merger:         merger,
		Source:         source.Multi(srcs...),
		Log:            log,
	})

	return dl, dl.Stats, dl.Progress(), streamTrackID, nil
}

// parseAES128Override parses a "hex-key[:hex-iv]" override for the HLS
// EXT-X-KEY-declared AES-128 key, accepting an optional "0x" prefix on
// either half.
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

func mergeStrategy(s string) merge.Strategy {
	switch strings.ToLower(s) {
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

func outputPath(cfg *config.Config) string {
	name := cfg.FileName
	if name == "" {
		name = "output"
	}
	format := cfg.Format
	if format == "" {
		format = config.DefaultFormat
	}
	if !strings.HasSuffix(strings.ToLower(name), "."+strings.ToLower(format)) {
		name = name + "." + format
	}
	if cfg.OutputDir != "" {
		return filepath.Join(cfg.OutputDir, name)
	}
	return name
}

func toTUIProgress(ch <-chan downloader.ProgressUpdate, streamTrackID map[uint64]string) <-chan tui.Progress {
	out := make(chan tui.Progress, 100)
	go func() {
		defer close(out)
		for p := range ch {
			out <- tui.Progress{
				TrackID:     streamTrackID[p.StreamID],
				BytesLoaded: p.BytesLoaded,
				Completed:   p.Completed,
				Err:         p.Err,
			}
		}
	}()
	return out
}

func printOutputPath(cfg *config.Config) {
	fmt.Printf("\n✓ Saved to: %s\n", outputPath(cfg))
}

// headerFlags implements flag.Value for repeatable header flags
type headerFlags []string

func (h *headerFlags) String() string {
	return strings.Join(*h, ", ")
}

func (h *headerFlags) Set(value string) error {
	*h = append(*h, value)
	return nil
}

// keyFlags implements flag.Value for repeatable clear-key CENC "kid:key" pairs.
type keyFlags []string

func (k *keyFlags) String() string {
	return strings.Join(*k, ", ")
}

func (k *keyFlags) Set(value string) error {
	*k = append(*k, value)
	return nil
}
