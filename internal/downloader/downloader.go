// Package downloader implements the bounded-concurrency fetch+retry driver
// that turns a Source's segment batches into cached, decrypted bytes and
// reports them to a Merger.
package downloader

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/yesterday17/veld/internal/cache"
	"github.com/yesterday17/veld/internal/corelog"
	"github.com/yesterday17/veld/internal/merge"
	"github.com/yesterday17/veld/internal/models"
	"github.com/yesterday17/veld/internal/source"
)

// Config configures a Downloader run. Concurrency and SegmentRetries below
// 1/0 respectively are clamped to sane defaults.
type Config struct {
	Concurrency    int
	SegmentRetries int

	Client *http.Client
	Cache  cache.Cache
	Merger merge.Merger
	Source source.Source

	Log corelog.Logger
}

// ProgressUpdate is emitted once per terminal segment outcome.
type ProgressUpdate struct {
	StreamID    uint64
	Sequence    uint64
	BytesLoaded int64
	Completed   bool
	Err         error
}

// Downloader drives one Source to completion, fetching, decrypting, and
// handing every segment to a Merger under a bounded concurrency semaphore.
type Downloader struct {
	cfg Config
	sem chan struct{}
	wg  sync.WaitGroup

	downloaded atomic.Int64
	failed     atomic.Int64
	total      atomic.Int64

	progressCh chan ProgressUpdate
	softStop   atomic.Bool

	initMu    sync.Mutex
	initCache map[string][]byte
}

func New(cfg Config) *Downloader {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.SegmentRetries < 0 {
		cfg.SegmentRetries = 0
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Log == nil {
		cfg.Log = corelog.Nop{}
	}
	return &Downloader{
		cfg:        cfg,
		sem:        make(chan struct{}, cfg.Concurrency),
		progressCh: make(chan ProgressUpdate, cfg.Concurrency*4),
		initCache:  make(map[string][]byte),
	}
}

// Progress returns the channel of per-segment outcomes. It closes once Run
// returns.
func (d *Downloader) Progress() <-chan ProgressUpdate { return d.progressCh }

// Stats returns running totals for CLI/TUI display.
func (d *Downloader) Stats() (downloaded, failed, total int64) {
	return d.downloaded.Load(), d.failed.Load(), d.total.Load()
}

// Run consumes the Source's batch stream until exhaustion or cancellation,
// fetching every descriptor under the concurrency semaphore, then
// finalizes the Merger exactly once.
func (d *Downloader) Run(ctx context.Context) error {
	defer close(d.progressCh)

	runCtx, cancelHard := context.WithCancel(ctx)
	defer cancelHard()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		for range sigCh {
			if d.softStop.Swap(true) {
				d.cfg.Log.Warn("second interrupt received, stopping immediately")
				cancelHard()
				return
			}
			d.cfg.Log.Warn("interrupt received, finishing in-flight segments")
		}
	}()

	batches := d.cfg.Source.Open(runCtx)

	var sourceErr error
consume:
	for {
		if d.softStop.Load() {
			break
		}
		select {
		case <-runCtx.Done():
			break consume
		case batch, ok := <-batches:
			if !ok {
				break consume
			}
			if batch.Err != nil {
				sourceErr = batch.Err
				cancelHard()
				break consume
			}
			d.total.Add(int64(len(batch.Segments)))
			for _, desc := range batch.Segments {
				d.dispatch(runCtx, desc)
			}
		}
	}

	d.wg.Wait()

	if sourceErr != nil {
		return sourceErr
	}

	return d.cfg.Merger.Finish(ctx)
}

func (d *Downloader) dispatch(ctx context.Context, desc *models.SegmentDescriptor) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()
		d.fetchOne(ctx, desc)
	}()
}
