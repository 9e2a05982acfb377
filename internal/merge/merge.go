// Package merge implements the five finalization strategies that turn
// cached, decrypted segments into playable output: Skip, Concat,
// Auto, Mkvmerge/Ffmpeg, and Pipe.
package merge

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/yesterday17/veld/internal/cache"
	"github.com/yesterday17/veld/internal/corelog"
	"github.com/yesterday17/veld/internal/models"
)

// Strategy selects which finalization behavior a Merger runs at Finish.
type Strategy int

const (
	StrategySkip Strategy = iota
	StrategyConcat
	StrategyAuto
	StrategyMkvmergeFfmpeg
	StrategyPipe
)

// Merger is the sink every downloaded segment is reported to. Update/Fail
// must be safe to call concurrently and idempotent for a given
// (stream_id, sequence); Finish is called exactly once after the source
// and downloader have both stopped.
type Merger interface {
	Update(ctx context.Context, desc *models.SegmentDescriptor) error
	Fail(ctx context.Context, desc *models.SegmentDescriptor) error
	Finish(ctx context.Context) error
}

// Config configures the concrete Merger built by New.
type Config struct {
	Strategy     Strategy
	OutputPath   string
	Cache        cache.Cache
	KeepSegments bool
	FFmpegPath   string
	MkvmergePath string
	// PipeTarget, for StrategyPipe: "" means stdout, any other value is a
	// file path.
	PipeTarget string
	Log        corelog.Logger
}

type segmentRecord struct {
	desc    *models.SegmentDescriptor
	success bool
}

// bufferedMerger backs Skip/Concat/Auto/MkvmergeFfmpeg: every Update/Fail
// is buffered per stream_id and the real work happens once, at Finish,
// so a whole track's output ordering and any external mux can be decided
// from the complete per-segment record set rather than incrementally.
type bufferedMerger struct {
	cfg Config

	mu      sync.Mutex
	streams map[uint64][]segmentRecord
}

// pipeMerger backs StrategyPipe, which must emit bytes as segments arrive
// rather than batching until Finish.
type pipeMerger struct {
	cfg Config

	mu     sync.Mutex
	stream *orderedStreamSink
}

// New builds the Merger for cfg.Strategy.
func New(cfg Config) Merger {
	if cfg.Log == nil {
		cfg.Log = corelog.Nop{}
	}
	switch cfg.Strategy {
	case StrategyPipe:
		return &pipeMerger{cfg: cfg, stream: newOrderedStreamSink(cfg)}
	default:
		return &bufferedMerger{cfg: cfg, streams: make(map[uint64][]segmentRecord)}
	}
}

func (m *bufferedMerger) Update(ctx context.Context, desc *models.SegmentDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[desc.StreamID] = append(m.streams[desc.StreamID], segmentRecord{desc: desc, success: true})
	return nil
}

func (m *bufferedMerger) Fail(ctx context.Context, desc *models.SegmentDescriptor) error {
	if err := m.cfg.Cache.Invalidate(ctx, keyOf(desc)); err != nil {
		return fmt.Errorf("merge: invalidate failed segment: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[desc.StreamID] = append(m.streams[desc.StreamID], segmentRecord{desc: desc, success: false})
	return nil
}

func (m *bufferedMerger) Finish(ctx context.Context) error {
	m.mu.Lock()
	streams := m.streams
	m.mu.Unlock()

	switch m.cfg.Strategy {
	case StrategySkip:
		m.cfg.Log.Info("skip merging; merge segments manually", "location", m.cfg.Cache.LocationHint())
		return nil

	case StrategyConcat:
		return m.finishConcat(ctx, streams)

	case StrategyAuto:
		return m.finishAuto(ctx, streams)

	case StrategyMkvmergeFfmpeg:
		return m.finishExternalMux(ctx, streams)

	default:
		return fmt.Errorf("merge: unknown strategy %d", m.cfg.Strategy)
	}
}

func (m *bufferedMerger) finishConcat(ctx context.Context, streams map[uint64][]segmentRecord) error {
	for streamID, records := range streams {
		sort.Slice(records, func(i, j int) bool { return records[i].desc.Sequence < records[j].desc.Sequence })
		outputPath := perStreamPath(m.cfg.OutputPath, streamID, records)
		if err := concatMerge(ctx, m.cfg.Cache, records, outputPath); err != nil {
			return fmt.Errorf("merge: concat stream %d: %w", streamID, err)
		}
	}
	return m.cleanup(ctx)
}

// finishAuto inspects each stream's segment formats independently: an
// all-concat-safe stream is concatenated directly, any other stream is
// handed to the external muxer, and multi-stream output is finally
// re-muxed into a single container.
func (m *bufferedMerger) finishAuto(ctx context.Context, streams map[uint64][]segmentRecord) error {
	for _, records := range streams {
		for _, r := range records {
			if !r.success {
				m.cfg.Log.Warn("segments failed to download, skipping merge", "location", m.cfg.Cache.LocationHint())
				return nil
			}
		}
	}

	streamIDs := sortedStreamIDs(streams)
	var trackPaths []string
	for _, streamID := range streamIDs {
		records := streams[streamID]
		sort.Slice(records, func(i, j int) bool { return records[i].desc.Sequence < records[j].desc.Sequence })

		outputPath := perStreamPath(m.cfg.OutputPath, streamID, records)
		allConcatSafe := true
		for _, r := range records {
			if !r.desc.Format.ConcatSafe() {
				allConcatSafe = false
				break
			}
		}

		if allConcatSafe {
			if err := concatMerge(ctx, m.cfg.Cache, records, outputPath); err != nil {
				return fmt.Errorf("merge: auto concat stream %d: %w", streamID, err)
			}
		} else {
			muxedPath := outputPath + ".ts"
			if err := externalConcat(ctx, m.cfg, records, muxedPath); err != nil {
				return fmt.Errorf("merge: auto mux stream %d: %w", streamID, err)
			}
			outputPath = muxedPath
		}
		trackPaths = append(trackPaths, outputPath)
	}

	if len(trackPaths) > 1 {
		if err := externalMerge(ctx, m.cfg, trackPaths, m.cfg.OutputPath); err != nil {
			return fmt.Errorf("merge: auto merge tracks: %w", err)
		}
	}

	return m.cleanup(ctx)
}

func (m *bufferedMerger) finishExternalMux(ctx context.Context, streams map[uint64][]segmentRecord) error {
	for _, records := range streams {
		for _, r := range records {
			if !r.success {
				m.cfg.Log.Warn("segments failed to download, skipping merge", "location", m.cfg.Cache.LocationHint())
				return nil
			}
		}
	}

	streamIDs := sortedStreamIDs(streams)
	var trackPaths []string
	for _, streamID := range streamIDs {
		records := streams[streamID]
		sort.Slice(records, func(i, j int) bool { return records[i].desc.Sequence < records[j].desc.Sequence })
		outputPath := fmt.Sprintf("%s.%02d.ts", m.cfg.OutputPath, streamID)
		if err := externalConcat(ctx, m.cfg, records, outputPath); err != nil {
			return fmt.Errorf("merge: mux stream %d: %w", streamID, err)
		}
		trackPaths = append(trackPaths, outputPath)
	}

	if err := externalMerge(ctx, m.cfg, trackPaths, m.cfg.OutputPath); err != nil {
		return fmt.Errorf("merge: merge tracks: %w", err)
	}

	return m.cleanup(ctx)
}

func (m *bufferedMerger) cleanup(ctx context.Context) error {
	if m.cfg.KeepSegments {
		return nil
	}
	warnings, err := m.cfg.Cache.Clear(ctx)
	for _, w := range warnings {
		m.cfg.Log.Warn("cache clear warning", "warning", w)
	}
	return err
}

func keyOf(desc *models.SegmentDescriptor) cache.Key {
	return cache.Key{StreamID: desc.StreamID, Sequence: desc.Sequence, FileName: desc.FileName}
}

func sortedStreamIDs(streams map[uint64][]segmentRecord) []uint64 {
	ids := make([]uint64, 0, len(streams))
	for id := range streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func perStreamPath(base string, streamID uint64, records []segmentRecord) string {
	ext := "bin"
	if len(records) > 0 {
		ext = records[0].desc.Format.Ext()
	}
	return fmt.Sprintf("%s.%02d.%s", base, streamID, ext)
}
