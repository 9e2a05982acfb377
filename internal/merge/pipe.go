package merge

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/yesterday17/veld/internal/models"
)

// orderedStreamSink drains segments strictly in (stream_id, sequence)
// order as they complete: a map from sequence to payload per stream, held
// until the per-stream cursor reaches it. A failure at the current cursor rotates the output to a
// new numbered file rather than leaving a gap in the byte stream.
type orderedStreamSink struct {
	cfg Config

	mu      sync.Mutex
	streams map[uint64]*pipeStreamState
}

type pipeStreamState struct {
	pending map[uint64]pipeItem
	cursor  uint64
	namer   *concatNamer
	out     io.WriteCloser
	ownsOut bool
}

type pipeItem struct {
	desc    *models.SegmentDescriptor
	success bool
}

func newOrderedStreamSink(cfg Config) *orderedStreamSink {
	return &orderedStreamSink{cfg: cfg, streams: make(map[uint64]*pipeStreamState)}
}

func (s *orderedStreamSink) stateFor(streamID uint64) (*pipeStreamState, error) {
	if st, ok := s.streams[streamID]; ok {
		return st, nil
	}

	st := &pipeStreamState{pending: make(map[uint64]pipeItem)}
	if s.cfg.PipeTarget == "" {
		st.out = os.Stdout
		st.ownsOut = false
	} else {
		target := s.cfg.PipeTarget
		if len(s.streams) > 0 {
			target = fmt.Sprintf("%s.%02d", target, streamID)
		}
		st.namer = newConcatNamer(target)
		f, err := os.Create(target)
		if err != nil {
			return nil, fmt.Errorf("pipe: create %s: %w", target, err)
		}
		st.out = f
		st.ownsOut = true
	}
	s.streams[streamID] = st
	return st, nil
}

func (s *orderedStreamSink) rotate(st *pipeStreamState) error {
	if st.namer == nil {
		// Piping to stdout: there is no file to rotate to, so the gap is
		// simply skipped and writes resume at the next successful segment.
		return nil
	}
	if st.ownsOut {
		st.out.Close()
	}
	f, err := os.Create(st.namer.next())
	if err != nil {
		return fmt.Errorf("pipe: create continuation file: %w", err)
	}
	st.out = f
	return nil
}

func (s *orderedStreamSink) finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, st := range s.streams {
		if st.ownsOut {
			if err := st.out.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *pipeMerger) Update(ctx context.Context, desc *models.SegmentDescriptor) error {
	return m.push(ctx, desc, true)
}

func (m *pipeMerger) Fail(ctx context.Context, desc *models.SegmentDescriptor) error {
	if err := m.cfg.Cache.Invalidate(ctx, keyOf(desc)); err != nil {
		return fmt.Errorf("merge: invalidate failed segment: %w", err)
	}
	return m.push(ctx, desc, false)
}

// push inserts one segment's outcome into its stream's ordered buffer and
// drains every item that is now at the head of the cursor.
func (m *pipeMerger) push(ctx context.Context, desc *models.SegmentDescriptor, success bool) error {
	m.stream.mu.Lock()
	defer m.stream.mu.Unlock()

	st, err := m.stream.stateFor(desc.StreamID)
	if err != nil {
		return err
	}
	st.pending[desc.Sequence] = pipeItem{desc: desc, success: success}

	for {
		next, ok := st.pending[st.cursor]
		if !ok {
			return nil
		}
		delete(st.pending, st.cursor)
		st.cursor++

		if !next.success {
			if err := m.stream.rotate(st); err != nil {
				return err
			}
			continue
		}

		reader, err := m.cfg.Cache.OpenReader(ctx, keyOf(next.desc))
		if err != nil {
			return fmt.Errorf("pipe: open cached segment %d: %w", next.desc.Sequence, err)
		}
		_, err = io.Copy(st.out, reader)
		reader.Close()
		if err != nil {
			return fmt.Errorf("pipe: write segment %d: %w", next.desc.Sequence, err)
		}
	}
}

func (m *pipeMerger) Finish(ctx context.Context) error {
	if err := m.stream.finish(); err != nil {
		return err
	}
	if m.cfg.KeepSegments {
		return nil
	}
	warnings, err := m.cfg.Cache.Clear(ctx)
	for _, w := range warnings {
		m.cfg.Log.Warn("cache clear warning", "warning", w)
	}
	return err
}
