package source

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// multiSource fans several per-track Sources into one Batch stream, letting
// a Downloader drive one manifest's whole track selection (video, audio,
// subtitles) through a single Open call.
type multiSource struct {
	sources []Source
}

// Multi combines one Source per selected track into a single Source whose
// batches carry whichever StreamID the underlying Source stamped on its
// descriptors, closing once every track source has closed (or one reports
// a terminal error).
func Multi(sources ...Source) Source {
	return &multiSource{sources: sources}
}

func (m *multiSource) Open(ctx context.Context) <-chan Batch {
	out := make(chan Batch, len(m.sources))
	if len(m.sources) == 0 {
		close(out)
		return out
	}

	g, runCtx := errgroup.WithContext(ctx)
	for _, src := range m.sources {
		g.Go(func() error {
			for batch := range src.Open(runCtx) {
				select {
				case out <- batch:
				case <-runCtx.Done():
					return runCtx.Err()
				}
				if batch.Err != nil {
					// One track's terminal error ends the whole run; errgroup
					// cancels runCtx so every sibling source stops rather than
					// running on toward an output nothing will finalize correctly.
					return batch.Err
				}
			}
			return nil
		})
	}

	go func() {
		g.Wait()
		close(out)
	}()

	return out
}
