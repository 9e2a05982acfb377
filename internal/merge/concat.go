package merge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/yesterday17/veld/internal/cache"
)

// concatMerge writes records in sequence order to outputPath, splitting at
// each failure boundary into numbered continuation files
// (outputPath.1.ext, outputPath.2.ext, ...) so byte offsets downstream of a
// gap are never misattributed to the wrong position.
// Trailing failures are dropped entirely rather than emitted as a final
// truncated continuation file.
func concatMerge(ctx context.Context, c cache.Cache, records []segmentRecord, outputPath string) error {
	records = trimTrailingFailures(records)
	if len(records) == 0 {
		return nil
	}

	namer := newConcatNamer(outputPath)
	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", outputPath, err)
	}
	defer out.Close()
	w := bufio.NewWriter(out)

	for _, r := range records {
		if !r.success {
			if err := w.Flush(); err != nil {
				return err
			}
			out.Close()
			out, err = os.Create(namer.next())
			if err != nil {
				return fmt.Errorf("create continuation file: %w", err)
			}
			w = bufio.NewWriter(out)
			continue
		}

		reader, err := c.OpenReader(ctx, keyOf(r.desc))
		if err != nil {
			return fmt.Errorf("open cached segment %d: %w", r.desc.Sequence, err)
		}
		_, err = io.Copy(w, reader)
		reader.Close()
		if err != nil {
			return fmt.Errorf("copy segment %d: %w", r.desc.Sequence, err)
		}
	}

	return w.Flush()
}

func trimTrailingFailures(records []segmentRecord) []segmentRecord {
	end := len(records)
	for end > 0 && !records[end-1].success {
		end--
	}
	return records[:end]
}

// concatNamer produces output.1.ext, output.2.ext, ... continuation names
// for a failure-split Concat/Pipe output.
type concatNamer struct {
	base  string
	ext   string
	count int
}

func newConcatNamer(outputPath string) *concatNamer {
	ext := ""
	if idx := strings.LastIndex(outputPath, "."); idx >= 0 {
		ext = outputPath[idx+1:]
		outputPath = outputPath[:idx]
	}
	return &concatNamer{base: outputPath, ext: ext}
}

func (n *concatNamer) next() string {
	n.count++
	if n.ext == "" {
		return fmt.Sprintf("%s.%d", n.base, n.count)
	}
	return fmt.Sprintf("%s.%d.%s", n.base, n.count, n.ext)
}
