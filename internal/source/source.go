// Package source implements the manifest-driven producers of segment
// batches: HLS (archive and live) and MPEG-DASH (archive and live,
// unified under one restricted timing model).
package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/yesterday17/veld/internal/models"
)

// Batch is one emission from a Source: a run of newly discovered segments,
// or a terminal error that ends the stream.
type Batch struct {
	Segments []*models.SegmentDescriptor
	Err      error
}

// Source exposes one operation: a lazy, possibly-infinite stream of
// batches, closed by the producer when the manifest declares completion
// (archive sources) or on terminal error.
type Source interface {
	// Open starts producing batches on the returned channel. The channel is
	// closed when the source is exhausted (archive: after one batch; live
	// HLS: after EXT-X-ENDLIST) or ctx is canceled. A live DASH source keeps
	// refreshing until ctx is canceled; a switch of MPD@type to static does
	// not close it.
	Open(ctx context.Context) <-chan Batch
}

// Range selects a 1-indexed, inclusive subset of a track's segments and
// renumbers the surviving ones from sequence 0.
type Range struct {
	Start int64 // 1-indexed; 0 means "from the first segment"
	End   int64 // 1-indexed inclusive; 0 means "through the last segment"
}

// Contains reports whether the 1-indexed position pos (the segment's
// position in manifest order, before renumbering) falls inside r.
func (r Range) Contains(pos int64) bool {
	start := r.Start
	if start <= 0 {
		start = 1
	}
	if pos < start {
		return false
	}
	if r.End > 0 && pos > r.End {
		return false
	}
	return true
}

// ParseRange parses a "start-end" subrange spec, both sides optional:
// "1-10", "1-", "-10", "1" (meaning start=1, no end). A bare number sets
// the start with no end; a missing start defaults to 1.
func ParseRange(s string) (Range, error) {
	startStr, endStr, _ := strings.Cut(s, "-")
	r := Range{Start: 1}
	if startStr != "" {
		v, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil {
			return Range{}, fmt.Errorf("invalid range start %q: %w", startStr, err)
		}
		r.Start = v
	}
	if endStr != "" {
		v, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return Range{}, fmt.Errorf("invalid range end %q: %w", endStr, err)
		}
		r.End = v
	}
	return r, nil
}

// ParseKeyMap parses a "kid:key[;kid:key...]" clear-key CENC spec into a kid -> 16-byte key map. kid and key are hex,
// optionally with dashes in the kid (as DASH default_KID values carry).
func ParseKeyMap(s string) (map[string][16]byte, error) {
	if s == "" {
		return nil, nil
	}
	result := make(map[string][16]byte)
	for _, pair := range strings.Split(s, ";") {
		if pair == "" {
			continue
		}
		kid, key, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid kid:key pair %q", pair)
		}
		kid = strings.ReplaceAll(strings.ToLower(kid), "-", "")
		keyBytes, err := decodeHex(key)
		if err != nil {
			return nil, fmt.Errorf("invalid key for kid %s: %w", kid, err)
		}
		if len(keyBytes) != 16 {
			return nil, fmt.Errorf("key for kid %s must be 16 bytes, got %d", kid, len(keyBytes))
		}
		var arr [16]byte
		copy(arr[:], keyBytes)
		result[kid] = arr
	}
	return result, nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		v, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}

// filterAndRenumber applies a Range to segments in manifest order and
// reassigns Sequence from 0 over the surviving subset.
func filterAndRenumber(segments []*models.SegmentDescriptor, r Range) []*models.SegmentDescriptor {
	out := make([]*models.SegmentDescriptor, 0, len(segments))
	var seq uint64
	for i, s := range segments {
		if !r.Contains(int64(i) + 1) {
			continue
		}
		s.Sequence = seq
		seq++
		out = append(out, s)
	}
	return out
}
