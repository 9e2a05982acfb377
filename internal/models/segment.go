package models

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// SegmentFormat hints to the Merger which finalization strategy applies.
type SegmentFormat struct {
	kind SegmentFormatKind
	ext  string // populated for Raw/Other
}

type SegmentFormatKind int

const (
	FormatMPEGTS SegmentFormatKind = iota
	FormatMP4
	FormatM4A
	FormatCMFV // CMAF video fragment
	FormatCMFA // CMAF audio fragment
	FormatRaw  // concat-safe unknown format (e.g. subtitle payloads)
	FormatOther
)

func NewFormat(kind SegmentFormatKind) SegmentFormat { return SegmentFormat{kind: kind} }

func RawFormat(ext string) SegmentFormat { return SegmentFormat{kind: FormatRaw, ext: ext} }

func OtherFormat(ext string) SegmentFormat { return SegmentFormat{kind: FormatOther, ext: ext} }

func (f SegmentFormat) Kind() SegmentFormatKind { return f.kind }
func (f SegmentFormat) Ext() string {
	if f.ext != "" {
		return f.ext
	}
	switch f.kind {
	case FormatMPEGTS:
		return "ts"
	case FormatMP4:
		return "mp4"
	case FormatM4A:
		return "m4a"
	case FormatCMFV:
		return "cmfv"
	case FormatCMFA:
		return "cmfa"
	default:
		return "bin"
	}
}

// ConcatSafe reports whether byte-concatenation of segments in sequence
// order produces a valid stream, without a muxer.
func (f SegmentFormat) ConcatSafe() bool {
	switch f.kind {
	case FormatMPEGTS, FormatRaw:
		return true
	default:
		return false
	}
}

// FormatFromFileName guesses a SegmentFormat from a URL/file name, rewriting
// ".m4s" to the container it actually holds the way the HLS source does.
func FormatFromFileName(name string) SegmentFormat {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	switch ext {
	case "ts", "m2ts":
		return NewFormat(FormatMPEGTS)
	case "mp4", "m4s", "m4v":
		return NewFormat(FormatMP4)
	case "m4a":
		return NewFormat(FormatM4A)
	case "cmfv":
		return NewFormat(FormatCMFV)
	case "cmfa":
		return NewFormat(FormatCMFA)
	case "vtt", "webvtt", "ttml", "srt":
		return RawFormat(ext)
	case "":
		return NewFormat(FormatMPEGTS)
	default:
		return OtherFormat(ext)
	}
}

// ByteRange represents HTTP Range request parameters, inclusive on both ends.
type ByteRange struct {
	Start int64
	End   int64
}

// Header formats the byte range as an HTTP Range header value.
func (b *ByteRange) Header() string {
	if b == nil {
		return ""
	}
	if b.End <= 0 {
		return fmt.Sprintf("bytes=%d-", b.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", b.Start, b.End)
}

// KeyKind identifies which decryption variant a SegmentKey carries.
type KeyKind int

const (
	KeyNone KeyKind = iota
	KeyAes128
	KeyClearKey
	KeySampleAes
)

// SegmentKey carries the decryption parameters a segment needs; the
// Source is responsible for fully resolving inherited manifest state so a
// descriptor's Key is sufficient to decrypt standalone.
type SegmentKey struct {
	Kind KeyKind

	// Aes128 / SampleAes
	Key [16]byte
	IV  [16]byte

	// ClearKey (CENC): kid -> key, hex-decoded, 16 bytes each.
	KIDToKey map[string][16]byte
	// PackagerPath holds an external-packager binary path. The downloader
	// does not read it: CENC is always decrypted in process with mp4ff.
	PackagerPath string
}

// InitSegmentKind distinguishes whether init bytes need decryption.
type InitSegmentKind int

const (
	InitNone InitSegmentKind = iota
	InitClear
	InitEncrypted
)

// InitSegment is a reference-counted-by-sharing immutable init box; many
// descriptors in one Representation point at the same *InitSegment.
type InitSegment struct {
	Kind InitSegmentKind
	Data []byte
	URL  string
}

// SegmentDescriptor is immutable once emitted by a Source.
type SegmentDescriptor struct {
	StreamID      uint64
	Sequence      uint64
	MediaSequence uint64

	FileName string
	Format   SegmentFormat
	Type     TrackType

	URL       string
	ByteRange *ByteRange
	Headers   map[string]string

	Key         *SegmentKey
	InitSegment *InitSegment

	Duration time.Duration
}

// DeriveFileName builds the cache-keying basename from a segment URL the
// way the HLS/DASH sources do: last path component, ".m4s" rewritten to
// ".mp4".
func DeriveFileName(rawURL string) string {
	name := path.Base(rawURL)
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	if strings.HasSuffix(strings.ToLower(name), ".m4s") {
		name = name[:len(name)-4] + ".mp4"
	}
	return name
}
