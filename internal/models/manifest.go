// Package models defines core data structures for media streams and
// the descriptors the Source emits for the download pipeline.
package models

import (
	"fmt"
	"strings"
	"time"
)

// ManifestType represents the type of streaming manifest.
type ManifestType int

const (
	ManifestHLS ManifestType = iota
	ManifestDASH
)

func (t ManifestType) String() string {
	switch t {
	case ManifestHLS:
		return "HLS"
	case ManifestDASH:
		return "DASH"
	default:
		return "Unknown"
	}
}

// Manifest represents a parsed streaming manifest's catalog of tracks,
// used for track selection before a Source is opened against one of them.
type Manifest struct {
	URL      string
	Type     ManifestType
	Tracks   []*Track
	Duration time.Duration
}

// TrackType represents the type of media track.
type TrackType int

const (
	TrackVideo TrackType = iota
	TrackAudio
	TrackSubtitle
	TrackUnknown
)

func (t TrackType) String() string {
	switch t {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	case TrackSubtitle:
		return "subtitle"
	default:
		return "unknown"
	}
}

// Track is a catalog entry: one selectable rendition from a manifest.
// Once selected, a Source is opened against it to produce SegmentDescriptor
// batches; Track itself never holds downloaded bytes.
type Track struct {
	ID         string
	Type       TrackType
	Codec      string
	Bandwidth  int64
	FrameRate  float64
	Resolution Resolution
	Language   string
	Name       string

	// PlaylistURL is the media playlist (HLS) or MPD (DASH) URL that a
	// Source opens to begin emitting SegmentDescriptor batches for this
	// track. For DASH, RepresentationID identifies which Representation
	// within that MPD this Track corresponds to.
	PlaylistURL      string
	RepresentationID string

	// Encryption metadata surfaced for informational/selection purposes;
	// the actual Key attached to each SegmentDescriptor is resolved by the
	// Source from manifest state plus caller-supplied keys.
	Encrypted bool
	KeyIDs    []string // DASH: default_KID values seen on this track's AdaptationSet
}

// IsVideo returns true if track is a video track.
func (t *Track) IsVideo() bool {
	if t.Type == TrackVideo {
		return true
	}
	if t.Resolution.Height > 0 {
		return true
	}
	return hasVideoCodec(t.Codec)
}

// IsAudio returns true if track is an audio track.
func (t *Track) IsAudio() bool {
	if t.Type == TrackAudio {
		return true
	}
	return hasAudioCodec(t.Codec)
}

// IsSubtitle returns true if track is a subtitle track.
func (t *Track) IsSubtitle() bool {
	if t.Type == TrackSubtitle {
		return true
	}
	return hasSubtitleCodec(t.Codec)
}

// Resolution represents video dimensions.
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	if r.Width == 0 && r.Height == 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// QualityLabel returns a human-readable quality label (e.g., "1080p").
func (r Resolution) QualityLabel() string {
	switch {
	case r.Height >= 2160:
		return "4K"
	case r.Height >= 1440:
		return "1440p"
	case r.Height >= 1080:
		return "1080p"
	case r.Height >= 720:
		return "720p"
	case r.Height >= 480:
		return "480p"
	case r.Height >= 360:
		return "360p"
	case r.Height > 0:
		return fmt.Sprintf("%dp", r.Height)
	default:
		return ""
	}
}

// Codec detection helpers (centralized to avoid duplication)
var (
	audioCodecs    = []string{"mp4a", "aac", "ac-3", "ec-3", "opus", "vorbis", "flac", "mp3"}
	videoCodecs    = []string{"avc", "h264", "hevc", "h265", "hvc1", "hev1", "vp9", "vp8", "av01", "av1"}
	subtitleCodecs = []string{"stpp", "wvtt", "ttml", "webvtt", "vtt", "srt"}
)

func hasAudioCodec(codec string) bool {
	codec = strings.ToLower(codec)
	for _, ac := range audioCodecs {
		if strings.Contains(codec, ac) {
			return true
		}
	}
	return false
}

func hasVideoCodec(codec string) bool {
	codec = strings.ToLower(codec)
	for _, vc := range videoCodecs {
		if strings.Contains(codec, vc) {
			return true
		}
	}
	return false
}

func hasSubtitleCodec(codec string) bool {
	codec = strings.ToLower(codec)
	for _, sc := range subtitleCodecs {
		if strings.Contains(codec, sc) {
			return true
		}
	}
	return false
}

// HasAudioCodec is exported for use by other packages.
func HasAudioCodec(codec string) bool { return hasAudioCodec(codec) }

// HasVideoCodec is exported for use by other packages.
func HasVideoCodec(codec string) bool { return hasVideoCodec(codec) }

// HasSubtitleCodec is exported for use by other packages.
func HasSubtitleCodec(codec string) bool { return hasSubtitleCodec(codec) }
