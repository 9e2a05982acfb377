package source

import (
	"encoding/xml"
	"strings"
)

// MPD mirrors the subset of the Media Presentation Description schema this
// source understands.
type MPD struct {
	XMLName                   xml.Name    `xml:"MPD"`
	Type                      string      `xml:"type,attr"` // "static" or "dynamic"
	MediaPresentationDuration string      `xml:"mediaPresentationDuration,attr"`
	MinimumUpdatePeriod       string      `xml:"minimumUpdatePeriod,attr"`
	AvailabilityStartTime     string      `xml:"availabilityStartTime,attr"`
	TimeShiftBufferDepth      string      `xml:"timeShiftBufferDepth,attr"`
	SuggestedPresentationDly  string      `xml:"suggestedPresentationDelay,attr"`
	MinBufferTime             string      `xml:"minBufferTime,attr"`
	BaseURL                   string      `xml:"BaseURL"`
	UTCTimings                []UTCTiming `xml:"UTCTiming"`
	Periods                   []Period    `xml:"Period"`
}

// UTCTiming is one clock-synchronization candidate; schemeIdUri selects direct/http-xsdate/http-iso/http-head.
type UTCTiming struct {
	SchemeIdUri string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr"`
}

type Period struct {
	ID             string          `xml:"id,attr"`
	Start          string          `xml:"start,attr"`
	Duration       string          `xml:"duration,attr"`
	BaseURL        string          `xml:"BaseURL"`
	AdaptationSets []AdaptationSet `xml:"AdaptationSet"`
}

type AdaptationSet struct {
	ID                 string              `xml:"id,attr"`
	MimeType           string              `xml:"mimeType,attr"`
	ContentType        string              `xml:"contentType,attr"`
	Lang               string              `xml:"lang,attr"`
	Codecs             string              `xml:"codecs,attr"`
	Width              int                 `xml:"width,attr"`
	Height             int                 `xml:"height,attr"`
	BaseURL            string              `xml:"BaseURL"`
	ContentProtections []ContentProtection `xml:"ContentProtection"`
	SegmentTemplate    *SegmentTemplate    `xml:"SegmentTemplate"`
	SegmentList        *SegmentList        `xml:"SegmentList"`
	SegmentBase        *SegmentBase        `xml:"SegmentBase"`
	Representations    []Representation    `xml:"Representation"`
}

type Representation struct {
	ID                     string           `xml:"id,attr"`
	Bandwidth              int64            `xml:"bandwidth,attr"`
	Width                  int              `xml:"width,attr"`
	Height                 int              `xml:"height,attr"`
	Codecs                 string           `xml:"codecs,attr"`
	MimeType               string           `xml:"mimeType,attr"`
	PresentationTimeOffset uint64           `xml:"presentationTimeOffset,attr"`
	BaseURL                string           `xml:"BaseURL"`
	SegmentTemplate        *SegmentTemplate `xml:"SegmentTemplate"`
	SegmentList            *SegmentList     `xml:"SegmentList"`
	SegmentBase            *SegmentBase     `xml:"SegmentBase"`
}

// SegmentTemplate covers both the "Explicit" (SegmentTimeline present) and
// "Simple" (fixed Duration) addressing modes.
type SegmentTemplate struct {
	Media          string    `xml:"media,attr"`
	Initialization string    `xml:"initialization,attr"`
	Timescale      int       `xml:"timescale,attr"`
	Duration       int       `xml:"duration,attr"`
	StartNumber    *int      `xml:"startNumber,attr"`
	Timeline       *Timeline `xml:"SegmentTimeline"`
}

type Timeline struct {
	S []SegmentTime `xml:"S"`
}

// SegmentTime is one SegmentTimeline entry: t (start, optional — absent
// means "continue from running cursor"), d (duration), r (repeat count,
// meaning r+1 segments)
type SegmentTime struct {
	T *uint64 `xml:"t,attr"`
	D uint64  `xml:"d,attr"`
	R int     `xml:"r,attr"`
}

type SegmentList struct {
	Initialization *URLType  `xml:"Initialization"`
	Segments       []URLType `xml:"SegmentURL"`
}

// SegmentBase marks the "Indexed" addressing mode, which a source is
// allowed to report-and-skip rather than implement.
type SegmentBase struct {
	IndexRange string `xml:"indexRange,attr"`
}

type URLType struct {
	SourceURL string `xml:"sourceURL,attr"`
	Media     string `xml:"media,attr"`
	Range     string `xml:"range,attr"`
}

type ContentProtection struct {
	SchemeIdUri string `xml:"schemeIdUri,attr"`
	DefaultKID  string `xml:"default_KID,attr"`
}

// effectiveSegmentTemplate resolves SegmentTemplate inheritance: a
// Representation's own value shadows its AdaptationSet's.
func effectiveSegmentTemplate(as *AdaptationSet, rep *Representation) *SegmentTemplate {
	if rep.SegmentTemplate != nil {
		return rep.SegmentTemplate
	}
	return as.SegmentTemplate
}

func effectiveSegmentList(as *AdaptationSet, rep *Representation) *SegmentList {
	if rep.SegmentList != nil {
		return rep.SegmentList
	}
	return as.SegmentList
}

func effectiveSegmentBase(as *AdaptationSet, rep *Representation) *SegmentBase {
	if rep.SegmentBase != nil {
		return rep.SegmentBase
	}
	return as.SegmentBase
}

// bestRepresentation picks the maximum-bandwidth Representation in an
// AdaptationSet, ties broken by first-seen.
func bestRepresentation(as *AdaptationSet) *Representation {
	if len(as.Representations) == 0 {
		return nil
	}
	best := &as.Representations[0]
	for i := 1; i < len(as.Representations); i++ {
		if as.Representations[i].Bandwidth > best.Bandwidth {
			best = &as.Representations[i]
		}
	}
	return best
}

func detectTrackType(mimeType, contentType string) string {
	check := strings.ToLower(mimeType + " " + contentType)
	switch {
	case strings.Contains(check, "video"):
		return "video"
	case strings.Contains(check, "audio"):
		return "audio"
	case strings.Contains(check, "text"), strings.Contains(check, "subtitle"):
		return "text"
	default:
		return "video"
	}
}
