package source

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/yesterday17/veld/internal/corelog"
	"github.com/yesterday17/veld/internal/corerr"
	"github.com/yesterday17/veld/internal/models"
)

// DASHSource produces segment batches for one Representation of an MPD,
// unifying the archive and live cases behind a single timing model.
type DASHSource struct {
	Client           *http.Client
	ManifestURL      string
	Headers          map[string]string
	RepresentationID string
	StreamID         uint64
	TrackType        models.TrackType
	Retries          int
	Range            Range

	// KIDToKey, when non-empty, is attached to every emitted descriptor as
	// a clear-key CENC key.
	KIDToKey map[string][16]byte

	Log corelog.Logger
}

func (s *DASHSource) Open(ctx context.Context) <-chan Batch {
	out := make(chan Batch, 1)
	go func() {
		defer close(out)
		if s.Log == nil {
			s.Log = corelog.Nop{}
		}
		s.run(ctx, out)
	}()
	return out
}

func (s *DASHSource) run(ctx context.Context, out chan<- Batch) {
	mpd, baseURL, err := s.fetchMPDWithRetry(ctx, s.ManifestURL)
	if err != nil {
		out <- Batch{Err: corerr.Wrap(corerr.KindManifest, "fetch mpd", err)}
		return
	}

	if mpd.Type != "dynamic" {
		segments, err := s.buildArchiveSegments(mpd, baseURL)
		if err != nil {
			out <- Batch{Err: corerr.Wrap(corerr.KindManifest, "build dash segments", err)}
			return
		}
		segments = filterAndRenumber(segments, s.Range)
		if len(segments) > 0 {
			select {
			case out <- Batch{Segments: segments}:
			case <-ctx.Done():
			}
		}
		return
	}

	s.runLive(ctx, mpd, baseURL, out)
}

func (s *DASHSource) runLive(ctx context.Context, mpd *MPD, baseURL *url.URL, out chan<- Batch) {
	clock, err := syncClock(ctx, s.Client, mpd.UTCTimings)
	if err != nil {
		out <- Batch{Err: corerr.Wrap(corerr.KindTimingSync, "synchronize dash clock", err)}
		return
	}

	var seq uint64
	var lastEmitted time.Duration

	for {
		as, rep, err := s.findRepresentation(mpd)
		if err != nil {
			out <- Batch{Err: corerr.Wrap(corerr.KindManifest, "resolve dash representation", err)}
			return
		}

		availStart := parseDateTime(mpd.AvailabilityStartTime)
		tsbd := parseISODuration(mpd.TimeShiftBufferDepth)
		delay := parseISODuration(mpd.SuggestedPresentationDly)
		window := computeAvailabilityWindow(clock, availStart, tsbd, delay)

		period := &mpd.Periods[0]
		periodStart := parseISODuration(period.Start)

		tmpl := effectiveSegmentTemplate(as, rep)
		if tmpl == nil {
			out <- Batch{Err: corerr.Wrap(corerr.KindManifest, "resolve dash representation", fmt.Errorf("representation %s has no SegmentTemplate/@media", rep.ID))}
			return
		}

		periodDur := parseISODuration(period.Duration)
		fresh, newLastEmitted, err := s.emitLiveWindow(tmpl, rep, availStart, periodStart, periodDur, baseURL, window, lastEmitted, &seq)
		if err != nil {
			out <- Batch{Err: corerr.Wrap(corerr.KindManifest, "emit dash live window", err)}
			return
		}
		lastEmitted = newLastEmitted

		if len(fresh) > 0 {
			select {
			case out <- Batch{Segments: fresh}:
			case <-ctx.Done():
				return
			}
		}

		refresh := parseISODuration(mpd.MinimumUpdatePeriod)
		if refresh <= 0 {
			refresh = 2 * time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(refresh):
		}

		newMPD, newBase, err := s.fetchMPDWithRetry(ctx, s.ManifestURL)
		if err != nil {
			s.Log.Warn("dash manifest refresh failed, retrying next cycle", "err", err)
			continue
		}
		mpd, baseURL = newMPD, newBase
	}
}

// emitLiveWindow walks the effective SegmentTimeline and emits the segments
// whose presentation start lies in (max(since, window.start), window.end],
// presentationStart (duration since period start) is converted
// to a wall-clock instant via availabilityStartTime + periodStart for the
// window comparison.
func (s *DASHSource) emitLiveWindow(tmpl *SegmentTemplate, rep *Representation, availStart time.Time, periodStart, periodDur time.Duration, baseURL *url.URL, window availabilityWindow, since time.Duration, seq *uint64) ([]*models.SegmentDescriptor, time.Duration, error) {
	timescale := tmpl.Timescale
	if timescale == 0 {
		timescale = 1
	}

	initSeg, err := s.resolveInit(tmpl, rep, baseURL)
	if err != nil {
		return nil, since, err
	}

	var fresh []*models.SegmentDescriptor
	lastEmitted := since

	startNumber := 1
	if tmpl.StartNumber != nil {
		startNumber = *tmpl.StartNumber
	}

	emit := func(number int, t, d uint64) {
		presentationOffset := periodStart + time.Duration(t)*time.Second/time.Duration(timescale)
		segDur := time.Duration(d) * time.Second / time.Duration(timescale)
		if presentationOffset <= since {
			return
		}
		wallStart := availStart.Add(presentationOffset)
		if !wallStart.After(window.start) || wallStart.After(window.end) {
			return
		}
		mediaURL := expandTemplate(tmpl.Media, rep.ID, number, t, rep.Bandwidth)
		seg := &models.SegmentDescriptor{
			StreamID:    s.StreamID,
			Sequence:    *seq,
			FileName:    models.DeriveFileName(mediaURL),
			Format:      models.FormatFromFileName(mediaURL),
			Type:        s.TrackType,
			URL:         resolveURL(baseURL, mediaURL),
			Duration:    segDur,
			InitSegment: initSeg,
			Key:         s.segmentKey(),
		}
		*seq++
		fresh = append(fresh, seg)
		if presentationOffset > lastEmitted {
			lastEmitted = presentationOffset
		}
	}

	if tmpl.Timeline != nil && len(tmpl.Timeline.S) > 0 {
		var cursor uint64
		number := startNumber
		for _, entry := range tmpl.Timeline.S {
			if entry.T != nil {
				cursor = *entry.T
			}
			repeat := entry.R
			for i := 0; i <= repeat; i++ {
				emit(number, cursor, entry.D)
				cursor += entry.D
				number++
			}
		}
	} else if tmpl.Duration > 0 {
		total := 1
		if periodDur > 0 {
			total = int((periodDur.Seconds()*float64(timescale))/float64(tmpl.Duration)) + 1
		}
		for i := 0; i < total; i++ {
			number := startNumber + i
			t := uint64(i) * uint64(tmpl.Duration)
			emit(number, t, uint64(tmpl.Duration))
		}
	}

	return fresh, lastEmitted, nil
}

func (s *DASHSource) segmentKey() *models.SegmentKey {
	if len(s.KIDToKey) == 0 {
		return nil
	}
	return &models.SegmentKey{Kind: models.KeyClearKey, KIDToKey: s.KIDToKey}
}

func (s *DASHSource) resolveInit(tmpl *SegmentTemplate, rep *Representation, baseURL *url.URL) (*models.InitSegment, error) {
	if tmpl.Initialization == "" {
		return nil, nil
	}
	initURL := resolveURL(baseURL, expandTemplate(tmpl.Initialization, rep.ID, 0, 0, rep.Bandwidth))
	kind := models.InitClear
	if len(s.KIDToKey) > 0 {
		kind = models.InitEncrypted
	}
	return &models.InitSegment{Kind: kind, URL: initURL}, nil
}

func (s *DASHSource) findRepresentation(mpd *MPD) (*AdaptationSet, *Representation, error) {
	for pIdx := range mpd.Periods {
		period := &mpd.Periods[pIdx]
		for asIdx := range period.AdaptationSets {
			as := &period.AdaptationSets[asIdx]
			for repIdx := range as.Representations {
				if as.Representations[repIdx].ID == s.RepresentationID {
					return as, &as.Representations[repIdx], nil
				}
			}
		}
	}
	return nil, nil, fmt.Errorf("representation %q not found in manifest", s.RepresentationID)
}

// buildArchiveSegments expands the chosen Representation's full segment
// list for a static (VOD) MPD.
func (s *DASHSource) buildArchiveSegments(mpd *MPD, baseURL *url.URL) ([]*models.SegmentDescriptor, error) {
	_, rep, err := s.findRepresentation(mpd)
	if err != nil {
		return nil, err
	}

	var segments []*models.SegmentDescriptor
	var seq uint64

	for pIdx := range mpd.Periods {
		period := &mpd.Periods[pIdx]
		periodBase := resolveBaseURL(baseURL, mpd.BaseURL, period.BaseURL)

		var targetAS *AdaptationSet
		var targetRep *Representation
		for asIdx := range period.AdaptationSets {
			for repIdx := range period.AdaptationSets[asIdx].Representations {
				if period.AdaptationSets[asIdx].Representations[repIdx].ID == rep.ID {
					targetAS = &period.AdaptationSets[asIdx]
					targetRep = &period.AdaptationSets[asIdx].Representations[repIdx]
				}
			}
		}
		if targetAS == nil {
			continue
		}

		repBase := resolveBaseURL(periodBase, targetAS.BaseURL, targetRep.BaseURL)
		periodDur := parseISODuration(period.Duration)

		if sb := effectiveSegmentBase(targetAS, targetRep); sb != nil && effectiveSegmentTemplate(targetAS, targetRep) == nil && effectiveSegmentList(targetAS, targetRep) == nil {
			s.Log.Warn("skipping representation with SegmentBase (Indexed) addressing, unimplemented", "representation", targetRep.ID)
			continue
		}

		if effectiveSegmentList(targetAS, targetRep) != nil && effectiveSegmentTemplate(targetAS, targetRep) == nil {
			return nil, fmt.Errorf("representation %s uses SegmentList addressing, which is unimplemented", targetRep.ID)
		}

		tmpl := effectiveSegmentTemplate(targetAS, targetRep)
		if tmpl == nil {
			return nil, fmt.Errorf("representation %s has no usable segment addressing", targetRep.ID)
		}
		segs, initSeg, err := s.archiveSegmentsFromTemplate(tmpl, targetRep, repBase, periodDur)
		if err != nil {
			return nil, err
		}
		for _, seg := range segs {
			seg.StreamID = s.StreamID
			seg.Sequence = seq
			seg.Type = s.TrackType
			seg.InitSegment = initSeg
			seg.Key = s.segmentKey()
			seq++
			segments = append(segments, seg)
		}
	}

	return segments, nil
}

func (s *DASHSource) archiveSegmentsFromTemplate(tmpl *SegmentTemplate, rep *Representation, base *url.URL, periodDur time.Duration) ([]*models.SegmentDescriptor, *models.InitSegment, error) {
	var segments []*models.SegmentDescriptor

	var initSeg *models.InitSegment
	if tmpl.Initialization != "" {
		initURL := resolveURL(base, expandTemplate(tmpl.Initialization, rep.ID, 0, 0, rep.Bandwidth))
		kind := models.InitClear
		if len(s.KIDToKey) > 0 {
			kind = models.InitEncrypted
		}
		initSeg = &models.InitSegment{Kind: kind, URL: initURL}
	}

	timescale := tmpl.Timescale
	if timescale == 0 {
		timescale = 1
	}

	if tmpl.Timeline != nil && len(tmpl.Timeline.S) > 0 {
		startNumber := 1
		if tmpl.StartNumber != nil {
			startNumber = *tmpl.StartNumber
		}
		number := startNumber
		var cursor uint64
		for _, entry := range tmpl.Timeline.S {
			if entry.T != nil {
				cursor = *entry.T
			}
			for i := 0; i <= entry.R; i++ {
				mediaURL := expandTemplate(tmpl.Media, rep.ID, number, cursor, rep.Bandwidth)
				segments = append(segments, &models.SegmentDescriptor{
					FileName: models.DeriveFileName(mediaURL),
					Format:   models.FormatFromFileName(mediaURL),
					URL:      resolveURL(base, mediaURL),
					Duration: time.Duration(entry.D) * time.Second / time.Duration(timescale),
				})
				cursor += entry.D
				number++
			}
		}
		return segments, initSeg, nil
	}

	if tmpl.Duration > 0 {
		startNumber := 1
		if tmpl.StartNumber != nil {
			startNumber = *tmpl.StartNumber
		}
		total := 1
		if periodDur > 0 {
			total = int((periodDur.Seconds()*float64(timescale))/float64(tmpl.Duration)) + 1
		}
		for i := 0; i < total; i++ {
			number := startNumber + i
			mediaURL := expandTemplate(tmpl.Media, rep.ID, number, uint64(i)*uint64(tmpl.Duration), rep.Bandwidth)
			segments = append(segments, &models.SegmentDescriptor{
				FileName: models.DeriveFileName(mediaURL),
				Format:   models.FormatFromFileName(mediaURL),
				URL:      resolveURL(base, mediaURL),
				Duration: time.Duration(tmpl.Duration) * time.Second / time.Duration(timescale),
			})
		}
		return segments, initSeg, nil
	}

	return nil, nil, fmt.Errorf("representation %s has SegmentTemplate but no media URL pattern usable", rep.ID)
}

func (s *DASHSource) fetchMPDWithRetry(ctx context.Context, urlStr string) (*MPD, *url.URL, error) {
	retries := s.Retries
	if retries <= 0 {
		retries = 3
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			s.Log.Warn("retrying mpd fetch", "url", urlStr, "attempt", attempt, "err", lastErr)
		}
		mpd, baseURL, err := s.fetchMPDOnce(ctx, urlStr)
		if err == nil {
			return mpd, baseURL, nil
		}
		lastErr = err
	}
	return nil, nil, lastErr
}

func (s *DASHSource) fetchMPDOnce(ctx context.Context, urlStr string) (*MPD, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, urlStr)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	var mpd MPD
	if err := xml.Unmarshal(body, &mpd); err != nil {
		return nil, nil, fmt.Errorf("parse mpd: %w", err)
	}
	finalURL := resp.Request.URL
	if finalURL == nil {
		finalURL, err = url.Parse(urlStr)
		if err != nil {
			return nil, nil, err
		}
	}
	return &mpd, finalURL, nil
}

// resolveBaseURL merges a chain of BaseURL elements (MPD, Period,
// AdaptationSet, Representation), each resolved relative to its parent and
// preserving the parent's query string unless the child supplies its own,
// "BaseURL elements at any level merge".
func resolveBaseURL(parent *url.URL, children ...string) *url.URL {
	result := parent
	for _, child := range children {
		if child == "" {
			continue
		}
		rel, err := url.Parse(child)
		if err != nil {
			continue
		}
		merged := result.ResolveReference(rel)
		if rel.RawQuery == "" {
			merged.RawQuery = result.RawQuery
		}
		result = merged
	}
	return result
}

var dashTemplateWidthRe = regexp.MustCompile(`\$(Number|Bandwidth)%0(\d+)d\$`)

// expandTemplate substitutes $Time$, $Number$, $RepresentationID$ and
// $Bandwidth$ (with optional %0Nd width) into a DASH media-URL template,
//
func expandTemplate(tmpl, repID string, number int, t uint64, bandwidth int64) string {
	result := dashTemplateWidthRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		groups := dashTemplateWidthRe.FindStringSubmatch(match)
		width, _ := strconv.Atoi(groups[2])
		if groups[1] == "Bandwidth" {
			return fmt.Sprintf("%0*d", width, bandwidth)
		}
		return fmt.Sprintf("%0*d", width, number)
	})
	result = strings.ReplaceAll(result, "$RepresentationID$", repID)
	result = strings.ReplaceAll(result, "$Number$", strconv.Itoa(number))
	result = strings.ReplaceAll(result, "$Time$", strconv.FormatUint(t, 10))
	result = strings.ReplaceAll(result, "$Bandwidth$", strconv.FormatInt(bandwidth, 10))
	result = strings.ReplaceAll(result, "$$", "$")
	return result
}

// parseISODuration parses a restricted xs:duration (PnYnMnDTnHnMnS, only
// the D/H/M/S fields this domain needs).
func parseISODuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	s = strings.TrimPrefix(s, "P")

	var days, hours, minutes, seconds float64
	if idx := strings.Index(s, "D"); idx != -1 {
		days, _ = strconv.ParseFloat(s[:idx], 64)
		s = s[idx+1:]
	}
	s = strings.TrimPrefix(s, "T")
	if idx := strings.Index(s, "H"); idx != -1 {
		hours, _ = strconv.ParseFloat(s[:idx], 64)
		s = s[idx+1:]
	}
	if idx := strings.Index(s, "M"); idx != -1 {
		minutes, _ = strconv.ParseFloat(s[:idx], 64)
		s = s[idx+1:]
	}
	if idx := strings.Index(s, "S"); idx != -1 {
		seconds, _ = strconv.ParseFloat(s[:idx], 64)
	}
	return time.Duration(days*24*float64(time.Hour)) + time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute + time.Duration(seconds*float64(time.Second))
}

func parseDateTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}
