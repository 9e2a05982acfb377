package source

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/yesterday17/veld/internal/models"
)

// ListHLS fetches an HLS playlist and returns the catalog of selectable
// tracks: every EXT-X-STREAM-INF variant plus every EXT-X-MEDIA rendition
// that carries its own URI. A bare media playlist (no EXT-X-STREAM-INF)
// yields one video track pointing at itself, so single-rendition streams
// selected without a master playlist still work.
func ListHLS(ctx context.Context, client *http.Client, manifestURL string, headers map[string]string) (*models.Manifest, error) {
	content, err := fetchText(ctx, client, manifestURL, headers)
	if err != nil {
		return nil, fmt.Errorf("fetch hls playlist: %w", err)
	}
	baseURL, _ := url.Parse(manifestURL)

	manifest := &models.Manifest{URL: manifestURL, Type: models.ManifestHLS}

	if !strings.Contains(content, "#EXT-X-STREAM-INF") {
		manifest.Tracks = append(manifest.Tracks, &models.Track{
			ID:          "0",
			Type:        models.TrackVideo,
			PlaylistURL: manifestURL,
		})
		return manifest, nil
	}

	var pendingAttrs map[string]string
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			pendingAttrs = parseAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))

		case strings.HasPrefix(line, "#EXT-X-MEDIA:"):
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-MEDIA:"))
			if track := mediaTrackFromAttrs(attrs, baseURL); track != nil {
				manifest.Tracks = append(manifest.Tracks, track)
			}

		case !strings.HasPrefix(line, "#") && line != "" && pendingAttrs != nil:
			manifest.Tracks = append(manifest.Tracks, variantTrackFromAttrs(pendingAttrs, resolveURL(baseURL, line)))
			pendingAttrs = nil
		}
	}

	return manifest, nil
}

func variantTrackFromAttrs(attrs map[string]string, mediaURL string) *models.Track {
	t := &models.Track{Type: models.TrackVideo, PlaylistURL: mediaURL}
	if bw, ok := attrs["BANDWIDTH"]; ok {
		t.Bandwidth, _ = strconv.ParseInt(bw, 10, 64)
	}
	if res, ok := attrs["RESOLUTION"]; ok {
		if w, h, ok := strings.Cut(res, "x"); ok {
			t.Resolution.Width, _ = strconv.Atoi(w)
			t.Resolution.Height, _ = strconv.Atoi(h)
		}
	}
	if codecs, ok := attrs["CODECS"]; ok {
		t.Codec = strings.Trim(codecs, "\"")
	}
	t.ID = fmt.Sprintf("video_%d_%d", t.Resolution.Height, t.Bandwidth)
	return t
}

func mediaTrackFromAttrs(attrs map[string]string, baseURL *url.URL) *models.Track {
	uri, ok := attrs["URI"]
	if !ok {
		// No URI: this rendition is muxed into its video variant, not a
		// separately fetchable track.
		return nil
	}

	t := &models.Track{PlaylistURL: resolveURL(baseURL, strings.Trim(uri, "\""))}
	switch strings.ToUpper(attrs["TYPE"]) {
	case "AUDIO":
		t.Type = models.TrackAudio
	case "SUBTITLES", "CLOSED-CAPTIONS":
		t.Type = models.TrackSubtitle
	default:
		t.Type = models.TrackVideo
	}
	t.Name = strings.Trim(attrs["NAME"], "\"")
	t.Language = strings.Trim(attrs["LANGUAGE"], "\"")

	groupID := strings.Trim(attrs["GROUP-ID"], "\"")
	t.ID = fmt.Sprintf("%s_%s_%s", groupID, t.Language, t.Name)
	return t
}

// ListDASH fetches an MPD and returns one catalog Track per Representation
// across every AdaptationSet of the first Period.
func ListDASH(ctx context.Context, client *http.Client, manifestURL string, headers map[string]string) (*models.Manifest, error) {
	content, err := fetchText(ctx, client, manifestURL, headers)
	if err != nil {
		return nil, fmt.Errorf("fetch mpd: %w", err)
	}

	var mpd MPD
	if err := xml.Unmarshal([]byte(content), &mpd); err != nil {
		return nil, fmt.Errorf("parse mpd: %w", err)
	}
	if len(mpd.Periods) == 0 {
		return nil, fmt.Errorf("mpd has no periods")
	}

	manifest := &models.Manifest{URL: manifestURL, Type: models.ManifestDASH}
	period := mpd.Periods[0]

	for _, as := range period.AdaptationSets {
		for i := range as.Representations {
			rep := &as.Representations[i]
			manifest.Tracks = append(manifest.Tracks, dashTrack(&as, rep, manifestURL))
		}
	}

	return manifest, nil
}

func dashTrack(as *AdaptationSet, rep *Representation, manifestURL string) *models.Track {
	t := &models.Track{
		ID:               rep.ID,
		PlaylistURL:      manifestURL,
		RepresentationID: rep.ID,
		Bandwidth:        rep.Bandwidth,
		Language:         as.Lang,
	}

	switch detectTrackType(rep.MimeType, as.ContentType) {
	case "audio":
		t.Type = models.TrackAudio
	case "text":
		t.Type = models.TrackSubtitle
	default:
		t.Type = models.TrackVideo
	}

	t.Codec = rep.Codecs
	if t.Codec == "" {
		t.Codec = as.Codecs
	}
	t.Resolution.Width = firstNonZero(rep.Width, as.Width)
	t.Resolution.Height = firstNonZero(rep.Height, as.Height)

	for _, cp := range as.ContentProtections {
		if cp.DefaultKID != "" {
			t.Encrypted = true
			t.KeyIDs = append(t.KeyIDs, strings.ReplaceAll(strings.ToLower(cp.DefaultKID), "-", ""))
		}
	}

	return t
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

func fetchText(ctx context.Context, client *http.Client, urlStr string, headers map[string]string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return "", err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	return string(body), err
}
