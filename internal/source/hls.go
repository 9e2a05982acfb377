package source

import (
	"bufio"
	"context"
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

// HLSSource produces segment batches for one HLS media playlist: a single
// batch for an archive (VOD) playlist, or a polling loop for a live one.
type HLSSource struct {
	Client      *http.Client
	PlaylistURL string
	Headers     map[string]string
	StreamID    uint64
	TrackType   models.TrackType
	Retries     int
	Range       Range

	// Key, if non-nil, is attached to every emitted descriptor (caller
	// supplies a kid:key for clear-key CENC, or an AES-128 key overriding
	// the manifest's own EXT-X-KEY, depending on how the caller resolved
	// selection). When nil, the source resolves AES-128 keys itself from
	// EXT-X-KEY directives in the playlist.
	Key *models.SegmentKey

	Log corelog.Logger
}

// Open implements Source.
func (s *HLSSource) Open(ctx context.Context) <-chan Batch {
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

func (s *HLSSource) run(ctx context.Context, out chan<- Batch) {
	var lastSeen uint64
	var seenAny bool
	var seq uint64
	var totalDuration time.Duration
	var segmentCount int

	for {
		pl, err := s.fetchPlaylist(ctx)
		if err != nil {
			out <- Batch{Err: corerr.Wrap(corerr.KindManifest, "fetch hls playlist", err)}
			return
		}

		var fresh []*models.SegmentDescriptor
		for i, seg := range pl.segments {
			mediaSeq := pl.mediaSequence + uint64(i)
			if seenAny && mediaSeq <= lastSeen {
				continue
			}
			seg.StreamID = s.StreamID
			seg.MediaSequence = mediaSeq
			seg.Sequence = seq
			seg.Type = s.TrackType
			if s.Key != nil {
				seg.Key = s.Key
			}
			seq++
			fresh = append(fresh, seg)
			totalDuration += seg.Duration
			segmentCount++
		}
		if len(pl.segments) > 0 {
			lastSeen = pl.mediaSequence + uint64(len(pl.segments)) - 1
			seenAny = true
		}

		if !pl.live {
			fresh = filterAndRenumber(fresh, s.Range)
		}

		if len(fresh) > 0 {
			select {
			case out <- Batch{Segments: fresh}:
			case <-ctx.Done():
				return
			}
		}

		if !pl.live || pl.endList {
			return
		}

		avg := 5 * time.Second
		if segmentCount > 0 {
			avg = totalDuration / time.Duration(segmentCount)
		}
		sleep := avg
		if sleep > 5*time.Second {
			sleep = 5 * time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

type parsedPlaylist struct {
	segments      []*models.SegmentDescriptor
	mediaSequence uint64
	live          bool
	endList       bool
}

// fetchPlaylist fetches and resolves the playlist, recursing into a
// master playlist's best variant.
func (s *HLSSource) fetchPlaylist(ctx context.Context) (*parsedPlaylist, error) {
	content, baseURL, err := s.fetchWithRetry(ctx, s.PlaylistURL)
	if err != nil {
		return nil, err
	}

	if strings.Contains(content, "#EXT-X-STREAM-INF") {
		variantURL, err := pickBestVariant(content, baseURL)
		if err != nil {
			return nil, err
		}
		s.PlaylistURL = variantURL
		content, baseURL, err = s.fetchWithRetry(ctx, variantURL)
		if err != nil {
			return nil, err
		}
	}

	return s.parseMediaPlaylist(ctx, content, baseURL)
}

func (s *HLSSource) fetchWithRetry(ctx context.Context, urlStr string) (string, *url.URL, error) {
	retries := s.Retries
	if retries <= 0 {
		retries = 3
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			s.Log.Warn("retrying playlist fetch", "url", urlStr, "attempt", attempt, "err", lastErr)
		}
		content, baseURL, err := s.fetchOnce(ctx, urlStr)
		if err == nil {
			return content, baseURL, nil
		}
		lastErr = err
	}
	return "", nil, lastErr
}

func (s *HLSSource) fetchOnce(ctx context.Context, urlStr string) (string, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return "", nil, err
	}
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, urlStr)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, err
	}
	baseURL, err := url.Parse(urlStr)
	if err != nil {
		return "", nil, err
	}
	return string(body), baseURL, nil
}

func (s *HLSSource) fetchKeyBytes(ctx context.Context, keyURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keyURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d fetching key %s", resp.StatusCode, keyURL)
	}
	return io.ReadAll(resp.Body)
}

// pickBestVariant selects by (a) highest resolution width, (b) highest
// frame rate, (c) highest bandwidth.
func pickBestVariant(content string, baseURL *url.URL) (string, error) {
	lines := strings.Split(content, "\n")
	var bestURL string
	var bestWidth, bestBandwidth int
	var bestFrameRate float64
	var pendingAttrs map[string]string

	for _, line := range lines {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			pendingAttrs = parseAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
		case !strings.HasPrefix(line, "#") && line != "" && pendingAttrs != nil:
			width := 0
			if res, ok := pendingAttrs["RESOLUTION"]; ok {
				if parts := strings.SplitN(res, "x", 2); len(parts) == 2 {
					width, _ = strconv.Atoi(parts[0])
				}
			}
			frameRate := 0.0
			if fr, ok := pendingAttrs["FRAME-RATE"]; ok {
				frameRate, _ = strconv.ParseFloat(fr, 64)
			}
			bandwidth := 0
			if bw, ok := pendingAttrs["BANDWIDTH"]; ok {
				bandwidth, _ = strconv.Atoi(bw)
			}

			better := bestURL == "" ||
				width > bestWidth ||
				(width == bestWidth && frameRate > bestFrameRate) ||
				(width == bestWidth && frameRate == bestFrameRate && bandwidth > bestBandwidth)
			if better {
				bestURL = resolveURL(baseURL, line)
				bestWidth = width
				bestFrameRate = frameRate
				bestBandwidth = bandwidth
			}
			pendingAttrs = nil
		}
	}
	if bestURL == "" {
		return "", fmt.Errorf("master playlist has no variant URIs")
	}
	return bestURL, nil
}

// parseMediaPlaylist walks a media playlist once, carrying the current
// EXT-X-KEY and EXT-X-MAP directives across segments as rolling state that
// resets only when the manifest introduces a new one. EXT-X-BYTERANGE
// offsets roll forward the same way: an omitted "@o" continues from the
// end of the previous byte-range-tagged segment. Key bytes are fetched
// eagerly so every emitted descriptor can decrypt standalone.
func (s *HLSSource) parseMediaPlaylist(ctx context.Context, content string, baseURL *url.URL) (*parsedPlaylist, error) {
	pl := &parsedPlaylist{}
	var currentKey *models.SegmentKey
	var currentInit *models.InitSegment
	var segDuration time.Duration
	var mediaSeq uint64
	var index int
	keyCache := make(map[string][16]byte)

	var pendingByteRange *models.ByteRange
	var nextByteRangeOffset int64

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			v, _ := strconv.ParseUint(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64)
			mediaSeq = v

		case strings.HasPrefix(line, "#EXT-X-ENDLIST"):
			pl.endList = true

		case strings.HasPrefix(line, "#EXTINF:"):
			durStr := strings.TrimPrefix(line, "#EXTINF:")
			durStr, _, _ = strings.Cut(durStr, ",")
			if dur, err := strconv.ParseFloat(durStr, 64); err == nil {
				segDuration = time.Duration(dur * float64(time.Second))
			}

		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-KEY:"))
			if strings.EqualFold(attrs["METHOD"], "NONE") {
				currentKey = nil
				break
			}
			key := &models.SegmentKey{Kind: models.KeyAes128}
			if uri, ok := attrs["URI"]; ok {
				keyURL := resolveURL(baseURL, strings.Trim(uri, "\""))
				keyBytes, cached := keyCache[keyURL]
				if !cached {
					fetched, err := s.fetchKeyBytes(ctx, keyURL)
					if err != nil {
						return nil, corerr.Wrap(corerr.KindDecryption, "fetch hls key", err)
					}
					copy(keyBytes[:], fetched)
					keyCache[keyURL] = keyBytes
				}
				key.Key = keyBytes
			}
			if iv, ok := attrs["IV"]; ok {
				ivBytes := parseHexBytes(iv)
				copy(key.IV[:], ivBytes)
			}
			currentKey = key

		case strings.HasPrefix(line, "#EXT-X-BYTERANGE:"):
			length, offset, ok := parseByteRangeSpec(strings.TrimPrefix(line, "#EXT-X-BYTERANGE:"), nextByteRangeOffset)
			if ok {
				pendingByteRange = &models.ByteRange{Start: offset, End: offset + length - 1}
				nextByteRangeOffset = offset + length
			}

		case strings.HasPrefix(line, "#EXT-X-MAP:"):
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-MAP:"))
			init := &models.InitSegment{Kind: models.InitClear}
			if uri, ok := attrs["URI"]; ok {
				init.URL = resolveURL(baseURL, strings.Trim(uri, "\""))
			}
			if currentKey != nil {
				init.Kind = models.InitEncrypted
			}
			currentInit = init

		case !strings.HasPrefix(line, "#") && line != "":
			segURL := resolveURL(baseURL, line)
			seg := &models.SegmentDescriptor{
				FileName:    models.DeriveFileName(segURL),
				Format:      models.FormatFromFileName(segURL),
				URL:         segURL,
				Duration:    segDuration,
				InitSegment: currentInit,
				ByteRange:   pendingByteRange,
			}
			pendingByteRange = nil
			if currentKey != nil {
				k := *currentKey
				if k.IV == ([16]byte{}) {
					seqBytes := sequenceIV(mediaSeq + uint64(index))
					k.IV = seqBytes
				}
				seg.Key = &k
			}
			pl.segments = append(pl.segments, seg)
			index++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan playlist: %w", err)
	}

	pl.mediaSequence = mediaSeq
	pl.live = !pl.endList
	return pl, nil
}

// sequenceIV encodes a media sequence number as a big-endian 128-bit
// integer, the fallback IV when EXT-X-KEY carries none.
func sequenceIV(seq uint64) [16]byte {
	var iv [16]byte
	for i := 0; i < 8; i++ {
		iv[15-i] = byte(seq >> (8 * i))
	}
	return iv
}

// parseByteRangeSpec parses an EXT-X-BYTERANGE "<n>[@o]" value. When o is
// omitted, the sub-range starts at defaultOffset (the byte following the
// previous EXT-X-BYTERANGE-tagged segment), per RFC 8216 section 4.3.2.2.
func parseByteRangeSpec(s string, defaultOffset int64) (length, offset int64, ok bool) {
	s = strings.TrimSpace(s)
	n, rest, hasOffset := strings.Cut(s, "@")
	length, err := strconv.ParseInt(n, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	offset = defaultOffset
	if hasOffset {
		offset, err = strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return 0, 0, false
		}
	}
	return length, offset, true
}

func resolveURL(base *url.URL, relative string) string {
	if strings.HasPrefix(relative, "http://") || strings.HasPrefix(relative, "https://") {
		return relative
	}
	rel, err := url.Parse(relative)
	if err != nil {
		return relative
	}
	if base == nil {
		return rel.String()
	}
	return base.ResolveReference(rel).String()
}

func parseHexBytes(s string) []byte {
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	s = strings.Trim(s, "\"")
	var result []byte
	for i := 0; i+1 < len(s); i += 2 {
		b, err := strconv.ParseUint(s[i:i+2], 16, 8)
		if err != nil {
			break
		}
		result = append(result, byte(b))
	}
	return result
}

var hlsAttrRe = regexp.MustCompile(`([A-Z0-9-]+)=("[^"]*"|[^,]*)`)

func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range hlsAttrRe.FindAllStringSubmatch(s, -1) {
		if len(m) >= 3 {
			attrs[m[1]] = m[2]
		}
	}
	return attrs
}
