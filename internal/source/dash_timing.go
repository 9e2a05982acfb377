package source

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Clock holds the offset between local wall time and server time,
// established once at DASH source startup via UTCTiming synchronization.
type Clock struct {
	offset time.Duration
}

// Now returns the source's best estimate of server time.
func (c Clock) Now() time.Time { return time.Now().Add(c.offset) }

// syncClock tries each UTCTiming entry in order and keeps the first that
// succeeds. NTP schemes are recognized but unsupported, per spec. An empty
// entry list falls back silently to the local clock with zero offset; a
// non-empty list where every entry fails is an error.
func syncClock(ctx context.Context, client *http.Client, entries []UTCTiming) (Clock, error) {
	if len(entries) == 0 {
		return Clock{}, nil
	}

	var lastErr error
	for _, e := range entries {
		offset, err := syncOne(ctx, client, e)
		if err == nil {
			return Clock{offset: offset}, nil
		}
		lastErr = err
	}
	return Clock{}, fmt.Errorf("no UTCTiming scheme synchronized: %w", lastErr)
}

func syncOne(ctx context.Context, client *http.Client, e UTCTiming) (time.Duration, error) {
	switch e.SchemeIdUri {
	case "urn:mpeg:dash:utc:direct:2014":
		remote, err := parseFlexibleTime(e.Value)
		if err != nil {
			return 0, fmt.Errorf("direct UTCTiming: %w", err)
		}
		return time.Until(remote), nil

	case "urn:mpeg:dash:utc:http-xsdate:2014", "urn:mpeg:dash:utc:http-iso:2014":
		before := time.Now()
		body, err := httpGetBody(ctx, client, e.Value)
		after := time.Now()
		if err != nil {
			return 0, fmt.Errorf("http-xsdate/iso UTCTiming: %w", err)
		}
		remote, err := parseFlexibleTime(string(body))
		if err != nil {
			return 0, fmt.Errorf("http-xsdate/iso UTCTiming: parse %q: %w", string(body), err)
		}
		rtt := after.Sub(before)
		serverNow := remote.Add(rtt / 2)
		return serverNow.Sub(after), nil

	case "urn:mpeg:dash:utc:http-head:2014":
		dateStr, err := httpHeadDate(ctx, client, e.Value)
		if err != nil {
			return 0, fmt.Errorf("http-head UTCTiming: %w", err)
		}
		remote, err := time.Parse(time.RFC1123, dateStr)
		if err != nil {
			return 0, fmt.Errorf("http-head UTCTiming: parse Date header %q: %w", dateStr, err)
		}
		return time.Until(remote), nil

	case "urn:mpeg:dash:utc:ntp:2014", "urn:mpeg:dash:utc:sntp:2014":
		return 0, fmt.Errorf("NTP UTCTiming scheme not supported")

	default:
		return 0, fmt.Errorf("unknown UTCTiming scheme %q", e.SchemeIdUri)
	}
}

func parseFlexibleTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("not RFC3339: %q", s)
}

func httpGetBody(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	buf := make([]byte, 256)
	n, _ := resp.Body.Read(buf)
	return trimNull(buf[:n]), nil
}

func trimNull(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}

func httpHeadDate(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	date := resp.Header.Get("Date")
	if date == "" {
		return "", fmt.Errorf("response carries no Date header")
	}
	return date, nil
}

// availabilityWindow computes the window of presentation times currently
// fetchable; end already accounts for suggestedPresentationDelay.
type availabilityWindow struct {
	start time.Time
	end   time.Time
}

func computeAvailabilityWindow(clock Clock, availabilityStart time.Time, timeShiftBufferDepth, suggestedDelay time.Duration) availabilityWindow {
	now := clock.Now()
	start := availabilityStart
	if timeShiftBufferDepth > 0 {
		candidateStart := now.Add(-timeShiftBufferDepth)
		if candidateStart.After(start) {
			start = candidateStart
		}
	}
	end := now.Add(-suggestedDelay)
	return availabilityWindow{start: start, end: end}
}
