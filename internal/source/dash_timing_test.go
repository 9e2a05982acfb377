package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeAvailabilityWindowClampsToTimeShiftBufferDepth(t *testing.T) {
	clock := Clock{}
	availStart := time.Now().Add(-time.Hour)

	window := computeAvailabilityWindow(clock, availStart, 30*time.Second, 0)
	assert.True(t, window.start.After(availStart))
	assert.WithinDuration(t, time.Now().Add(-30*time.Second), window.start, time.Second)
}

func TestComputeAvailabilityWindowKeepsAvailabilityStartWhenNoBufferDepth(t *testing.T) {
	clock := Clock{}
	availStart := time.Now().Add(-time.Minute)

	window := computeAvailabilityWindow(clock, availStart, 0, 0)
	assert.Equal(t, availStart, window.start)
}

func TestComputeAvailabilityWindowAppliesSuggestedDelay(t *testing.T) {
	clock := Clock{}
	window := computeAvailabilityWindow(clock, time.Time{}, 0, 5*time.Second)
	assert.WithinDuration(t, time.Now().Add(-5*time.Second), window.end, time.Second)
}

func TestSyncClockEmptyEntriesFallsBackToLocal(t *testing.T) {
	clock, err := syncClock(context.Background(), http.DefaultClient, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), clock.offset)
}

func TestSyncClockHTTPISODate(t *testing.T) {
	serverTime := time.Now().Add(10 * time.Minute).UTC()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(serverTime.Format(time.RFC3339)))
	}))
	defer server.Close()

	entries := []UTCTiming{{SchemeIdUri: "urn:mpeg:dash:utc:http-iso:2014", Value: server.URL}}
	clock, err := syncClock(context.Background(), server.Client(), entries)
	require.NoError(t, err)

	assert.WithinDuration(t, serverTime, clock.Now(), time.Second)
}

func TestSyncClockTriesNextEntryOnFailure(t *testing.T) {
	serverTime := time.Now().Add(time.Hour).UTC()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(serverTime.Format(time.RFC3339)))
	}))
	defer server.Close()

	entries := []UTCTiming{
		{SchemeIdUri: "urn:mpeg:dash:utc:ntp:2014", Value: "ignored"},
		{SchemeIdUri: "urn:mpeg:dash:utc:http-iso:2014", Value: server.URL},
	}
	clock, err := syncClock(context.Background(), server.Client(), entries)
	require.NoError(t, err)
	assert.WithinDuration(t, serverTime, clock.Now(), time.Second)
}

func TestSyncClockAllEntriesFail(t *testing.T) {
	entries := []UTCTiming{
		{SchemeIdUri: "urn:mpeg:dash:utc:ntp:2014", Value: "ignored"},
		{SchemeIdUri: "urn:mpeg:dash:utc:sntp:2014", Value: "ignored"},
	}
	_, err := syncClock(context.Background(), http.DefaultClient, entries)
	assert.Error(t, err)
}

func TestEmitLiveWindowFiltersToWindowAndAdvancesCursor(t *testing.T) {
	s := &DASHSource{StreamID: 0}
	tmpl := &SegmentTemplate{
		Timescale: 1,
		Media:     "seg-$Number$.m4s",
		Timeline: &Timeline{
			S: []SegmentTime{
				{D: 2}, // [0,2)
				{D: 2}, // [2,4)
				{D: 2}, // [4,6)
			},
		},
	}
	rep := &Representation{ID: "v1"}
	availStart := time.Unix(0, 0).UTC()
	window := availabilityWindow{
		start: availStart.Add(1 * time.Second),
		end:   availStart.Add(5 * time.Second),
	}

	segs, lastEmitted, err := s.emitLiveWindow(tmpl, rep, availStart, 0, 0, nil, window, 0, new(uint64))
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, "seg-2.mp4", segs[0].FileName)
	assert.Equal(t, "seg-3.mp4", segs[1].FileName)
	assert.Equal(t, 4*time.Second, lastEmitted)
}

func TestEmitLiveWindowSkipsAlreadyEmitted(t *testing.T) {
	s := &DASHSource{StreamID: 0}
	tmpl := &SegmentTemplate{
		Timescale: 1,
		Media:     "seg-$Number$.m4s",
		Timeline: &Timeline{
			S: []SegmentTime{{D: 2}, {D: 2}, {D: 2}},
		},
	}
	rep := &Representation{ID: "v1"}
	availStart := time.Unix(0, 0).UTC()
	window := availabilityWindow{start: availStart, end: availStart.Add(10 * time.Second)}

	segs, _, err := s.emitLiveWindow(tmpl, rep, availStart, 0, 0, nil, window, 2*time.Second, new(uint64))
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "seg-3.mp4", segs[0].FileName)
}
