package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vodPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-BYTERANGE:1000@0
#EXTINF:6.0,
segment0.ts
#EXT-X-BYTERANGE:1500
#EXTINF:6.0,
segment0.ts
#EXTINF:6.0,
segment1.ts
#EXT-X-ENDLIST
`

func TestHLSSourceParsesVODPlaylistWithByteRanges(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, vodPlaylist)
	}))
	defer server.Close()

	s := &HLSSource{Client: server.Client(), PlaylistURL: server.URL + "/playlist.m3u8"}

	var segments []*struct {
		fileName  string
		byteRange string
	}
	for batch := range s.Open(context.Background()) {
		require.NoError(t, batch.Err)
		for _, seg := range batch.Segments {
			rangeStr := ""
			if seg.ByteRange != nil {
				rangeStr = seg.ByteRange.Header()
			}
			segments = append(segments, &struct {
				fileName  string
				byteRange string
			}{seg.FileName, rangeStr})
		}
	}

	require.Len(t, segments, 3)
	assert.Equal(t, "bytes=0-999", segments[0].byteRange)
	assert.Equal(t, "bytes=1000-2499", segments[1].byteRange)
	assert.Equal(t, "", segments[2].byteRange)
}

func TestHLSSourceAppliesRange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, vodPlaylist)
	}))
	defer server.Close()

	s := &HLSSource{
		Client:      server.Client(),
		PlaylistURL: server.URL + "/playlist.m3u8",
		Range:       Range{Start: 2, End: 3},
	}

	var segs []string
	for batch := range s.Open(context.Background()) {
		require.NoError(t, batch.Err)
		for _, seg := range batch.Segments {
			segs = append(segs, seg.FileName)
		}
	}
	require.Len(t, segs, 2)
	assert.Equal(t, []string{"segment0.ts", "segment1.ts"}, segs)
}

func TestHLSSourceSurfacesFetchError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	s := &HLSSource{Client: server.Client(), PlaylistURL: server.URL + "/missing.m3u8", Retries: 1}

	var lastBatch Batch
	for batch := range s.Open(context.Background()) {
		lastBatch = batch
	}
	assert.Error(t, lastBatch.Err)
}
