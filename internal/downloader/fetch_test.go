package downloader

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yesterday17/veld/internal/cache"
	"github.com/yesterday17/veld/internal/models"
	"github.com/yesterday17/veld/internal/source"
)

// fakeSource emits one fixed batch then closes, mirroring an archive Source.
type fakeSource struct {
	batch source.Batch
}

func (f *fakeSource) Open(ctx context.Context) <-chan source.Batch {
	ch := make(chan source.Batch, 1)
	ch <- f.batch
	close(ch)
	return ch
}

// recordingMerger captures every Update/Fail call instead of finalizing
// anything, so tests can assert on what the downloader reported.
type recordingMerger struct {
	mu      sync.Mutex
	updated []*models.SegmentDescriptor
	failed  []*models.SegmentDescriptor
}

func (m *recordingMerger) Update(ctx context.Context, desc *models.SegmentDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated = append(m.updated, desc)
	return nil
}

func (m *recordingMerger) Fail(ctx context.Context, desc *models.SegmentDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, desc)
	return nil
}

func (m *recordingMerger) Finish(ctx context.Context) error { return nil }

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func TestDownloaderFetchesAndCachesClearSegment(t *testing.T) {
	const body = "plain ts segment payload"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer server.Close()

	merger := &recordingMerger{}
	memCache := cache.NewMemoryCache()
	desc := &models.SegmentDescriptor{
		StreamID: 1,
		Sequence: 0,
		FileName: "seg0.ts",
		Format:   models.NewFormat(models.FormatMPEGTS),
		URL:      server.URL + "/seg0.ts",
	}

	d := New(Config{
		Cache:  memCache,
		Merger: merger,
		Source: &fakeSource{batch: source.Batch{Segments: []*models.SegmentDescriptor{desc}}},
	})

	require.NoError(t, d.Run(context.Background()))

	require.Len(t, merger.updated, 1)
	assert.Empty(t, merger.failed)

	r, err := memCache.OpenReader(context.Background(), cache.Key{StreamID: 1, Sequence: 0, FileName: "seg0.ts"})
	require.NoError(t, err)
	defer r.Close()
	got := new(bytes.Buffer)
	_, err = got.ReadFrom(r)
	require.NoError(t, err)
	assert.Equal(t, body, got.String())
}

func TestDownloaderDecryptsAES128SegmentWithInitSegment(t *testing.T) {
	key := bytes.Repeat([]byte{0x09}, 16)
	iv := bytes.Repeat([]byte{0x07}, 16)
	initPlain := []byte("init-box-bytes--")
	segPlain := []byte("fragment-bytes-follow-init-box")
	combinedPlain := append(append([]byte{}, initPlain...), segPlain...)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	padded := pkcs7Pad(combinedPlain, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	// init and fragment share one CBC chain: InitSegment.Data holds the
	// encrypted init box bytes exactly as they'd arrive over the wire, and
	// the server serves only the fragment's share of the same ciphertext.
	initCiphertext := ciphertext[:len(initPlain)]
	bodyCiphertext := ciphertext[len(initPlain):]

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bodyCiphertext)
	}))
	defer server.Close()

	var keyArr, ivArr [16]byte
	copy(keyArr[:], key)
	copy(ivArr[:], iv)

	desc := &models.SegmentDescriptor{
		StreamID: 2,
		Sequence: 0,
		FileName: "seg0.mp4",
		Format:   models.NewFormat(models.FormatMP4),
		URL:      server.URL + "/seg0.mp4",
		Key: &models.SegmentKey{
			Kind: models.KeyAes128,
			Key:  keyArr,
			IV:   ivArr,
		},
		InitSegment: &models.InitSegment{Kind: models.InitClear, Data: initCiphertext},
	}

	merger := &recordingMerger{}
	memCache := cache.NewMemoryCache()
	d := New(Config{
		Cache:  memCache,
		Merger: merger,
		Source: &fakeSource{batch: source.Batch{Segments: []*models.SegmentDescriptor{desc}}},
	})

	require.NoError(t, d.Run(context.Background()))
	require.Len(t, merger.updated, 1)

	r, err := memCache.OpenReader(context.Background(), cache.Key{StreamID: 2, Sequence: 0, FileName: "seg0.mp4"})
	require.NoError(t, err)
	defer r.Close()
	got := new(bytes.Buffer)
	_, err = got.ReadFrom(r)
	require.NoError(t, err)
	assert.Equal(t, segPlain, got.Bytes())
}

func TestDownloaderReportsFailureAfterRetriesExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	desc := &models.SegmentDescriptor{
		StreamID: 3,
		Sequence: 0,
		FileName: "seg0.ts",
		Format:   models.NewFormat(models.FormatMPEGTS),
		URL:      server.URL + "/missing.ts",
	}

	merger := &recordingMerger{}
	d := New(Config{
		SegmentRetries: 1,
		Cache:          cache.NewMemoryCache(),
		Merger:         merger,
		Source:         &fakeSource{batch: source.Batch{Segments: []*models.SegmentDescriptor{desc}}},
	})

	require.NoError(t, d.Run(context.Background()))
	assert.Empty(t, merger.updated)
	require.Len(t, merger.failed, 1)
}

func TestDownloaderSurfacesSourceError(t *testing.T) {
	merger := &recordingMerger{}
	d := New(Config{
		Cache:  cache.NewMemoryCache(),
		Merger: merger,
		Source: &fakeSource{batch: source.Batch{Err: fmt.Errorf("manifest fetch failed")}},
	})

	err := d.Run(context.Background())
	assert.Error(t, err)
}
