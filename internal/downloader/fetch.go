package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yesterday17/veld/internal/cache"
	"github.com/yesterday17/veld/internal/corerr"
	"github.com/yesterday17/veld/internal/decryptor"
	"github.com/yesterday17/veld/internal/models"
	"github.com/yesterday17/veld/internal/sampleaes"
)

// fetchOne implements one descriptor's full lifecycle: open a cache
// writer, fetch+decrypt with retry, commit or abort, then report the
// outcome to the Merger and the progress channel.
func (d *Downloader) fetchOne(ctx context.Context, desc *models.SegmentDescriptor) {
	key := cache.Key{StreamID: desc.StreamID, Sequence: desc.Sequence, FileName: desc.FileName}

	writer, err := d.cfg.Cache.OpenWriter(ctx, key)
	if err != nil {
		d.fail(ctx, desc, fmt.Errorf("open cache writer: %w", err))
		return
	}
	if writer == nil {
		// Already downloaded by a prior run, or being written by another
		// fetch of the same key; still tell this run's Merger about it so
		// re-sequencing sees the segment.
		d.succeed(ctx, desc, 0)
		return
	}

	var lastErr error
	attempts := d.cfg.SegmentRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			d.cfg.Log.Warn("retrying segment fetch", "stream_id", desc.StreamID, "sequence", desc.Sequence, "attempt", attempt, "err", lastErr)
			select {
			case <-time.After(backoff(attempt)):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = attempts
				continue
			}
		}

		n, err := d.fetchAndDecrypt(ctx, desc, writer)
		if err == nil {
			if err := writer.Commit(); err != nil {
				lastErr = fmt.Errorf("commit cache entry: %w", err)
				continue
			}
			d.succeed(ctx, desc, n)
			return
		}
		lastErr = err
	}

	_ = writer.Abort()
	d.fail(ctx, desc, corerr.Wrap(corerr.KindSegmentFetch, "fetch segment", fmt.Errorf("sequence %d: %w (after %d attempts)", desc.Sequence, lastErr, attempts)))
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
	if d > 8*time.Second {
		d = 8 * time.Second
	}
	return d
}

// fetchAndDecrypt issues the HTTP GET, applies whichever decryption
// variant the descriptor's key names, and writes plaintext to w.
func (d *Downloader) fetchAndDecrypt(ctx context.Context, desc *models.SegmentDescriptor, w io.Writer) (int64, error) {
	body, err := d.get(ctx, desc.URL, desc.Headers, desc.ByteRange)
	if err != nil {
		return 0, err
	}

	if desc.Key == nil || desc.Key.Kind == models.KeyNone {
		if desc.InitSegment != nil && desc.InitSegment.Kind == models.InitClear {
			if err := d.writeInit(ctx, w, desc.InitSegment); err != nil {
				return 0, err
			}
		}
		n, err := w.Write(body)
		return int64(n), err
	}

	switch desc.Key.Kind {
	case models.KeyAes128:
		return d.decryptAES128(ctx, desc, body, w)

	case models.KeyClearKey:
		return d.decryptCENC(ctx, desc, body, w)

	case models.KeySampleAes:
		plain, err := sampleaes.DecryptBytes(ctx, body, desc.Key.Key, desc.Key.IV)
		if err != nil {
			return 0, corerr.Wrap(corerr.KindDecryption, "sample-aes decrypt", err)
		}
		n, err := w.Write(plain)
		return int64(n), err

	default:
		n, err := w.Write(body)
		return int64(n), err
	}
}

// decryptAES128 handles both plain-TS AES-128-CBC segments (no init
// segment, the common HLS case) and fMP4-packaged ones carrying
// EXT-X-MAP: when an init segment is attached, its bytes are composed
// onto the front of the ciphertext before decryption exactly as
// decryptCENC does, since the whole init+fragment byte range can be
// covered by the same CBC chain and the emitted cache entry must stay a
// self-contained, independently demuxable fragment.
func (d *Downloader) decryptAES128(ctx context.Context, desc *models.SegmentDescriptor, body []byte, w io.Writer) (int64, error) {
	var initBytes []byte
	if desc.InitSegment != nil {
		var err error
		initBytes, err = d.fetchInitBytes(ctx, desc.InitSegment)
		if err != nil {
			return 0, fmt.Errorf("fetch init segment: %w", err)
		}
	}

	combined := make([]byte, len(initBytes)+len(body))
	copy(combined, initBytes)
	copy(combined[len(initBytes):], body)

	dec := decryptor.NewHLSDecryptor()
	plain, err := dec.Decrypt(combined, desc.Key.Key[:], desc.Key.IV[:])
	if err != nil {
		return 0, corerr.Wrap(corerr.KindDecryption, "aes-128-cbc decrypt", err)
	}

	segOnly := plain
	if len(initBytes) <= len(plain) {
		segOnly = plain[len(initBytes):]
	}
	n, err := w.Write(segOnly)
	return int64(n), err
}

func (d *Downloader) decryptCENC(ctx context.Context, desc *models.SegmentDescriptor, body []byte, w io.Writer) (int64, error) {
	var initBytes []byte
	if desc.InitSegment != nil {
		var err error
		initBytes, err = d.fetchInitBytes(ctx, desc.InitSegment)
		if err != nil {
			return 0, fmt.Errorf("fetch init segment: %w", err)
		}
	}

	combined := make([]byte, len(initBytes)+len(body))
	copy(combined, initBytes)
	copy(combined[len(initBytes):], body)

	dec := decryptor.NewCENC(desc.Key.KIDToKey)
	decrypted, err := dec.Decrypt(combined)
	if err != nil {
		return 0, corerr.Wrap(corerr.KindDecryption, "cenc decrypt", err)
	}

	segOnly := decrypted
	if len(initBytes) <= len(decrypted) {
		segOnly = decrypted[len(initBytes):]
	}
	n, err := w.Write(segOnly)
	return int64(n), err
}

func (d *Downloader) writeInit(ctx context.Context, w io.Writer, init *models.InitSegment) error {
	data, err := d.fetchInitBytes(ctx, init)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (d *Downloader) get(ctx context.Context, url string, headers map[string]string, byteRange *models.ByteRange) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if byteRange != nil {
		req.Header.Set("Range", byteRange.Header())
	}

	resp, err := d.cfg.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, url)
	}

	return io.ReadAll(resp.Body)
}

func (d *Downloader) succeed(ctx context.Context, desc *models.SegmentDescriptor, bytes int64) {
	if err := d.cfg.Merger.Update(ctx, desc); err != nil {
		d.fail(ctx, desc, fmt.Errorf("merger update: %w", err))
		return
	}
	d.downloaded.Add(1)
	d.sendProgress(ProgressUpdate{StreamID: desc.StreamID, Sequence: desc.Sequence, BytesLoaded: bytes, Completed: true})
}

func (d *Downloader) fail(ctx context.Context, desc *models.SegmentDescriptor, err error) {
	if mergeErr := d.cfg.Merger.Fail(ctx, desc); mergeErr != nil {
		d.cfg.Log.Error("merger fail callback errored", "stream_id", desc.StreamID, "sequence", desc.Sequence, "err", mergeErr)
	}
	d.failed.Add(1)
	d.cfg.Log.Error("segment failed permanently", "stream_id", desc.StreamID, "sequence", desc.Sequence, "err", err)
	d.sendProgress(ProgressUpdate{StreamID: desc.StreamID, Sequence: desc.Sequence, Completed: false, Err: err})
}

func (d *Downloader) sendProgress(p ProgressUpdate) {
	select {
	case d.progressCh <- p:
	default:
		// A slow consumer must not stall the fetch hot path; drop the
		// update, Stats() still reflects the running totals.
	}
}
