package downloader

import (
	"context"
	"fmt"

	"github.com/yesterday17/veld/internal/models"
)

// fetchInitBytes returns an init segment's bytes, fetching and memoizing by
// URL on first use so a Representation's many media segments never refetch
// the same init box.
func (d *Downloader) fetchInitBytes(ctx context.Context, init *models.InitSegment) ([]byte, error) {
	if init == nil {
		return nil, nil
	}
	if len(init.Data) > 0 {
		return init.Data, nil
	}
	if init.URL == "" {
		return nil, nil
	}

	d.initMu.Lock()
	if cached, ok := d.initCache[init.URL]; ok {
		d.initMu.Unlock()
		return cached, nil
	}
	d.initMu.Unlock()

	data, err := d.get(ctx, init.URL, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch init segment %s: %w", init.URL, err)
	}

	d.initMu.Lock()
	d.initCache[init.URL] = data
	d.initMu.Unlock()

	return data, nil
}
