package merge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yesterday17/veld/internal/cache"
	"github.com/yesterday17/veld/internal/models"
)

func writeSegment(t *testing.T, c cache.Cache, streamID, seq uint64, name, data string) *models.SegmentDescriptor {
	t.Helper()
	desc := &models.SegmentDescriptor{
		StreamID: streamID,
		Sequence: seq,
		FileName: name,
		Format:   models.NewFormat(models.FormatMPEGTS),
	}
	w, err := c.OpenWriter(context.Background(), keyOf(desc))
	require.NoError(t, err)
	_, err = w.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, w.Commit())
	return desc
}

func TestBufferedMergerSkip(t *testing.T) {
	c := cache.NewMemoryCache()
	m := New(Config{Strategy: StrategySkip, Cache: c})

	desc := writeSegment(t, c, 0, 0, "a.ts", "hello")
	require.NoError(t, m.Update(context.Background(), desc))
	require.NoError(t, m.Finish(context.Background()))
}

func TestBufferedMergerConcat(t *testing.T) {
	c := cache.NewMemoryCache()
	outputPath := filepath.Join(t.TempDir(), "out.ts")
	m := New(Config{Strategy: StrategyConcat, Cache: c, OutputPath: outputPath, KeepSegments: true})

	ctx := context.Background()
	d0 := writeSegment(t, c, 0, 0, "a.ts", "AAA")
	d1 := writeSegment(t, c, 0, 1, "b.ts", "BBB")
	require.NoError(t, m.Update(ctx, d0))
	require.NoError(t, m.Update(ctx, d1))
	require.NoError(t, m.Finish(ctx))

	streamOut := outputPath + ".00.ts"
	data, err := os.ReadFile(streamOut)
	require.NoError(t, err)
	assert.Equal(t, "AAABBB", string(data))
}

func TestBufferedMergerConcatSplitsOnFailure(t *testing.T) {
	c := cache.NewMemoryCache()
	outputPath := filepath.Join(t.TempDir(), "out.ts")
	m := New(Config{Strategy: StrategyConcat, Cache: c, OutputPath: outputPath, KeepSegments: true})

	ctx := context.Background()
	d0 := writeSegment(t, c, 0, 0, "a.ts", "AAA")
	failed := &models.SegmentDescriptor{StreamID: 0, Sequence: 1, FileName: "b.ts", Format: models.NewFormat(models.FormatMPEGTS)}
	d2 := writeSegment(t, c, 0, 2, "c.ts", "CCC")

	require.NoError(t, m.Update(ctx, d0))
	require.NoError(t, m.Fail(ctx, failed))
	require.NoError(t, m.Update(ctx, d2))
	require.NoError(t, m.Finish(ctx))

	streamOut := outputPath + ".00.ts"
	data, err := os.ReadFile(streamOut)
	require.NoError(t, err)
	assert.Equal(t, "AAA", string(data))

	continuation := outputPath + ".00.1.ts"
	data, err = os.ReadFile(continuation)
	require.NoError(t, err)
	assert.Equal(t, "CCC", string(data))
}

func TestBufferedMergerConcatDropsTrailingFailure(t *testing.T) {
	c := cache.NewMemoryCache()
	outputPath := filepath.Join(t.TempDir(), "out.ts")
	m := New(Config{Strategy: StrategyConcat, Cache: c, OutputPath: outputPath, KeepSegments: true})

	ctx := context.Background()
	d0 := writeSegment(t, c, 0, 0, "a.ts", "AAA")
	failed := &models.SegmentDescriptor{StreamID: 0, Sequence: 1, FileName: "b.ts", Format: models.NewFormat(models.FormatMPEGTS)}

	require.NoError(t, m.Update(ctx, d0))
	require.NoError(t, m.Fail(ctx, failed))
	require.NoError(t, m.Finish(ctx))

	streamOut := outputPath + ".00.ts"
	data, err := os.ReadFile(streamOut)
	require.NoError(t, err)
	assert.Equal(t, "AAA", string(data))

	_, err = os.Stat(outputPath + ".00.1.ts")
	assert.True(t, os.IsNotExist(err))
}

func TestBufferedMergerConcatClearsCacheUnlessKeepSegments(t *testing.T) {
	c := cache.NewMemoryCache()
	outputPath := filepath.Join(t.TempDir(), "out.ts")
	m := New(Config{Strategy: StrategyConcat, Cache: c, OutputPath: outputPath})

	ctx := context.Background()
	d0 := writeSegment(t, c, 0, 0, "a.ts", "AAA")
	require.NoError(t, m.Update(ctx, d0))
	require.NoError(t, m.Finish(ctx))

	assert.False(t, c.IsReady(keyOf(d0)))
}

func TestPerStreamPathUsesFirstRecordExtension(t *testing.T) {
	records := []segmentRecord{
		{desc: &models.SegmentDescriptor{Format: models.NewFormat(models.FormatMP4)}, success: true},
	}
	assert.Equal(t, "out.00.mp4", perStreamPath("out", 0, records))
}

func TestPerStreamPathDefaultsToBinWhenEmpty(t *testing.T) {
	assert.Equal(t, "out.00.bin", perStreamPath("out", 0, nil))
}
