package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yesterday17/veld/internal/models"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		input string
		want  Range
	}{
		{"1-100", Range{Start: 1, End: 100}},
		{"1-", Range{Start: 1, End: 0}},
		{"-100", Range{Start: 1, End: 100}},
		{"", Range{Start: 1, End: 0}},
	}

	for _, tt := range tests {
		got, err := ParseRange(tt.input)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseRangeInvalid(t *testing.T) {
	_, err := ParseRange("abc-100")
	assert.Error(t, err)

	_, err = ParseRange("1-xyz")
	assert.Error(t, err)
}

func TestRangeContains(t *testing.T) {
	full := Range{}
	assert.True(t, full.Contains(1))
	assert.True(t, full.Contains(1000))

	bounded := Range{Start: 10, End: 20}
	assert.False(t, bounded.Contains(9))
	assert.True(t, bounded.Contains(10))
	assert.True(t, bounded.Contains(20))
	assert.False(t, bounded.Contains(21))

	openEnded := Range{Start: 5}
	assert.False(t, openEnded.Contains(4))
	assert.True(t, openEnded.Contains(1000))
}

func TestParseKeyMap(t *testing.T) {
	m, err := ParseKeyMap("")
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = ParseKeyMap("abababababababababababababababab:00112233445566778899aabbccddeeff")
	require.NoError(t, err)
	require.Contains(t, m, "abababababababababababababababab")
	assert.Equal(t, [16]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, m["abababababababababababababababab"])
}

func TestParseKeyMapInvalid(t *testing.T) {
	_, err := ParseKeyMap("badpair")
	assert.Error(t, err)

	_, err = ParseKeyMap("kid:not-hex")
	assert.Error(t, err)
}

func TestFilterAndRenumber(t *testing.T) {
	segs := []*models.SegmentDescriptor{
		{Sequence: 0, FileName: "a.ts"},
		{Sequence: 0, FileName: "b.ts"},
		{Sequence: 0, FileName: "c.ts"},
		{Sequence: 0, FileName: "d.ts"},
	}

	out := filterAndRenumber(segs, Range{Start: 2, End: 3})
	require.Len(t, out, 2)
	assert.Equal(t, "b.ts", out[0].FileName)
	assert.Equal(t, uint64(0), out[0].Sequence)
	assert.Equal(t, "c.ts", out[1].FileName)
	assert.Equal(t, uint64(1), out[1].Sequence)
}

func TestFilterAndRenumberFullRange(t *testing.T) {
	segs := []*models.SegmentDescriptor{
		{Sequence: 0, FileName: "a.ts"},
		{Sequence: 0, FileName: "b.ts"},
	}
	out := filterAndRenumber(segs, Range{})
	require.Len(t, out, 2)
	assert.Equal(t, uint64(0), out[0].Sequence)
	assert.Equal(t, uint64(1), out[1].Sequence)
}
