package sampleaes

import (
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/asticode/go-astits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrambledStreamTypesAreDistinctFromClearOnes(t *testing.T) {
	assert.NotEqual(t, astits.StreamTypeH264, streamTypeH264ScrambledAES128CBC)
	assert.NotEqual(t, astits.StreamTypeAACAudio, streamTypeAACScrambledAES128CBC)
	assert.NotEqual(t, streamTypeH264ScrambledAES128CBC, streamTypeAACScrambledAES128CBC)
}

func TestSplitNALUnitsAndEncodeRoundTrip(t *testing.T) {
	bitstream := append([]byte{0, 0, 0, 1}, []byte{0x65, 0xAA, 0xBB}...)
	bitstream = append(bitstream, []byte{0, 0, 1}...)
	bitstream = append(bitstream, []byte{0x41, 0xCC, 0xDD}...)

	units, err := splitNALUnits(bitstream)
	require.NoError(t, err)
	require.Len(t, units, 2)

	assert.Equal(t, byte(5), units[0].unitType) // 0x65 & 0x1f == 5
	assert.Equal(t, 4, units[0].startCodeLength)
	assert.Equal(t, byte(1), units[1].unitType) // 0x41 & 0x1f == 1
	assert.Equal(t, 3, units[1].startCodeLength)

	assert.Equal(t, bitstream, append(units[0].encode(), units[1].encode()...))
}

func TestRemoveAddEmulationPreventionRoundTrip(t *testing.T) {
	original := []byte{0x01, 0x00, 0x00, 0x03, 0x02, 0x00, 0x00, 0x03, 0x01}
	stripped := removeEmulationPrevention(original)
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x02, 0x00, 0x00, 0x01}, stripped)
	assert.Equal(t, original, addEmulationPrevention(stripped))
}

func TestNALUnitDecryptSkipsNonSliceTypes(t *testing.T) {
	n := &nalUnit{unitType: 9, data: make([]byte, 64)}
	before := append([]byte(nil), n.data...)
	require.NoError(t, n.decrypt([16]byte{}, [16]byte{}))
	assert.Equal(t, before, n.data)
}

func TestNALUnitDecryptSkipsShortUnits(t *testing.T) {
	n := &nalUnit{unitType: 1, data: make([]byte, 48)}
	before := append([]byte(nil), n.data...)
	require.NoError(t, n.decrypt([16]byte{}, [16]byte{}))
	assert.Equal(t, before, n.data)
}

// TestNALUnitDecryptHandlesExactBlockBoundary exercises the previously
// off-by-one boundary: exactly 16 bytes of encrypted payload remaining
// after the unencrypted leader must still be decrypted, not skipped.
func TestNALUnitDecryptHandlesExactBlockBoundary(t *testing.T) {
	var key, iv [16]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	for i := range iv {
		iv[i] = byte(0xF0 + i)
	}

	plainBlock := []byte("1234567890ABCDEF") // 16 bytes, no zero bytes
	require.Len(t, plainBlock, 16)

	block, err := aes.NewCipher(key[:])
	require.NoError(t, err)
	cipherBlock := make([]byte, 16)
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(cipherBlock, plainBlock)

	// header byte (unitType=1) + 32-byte leader (with one emulation-prevention
	// triple so the raw length exceeds 48 while the post-strip clear length
	// lands at exactly 48, leaving exactly 16 bytes for the trailing block).
	data := []byte{0x01, 0x00, 0x00, 0x03}
	for len(data) < 33 {
		data = append(data, 0xAA)
	}
	data = append(data, cipherBlock...)
	require.Greater(t, len(data), 48)

	n := &nalUnit{unitType: 1, data: data}
	require.NoError(t, n.decrypt(key, iv))

	require.GreaterOrEqual(t, len(n.data), 16)
	assert.Equal(t, plainBlock, n.data[len(n.data)-16:])
}

func adtsHeaderBytes(frameLength int) []byte {
	return []byte{
		0xFF, 0xF1, 0x50,
		byte((frameLength >> 11) & 0x03),
		byte((frameLength >> 3) & 0xFF),
		byte((frameLength & 0x07) << 5),
		0x00,
	}
}

func TestDecryptAACFrameDecryptsSecondBlockOnly(t *testing.T) {
	var key, iv [16]byte
	for i := range key {
		key[i] = byte(i + 10)
	}
	for i := range iv {
		iv[i] = byte(i + 20)
	}

	leader := []byte("unencrypted-lead") // 16 bytes, passed through as-is
	require.Len(t, leader, 16)
	plainBlock := []byte("second-aac-block") // 16 bytes
	require.Len(t, plainBlock, 16)

	block, err := aes.NewCipher(key[:])
	require.NoError(t, err)
	cipherBlock := make([]byte, 16)
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(cipherBlock, plainBlock)

	payload := append(append([]byte{}, leader...), cipherBlock...)
	frameLength := 7 + len(payload)
	frame := append(adtsHeaderBytes(frameLength), payload...)
	require.Len(t, frame, frameLength)

	out, err := decryptAAC(frame, key, iv)
	require.NoError(t, err)

	assert.Equal(t, leader, out[7:23])
	assert.Equal(t, plainBlock, out[23:39])
}
