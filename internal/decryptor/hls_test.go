package decryptor

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func encryptCBC(t *testing.T, plaintext, key, iv []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext
}

func TestHLSDecryptorRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 16)
	iv := bytes.Repeat([]byte{0x24}, 16)
	plaintext := []byte("this is a sample HLS media segment payload")

	ciphertext := encryptCBC(t, plaintext, key, iv)

	dec := NewHLSDecryptor()
	got, err := dec.Decrypt(ciphertext, key, iv)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestHLSDecryptorRejectsShortKey(t *testing.T) {
	dec := NewHLSDecryptor()
	_, err := dec.Decrypt(make([]byte, 32), make([]byte, 8), make([]byte, 16))
	assert.Error(t, err)
}

func TestHLSDecryptorRejectsMisalignedCiphertext(t *testing.T) {
	dec := NewHLSDecryptor()
	key := bytes.Repeat([]byte{0x01}, 16)
	iv := bytes.Repeat([]byte{0x02}, 16)
	_, err := dec.Decrypt(make([]byte, 17), key, iv)
	assert.Error(t, err)
}

func TestHLSDecryptorDefaultsZeroIV(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 16)
	zeroIV := make([]byte, 16)
	plaintext := []byte("zero iv fallback payload test!!")
	ciphertext := encryptCBC(t, plaintext, key, zeroIV)

	dec := NewHLSDecryptor()
	got, err := dec.Decrypt(ciphertext, key, nil)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestParseIV(t *testing.T) {
	iv, err := ParseIV("0x000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f}, iv)

	iv, err = ParseIV("")
	require.NoError(t, err)
	assert.Nil(t, iv)
}

func TestParseIVPadsShortValues(t *testing.T) {
	iv, err := ParseIV("ff")
	require.NoError(t, err)
	require.Len(t, iv, 16)
	assert.Equal(t, byte(0xff), iv[15])
	assert.Equal(t, byte(0x00), iv[0])
}

func TestSegmentIV(t *testing.T) {
	iv := SegmentIV(1)
	expected := make([]byte, 16)
	expected[15] = 1
	assert.Equal(t, expected, iv)

	iv = SegmentIV(256)
	expected = make([]byte, 16)
	expected[14] = 1
	assert.Equal(t, expected, iv)
}
