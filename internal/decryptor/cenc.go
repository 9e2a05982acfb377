// Package decryptor implements in-process segment decryption: AES-128-CBC
// for HLS and clear-key CENC for fragmented MP4. Sample-AES
// decryption of MPEG-TS elementary streams lives in the sibling sampleaes
// package, since it needs a TS demuxer rather than an MP4 box walk.
package decryptor

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"
)

// CENCDecryptor decrypts clear-key CENC-protected fragmented MP4, resolving
// each track's key by the KID carried in its own tenc box rather than a
// single key fixed at construction time, since one manifest's tracks may
// use different KIDs.
type CENCDecryptor struct {
	kidToKey map[string][16]byte
}

// NewCENC builds a decryptor from a kid (lowercase hex, no dashes) -> key map.
func NewCENC(kidToKey map[string][16]byte) *CENCDecryptor {
	return &CENCDecryptor{kidToKey: kidToKey}
}

func (d *CENCDecryptor) Enabled() bool {
	return len(d.kidToKey) > 0
}

// Decrypt decrypts combined init+segment data. If decryption is not
// enabled, returns the original data unchanged.
func (d *CENCDecryptor) Decrypt(combined []byte) ([]byte, error) {
	if !d.Enabled() {
		return combined, nil
	}

	segStart := findSegmentStart(combined)
	if segStart < 0 {
		return nil, fmt.Errorf("no media segment found in combined data")
	}

	initData := combined[:segStart]
	segData := combined[segStart:]

	initSeg, err := mp4.DecodeFile(bytes.NewReader(initData))
	if err != nil {
		return nil, fmt.Errorf("parse init segment: %w", err)
	}
	if initSeg.Init == nil {
		return nil, fmt.Errorf("no init segment found")
	}

	tenc, err := extractTencInfo(initSeg.Init)
	if err != nil {
		return combined, nil
	}

	key, ok := d.keyFor(tenc.defaultKID)
	if !ok {
		return nil, fmt.Errorf("no key for kid %s", hex.EncodeToString(tenc.defaultKID))
	}

	decryptedSeg, err := d.decryptSegmentData(segData, tenc, key)
	if err != nil {
		return nil, fmt.Errorf("decrypt segment: %w", err)
	}

	result := make([]byte, len(initData)+len(decryptedSeg))
	copy(result, initData)
	copy(result[len(initData):], decryptedSeg)
	return result, nil
}

func (d *CENCDecryptor) keyFor(kid []byte) ([16]byte, bool) {
	k, ok := d.kidToKey[hex.EncodeToString(kid)]
	return k, ok
}

// decryptSegmentData decrypts the media segment data in place (moof+mdat).
func (d *CENCDecryptor) decryptSegmentData(segData []byte, tenc *tencInfo, key [16]byte) ([]byte, error) {
	result := make([]byte, len(segData))
	copy(result, segData)

	offset := 0
	var moofData, mdatData []byte
	var mdatOffset int

	for offset+8 <= len(result) {
		size := getBoxSize(result, offset)
		if size < 8 || offset+size > len(result) {
			break
		}
		boxType := string(result[offset+4 : offset+8])
		switch boxType {
		case "moof":
			moofData = result[offset : offset+size]
		case "mdat":
			mdatOffset = offset
			mdatData = result[offset : offset+size]
		}
		offset += size
	}

	if moofData == nil || mdatData == nil {
		return result, nil
	}

	sencInfo, trunInfo, err := parseMoofForDecryption(moofData, tenc.defaultPerSampleIV)
	if err != nil {
		return nil, fmt.Errorf("parse moof: %w", err)
	}

	if sencInfo == nil || len(sencInfo.ivs) == 0 {
		if len(tenc.defaultConstantIV) == 0 {
			return result, nil
		}
	}

	mdatHeaderSize := 8
	if len(mdatData) >= 8 && binary.BigEndian.Uint32(mdatData[0:4]) == 1 {
		mdatHeaderSize = 16
	}

	sampleOffset := 0
	for i, sample := range trunInfo.samples {
		if sampleOffset+int(sample.size) > len(mdatData)-mdatHeaderSize {
			break
		}

		var iv []byte
		if sencInfo != nil && i < len(sencInfo.ivs) {
			iv = sencInfo.ivs[i]
		}
		if len(iv) == 0 {
			iv = tenc.defaultConstantIV
		}
		if len(iv) == 0 {
			sampleOffset += int(sample.size)
			continue
		}
		if len(iv) == 8 {
			padded := make([]byte, 16)
			copy(padded, iv)
			iv = padded
		}

		var subsamples []subsampleEntry
		if sencInfo != nil && i < len(sencInfo.subsamples) {
			subsamples = sencInfo.subsamples[i]
		}

		sampleData := result[mdatOffset+mdatHeaderSize+sampleOffset : mdatOffset+mdatHeaderSize+sampleOffset+int(sample.size)]
		if err := decryptSampleCTR(key, sampleData, iv, subsamples); err != nil {
			return nil, fmt.Errorf("decrypt sample %d: %w", i, err)
		}
		sampleOffset += int(sample.size)
	}

	return result, nil
}

// decryptSampleCTR decrypts a single sample in-place using AES-CTR.
func decryptSampleCTR(key [16]byte, sample []byte, iv []byte, subsamples []subsampleEntry) error {
	if len(sample) == 0 || len(iv) == 0 {
		return nil
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return err
	}

	ivCopy := make([]byte, 16)
	copy(ivCopy, iv)

	if len(subsamples) == 0 {
		stream := cipher.NewCTR(block, ivCopy)
		stream.XORKeyStream(sample, sample)
		return nil
	}

	offset := 0
	for _, sub := range subsamples {
		offset += int(sub.clearBytes)
		if offset+int(sub.protectedBytes) > len(sample) {
			break
		}
		stream := cipher.NewCTR(block, ivCopy)
		stream.XORKeyStream(sample[offset:offset+int(sub.protectedBytes)], sample[offset:offset+int(sub.protectedBytes)])
		blocks := (int(sub.protectedBytes) + 15) / 16
		incrementIV(ivCopy, blocks)
		offset += int(sub.protectedBytes)
	}

	return nil
}
