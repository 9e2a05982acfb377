package sampleaes

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// nalUnit is one NAL unit as it appears inside an H.264 elementary stream,
// with its Annex B start code length preserved so it can be re-emitted
// byte-identically aside from the decrypted payload.
type nalUnit struct {
	data            []byte
	unitType        byte
	startCodeLength int
}

// splitNALUnits walks an Annex B byte stream (3- or 4-byte start codes) and
// returns each NAL unit in order.
func splitNALUnits(data []byte) ([]nalUnit, error) {
	var units []nalUnit
	for len(data) > 0 {
		scLen := startCodeLength(data)
		if scLen == 0 {
			return nil, fmt.Errorf("sampleaes: missing Annex B start code")
		}
		rest := data[scLen:]
		next := bytes.Index(rest, []byte{0x00, 0x00, 0x01})
		var end int
		if next < 0 {
			end = len(data)
		} else {
			end = scLen + next
			if next > 0 && rest[next-1] == 0x00 {
				end--
			}
		}
		payload := data[scLen:end]
		if len(payload) == 0 {
			data = data[end:]
			continue
		}
		units = append(units, nalUnit{
			data:            append([]byte(nil), payload...),
			unitType:        payload[0] & 0x1f,
			startCodeLength: scLen,
		})
		data = data[end:]
	}
	return units, nil
}

func startCodeLength(data []byte) int {
	switch {
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{0, 0, 0, 1}):
		return 4
	case len(data) >= 3 && bytes.Equal(data[:3], []byte{0, 0, 1}):
		return 3
	default:
		return 0
	}
}

// removeEmulationPrevention strips the 0x03 emulation-prevention byte from
// any 0x00 0x00 0x03 run, as required before decrypting a NAL unit's
// payload.
func removeEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		if i+3 <= len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 {
			out = append(out, 0, 0)
			i += 3
			continue
		}
		out = append(out, data[i])
		i++
	}
	return out
}

// addEmulationPrevention re-inserts 0x03 bytes before any byte that would
// otherwise form a 0x00 0x00 0x0{0,1,2,3} run, so the re-muxed stream stays
// Annex B compliant after decryption.
func addEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/8)
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b <= 3 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

// decrypt applies the HLS Sample-AES pattern for slice NAL units (IDR and
// non-IDR, types 5 and 1): a 32-byte unencrypted leader (1-byte header +
// 31-byte leader), then alternating 16-byte encrypted blocks and
// unencrypted runs of up to 144 bytes, repeating until the unit is
// exhausted. NAL units of other types, and units of 48 bytes or less, pass
// through unencrypted.
func (n *nalUnit) decrypt(key, iv [16]byte) error {
	if n.unitType != 5 && n.unitType != 1 {
		return nil
	}
	if len(n.data) <= 48 {
		return nil
	}

	clear := removeEmulationPrevention(n.data)
	if len(clear) < 32 {
		return nil
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return err
	}
	dec := cipher.NewCBCDecrypter(block, iv[:])

	pos := clear[32:]
	for len(pos) > 0 {
		if len(pos) >= 16 {
			dec.CryptBlocks(pos[:16], pos[:16])
			pos = pos[16:]
		}
		skip := 144
		if skip > len(pos) {
			skip = len(pos)
		}
		pos = pos[skip:]
	}

	n.data = addEmulationPrevention(clear)
	return nil
}

func (n *nalUnit) encode() []byte {
	sc := []byte{0, 0, 1}
	if n.startCodeLength == 4 {
		sc = []byte{0, 0, 0, 1}
	}
	out := make([]byte, 0, len(sc)+len(n.data))
	out = append(out, sc...)
	out = append(out, n.data...)
	return out
}

// decryptH264 decrypts every slice NAL unit in one PES payload.
func decryptH264(payload []byte, key, iv [16]byte) ([]byte, error) {
	units, err := splitNALUnits(payload)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	for i := range units {
		if err := units[i].decrypt(key, iv); err != nil {
			return nil, fmt.Errorf("decrypt nal unit %d (type %d): %w", i, units[i].unitType, err)
		}
		out.Write(units[i].encode())
	}
	return out.Bytes(), nil
}
