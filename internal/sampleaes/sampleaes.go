// Package sampleaes decrypts HLS Sample-AES protected MPEG-TS elementary
// streams: H.264 video (per-NAL-unit, slice types only) and ADTS AAC audio
// (per-frame), remuxing the clear elementary streams back into a
// standards-compliant TS container with PIDs and continuity counters
// preserved.
package sampleaes

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/asticode/go-astits"
)

// Scrambled stream types as HLS sample encryption marks them in the PMT:
// distinct registered stream_type values from the clear H.264/AAC ones, so
// a demuxed PES can be routed to decryption only when it's actually
// Sample-AES protected.
const (
	streamTypeH264ScrambledAES128CBC astits.StreamType = 0xDB
	streamTypeAACScrambledAES128CBC  astits.StreamType = 0xCF
)

type pesAccumulator struct {
	pid        uint16
	streamType astits.StreamType
	header     *astits.PESHeader
	data       []byte
}

// Decrypt reads a Sample-AES scrambled transport stream from r and writes
// the decrypted, re-muxed stream to w. key/iv apply to every scrambled
// elementary stream; HLS carries one key per segment, not per track.
func Decrypt(ctx context.Context, r io.Reader, w io.Writer, key, iv [16]byte) error {
	dmx := astits.NewDemuxer(ctx, r, astits.DemuxerOptPacketSize(188))
	mux := astits.NewMuxer(ctx, w)

	pending := make(map[uint16]*pesAccumulator)
	streamTypes := make(map[uint16]astits.StreamType)
	pmtConfigured := false

	flush := func(pid uint16) error {
		acc, ok := pending[pid]
		if !ok {
			return nil
		}
		delete(pending, pid)
		return writeDecrypted(mux, acc, key, iv)
	}

	for {
		data, err := dmx.NextData()
		if err == astits.ErrNoMorePackets || err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("sampleaes: demux: %w", err)
		}

		switch {
		case data.PMT != nil:
			if !pmtConfigured {
				if err := configureMuxer(mux, data.PMT, streamTypes); err != nil {
					return err
				}
				pmtConfigured = true
			}

		case data.PES != nil:
			pid := data.PID
			st, known := streamTypes[pid]
			if !known || (st != streamTypeH264ScrambledAES128CBC && st != streamTypeAACScrambledAES128CBC) {
				if err := mux.WriteData(&astits.MuxerData{PID: pid, PES: data.PES}); err != nil {
					return fmt.Errorf("sampleaes: passthrough pes: %w", err)
				}
				continue
			}

			if err := flush(pid); err != nil {
				return err
			}
			pending[pid] = &pesAccumulator{
				pid:        pid,
				streamType: st,
				header:     data.PES.Header,
				data:       append([]byte(nil), data.PES.Data...),
			}
		}
	}

	for pid := range pending {
		if err := flush(pid); err != nil {
			return err
		}
	}

	return nil
}

// configureMuxer mirrors the source PMT into the muxer, rewriting each
// scrambled stream type to its clear equivalent so downstream tools see a
// standard H.264/AAC stream.
func configureMuxer(mux *astits.Muxer, pmt *astits.PMTData, streamTypes map[uint16]astits.StreamType) error {
	for _, es := range pmt.ElementaryStreams {
		streamTypes[es.ElementaryPID] = es.StreamType
		clearType := es.StreamType
		switch es.StreamType {
		case streamTypeH264ScrambledAES128CBC:
			clearType = astits.StreamTypeH264
		case streamTypeAACScrambledAES128CBC:
			clearType = astits.StreamTypeAACAudio
		}
		if err := mux.AddElementaryStream(astits.PMTElementaryStream{
			ElementaryPID: es.ElementaryPID,
			StreamType:    clearType,
		}); err != nil {
			return fmt.Errorf("sampleaes: add elementary stream %d: %w", es.ElementaryPID, err)
		}
	}
	return nil
}

func writeDecrypted(mux *astits.Muxer, acc *pesAccumulator, key, iv [16]byte) error {
	var clear []byte
	var err error
	switch acc.streamType {
	case streamTypeH264ScrambledAES128CBC:
		clear, err = decryptH264(acc.data, key, iv)
	case streamTypeAACScrambledAES128CBC:
		clear, err = decryptAAC(acc.data, key, iv)
	default:
		clear = acc.data
	}
	if err != nil {
		return fmt.Errorf("sampleaes: pid %d: %w", acc.pid, err)
	}

	return mux.WriteData(&astits.MuxerData{
		PID: acc.pid,
		PES: &astits.PESData{
			Header: acc.header,
			Data:   clear,
		},
	})
}

// DecryptBytes is the allocation-friendly entry point used by the
// downloader, which already holds a segment fully in memory.
func DecryptBytes(ctx context.Context, data []byte, key, iv [16]byte) ([]byte, error) {
	var out bytes.Buffer
	if err := Decrypt(ctx, bytes.NewReader(data), &out, key, iv); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
