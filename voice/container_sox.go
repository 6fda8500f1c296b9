package voice

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// soxMagic is the 8-byte linear-PCM container signature,
// "2E 53 6F 58 1C 00 00 00": the header-size byte (0x1C) is baked into
// the magic itself.
var soxMagic = [8]byte{0x2E, 0x53, 0x6F, 0x58, 0x1C, 0x00, 0x00, 0x00}

const soxHeaderSize = 32
const soxSampleScale = 1 << 28

var ErrBadContainer = errors.New("voice: malformed container")

// ExportSox writes s as a "sox" linear-PCM file: 32-byte header (magic,
// total sample count, 48000.0 sample rate, mono) followed by signed
// 32-bit LE samples scaled by 2^28. Pregap/postgap are discarded and the
// stream's linear gain applied.
func ExportSox(w io.Writer, s *Stream) error {
	pcm, err := decodeStreamPCM(s)
	if err != nil {
		return err
	}
	gain := linearGain(s.Gain())

	var header [soxHeaderSize]byte
	copy(header[0:8], soxMagic[:])
	binary.LittleEndian.PutUint64(header[8:16], uint64(len(pcm)))
	binary.LittleEndian.PutUint64(header[16:24], math.Float64bits(48000.0))
	binary.LittleEndian.PutUint64(header[24:32], 1)
	if _, err := w.Write(header[:]); err != nil {
		return err
	}

	buf := make([]byte, 4)
	for _, v := range pcm {
		sample := int32(float64(v) / 32768.0 * soxSampleScale * gain)
		binary.LittleEndian.PutUint32(buf, uint32(sample))
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// ImportSox reads a "sox" linear-PCM file and re-encodes it into a fresh
// write-mode Stream at the given timebase.
func ImportSox(fs *FS, r io.Reader, timebase int64, enc interface {
	Encode(pcm []int16, maxBytes int) ([]byte, error)
}) (*Stream, error) {
	var header [soxHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrBadContainer, err)
	}
	if string(header[0:8]) != string(soxMagic[:]) {
		return nil, fmt.Errorf("%w: bad sox magic", ErrBadContainer)
	}
	total := binary.LittleEndian.Uint64(header[8:16])
	channels := binary.LittleEndian.Uint64(header[24:32])
	if channels != 1 {
		return nil, fmt.Errorf("%w: only mono sox files are supported", ErrBadContainer)
	}

	s := NewWriteStream(fs, timebase)
	frame := make([]int16, 0, frameSamplesConst)
	sampBuf := make([]byte, 4)
	for i := uint64(0); i < total; i++ {
		if _, err := io.ReadFull(r, sampBuf); err != nil {
			return nil, fmt.Errorf("%w: truncated sample data: %v", ErrBadContainer, err)
		}
		raw := int32(binary.LittleEndian.Uint32(sampBuf))
		frame = append(frame, int16(float64(raw)/soxSampleScale*32768.0))
		if len(frame) == frameSamplesConst {
			if err := encodeAndWrite(s, enc, frame); err != nil {
				return nil, err
			}
			frame = frame[:0]
		}
	}
	if len(frame) > 0 {
		for len(frame) < frameSamplesConst {
			frame = append(frame, 0)
		}
		if err := encodeAndWrite(s, enc, frame); err != nil {
			return nil, err
		}
	}
	if err := s.WriteTrailer(); err != nil {
		return nil, err
	}
	return s, nil
}

// frameSamplesConst is a local copy of codec.FrameSamples. ImportSox takes
// any value with the Encode method above rather than the codec.Encoder
// type; callers pass an already-constructed codec.Encoder.
const frameSamplesConst = 960

func encodeAndWrite(s *Stream, enc interface {
	Encode(pcm []int16, maxBytes int) ([]byte, error)
}, frame []int16) error {
	packet, err := enc.Encode(frame, 65535)
	if err != nil {
		return err
	}
	return s.Write(8, packet)
}
