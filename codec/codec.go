// Package codec wraps the voice codec used by the commentary pipeline
// behind a small Encoder/Decoder interface, shaped after a typical Go Opus
// binding: decode always yields a fixed-size PCM block and an error rather
// than panicking, so a caller can substitute silence on failure without
// special-casing the codec.
//
// The reference implementation here is a small deterministic
// differential/run-length coder over 20ms (960-sample) frames. It is not a
// real perceptual codec; it exists so the rest of the pipeline (framing,
// pregap/postgap, mixing, container import/export) can be built, exercised
// and tested against a real Encoder/Decoder contract. A production build
// swaps this file for a libopus binding without touching any caller.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameSamples is the fixed frame size the engine always encodes/decodes,
// 20ms at 48kHz.
const FrameSamples = 960

// Lookahead is the number of samples this codec needs buffered before it
// can produce its first frame; the engine records it as a stream's pregap
// on the positive tangent edge.
const Lookahead = 120

var (
	ErrBitrateOutOfRange = errors.New("codec: bitrate out of range")
	ErrBadFrame          = errors.New("codec: malformed coded frame")
)

const (
	MinBitrate = 6000
	MaxBitrate = 510000
)

// ready is closed once the codec is usable. The reference coder is pure Go
// and usable immediately; a cgo libopus build would close this only after
// the shared library loads, which is what the engine's startup wait is for.
var ready = make(chan struct{})

func init() { close(ready) }

// Ready returns a channel closed once the codec can encode and decode.
func Ready() <-chan struct{} { return ready }

// Encoder turns fixed-size PCM frames into coded packets under a per-packet
// byte budget.
type Encoder interface {
	// Encode codes exactly FrameSamples of signed 16-bit PCM, producing a
	// packet no larger than maxBytes.
	Encode(pcm []int16, maxBytes int) ([]byte, error)
	SetBitrate(bps int) error
	Reset()
}

// Decoder turns coded packets back into fixed-size PCM frames. On a
// malformed packet it still returns FrameSamples of data (typically
// silence) plus a non-nil error, so callers can substitute without
// tracking frame size themselves.
type Decoder interface {
	Decode(packet []byte) (pcm []int16, err error)
}

// refEncoder is the reference differential/run-length coder.
type refEncoder struct {
	bitrate int
	prev    int16
}

// NewEncoder returns the reference Encoder: construct once, reuse, Reset
// on a fresh tangent edge.
func NewEncoder(bitrate int) (Encoder, error) {
	e := &refEncoder{}
	if err := e.SetBitrate(bitrate); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *refEncoder) Reset() { e.prev = 0 }

func (e *refEncoder) SetBitrate(bps int) error {
	if bps < MinBitrate || bps > MaxBitrate {
		return fmt.Errorf("%w: %d", ErrBitrateOutOfRange, bps)
	}
	e.bitrate = bps
	return nil
}

// Encode runs a simple delta + zig-zag + run-length scheme: consecutive
// identical deltas collapse into a single (delta, repeat-count) pair. This
// is not a perceptual codec; it exists only to give the pipeline a real
// Encoder/Decoder pair to move bytes through. It is lossless only when the
// coded frame fits the byte budget (the smaller of maxBytes and the
// bitrate's per-frame share); a larger frame is truncated as below.
func (e *refEncoder) Encode(pcm []int16, maxBytes int) ([]byte, error) {
	if len(pcm) != FrameSamples {
		return nil, fmt.Errorf("%w: expected %d samples, got %d", ErrBadFrame, FrameSamples, len(pcm))
	}
	budget := maxBytes
	if perFrameCap := e.bitrate / 8 / 50; perFrameCap > 0 && perFrameCap < budget {
		budget = perFrameCap
	}

	buf := make([]byte, 0, len(pcm)*2)
	prev := e.prev
	i := 0
	for i < len(pcm) {
		delta := int32(pcm[i]) - int32(prev)
		run := 1
		for i+run < len(pcm) && int32(pcm[i+run])-int32(pcm[i+run-1]) == delta && run < 255 {
			run++
		}
		z := zigzag32(delta)
		buf = appendVarint(buf, z)
		buf = append(buf, byte(run))
		prev = pcm[i+run-1]
		i += run
	}
	e.prev = prev
	if len(buf) > budget && budget > 0 {
		// Perceptual codecs degrade quality under a tight bitrate budget;
		// the reference coder instead truncates the tail runs, which still
		// decodes (short) without aborting the recording.
		buf = buf[:budget]
	}
	return buf, nil
}

type refDecoder struct {
	prev int16
}

func NewDecoder() Decoder { return &refDecoder{} }

func (d *refDecoder) Decode(packet []byte) ([]int16, error) {
	out := make([]int16, 0, FrameSamples)
	prev := d.prev
	i := 0
	var truncated error
	for len(out) < FrameSamples {
		if i >= len(packet) {
			truncated = ErrBadFrame
			break
		}
		z, n, ok := readVarint(packet[i:])
		if !ok {
			truncated = ErrBadFrame
			break
		}
		i += n
		if i >= len(packet) {
			truncated = ErrBadFrame
			break
		}
		run := int(packet[i])
		i++
		delta := unzigzag32(z)
		for r := 0; r < run && len(out) < FrameSamples; r++ {
			v := int32(prev) + delta
			prev = int16(v)
			out = append(out, prev)
		}
	}
	d.prev = prev
	for len(out) < FrameSamples {
		out = append(out, prev)
	}
	return out, truncated
}

func zigzag32(v int32) uint32   { return uint32((v << 1) ^ (v >> 31)) }
func unzigzag32(u uint32) int32 { return int32(u>>1) ^ -int32(u&1) }

func appendVarint(buf []byte, v uint32) []byte {
	var tmp [binary.MaxVarintLen32]byte
	n := binary.PutUvarint(tmp[:], uint64(v))
	return append(buf, tmp[:n]...)
}

func readVarint(buf []byte) (uint32, int, bool) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, 0, false
	}
	return uint32(v), n, true
}
