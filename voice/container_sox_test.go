package voice

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rodamaral/voicecommentary/codec"
)

func TestSoxExportHeader(t *testing.T) {
	fs := newTestFS(t)

	enc, err := codec.NewEncoder(codec.MaxBitrate)
	require.NoError(t, err)
	s := NewWriteStream(fs, 0)
	frame := make([]int16, codec.FrameSamples)
	for i := range frame {
		frame[i] = 1000
	}
	packet, err := enc.Encode(frame, 65535)
	require.NoError(t, err)
	require.NoError(t, s.Write(8, packet))
	s.SetPregap(100)
	s.SetPostgap(60)
	require.NoError(t, s.WriteTrailer())

	var buf bytes.Buffer
	require.NoError(t, ExportSox(&buf, s))

	raw := buf.Bytes()
	require.Equal(t, soxMagic[:], raw[0:8])
	total := binary.LittleEndian.Uint64(raw[8:16])
	require.Equal(t, uint64(codec.FrameSamples-100-60), total)
	rate := math.Float64frombits(binary.LittleEndian.Uint64(raw[16:24]))
	require.Equal(t, 48000.0, rate)
	require.Equal(t, uint64(1), binary.LittleEndian.Uint64(raw[24:32]))
	require.Len(t, raw, soxHeaderSize+int(total)*4)
}

func TestSoxImportRoundTrip(t *testing.T) {
	fs := newTestFS(t)

	// Two whole codec frames of a constant signal, which the reference
	// coder represents exactly.
	const total = 2 * codec.FrameSamples
	var buf bytes.Buffer
	var header [soxHeaderSize]byte
	copy(header[0:8], soxMagic[:])
	binary.LittleEndian.PutUint64(header[8:16], total)
	binary.LittleEndian.PutUint64(header[16:24], math.Float64bits(48000.0))
	binary.LittleEndian.PutUint64(header[24:32], 1)
	buf.Write(header[:])
	sample := make([]byte, 4)
	scaled := int32(float64(2000) / 32768.0 * soxSampleScale)
	for i := 0; i < total; i++ {
		binary.LittleEndian.PutUint32(sample, uint32(scaled))
		buf.Write(sample)
	}

	enc, err := codec.NewEncoder(codec.MaxBitrate)
	require.NoError(t, err)
	s, err := ImportSox(fs, &buf, 96000, enc)
	require.NoError(t, err)
	require.Equal(t, int64(96000), s.Timebase())
	require.Equal(t, 2, s.PacketCount())

	pcm, err := decodeStreamPCM(s)
	require.NoError(t, err)
	require.Len(t, pcm, total)
	for _, v := range pcm {
		require.InDelta(t, 2000, v, 1)
	}
}

func TestSoxImportRejectsBadMagicAndStereo(t *testing.T) {
	fs := newTestFS(t)
	enc, err := codec.NewEncoder(codec.MaxBitrate)
	require.NoError(t, err)

	_, err = ImportSox(fs, bytes.NewReader(make([]byte, soxHeaderSize)), 0, enc)
	require.ErrorIs(t, err, ErrBadContainer)

	var header [soxHeaderSize]byte
	copy(header[0:8], soxMagic[:])
	binary.LittleEndian.PutUint64(header[24:32], 2)
	_, err = ImportSox(fs, bytes.NewReader(header[:]), 0, enc)
	require.ErrorIs(t, err, ErrBadContainer)
}
