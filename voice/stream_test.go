package voice

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestFS(t require.TestingT) *FS {
	if h, ok := t.(interface{ Helper() }); ok {
		h.Helper()
	}
	fs, err := Format(NewMemStore())
	require.NoError(t, err)
	return fs
}

func TestStreamWriteReadRoundTrip(t *testing.T) {
	fs := newTestFS(t)
	s := NewWriteStream(fs, 48000)
	require.NoError(t, s.Write(8, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	require.NoError(t, s.Write(8, []byte{9, 9}))
	require.NoError(t, s.Write(8, []byte{}))
	s.SetPregap(120)
	s.SetPostgap(40)
	s.SetGain(256)
	require.NoError(t, s.WriteTrailer())

	r, err := OpenReadStream(fs, s.CtrlHead(), s.DataHead(), s.Timebase())
	require.NoError(t, err)
	require.Equal(t, 3, r.PacketCount())
	require.Equal(t, 120, r.Pregap())
	require.Equal(t, 40, r.Postgap())
	require.Equal(t, int16(256), r.Gain())
	require.Equal(t, int64(48000), r.Timebase())

	ticks, payload, err := r.Packet(0)
	require.NoError(t, err)
	require.Equal(t, 8, ticks)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, payload)

	_, payload, err = r.Packet(1)
	require.NoError(t, err)
	require.Equal(t, []byte{9, 9}, payload)

	_, payload, err = r.Packet(2)
	require.NoError(t, err)
	require.Empty(t, payload)

	wantLen := int64(3*8*SamplesPerTick) - 120 - 40
	require.Equal(t, wantLen, r.Length())
}

// TestAppendOverwritesTrailer checks the append-equals-overwrite-trailer
// invariant: writing a trailer, then appending another packet, must leave
// the control chain showing the packet immediately followed by a fresh
// trailer rather than growing the chain with a stale terminator in the
// middle.
func TestAppendOverwritesTrailer(t *testing.T) {
	fs := newTestFS(t)
	s := NewWriteStream(fs, 0)
	require.NoError(t, s.Write(4, []byte{1}))
	require.NoError(t, s.WriteTrailer())

	require.NoError(t, s.Write(4, []byte{2}))
	s.SetGain(10)
	require.NoError(t, s.WriteTrailer())

	r, err := OpenReadStream(fs, s.CtrlHead(), s.DataHead(), 0)
	require.NoError(t, err)
	require.Equal(t, 2, r.PacketCount())
	require.Equal(t, int16(10), r.Gain())

	_, p0, err := r.Packet(0)
	require.NoError(t, err)
	require.Equal(t, []byte{1}, p0)
	_, p1, err := r.Packet(1)
	require.NoError(t, err)
	require.Equal(t, []byte{2}, p1)
}

func TestOpenReadStreamEmptySlot(t *testing.T) {
	fs := newTestFS(t)
	r, err := OpenReadStream(fs, 0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 0, r.PacketCount())
}

func TestWriteRejectsBadTicksAndOversizePacket(t *testing.T) {
	fs := newTestFS(t)
	s := NewWriteStream(fs, 0)
	require.ErrorIs(t, s.Write(0, nil), ErrBadTicks)
	require.ErrorIs(t, s.Write(256, nil), ErrBadTicks)
	require.ErrorIs(t, s.Write(1, make([]byte, 65536)), ErrPacketTooLarge)
}

// TestStreamRoundTripProperty: for any sequence of packets written and
// trailer fields set, a fresh OpenReadStream must recover exactly the
// same packets, pregap, postgap and gain.
func TestStreamRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		fs := newTestFS(t)
		s := NewWriteStream(fs, rapid.Int64Range(0, 1<<40).Draw(t, "timebase"))

		n := rapid.IntRange(0, 12).Draw(t, "n")
		type want struct {
			ticks   int
			payload []byte
		}
		wants := make([]want, 0, n)
		for i := 0; i < n; i++ {
			ticks := rapid.IntRange(1, 255).Draw(t, "ticks")
			payload := rapid.SliceOfN(rapid.Byte(), 0, 40).Draw(t, "payload")
			require.NoError(t, s.Write(ticks, payload))
			wants = append(wants, want{ticks, payload})
		}
		pregap := rapid.IntRange(0, 1<<20).Draw(t, "pregap")
		postgap := rapid.IntRange(0, 1<<20).Draw(t, "postgap")
		gain := int16(rapid.IntRange(-32768, 32767).Draw(t, "gain"))
		s.SetPregap(pregap)
		s.SetPostgap(postgap)
		s.SetGain(gain)
		require.NoError(t, s.WriteTrailer())

		r, err := OpenReadStream(fs, s.CtrlHead(), s.DataHead(), s.Timebase())
		require.NoError(t, err)
		require.Equal(t, len(wants), r.PacketCount())
		require.Equal(t, pregap, r.Pregap())
		require.Equal(t, postgap, r.Postgap())
		require.Equal(t, gain, r.Gain())
		for i, w := range wants {
			ticks, payload, err := r.Packet(i)
			require.NoError(t, err)
			require.Equal(t, w.ticks, ticks)
			if len(w.payload) == 0 {
				require.Empty(t, payload)
			} else {
				require.Equal(t, w.payload, payload)
			}
		}
	})
}
