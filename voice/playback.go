package voice

import "github.com/rodamaral/voicecommentary/codec"

// playbackStream is the transient decode-side wrapper over a stored Stream
// : it owns a decoder, an output accumulator, a
// pregap-discard counter and a one-shot postgap flag, and holds a
// reference and a lock on its source stream.
type playbackStream struct {
	stream *Stream
	dec    codec.Decoder
	log    logger

	nextPacket int
	accum      []int16

	pregapThrown  int
	postgapThrown bool
	eof           bool
}

func newPlaybackStream(s *Stream, log logger) *playbackStream {
	if log == nil {
		log = nopLogger{}
	}
	return &playbackStream{stream: s, dec: codec.NewDecoder(), log: log}
}

// decodeNext pulls the next packet (if any) into the accumulator, applying
// pregap discard immediately and postgap discard once, at end of stream.
// Decode errors degrade to a block of silence rather than
// aborting playback.
func (p *playbackStream) decodeNext() {
	if p.eof || p.nextPacket >= p.stream.PacketCount() {
		p.eof = true
		return
	}
	_, payload, err := p.stream.Packet(p.nextPacket)
	p.nextPacket++
	var pcm []int16
	if err != nil {
		p.log.Warnf("voice: playback read: %v", err)
		pcm = make([]int16, codec.FrameSamples)
	} else {
		var decErr error
		pcm, decErr = p.dec.Decode(payload)
		if decErr != nil {
			p.log.Warnf("voice: decode: %v", decErr)
		}
	}
	p.accum = append(p.accum, pcm...)

	for p.pregapThrown < p.stream.Pregap() && len(p.accum) > 0 {
		p.accum = p.accum[1:]
		p.pregapThrown++
	}

	if p.nextPacket >= p.stream.PacketCount() && !p.postgapThrown {
		p.postgapThrown = true
		pg := p.stream.Postgap()
		if pg > len(p.accum) {
			pg = len(p.accum)
		}
		p.accum = p.accum[:len(p.accum)-pg]
	}
	if len(p.accum) > OutputMax {
		p.accum = p.accum[:OutputMax]
	}
}

// produce returns up to n samples, decoding more packets as needed.
func (p *playbackStream) produce(n int) []int16 {
	for len(p.accum) < n && !p.eof {
		p.decodeNext()
	}
	take := n
	if take > len(p.accum) {
		take = len(p.accum)
	}
	out := make([]int16, n)
	copy(out, p.accum[:take])
	p.accum = p.accum[take:]
	return out
}

// finished reports whether this playback stream has reached its trailer
// and drained its output buffer.
func (p *playbackStream) finished() bool {
	return p.eof && len(p.accum) == 0
}

// skip discards n samples (used on a timeline jump to seed mid-stream
// playback): first from the accumulator, then whole undecoded packets
// while the remaining skip exceeds OpusConvergeMax (relying on the codec's
// convergence bound rather than decoding material that will be discarded
// anyway), then by decoding and discarding the remainder. Pregap is
// accounted as already-thrown on a skip.
func (p *playbackStream) skip(n int) {
	p.pregapThrown = p.stream.Pregap()

	for n > 0 && len(p.accum) > 0 {
		p.accum = p.accum[1:]
		n--
	}
	for n > OpusConvergeMax && p.nextPacket < p.stream.PacketCount() {
		n -= p.stream.packets[p.nextPacket].ticks * SamplesPerTick
		p.nextPacket++
	}
	for n > 0 && !p.eof {
		p.decodeNext()
		for n > 0 && len(p.accum) > 0 {
			p.accum = p.accum[1:]
			n--
		}
	}
}
