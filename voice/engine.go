package voice

import (
	"io"
	"sync"

	"github.com/rodamaral/voicecommentary/codec"
)

// Engine tuning constants.
const (
	OutputBlock     = 1440 // 30ms at 48kHz, one mixing block
	OutputMax       = 5760 // playback accumulator cap
	OpusConvergeMax = 5760 // skip() threshold before skipping whole packets undecoded

	DefaultBitrate    = 48000
	DefaultMaxBitrate = 255000
)

// Capturer is the audio-API surface the engine pulls microphone samples
// from. Implementations (e.g. audioio.Capture) are expected to resample to
// 48kHz internally or leave that to the engine's own resampler.
type Capturer interface {
	// Read returns up to len(buf) native-rate samples actually captured.
	Read(buf []int16) (int, error)
	// NativeRate is the capture device's sampling rate in Hz.
	NativeRate() int
}

// Player is the audio-API surface the engine pushes mixed output to.
type Player interface {
	// Write enqueues samples for playback, returning the number accepted.
	Write(buf []int16) (int, error)
	// Backlog reports how many native-rate samples are still queued.
	Backlog() int
	NativeRate() int
}

// Engine is the realtime voice commentary pipeline: capture→resample→encode
// on a positive tangent edge, and timeline-driven decode→mix→resample→
// playback. Tick runs one cooperative iteration; Start/Stop (run.go)
// wrap it in the ~15ms driver loop, or a test caller drives it directly.
type Engine struct {
	fs  *FS
	log logger

	timeMu      sync.Mutex
	currentTime int64
	haveFrame   bool
	lastFrame   int64
	lastFPS     float64

	collMu     sync.Mutex
	collection *Collection

	tangentMu   sync.Mutex
	tangentOn   bool
	active      *Stream
	encoder     codec.Encoder
	resampleBuf []int16
	bitrate     int
	maxBitrate  int

	playMu   sync.Mutex
	playback []*playbackStream

	capture Capturer
	player  Player

	runMu    sync.Mutex
	started  bool
	quitOnce sync.Once
	quit     chan struct{}
	done     chan struct{}
	store    io.Closer // backing file when the collection was opened by path
}

type logger interface {
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

// NewEngine constructs an Engine bound to fs; a collection is attached
// afterwards with LoadCollection or LoadCollectionFile. capture/player may
// be nil; Tick then skips the corresponding I/O step,
// which is convenient for tests that only exercise the timeline/mixing
// logic.
func NewEngine(fs *FS, capture Capturer, player Player) *Engine {
	return &Engine{
		fs:         fs,
		log:        Log.WithPrefix("engine"),
		capture:    capture,
		player:     player,
		bitrate:    DefaultBitrate,
		maxBitrate: DefaultMaxBitrate,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetLogger installs a structured logger (e.g. a charmbracelet/log child);
// nil resets to a no-op logger.
func (e *Engine) SetLogger(l logger) {
	if l == nil {
		l = nopLogger{}
	}
	e.log = l
}

// SetCapturer / SetPlayer attach (or detach, with nil) the audio-API
// endpoints after construction. Call before Start; neither is guarded
// against a concurrently running driver loop.
func (e *Engine) SetCapturer(c Capturer) { e.capture = c }
func (e *Engine) SetPlayer(p Player)     { e.player = p }

// SetBitrate / SetMaxBitrate configure the encoder, validated against the
// codec's supported range.
func (e *Engine) SetBitrate(bps int) error {
	if bps < codec.MinBitrate || bps > codec.MaxBitrate {
		return codec.ErrBitrateOutOfRange
	}
	e.bitrate = bps
	return nil
}

func (e *Engine) SetMaxBitrate(bps int) error {
	if bps < codec.MinBitrate || bps > codec.MaxBitrate {
		return codec.ErrBitrateOutOfRange
	}
	e.maxBitrate = bps
	return nil
}

// LoadCollection binds the active collection the timeline drives playback
// from; UnloadCollection (api.go) releases it, but not the underlying
// clusters.
func (e *Engine) LoadCollection(c *Collection) {
	e.collMu.Lock()
	defer e.collMu.Unlock()
	e.collection = c
}

func (e *Engine) currentCollection() *Collection {
	e.collMu.Lock()
	defer e.collMu.Unlock()
	return e.collection
}

// TangentOn raises the push-to-talk edge: if a collection is loaded and no
// recording is already in progress, begins a new Stream at the current
// timeline position, with the codec's lookahead recorded as pregap.
func (e *Engine) TangentOn() error {
	e.tangentMu.Lock()
	defer e.tangentMu.Unlock()
	if e.tangentOn {
		return nil
	}
	e.tangentOn = true
	if e.currentCollection() == nil || e.active != nil {
		return nil
	}
	enc, err := codec.NewEncoder(e.bitrate)
	if err != nil {
		return err
	}
	e.encoder = enc
	now := e.now()
	s := NewWriteStream(e.fs, now)
	s.SetPregap(codec.Lookahead)
	e.active = s
	e.resampleBuf = e.resampleBuf[:0]
	return nil
}

// TangentOff lowers the push-to-talk edge: seals the active stream with a
// trailer and adds it to the collection, which also locks it, so the next
// timeline update never double-starts it.
func (e *Engine) TangentOff() error {
	e.tangentMu.Lock()
	defer e.tangentMu.Unlock()
	e.tangentOn = false
	if e.active == nil {
		return nil
	}
	s := e.active
	e.active = nil
	if err := s.WriteTrailer(); err != nil {
		return err
	}
	if c := e.currentCollection(); c != nil {
		if _, err := c.Add(s); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) now() int64 {
	e.timeMu.Lock()
	defer e.timeMu.Unlock()
	return e.currentTime
}

// VoiceFrameNumber reports the emulator's current (frame, fps) each video
// frame, converting to 48kHz sample time and flagging a time
// jump when frame_number isn't the immediate successor of the previous one
// or fps changed.
func (e *Engine) VoiceFrameNumber(frameNumber int64, fps float64) {
	e.timeMu.Lock()
	newTime := int64(float64(frameNumber) * 48000 / fps)
	jump := !e.haveFrame || frameNumber != e.lastFrame+1 || !fpsEqual(fps, e.lastFPS)
	e.currentTime = newTime
	e.haveFrame = true
	e.lastFrame = frameNumber
	e.lastFPS = fps
	e.timeMu.Unlock()

	if jump {
		e.onJump(newTime)
	} else {
		e.onAdvance(newTime)
	}
}

func fpsEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-6
}

// onJump stops all playback streams, clears every stream's lock, and
// restarts playback for every stream covering now.
func (e *Engine) onJump(now int64) {
	c := e.currentCollection()
	e.playMu.Lock()
	stale := e.playback
	e.playback = nil
	e.playMu.Unlock()
	for _, p := range stale {
		_ = p.stream.PutRef()
	}
	if c == nil {
		return
	}
	c.mu.Lock()
	for _, id := range c.order {
		c.streams[id].Unlock()
	}
	c.mu.Unlock()

	for _, id := range c.StreamsAt(now) {
		s, err := c.Stream(id)
		if err != nil {
			continue
		}
		e.startPlayback(s, now)
	}
}

// onAdvance starts (unlocked) streams whose timebase falls in (prevTime,
// now], leaving locked streams alone.
func (e *Engine) onAdvance(now int64) {
	c := e.currentCollection()
	if c == nil {
		return
	}
	for _, id := range c.AllStreams() {
		s, err := c.Stream(id)
		if err != nil {
			continue
		}
		if s.IsLocked() {
			continue
		}
		if s.Timebase() > now {
			continue
		}
		if e.isPlaying(s) {
			continue
		}
		if now < s.Timebase() || now >= s.Timebase()+s.Length() {
			continue
		}
		e.startPlayback(s, now)
	}
}

func (e *Engine) isPlaying(s *Stream) bool {
	e.playMu.Lock()
	defer e.playMu.Unlock()
	for _, p := range e.playback {
		if p.stream == s {
			return true
		}
	}
	return false
}

func (e *Engine) startPlayback(s *Stream, now int64) {
	s.GetRef()
	s.Lock()
	p := newPlaybackStream(s, e.log)
	if skip := now - s.Timebase(); skip > 0 {
		p.skip(int(skip))
	}
	e.playMu.Lock()
	e.playback = append(e.playback, p)
	e.playMu.Unlock()
}

// Tick runs one cooperative iteration of the engine: tangent edges are
// handled by the caller via TangentOn/TangentOff; Tick drains capture,
// encodes, mixes active playback, and pushes to the player while its
// backlog stays under rate_out/30 samples, so playback
// latency can't grow without bound. It returns the mixed 48kHz block
// actually produced (useful for tests and for an export-while-recording
// style caller).
func (e *Engine) Tick() ([]int16, error) {
	if err := e.drainAndEncode(); err != nil {
		e.log.Warnf("voice: encode: %v", err)
	}
	mix := e.mix()
	if e.player != nil {
		rateOut := e.player.NativeRate()
		if e.player.Backlog() < rateOut/30 {
			out := resampleLinear(mix, 48000, rateOut)
			if _, err := e.player.Write(out); err != nil {
				e.log.Errorf("voice: playback write: %v", err)
			}
		}
	}
	return mix, nil
}

// drainAndEncode reads native-rate capture
// samples (capped at rate_in/40 per iteration), resample to 48kHz, and
// encode a 20ms frame whenever enough resampled audio has accumulated.
func (e *Engine) drainAndEncode() error {
	e.tangentMu.Lock()
	defer e.tangentMu.Unlock()
	if e.active == nil || e.capture == nil {
		return nil
	}
	rateIn := e.capture.NativeRate()
	capSamples := rateIn / 40
	if capSamples <= 0 {
		capSamples = 1
	}
	raw := make([]int16, capSamples)
	n, err := e.capture.Read(raw)
	if err != nil {
		return err
	}
	resampled := resampleLinear(raw[:n], rateIn, 48000)
	e.resampleBuf = append(e.resampleBuf, resampled...)

	for len(e.resampleBuf) >= codec.FrameSamples {
		frame := e.resampleBuf[:codec.FrameSamples]
		packet, err := e.encoder.Encode(frame, e.maxBitrate/8/50)
		if err != nil {
			e.log.Warnf("voice: encode dropped a frame: %v", err)
		} else if err := e.active.Write(8, packet); err != nil {
			return err
		}
		e.resampleBuf = append(e.resampleBuf[:0], e.resampleBuf[codec.FrameSamples:]...)
	}
	return nil
}

// mix decodes up to OutputBlock samples from every
// active playback stream, scale by linear gain, and sum. Streams whose
// decoder has reached the trailer and whose output buffer is drained are
// removed.
func (e *Engine) mix() []int16 {
	e.playMu.Lock()
	defer e.playMu.Unlock()

	out := make([]int32, OutputBlock)
	live := e.playback[:0]
	for _, p := range e.playback {
		block := p.produce(OutputBlock)
		gain := linearGain(p.stream.Gain())
		for i, v := range block {
			out[i] += int32(float64(v) * gain)
		}
		if !p.finished() {
			live = append(live, p)
		} else {
			p.stream.Unlock()
			_ = p.stream.PutRef()
		}
	}
	e.playback = live

	result := make([]int16, OutputBlock)
	for i, v := range out {
		result[i] = clampSample(v)
	}
	return result
}

// resampleLinear does straightforward linear-interpolation resampling; it
// is not a high-quality resampler, but it keeps sample count and timing
// correct, which is what the rest of the pipeline depends on.
func resampleLinear(in []int16, rateIn, rateOut int) []int16 {
	if len(in) == 0 || rateIn == rateOut {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	outLen := len(in) * rateOut / rateIn
	out := make([]int16, outLen)
	for i := range out {
		srcPos := float64(i) * float64(rateIn) / float64(rateOut)
		i0 := int(srcPos)
		if i0 >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := srcPos - float64(i0)
		out[i] = int16(float64(in[i0])*(1-frac) + float64(in[i0+1])*frac)
	}
	return out
}
