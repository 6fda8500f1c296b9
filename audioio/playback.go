package audioio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// Playback wraps one PortAudio output stream as a voice.Player. Samples
// queue in an internal buffer and drain to the device one block at a time;
// Backlog reports the queue depth so the engine can bound latency.
type Playback struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	queue  []int16
	rate   int
}

// OpenPlayback opens the named output device (substring match, "" for the
// default) at the given native rate and block size.
func OpenPlayback(deviceName string, rate, framesPerBuffer int) (*Playback, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("audioio: initializing portaudio: %w", err)
	}
	dev, err := findOutputDevice(deviceName)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	p := &Playback{buf: make([]int16, framesPerBuffer), rate: rate}
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(rate),
		FramesPerBuffer: framesPerBuffer,
	}
	stream, err := portaudio.OpenStream(params, p.buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("audioio: opening playback stream on %q: %w", dev.Name, err)
	}
	p.stream = stream
	if err := p.stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("audioio: starting playback stream: %w", err)
	}
	return p, nil
}

// Write implements voice.Player: it enqueues buf and drains whole device
// blocks to PortAudio, returning the number of samples accepted (always all
// of them; flow control is the engine's job via Backlog).
func (p *Playback) Write(buf []int16) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, buf...)
	for len(p.queue) >= len(p.buf) {
		copy(p.buf, p.queue[:len(p.buf)])
		p.queue = p.queue[len(p.buf):]
		if err := p.stream.Write(); err != nil {
			return len(buf), fmt.Errorf("audioio: playback write: %w", err)
		}
	}
	return len(buf), nil
}

// Backlog reports how many native-rate samples are queued but not yet
// handed to the device.
func (p *Playback) Backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Playback) NativeRate() int { return p.rate }

// Close stops and releases the underlying PortAudio stream.
func (p *Playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.stream.Close()
	portaudio.Terminate()
	return err
}

func findOutputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		return portaudio.DefaultOutputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("audioio: listing devices: %w", err)
	}
	for _, d := range devices {
		if d.MaxOutputChannels > 0 && containsFold(d.Name, name) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("audioio: no playback device matching %q", name)
}
