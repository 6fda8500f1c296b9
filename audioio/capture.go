// Package audioio wires the realtime engine's Capturer/Player interfaces
// to real hardware: a PortAudio capture/playback pair, an optional GPIO
// footswitch as a second tangent source, and a udev watcher that reports
// the capture device being hot-unplugged. Each wrapper is a small struct
// guarding a mutex and a handle, with Close to tear down and errors
// wrapped with context rather than panicking.
package audioio

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// Capture wraps one PortAudio input stream as a voice.Capturer.
type Capture struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	rate   int
}

// OpenCapture opens the named input device (by substring match against
// PortAudio's device list; "" selects the host API default) at the given
// native sample rate and block size.
func OpenCapture(deviceName string, rate, framesPerBuffer int) (*Capture, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("audioio: initializing portaudio: %w", err)
	}
	dev, err := findInputDevice(deviceName)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	c := &Capture{buf: make([]int16, framesPerBuffer), rate: rate}
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(rate),
		FramesPerBuffer: framesPerBuffer,
	}
	stream, err := portaudio.OpenStream(params, c.buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("audioio: opening capture stream on %q: %w", dev.Name, err)
	}
	c.stream = stream
	if err := c.stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("audioio: starting capture stream: %w", err)
	}
	return c, nil
}

// Read implements voice.Capturer: it blocks for one buffer's worth of
// native-rate samples and copies as many as fit into buf.
func (c *Capture) Read(buf []int16) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.stream.Read(); err != nil {
		return 0, fmt.Errorf("audioio: capture read: %w", err)
	}
	n := copy(buf, c.buf)
	return n, nil
}

func (c *Capture) NativeRate() int { return c.rate }

// Close stops and releases the underlying PortAudio stream.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.stream.Close()
	portaudio.Terminate()
	return err
}

func findInputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		return portaudio.DefaultInputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("audioio: listing devices: %w", err)
	}
	for _, d := range devices {
		if d.MaxInputChannels > 0 && containsFold(d.Name, name) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("audioio: no capture device matching %q", name)
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
