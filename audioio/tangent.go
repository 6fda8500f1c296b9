package audioio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// GPIOTangent watches a GPIO line as a hardware push-to-talk switch: a
// footswitch pulling the line low engages the tangent, releasing it
// disengages. The line is requested active-low with both edges reported,
// so onEdge(true) fires on press and onEdge(false) on release.
type GPIOTangent struct {
	line *gpiocdev.Line
}

// OpenGPIOTangent requests offset on chip (e.g. "gpiochip0") as a pulled-up
// input and delivers edges to onEdge from the gpiocdev event goroutine. No
// debounce period is configured, so every edge the kernel reports reaches
// onEdge. The
// callback should only flip the engine's tangent; anything slower belongs
// on the caller's side of a channel.
func OpenGPIOTangent(chip string, offset int, onEdge func(pressed bool)) (*GPIOTangent, error) {
	line, err := gpiocdev.RequestLine(chip, offset,
		gpiocdev.AsInput,
		gpiocdev.AsActiveLow,
		gpiocdev.WithPullUp,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			onEdge(evt.Type == gpiocdev.LineEventRisingEdge)
		}))
	if err != nil {
		return nil, fmt.Errorf("audioio: requesting tangent line %s:%d: %w", chip, offset, err)
	}
	return &GPIOTangent{line: line}, nil
}

// Pressed reads the line's current (active-low corrected) state.
func (t *GPIOTangent) Pressed() (bool, error) {
	v, err := t.line.Value()
	if err != nil {
		return false, fmt.Errorf("audioio: reading tangent line: %w", err)
	}
	return v != 0, nil
}

// Close releases the GPIO line.
func (t *GPIOTangent) Close() error {
	return t.line.Close()
}
