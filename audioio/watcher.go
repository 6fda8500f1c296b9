package audioio

import (
	"context"
	"fmt"

	"github.com/jochenvg/go-udev"
)

// DeviceWatcher follows udev add/remove events on the sound subsystem, so
// a caller can notice a USB microphone disappearing mid-session and try to
// reopen it. It is purely advisory; capture errors surface through the
// engine's normal error path either way.
type DeviceWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// WatchSoundDevices starts a udev netlink monitor filtered to the "sound"
// subsystem and calls onEvent(action, syspath) for every event until Close.
func WatchSoundDevices(onEvent func(action, syspath string)) (*DeviceWatcher, error) {
	u := udev.Udev{}
	m := u.NewMonitorFromNetlink("udev")
	if err := m.FilterAddMatchSubsystem("sound"); err != nil {
		return nil, fmt.Errorf("audioio: udev subsystem filter: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := m.DeviceChan(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("audioio: udev monitor: %w", err)
	}
	w := &DeviceWatcher{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		for d := range ch {
			onEvent(d.Action(), d.Syspath())
		}
	}()
	return w, nil
}

// Close stops the monitor and waits for the event goroutine to exit.
func (w *DeviceWatcher) Close() {
	w.cancel()
	<-w.done
}
