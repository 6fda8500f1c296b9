package voice

import (
	"time"

	"github.com/rodamaral/voicecommentary/codec"
)

// IterationTime is the driver loop's cadence.
const IterationTime = 15 * time.Millisecond

// Start launches the driver goroutine: it waits until the codec reports
// ready (or a quit request arrives), then runs Tick every IterationTime
// until Stop is called. The caller remains responsible for tangent edges
// and timeline notifications; this loop only supplies the cadence.
func (e *Engine) Start() {
	e.runMu.Lock()
	if e.started {
		e.runMu.Unlock()
		return
	}
	e.started = true
	e.runMu.Unlock()
	go e.run()
}

func (e *Engine) run() {
	defer close(e.done)
	select {
	case <-codec.Ready():
	case <-e.quit:
		return
	}
	ticker := time.NewTicker(IterationTime)
	defer ticker.Stop()
	for {
		select {
		case <-e.quit:
			return
		case <-ticker.C:
			if _, err := e.Tick(); err != nil {
				e.log.Warnf("voice: engine iteration: %v", err)
			}
		}
	}
}

// Stop terminates the driver goroutine (if running) and joins it, then
// flushes any in-flight recording with a final negative tangent edge. Safe
// to call more than once.
func (e *Engine) Stop() error {
	e.runMu.Lock()
	started := e.started
	e.runMu.Unlock()
	e.quitOnce.Do(func() { close(e.quit) })
	if started {
		<-e.done
	}
	return e.TangentOff()
}
