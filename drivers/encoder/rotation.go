package encoder

import (
	"sync/atomic"

	"knobcode-go/internal/halcore"
	"knobcode-go/x/timex"
)

// RotationHandler is the phase A falling-edge handler. Its timing state is
// private and survives between edges.
type RotationHandler struct {
	counter  *PositionCounter
	clock    timex.Clock
	phaseB   halcore.GPIOPin
	acwLevel bool

	veryFast int64 // ms
	fast     int64 // ms
	fastStep int16

	lastAccepted atomic.Int64 // ms, valid once primed is set
	primed       atomic.Bool

	accepted  atomic.Uint32
	fastSteps atomic.Uint32
	ignored   atomic.Uint32
}

// OnEdge runs in interrupt context.
func (h *RotationHandler) OnEdge() {
	now := h.clock.NowMs()

	step := int16(1)
	if h.primed.Load() {
		elapsed := now - h.lastAccepted.Load()
		if elapsed < h.veryFast {
			// contact noise: no position change, timestamp kept
			h.ignored.Add(1)
			return
		}
		if elapsed < h.fast {
			step = h.fastStep
			h.fastSteps.Add(1)
		}
	}

	dir := 1
	if h.phaseB.Get() == h.acwLevel {
		dir = -1
	}
	h.counter.Step(step, dir)

	h.lastAccepted.Store(now)
	h.primed.Store(true)
	h.accepted.Add(1)
}
