package encoder

import (
	"sync/atomic"

	"knobcode-go/internal/halcore"
	"knobcode-go/x/timex"
)

// SwitchStatus is the press state machine shared by the switch handler and
// the classifier.
type SwitchStatus uint32

const (
	StatusDown      SwitchStatus = iota // handler saw the switch go down
	StatusUp                            // released, not yet classified
	StatusProcessed                     // classified and reported
	StatusTimeout                       // held too long; reported as PressTimeout
)

func (s SwitchStatus) String() string {
	switch s {
	case StatusDown:
		return "down"
	case StatusUp:
		return "up"
	case StatusProcessed:
		return "processed"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// SwitchState holds the status and the two press timestamps. The handler
// writes the timestamps before publishing a status, so a reader that sees
// the status also sees the matching time.
type SwitchState struct {
	status    atomic.Uint32
	firstDown atomic.Int64 // ms
	lastUp    atomic.Int64 // ms
}

func (s *SwitchState) Status() SwitchStatus { return SwitchStatus(s.status.Load()) }

func (s *SwitchState) cas(from, to SwitchStatus) bool {
	return s.status.CompareAndSwap(uint32(from), uint32(to))
}

// seed sets the initial status from the live level so a switch already held
// at start-up begins as a press in progress.
func (s *SwitchState) seed(pressed bool, now int64) {
	if pressed {
		s.firstDown.Store(now)
		s.status.Store(uint32(StatusDown))
		return
	}
	s.status.Store(uint32(StatusProcessed))
}

// press only starts a new press cycle once the previous one was consumed,
// so bounce in the middle of a press keeps the original firstDown.
func (s *SwitchState) press(now int64) {
	for {
		cur := s.Status()
		if cur == StatusProcessed || cur == StatusTimeout {
			s.firstDown.Store(now)
		}
		if s.cas(cur, StatusDown) {
			return
		}
	}
}

// release absorbs the end of a press already reported as timed out.
func (s *SwitchState) release(now int64) {
	for {
		cur := s.Status()
		if cur == StatusTimeout {
			if s.cas(StatusTimeout, StatusProcessed) {
				return
			}
			continue
		}
		s.lastUp.Store(now)
		if s.cas(cur, StatusUp) {
			return
		}
	}
}

// SwitchHandler is the switch pin handler, armed on both edges.
type SwitchHandler struct {
	pin       halcore.GPIOPin
	activeLow bool
	clock     timex.Clock
	state     *SwitchState
}

func (h *SwitchHandler) pressed() bool { return h.pin.Get() != h.activeLow }

// OnEdge runs in interrupt context.
func (h *SwitchHandler) OnEdge() {
	now := h.clock.NowMs()
	if h.pressed() {
		h.state.press(now)
	} else {
		h.state.release(now)
	}
}
