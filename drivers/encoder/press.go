package encoder

import "time"

// Press is a classified switch event. The values go on the wire in press
// frames, so they must not be renumbered.
type Press uint8

const (
	PressNone    Press = 0
	PressLong    Press = 1
	PressShort   Press = 2
	PressTimeout Press = 3 // still held after the stuck-down bound
)

func (p Press) String() string {
	switch p {
	case PressNone:
		return "none"
	case PressLong:
		return "long"
	case PressShort:
		return "short"
	case PressTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ParsePress is the inverse of String.
func ParsePress(s string) (Press, bool) {
	for _, p := range []Press{PressNone, PressLong, PressShort, PressTimeout} {
		if p.String() == s {
			return p, true
		}
	}
	return PressNone, false
}

// SwitchPressed classifies the pending press using the configured
// stuck-down bound. See Classify.
func (e *Encoder) SwitchPressed() Press { return e.Classify(0) }

// Classify returns the unconsumed press, if any. While the switch is down
// it sleeps on the encoder's clock in Timing.Poll slices until the switch
// is released or stuck has elapsed since the press began; in the latter
// case the press is marked timed out and PressTimeout is returned at once.
// stuck <= 0 selects Timing.StuckDown.
//
// A release older than Timing.Historic is consumed but reported as
// PressNone. Before Begin has completed there is nothing to classify.
func (e *Encoder) Classify(stuck time.Duration) Press {
	if !e.ready.Load() {
		return PressNone
	}
	if stuck <= 0 {
		stuck = e.timing.StuckDown
	}
	stuckMs := stuck.Milliseconds()
	s := &e.sw

	for {
		switch s.Status() {
		case StatusProcessed, StatusTimeout:
			return PressNone

		case StatusDown:
			if e.clock.NowMs()-s.firstDown.Load() >= stuckMs {
				if s.cas(StatusDown, StatusTimeout) {
					return PressTimeout
				}
				continue
			}
			e.clock.Sleep(e.timing.Poll)

		case StatusUp:
			firstDown, lastUp := s.firstDown.Load(), s.lastUp.Load()
			if !s.cas(StatusUp, StatusProcessed) {
				continue
			}
			if e.clock.NowMs()-lastUp > e.timing.Historic.Milliseconds() {
				return PressNone
			}
			if lastUp-firstDown >= e.timing.LongPress.Milliseconds() {
				return PressLong
			}
			return PressShort

		default:
			return PressNone
		}
	}
}
