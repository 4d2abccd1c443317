// Package encoder drives a two-phase quadrature rotary encoder with a
// momentary push switch, entirely from edge interrupts:
//
//	enc := encoder.New(clock)
//	err := enc.Begin(encoder.DefaultConfig(pinA, pinB, pinSw))
//	pos := enc.Position()            // bounded counter, updated by the phase A ISR
//	switch enc.SwitchPressed() {     // polled; may block while the switch is held
//	case encoder.PressShort, encoder.PressLong:
//	}
//
// The phase A handler runs on the falling edge and reads phase B to decide
// direction. Edges closer than Timing.VeryFast to the last accepted edge are
// dropped as contact noise; edges closer than Timing.Fast step by
// Timing.FastStep instead of 1. The switch handler runs on both edges and
// only moves a small state machine; classification happens in the polling
// context.
//
// Every field shared between the handlers and the poller is an atomic owned
// by the Encoder. Handlers never block, log or allocate.
package encoder

import (
	"sync/atomic"
	"time"

	"knobcode-go/errcode"
	"knobcode-go/internal/halcore"
	"knobcode-go/x/timex"
)

// Defaults, in milliseconds unless noted.
const (
	DefaultVeryFastMs  = 6    // edges quicker than this are ignored
	DefaultFastMs      = 35   // edges quicker than this take a fast step
	DefaultFastStep    = 10   // step size when rotated fast
	DefaultLongPressMs = 700  // long press threshold
	DefaultStuckDownMs = 5000 // switch held this long reports PressTimeout
	DefaultHistoricMs  = 500  // releases older than this are not reported
	DefaultPollMs      = 5    // sleep slice while waiting out a held switch

	DefaultPosition = 32
	DefaultMin      = 0
	DefaultMax      = 255
)

// Timing tunes the decoder and classifier. Zero fields take the defaults.
type Timing struct {
	VeryFast  time.Duration
	Fast      time.Duration
	FastStep  int
	LongPress time.Duration
	StuckDown time.Duration
	Historic  time.Duration
	Poll      time.Duration
}

func (t Timing) withDefaults() Timing {
	ms := func(d *time.Duration, def int) {
		if *d <= 0 {
			*d = time.Duration(def) * time.Millisecond
		}
	}
	ms(&t.VeryFast, DefaultVeryFastMs)
	ms(&t.Fast, DefaultFastMs)
	ms(&t.LongPress, DefaultLongPressMs)
	ms(&t.StuckDown, DefaultStuckDownMs)
	ms(&t.Historic, DefaultHistoricMs)
	ms(&t.Poll, DefaultPollMs)
	if t.FastStep <= 0 {
		t.FastStep = DefaultFastStep
	}
	if t.FastStep > maxPos {
		t.FastStep = maxPos
	}
	return t
}

// Config wires the encoder to its pins.
type Config struct {
	PinA      halcore.IRQPin  // primary phase, falling-edge interrupt
	PinB      halcore.GPIOPin // secondary phase, level read only
	PinSwitch halcore.IRQPin  // push switch, interrupt on both edges

	// Pull applied to all three inputs. Encoders with external pull-ups and
	// RC filters want PullNone.
	Pull halcore.Pull

	// Wrap makes the position continue from the opposite bound instead of
	// sticking at the limit.
	Wrap bool

	// ACWLevel is the phase B level, sampled on a phase A falling edge, that
	// means anti-clockwise rotation.
	ACWLevel bool

	// SwitchActiveHigh selects a switch that reads high when pushed. The
	// default is a switch to ground with a pull-up.
	SwitchActiveHigh bool

	Timing Timing
}

// DefaultConfig returns the conventional wiring: wrap on, phase B low means
// anti-clockwise, active-low switch.
func DefaultConfig(a halcore.IRQPin, b halcore.GPIOPin, sw halcore.IRQPin) Config {
	return Config{PinA: a, PinB: b, PinSwitch: sw, Wrap: true}
}

// Outcome reports what a setter did.
type Outcome uint8

const (
	Applied  Outcome = iota // value stored as given
	Clamped                 // value moved onto the nearest bound
	Rejected                // nothing changed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Clamped:
		return "clamped"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Stats counts phase A edges since Begin.
type Stats struct {
	Accepted uint32
	Fast     uint32
	Ignored  uint32
}

// Encoder is the consumer-facing façade. The zero value is not usable; call
// New.
type Encoder struct {
	clock  timex.Clock
	timing Timing

	counter *PositionCounter
	sw      SwitchState
	rot     *RotationHandler
	swh     *SwitchHandler

	pinA  halcore.IRQPin
	swPin halcore.IRQPin

	started atomic.Bool // Begin claimed
	ready   atomic.Bool // Begin completed
}

// New returns an encoder with the default position and bounds. A nil clock
// selects the system clock.
func New(clock timex.Clock) *Encoder {
	if clock == nil {
		clock = timex.NewSystem()
	}
	e := &Encoder{
		clock:   clock,
		timing:  Timing{}.withDefaults(),
		counter: NewPositionCounter(DefaultPosition, DefaultMin, DefaultMax, true),
	}
	e.sw.status.Store(uint32(StatusProcessed))
	return e
}

// Begin configures the pins, seeds the switch state from the live switch
// level and attaches both edge handlers. It may only succeed once.
func (e *Encoder) Begin(cfg Config) error {
	const op = "encoder.begin"
	if cfg.PinA == nil || cfg.PinB == nil || cfg.PinSwitch == nil {
		return &errcode.E{C: errcode.InvalidParams, Op: op, Msg: "pins A, B and switch are required"}
	}
	if !e.started.CompareAndSwap(false, true) {
		return &errcode.E{C: errcode.Busy, Op: op, Msg: "already started"}
	}

	e.timing = cfg.Timing.withDefaults()
	e.counter.SetWrap(cfg.Wrap)

	for _, p := range []halcore.GPIOPin{cfg.PinA, cfg.PinB, cfg.PinSwitch} {
		if err := p.ConfigureInput(cfg.Pull); err != nil {
			e.started.Store(false)
			return errcode.Wrap(errcode.Error, op, err)
		}
	}

	e.rot = &RotationHandler{
		counter:  e.counter,
		clock:    e.clock,
		phaseB:   cfg.PinB,
		acwLevel: cfg.ACWLevel,
		veryFast: e.timing.VeryFast.Milliseconds(),
		fast:     e.timing.Fast.Milliseconds(),
		fastStep: int16(e.timing.FastStep),
	}
	e.swh = &SwitchHandler{
		pin:       cfg.PinSwitch,
		activeLow: !cfg.SwitchActiveHigh,
		clock:     e.clock,
		state:     &e.sw,
	}
	e.sw.seed(e.swh.pressed(), e.clock.NowMs())

	if err := cfg.PinA.SetIRQ(halcore.EdgeFalling, e.rot.OnEdge); err != nil {
		e.started.Store(false)
		return errcode.Wrap(errcode.Error, op, err)
	}
	if err := cfg.PinSwitch.SetIRQ(halcore.EdgeBoth, e.swh.OnEdge); err != nil {
		_ = cfg.PinA.ClearIRQ()
		e.started.Store(false)
		return errcode.Wrap(errcode.Error, op, err)
	}
	e.pinA, e.swPin = cfg.PinA, cfg.PinSwitch
	e.ready.Store(true)
	return nil
}

// Close detaches both handlers. State is kept, so Position and Bounds keep
// answering.
func (e *Encoder) Close() error {
	if !e.ready.Load() {
		return nil
	}
	errA := e.pinA.ClearIRQ()
	errS := e.swPin.ClearIRQ()
	if errA != nil {
		return errA
	}
	return errS
}

// Started reports whether Begin has succeeded.
func (e *Encoder) Started() bool { return e.ready.Load() }

// Position returns the current counter value.
func (e *Encoder) Position() int { return e.counter.Value() }

// SetPosition stores v, clamped into the current bounds.
func (e *Encoder) SetPosition(v int) Outcome { return e.counter.Set(v) }

// Limits replaces the bounds and re-clamps the position. Rejected when
// max <= min; bounds and position are then untouched.
func (e *Encoder) Limits(min, max int) Outcome { return e.counter.SetLimits(min, max) }

// Bounds returns the current limits.
func (e *Encoder) Bounds() (min, max int) { return e.counter.Bounds() }

// Snapshot returns value and bounds read together.
func (e *Encoder) Snapshot() (value, min, max int) { return e.counter.Snapshot() }

func (e *Encoder) Wrap() bool      { return e.counter.Wrap() }
func (e *Encoder) SetWrap(on bool) { e.counter.SetWrap(on) }

// SwitchState returns the raw switch level, independent of the press state
// machine. With the default active-low wiring true means not pushed. Before
// Begin it reports the idle level.
func (e *Encoder) SwitchState() bool {
	if !e.ready.Load() {
		return true
	}
	return e.swh.pin.Get()
}

// SwitchDown reports whether the switch is physically pushed right now.
func (e *Encoder) SwitchDown() bool {
	if !e.ready.Load() {
		return false
	}
	return e.swh.pressed()
}

// Status exposes the press state machine, mostly for diagnostics.
func (e *Encoder) Status() SwitchStatus { return e.sw.Status() }

// Stats returns phase A edge counters.
func (e *Encoder) Stats() Stats {
	if !e.ready.Load() {
		return Stats{}
	}
	return Stats{
		Accepted: e.rot.accepted.Load(),
		Fast:     e.rot.fastSteps.Load(),
		Ignored:  e.rot.ignored.Load(),
	}
}
