package types

import (
	"errors"
	"fmt"
	"math"
)

// ------------------------
// Configuration ("config/knob")
// ------------------------

// KnobPins names the GPIO numbers of the encoder. A negative number means
// "not wired".
type KnobPins struct {
	A      int `yaml:"a" json:"a"`
	B      int `yaml:"b" json:"b"`
	Switch int `yaml:"switch" json:"switch"`
}

type KnobLimits struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

// KnobTiming overrides the decoder and classifier thresholds, all in
// milliseconds. Zero keeps the driver default.
type KnobTiming struct {
	VeryFastMs  int `yaml:"very_fast_ms,omitempty" json:"very_fast_ms,omitempty"`
	FastMs      int `yaml:"fast_ms,omitempty" json:"fast_ms,omitempty"`
	FastStep    int `yaml:"fast_step,omitempty" json:"fast_step,omitempty"`
	LongPressMs int `yaml:"long_press_ms,omitempty" json:"long_press_ms,omitempty"`
	StuckDownMs int `yaml:"stuck_down_ms,omitempty" json:"stuck_down_ms,omitempty"`
	HistoricMs  int `yaml:"historic_ms,omitempty" json:"historic_ms,omitempty"`
}

type KnobConfig struct {
	Label            string     `yaml:"label" json:"label"`
	Pins             KnobPins   `yaml:"pins" json:"pins"`
	Pull             string     `yaml:"pull" json:"pull"` // none|up|down
	SwitchActiveHigh bool       `yaml:"switch_active_high" json:"switch_active_high"`
	ACWLevel         bool       `yaml:"acw_level" json:"acw_level"`
	Wrap             *bool      `yaml:"wrap,omitempty" json:"wrap,omitempty"`
	Limits           KnobLimits `yaml:"limits" json:"limits"`
	Initial          *int       `yaml:"initial,omitempty" json:"initial,omitempty"`
	PollIntervalMs   int        `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	Timing           KnobTiming `yaml:"timing" json:"timing"`
}

const (
	DefaultKnobPollMs = 20
	DefaultKnobMax    = 255
	DefaultKnobLabel  = "knob"
)

var (
	ErrMissingPins = errors.New("pins a, b and switch are required")
	ErrBadLimits   = errors.New("limits.max must be greater than limits.min")
)

// Validate fills defaults and rejects configurations the driver cannot
// honour.
func (c *KnobConfig) Validate() error {
	if c.Pins.A < 0 || c.Pins.B < 0 || c.Pins.Switch < 0 {
		return ErrMissingPins
	}
	if c.Pins.A == c.Pins.B || c.Pins.A == c.Pins.Switch || c.Pins.B == c.Pins.Switch {
		return fmt.Errorf("pins must be distinct: a=%d b=%d switch=%d", c.Pins.A, c.Pins.B, c.Pins.Switch)
	}
	if c.Limits == (KnobLimits{}) {
		c.Limits.Max = DefaultKnobMax
	}
	if c.Limits.Max <= c.Limits.Min {
		return ErrBadLimits
	}
	if c.Limits.Min < math.MinInt16 || c.Limits.Max > math.MaxInt16 {
		return fmt.Errorf("limits %d..%d outside %d..%d", c.Limits.Min, c.Limits.Max, math.MinInt16, math.MaxInt16)
	}
	switch c.Pull {
	case "":
		c.Pull = "up"
	case "none", "up", "down":
	default:
		return fmt.Errorf("pull %q: want none, up or down", c.Pull)
	}
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = DefaultKnobPollMs
	}
	if c.Wrap == nil {
		on := true
		c.Wrap = &on
	}
	if c.Label == "" {
		c.Label = DefaultKnobLabel
	}
	return nil
}

// WrapOn reads Wrap with its default.
func (c *KnobConfig) WrapOn() bool { return c.Wrap == nil || *c.Wrap }

// ------------------------
// Published values ("knob/...")
// ------------------------

// PositionValue is retained on knob/position.
type PositionValue struct {
	Value int `json:"value"`
	Min   int `json:"min"`
	Max   int `json:"max"`
}

// Fraction maps the value onto 0..1000 across the bounds.
func (p PositionValue) Fraction() int {
	if p.Max <= p.Min {
		return 0
	}
	return (p.Value - p.Min) * 1000 / (p.Max - p.Min)
}

// SwitchValue is retained on knob/switch. Level is the raw pin level.
type SwitchValue struct {
	Level bool `json:"level"`
	Down  bool `json:"down"`
}

// PressEvent is published, not retained, on knob/press.
type PressEvent struct {
	Press string `json:"press"` // short|long|timeout
	TsMs  int64  `json:"ts_ms"`
}

// KnobState is retained on knob/state.
type KnobState struct {
	Level  string `json:"level"`  // idle|up|error
	Status string `json:"status"` // started, or an errcode
	Label  string `json:"label,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ------------------------
// Control ("knob/control/...")
// ------------------------

type SetPosition struct {
	Value int `json:"value"`
}

type Limits struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// ControlReply answers every control request. Outcome is
// applied|clamped|rejected when OK.
type ControlReply struct {
	OK      bool   `json:"ok"`
	Outcome string `json:"outcome,omitempty"`
	Value   int    `json:"value"`
	Error   string `json:"error,omitempty"`
}
