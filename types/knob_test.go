package types

import (
	"errors"
	"testing"
)

func TestKnobConfigValidateDefaults(t *testing.T) {
	c := KnobConfig{Pins: KnobPins{A: 2, B: 3, Switch: 4}}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.Limits.Min != 0 || c.Limits.Max != DefaultKnobMax {
		t.Fatalf("limits = %+v", c.Limits)
	}
	if c.Pull != "up" || c.PollIntervalMs != DefaultKnobPollMs || !c.WrapOn() || c.Label != DefaultKnobLabel {
		t.Fatalf("defaults not applied: %+v", c)
	}
}

func TestKnobConfigValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		cfg  KnobConfig
		want error
	}{
		{"missing switch", KnobConfig{Pins: KnobPins{A: 2, B: 3, Switch: -1}}, ErrMissingPins},
		{"inverted limits", KnobConfig{Pins: KnobPins{A: 2, B: 3, Switch: 4}, Limits: KnobLimits{Min: 10, Max: 5}}, ErrBadLimits},
		{"equal limits", KnobConfig{Pins: KnobPins{A: 2, B: 3, Switch: 4}, Limits: KnobLimits{Min: 5, Max: 5}}, ErrBadLimits},
	}
	for _, c := range cases {
		if err := c.cfg.Validate(); !errors.Is(err, c.want) {
			t.Errorf("%s: err = %v, want %v", c.name, err, c.want)
		}
	}

	for _, bad := range []KnobConfig{
		{Pins: KnobPins{A: 2, B: 2, Switch: 4}},
		{Pins: KnobPins{A: 2, B: 3, Switch: 4}, Limits: KnobLimits{Min: 0, Max: 70000}},
		{Pins: KnobPins{A: 2, B: 3, Switch: 4}, Pull: "sideways"},
	} {
		if err := bad.Validate(); err == nil {
			t.Errorf("expected error for %+v", bad)
		}
	}
}

func TestExplicitWrapOffSurvivesValidate(t *testing.T) {
	off := false
	c := KnobConfig{Pins: KnobPins{A: 2, B: 3, Switch: 4}, Wrap: &off}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.WrapOn() {
		t.Fatal("wrap forced back on")
	}
}

func TestPositionFraction(t *testing.T) {
	for _, c := range []struct {
		p    PositionValue
		want int
	}{
		{PositionValue{Value: 0, Min: 0, Max: 255}, 0},
		{PositionValue{Value: 255, Min: 0, Max: 255}, 1000},
		{PositionValue{Value: 0, Min: -100, Max: 100}, 500},
		{PositionValue{Value: 3, Min: 3, Max: 3}, 0},
	} {
		if got := c.p.Fraction(); got != c.want {
			t.Errorf("%+v.Fraction() = %d, want %d", c.p, got, c.want)
		}
	}
}
