// Package display draws the knob label, value and a position bar on a
// small monochrome panel.
package display

import (
	"context"
	"image/color"
	"log/slog"
	"strconv"

	"tinygo.org/x/drivers"
	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyfont/freemono"

	"knobcode-go/bus"
	"knobcode-go/types"
	"knobcode-go/x/mathx"
)

var on = color.RGBA{255, 255, 255, 255}

const (
	margin    = 2
	barHeight = 12
	barInset  = 2
	dotSize   = 6
)

// Canvas is a buffered display; sh1106.Device satisfies it.
type Canvas interface {
	drivers.Displayer
	ClearBuffer()
}

// Config is the "display" section.
type Config struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Address int  `json:"address" yaml:"address"`
	Width   int  `json:"width" yaml:"width"`
	Height  int  `json:"height" yaml:"height"`
}

// Render draws one frame: label and value in text, the switch as a dot in
// the top-right corner, and the bar filled in proportion to the position
// across its bounds.
func Render(c Canvas, label string, pv types.PositionValue, sw types.SwitchValue) error {
	w, h := c.Size()
	c.ClearBuffer()

	font := &freemono.Regular9pt7b
	tinyfont.WriteLine(c, font, margin, 14, label, on)
	tinyfont.WriteLine(c, font, margin, 32, strconv.Itoa(pv.Value), on)

	if sw.Down {
		fillRect(c, w-margin-dotSize, margin, dotSize, dotSize, on)
	}

	top := h - margin - barHeight
	left, right := int16(margin), w-margin-1
	for x := left; x <= right; x++ {
		c.SetPixel(x, top, on)
		c.SetPixel(x, top+barHeight-1, on)
	}
	for y := top; y < top+barHeight; y++ {
		c.SetPixel(left, y, on)
		c.SetPixel(right, y, on)
	}

	inner := int(right-left) - 2*barInset + 1
	if pv.Max > pv.Min && inner > 0 {
		fill := mathx.Map(pv.Value, pv.Min, pv.Max, 0, inner)
		fillRect(c, left+barInset, top+barInset, int16(fill), barHeight-2*barInset, on)
	}
	return c.Display()
}

func fillRect(c drivers.Displayer, x0, y0, w, h int16, col color.RGBA) {
	for y := y0; y < y0+h; y++ {
		for x := x0; x < x0+w; x++ {
			c.SetPixel(x, y, col)
		}
	}
}

// Service redraws whenever the knob position, switch or label changes.
type Service struct {
	conn   *bus.Connection
	canvas Canvas
	log    *slog.Logger

	label string
	pos   types.PositionValue
	sw    types.SwitchValue
}

func New(conn *bus.Connection, canvas Canvas, log *slog.Logger) *Service {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Service{
		conn:   conn,
		canvas: canvas,
		log:    log.With("service", "display"),
		label:  types.DefaultKnobLabel,
	}
}

func (s *Service) Run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(bus.T("config", "knob"))
	knobSub := s.conn.Subscribe(bus.T("knob", "+"))
	defer s.conn.Unsubscribe(cfgSub)
	defer s.conn.Unsubscribe(knobSub)

	s.redraw()
	for {
		select {
		case <-ctx.Done():
			s.canvas.ClearBuffer()
			_ = s.canvas.Display()
			return
		case m, ok := <-cfgSub.Channel():
			if !ok {
				return
			}
			if kc, ok := m.Payload.(types.KnobConfig); ok && kc.Label != "" && kc.Label != s.label {
				s.label = kc.Label
				s.redraw()
			}
		case m, ok := <-knobSub.Channel():
			if !ok {
				return
			}
			if s.apply(m.Payload) {
				s.redraw()
			}
		}
	}
}

// apply records a knob payload and reports whether the frame changed.
func (s *Service) apply(p any) bool {
	switch v := p.(type) {
	case types.PositionValue:
		if v == s.pos {
			return false
		}
		s.pos = v
	case types.SwitchValue:
		if v.Down == s.sw.Down {
			s.sw = v
			return false
		}
		s.sw = v
	default:
		return false
	}
	return true
}

func (s *Service) redraw() {
	if err := Render(s.canvas, s.label, s.pos, s.sw); err != nil {
		s.log.Warn("display update failed", "err", err)
	}
}
