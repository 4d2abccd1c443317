// Package knob owns the rotary encoder and exposes it on the bus.
//
// Topics:
//
//	config/knob                  in   types.KnobConfig (retained)
//	knob/position                out  types.PositionValue (retained)
//	knob/switch                  out  types.SwitchValue (retained)
//	knob/press                   out  types.PressEvent
//	knob/state                   out  types.KnobState (retained)
//	knob/control/set_position    req  int | types.SetPosition   -> types.ControlReply
//	knob/control/set_limits      req  types.Limits              -> types.ControlReply
package knob

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"knobcode-go/bus"
	"knobcode-go/drivers/encoder"
	"knobcode-go/errcode"
	"knobcode-go/internal/halcore"
	"knobcode-go/internal/platform"
	"knobcode-go/types"
	"knobcode-go/x/timex"
)

var (
	topicConfig      = bus.T("config", "knob")
	topicPosition    = bus.T("knob", "position")
	topicSwitch      = bus.T("knob", "switch")
	topicPress       = bus.T("knob", "press")
	topicState       = bus.T("knob", "state")
	topicSetPosition = bus.T("knob", "control", "set_position")
	topicSetLimits   = bus.T("knob", "control", "set_limits")
)

type Options struct {
	Pins  halcore.PinFactory // default platform.DefaultPinFactory()
	Clock timex.Clock        // default system clock
	Log   *slog.Logger
}

type Service struct {
	conn  *bus.Connection
	pins  halcore.PinFactory
	clock timex.Clock
	log   *slog.Logger

	enc     *encoder.Encoder
	cfg     types.KnobConfig
	started bool
	poll    *time.Ticker

	lastPos types.PositionValue
	lastSw  types.SwitchValue
	havePos bool
	haveSw  bool
}

func New(conn *bus.Connection, opts Options) *Service {
	if opts.Pins == nil {
		opts.Pins = platform.DefaultPinFactory()
	}
	if opts.Clock == nil {
		opts.Clock = timex.NewSystem()
	}
	if opts.Log == nil {
		opts.Log = slog.New(slog.DiscardHandler)
	}
	return &Service{
		conn:  conn,
		pins:  opts.Pins,
		clock: opts.Clock,
		log:   opts.Log.With("service", "knob"),
		enc:   encoder.New(opts.Clock),
	}
}

// Encoder exposes the driver, e.g. for a display on the same board.
func (s *Service) Encoder() *encoder.Encoder { return s.enc }

// Run blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(topicConfig)
	posSub := s.conn.Subscribe(topicSetPosition)
	limSub := s.conn.Subscribe(topicSetLimits)
	defer func() {
		s.conn.Unsubscribe(cfgSub)
		s.conn.Unsubscribe(posSub)
		s.conn.Unsubscribe(limSub)
	}()

	s.publishState("idle", "awaiting_config", nil)

	// Polling starts after the first good config.
	s.poll = time.NewTicker(time.Hour)
	s.poll.Stop()
	defer s.poll.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = s.enc.Close()
			s.publishState("idle", "stopped", nil)
			return
		case m, ok := <-cfgSub.Channel():
			if !ok {
				return
			}
			s.onConfig(ctx, m)
		case m, ok := <-posSub.Channel():
			if !ok {
				return
			}
			s.onSetPosition(m)
		case m, ok := <-limSub.Channel():
			if !ok {
				return
			}
			s.onSetLimits(m)
		case <-s.poll.C:
			s.pollOnce()
		}
	}
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

func (s *Service) onConfig(ctx context.Context, m *bus.Message) {
	if m.Payload == nil {
		return
	}
	cfg, err := decodeConfig(m.Payload)
	if err != nil {
		s.log.Error("bad knob config", "err", err)
		s.publishState("error", string(errcode.InvalidConfig), err)
		return
	}

	if s.started {
		s.reapply(cfg)
		return
	}

	if err := s.begin(cfg); err != nil {
		s.log.Error("begin failed", "err", err)
		s.publishState("error", string(errcode.Of(err)), err)
		return
	}
	s.cfg = cfg
	s.started = true
	s.poll.Reset(time.Duration(cfg.PollIntervalMs) * time.Millisecond)
	go s.pressLoop(ctx, time.Duration(cfg.PollIntervalMs)*time.Millisecond)

	s.log.Info("encoder started", "label", cfg.Label, "a", cfg.Pins.A, "b", cfg.Pins.B, "switch", cfg.Pins.Switch)
	s.publishState("up", "started", nil)
	s.pollOnce()
}

func (s *Service) begin(cfg types.KnobConfig) error {
	a, err := platform.IRQByNumber(s.pins, cfg.Pins.A)
	if err != nil {
		return &errcode.E{C: errcode.Of(err), Op: "knob.begin", Msg: fmt.Sprintf("pin a=%d", cfg.Pins.A)}
	}
	b, ok := s.pins.ByNumber(cfg.Pins.B)
	if !ok {
		return &errcode.E{C: errcode.UnknownPin, Op: "knob.begin", Msg: fmt.Sprintf("pin b=%d", cfg.Pins.B)}
	}
	sw, err := platform.IRQByNumber(s.pins, cfg.Pins.Switch)
	if err != nil {
		return &errcode.E{C: errcode.Of(err), Op: "knob.begin", Msg: fmt.Sprintf("pin switch=%d", cfg.Pins.Switch)}
	}

	ec := encoder.DefaultConfig(a, b, sw)
	ec.Pull = halcore.ParsePull(cfg.Pull)
	ec.Wrap = cfg.WrapOn()
	ec.ACWLevel = cfg.ACWLevel
	ec.SwitchActiveHigh = cfg.SwitchActiveHigh
	ec.Timing = timingFrom(cfg.Timing)

	if o := s.enc.Limits(cfg.Limits.Min, cfg.Limits.Max); o == encoder.Rejected {
		return &errcode.E{C: errcode.InvalidConfig, Op: "knob.begin", Msg: "limits"}
	}
	if cfg.Initial != nil {
		s.enc.SetPosition(*cfg.Initial)
	}
	return s.enc.Begin(ec)
}

// reapply handles configs after start: only bounds and wrap can change
// without re-attaching interrupts.
func (s *Service) reapply(cfg types.KnobConfig) {
	if cfg.Pins != s.cfg.Pins || cfg.Pull != s.cfg.Pull {
		s.log.Warn("pin changes need a restart", "have", s.cfg.Pins, "want", cfg.Pins)
	}
	o := s.enc.Limits(cfg.Limits.Min, cfg.Limits.Max)
	s.enc.SetWrap(cfg.WrapOn())
	s.cfg.Limits, s.cfg.Wrap = cfg.Limits, cfg.Wrap
	s.log.Info("config reapplied", "limits", o.String(), "wrap", cfg.WrapOn())
	s.pollOnce()
}

func timingFrom(t types.KnobTiming) encoder.Timing {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return encoder.Timing{
		VeryFast:  ms(t.VeryFastMs),
		Fast:      ms(t.FastMs),
		FastStep:  t.FastStep,
		LongPress: ms(t.LongPressMs),
		StuckDown: ms(t.StuckDownMs),
		Historic:  ms(t.HistoricMs),
	}
}

func decodeConfig(p any) (types.KnobConfig, error) {
	var cfg types.KnobConfig
	switch v := p.(type) {
	case types.KnobConfig:
		cfg = v
	case *types.KnobConfig:
		cfg = *v
	default:
		b, err := toJSON(p)
		if err != nil {
			return cfg, err
		}
		cfg.Pins = types.KnobPins{A: -1, B: -1, Switch: -1}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

// -----------------------------------------------------------------------------
// Polling
// -----------------------------------------------------------------------------

func (s *Service) pollOnce() {
	v, mn, mx := s.enc.Snapshot()
	pv := types.PositionValue{Value: v, Min: mn, Max: mx}
	if !s.havePos || pv != s.lastPos {
		s.lastPos, s.havePos = pv, true
		s.conn.Publish(s.conn.NewMessage(topicPosition, pv, true))
		s.log.Debug("position", "value", v)
	}

	sv := types.SwitchValue{Level: s.enc.SwitchState(), Down: s.enc.SwitchDown()}
	if !s.haveSw || sv != s.lastSw {
		s.lastSw, s.haveSw = sv, true
		s.conn.Publish(s.conn.NewMessage(topicSwitch, sv, true))
	}
}

// pressLoop classifies presses off the main loop because the classifier
// may wait up to the stuck-down bound while the switch is held.
func (s *Service) pressLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p := s.enc.SwitchPressed()
			if p == encoder.PressNone {
				continue
			}
			s.log.Info("press", "kind", p.String())
			s.conn.Publish(s.conn.NewMessage(topicPress,
				types.PressEvent{Press: p.String(), TsMs: timex.NowMs()}, false))
		}
	}
}

// -----------------------------------------------------------------------------
// Control
// -----------------------------------------------------------------------------

func (s *Service) onSetPosition(m *bus.Message) {
	v, ok := positionArg(m.Payload)
	if !ok {
		s.reply(m, types.ControlReply{Error: string(errcode.InvalidPayload), Value: s.enc.Position()})
		return
	}
	o := s.enc.SetPosition(v)
	s.reply(m, types.ControlReply{OK: true, Outcome: o.String(), Value: s.enc.Position()})
	s.pollOnce()
}

func (s *Service) onSetLimits(m *bus.Message) {
	var lim types.Limits
	switch p := m.Payload.(type) {
	case types.Limits:
		lim = p
	case *types.Limits:
		lim = *p
	default:
		b, err := toJSON(p)
		if err != nil || json.Unmarshal(b, &lim) != nil {
			s.reply(m, types.ControlReply{Error: string(errcode.InvalidPayload), Value: s.enc.Position()})
			return
		}
	}
	o := s.enc.Limits(lim.Min, lim.Max)
	r := types.ControlReply{OK: o != encoder.Rejected, Outcome: o.String(), Value: s.enc.Position()}
	if o == encoder.Rejected {
		r.Error = string(errcode.InvalidParams)
	}
	s.reply(m, r)
	s.pollOnce()
}

func positionArg(p any) (int, bool) {
	switch v := p.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), v == float64(int(v))
	case types.SetPosition:
		return v.Value, true
	case *types.SetPosition:
		return v.Value, true
	case map[string]any:
		f, ok := v["value"].(float64)
		if !ok {
			if i, ok := v["value"].(int); ok {
				return i, true
			}
			return 0, false
		}
		return int(f), f == float64(int(f))
	default:
		return 0, false
	}
}

func (s *Service) reply(m *bus.Message, r types.ControlReply) {
	if !s.conn.Reply(m, r, false) {
		s.log.Debug("control request without reply topic", "topic", m.Topic.String())
	}
}

// -----------------------------------------------------------------------------
// Utilities
// -----------------------------------------------------------------------------

func (s *Service) publishState(level, status string, err error) {
	st := types.KnobState{Level: level, Status: status, Label: s.cfg.Label}
	if err != nil {
		st.Error = err.Error()
	}
	s.conn.Publish(s.conn.NewMessage(topicState, st, true))
}

func toJSON(p any) ([]byte, error) {
	switch v := p.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		if reflect.ValueOf(p).Kind() != reflect.Map {
			return nil, fmt.Errorf("unsupported payload type: %T", p)
		}
		return json.Marshal(v)
	}
}
