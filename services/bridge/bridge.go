// bridge/bridge.go
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"knobcode-go/bus"
	"knobcode-go/drivers/encoder"
	"knobcode-go/internal/halcore"
	"knobcode-go/internal/platform"
	"knobcode-go/protocol"
	"knobcode-go/types"
	"knobcode-go/x/timex"
)

// -----------------------------------------------------------------------------
// Public entry point
// -----------------------------------------------------------------------------

// Start runs the bridge until ctx is cancelled. It waits for config on
// {"config","bridge"}, then mirrors knob state onto a serial link as
// protocol frames. Position frames arriving from the peer become
// set_position requests.
func Start(ctx context.Context, conn *bus.Connection, log *slog.Logger) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Service{
		conn:       conn,
		log:        log.With("service", "bridge"),
		stateTopic: bus.T("bridge", "state"),
	}
	s.run(ctx)
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config is expected on "config/bridge".
type Config struct {
	Transport TransportConfig `json:"transport" yaml:"transport"`
}

type TransportConfig struct {
	// "uart" or a name registered via RegisterTransport.
	Type string      `json:"type" yaml:"type"`
	UART *UARTConfig `json:"uart,omitempty" yaml:"uart,omitempty"`
}

// UARTConfig carries what the dialler needs to open the link.
type UARTConfig struct {
	Port  string `json:"port" yaml:"port"` // "uart0" on the MCU, a device path on a host
	Baud  int    `json:"baud" yaml:"baud"`
	RxPin int    `json:"rx_pin" yaml:"rx_pin"`
	TxPin int    `json:"tx_pin" yaml:"tx_pin"`
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

type Service struct {
	conn       *bus.Connection
	log        *slog.Logger
	stateTopic bus.Topic

	mu     sync.Mutex
	curRun context.CancelFunc
}

func (s *Service) run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(bus.T("config", "bridge"))
	defer s.conn.Unsubscribe(cfgSub)

	s.publishState("idle", "awaiting_config", nil)

	for {
		select {
		case <-ctx.Done():
			s.stopCurrent()
			return
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				s.publishState("error", "config_subscription_closed", nil)
				return
			}
			if msg.Payload == nil {
				continue
			}
			cfg, err := decodeConfig(msg.Payload)
			if err != nil {
				s.publishState("error", "config_decode_failed", err)
				continue
			}
			s.reconfigure(ctx, cfg)
		}
	}
}

func (s *Service) stopCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
}

func (s *Service) reconfigure(parent context.Context, cfg Config) {
	s.mu.Lock()
	if s.curRun != nil {
		s.curRun()
	}
	ctx, cancel := context.WithCancel(parent)
	s.curRun = cancel
	s.mu.Unlock()

	go s.runLink(ctx, cfg)
}

// -----------------------------------------------------------------------------
// Link supervision and I/O
// -----------------------------------------------------------------------------

func (s *Service) runLink(ctx context.Context, cfg Config) {
	tr, err := newTransport(cfg.Transport)
	if err != nil {
		s.publishState("error", "transport_init_failed", err)
		return
	}

	backoff := backoffSeq(250*time.Millisecond, 5*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rwc, err := tr.Open(ctx)
		if err != nil {
			delay := backoff()
			s.publishState("degraded", "dial_failed_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		s.publishState("up", "link_established", nil)
		s.log.Info("link up", "transport", tr.String())
		err = s.handleLink(ctx, rwc)
		_ = rwc.Close()
		if err == nil {
			return
		}
		delay := backoff()
		s.log.Warn("link lost", "err", err, "retry", delay)
		s.publishState("degraded", "link_lost_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
		if !sleep(ctx, delay) {
			return
		}
	}
}

// handleLink owns one link: knob topics out as frames, position frames in
// as set_position requests. It returns nil only when ctx ends.
func (s *Service) handleLink(ctx context.Context, rwc io.ReadWriteCloser) error {
	errCh := make(chan error, 1)
	go func() {
		var dec protocol.Decoder
		buf := make([]byte, 64)
		for {
			n, err := rwc.Read(buf)
			for _, f := range dec.Feed(buf[:n]) {
				s.inbound(f)
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	sub := s.conn.Subscribe(bus.T("knob", "+"))
	defer s.conn.Unsubscribe(sub)

	var out []byte
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return err
		case msg, ok := <-sub.Channel():
			if !ok {
				return nil
			}
			f, ok := frameFor(msg)
			if !ok {
				continue
			}
			out = protocol.Marshal(out[:0], f)
			if _, err := rwc.Write(out); err != nil {
				s.publishState("degraded", "write_failed", err)
				return err
			}
		}
	}
}

func (s *Service) inbound(f protocol.Frame) {
	if f.Type != protocol.TypePosition {
		s.log.Debug("ignoring inbound frame", "frame", f.String())
		return
	}
	s.conn.Publish(s.conn.NewMessage(bus.T("knob", "control", "set_position"),
		types.SetPosition{Value: int(f.Value)}, false))
}

// frameFor maps a knob topic payload to its wire frame.
func frameFor(msg *bus.Message) (protocol.Frame, bool) {
	if len(msg.Topic) != 2 {
		return protocol.Frame{}, false
	}
	switch p := msg.Payload.(type) {
	case types.PositionValue:
		return protocol.Frame{Type: protocol.TypePosition, Value: int16(p.Value)}, true
	case types.PressEvent:
		press, ok := encoder.ParsePress(p.Press)
		if !ok {
			return protocol.Frame{}, false
		}
		return protocol.Frame{Type: protocol.TypePress, Value: int16(press)}, true
	case types.SwitchValue:
		var v int16
		if p.Level {
			v = 1
		}
		return protocol.Frame{Type: protocol.TypeSwitch, Value: v}, true
	default:
		return protocol.Frame{}, false
	}
}

// -----------------------------------------------------------------------------
// Transport registry
// -----------------------------------------------------------------------------

// Transport is a pluggable link dialler.
type Transport interface {
	Open(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

type transportFactory func(TransportConfig) (Transport, error)

var (
	regMu    sync.RWMutex
	registry = map[string]transportFactory{}
)

// RegisterTransport adds a transport by name (e.g. "tcp").
func RegisterTransport(name string, f transportFactory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = f
}

func newTransport(cfg TransportConfig) (Transport, error) {
	regMu.RLock()
	f, ok := registry[cfg.Type]
	regMu.RUnlock()
	if ok {
		return f(cfg)
	}
	switch cfg.Type {
	case "uart":
		return newUARTTransport(cfg)
	default:
		return nil, fmt.Errorf("unknown transport type: %q", cfg.Type)
	}
}

// UARTDial opens the serial link. Tests replace it.
var UARTDial = func(ctx context.Context, u UARTConfig) (io.ReadWriteCloser, error) {
	return platform.DialSerial(ctx, halcore.SerialConfig{
		Name: u.Port,
		Baud: u.Baud,
		TX:   u.TxPin,
		RX:   u.RxPin,
	})
}

type uartTransport struct {
	cfg UARTConfig
}

func newUARTTransport(cfg TransportConfig) (Transport, error) {
	if cfg.UART == nil {
		return nil, errors.New("uart transport requires uart config")
	}
	return &uartTransport{cfg: *cfg.UART}, nil
}

func (u *uartTransport) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	return UARTDial(ctx, u.cfg)
}

func (u *uartTransport) String() string { return "uart:" + u.cfg.Port }

// -----------------------------------------------------------------------------
// Utilities
// -----------------------------------------------------------------------------

func decodeConfig(p any) (Config, error) {
	var cfg Config
	switch v := p.(type) {
	case Config:
		return v, nil
	case []byte:
		return cfg, json.Unmarshal(v, &cfg)
	case string:
		return cfg, json.Unmarshal([]byte(v), &cfg)
	default:
		// Sections from the config service arrive as generic maps, of
		// whatever named map type the decoder produced.
		if reflect.ValueOf(p).Kind() != reflect.Map {
			return cfg, fmt.Errorf("unsupported config payload type: %T", p)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return cfg, err
		}
		return cfg, json.Unmarshal(b, &cfg)
	}
}

func (s *Service) publishState(level, status string, err error) {
	payload := map[string]any{
		"level":  level,  // "up", "degraded", "error", "idle"
		"status": status, // short machine string
		"ts_ms":  timex.NowMs(),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.conn.Publish(s.conn.NewMessage(s.stateTopic, payload, true))
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	cur := min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
