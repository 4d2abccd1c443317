// internal/platform/factories_rp2xxx.go
//go:build rp2040 || rp2350

package platform

import (
	"context"
	"machine"

	uartx "github.com/jangala-dev/tinygo-uartx/uartx"

	"knobcode-go/errcode"
	"knobcode-go/internal/halcore"
)

// DefaultPinFactory returns a GPIO factory that maps logical numbers directly
// to machine.Pin(n). This matches Pico/Pico 2 GP numbering.
func DefaultPinFactory() halcore.PinFactory { return rp2PinFactory{} }

// OpenSerial configures uart0 (GP0/GP1 by default) or uart1 (GP4/GP5).
func OpenSerial(cfg halcore.SerialConfig) (halcore.SerialPort, error) {
	var hw *uartx.UART
	tx, rx := machine.GPIO0, machine.GPIO1
	switch cfg.Name {
	case "", "uart0":
		hw = uartx.UART0
	case "uart1":
		hw = uartx.UART1
		tx, rx = machine.GPIO4, machine.GPIO5
	default:
		return nil, &errcode.E{C: errcode.UnknownPin, Op: "serial.open", Msg: cfg.Name}
	}
	if cfg.TX != 0 || cfg.RX != 0 {
		tx, rx = machine.Pin(cfg.TX), machine.Pin(cfg.RX)
	}
	baud := cfg.Baud
	if baud <= 0 {
		baud = DefaultBaud
	}
	if err := hw.Configure(uartx.UARTConfig{
		BaudRate: uint32(baud),
		TX:       tx,
		RX:       rx,
	}); err != nil {
		return nil, errcode.Wrap(errcode.Error, "serial.open", err)
	}
	return &rp2Serial{u: hw}, nil
}

type rp2Serial struct{ u *uartx.UART }

func (p *rp2Serial) Write(b []byte) (int, error) { return p.u.Write(b) }
func (p *rp2Serial) RecvSomeContext(ctx context.Context, buf []byte) (int, error) {
	return p.u.RecvSomeContext(ctx, buf)
}

// ---- GPIO implementation (includes IRQ support) ----

type rp2PinFactory struct{}

func (rp2PinFactory) ByNumber(n int) (halcore.GPIOPin, bool) {
	// Constrain to RP2's user GPIOs (GP0..GP28).
	if n < 0 || n > 28 {
		return nil, false
	}
	return &rp2Pin{p: machine.Pin(n), n: n}, true
}

type rp2Pin struct {
	p machine.Pin
	n int
}

func (r *rp2Pin) ConfigureInput(pull halcore.Pull) error {
	var mode machine.PinMode
	switch pull {
	case halcore.PullUp:
		mode = machine.PinInputPullup
	case halcore.PullDown:
		mode = machine.PinInputPulldown
	default:
		mode = machine.PinInput
	}
	r.p.Configure(machine.PinConfig{Mode: mode})
	return nil
}

func (r *rp2Pin) Get() bool   { return r.p.Get() }
func (r *rp2Pin) Number() int { return r.n }

// The RP2 port calls the callback from the GPIO interrupt.
func (r *rp2Pin) SetIRQ(edge halcore.Edge, handler func()) error {
	return r.p.SetInterrupt(toPinChange(edge), func(machine.Pin) { handler() })
}

func (r *rp2Pin) ClearIRQ() error {
	var zero machine.PinChange
	return r.p.SetInterrupt(zero, nil)
}

func toPinChange(e halcore.Edge) machine.PinChange {
	switch e {
	case halcore.EdgeRising:
		return machine.PinRising
	case halcore.EdgeFalling:
		return machine.PinFalling
	case halcore.EdgeBoth:
		return machine.PinToggle
	default:
		var zero machine.PinChange
		return zero
	}
}
