//go:build !rp2040 && !rp2350

package platform

import (
	"context"
	"time"

	"go.bug.st/serial"

	"knobcode-go/errcode"
	"knobcode-go/internal/halcore"
)

const hostReadSlice = 100 * time.Millisecond

// OpenSerial opens a host serial device (e.g. /dev/ttyACM0, COM3).
func OpenSerial(cfg halcore.SerialConfig) (halcore.SerialPort, error) {
	if cfg.Name == "" {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "serial.open", Msg: "port name required"}
	}
	baud := cfg.Baud
	if baud <= 0 {
		baud = DefaultBaud
	}
	p, err := serial.Open(cfg.Name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, errcode.Wrap(errcode.Error, "serial.open", err)
	}
	if err := p.SetReadTimeout(hostReadSlice); err != nil {
		_ = p.Close()
		return nil, errcode.Wrap(errcode.Error, "serial.open", err)
	}
	return &hostSerial{port: p}, nil
}

// SerialPorts lists the host's serial devices.
func SerialPorts() ([]string, error) { return serial.GetPortsList() }

type hostSerial struct{ port serial.Port }

func (h *hostSerial) Write(b []byte) (int, error) { return h.port.Write(b) }
func (h *hostSerial) Close() error                { return h.port.Close() }

// RecvSomeContext polls in read-timeout slices so ctx is honoured.
func (h *hostSerial) RecvSomeContext(ctx context.Context, buf []byte) (int, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := h.port.Read(buf)
		if n > 0 || err != nil {
			return n, err
		}
	}
}
