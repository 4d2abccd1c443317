package platform

import (
	"context"
	"io"

	"knobcode-go/internal/halcore"
)

// DefaultBaud is used when a serial config leaves the rate unset.
const DefaultBaud = 115200

// DialSerial opens a serial port and adapts it to io.ReadWriteCloser.
// Reads block until data arrives or the link is closed.
func DialSerial(ctx context.Context, cfg halcore.SerialConfig) (io.ReadWriteCloser, error) {
	p, err := OpenSerial(cfg)
	if err != nil {
		return nil, err
	}
	return NewLink(ctx, p), nil
}

// NewLink wraps an open port. Close cancels pending reads and closes the
// port if it supports it.
func NewLink(ctx context.Context, p halcore.SerialPort) io.ReadWriteCloser {
	lctx, cancel := context.WithCancel(ctx)
	return &serialLink{port: p, ctx: lctx, cancel: cancel}
}

type serialLink struct {
	port   halcore.SerialPort
	ctx    context.Context
	cancel context.CancelFunc
}

func (l *serialLink) Read(p []byte) (int, error) {
	n, err := l.port.RecvSomeContext(l.ctx, p)
	if err != nil && l.ctx.Err() != nil {
		return n, io.EOF
	}
	return n, err
}

func (l *serialLink) Write(p []byte) (int, error) {
	if l.ctx.Err() != nil {
		return 0, io.ErrClosedPipe
	}
	return l.port.Write(p)
}

func (l *serialLink) Close() error {
	l.cancel()
	if c, ok := l.port.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
