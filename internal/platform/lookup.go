package platform

import (
	"knobcode-go/errcode"
	"knobcode-go/internal/halcore"
)

// IRQByNumber resolves pin n from f and asserts edge-interrupt support.
func IRQByNumber(f halcore.PinFactory, n int) (halcore.IRQPin, error) {
	p, ok := f.ByNumber(n)
	if !ok {
		return nil, errcode.UnknownPin
	}
	irq, ok := p.(halcore.IRQPin)
	if !ok {
		return nil, errcode.NoIRQ
	}
	return irq, nil
}
