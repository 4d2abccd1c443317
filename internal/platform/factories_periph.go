// internal/platform/factories_periph.go
//go:build periph && !rp2040 && !rp2350

package platform

import (
	"strconv"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"knobcode-go/internal/halcore"
)

// edgePoll bounds each WaitForEdge so ClearIRQ is noticed promptly.
const edgePoll = 100 * time.Millisecond

var (
	hostOnce sync.Once
	hostErr  error
)

// DefaultPinFactory initialises the periph host drivers once and resolves
// pins by their "GPIO<n>" name (BCM numbering on a Raspberry Pi).
func DefaultPinFactory() halcore.PinFactory {
	hostOnce.Do(func() { _, hostErr = host.Init() })
	return &periphPinFactory{pins: map[int]*periphPin{}}
}

// HostInitErr reports the error, if any, from host.Init.
func HostInitErr() error { return hostErr }

type periphPinFactory struct {
	mu   sync.Mutex
	pins map[int]*periphPin
}

func (f *periphPinFactory) ByNumber(n int) (halcore.GPIOPin, bool) {
	if hostErr != nil || n < 0 {
		return nil, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pins[n]; ok {
		return p, true
	}
	pin := gpioreg.ByName("GPIO" + strconv.Itoa(n))
	if pin == nil {
		return nil, false
	}
	p := &periphPin{p: pin, n: n, pull: gpio.PullNoChange}
	f.pins[n] = p
	return p, true
}

// periphPin adapts gpio.PinIO. The kernel delivers edges to a goroutine
// blocked in WaitForEdge, which then calls the handler; one goroutine per
// pin keeps calls to a handler serialised.
type periphPin struct {
	p    gpio.PinIO
	n    int
	mu   sync.Mutex
	pull gpio.Pull
	stop chan struct{}
	done chan struct{}
}

func (r *periphPin) ConfigureInput(pull halcore.Pull) error {
	r.mu.Lock()
	r.pull = toPull(pull)
	r.mu.Unlock()
	return r.p.In(r.pull, gpio.NoEdge)
}

func (r *periphPin) Get() bool   { return r.p.Read() == gpio.High }
func (r *periphPin) Number() int { return r.n }

func (r *periphPin) SetIRQ(edge halcore.Edge, handler func()) error {
	_ = r.ClearIRQ()
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.p.In(r.pull, toEdge(edge)); err != nil {
		return err
	}
	if edge == halcore.EdgeNone || handler == nil {
		return nil
	}
	stop, done := make(chan struct{}), make(chan struct{})
	r.stop, r.done = stop, done
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if r.p.WaitForEdge(edgePoll) {
				handler()
			}
		}
	}()
	return nil
}

func (r *periphPin) ClearIRQ() error {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	pull := r.pull
	r.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return r.p.In(pull, gpio.NoEdge)
}

func toPull(p halcore.Pull) gpio.Pull {
	switch p {
	case halcore.PullUp:
		return gpio.PullUp
	case halcore.PullDown:
		return gpio.PullDown
	default:
		return gpio.Float
	}
}

func toEdge(e halcore.Edge) gpio.Edge {
	switch e {
	case halcore.EdgeRising:
		return gpio.RisingEdge
	case halcore.EdgeFalling:
		return gpio.FallingEdge
	case halcore.EdgeBoth:
		return gpio.BothEdges
	default:
		return gpio.NoEdge
	}
}
