package timex

import (
	"sync/atomic"
	"time"
)

// Clock is the monotonic millisecond time source used by edge handlers and
// pollers. Sleep is the only blocking call.
type Clock interface {
	NowMs() int64
	Sleep(d time.Duration)
}

// NowMs returns Unix milliseconds as int64.
func NowMs() int64 { return time.Now().UnixMilli() }

// System is a Clock counting milliseconds from its creation using the
// runtime's monotonic reading.
type System struct {
	start time.Time
}

func NewSystem() *System { return &System{start: time.Now()} }

func (s *System) NowMs() int64 { return time.Since(s.start).Milliseconds() }

func (s *System) Sleep(d time.Duration) { time.Sleep(d) }

// Manual is a Clock that only moves when told to. Sleep advances it instead
// of blocking, so bounded waits complete instantly in tests.
type Manual struct {
	ms atomic.Int64

	// OnSleep, if set, runs after each Sleep has advanced the clock.
	OnSleep func(nowMs int64)
}

func NewManual(startMs int64) *Manual {
	m := &Manual{}
	m.ms.Store(startMs)
	return m
}

func (m *Manual) NowMs() int64 { return m.ms.Load() }

func (m *Manual) Advance(d time.Duration) int64 { return m.ms.Add(d.Milliseconds()) }

func (m *Manual) Set(ms int64) { m.ms.Store(ms) }

func (m *Manual) Sleep(d time.Duration) {
	if d < time.Millisecond {
		d = time.Millisecond
	}
	now := m.Advance(d)
	if m.OnSleep != nil {
		m.OnSleep(now)
	}
}
