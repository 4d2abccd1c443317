package encoder

import (
	"math"
	"sync/atomic"

	"knobcode-go/x/mathx"
)

const (
	minPos = math.MinInt16
	maxPos = math.MaxInt16
)

// PositionCounter is a bounded counter. Value and both bounds live in one
// 64-bit cell as three int16 lanes, so a reader always sees a consistent
// triple and every update is a single CAS. The phase A handler and the
// consumer setters may race; the loser retries against the new triple.
type PositionCounter struct {
	cell atomic.Uint64
	wrap atomic.Bool
}

type triple struct{ value, min, max int16 }

func pack(t triple) uint64 {
	return uint64(uint16(t.value)) | uint64(uint16(t.min))<<16 | uint64(uint16(t.max))<<32
}

func unpack(u uint64) triple {
	return triple{
		value: int16(uint16(u)),
		min:   int16(uint16(u >> 16)),
		max:   int16(uint16(u >> 32)),
	}
}

// NewPositionCounter builds a counter. Invalid bounds fall back to the
// defaults; value is clamped into the bounds.
func NewPositionCounter(value, min, max int, wrap bool) *PositionCounter {
	if !validBounds(min, max) {
		min, max = DefaultMin, DefaultMax
	}
	c := &PositionCounter{}
	c.cell.Store(pack(triple{
		value: int16(mathx.Clamp(value, min, max)),
		min:   int16(min),
		max:   int16(max),
	}))
	c.wrap.Store(wrap)
	return c
}

func validBounds(min, max int) bool {
	return max > min && mathx.Between(min, minPos, maxPos) && mathx.Between(max, minPos, maxPos)
}

func (c *PositionCounter) Value() int { return int(unpack(c.cell.Load()).value) }

func (c *PositionCounter) Bounds() (min, max int) {
	t := unpack(c.cell.Load())
	return int(t.min), int(t.max)
}

func (c *PositionCounter) Snapshot() (value, min, max int) {
	t := unpack(c.cell.Load())
	return int(t.value), int(t.min), int(t.max)
}

func (c *PositionCounter) Wrap() bool      { return c.wrap.Load() }
func (c *PositionCounter) SetWrap(on bool) { c.wrap.Store(on) }

// Step moves the value by step in direction dir (<0 down, otherwise up),
// honouring wrap, and returns the new value. A step that would cross a
// bound is reduced to 1.
func (c *PositionCounter) Step(step int16, dir int) int {
	wrap := c.wrap.Load()
	for {
		old := c.cell.Load()
		t := unpack(old)
		t.value = mathx.StepToward(t.value, t.min, t.max, step, dir, wrap)
		if c.cell.CompareAndSwap(old, pack(t)) {
			return int(t.value)
		}
	}
}

// Set stores v clamped into the current bounds.
func (c *PositionCounter) Set(v int) Outcome {
	for {
		old := c.cell.Load()
		t := unpack(old)
		nv := mathx.Clamp(v, int(t.min), int(t.max))
		t.value = int16(nv)
		if c.cell.CompareAndSwap(old, pack(t)) {
			if nv != v {
				return Clamped
			}
			return Applied
		}
	}
}

// SetLimits replaces the bounds and re-clamps the value in the same CAS.
// Rejected, with nothing changed, when max <= min or either bound is
// outside int16.
func (c *PositionCounter) SetLimits(min, max int) Outcome {
	if !validBounds(min, max) {
		return Rejected
	}
	for {
		old := c.cell.Load()
		t := unpack(old)
		nv := mathx.Clamp(t.value, int16(min), int16(max))
		moved := nv != t.value
		t = triple{value: nv, min: int16(min), max: int16(max)}
		if c.cell.CompareAndSwap(old, pack(t)) {
			if moved {
				return Clamped
			}
			return Applied
		}
	}
}
