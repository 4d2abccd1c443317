package mathx

import "golang.org/x/exp/constraints"

// Clamp limits v to [lo, hi]. If lo > hi, the bounds are swapped.
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if hi < lo {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Between reports lo <= v && v <= hi (order-insensitive).
func Between[T constraints.Ordered](v, lo, hi T) bool {
	if hi < lo {
		lo, hi = hi, lo
	}
	return v >= lo && v <= hi
}

// StepToward moves v by step toward the bound in the direction of dir
// (dir < 0 means toward lo). A step that would cross the bound is reduced
// to a single unit; a value already at or past the bound lands on it, or
// on the opposite bound when wrap is set. Headroom is computed in 64 bits
// so steps near the ends of a narrow type cannot overflow.
func StepToward[T constraints.Signed](v, lo, hi, step T, dir int, wrap bool) T {
	if dir < 0 {
		switch {
		case v <= lo && wrap:
			return hi
		case v <= lo:
			return lo
		case int64(v)-int64(lo) >= int64(step):
			return v - step
		default:
			return v - 1
		}
	}
	switch {
	case v >= hi && wrap:
		return lo
	case v >= hi:
		return hi
	case int64(hi)-int64(v) >= int64(step):
		return v + step
	default:
		return v + 1
	}
}
