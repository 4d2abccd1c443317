package mathx

import "golang.org/x/exp/constraints"

// Map maps x in [inMin,inMax] to [outMin,outMax] using 64-bit intermediates.
// Clamps to the out range if input is outside.
func Map[T constraints.Integer](x, inMin, inMax, outMin, outMax T) T {
	if inMax == inMin {
		return outMin
	}
	if x <= inMin {
		return outMin
	}
	if x >= inMax {
		return outMax
	}
	num := (int64(x) - int64(inMin)) * (int64(outMax) - int64(outMin))
	den := int64(inMax) - int64(inMin)
	return T(int64(outMin) + num/den)
}
