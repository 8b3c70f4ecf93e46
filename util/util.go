// Package util contains misc internal utilities.
package util

import "math"

// Clamp restricts x to the range [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Arange returns evenly spaced ints on the half-open interval [start, stop)
// with the given step.  e.g., Arange(-1000, 1001, 500) => [-1000 -500 0 500 1000]
func Arange(start, stop, step int) []int {
	if step <= 0 || stop <= start {
		return nil
	}
	out := make([]int, 0, (stop-start)/step+1)
	for v := start; v < stop; v += step {
		out = append(out, v)
	}
	return out
}

// DBmToLinear converts a power in dBm to linear units (mW).
func DBmToLinear(dbm float64) float64 {
	return math.Pow(10, dbm/10)
}
