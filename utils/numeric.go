// Package utils provides small numeric helpers shared across the
// controller, regulator and measurement clamping logic.
package utils //nolint:revive // utils is a common and acceptable package name

import (
	"math"

	"golang.org/x/exp/constraints"
)

// Clamp restricts v to the inclusive range [lo, hi].
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Round2 rounds a float64 to two decimal places using the classic
// "add half, truncate" approach the rectifier firmware expects.
func Round2(v float64) float64 {
	return math.Floor(v*100+0.5) / 100
}
