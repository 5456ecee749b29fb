package resources

import "golang.org/x/exp/constraints"

// Clamp returns the value `f` clamped to the range [low, high].
func Clamp[T constraints.Ordered](f, low, high T) T {
	if f < low {
		return low
	}
	if f > high {
		return high
	}
	return f
}

// satSub subtracts b from a without wrapping below zero.
func satSub[T constraints.Unsigned](a, b T) T {
	if b >= a {
		return 0
	}
	return a - b
}
