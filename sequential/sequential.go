// Package sequential provides sequential implementations of the scans
// and reductions computed by package parscan. This is useful for
// testing and debugging.
//
// It is not recommended to use the implementations of this package for
// any other purpose, because they are almost certainly too inefficient
// compared to a device scan for large inputs.
package sequential

import (
	"golang.org/x/exp/constraints"
)

// Reduce folds all elements of in from left to right, starting with
// identity. An empty input yields identity.
func Reduce[T any](in []T, combine func(a, b T) T, identity T) T {
	acc := identity
	for _, v := range in {
		acc = combine(acc, v)
	}
	return acc
}

// ExclusiveScan returns a new slice where result[0] is identity and
// result[i] is combine(result[i-1], in[i-1]).
func ExclusiveScan[T any](in []T, combine func(a, b T) T, identity T) []T {
	out := make([]T, len(in))
	acc := identity
	for i, v := range in {
		out[i] = acc
		acc = combine(acc, v)
	}
	return out
}

// InclusiveScan returns a new slice where result[i] is the fold of
// in[0..i].
func InclusiveScan[T any](in []T, combine func(a, b T) T, identity T) []T {
	out := make([]T, len(in))
	acc := identity
	for i, v := range in {
		acc = combine(acc, v)
		out[i] = acc
	}
	return out
}

// Sum is the exclusive running sum of in.
func Sum[T constraints.Integer | constraints.Float](in []T) []T {
	return ExclusiveScan(in, func(a, b T) T { return a + b }, 0)
}
