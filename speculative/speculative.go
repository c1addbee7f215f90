/*
Package speculative provides range predicates similar to the range
functions in package parallel, except that they terminate early when
they can.

RangeAnd and RangeOr terminate early if the final return value is
known early (if any of the range predicates invoked in parallel
returns false for RangeAnd, or true for RangeOr). Equal builds on
RangeAnd to compare scan results with a reference without scanning
past the first mismatch.

None of the functions stop the execution of range predicates that may
still be running in parallel in case of early termination, and panics
of such predicates may not propagate to the invoking goroutine.
*/
package speculative

import (
	"fmt"
	"sync"

	"github.com/exascience/parscan/internal"
)

/*
RangeAnd receives a range, a batch count, and a range predicate,
divides the range into batches, and invokes the range predicate for
each of these batches in parallel.

The batches are determined by dividing up the size of the range (high
- low) by n. If n is 0, a reasonable default is used that takes
runtime.GOMAXPROCS(0) into account.

RangeAnd returns true if all range predicates return true; or false
as soon as one of them returns false, without waiting for the others
to terminate.

RangeAnd panics if high < low, or if n < 0. If range predicates panic,
RangeAnd may eventually panic with the left-most recovered panic value.
*/
func RangeAnd(low, high, n int, f func(low, high int) bool) bool {
	return speculate(low, high, n, false, f)
}

/*
RangeOr is like RangeAnd, but returns false if all range predicates
return false; or true as soon as one of them returns true.
*/
func RangeOr(low, high, n int, f func(low, high int) bool) bool {
	return speculate(low, high, n, true, f)
}

// speculate returns early once a batch yields decisive.
func speculate(low, high, n int, decisive bool, f func(low, high int) bool) bool {
	if high < low {
		panic(fmt.Sprintf("invalid range: %v:%v", low, high))
	}
	var recur func(int, int, int) bool
	recur = func(low, high, n int) bool {
		switch {
		case n == 1:
			return f(low, high)
		case n > 1:
			batchSize := ((high - low - 1) / n) + 1
			half := n / 2
			mid := low + batchSize*half
			if mid >= high {
				return f(low, high)
			}
			var b1 bool
			var p interface{}
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer func() {
					p = internal.WrapPanic(recover())
					wg.Done()
				}()
				b1 = recur(mid, high, n-half)
			}()
			if recur(low, mid, half) == decisive {
				return decisive
			}
			wg.Wait()
			if p != nil {
				panic(p)
			}
			return b1
		default:
			panic(fmt.Sprintf("invalid number of batches: %v", n))
		}
	}
	return recur(low, high, internal.ComputeNofBatches(high-low, n))
}

// Equal reports whether a and b have the same length and eq holds for
// all pairs of elements at the same index, comparing in parallel.
func Equal[T any](a, b []T, eq func(x, y T) bool) bool {
	if len(a) != len(b) {
		return false
	}
	return RangeAnd(0, len(a), 0, func(low, high int) bool {
		for i := low; i < high; i++ {
			if !eq(a[i], b[i]) {
				return false
			}
		}
		return true
	})
}
