// Package parallel provides the divide-and-conquer helpers used to spread
// thread groups of one dispatch, or host-side folds, across goroutines.
//
// Both functions split a half-open range recursively in two, run the upper
// half in a new goroutine and the lower half in the current one, and only
// return when every half has terminated.
package parallel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/exascience/parscan/internal"
)

// Range receives a range, a batch count n, and a range function f,
// divides the range into batches, and invokes the range function for
// each of these batches in parallel, covering the half-open interval
// from low to high, including low but excluding high.
//
// The batches are determined by dividing up the size of the range
// (high - low) by n. If n is 0, a reasonable default is used that takes
// runtime.GOMAXPROCS(0) into account.
//
// Range always waits for every batch that was started, because batches
// may still be writing into shared memory. Once a batch has returned an
// error, batches that have not been started yet are skipped. Range
// returns the left-most error value that is different from nil.
//
// If one or more range function invocations panic, the corresponding
// goroutines recover the panics, and Range eventually panics with the
// left-most recovered panic value, annotated with its stack trace.
//
// Range panics if high < low, or if n < 0.
func Range(
	low, high, n int,
	f func(low, high int) error,
) error {
	if high < low {
		panic(fmt.Sprintf("invalid range: %v:%v", low, high))
	}
	var failed atomic.Bool
	var recur func(int, int, int) error
	recur = func(low, high, n int) (err error) {
		if failed.Load() {
			return nil
		}
		switch {
		case n == 1:
			if err = f(low, high); err != nil {
				failed.Store(true)
			}
			return
		case n > 1:
			batchSize := ((high - low - 1) / n) + 1
			half := n / 2
			mid := low + batchSize*half
			if mid >= high {
				return recur(low, high, 1)
			}
			var err0, err1 error
			var p interface{}
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer func() {
					p = internal.WrapPanic(recover())
					wg.Done()
				}()
				err1 = recur(mid, high, n-half)
			}()
			err0 = recur(low, mid, half)
			wg.Wait()
			if p != nil {
				panic(p)
			}
			if err0 != nil {
				err = err0
			} else {
				err = err1
			}
			return
		default:
			panic(fmt.Sprintf("invalid number of batches: %v", n))
		}
	}
	return recur(low, high, internal.ComputeNofBatches(high-low, n))
}

// RangeReduce receives a range, a batch count, a range reducer reduce,
// and a pair reducer pair, divides the range into batches, and invokes
// the range reducer for each of these batches in parallel, covering the
// half-open interval from low to high. The results of the range reducer
// invocations are then combined by repeated invocations of the pair
// reducer.
//
// The left operand of pair always covers the lower part of the range, so
// RangeReduce is correct for associative but non-commutative pair
// reducers.
//
// An empty range invokes reduce once with low == high.
//
// RangeReduce panics if high < low, or if n < 0. Panics of reducers are
// propagated like in Range.
func RangeReduce[T any](
	low, high, n int,
	reduce func(low, high int) T,
	pair func(x, y T) T,
) T {
	if high < low {
		panic(fmt.Sprintf("invalid range: %v:%v", low, high))
	}
	var recur func(int, int, int) T
	recur = func(low, high, n int) T {
		switch {
		case n == 1:
			return reduce(low, high)
		case n > 1:
			batchSize := ((high - low - 1) / n) + 1
			half := n / 2
			mid := low + batchSize*half
			if mid >= high {
				return reduce(low, high)
			}
			var left, right T
			var p interface{}
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer func() {
					p = internal.WrapPanic(recover())
					wg.Done()
				}()
				right = recur(mid, high, n-half)
			}()
			left = recur(low, mid, half)
			wg.Wait()
			if p != nil {
				panic(p)
			}
			return pair(left, right)
		default:
			panic(fmt.Sprintf("invalid number of batches: %v", n))
		}
	}
	return recur(low, high, internal.ComputeNofBatches(high-low, n))
}
