package parallel_test

import (
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exascience/parscan/parallel"
)

func numDivisors(n int) int {
	return parallel.RangeReduce(
		1, n+1, runtime.GOMAXPROCS(0),
		func(low, high int) int {
			var sum int
			for i := low; i < high; i++ {
				if (n % i) == 0 {
					sum++
				}
			}
			return sum
		},
		func(x, y int) int { return x + y },
	)
}

func ExampleRangeReduce() {
	findPrimes := func(n int) []int {
		return parallel.RangeReduce(
			2, n, 4*runtime.GOMAXPROCS(0),
			func(low, high int) []int {
				var slice []int
				for i := low; i < high; i++ {
					if numDivisors(i) == 2 {
						slice = append(slice, i)
					}
				}
				return slice
			},
			func(x, y []int) []int {
				return append(x, y...)
			},
		)
	}

	fmt.Println(findPrimes(20))

	// Output:
	// [2 3 5 7 11 13 17 19]
}

func ExampleRange() {
	squares := make([]int, 10)
	_ = parallel.Range(0, len(squares), 0, func(low, high int) error {
		for i := low; i < high; i++ {
			squares[i] = i * i
		}
		return nil
	})
	fmt.Println(squares)

	// Output:
	// [0 1 4 9 16 25 36 49 64 81]
}

func TestRangeCoversEveryIndexOnce(t *testing.T) {
	for _, n := range []int{0, 1, 3, 7, 64} {
		counts := make([]int32, 1000)
		err := parallel.Range(0, len(counts), n, func(low, high int) error {
			for i := low; i < high; i++ {
				atomic.AddInt32(&counts[i], 1)
			}
			return nil
		})
		require.NoError(t, err)
		for i, c := range counts {
			require.Equalf(t, int32(1), c, "index %d visited %d times with n=%d", i, c, n)
		}
	}
}

func TestRangeEmpty(t *testing.T) {
	calls := 0
	require.NoError(t, parallel.Range(5, 5, 0, func(low, high int) error {
		calls++
		assert.Equal(t, low, high)
		return nil
	}))
	assert.Equal(t, 1, calls)
}

func TestRangeReturnsLeftMostError(t *testing.T) {
	errLow := errors.New("low")
	errHigh := errors.New("high")
	err := parallel.Range(0, 100, 4, func(low, high int) error {
		switch low {
		case 0:
			return errLow
		case 75:
			return errHigh
		}
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, []error{errLow, errHigh}, err)
}

func TestRangePropagatesPanic(t *testing.T) {
	defer func() {
		p := recover()
		require.NotNil(t, p)
		assert.True(t, strings.Contains(fmt.Sprint(p), "boom"))
	}()
	_ = parallel.Range(0, 64, 8, func(low, high int) error {
		if low >= 32 {
			panic("boom")
		}
		return nil
	})
	t.Fatal("Range did not panic")
}

func TestRangeReduceKeepsOrder(t *testing.T) {
	letters := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k"}
	for _, n := range []int{1, 2, 3, 5, 11, 0} {
		got := parallel.RangeReduce(0, len(letters), n,
			func(low, high int) string { return strings.Join(letters[low:high], "") },
			func(x, y string) string { return x + y },
		)
		assert.Equal(t, "abcdefghijk", got, "n=%d", n)
	}
}
