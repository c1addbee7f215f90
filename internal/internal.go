package internal

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/pkg/errors"
)

// ComputeNofBatches divides the number of thread groups of a dispatch by n.
// If n is 0, a default is used that takes runtime.GOMAXPROCS(0) into account.
func ComputeNofBatches(groups, n int) (batches int) {
	switch {
	case groups > 0:
		switch {
		case n == 0:
			batches = 2 * runtime.GOMAXPROCS(0)
		case n > 0:
			batches = n
		default:
			panic(fmt.Sprintf("invalid number of batches: %v", n))
		}
		if batches > groups {
			batches = groups
		}
	case groups == 0:
		batches = 1
	default:
		panic(fmt.Sprintf("invalid number of groups: %v", groups))
	}
	return
}

// CeilDiv returns ceil(a / b) for a >= 0 and b > 0.
func CeilDiv(a, b int) int {
	return (a + b - 1) / b
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

type runtimeError struct{ error }

func (runtimeError) RuntimeError() {}

// WrapPanic adds stack trace information to a recovered panic.
func WrapPanic(p interface{}) interface{} {
	if p != nil {
		s := fmt.Sprintf("%v\n%s\nrethrown at", p, debug.Stack())
		if _, isError := p.(error); isError {
			r := errors.New(s)
			if _, isRuntimeError := p.(runtime.Error); isRuntimeError {
				return runtimeError{r}
			}
			return r
		}
		return s
	}
	return nil
}
