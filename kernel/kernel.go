// Package kernel contains the device kernels of the scan engine, each
// specialised for one operator and one block layout:
//
// BlockScan rewrites every block of an array with its local exclusive
// scan, using the work-efficient Blelloch algorithm over the threads of one
// group, and writes the aggregate of every block into a sums array.
//
// BlockReduce computes only the block aggregates, leaving the array
// untouched.
//
// UniformAdd folds a per-block carry into every element of the block,
// the carry always being the left operand.
package kernel

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/exascience/parscan/device"
	"github.com/exascience/parscan/internal"
)

// Layout is the shape of one block: ThreadsPerBlock threads, each owning
// ElementsPerThread consecutive elements.
type Layout struct {
	ThreadsPerBlock   int
	ElementsPerThread int
}

// DefaultLayout is 256 threads × 8 elements, 2048 elements per block.
var DefaultLayout = Layout{ThreadsPerBlock: 256, ElementsPerThread: 8}

// ElementsPerBlock is the number of elements one block scans.
func (l Layout) ElementsPerBlock() int {
	return l.ThreadsPerBlock * l.ElementsPerThread
}

// Blocks returns the number of blocks needed for n elements. An empty
// array still takes one block.
func (l Layout) Blocks(n int) int {
	if n <= 0 {
		return 1
	}
	return internal.CeilDiv(n, l.ElementsPerBlock())
}

// Validate checks that ThreadsPerBlock is a power of two and that every
// thread owns at least one element.
func (l Layout) Validate() error {
	if !internal.IsPowerOfTwo(l.ThreadsPerBlock) {
		return errors.Errorf("threads per block must be a positive power of two, got %d", l.ThreadsPerBlock)
	}
	if l.ElementsPerThread < 1 {
		return errors.Errorf("elements per thread must be positive, got %d", l.ElementsPerThread)
	}
	return nil
}

func (l Layout) String() string {
	return fmt.Sprintf("%dx%d", l.ThreadsPerBlock, l.ElementsPerThread)
}

// Monoid is the operator a kernel is specialised for.
type Monoid[T any] struct {
	Combine  func(a, b T) T
	Identity T
}

type blockArgs[T any] interface {
	device.Bindings
	views() (data, sums []T, length int)
}

// ScanArgs are the bindings of BlockScan.
type ScanArgs[T any] struct {
	Data   *device.Buffer[T]
	Sums   *device.Buffer[T]
	Length int
}

func (a *ScanArgs[T]) Bind() []device.Binding {
	return []device.Binding{{Resource: a.Data, Write: true}, {Resource: a.Sums, Write: true, Overwrite: true}}
}

func (a *ScanArgs[T]) views() ([]T, []T, int) { return a.Data.Data(), a.Sums.Data(), a.Length }

// ReduceArgs are the bindings of BlockReduce. Data is only read.
type ReduceArgs[T any] struct {
	Data   *device.Buffer[T]
	Sums   *device.Buffer[T]
	Length int
}

func (a *ReduceArgs[T]) Bind() []device.Binding {
	return []device.Binding{{Resource: a.Data}, {Resource: a.Sums, Write: true, Overwrite: true}}
}

func (a *ReduceArgs[T]) views() ([]T, []T, int) { return a.Data.Data(), a.Sums.Data(), a.Length }

// AddArgs are the bindings of UniformAdd. Carries holds one element per
// block.
type AddArgs[T any] struct {
	Data    *device.Buffer[T]
	Carries *device.Buffer[T]
	Length  int
}

func (a *AddArgs[T]) Bind() []device.Binding {
	return []device.Binding{{Resource: a.Data, Write: true}, {Resource: a.Carries}}
}
