package kernel

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/exascience/parscan/device"
)

// Set holds the three pipelines of one operator and one layout, compiled
// for one device.
type Set struct {
	Layout Layout
	Scan   *device.Pipeline
	Reduce *device.Pipeline
	Add    *device.Pipeline
}

// Names returns the kernel names Compile uses for an operator.
func Names(operator string, l Layout) (scan, reduce, add string) {
	suffix := fmt.Sprintf("%s_%s", operator, l)
	return "block_scan_" + suffix, "block_reduce_" + suffix, "uniform_add_" + suffix
}

// Compile specialises and compiles the three kernels for m and l.
func Compile[T any](d *device.Device, operator string, m Monoid[T], l Layout) (*Set, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if m.Combine == nil {
		return nil, errors.Errorf("operator %q has no combine function", operator)
	}
	scanName, reduceName, addName := Names(operator, l)
	set := &Set{Layout: l}
	var err error
	if set.Scan, err = device.Compile(d, BlockScan(scanName, m, l)); err != nil {
		return nil, err
	}
	if set.Reduce, err = device.Compile(d, BlockReduce(reduceName, m, l)); err != nil {
		return nil, err
	}
	if set.Add, err = device.Compile(d, UniformAdd(addName, m, l)); err != nil {
		return nil, err
	}
	return set, nil
}
