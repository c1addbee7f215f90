package parscan

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/exascience/parscan/device"
	"github.com/exascience/parscan/kernel"
)

type mode int

const (
	scanMode mode = iota
	reduceMode
)

func (m mode) String() string {
	if m == reduceMode {
		return "reduce"
	}
	return "scan"
}

// makePlan returns the number of blocks of every recursion level for n
// elements, after checking it against the device limits and MaxLevels.
func makePlan(c *Context, n int) ([]int, error) {
	limits := c.dev.Limits()
	if n > limits.MaxBufferElements {
		return nil, capacityError("buffer length", n, limits.MaxBufferElements)
	}
	l := c.config.Layout()
	var plan []int
	for length := n; ; length = plan[len(plan)-1] {
		blocks := l.Blocks(length)
		if blocks > limits.MaxGroupsPerDispatch {
			return nil, capacityError(fmt.Sprintf("number of blocks at level %d", len(plan)), blocks, limits.MaxGroupsPerDispatch)
		}
		plan = append(plan, blocks)
		if len(plan) > c.config.MaxLevels {
			return nil, capacityError("recursion depth", len(plan), c.config.MaxLevels)
		}
		if blocks == 1 {
			return plan, nil
		}
	}
}

func prepare[T any](c *Context, buf *device.Buffer[T], op *Operator[T], m mode) ([]int, *kernel.Set, error) {
	if c == nil {
		return nil, nil, configurationErrorf("nil context")
	}
	if err := op.validate(); err != nil {
		return nil, nil, err
	}
	if err := checkBuffer(c, buf, m == scanMode); err != nil {
		return nil, nil, err
	}
	plan, err := makePlan(c, buf.Len())
	if err != nil {
		return nil, nil, err
	}
	entry, err := lookupKernels(c.cache, c.dev, op, c.config.Layout(), c.config.CompileShaders)
	if err != nil {
		return nil, nil, err
	}
	klog.V(2).Infof("parscan: %s of %d elements with %q on %s, blocks per level %v", m, buf.Len(), op.name, c.stream, plan)
	return plan, entry.set, nil
}

func checkBuffer[T any](c *Context, buf *device.Buffer[T], write bool) error {
	switch {
	case buf == nil:
		return configurationErrorf("nil buffer")
	case buf.Device() != c.dev:
		return configurationErrorf("buffer of device %s used on device %s", buf.Device(), c.dev)
	case buf.Released():
		return configurationErrorf("buffer has been released")
	case write && buf.Access()&device.Write == 0:
		return configurationErrorf("scanning a %s buffer in place", buf.Access())
	}
	return nil
}

// run is one call: the dispatch sequence of all its levels.
type run[T any] struct {
	c    *Context
	set  *kernel.Set
	mode mode
	plan []int

	options    callOptions
	start      *device.Timestamp
	dispatches int

	borrowed []scratch
	result   *device.Buffer[T]
}

func newRun[T any](c *Context, set *kernel.Set, m mode, plan []int, options []CallOption) *run[T] {
	r := &run[T]{c: c, set: set, mode: m, plan: plan}
	for _, option := range options {
		option(&r.options)
	}
	return r
}

func (r *run[T]) dispatch(p *device.Pipeline, args device.Bindings, groups int) error {
	if r.options.timing != nil && r.start == nil {
		r.start = r.c.stream.Timestamp()
	}
	if err := r.c.stream.Dispatch(p, args, groups); err != nil {
		return backendError("dispatching "+p.Name(), err)
	}
	r.dispatches++
	return nil
}

// level scans, or reduces, length elements of data. Every level writes
// the aggregates of its blocks into a sums buffer, and the next level
// scans these sums in place, which turns them into the carries of the
// blocks. In reduce mode, the 1-element sums of the last level is the
// result.
func (r *run[T]) level(data *device.Buffer[T], length, level int) error {
	blocks := r.plan[level]
	var (
		sums *device.Buffer[T]
		err  error
	)
	if blocks == 1 && r.mode == reduceMode {
		sums, err = device.Alloc[T](r.c.dev, 1, device.ReadWrite)
		r.result = sums
	} else {
		var item scratch
		if sums, item, err = acquire[T](r.c.pool, level, blocks); err == nil {
			r.borrowed = append(r.borrowed, item)
		}
	}
	if err != nil {
		return backendError(fmt.Sprintf("allocating sums of level %d", level), err)
	}

	if r.mode == reduceMode {
		err = r.dispatch(r.set.Reduce, &kernel.ReduceArgs[T]{Data: data, Sums: sums, Length: length}, blocks)
	} else {
		err = r.dispatch(r.set.Scan, &kernel.ScanArgs[T]{Data: data, Sums: sums, Length: length}, blocks)
	}
	if err != nil || blocks == 1 {
		return err
	}
	if err := r.level(sums, blocks, level+1); err != nil || r.mode == reduceMode {
		return err
	}
	return r.dispatch(r.set.Add, &kernel.AddArgs[T]{Data: data, Carries: sums, Length: length}, blocks)
}

// finish gives the scratch buffers back once the stream has executed
// everything submitted so far, whether the sequence was complete or not.
func (r *run[T]) finish(err error) error {
	stream := r.c.stream
	if len(r.borrowed) > 0 {
		pool, borrowed := r.c.pool, r.borrowed
		stream.Then(func() { pool.giveBack(borrowed) })
	}
	if err != nil {
		if r.result != nil {
			stream.Then(r.result.Release)
		}
		klog.V(2).Infof("parscan: %s aborted after %d dispatches: %v", r.mode, r.dispatches, err)
		return err
	}
	if r.options.timing != nil {
		r.options.timing(&Timing{
			Levels:     len(r.plan),
			Dispatches: r.dispatches,
			start:      r.start,
			end:        stream.Timestamp(),
		})
	}
	return nil
}

/*
Scan replaces the contents of buf with its exclusive scan under op:
element i becomes the combination, from left to right, of the identity
and the elements 0 to i-1. buf must be writable. An empty buffer is
valid and left untouched.

Scan only submits work to the stream of the context and returns buf
without waiting. Its result is visible to later work on the same
stream, and to buf.Read.

Invalid arguments are ConfigurationErrors, and requests beyond the
device limits are CapacityErrors. Both are reported before anything is
submitted. Failures of the device are BackendErrors; dispatches
submitted before a failure are not undone.
*/
func Scan[T any](c *Context, buf *device.Buffer[T], op *Operator[T], options ...CallOption) (*device.Buffer[T], error) {
	plan, set, err := prepare(c, buf, op, scanMode)
	if err != nil {
		return nil, err
	}
	r := newRun[T](c, set, scanMode, plan, options)
	if err := r.finish(r.level(buf, buf.Len(), 0)); err != nil {
		return nil, err
	}
	return buf, nil
}

// ScanTo is like Scan, but first copies src into dst and scans dst. If
// dst and src are the same buffer, ScanTo is Scan.
func ScanTo[T any](c *Context, dst, src *device.Buffer[T], op *Operator[T], options ...CallOption) (*device.Buffer[T], error) {
	if dst == src {
		return Scan(c, dst, op, options...)
	}
	if c == nil {
		return nil, configurationErrorf("nil context")
	}
	if err := checkBuffer(c, src, false); err != nil {
		return nil, err
	}
	if dst != nil && dst.Len() != src.Len() {
		return nil, configurationErrorf("scanning %d elements into a buffer of %d", src.Len(), dst.Len())
	}
	plan, set, err := prepare(c, dst, op, scanMode)
	if err != nil {
		return nil, err
	}
	if err := device.Copy(c.stream, dst, src); err != nil {
		return nil, backendError("copying input", err)
	}
	r := newRun[T](c, set, scanMode, plan, options)
	if err := r.finish(r.level(dst, dst.Len(), 0)); err != nil {
		return nil, err
	}
	return dst, nil
}

// Reduce returns a new 1-element buffer that will hold the combination
// of all elements of buf, from left to right; the identity for an empty
// buffer. buf is only read. The caller owns the returned buffer.
//
// Like Scan, Reduce does not wait for the device, and reports errors in
// the same way.
func Reduce[T any](c *Context, buf *device.Buffer[T], op *Operator[T], options ...CallOption) (*device.Buffer[T], error) {
	plan, set, err := prepare(c, buf, op, reduceMode)
	if err != nil {
		return nil, err
	}
	r := newRun[T](c, set, reduceMode, plan, options)
	if err := r.finish(r.level(buf, buf.Len(), 0)); err != nil {
		return nil, err
	}
	return r.result, nil
}

// ScanSlice returns the exclusive scan of data, computed on the device of
// c. It blocks until the result is available.
func ScanSlice[T any](ctx context.Context, c *Context, data []T, op *Operator[T]) ([]T, error) {
	if c == nil {
		return nil, configurationErrorf("nil context")
	}
	buf, err := device.FromSlice(c.dev, data, device.ReadWrite)
	if err != nil {
		return nil, backendError("uploading input", err)
	}
	defer buf.Release()
	if _, err := Scan(c, buf, op); err != nil {
		return nil, err
	}
	out, err := buf.Read(ctx)
	if err != nil {
		return nil, backendError("reading result", err)
	}
	return out, nil
}

// ReduceSlice returns the reduction of data, computed on the device of c.
// It blocks until the result is available.
func ReduceSlice[T any](ctx context.Context, c *Context, data []T, op *Operator[T]) (result T, err error) {
	if c == nil {
		return result, configurationErrorf("nil context")
	}
	buf, err := device.FromSlice(c.dev, data, device.Read)
	if err != nil {
		return result, backendError("uploading input", err)
	}
	defer buf.Release()
	res, err := Reduce(c, buf, op)
	if err != nil {
		return result, err
	}
	defer res.Release()
	out, err := res.Read(ctx)
	if err != nil {
		return result, backendError("reading result", err)
	}
	return out[0], nil
}
