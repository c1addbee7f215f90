// Package device implements the compute backend the scan engine runs on:
// a massively parallel device emulated with goroutines.
//
// A dispatch launches a grid of thread groups. The groups of one dispatch
// run concurrently with no ordering between them; the threads of one group
// run as goroutines that share group-local memory and synchronize through a
// group barrier. Commands submitted to one Stream execute strictly in
// submission order, and a later command observes every write of the
// earlier ones.
//
// Submitting work never blocks on its execution. Host code blocks only in
// Stream.Sync, Device.Sync, Buffer.Read and Timestamp.Wait.
package device

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Limits are the capabilities of a Device. Requests above a limit fail
// with ErrLimit.
type Limits struct {
	// MaxThreadsPerGroup is the largest group size a kernel may declare.
	MaxThreadsPerGroup int

	// MaxSharedElements is the largest group-local storage, in elements,
	// a kernel may declare.
	MaxSharedElements int

	// MaxGroupsPerDispatch is the largest grid of one dispatch.
	MaxGroupsPerDispatch int

	// MaxBufferElements is the largest buffer, in elements.
	MaxBufferElements int
}

// DefaultLimits returns limits in the range of a typical discrete GPU.
func DefaultLimits() Limits {
	return Limits{
		MaxThreadsPerGroup:   1024,
		MaxSharedElements:    1 << 14,
		MaxGroupsPerDispatch: 65535,
		MaxBufferElements:    math.MaxInt32,
	}
}

// Stats are monotonic counters of a Device.
type Stats struct {
	Compilations   int64
	Dispatches     int64
	Allocations    int64
	AllocatedBytes int64
	PeakBytes      int64
}

// An Option configures a Device.
type Option func(d *Device)

// WithName sets the name used in logs.
func WithName(name string) Option {
	return func(d *Device) { d.name = name }
}

// WithParallelism sets the number of batches the groups of one dispatch
// are split into. 0 selects a default based on runtime.GOMAXPROCS(0).
func WithParallelism(n int) Option {
	return func(d *Device) { d.parallelism = n }
}

// WithLimits replaces DefaultLimits.
func WithLimits(limits Limits) Option {
	return func(d *Device) { d.limits = limits }
}

// WithMemoryLimit bounds the total size of live buffers, in bytes. Zero
// means unlimited.
func WithMemoryLimit(bytes int64) Option {
	return func(d *Device) { d.memoryLimit = bytes }
}

// WithCompileHook installs a function that is called for every kernel
// compilation and can fail it. It emulates backend compilers rejecting a
// kernel.
func WithCompileHook(hook func(desc KernelDesc) error) Option {
	return func(d *Device) { d.compileHook = hook }
}

var nextID atomic.Uint64

// Device is an execution context: it owns memory accounting, compiled
// pipelines, and streams.
type Device struct {
	id          uint64
	uuid        uuid.UUID
	name        string
	limits      Limits
	parallelism int
	memoryLimit int64
	compileHook func(desc KernelDesc) error

	lost atomic.Pointer[error]

	compilations atomic.Int64
	dispatches   atomic.Int64
	allocations  atomic.Int64
	allocated    atomic.Int64
	peak         atomic.Int64

	mu      sync.Mutex
	streams []*Stream
}

// New creates a Device.
func New(options ...Option) *Device {
	d := &Device{
		id:     nextID.Add(1),
		uuid:   uuid.New(),
		limits: DefaultLimits(),
	}
	for _, option := range options {
		option(d)
	}
	if d.name == "" {
		d.name = fmt.Sprintf("cpu-%s", d.uuid.String()[:8])
	}
	if d.parallelism < 0 {
		d.parallelism = 0
	}
	klog.V(1).Infof("device %s: created, %d CPUs, memory limit %s", d.name, runtime.NumCPU(), memoryString(d.memoryLimit))
	return d
}

func memoryString(bytes int64) string {
	if bytes <= 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(bytes))
}

// ID is a process-unique identifier that is never reused.
func (d *Device) ID() uint64 { return d.id }

// UUID identifies the device in logs.
func (d *Device) UUID() uuid.UUID { return d.uuid }

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Limits returns the device limits.
func (d *Device) Limits() Limits { return d.limits }

func (d *Device) String() string { return d.name }

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	return Stats{
		Compilations:   d.compilations.Load(),
		Dispatches:     d.dispatches.Load(),
		Allocations:    d.allocations.Load(),
		AllocatedBytes: d.allocated.Load(),
		PeakBytes:      d.peak.Load(),
	}
}

// Lose marks the device as lost. Every later allocation, compilation, or
// submission fails with ErrDeviceLost, and commands still queued are
// skipped.
func (d *Device) Lose(cause error) {
	err := errors.Wrapf(ErrDeviceLost, "device %s: %v", d.name, cause)
	if d.lost.CompareAndSwap(nil, &err) {
		klog.Errorf("device %s lost: %v", d.name, cause)
	}
}

// Err returns the device-loss error, or nil while the device is usable.
func (d *Device) Err() error {
	if p := d.lost.Load(); p != nil {
		return *p
	}
	return nil
}

func (d *Device) reserve(bytes int64) error {
	for {
		current := d.allocated.Load()
		next := current + bytes
		if d.memoryLimit > 0 && next > d.memoryLimit {
			return errors.Wrapf(ErrOutOfMemory, "device %s: allocating %s with %s of %s in use",
				d.name, humanize.IBytes(uint64(bytes)), humanize.IBytes(uint64(current)), humanize.IBytes(uint64(d.memoryLimit)))
		}
		if d.allocated.CompareAndSwap(current, next) {
			for {
				peak := d.peak.Load()
				if next <= peak || d.peak.CompareAndSwap(peak, next) {
					break
				}
			}
			d.allocations.Add(1)
			return nil
		}
	}
}

func (d *Device) unreserve(bytes int64) {
	d.allocated.Add(-bytes)
}

// DefaultStream returns the stream created with the device, creating it
// on first use.
func (d *Device) DefaultStream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		d.streams = append(d.streams, newStream(d, "default"))
	}
	return d.streams[0]
}

// NewStream creates an additional stream. Commands on different streams
// are not ordered with respect to each other.
func (d *Device) NewStream(name string) *Stream {
	d.DefaultStream()
	d.mu.Lock()
	defer d.mu.Unlock()
	s := newStream(d, name)
	d.streams = append(d.streams, s)
	return s
}

func (d *Device) allStreams() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Stream(nil), d.streams...)
}

// wait blocks until every stream of the device has run what was
// submitted to it so far, and reports a lost device.
func (d *Device) wait(ctx context.Context) error {
	for _, s := range d.allStreams() {
		if err := s.wait(ctx); err != nil {
			return err
		}
	}
	return d.Err()
}

// Sync waits for every stream of the device and returns the first
// failure any of them has pending. Unlike Stream.Sync it does not clear
// the failures, which stay with the Sync of their own streams.
func (d *Device) Sync(ctx context.Context) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	for _, s := range d.allStreams() {
		if err := s.pending(); err != nil {
			return err
		}
	}
	return nil
}
