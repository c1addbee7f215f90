package device

import (
	"context"
	"sync/atomic"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Access flags of a buffer.
type Access uint8

const (
	Read Access = 1 << iota
	Write

	ReadWrite = Read | Write
)

func (a Access) String() string {
	switch a {
	case Read:
		return "read"
	case Write:
		return "write"
	case ReadWrite:
		return "read_write"
	default:
		return "none"
	}
}

// Resource is anything that can be bound to a dispatch.
type Resource interface {
	state() *resourceState
}

type resourceState struct {
	dev      *Device
	access   Access
	bytes    int64
	released atomic.Bool

	// failure is the error of the last command that wrote the resource,
	// or was skipped instead of writing it.
	failure atomic.Pointer[error]
}

// Buffer is a contiguous device-resident sequence of T.
//
// Kernels access the elements through Data. Host code must synchronize
// the streams writing a buffer before looking at its contents, which Read
// does. A buffer written by a failed command keeps that failure until a
// command overwrites it in full.
type Buffer[T any] struct {
	rs   resourceState
	data []T
}

func (b *Buffer[T]) state() *resourceState { return &b.rs }

func elementSize[T any]() int64 {
	var zero T
	return int64(unsafe.Sizeof(zero))
}

// Alloc allocates a buffer of count elements, initialized to the zero
// value of T.
func Alloc[T any](d *Device, count int, access Access) (*Buffer[T], error) {
	if err := d.Err(); err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, errors.Errorf("device %s: negative buffer length %d", d.name, count)
	}
	if count > d.limits.MaxBufferElements {
		return nil, errors.Wrapf(ErrLimit, "device %s: buffer of %d elements, maximum is %d",
			d.name, count, d.limits.MaxBufferElements)
	}
	bytes := int64(count) * elementSize[T]()
	if err := d.reserve(bytes); err != nil {
		return nil, err
	}
	b := &Buffer[T]{data: make([]T, count)}
	b.rs.dev = d
	b.rs.access = access
	b.rs.bytes = bytes
	if klog.V(3).Enabled() {
		klog.Infof("device %s: allocated %d elements (%s, %s)", d.name, count, humanize.IBytes(uint64(bytes)), access)
	}
	return b, nil
}

// FromSlice allocates a buffer holding a copy of data.
func FromSlice[T any](d *Device, data []T, access Access) (*Buffer[T], error) {
	b, err := Alloc[T](d, len(data), access)
	if err != nil {
		return nil, err
	}
	copy(b.data, data)
	return b, nil
}

// Len returns the number of elements.
func (b *Buffer[T]) Len() int { return len(b.data) }

// Access returns the access flags the buffer was allocated with.
func (b *Buffer[T]) Access() Access { return b.rs.access }

// Device returns the device owning the buffer.
func (b *Buffer[T]) Device() *Device { return b.rs.dev }

// Released reports whether Release was called.
func (b *Buffer[T]) Released() bool { return b.rs.released.Load() }

// Data returns the device memory of the buffer. It is meant for kernel
// bodies; host code should use Read.
func (b *Buffer[T]) Data() []T { return b.data }

// Err returns the failure that left the contents of the buffer
// untrustworthy, if any. Only commands that have already run count.
func (b *Buffer[T]) Err() error {
	if p := b.rs.failure.Load(); p != nil {
		return *p
	}
	return nil
}

// Read waits for all streams of the device and returns a copy of the
// contents. It fails if a command that wrote the buffer, or one it
// depended on, failed. Failures of unrelated work are left to the Sync of
// their streams.
func (b *Buffer[T]) Read(ctx context.Context) ([]T, error) {
	if b.Released() {
		return nil, ErrReleased
	}
	if err := b.rs.dev.wait(ctx); err != nil {
		return nil, err
	}
	if err := b.Err(); err != nil {
		return nil, err
	}
	out := make([]T, len(b.data))
	copy(out, b.data)
	return out, nil
}

// Release returns the memory of the buffer to the device. Commands
// already submitted that use the buffer still run, but the buffer can no
// longer be bound or read. Release is idempotent.
func (b *Buffer[T]) Release() {
	if b.rs.released.CompareAndSwap(false, true) {
		b.rs.dev.unreserve(b.rs.bytes)
	}
}
