package device

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrOutOfMemory is returned when an allocation exceeds the memory limit.
	ErrOutOfMemory = errors.New("device: out of memory")

	// ErrDeviceLost is returned by every operation on a lost device.
	ErrDeviceLost = errors.New("device: lost")

	// ErrLimit is returned when a request exceeds one of the device Limits.
	ErrLimit = errors.New("device: limit exceeded")

	// ErrReleased is returned when a released buffer is bound or read.
	ErrReleased = errors.New("device: buffer released")

	// ErrReadOnly is returned when a read-only buffer is bound for writing.
	ErrReadOnly = errors.New("device: buffer is read-only")

	// ErrForeign is returned when a resource of another device is used.
	ErrForeign = errors.New("device: resource belongs to another device")
)

// KernelPanic reports a panic raised by a kernel thread.
type KernelPanic struct {
	Kernel string
	Group  int
	Thread int
	Value  interface{}
}

func (p *KernelPanic) Error() string {
	return fmt.Sprintf("device: kernel %q panicked in group %d thread %d: %v", p.Kernel, p.Group, p.Thread, p.Value)
}
