package parscan

import (
	"context"
	"time"

	"github.com/exascience/parscan/device"
)

// Timing measures the device execution of one call, from just before
// its first dispatch to just after its last one.
type Timing struct {
	// Levels is the recursion depth of the call.
	Levels int

	// Dispatches is the number of kernel dispatches of the call.
	Dispatches int

	start, end *device.Timestamp
}

// Wait blocks until the device has executed the call, and returns the
// elapsed device time.
func (t *Timing) Wait(ctx context.Context) (time.Duration, error) {
	start, err := t.start.Wait(ctx)
	if err != nil {
		return 0, err
	}
	end, err := t.end.Wait(ctx)
	if err != nil {
		return 0, err
	}
	return end.Sub(start), nil
}

type callOptions struct {
	timing func(*Timing)
}

// A CallOption configures one Scan or Reduce call.
type CallOption func(o *callOptions)

// WithTiming asks for the device time of the call. f is called once the
// whole dispatch sequence has been submitted, and only if submission
// succeeded.
func WithTiming(f func(*Timing)) CallOption {
	return func(o *callOptions) { o.timing = f }
}
