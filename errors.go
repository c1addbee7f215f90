package parscan

import (
	"fmt"

	"github.com/pkg/errors"
)

// A ConfigurationError reports an invalid operator, layout, configuration
// string, or argument. It is always returned before anything is submitted
// to the device.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "parscan: invalid configuration: " + e.Reason
}

func configurationErrorf(format string, args ...interface{}) error {
	return errors.WithStack(&ConfigurationError{Reason: fmt.Sprintf(format, args...)})
}

// A CapacityError reports a request that exceeds a device limit or the
// maximum recursion depth. It is always returned before anything is
// submitted to the device.
type CapacityError struct {
	What      string
	Requested int
	Limit     int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("parscan: %s of %d exceeds the limit of %d", e.What, e.Requested, e.Limit)
}

func capacityError(what string, requested, limit int) error {
	return errors.WithStack(&CapacityError{What: what, Requested: requested, Limit: limit})
}

// A BackendError wraps a failure of the device: an allocation, a kernel
// compilation, or a submission. Unwrap returns the device error, so
// errors.Is(err, device.ErrOutOfMemory) and similar tests hold.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return "parscan: " + e.Op + ": " + e.Err.Error()
}

func (e *BackendError) Unwrap() error { return e.Err }

func backendError(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return errors.WithStack(&BackendError{Op: op, Err: err})
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsCapacityError reports whether err is or wraps a CapacityError.
func IsCapacityError(err error) bool {
	var target *CapacityError
	return errors.As(err, &target)
}

// IsBackendError reports whether err is or wraps a BackendError.
func IsBackendError(err error) bool {
	var target *BackendError
	return errors.As(err, &target)
}
