package audio

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the capture pipeline. Callers match them with
// [errors.Is]; concrete failures are wrapped with context via [DeviceError] or
// fmt.Errorf("%w").
var (
	// ErrInvalidDeviceIndex is returned when a device index is outside the
	// enumerated catalog. No device is opened when this is returned.
	ErrInvalidDeviceIndex = errors.New("audio: invalid device index")

	// ErrLineUnavailable is returned when a device cannot be opened in the
	// pipeline format.
	ErrLineUnavailable = errors.New("audio: line unavailable")

	// ErrCaptureTimeout is returned by a stop that could not join the producer
	// within its bound. Resources are released regardless.
	ErrCaptureTimeout = errors.New("audio: capture stop timed out")

	// ErrEmptySnapshot is returned when an export or analysis is requested on
	// an empty buffer.
	ErrEmptySnapshot = errors.New("audio: empty snapshot")

	// ErrExportIO is returned when a WAV file cannot be written.
	ErrExportIO = errors.New("audio: export failed")

	// ErrLineClosed is returned by [Line.Read] after the line was closed.
	ErrLineClosed = errors.New("audio: line closed")

	// ErrDeviceBusy is returned when a device is already open through this
	// process.
	ErrDeviceBusy = errors.New("audio: device busy")
)

// DeviceError annotates a backend failure with the operation and device it
// concerns. It unwraps to the underlying error, which is usually one of the
// sentinel errors above.
type DeviceError struct {
	// Op is the failed operation, e.g. "open" or "read".
	Op string

	// Index is the 0-based device index, or -1 for the system default line.
	Index int

	// Device is the device name when known.
	Device string

	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (e *DeviceError) Error() string {
	switch {
	case e.Index < 0:
		return fmt.Sprintf("audio: %s default line: %v", e.Op, e.Err)
	case e.Device != "":
		return fmt.Sprintf("audio: %s device %d (%s): %v", e.Op, e.Index, e.Device, e.Err)
	default:
		return fmt.Sprintf("audio: %s device %d: %v", e.Op, e.Index, e.Err)
	}
}

// Unwrap returns the underlying cause.
func (e *DeviceError) Unwrap() error { return e.Err }
