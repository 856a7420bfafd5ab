package audio

import (
	"fmt"
	"io"
)

// Device describes one input device as reported by a [Backend].
type Device struct {
	// Index is the 0-based position in the catalog for the current enumeration.
	// Interfaces that show devices to people present Index+1.
	Index int

	// Name is the backend-reported device name.
	Name string

	// Description is a free-form description (host API, vendor).
	Description string

	// Exact reports that the device advertised the pipeline format exactly.
	Exact bool

	// SupportsFormat is Exact, or a generic input-line capability that
	// probably accepts the pipeline format. It is best effort; opening may
	// still fail with [ErrLineUnavailable].
	SupportsFormat bool
}

// Marker returns "[OK]" for devices that probably support the pipeline format
// and "[?]" otherwise.
func (d Device) Marker() string {
	if d.SupportsFormat {
		return "[OK]"
	}
	return "[?]"
}

// Line is an open capture line delivering PCM in the format it was opened
// with.
//
// Read blocks until at least some data is available or the line is closed.
// Close unblocks a pending Read, which then returns [ErrLineClosed] (finite
// sources return [io.EOF] when exhausted). Close is idempotent.
type Line interface {
	io.Reader
	io.Closer
}

// Backend enumerates and opens input devices on one host audio API.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Backend interface {
	// Name identifies the backend, e.g. "portaudio".
	Name() string

	// Devices enumerates input devices. The order is stable for the lifetime
	// of one call only; callers must not cache indices across enumerations.
	// No device is opened.
	Devices() ([]Device, error)

	// Open opens device index for capture in f. Out-of-range indices fail
	// with [ErrInvalidDeviceIndex] before any device is touched. A device that
	// cannot deliver f fails with [ErrLineUnavailable].
	Open(index int, f Format) (Line, error)

	// OpenDefault opens the system default input line in f.
	OpenDefault(f Format) (Line, error)

	// Close releases backend-wide resources. Lines opened from the backend
	// must be closed first.
	Close() error
}

// ListInputDevices enumerates the input devices of b and normalises their
// indices to match catalog order.
func ListInputDevices(b Backend) ([]Device, error) {
	devices, err := b.Devices()
	if err != nil {
		return nil, fmt.Errorf("audio: list devices (%s): %w", b.Name(), err)
	}
	for i := range devices {
		devices[i].Index = i
		if devices[i].Exact {
			devices[i].SupportsFormat = true
		}
	}
	return devices, nil
}

// CheckIndex verifies index against devices and returns the matching device.
func CheckIndex(devices []Device, index int) (Device, error) {
	if index < 0 || index >= len(devices) {
		return Device{}, fmt.Errorf("%w: %d (catalog has %d devices)", ErrInvalidDeviceIndex, index, len(devices))
	}
	return devices[index], nil
}
