package audio

import (
	"errors"
	"fmt"
)

// ErrDeviceStopped is returned by Device.Wait once the device has been stopped.
// It is the normal way for a blocked capture loop to learn it should exit.
var ErrDeviceStopped = errors.New("capture device stopped")

// DeviceInfo identifies a capture device returned by a Driver
type DeviceInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Driver enumerates and opens capture devices
type Driver interface {
	// DefaultDevice returns the default input device, or a DeviceError of kind NoDevice
	DefaultDevice() (DeviceInfo, error)

	// Open prepares a device with a ring of layout.BufferSize() bytes that signals
	// at every layout.NotifyPositions() offset
	Open(info DeviceInfo, format Format, layout Layout) (Device, error)
}

// Device is the minimal contract the CaptureBuffer needs from a capture API.
type Device interface {
	// Start begins writing captured audio into the ring
	Start() error

	// Wait blocks until the next slice notification. It returns ErrDeviceStopped
	// after Stop, and any other error when the device has failed.
	Wait() error

	// Position returns the capture cursor and the read cursor. Data up to the
	// read cursor is safe to read.
	Position() (capturePos, readPos int, err error)

	// ReadAt copies len(p) bytes from the ring starting at offset, wrapping at the end
	ReadAt(p []byte, offset int) (int, error)

	// Stop halts capture and unblocks any pending Wait
	Stop() error

	// Close releases the ring and device resources
	Close() error
}

// DeviceErrorKind classifies device initialization failures
type DeviceErrorKind int

const (
	NoDevice DeviceErrorKind = iota + 1
	PermissionDenied
	FormatUnsupported
	DeviceUnavailable
)

// String returns the kind name
func (k DeviceErrorKind) String() string {
	switch k {
	case NoDevice:
		return "no_device"
	case PermissionDenied:
		return "permission_denied"
	case FormatUnsupported:
		return "format_unsupported"
	case DeviceUnavailable:
		return "device_unavailable"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// DeviceError is returned when capture cannot start. Capture never begins.
type DeviceError struct {
	Kind DeviceErrorKind
	Err  error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("capture device error: %s", e.Kind)
	}
	return fmt.Sprintf("capture device error: %s: %v", e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// CaptureFault reports a device that stopped responding mid-session.
// It is terminal: the owner must call Stop.
type CaptureFault struct {
	Op  string
	Err error
}

func (e *CaptureFault) Error() string {
	return fmt.Sprintf("capture fault during %s: %v", e.Op, e.Err)
}

func (e *CaptureFault) Unwrap() error { return e.Err }
