package edge

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAvailableDevice is returned when no online device satisfies a
	// selection.
	ErrNoAvailableDevice = errors.New("edge: no available device")
	// ErrDeviceNotFound is returned for operations on unknown device ids.
	ErrDeviceNotFound = errors.New("edge: device not found")
)

// DeviceUnavailableError is returned by Distribute when the chosen device
// and the single re-route candidate both failed.
type DeviceUnavailableError struct {
	DeviceID string
	Err      error
}

func (e *DeviceUnavailableError) Error() string {
	return fmt.Sprintf("device %s unavailable: %v", e.DeviceID, e.Err)
}

func (e *DeviceUnavailableError) Unwrap() error { return e.Err }

// StatusCode maps the error to HTTP 503.
func (e *DeviceUnavailableError) StatusCode() int { return 503 }

// IsDeviceUnavailable reports whether err is a DeviceUnavailableError.
func IsDeviceUnavailable(err error) bool {
	var du *DeviceUnavailableError
	return errors.As(err, &du)
}

// UnreachableError marks an executor failure caused by the device not
// answering at all. The coordinator marks such devices offline.
type UnreachableError struct {
	DeviceID string
	Err      error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("device %s unreachable: %v", e.DeviceID, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// IsUnreachable reports whether err is an UnreachableError.
func IsUnreachable(err error) bool {
	var ue *UnreachableError
	return errors.As(err, &ue)
}

// RemoteError is a failure reported by a peer in its response envelope.
type RemoteError struct {
	DeviceID string
	Status   int
	Msg      string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("device %s: status %d: %s", e.DeviceID, e.Status, e.Msg)
}

// Permanent reports whether retrying on another device cannot help.
func (e *RemoteError) Permanent() bool { return e.Status >= 400 && e.Status < 500 && e.Status != 429 }
