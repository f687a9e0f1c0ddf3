// Package device provides the Device Transport capability used to talk to
// spectrometers, together with the transports shipped with spectractl.
package device

import "time"

// Handle is an opaque reference to an open spectrometer connection.
type Handle interface {
	ID() string
	Connected() bool
}

// Transport opens, reads and closes a physical or emulated spectrometer.
// Read returns one raw frame payload as produced by the device.
type Transport interface {
	Open() (Handle, error)
	Read(h Handle, timeout time.Duration) ([]byte, error)
	Close(h Handle) error
}

// Info describes an open device.
type Info struct {
	Model           string
	Serial          string
	Pixels          int
	IntegrationTime time.Duration
}

// Describer is implemented by transports that can report device details.
type Describer interface {
	Describe(h Handle) Info
}
