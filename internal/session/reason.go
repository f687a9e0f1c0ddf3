package session

import (
	"fmt"

	"codeberg.org/mutker/spectractl/internal/device"
	"codeberg.org/mutker/spectractl/internal/errors"
	"codeberg.org/mutker/spectractl/internal/watchdog"
)

// Kind classifies how a session ended.
type Kind int

const (
	Completed Kind = iota
	Cancelled
	DeviceError
	MemoryGrowthExceeded
	StartupFailed
)

func (k Kind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case DeviceError:
		return "device_error"
	case MemoryGrowthExceeded:
		return "memory_growth_exceeded"
	case StartupFailed:
		return "startup_failed"
	default:
		return "unknown"
	}
}

// Exit codes reported by the process for each kind.
const (
	ExitOK      = 0
	ExitStartup = 1
	ExitDevice  = 2
	ExitMemory  = 3
)

// Reason is the single terminal reason of a session.
type Reason struct {
	Kind Kind
	// Device is the device error kind for DeviceError.
	Device errors.ErrorCode
	// Memory describes the growth for MemoryGrowthExceeded.
	Memory watchdog.Trip
	// Err is the underlying error for DeviceError and StartupFailed.
	Err error
}

func (r Reason) String() string {
	switch r.Kind {
	case DeviceError:
		return fmt.Sprintf("%s(%s)", r.Kind, r.Device)
	case MemoryGrowthExceeded:
		return fmt.Sprintf("%s(baseline=%d current=%d percent=%.1f)",
			r.Kind, r.Memory.Baseline, r.Memory.Current, r.Memory.Percent)
	default:
		return r.Kind.String()
	}
}

func (r Reason) ExitCode() int {
	switch r.Kind {
	case DeviceError:
		return ExitDevice
	case MemoryGrowthExceeded:
		return ExitMemory
	case StartupFailed:
		return ExitStartup
	default:
		return ExitOK
	}
}

func deviceError(err error) Reason {
	kind := errors.CodeOf(err)
	switch kind {
	case device.ErrNotFound, device.ErrPermissionDenied, device.ErrTimeout,
		device.ErrProtocol, device.ErrDisconnected:
	default:
		if k := device.KindOf(err); k != "" {
			kind = k
		} else {
			kind = device.ErrDisconnected
		}
	}

	return Reason{Kind: DeviceError, Device: kind, Err: err}
}
