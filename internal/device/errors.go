package device

import (
	"codeberg.org/mutker/spectractl/internal/errors"
)

const (
	ErrNotFound         = errors.ErrDeviceNotFound
	ErrPermissionDenied = errors.ErrDevicePermissionDenied
	ErrTimeout          = errors.ErrDeviceTimeout
	ErrProtocol         = errors.ErrDeviceProtocol
	ErrDisconnected     = errors.ErrDeviceDisconnected

	ErrInvalidOptions = errors.ErrorCode("device_invalid_options")
	ErrUnknownType    = errors.ErrorCode("device_unknown_type")
)

var kinds = []errors.ErrorCode{
	ErrNotFound,
	ErrPermissionDenied,
	ErrTimeout,
	ErrProtocol,
	ErrDisconnected,
}

// KindOf returns the device error kind carried by err, or an empty code.
func KindOf(err error) errors.ErrorCode {
	for _, kind := range kinds {
		if errors.HasCode(err, kind) {
			return kind
		}
	}

	return ""
}
