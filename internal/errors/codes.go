package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrNotImplemented  ErrorCode = "not_implemented"
	ErrAlreadyRunning  ErrorCode = "already_running"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"
	ErrInvalidRunSec   ErrorCode = "invalid_run_sec"
	ErrInvalidGrowth   ErrorCode = "invalid_memory_growth"
	ErrInvalidInterval ErrorCode = "invalid_interval"
	ErrInvalidDevice   ErrorCode = "invalid_device"
	ErrInvalidExport   ErrorCode = "invalid_export"
	ErrInvalidPlugins  ErrorCode = "invalid_plugins"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Device transport errors
	ErrDeviceNotFound         ErrorCode = "device_not_found"
	ErrDevicePermissionDenied ErrorCode = "device_permission_denied"
	ErrDeviceTimeout          ErrorCode = "device_timeout"
	ErrDeviceProtocol         ErrorCode = "device_protocol_error"
	ErrDeviceDisconnected     ErrorCode = "device_disconnected"

	// Frame source errors
	ErrFrameTimeout   ErrorCode = "frame_timeout"
	ErrFrameMalformed ErrorCode = "frame_malformed"
	ErrSourceStopped  ErrorCode = "source_stopped"
	ErrSourceNotReady ErrorCode = "source_not_ready"

	// Plugin errors
	ErrUnknownPlugin      ErrorCode = "plugin_unknown"
	ErrDuplicatePlugin    ErrorCode = "plugin_duplicate"
	ErrPluginConstruction ErrorCode = "plugin_construction_failed"
	ErrPluginTransform    ErrorCode = "plugin_transform_failed"
	ErrPluginTimeout      ErrorCode = "plugin_timeout"
	ErrPluginOption       ErrorCode = "plugin_invalid_option"

	// Session errors
	ErrSessionStartup    ErrorCode = "session_startup_failed"
	ErrInvalidTransition ErrorCode = "session_invalid_transition"

	// Operation errors
	ErrOperationFailed ErrorCode = "operation_failed"
	ErrTimeout         ErrorCode = "operation_timeout"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:               "Internal error occurred",
	ErrInvalidArgument:        "Invalid argument provided",
	ErrNotImplemented:         "Operation not implemented",
	ErrAlreadyRunning:         "Another instance is already running",
	ErrInvalidConfig:          "Invalid configuration",
	ErrBindFlags:              "Failed to bind flags",
	ErrReadConfig:             "Failed to read config file",
	ErrInvalidLogLevel:        "Invalid log level",
	ErrInvalidRunSec:          "Invalid run duration",
	ErrInvalidGrowth:          "Invalid memory growth threshold",
	ErrInvalidInterval:        "Invalid interval value",
	ErrInvalidDevice:          "Invalid device configuration",
	ErrInvalidExport:          "Invalid export configuration",
	ErrInvalidPlugins:         "Invalid plugin configuration",
	ErrInitFailed:             "Initialization failed",
	ErrShutdownFailed:         "Shutdown failed",
	ErrDeviceNotFound:         "Spectrometer not found",
	ErrDevicePermissionDenied: "Permission denied opening spectrometer",
	ErrDeviceTimeout:          "Spectrometer read timed out",
	ErrDeviceProtocol:         "Spectrometer protocol error",
	ErrDeviceDisconnected:     "Spectrometer disconnected",
	ErrFrameTimeout:           "Timed out waiting for frame",
	ErrFrameMalformed:         "Malformed frame",
	ErrSourceStopped:          "Frame source stopped",
	ErrSourceNotReady:         "Frame source not ready",
	ErrUnknownPlugin:          "Unknown plugin",
	ErrDuplicatePlugin:        "Plugin already registered",
	ErrPluginConstruction:     "Failed to construct plugin",
	ErrPluginTransform:        "Plugin failed to transform frame",
	ErrPluginTimeout:          "Plugin exceeded its execution budget",
	ErrPluginOption:           "Invalid plugin option",
	ErrSessionStartup:         "Failed to start session",
	ErrInvalidTransition:      "Invalid session state transition",
	ErrOperationFailed:        "Operation failed",
	ErrTimeout:                "Operation timed out",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
