package device

import (
	"encoding/hex"
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// SerialOptions describes how to reach a spectrometer exposed as a USB CDC
// serial port.
type SerialOptions struct {
	Path     string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
	Pixels   int
	// Trigger is a hex encoded command written before every read. Empty
	// means the device is free-running.
	Trigger string
}

// Normalize validates the options and applies defaults for any unset values.
func (o SerialOptions) Normalize() (SerialOptions, error) {
	opts := o

	if strings.TrimSpace(opts.Path) == "" {
		return opts, fmt.Errorf("serial path is required")
	}

	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}

	if opts.Pixels < 0 || opts.Pixels > MaxPixels {
		return opts, fmt.Errorf("invalid pixel count %d", opts.Pixels)
	}

	if _, err := opts.TriggerBytes(); err != nil {
		return opts, err
	}

	return opts, nil
}

// TriggerBytes decodes the trigger command.
func (o SerialOptions) TriggerBytes() ([]byte, error) {
	if o.Trigger == "" {
		return nil, nil
	}

	b, err := hex.DecodeString(strings.ReplaceAll(o.Trigger, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid trigger %q: %w", o.Trigger, err)
	}

	return b, nil
}

// SerialMode converts the options into the serial.Mode structure required by
// go.bug.st/serial when opening a port.
func (o SerialOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}

	return mode, nil
}
