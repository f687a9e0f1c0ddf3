package device

import (
	"codeberg.org/mutker/spectractl/internal/errors"
)

// Transport types understood by New.
const (
	TypeSimulated = "simulated"
	TypeSerial    = "serial"
)

// Options selects and configures a transport.
type Options struct {
	Type      string
	Simulated SimulatedOptions
	Serial    SerialOptions
}

// New builds the transport and matching decoder described by opts.
func New(opts Options) (Transport, Decoder, error) {
	errFactory := errors.New()

	switch opts.Type {
	case "", TypeSimulated:
		t := NewSimulatedTransport(opts.Simulated)
		return t, Uint16Decoder{Pixels: t.opts.Pixels}, nil
	case TypeSerial:
		t, err := NewSerialTransport(opts.Serial)
		if err != nil {
			return nil, nil, err
		}
		return t, Uint16Decoder{Pixels: opts.Serial.Pixels}, nil
	default:
		return nil, nil, errFactory.WithData(ErrUnknownType, opts.Type)
	}
}
