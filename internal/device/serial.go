package device

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/spectractl/internal/errors"
	"go.bug.st/serial"
)

// maxResync bounds how many bytes are skipped looking for a frame header.
const maxResync = 4096

// port is the subset of serial.Port the transport relies on.
type port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Close() error
}

type portOpener func(path string, mode *serial.Mode) (port, error)

func openSerialPort(path string, mode *serial.Mode) (port, error) {
	return serial.Open(path, mode)
}

// SerialTransport reads length-prefixed frames from a USB CDC serial port.
type SerialTransport struct {
	opts    SerialOptions
	mode    *serial.Mode
	trigger []byte
	open    portOpener
}

type serialHandle struct {
	path      string
	port      port
	mu        sync.Mutex
	connected atomic.Bool
}

func (h *serialHandle) ID() string      { return h.path }
func (h *serialHandle) Connected() bool { return h.connected.Load() }

func NewSerialTransport(opts SerialOptions) (*SerialTransport, error) {
	return newSerialTransport(opts, openSerialPort)
}

func newSerialTransport(opts SerialOptions, opener portOpener) (*SerialTransport, error) {
	errFactory := errors.New()

	normalized, err := opts.Normalize()
	if err != nil {
		return nil, errFactory.Wrap(ErrInvalidOptions, err)
	}

	mode, err := normalized.SerialMode()
	if err != nil {
		return nil, errFactory.Wrap(ErrInvalidOptions, err)
	}

	trigger, _ := normalized.TriggerBytes()

	return &SerialTransport{
		opts:    normalized,
		mode:    mode,
		trigger: trigger,
		open:    opener,
	}, nil
}

func (t *SerialTransport) Open() (Handle, error) {
	p, err := t.open(t.opts.Path, t.mode)
	if err != nil {
		return nil, mapPortError(err)
	}

	if err := p.ResetInputBuffer(); err != nil {
		p.Close()
		return nil, mapPortError(err)
	}

	h := &serialHandle{path: t.opts.Path, port: p}
	h.connected.Store(true)

	return h, nil
}

func (t *SerialTransport) Read(h Handle, timeout time.Duration) ([]byte, error) {
	errFactory := errors.New()

	sh, ok := h.(*serialHandle)
	if !ok || !sh.Connected() {
		return nil, errFactory.New(ErrDisconnected)
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	deadline := time.Now().Add(timeout)

	if len(t.trigger) > 0 {
		if _, err := sh.port.Write(t.trigger); err != nil {
			sh.connected.Store(false)
			return nil, errFactory.Wrap(ErrDisconnected, err)
		}
	}

	if err := t.sync(sh, deadline); err != nil {
		return nil, err
	}

	header := make([]byte, 2)
	if err := readFull(sh, header, deadline); err != nil {
		return nil, err
	}

	count := int(binary.LittleEndian.Uint16(header))
	if count > MaxPixels {
		return nil, errFactory.WithData(ErrProtocol, fmt.Sprintf("pixel count %d exceeds %d", count, MaxPixels))
	}

	payload := make([]byte, 2+count*2)
	copy(payload, header)
	if err := readFull(sh, payload[2:], deadline); err != nil {
		return nil, err
	}

	return payload, nil
}

func (t *SerialTransport) Close(h Handle) error {
	sh, ok := h.(*serialHandle)
	if !ok {
		return nil
	}

	if !sh.connected.Swap(false) {
		return nil
	}

	if err := sh.port.Close(); err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}

	return nil
}

func (t *SerialTransport) Describe(h Handle) Info {
	return Info{
		Model:  "serial",
		Serial: h.ID(),
		Pixels: t.opts.Pixels,
	}
}

// sync consumes bytes until the two-byte frame header has been read.
func (t *SerialTransport) sync(sh *serialHandle, deadline time.Time) error {
	b := make([]byte, 1)
	prev := byte(0)

	for skipped := 0; skipped < maxResync; skipped++ {
		if err := readFull(sh, b, deadline); err != nil {
			return err
		}
		if prev == syncByte0 && b[0] == syncByte1 {
			return nil
		}
		prev = b[0]
	}

	return errors.New().WithData(ErrProtocol, "frame header not found")
}

func readFull(sh *serialHandle, buf []byte, deadline time.Time) error {
	errFactory := errors.New()

	for off := 0; off < len(buf); {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errFactory.New(ErrTimeout)
		}

		if err := sh.port.SetReadTimeout(remaining); err != nil {
			sh.connected.Store(false)
			return errFactory.Wrap(ErrDisconnected, err)
		}

		n, err := sh.port.Read(buf[off:])
		if err != nil {
			sh.connected.Store(false)
			return errFactory.Wrap(ErrDisconnected, err)
		}
		// go.bug.st/serial reports a read timeout as zero bytes, nil error.
		if n == 0 {
			return errFactory.New(ErrTimeout)
		}
		off += n
	}

	return nil
}

func mapPortError(err error) error {
	errFactory := errors.New()

	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound, serial.InvalidSerialPort:
			return errFactory.Wrap(ErrNotFound, err)
		case serial.PermissionDenied, serial.PortBusy:
			return errFactory.Wrap(ErrPermissionDenied, err)
		case serial.PortClosed:
			return errFactory.Wrap(ErrDisconnected, err)
		}
	}

	return errFactory.Wrap(ErrProtocol, err)
}
