// Package source turns a Device Transport session into a sequence of
// spectral frames.
package source

import (
	"sync"
	"time"

	"codeberg.org/mutker/spectractl/internal/device"
	"codeberg.org/mutker/spectractl/internal/errors"
	"codeberg.org/mutker/spectractl/internal/frame"
	"codeberg.org/mutker/spectractl/internal/logger"
)

const (
	ErrTimeout      = errors.ErrFrameTimeout
	ErrMalformed    = errors.ErrFrameMalformed
	ErrDisconnected = errors.ErrDeviceDisconnected
	ErrStopped      = errors.ErrSourceStopped
	ErrNotReady     = errors.ErrSourceNotReady
)

type state int

const (
	stateIdle state = iota
	stateReady
	stateClosed
	stateStopped
)

// Options configures a Source.
type Options struct {
	// DeviceID overrides the identifier stamped on frames. Defaults to the
	// device serial, or the handle ID.
	DeviceID string
	// IntegrationTime is stamped on frames when the transport cannot report it.
	IntegrationTime time.Duration
	// StartSequence is the sequence number of the first frame.
	StartSequence uint64
	Logger        logger.Logger
}

// Source owns one Device Handle for its whole lifetime.
type Source struct {
	transport device.Transport
	decoder   device.Decoder
	opts      Options
	log       logger.Logger

	mu       sync.Mutex
	state    state
	handle   device.Handle
	released bool
	info     device.Info
	seq      uint64
	terminal error
}

func New(transport device.Transport, decoder device.Decoder, opts Options) *Source {
	log := opts.Logger
	if log == nil {
		log = logger.Component("source")
	}

	return &Source{
		transport: transport,
		decoder:   decoder,
		opts:      opts,
		log:       log,
		seq:       opts.StartSequence,
	}
}

// Start opens the device. It may only be called once.
func (s *Source) Start() error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateIdle {
		return errFactory.WithMessage(ErrNotReady, "source already started")
	}

	h, err := s.transport.Open()
	if err != nil {
		s.state = stateStopped
		return err
	}

	s.handle = h
	s.state = stateReady

	if d, ok := s.transport.(device.Describer); ok {
		s.info = d.Describe(h)
	}
	if s.info.IntegrationTime == 0 {
		s.info.IntegrationTime = s.opts.IntegrationTime
	}

	s.log.Info().
		Str("device", h.ID()).
		Str("model", s.info.Model).
		Int("pixels", s.info.Pixels).
		Dur("integration_time", s.info.IntegrationTime).
		Msg("Device opened")

	return nil
}

// NextFrame waits up to timeout for the next frame. Once the device has
// disconnected every call fails with the same error.
func (s *Source) NextFrame(timeout time.Duration) (*frame.Frame, error) {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateIdle:
		return nil, errFactory.New(ErrNotReady)
	case stateClosed:
		return nil, s.terminal
	case stateStopped:
		return nil, errFactory.New(ErrStopped)
	}

	payload, err := s.transport.Read(s.handle, timeout)
	if err != nil {
		switch device.KindOf(err) {
		case device.ErrTimeout:
			return nil, errFactory.Wrap(ErrTimeout, err)
		case device.ErrProtocol:
			return nil, errFactory.Wrap(ErrMalformed, err)
		default:
			s.disconnect(err)
			return nil, s.terminal
		}
	}

	values, err := s.decoder.Decode(payload)
	if err != nil {
		if errors.HasCode(err, ErrMalformed) {
			return nil, err
		}
		return nil, errFactory.Wrap(ErrMalformed, err)
	}

	f := frame.New(s.seq, time.Now(), s.deviceID(), s.info.IntegrationTime, values)
	s.seq++

	return f, nil
}

// Stop releases the device handle. It is safe to call more than once.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateReady {
		s.state = stateStopped
	}

	return s.release()
}

// NextSequence returns the sequence number the next frame will carry.
func (s *Source) NextSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.seq
}

// Info returns what the transport reported about the device.
func (s *Source) Info() device.Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.info
}

func (s *Source) disconnect(cause error) {
	s.state = stateClosed
	s.terminal = errors.New().Wrap(ErrDisconnected, cause)

	s.log.Warn().Err(cause).Uint64("next_sequence", s.seq).Msg("Device disconnected")

	if err := s.release(); err != nil {
		s.log.Debug().Err(err).Msg("Failed to close disconnected device")
	}
}

// release closes the handle exactly once. Callers hold s.mu.
func (s *Source) release() error {
	if s.handle == nil || s.released {
		return nil
	}
	s.released = true

	if err := s.transport.Close(s.handle); err != nil {
		return err
	}

	s.log.Debug().Str("device", s.handle.ID()).Msg("Device closed")

	return nil
}

func (s *Source) deviceID() string {
	switch {
	case s.opts.DeviceID != "":
		return s.opts.DeviceID
	case s.info.Serial != "":
		return s.info.Serial
	default:
		return s.handle.ID()
	}
}

// KindOf classifies a NextFrame error as timeout, malformed or disconnected.
func KindOf(err error) errors.ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.HasCode(err, ErrTimeout):
		return ErrTimeout
	case errors.HasCode(err, ErrMalformed):
		return ErrMalformed
	case errors.HasCode(err, ErrStopped):
		return ErrStopped
	default:
		return ErrDisconnected
	}
}
