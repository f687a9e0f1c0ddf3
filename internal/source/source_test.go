package source_test

import (
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/spectractl/internal/device"
	"codeberg.org/mutker/spectractl/internal/errors"
	"codeberg.org/mutker/spectractl/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type step struct {
	payload []byte
	err     error
}

type scriptedHandle struct{ connected bool }

func (h *scriptedHandle) ID() string      { return "scripted" }
func (h *scriptedHandle) Connected() bool { return h.connected }

// scriptedTransport replays a fixed list of read results and then reports a
// disconnect.
type scriptedTransport struct {
	mu      sync.Mutex
	steps   []step
	openErr error
	closes  int
}

func (t *scriptedTransport) Open() (device.Handle, error) {
	if t.openErr != nil {
		return nil, t.openErr
	}
	return &scriptedHandle{connected: true}, nil
}

func (t *scriptedTransport) Read(device.Handle, time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.steps) == 0 {
		return nil, errors.New().New(device.ErrDisconnected)
	}
	s := t.steps[0]
	t.steps = t.steps[1:]

	return s.payload, s.err
}

func (t *scriptedTransport) Close(h device.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	h.(*scriptedHandle).connected = false

	return nil
}

func (t *scriptedTransport) Describe(device.Handle) device.Info {
	return device.Info{Model: "scripted", Serial: "SN-42", Pixels: 3, IntegrationTime: 5 * time.Millisecond}
}

func goodFrames(n int) []step {
	steps := make([]step, n)
	for i := range steps {
		steps[i] = step{payload: device.EncodeUint16([]float64{1, 2, 3})}
	}
	return steps
}

func newSource(t *testing.T, tr *scriptedTransport, opts source.Options) *source.Source {
	t.Helper()
	s := source.New(tr, device.Uint16Decoder{Pixels: 3}, opts)
	require.NoError(t, s.Start())
	return s
}

func TestFramesThenDisconnect(t *testing.T) {
	tr := &scriptedTransport{steps: goodFrames(5)}
	s := newSource(t, tr, source.Options{})

	for i := 0; i < 5; i++ {
		f, err := s.NextFrame(time.Second)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), f.Sequence)
		assert.Equal(t, "SN-42", f.DeviceID)
		assert.Equal(t, 5*time.Millisecond, f.IntegrationTime)
		assert.Equal(t, []float64{1, 2, 3}, f.Intensities())
	}

	_, err := s.NextFrame(time.Second)
	require.Error(t, err)
	assert.Equal(t, source.ErrDisconnected, errors.CodeOf(err))

	// Subsequent calls fail fast with the same error.
	_, again := s.NextFrame(time.Second)
	assert.Equal(t, err, again)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.Equal(t, 1, tr.closes)
}

func TestTimeoutAndMalformedAreRecoverable(t *testing.T) {
	errFactory := errors.New()
	tr := &scriptedTransport{steps: []step{
		{err: errFactory.New(device.ErrTimeout)},
		{err: errFactory.New(device.ErrProtocol)},
		{payload: []byte{0x09, 0x00, 0x01}},
		{payload: device.EncodeUint16([]float64{7, 8, 9})},
	}}
	s := newSource(t, tr, source.Options{})

	_, err := s.NextFrame(time.Millisecond)
	assert.Equal(t, source.ErrTimeout, source.KindOf(err))

	_, err = s.NextFrame(time.Millisecond)
	assert.Equal(t, source.ErrMalformed, source.KindOf(err))

	_, err = s.NextFrame(time.Millisecond)
	assert.Equal(t, source.ErrMalformed, source.KindOf(err))

	f, err := s.NextFrame(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), f.Sequence, "failed reads must not consume sequence numbers")
	assert.Equal(t, uint64(1), s.NextSequence())
}

func TestStartSequenceAndDeviceOverride(t *testing.T) {
	tr := &scriptedTransport{steps: goodFrames(2)}
	s := newSource(t, tr, source.Options{StartSequence: 40, DeviceID: "bench-1"})

	f, err := s.NextFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), f.Sequence)
	assert.Equal(t, "bench-1", f.DeviceID)
}

func TestStopBeforeDisconnect(t *testing.T) {
	tr := &scriptedTransport{steps: goodFrames(3)}
	s := newSource(t, tr, source.Options{})

	require.NoError(t, s.Stop())
	_, err := s.NextFrame(time.Second)
	assert.Equal(t, source.ErrStopped, errors.CodeOf(err))
	require.NoError(t, s.Stop())
	assert.Equal(t, 1, tr.closes)
}

func TestStartErrors(t *testing.T) {
	t.Run("open failure", func(t *testing.T) {
		tr := &scriptedTransport{openErr: errors.New().New(device.ErrNotFound)}
		s := source.New(tr, device.Uint16Decoder{}, source.Options{})

		err := s.Start()
		assert.Equal(t, device.ErrNotFound, errors.CodeOf(err))
		require.NoError(t, s.Stop())
		assert.Equal(t, 0, tr.closes)
	})

	t.Run("not started", func(t *testing.T) {
		s := source.New(&scriptedTransport{}, device.Uint16Decoder{}, source.Options{})
		_, err := s.NextFrame(time.Second)
		assert.Equal(t, source.ErrNotReady, errors.CodeOf(err))
	})

	t.Run("double start", func(t *testing.T) {
		s := newSource(t, &scriptedTransport{}, source.Options{})
		assert.Error(t, s.Start())
	})
}

func TestSimulatedDevice(t *testing.T) {
	tr := device.NewSimulatedTransport(device.SimulatedOptions{
		Pixels:          64,
		IntegrationTime: time.Millisecond,
		Seed:            1,
	})
	s := source.New(tr, device.Uint16Decoder{Pixels: 64}, source.Options{})
	require.NoError(t, s.Start())
	defer s.Stop()

	f, err := s.NextFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 64, f.Len())
	assert.Equal(t, "SIM-0001", f.DeviceID)
	assert.Equal(t, "simulated", s.Info().Model)
}
