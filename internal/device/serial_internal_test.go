package device

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// fakePort replays a byte stream and reports a timeout once it runs dry.
type fakePort struct {
	in      *bytes.Buffer
	written bytes.Buffer
	readErr error
	closed  int
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.readErr != nil {
		return 0, p.readErr
	}
	if p.in.Len() == 0 {
		return 0, nil
	}
	return p.in.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error)        { return p.written.Write(b) }
func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }
func (p *fakePort) ResetInputBuffer() error            { return nil }
func (p *fakePort) Close() error {
	p.closed++
	return nil
}

func wire(values ...float64) []byte {
	return append([]byte{syncByte0, syncByte1}, EncodeUint16(values)...)
}

func newFakeTransport(t *testing.T, p *fakePort, trigger string) *SerialTransport {
	t.Helper()

	tr, err := newSerialTransport(SerialOptions{Path: "/dev/ttyACM0", Trigger: trigger},
		func(string, *serial.Mode) (port, error) { return p, nil })
	require.NoError(t, err)

	return tr
}

func TestSerialReadFrame(t *testing.T) {
	stream := append([]byte{0x00, 0x13, syncByte0}, wire(10, 20, 30)...)
	p := &fakePort{in: bytes.NewBuffer(stream)}
	tr := newFakeTransport(t, p, "a1 01")

	h, err := tr.Open()
	require.NoError(t, err)

	payload, err := tr.Read(h, time.Second)
	require.NoError(t, err)

	values, err := Uint16Decoder{}.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 20, 30}, values)
	assert.Equal(t, []byte{0xa1, 0x01}, p.written.Bytes())

	_, err = tr.Read(h, time.Second)
	assert.Equal(t, ErrTimeout, KindOf(err))

	require.NoError(t, tr.Close(h))
	require.NoError(t, tr.Close(h))
	assert.Equal(t, 1, p.closed)
}

func TestSerialReadErrorDisconnects(t *testing.T) {
	p := &fakePort{in: &bytes.Buffer{}, readErr: fmt.Errorf("input/output error")}
	tr := newFakeTransport(t, p, "")

	h, err := tr.Open()
	require.NoError(t, err)

	_, err = tr.Read(h, time.Second)
	assert.Equal(t, ErrDisconnected, KindOf(err))
	assert.False(t, h.Connected())

	_, err = tr.Read(h, time.Second)
	assert.Equal(t, ErrDisconnected, KindOf(err))
}

func TestSerialOversizedFrame(t *testing.T) {
	p := &fakePort{in: bytes.NewBuffer([]byte{syncByte0, syncByte1, 0xff, 0xff})}
	tr := newFakeTransport(t, p, "")

	h, err := tr.Open()
	require.NoError(t, err)

	_, err = tr.Read(h, time.Second)
	assert.Equal(t, ErrProtocol, KindOf(err))
}

func TestOpenFailureMapsToDeviceError(t *testing.T) {
	tr, err := newSerialTransport(SerialOptions{Path: "/dev/ttyACM9"},
		func(string, *serial.Mode) (port, error) { return nil, fmt.Errorf("unexpected ioctl failure") })
	require.NoError(t, err)

	_, err = tr.Open()
	assert.Equal(t, ErrProtocol, KindOf(err))
}

func TestSerialOptionsNormalize(t *testing.T) {
	opts, err := SerialOptions{Path: "/dev/ttyUSB0", Parity: "even"}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, 115200, opts.BaudRate)
	assert.Equal(t, 8, opts.DataBits)
	assert.Equal(t, "E", opts.Parity)

	_, err = SerialOptions{}.Normalize()
	require.Error(t, err)

	_, err = SerialOptions{Path: "/dev/ttyUSB0", StopBits: 3}.Normalize()
	require.Error(t, err)

	_, err = SerialOptions{Path: "/dev/ttyUSB0", Trigger: "zz"}.Normalize()
	require.Error(t, err)

	mode, err := SerialOptions{Path: "/dev/ttyUSB0", StopBits: 2, Parity: "O"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.OddParity, mode.Parity)
}
