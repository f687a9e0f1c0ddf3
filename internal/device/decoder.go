package device

import (
	"encoding/binary"
	"fmt"

	"codeberg.org/mutker/spectractl/internal/errors"
)

// Sync bytes that start every frame on the wire.
const (
	syncByte0 = 0xA5
	syncByte1 = 0x5A

	// MaxPixels bounds the pixel count accepted from a device.
	MaxPixels = 16384
)

// Decoder converts a raw frame payload into intensity values.
type Decoder interface {
	Decode(payload []byte) ([]float64, error)
}

// Uint16Decoder decodes payloads of a little-endian uint16 pixel count
// followed by that many little-endian uint16 pixels.
type Uint16Decoder struct {
	// Pixels, when non-zero, is the pixel count every frame must carry.
	Pixels int
}

func (d Uint16Decoder) Decode(payload []byte) ([]float64, error) {
	errFactory := errors.New()

	if len(payload) < 2 {
		return nil, errFactory.WithData(errors.ErrFrameMalformed, "payload shorter than header")
	}

	count := int(binary.LittleEndian.Uint16(payload))
	body := payload[2:]
	if len(body) != count*2 {
		return nil, errFactory.WithData(errors.ErrFrameMalformed,
			fmt.Sprintf("header declares %d pixels, payload carries %d bytes", count, len(body)))
	}

	if d.Pixels > 0 && count != d.Pixels {
		return nil, errFactory.WithData(errors.ErrFrameMalformed,
			fmt.Sprintf("expected %d pixels, got %d", d.Pixels, count))
	}

	values := make([]float64, count)
	for i := range values {
		values[i] = float64(binary.LittleEndian.Uint16(body[i*2:]))
	}

	return values, nil
}

// EncodeUint16 builds a payload Uint16Decoder understands. Values are
// clamped to the uint16 range.
func EncodeUint16(values []float64) []byte {
	payload := make([]byte, 2+len(values)*2)
	binary.LittleEndian.PutUint16(payload, uint16(len(values)))

	for i, v := range values {
		switch {
		case v < 0:
			v = 0
		case v > 65535:
			v = 65535
		}
		binary.LittleEndian.PutUint16(payload[2+i*2:], uint16(v))
	}

	return payload
}
