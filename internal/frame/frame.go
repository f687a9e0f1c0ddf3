// Package frame defines the spectral frame exchanged between the frame
// source, the plugin chain and downstream consumers.
package frame

import (
	"time"
)

// Frame is one captured spectral measurement. A Frame is never modified after
// it is produced; plugins that change intensities derive a new Frame.
type Frame struct {
	Sequence        uint64
	Timestamp       time.Time
	DeviceID        string
	IntegrationTime time.Duration
	intensities     []float64
	metadata        map[string]string
}

// New creates a Frame that owns a copy of intensities.
func New(seq uint64, ts time.Time, deviceID string, integration time.Duration, intensities []float64) *Frame {
	values := make([]float64, len(intensities))
	copy(values, intensities)

	return &Frame{
		Sequence:        seq,
		Timestamp:       ts,
		DeviceID:        deviceID,
		IntegrationTime: integration,
		intensities:     values,
	}
}

// Len returns the number of pixels.
func (f *Frame) Len() int {
	return len(f.intensities)
}

// At returns the intensity of pixel i.
func (f *Frame) At(i int) float64 {
	return f.intensities[i]
}

// Intensities returns a copy of the intensity values.
func (f *Frame) Intensities() []float64 {
	values := make([]float64, len(f.intensities))
	copy(values, f.intensities)

	return values
}

// Max returns the highest intensity, or 0 for an empty frame.
func (f *Frame) Max() float64 {
	if len(f.intensities) == 0 {
		return 0
	}

	m := f.intensities[0]
	for _, v := range f.intensities[1:] {
		if v > m {
			m = v
		}
	}

	return m
}

// Metadata returns the value stored under key.
func (f *Frame) Metadata(key string) (string, bool) {
	v, ok := f.metadata[key]
	return v, ok
}

// MetadataMap returns a copy of all metadata.
func (f *Frame) MetadataMap() map[string]string {
	out := make(map[string]string, len(f.metadata))
	for k, v := range f.metadata {
		out[k] = v
	}

	return out
}

// WithIntensities derives a Frame carrying the same metadata and new
// intensities. The receiver is left untouched.
func (f *Frame) WithIntensities(intensities []float64) *Frame {
	derived := New(f.Sequence, f.Timestamp, f.DeviceID, f.IntegrationTime, intensities)
	derived.metadata = f.MetadataMap()

	return derived
}

// WithMetadata derives a Frame with key set to value.
func (f *Frame) WithMetadata(key, value string) *Frame {
	derived := &Frame{
		Sequence:        f.Sequence,
		Timestamp:       f.Timestamp,
		DeviceID:        f.DeviceID,
		IntegrationTime: f.IntegrationTime,
		intensities:     f.intensities,
		metadata:        f.MetadataMap(),
	}
	derived.metadata[key] = value

	return derived
}
