// Package metrics persists published spectra and their summary measurements
// to sqlite.
package metrics

import (
	"context"
	"time"

	"codeberg.org/mutker/spectractl/internal/frame"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Recorder is the store as seen by the rest of the application.
type Recorder interface {
	Record(ctx context.Context, rec *FrameRecord) error
	Close() error
}

// Repository buffers records and writes them in batches.
type Repository interface {
	Record(rec *FrameRecord) error
	Flush() error
	Close() error
}

// FrameRecord is one stored spectrum.
type FrameRecord struct {
	SessionID       string
	Sequence        uint64
	Timestamp       time.Time
	DeviceID        string
	IntegrationTime time.Duration
	Summary         Summary
	Intensities     []float64
}

// Summary holds per-frame measurements kept alongside the raw intensities.
type Summary struct {
	Pixels int
	Min    float64
	Max    float64
	Mean   float64
	StdDev float64
}

func NewFrameRecord(sessionID string, f *frame.Frame) *FrameRecord {
	values := f.Intensities()

	return &FrameRecord{
		SessionID:       sessionID,
		Sequence:        f.Sequence,
		Timestamp:       f.Timestamp,
		DeviceID:        f.DeviceID,
		IntegrationTime: f.IntegrationTime,
		Summary:         Summarize(values),
		Intensities:     values,
	}
}

// Summarize computes the summary of values. An empty slice yields a zero
// Summary.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}

	mean, std := stat.MeanStdDev(values, nil)
	if len(values) == 1 {
		std = 0
	}

	return Summary{
		Pixels: len(values),
		Min:    floats.Min(values),
		Max:    floats.Max(values),
		Mean:   mean,
		StdDev: std,
	}
}
