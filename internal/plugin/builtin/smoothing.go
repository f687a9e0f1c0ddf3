package builtin

import (
	"math"
	"strconv"

	"codeberg.org/mutker/spectractl/internal/frame"
	"codeberg.org/mutker/spectractl/internal/plugin"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var boxcarDescriptor = plugin.Descriptor{
	Name:         "boxcar",
	Version:      version,
	Capabilities: plugin.ProducesTransformed,
	Fields: []plugin.Field{
		{Name: "half_width", Kind: plugin.KindInt, Default: 2, Min: plugin.Bound(0), Max: plugin.Bound(256)},
	},
}

func newBoxcar(opts plugin.Options) (plugin.Plugin, error) {
	halfWidth := opts.Int("half_width")

	return plugin.Func(func(f *frame.Frame) (*frame.Frame, error) {
		if halfWidth == 0 {
			return f, nil
		}

		return f.WithIntensities(boxcar(f.Intensities(), halfWidth)), nil
	}), nil
}

// boxcar returns the moving average of values over 2*halfWidth+1 pixels. The
// window is truncated at the edges.
func boxcar(values []float64, halfWidth int) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		lo := max(0, i-halfWidth)
		hi := min(len(values), i+halfWidth+1)
		out[i] = floats.Sum(values[lo:hi]) / float64(hi-lo)
	}

	return out
}

var despikeDescriptor = plugin.Descriptor{
	Name:         "despike",
	Version:      version,
	Capabilities: plugin.ProducesTransformed,
	Fields: []plugin.Field{
		{Name: "threshold", Kind: plugin.KindFloat, Default: 6.0, Min: plugin.Bound(0)},
	},
}

// newDespike replaces single-pixel spikes, such as cosmic ray hits, with the
// mean of their neighbours. A pixel is a spike when its deviation from the
// neighbour mean is more than threshold standard deviations from the typical
// deviation across the frame.
func newDespike(opts plugin.Options) (plugin.Plugin, error) {
	threshold := opts.Float("threshold")

	return plugin.Func(func(f *frame.Frame) (*frame.Frame, error) {
		values := f.Intensities()
		if len(values) < 3 {
			return f, nil
		}

		residual := make([]float64, len(values)-2)
		for i := 1; i < len(values)-1; i++ {
			residual[i-1] = values[i] - (values[i-1]+values[i+1])/2
		}

		mean, std := stat.MeanStdDev(residual, nil)
		if std == 0 || math.IsNaN(std) {
			return f, nil
		}

		replaced := 0
		for i := 1; i < len(values)-1; i++ {
			if math.Abs(residual[i-1]-mean)/std > threshold {
				values[i] = (values[i-1] + values[i+1]) / 2
				replaced++
			}
		}
		if replaced == 0 {
			return f, nil
		}

		return f.WithIntensities(values).WithMetadata("despiked", strconv.Itoa(replaced)), nil
	}), nil
}
