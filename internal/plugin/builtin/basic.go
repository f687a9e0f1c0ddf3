package builtin

import (
	"fmt"
	"strconv"

	"codeberg.org/mutker/spectractl/internal/frame"
	"codeberg.org/mutker/spectractl/internal/plugin"
	"gonum.org/v1/gonum/floats"
)

var identityDescriptor = plugin.Descriptor{
	Name:         "identity",
	Version:      version,
	Capabilities: plugin.ConsumesRaw,
}

func newIdentity(plugin.Options) (plugin.Plugin, error) {
	return plugin.Func(func(f *frame.Frame) (*frame.Frame, error) {
		return f, nil
	}), nil
}

var scaleDescriptor = plugin.Descriptor{
	Name:         "scale",
	Version:      version,
	Capabilities: plugin.ConsumesRaw | plugin.ProducesTransformed,
	Fields: []plugin.Field{
		{Name: "factor", Kind: plugin.KindFloat, Default: 1.0},
		{Name: "offset", Kind: plugin.KindFloat, Default: 0.0},
	},
}

func newScale(opts plugin.Options) (plugin.Plugin, error) {
	factor := opts.Float("factor")
	offset := opts.Float("offset")

	return plugin.Func(func(f *frame.Frame) (*frame.Frame, error) {
		values := f.Intensities()
		floats.Scale(factor, values)
		if offset != 0 {
			floats.AddConst(offset, values)
		}

		return f.WithIntensities(values), nil
	}), nil
}

var filterSaturatedDescriptor = plugin.Descriptor{
	Name:         "filter-saturated",
	Version:      version,
	Capabilities: plugin.ConsumesRaw | plugin.MayDrop,
	Fields: []plugin.Field{
		{Name: "threshold", Kind: plugin.KindFloat, Default: 65535.0, Min: plugin.Bound(0)},
	},
}

// newFilterSaturated drops frames whose peak reaches the threshold.
func newFilterSaturated(opts plugin.Options) (plugin.Plugin, error) {
	threshold := opts.Float("threshold")

	return plugin.Func(func(f *frame.Frame) (*frame.Frame, error) {
		if f.Len() > 0 && f.Max() >= threshold {
			return nil, nil
		}

		return f, nil
	}), nil
}

var roiDescriptor = plugin.Descriptor{
	Name:         "roi",
	Version:      version,
	Capabilities: plugin.ProducesTransformed,
	Fields: []plugin.Field{
		{Name: "start", Kind: plugin.KindInt, Default: 0, Min: plugin.Bound(0)},
		// end is exclusive; 0 keeps every pixel from start on.
		{Name: "end", Kind: plugin.KindInt, Default: 0, Min: plugin.Bound(0)},
	},
}

func newROI(opts plugin.Options) (plugin.Plugin, error) {
	start, end := opts.Int("start"), opts.Int("end")
	if end != 0 && end <= start {
		return nil, fmt.Errorf("end %d must be greater than start %d", end, start)
	}

	return plugin.Func(func(f *frame.Frame) (*frame.Frame, error) {
		stop := end
		if stop == 0 || stop > f.Len() {
			stop = f.Len()
		}
		if start >= stop {
			return nil, fmt.Errorf("region %d:%d is outside a %d pixel frame", start, end, f.Len())
		}

		values := f.Intensities()[start:stop]

		return f.WithIntensities(values).WithMetadata("roi_start", strconv.Itoa(start)), nil
	}), nil
}
