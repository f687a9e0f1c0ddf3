package builtin

import (
	"fmt"
	"strconv"
	"sync"

	"codeberg.org/mutker/spectractl/internal/frame"
	"codeberg.org/mutker/spectractl/internal/plugin"
	"gonum.org/v1/gonum/floats"
)

var scanAverageDescriptor = plugin.Descriptor{
	Name:         "scan-average",
	Version:      version,
	Capabilities: plugin.ProducesTransformed | plugin.MayDrop,
	Fields: []plugin.Field{
		{Name: "scans", Kind: plugin.KindInt, Default: 4, Min: plugin.Bound(1), Max: plugin.Bound(10000)},
		// continuous emits a rolling average for every frame once the window
		// is full instead of one frame per block of scans.
		{Name: "continuous", Kind: plugin.KindBool, Default: false},
	},
}

type scanAverage struct {
	scans      int
	continuous bool

	mu     sync.Mutex
	window [][]float64
	next   int
}

func newScanAverage(opts plugin.Options) (plugin.Plugin, error) {
	return &scanAverage{
		scans:      opts.Int("scans"),
		continuous: opts.Bool("continuous"),
	}, nil
}

func (p *scanAverage) Transform(f *frame.Frame) (*frame.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	values := f.Intensities()
	if len(p.window) > 0 && len(p.window[0]) != len(values) {
		return nil, fmt.Errorf("pixel count changed from %d to %d", len(p.window[0]), len(values))
	}

	if len(p.window) < p.scans {
		p.window = append(p.window, values)
	} else {
		p.window[p.next] = values
	}
	p.next = (p.next + 1) % p.scans

	if len(p.window) < p.scans {
		return nil, nil
	}
	if !p.continuous {
		defer func() { p.window = p.window[:0] }()
	}

	sum := make([]float64, len(values))
	for _, scan := range p.window {
		floats.Add(sum, scan)
	}
	floats.Scale(1/float64(p.scans), sum)

	return f.WithIntensities(sum).WithMetadata("scans_averaged", strconv.Itoa(p.scans)), nil
}

func (p *scanAverage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.window = nil

	return nil
}

var darkSubtractDescriptor = plugin.Descriptor{
	Name:         "dark-subtract",
	Version:      version,
	Capabilities: plugin.ConsumesRaw | plugin.ProducesTransformed | plugin.MayDrop,
	Fields: []plugin.Field{
		{Name: "frames", Kind: plugin.KindInt, Default: 1, Min: plugin.Bound(1), Max: plugin.Bound(1000)},
	},
}

// darkSubtract averages the first frames of a session as the dark reference,
// drops them, and subtracts the reference from every later frame. Reset takes
// a new reference from the next frames; output carries the reference number in
// dark_reference.
type darkSubtract struct {
	frames int

	mu        sync.Mutex
	sum       []float64
	seen      int
	dark      []float64
	reference int
}

func newDarkSubtract(opts plugin.Options) (plugin.Plugin, error) {
	return &darkSubtract{frames: opts.Int("frames")}, nil
}

func (p *darkSubtract) Transform(f *frame.Frame) (*frame.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	values := f.Intensities()

	if p.dark == nil {
		if p.sum == nil {
			p.sum = make([]float64, len(values))
		}
		if len(p.sum) != len(values) {
			return nil, fmt.Errorf("dark frame has %d pixels, want %d", len(values), len(p.sum))
		}
		floats.Add(p.sum, values)
		p.seen++
		if p.seen == p.frames {
			p.dark = p.sum
			floats.Scale(1/float64(p.frames), p.dark)
			p.sum = nil
			p.reference++
		}

		return nil, nil
	}

	if len(values) != len(p.dark) {
		return nil, fmt.Errorf("frame has %d pixels, dark reference has %d", len(values), len(p.dark))
	}
	floats.Sub(values, p.dark)

	return f.WithIntensities(values).
		WithMetadata("dark_subtracted", "true").
		WithMetadata("dark_reference", strconv.Itoa(p.reference)), nil
}

func (p *darkSubtract) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sum, p.dark, p.seen = nil, nil, 0
}

func (p *darkSubtract) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sum, p.dark = nil, nil

	return nil
}
