// Package plugin defines the processing plugin contract and the registry that
// assembles configured plugins into an ordered chain.
package plugin

import (
	"codeberg.org/mutker/spectractl/internal/frame"
)

// Plugin transforms frames. Returning a nil frame and a nil error drops the
// frame from the pipeline.
type Plugin interface {
	Transform(f *frame.Frame) (*frame.Frame, error)
}

// Closer is implemented by plugins that hold resources.
type Closer interface {
	Close() error
}

// Resetter is implemented by plugins that can discard accumulated state, such
// as a dark reference, and rebuild it from the frames that follow. Reset may be
// called concurrently with Transform.
type Resetter interface {
	Reset()
}

// Factory constructs a plugin from its resolved options.
type Factory func(opts Options) (Plugin, error)

// Func adapts a plain function to the Plugin interface.
type Func func(f *frame.Frame) (*frame.Frame, error)

func (fn Func) Transform(f *frame.Frame) (*frame.Frame, error) {
	return fn(f)
}

// Capability flags declared by a plugin.
type Capability uint8

const (
	ConsumesRaw Capability = 1 << iota
	ProducesTransformed
	MayDrop
)

func (c Capability) Has(flag Capability) bool {
	return c&flag != 0
}

func (c Capability) String() string {
	var out string
	for _, f := range []struct {
		flag Capability
		name string
	}{
		{ConsumesRaw, "consumes-raw"},
		{ProducesTransformed, "produces-transformed"},
		{MayDrop, "may-drop"},
	} {
		if c.Has(f.flag) {
			if out != "" {
				out += ","
			}
			out += f.name
		}
	}
	if out == "" {
		return "none"
	}

	return out
}

// Descriptor identifies a plugin and declares the options it understands.
type Descriptor struct {
	Name         string
	Version      string
	Capabilities Capability
	Fields       []Field
	// Position is the plugin's index in a built chain; unset in the registry.
	Position int
}
