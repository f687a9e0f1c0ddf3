package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/spectractl/internal/errors"
	"codeberg.org/mutker/spectractl/internal/logger"
)

type entry struct {
	descriptor Descriptor
	factory    Factory
}

// Registry maps plugin names to factories. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a plugin under d.Name. Names are unique.
func (r *Registry) Register(d Descriptor, factory Factory) error {
	errFactory := errors.New()

	name := strings.TrimSpace(d.Name)
	if name == "" || factory == nil {
		return errFactory.WithMessage(errors.ErrInvalidArgument, "plugin name and factory are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return errFactory.WithData(errors.ErrDuplicatePlugin, name)
	}

	d.Name = name
	d.Position = 0
	r.entries[name] = entry{descriptor: d, factory: factory}

	return nil
}

// Descriptor returns the registered descriptor for name.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	return e.descriptor, ok
}

// Names returns the registered plugin names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Spec names one configured chain entry.
type Spec struct {
	Name    string
	Options map[string]any
}

// ChainOption configures BuildChain.
type ChainOption func(*Chain)

// WithTimeout bounds each Transform call. Zero disables the bound.
func WithTimeout(d time.Duration) ChainOption {
	return func(c *Chain) {
		c.timeout = d
	}
}

func WithLogger(l logger.Logger) ChainOption {
	return func(c *Chain) {
		c.log = l
	}
}

// BuildChain resolves every spec to a registered factory and constructs the
// plugins in order. Any failure closes the plugins built so far; a chain is
// never shorter than requested.
func (r *Registry) BuildChain(specs []Spec, opts ...ChainOption) (*Chain, error) {
	errFactory := errors.New()

	c := &Chain{log: logger.Component("plugin")}
	for _, opt := range opts {
		opt(c)
	}

	// Resolve every name before constructing anything.
	resolved := make([]entry, len(specs))
	for i, spec := range specs {
		d, ok := r.lookup(spec.Name)
		if !ok {
			return nil, errFactory.WithData(errors.ErrUnknownPlugin, spec.Name)
		}
		resolved[i] = d
	}

	for i, spec := range specs {
		e := resolved[i]

		options, err := e.descriptor.Resolve(spec.Options)
		if err != nil {
			c.rollback()
			return nil, errFactory.Wrap(errors.ErrPluginConstruction, err)
		}
		if unknown := e.descriptor.Unknown(spec.Options); len(unknown) > 0 {
			c.log.Warn().
				Str("plugin", e.descriptor.Name).
				Strs("options", unknown).
				Msg("Passing undeclared plugin options through")
		}

		p, err := construct(e.factory, options)
		if err != nil {
			c.rollback()
			return nil, errFactory.Wrap(errors.ErrPluginConstruction,
				fmt.Errorf("%s at position %d: %w", e.descriptor.Name, i, err))
		}

		d := e.descriptor
		d.Position = i
		c.stages = append(c.stages, &stage{descriptor: d, plugin: p})

		c.log.Debug().
			Str("plugin", d.Name).
			Str("version", d.Version).
			Int("position", i).
			Str("capabilities", d.Capabilities.String()).
			Msg("Plugin constructed")
	}

	return c, nil
}

func (r *Registry) lookup(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[strings.TrimSpace(name)]
	return e, ok
}

// construct turns a panicking factory into a construction error.
func construct(factory Factory, opts Options) (p Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("factory panicked: %v", r)
		}
	}()

	p, err = factory(opts)
	if err == nil && p == nil {
		err = fmt.Errorf("factory returned no plugin")
	}

	return p, err
}
