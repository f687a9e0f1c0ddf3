package plugin

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/spectractl/internal/errors"
	"codeberg.org/mutker/spectractl/internal/frame"
	"codeberg.org/mutker/spectractl/internal/logger"
)

type stage struct {
	descriptor Descriptor
	plugin     Plugin
	// busy is set while a bounded call is in flight, including one that
	// has already timed out.
	busy atomic.Bool
}

// Chain is an ordered, fixed sequence of constructed plugins.
type Chain struct {
	stages  []*stage
	timeout time.Duration
	log     logger.Logger

	closeOnce sync.Once
	closeErr  error
}

// StageError reports a transform failure together with the plugin that
// caused it.
type StageError struct {
	Plugin   string
	Position int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("plugin %s at position %d: %v", e.Plugin, e.Position, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Len returns the number of plugins in the chain.
func (c *Chain) Len() int {
	return len(c.stages)
}

// Descriptors returns the chain's descriptors in order.
func (c *Chain) Descriptors() []Descriptor {
	out := make([]Descriptor, len(c.stages))
	for i, s := range c.stages {
		out[i] = s.descriptor
	}

	return out
}

// Apply threads f through every plugin in order. It returns (nil, nil) when a
// plugin drops the frame. A failing plugin aborts the rest of the chain for
// this frame only.
func (c *Chain) Apply(f *frame.Frame) (*frame.Frame, error) {
	current := f
	for _, s := range c.stages {
		out, err := c.transform(s, current)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, nil
		}
		current = out
	}

	return current, nil
}

func (c *Chain) transform(s *stage, f *frame.Frame) (*frame.Frame, error) {
	errFactory := errors.New()

	stageErr := func(code errors.ErrorCode, err error) error {
		return &StageError{
			Plugin:   s.descriptor.Name,
			Position: s.descriptor.Position,
			Err:      errFactory.Wrap(code, err),
		}
	}

	if c.timeout <= 0 {
		out, err := safeTransform(s.plugin, f)
		if err != nil {
			return nil, stageErr(errors.ErrPluginTransform, err)
		}
		return out, nil
	}

	type result struct {
		frame *frame.Frame
		err   error
	}

	if !s.busy.CompareAndSwap(false, true) {
		return nil, stageErr(errors.ErrPluginTimeout, fmt.Errorf("still processing an earlier frame"))
	}

	done := make(chan result, 1)
	go func() {
		out, err := safeTransform(s.plugin, f)
		s.busy.Store(false)
		done <- result{out, err}
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, stageErr(errors.ErrPluginTransform, r.err)
		}
		return r.frame, nil
	case <-timer.C:
		// The late result is discarded when it arrives.
		return nil, stageErr(errors.ErrPluginTimeout, fmt.Errorf("exceeded %s", c.timeout))
	}
}

func safeTransform(p Plugin, f *frame.Frame) (out *frame.Frame, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	return p.Transform(f)
}

// Reset resets every plugin implementing Resetter and returns how many did.
func (c *Chain) Reset() int {
	n := 0
	for _, s := range c.stages {
		if r, ok := s.plugin.(Resetter); ok {
			r.Reset()
			n++
		}
	}

	return n
}

// Close closes every plugin implementing Closer, last first. Subsequent calls
// return the first result.
func (c *Chain) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.closeStages()
	})

	return c.closeErr
}

// rollback releases a partially built chain.
func (c *Chain) rollback() {
	if err := c.Close(); err != nil {
		c.log.Warn().Err(err).Msg("Failed to close plugins after construction failure")
	}
}

func (c *Chain) closeStages() error {
	var errs []error
	for i := len(c.stages) - 1; i >= 0; i-- {
		closer, ok := c.stages[i].plugin.(Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.stages[i].descriptor.Name, err))
		}
	}

	return errors.Join(errs...)
}
