package acquisition

import (
	"time"

	"codeberg.org/mutker/spectractl/internal/frame"
)

// Source yields frames. It is satisfied by *source.Source.
type Source interface {
	NextFrame(timeout time.Duration) (*frame.Frame, error)
}

// Chain transforms frames. It is satisfied by *plugin.Chain.
type Chain interface {
	Apply(f *frame.Frame) (*frame.Frame, error)
}

// Publisher receives every surviving frame, in sequence order.
type Publisher interface {
	Publish(f *frame.Frame)
}

// TripSignal is the memory watchdog's termination flag.
type TripSignal interface {
	Tripped() bool
}

// Recorder is notified of per-frame outcomes.
type Recorder interface {
	FrameAcquired()
	FramePublished()
	FrameDropped(reason string)
	PluginFailed(plugin string)
	FrameTimeout()
}

type noopRecorder struct{}

func (noopRecorder) FrameAcquired()      {}
func (noopRecorder) FramePublished()     {}
func (noopRecorder) FrameDropped(string) {}
func (noopRecorder) PluginFailed(string) {}
func (noopRecorder) FrameTimeout()       {}
