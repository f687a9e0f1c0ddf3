// Package publish fans surviving frames out to downstream consumers.
package publish

import (
	"sync"
	"sync/atomic"

	"codeberg.org/mutker/spectractl/internal/frame"
	"codeberg.org/mutker/spectractl/internal/logger"
)

const DefaultBuffer = 64

// DropFunc is told which subscriber lost a frame.
type DropFunc func(subscriber string)

// Subscription delivers frames to one consumer in publish order.
type Subscription struct {
	name    string
	ch      chan *frame.Frame
	dropped atomic.Uint64
}

func (s *Subscription) Name() string { return s.name }

// C is closed when the bus closes.
func (s *Subscription) C() <-chan *frame.Frame { return s.ch }

// Dropped returns how many frames this subscriber missed because its buffer
// was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Bus is a non-blocking publisher. A slow subscriber loses frames instead of
// stalling acquisition; each frame reaches a subscriber at most once.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	closed bool
	onDrop DropFunc
	log    logger.Logger
}

type Option func(*Bus)

func WithDropFunc(fn DropFunc) Option {
	return func(b *Bus) {
		b.onDrop = fn
	}
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{log: logger.Component("publish")}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Subscribe registers a consumer with the given buffer size.
func (b *Bus) Subscribe(name string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	s := &Subscription{name: name, ch: make(chan *frame.Frame, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(s.ch)
		return s
	}
	b.subs = append(b.subs, s)

	return s
}

// Publish hands f to every subscriber without blocking.
func (b *Bus) Publish(f *frame.Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, s := range b.subs {
		select {
		case s.ch <- f:
		default:
			s.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(s.name)
			}
			b.log.Debug().
				Str("subscriber", s.name).
				Uint64("sequence", f.Sequence).
				Msg("Subscriber buffer full, dropping frame")
		}
	}
}

// Close ends every subscription. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, s := range b.subs {
		close(s.ch)
	}
}
