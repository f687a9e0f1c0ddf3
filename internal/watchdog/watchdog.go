// Package watchdog detects runaway memory growth during long acquisition
// runs. It only signals; shutdown is left to its owner.
package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/spectractl/internal/logger"
)

const (
	DefaultWarmupDelay  = 10 * time.Second
	DefaultPollInterval = 5 * time.Second
)

type Config struct {
	// WarmupDelay passes before the baseline is captured.
	WarmupDelay  time.Duration
	PollInterval time.Duration
	// GrowthThresholdPercent trips the watchdog when reached. Zero disables
	// tripping; samples are still taken.
	GrowthThresholdPercent float64
}

// Sample is one memory measurement.
type Sample struct {
	Time  time.Time
	Bytes uint64
}

// Trip describes the growth that tripped the watchdog.
type Trip struct {
	Baseline uint64
	Current  uint64
	Percent  float64
}

// Observer is called after every sample with the growth relative to the
// baseline.
type Observer func(s Sample, growth float64)

type Watchdog struct {
	cfg      Config
	sampler  Sampler
	log      logger.Logger
	observer Observer

	mu       sync.Mutex
	baseline *Sample
	latest   *Sample
	trip     Trip

	tripped  atomic.Bool
	trippedC chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Watchdog)

func WithObserver(fn Observer) Option {
	return func(w *Watchdog) {
		w.observer = fn
	}
}

func WithLogger(l logger.Logger) Option {
	return func(w *Watchdog) {
		w.log = l
	}
}

func New(cfg Config, sampler Sampler, opts ...Option) *Watchdog {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.WarmupDelay < 0 {
		cfg.WarmupDelay = 0
	}

	w := &Watchdog{
		cfg:      cfg,
		sampler:  sampler,
		log:      logger.Component("watchdog"),
		trippedC: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Growth returns the growth of current over baseline in percent. A zero
// baseline yields zero.
func Growth(baseline, current uint64) float64 {
	if baseline == 0 {
		return 0
	}

	return (float64(current) - float64(baseline)) / float64(baseline) * 100
}

// Start begins sampling in the background until Stop is called, ctx is
// cancelled, or the watchdog trips.
func (w *Watchdog) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	w.log.Debug().
		Dur("warmup", w.cfg.WarmupDelay).
		Dur("interval", w.cfg.PollInterval).
		Float64("threshold_percent", w.cfg.GrowthThresholdPercent).
		Msg("Starting memory watchdog")

	go w.run(ctx)
}

// Stop halts sampling and waits for the sampling goroutine to exit.
func (w *Watchdog) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

// Tripped reports whether the growth threshold has been reached.
func (w *Watchdog) Tripped() bool {
	return w.tripped.Load()
}

// TrippedC is closed when the watchdog trips.
func (w *Watchdog) TrippedC() <-chan struct{} {
	return w.trippedC
}

// Trip returns the tripping measurement once the watchdog has tripped.
func (w *Watchdog) Trip() (Trip, bool) {
	if !w.Tripped() {
		return Trip{}, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	return w.trip, true
}

func (w *Watchdog) Baseline() (Sample, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.baseline == nil {
		return Sample{}, false
	}

	return *w.baseline, true
}

func (w *Watchdog) Latest() (Sample, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.latest == nil {
		return Sample{}, false
	}

	return *w.latest, true
}

func (w *Watchdog) run(ctx context.Context) {
	defer close(w.done)

	if w.cfg.WarmupDelay > 0 {
		timer := time.NewTimer(w.cfg.WarmupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if w.poll() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll takes one sample and reports whether the watchdog tripped.
func (w *Watchdog) poll() bool {
	bytes, err := w.sampler.Sample()
	if err != nil {
		w.log.Warn().Err(err).Msg("Failed to sample process memory")
		return false
	}

	s := Sample{Time: time.Now(), Bytes: bytes}

	w.mu.Lock()
	if w.baseline == nil {
		w.baseline = &s
		w.log.Info().Uint64("baseline_bytes", bytes).Msg("Captured memory baseline")
	}
	w.latest = &s
	baseline := w.baseline.Bytes
	w.mu.Unlock()

	growth := Growth(baseline, bytes)
	if w.observer != nil {
		w.observer(s, growth)
	}

	w.log.Debug().
		Uint64("bytes", bytes).
		Float64("growth_percent", growth).
		Msg("Memory sample")

	if w.cfg.GrowthThresholdPercent <= 0 || growth < w.cfg.GrowthThresholdPercent {
		return false
	}

	w.mu.Lock()
	w.trip = Trip{Baseline: baseline, Current: bytes, Percent: growth}
	w.mu.Unlock()

	w.tripped.Store(true)
	close(w.trippedC)

	w.log.Warn().
		Uint64("baseline_bytes", baseline).
		Uint64("current_bytes", bytes).
		Float64("growth_percent", growth).
		Float64("threshold_percent", w.cfg.GrowthThresholdPercent).
		Msg("Memory growth threshold exceeded")

	return true
}
