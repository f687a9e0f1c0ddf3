// Package acquisition runs the frame pull, transform and publish cycle of a
// session.
package acquisition

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/spectractl/internal/errors"
	"codeberg.org/mutker/spectractl/internal/frame"
	"codeberg.org/mutker/spectractl/internal/logger"
	"codeberg.org/mutker/spectractl/internal/plugin"
	"codeberg.org/mutker/spectractl/internal/source"
)

const (
	DefaultReadTimeout    = time.Second
	DefaultTimeoutRetries = 3
	DefaultMaxMalformed   = 10

	// pausePoll bounds how long a paused loop takes to notice an expired
	// budget or a watchdog trip.
	pausePoll = 50 * time.Millisecond
)

type Config struct {
	// ReadTimeout bounds each frame pull.
	ReadTimeout time.Duration
	// TimeoutRetries is how many consecutive timeouts are retried before the
	// device is treated as disconnected.
	TimeoutRetries int
	// MaxMalformed is how many consecutive malformed frames are tolerated
	// before the device is treated as broken.
	MaxMalformed int
	// Budget is the run duration. Zero runs until cancelled.
	Budget time.Duration
	// Start is when the budget began. Defaults to when Run is called.
	Start time.Time
}

func (c Config) normalize() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.TimeoutRetries < 0 {
		c.TimeoutRetries = 0
	}
	if c.MaxMalformed <= 0 {
		c.MaxMalformed = DefaultMaxMalformed
	}

	return c
}

// Observer is called on every state change, from the loop goroutine or the
// caller of Pause and Resume.
type Observer func(from, to State)

type Loop struct {
	cfg       Config
	source    Source
	chain     Chain
	publisher Publisher
	watchdog  TripSignal
	recorder  Recorder
	observer  Observer
	log       logger.Logger

	stateMu sync.Mutex
	state   State
	resumeC chan struct{}

	cause   atomic.Int32
	causeMu sync.Mutex
	err     error
	stopC   chan struct{}

	acquired     atomic.Uint64
	published    atomic.Uint64
	dropped      atomic.Uint64
	malformed    atomic.Uint64
	pluginErrors atomic.Uint64
	timeouts     atomic.Uint64
}

type Option func(*Loop)

func WithWatchdog(w TripSignal) Option {
	return func(l *Loop) {
		l.watchdog = w
	}
}

func WithRecorder(r Recorder) Option {
	return func(l *Loop) {
		l.recorder = r
	}
}

func WithObserver(fn Observer) Option {
	return func(l *Loop) {
		l.observer = fn
	}
}

func WithLogger(log logger.Logger) Option {
	return func(l *Loop) {
		l.log = log
	}
}

func New(cfg Config, src Source, chain Chain, pub Publisher, opts ...Option) *Loop {
	l := &Loop{
		cfg:       cfg.normalize(),
		source:    src,
		chain:     chain,
		publisher: pub,
		recorder:  noopRecorder{},
		log:       logger.Component("acquisition"),
		state:     StateStarting,
		stopC:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

func (l *Loop) State() State {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()

	return l.state
}

// Counters returns a snapshot of the frame counters.
func (l *Loop) Counters() Counters {
	return Counters{
		Acquired:     l.acquired.Load(),
		Published:    l.published.Load(),
		Dropped:      l.dropped.Load(),
		Malformed:    l.malformed.Load(),
		PluginErrors: l.pluginErrors.Load(),
		Timeouts:     l.timeouts.Load(),
	}
}

// Pause suspends frame pulls. It reports whether the loop was running.
func (l *Loop) Pause() bool {
	l.stateMu.Lock()
	if l.state != StateRunning {
		l.stateMu.Unlock()
		return false
	}
	l.state = StatePaused
	l.resumeC = make(chan struct{})
	l.stateMu.Unlock()

	l.notify(StateRunning, StatePaused)
	l.log.Info().Msg("Acquisition paused")

	return true
}

// Resume continues a paused loop. It reports whether the loop was paused.
func (l *Loop) Resume() bool {
	l.stateMu.Lock()
	if l.state != StatePaused {
		l.stateMu.Unlock()
		return false
	}
	l.state = StateRunning
	close(l.resumeC)
	l.stateMu.Unlock()

	l.notify(StatePaused, StateRunning)
	l.log.Info().Msg("Acquisition resumed")

	return true
}

// Terminate asks the loop to stop for cause. Only the first cause is kept;
// it reports whether this call set it.
func (l *Loop) Terminate(cause Cause, err error) bool {
	if !l.cause.CompareAndSwap(int32(CauseNone), int32(cause)) {
		return false
	}

	l.causeMu.Lock()
	l.err = err
	l.causeMu.Unlock()
	close(l.stopC)

	return true
}

// Run pulls frames until a stop condition holds. It must be called once.
func (l *Loop) Run(ctx context.Context) Result {
	start := l.cfg.Start
	if start.IsZero() {
		start = time.Now()
	}

	l.log.Info().
		Dur("budget", l.cfg.Budget).
		Dur("read_timeout", l.cfg.ReadTimeout).
		Msg("Acquisition started")

	consecutiveMalformed := 0

	for !l.shouldStop(ctx, start) {
		if resumeC, paused := l.pausedC(); paused {
			l.waitResume(ctx, start, resumeC)
			continue
		}

		f, err := l.pull(ctx, start)
		if err != nil {
			if source.KindOf(err) == source.ErrMalformed {
				consecutiveMalformed++
				l.malformed.Add(1)
				l.recorder.FrameDropped("malformed")
				l.log.Warn().Err(err).Int("consecutive", consecutiveMalformed).Msg("Dropping malformed frame")

				if consecutiveMalformed > l.cfg.MaxMalformed {
					l.Terminate(CauseDevice, errors.New().Wrap(errors.ErrDeviceProtocol,
						fmt.Errorf("%d consecutive malformed frames: %w", consecutiveMalformed, err)))
				}
				continue
			}
			if err != errStopRequested {
				l.Terminate(CauseDevice, err)
			}
			continue
		}

		consecutiveMalformed = 0
		l.process(f)
	}

	l.setState(StateStopping)
	// Frames are processed synchronously, so nothing is in flight here.
	l.setState(StateStopped)

	result := Result{
		Cause:    Cause(l.cause.Load()),
		Counters: l.Counters(),
	}
	l.causeMu.Lock()
	result.Err = l.err
	l.causeMu.Unlock()

	l.log.Info().
		Str("cause", result.Cause.String()).
		Uint64("acquired", result.Counters.Acquired).
		Uint64("published", result.Counters.Published).
		Uint64("dropped", result.Counters.Dropped).
		Uint64("plugin_errors", result.Counters.PluginErrors).
		Msg("Acquisition stopped")

	return result
}

var errStopRequested = errors.New().WithMessage(errors.ErrOperationFailed, "stop requested")

// pull reads one frame, retrying timeouts. Exhausted retries are reported as
// a disconnect.
func (l *Loop) pull(ctx context.Context, start time.Time) (*frame.Frame, error) {
	for attempt := 0; ; attempt++ {
		f, err := l.source.NextFrame(l.cfg.ReadTimeout)
		if err == nil {
			return f, nil
		}
		if source.KindOf(err) != source.ErrTimeout {
			return nil, err
		}

		l.timeouts.Add(1)
		l.recorder.FrameTimeout()

		if attempt >= l.cfg.TimeoutRetries {
			return nil, errors.New().Wrap(errors.ErrDeviceDisconnected,
				fmt.Errorf("no frame after %d attempts: %w", attempt+1, err))
		}

		l.log.Debug().Int("attempt", attempt+1).Msg("Frame read timed out, retrying")

		if l.shouldStop(ctx, start) {
			return nil, errStopRequested
		}
	}
}

func (l *Loop) process(f *frame.Frame) {
	l.acquired.Add(1)
	l.recorder.FrameAcquired()

	l.stateMu.Lock()
	first := l.state == StateStarting
	if first {
		l.state = StateRunning
	}
	l.stateMu.Unlock()
	if first {
		l.notify(StateStarting, StateRunning)
	}

	out, err := l.chain.Apply(f)
	if err != nil {
		l.pluginErrors.Add(1)
		l.dropped.Add(1)

		name := "unknown"
		var stageErr *plugin.StageError
		if errors.As(err, &stageErr) {
			name = stageErr.Plugin
		}
		l.recorder.PluginFailed(name)
		l.recorder.FrameDropped("plugin_error")
		l.log.Warn().Err(err).Str("plugin", name).Uint64("sequence", f.Sequence).Msg("Plugin failed, discarding frame")

		return
	}

	if out == nil {
		l.dropped.Add(1)
		l.recorder.FrameDropped("filtered")
		return
	}

	l.publisher.Publish(out)
	l.published.Add(1)
	l.recorder.FramePublished()
}

// shouldStop records and reports any stop condition.
func (l *Loop) shouldStop(ctx context.Context, start time.Time) bool {
	if Cause(l.cause.Load()) != CauseNone {
		return true
	}

	switch {
	case ctx.Err() != nil:
		l.Terminate(CauseCancelled, nil)
	case l.watchdog != nil && l.watchdog.Tripped():
		l.Terminate(CauseWatchdog, nil)
	case l.cfg.Budget > 0 && time.Since(start) >= l.cfg.Budget:
		l.Terminate(CauseBudget, nil)
	default:
		return false
	}

	return true
}

func (l *Loop) pausedC() (<-chan struct{}, bool) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()

	if l.state != StatePaused {
		return nil, false
	}

	return l.resumeC, true
}

// waitResume blocks until resumed or a stop condition holds.
func (l *Loop) waitResume(ctx context.Context, start time.Time, resumeC <-chan struct{}) {
	ticker := time.NewTicker(pausePoll)
	defer ticker.Stop()

	for {
		select {
		case <-resumeC:
			return
		case <-l.stopC:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.shouldStop(ctx, start) {
				return
			}
		}
	}
}

func (l *Loop) setState(to State) {
	l.stateMu.Lock()
	from := l.state
	l.state = to
	l.stateMu.Unlock()

	if from != to {
		l.notify(from, to)
	}
}

func (l *Loop) notify(from, to State) {
	l.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("State changed")
	if l.observer != nil {
		l.observer(from, to)
	}
}
