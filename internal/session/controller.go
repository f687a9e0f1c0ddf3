// Package session owns one acquisition run end to end: device, plugin chain,
// memory watchdog and acquisition loop, plus the terminal reason.
package session

import (
	"context"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/spectractl/internal/acquisition"
	"codeberg.org/mutker/spectractl/internal/device"
	"codeberg.org/mutker/spectractl/internal/errors"
	"codeberg.org/mutker/spectractl/internal/frame"
	"codeberg.org/mutker/spectractl/internal/logger"
	"codeberg.org/mutker/spectractl/internal/plugin"
	"codeberg.org/mutker/spectractl/internal/source"
	"codeberg.org/mutker/spectractl/internal/watchdog"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Opener constructs the transport and decoder for a device.
type Opener func() (device.Transport, device.Decoder, error)

type ReconnectConfig struct {
	// Attempts is how many times a new source is tried after a disconnect.
	// Zero disables reconnection.
	Attempts int
	// Limit caps successful reconnects over the whole session so a flapping
	// device cannot keep it alive forever. Zero means no cap.
	Limit           int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Config struct {
	DeviceID      string
	Plugins       []plugin.Spec
	PluginTimeout time.Duration
	Loop          acquisition.Config
	Watchdog      watchdog.Config
	Reconnect     ReconnectConfig
}

// Report summarises a finished session.
type Report struct {
	ID             string
	Started        time.Time
	Ended          time.Time
	Reason         Reason
	Counters       acquisition.Counters
	Reconnects     int
	Device         device.Info
	Plugins        []string
	MemoryBaseline uint64
	MemoryLatest   uint64
}

func (r Report) Duration() time.Duration {
	return r.Ended.Sub(r.Started)
}

type Controller struct {
	cfg      Config
	open     Opener
	registry *plugin.Registry

	publisher     acquisition.Publisher
	recorder      acquisition.Recorder
	newSampler    func() (watchdog.Sampler, error)
	sampleObs     watchdog.Observer
	stateObserver StateObserver
	log           logger.Logger

	id        string
	state     *State
	loop      atomic.Pointer[acquisition.Loop]
	chain     atomic.Pointer[plugin.Chain]
	completed atomic.Bool
}

type Option func(*Controller)

func WithPublisher(p acquisition.Publisher) Option {
	return func(c *Controller) {
		c.publisher = p
	}
}

func WithRecorder(r acquisition.Recorder) Option {
	return func(c *Controller) {
		c.recorder = r
	}
}

// WithSampler replaces the process memory sampler.
func WithSampler(s watchdog.Sampler) Option {
	return func(c *Controller) {
		c.newSampler = func() (watchdog.Sampler, error) { return s, nil }
	}
}

// WithSamplerFactory builds the memory sampler when the session starts.
func WithSamplerFactory(fn func() (watchdog.Sampler, error)) Option {
	return func(c *Controller) {
		c.newSampler = fn
	}
}

func newProcessSampler() (watchdog.Sampler, error) {
	return watchdog.NewProcessSampler()
}

func WithSampleObserver(fn watchdog.Observer) Option {
	return func(c *Controller) {
		c.sampleObs = fn
	}
}

func WithStateObserver(fn StateObserver) Option {
	return func(c *Controller) {
		c.stateObserver = fn
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Controller) {
		c.log = l
	}
}

type discard struct{}

func (discard) Publish(*frame.Frame) {}

func NewController(cfg Config, open Opener, registry *plugin.Registry, opts ...Option) *Controller {
	c := &Controller{
		cfg:        cfg,
		open:       open,
		registry:   registry,
		publisher:  discard{},
		newSampler: newProcessSampler,
		log:        logger.Component("session"),
		id:         uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.log = c.log.With("session", c.id)
	c.state = NewState(c.stateObserver, c.log)

	return c
}

func (c *Controller) ID() string {
	return c.id
}

// State returns the current session state.
func (c *Controller) State() string {
	return c.state.Current()
}

// Pause suspends acquisition. It reports whether acquisition was running.
func (c *Controller) Pause() bool {
	if l := c.loop.Load(); l != nil {
		return l.Pause()
	}

	return false
}

// Resume continues a paused acquisition.
func (c *Controller) Resume() bool {
	if l := c.loop.Load(); l != nil {
		return l.Resume()
	}

	return false
}

// Complete ends acquisition as if the run budget had expired. It reports
// whether a running loop was stopped.
func (c *Controller) Complete() bool {
	c.completed.Store(true)
	if l := c.loop.Load(); l != nil {
		return l.Terminate(acquisition.CauseBudget, nil)
	}

	return false
}

// ResetPlugins asks every resettable plugin to rebuild its state from the
// frames that follow. It returns how many plugins were reset.
func (c *Controller) ResetPlugins() int {
	chain := c.chain.Load()
	if chain == nil {
		return 0
	}

	n := chain.Reset()
	c.log.Info().Int("plugins", n).Msg("Plugins reset")
	return n
}

// Run executes the session. Startup failures release whatever was acquired,
// in reverse order, and are returned as an error alongside the report.
func (c *Controller) Run(ctx context.Context) (Report, error) {
	report := Report{ID: c.id, Started: time.Now()}
	for _, spec := range c.cfg.Plugins {
		report.Plugins = append(report.Plugins, spec.Name)
	}

	src, err := c.startSource(0)
	if err != nil {
		reason := deviceError(err)
		if !isDeviceError(err) {
			reason = Reason{Kind: StartupFailed, Err: err}
		}
		return c.finish(report, reason), err
	}
	report.Device = src.Info()

	chain, err := c.registry.BuildChain(c.cfg.Plugins,
		plugin.WithTimeout(c.cfg.PluginTimeout),
		plugin.WithLogger(logger.Component("plugin")))
	if err != nil {
		c.stopSource(src)
		return c.finish(report, Reason{Kind: StartupFailed, Err: err}), err
	}

	wd, err := c.newWatchdog()
	if err != nil {
		c.closeChain(chain)
		c.stopSource(src)
		return c.finish(report, Reason{Kind: StartupFailed, Err: err}), err
	}
	defer c.closeChain(chain)
	c.chain.Store(chain)
	defer c.chain.Store(nil)
	wd.Start(ctx)

	if err := c.state.Fire(EventStart); err != nil {
		c.log.Debug().Err(err).Msg("Unexpected session state")
	}

	c.log.Info().
		Str("device", report.Device.Serial).
		Strs("plugins", report.Plugins).
		Dur("budget", c.cfg.Loop.Budget).
		Msg("Session started")

	reason := c.acquire(ctx, src, chain, wd, report.Started, &report)

	wd.Stop()
	if s, ok := wd.Baseline(); ok {
		report.MemoryBaseline = s.Bytes
	}
	if s, ok := wd.Latest(); ok {
		report.MemoryLatest = s.Bytes
	}

	return c.finish(report, reason), nil
}

// acquire runs the loop, reconnecting after a disconnect when configured.
func (c *Controller) acquire(ctx context.Context, src *source.Source, chain *plugin.Chain,
	wd *watchdog.Watchdog, started time.Time, report *Report,
) Reason {
	loopCfg := c.cfg.Loop
	loopCfg.Start = started

	opts := []acquisition.Option{
		acquisition.WithWatchdog(wd),
		acquisition.WithObserver(c.observeLoop),
		acquisition.WithLogger(logger.Component("acquisition")),
	}
	if c.recorder != nil {
		opts = append(opts, acquisition.WithRecorder(c.recorder))
	}

	for {
		loop := acquisition.New(loopCfg, src, chain, c.publisher, opts...)
		c.loop.Store(loop)
		if c.completed.Load() {
			loop.Terminate(acquisition.CauseBudget, nil)
		}

		res := loop.Run(ctx)
		report.Counters = report.Counters.Add(res.Counters)
		c.stopSource(src)

		switch res.Cause {
		case acquisition.CauseBudget:
			return Reason{Kind: Completed}
		case acquisition.CauseCancelled:
			return Reason{Kind: Cancelled}
		case acquisition.CauseWatchdog:
			trip, _ := wd.Trip()
			return Reason{Kind: MemoryGrowthExceeded, Memory: trip}
		}

		reason := deviceError(res.Err)
		if reason.Device != device.ErrDisconnected || c.cfg.Reconnect.Attempts <= 0 {
			return reason
		}
		if limit := c.cfg.Reconnect.Limit; limit > 0 && report.Reconnects >= limit {
			c.log.Warn().Int("reconnects", report.Reconnects).Msg("Reconnect limit reached")
			return reason
		}

		next, err := c.reconnect(ctx, src.NextSequence(), started)
		switch {
		case err == nil:
			report.Reconnects++
			src = next
		case ctx.Err() != nil:
			return Reason{Kind: Cancelled}
		case errors.Is(err, errBudgetExpired):
			return Reason{Kind: Completed}
		default:
			c.log.Error().Err(err).Msg("Reconnect failed")
			return reason
		}
	}
}

var errBudgetExpired = errors.New().WithMessage(errors.ErrTimeout, "run budget expired")

// reconnect opens a fresh source that continues the sequence numbering.
func (c *Controller) reconnect(ctx context.Context, nextSeq uint64, started time.Time) (*source.Source, error) {
	rc := c.cfg.Reconnect

	eb := backoff.NewExponentialBackOff()
	if rc.InitialInterval > 0 {
		eb.InitialInterval = rc.InitialInterval
	}
	if rc.MaxInterval > 0 {
		eb.MaxInterval = rc.MaxInterval
	}
	eb.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(rc.Attempts-1)), ctx)

	var (
		src     *source.Source
		attempt int
	)
	operation := func() error {
		attempt++
		budget := c.cfg.Loop.Budget
		if budget > 0 && time.Since(started) >= budget {
			return backoff.Permanent(errBudgetExpired)
		}

		s, err := c.startSource(nextSeq)
		if err != nil {
			if device.KindOf(err) == device.ErrPermissionDenied || !isDeviceError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		src = s

		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("Reconnect attempt failed")
	}

	c.log.Info().Int("attempts", rc.Attempts).Uint64("next_sequence", nextSeq).Msg("Device disconnected, reconnecting")

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}

	c.log.Info().Int("attempt", attempt).Msg("Device reconnected")

	return src, nil
}

func (c *Controller) startSource(startSeq uint64) (*source.Source, error) {
	transport, decoder, err := c.open()
	if err != nil {
		return nil, err
	}

	src := source.New(transport, decoder, source.Options{
		DeviceID:      c.cfg.DeviceID,
		StartSequence: startSeq,
		Logger:        logger.Component("source"),
	})
	if err := src.Start(); err != nil {
		return nil, err
	}

	return src, nil
}

func (c *Controller) stopSource(src *source.Source) {
	if err := src.Stop(); err != nil {
		c.log.Warn().Err(err).Msg("Failed to close device")
	}
}

func (c *Controller) closeChain(chain *plugin.Chain) {
	if err := chain.Close(); err != nil {
		c.log.Warn().Err(err).Msg("Failed to close plugins")
	}
}

func (c *Controller) newWatchdog() (*watchdog.Watchdog, error) {
	sampler, err := c.newSampler()
	if err != nil {
		return nil, err
	}

	opts := []watchdog.Option{watchdog.WithLogger(logger.Component("watchdog"))}
	if c.sampleObs != nil {
		opts = append(opts, watchdog.WithObserver(c.sampleObs))
	}

	return watchdog.New(c.cfg.Watchdog, sampler, opts...), nil
}

// observeLoop mirrors loop pause and resume into the session state.
func (c *Controller) observeLoop(from, to acquisition.State) {
	var event string
	switch {
	case to == acquisition.StatePaused:
		event = EventPause
	case from == acquisition.StatePaused && to == acquisition.StateRunning:
		event = EventResume
	default:
		return
	}

	if err := c.state.Fire(event); err != nil {
		c.log.Debug().Err(err).Str("event", event).Msg("Ignoring session event")
	}
}

func (c *Controller) finish(report Report, reason Reason) Report {
	if err := c.state.Terminate(reason); err != nil {
		c.log.Debug().Err(err).Msg("Session already terminated")
	}

	report.Ended = time.Now()
	report.Reason = reason

	event := c.log.Info()
	if reason.ExitCode() != ExitOK {
		event = c.log.Warn()
	}
	if reason.Err != nil {
		event.Err(reason.Err)
	}
	event.
		Str("reason", reason.String()).
		Dur("duration", report.Duration()).
		Uint64("acquired", report.Counters.Acquired).
		Uint64("published", report.Counters.Published).
		Int("reconnects", report.Reconnects).
		Msg("Session terminated")

	return report
}

func isDeviceError(err error) bool {
	return device.KindOf(err) != ""
}
