package session_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/spectractl/internal/acquisition"
	"codeberg.org/mutker/spectractl/internal/device"
	"codeberg.org/mutker/spectractl/internal/errors"
	"codeberg.org/mutker/spectractl/internal/frame"
	"codeberg.org/mutker/spectractl/internal/plugin"
	"codeberg.org/mutker/spectractl/internal/plugin/builtin"
	"codeberg.org/mutker/spectractl/internal/session"
	"codeberg.org/mutker/spectractl/internal/watchdog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct{ connected atomic.Bool }

func (h *fakeHandle) ID() string      { return "fake0" }
func (h *fakeHandle) Connected() bool { return h.connected.Load() }

// fakeTransport yields limit frames per connection (forever when limit is
// negative) and then reports a disconnect.
type fakeTransport struct {
	limit   int
	delay   time.Duration
	openErr error
	onClose func()

	mu     sync.Mutex
	opens  int
	closes int
	reads  int
}

func (t *fakeTransport) Open() (device.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.openErr != nil {
		return nil, t.openErr
	}
	t.opens++
	t.reads = 0
	h := &fakeHandle{}
	h.connected.Store(true)

	return h, nil
}

func (t *fakeTransport) Read(h device.Handle, _ time.Duration) ([]byte, error) {
	if t.delay > 0 {
		time.Sleep(t.delay)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !h.Connected() || (t.limit >= 0 && t.reads >= t.limit) {
		return nil, errors.New().New(device.ErrDisconnected)
	}
	t.reads++

	return device.EncodeUint16([]float64{100, 200, 300}), nil
}

func (t *fakeTransport) Close(h device.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	h.(*fakeHandle).connected.Store(false)
	if t.onClose != nil {
		t.onClose()
	}

	return nil
}

func (t *fakeTransport) counts() (opens, closes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens, t.closes
}

func opener(t *fakeTransport) session.Opener {
	return func() (device.Transport, device.Decoder, error) {
		return t, device.Uint16Decoder{Pixels: 3}, nil
	}
}

type recordingPublisher struct {
	mu  sync.Mutex
	seq []uint64
}

func (p *recordingPublisher) Publish(f *frame.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq = append(p.seq, f.Sequence)
}

func (p *recordingPublisher) Sequences() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint64(nil), p.seq...)
}

type constSampler struct{ values []uint64 }

func (s *constSampler) Sample() (uint64, error) {
	v := s.values[0]
	if len(s.values) > 1 {
		s.values = s.values[1:]
	}
	return v, nil
}

func registry(t *testing.T) *plugin.Registry {
	t.Helper()
	r := plugin.NewRegistry()
	require.NoError(t, builtin.RegisterAll(r))
	return r
}

type stateLog struct {
	mu     sync.Mutex
	states []string
}

func (l *stateLog) observe(_, to string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, to)
}

func (l *stateLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.states...)
}

func baseConfig() session.Config {
	return session.Config{
		Plugins:  []plugin.Spec{{Name: "identity"}},
		Watchdog: watchdog.Config{PollInterval: time.Millisecond},
	}
}

func TestFiveFramesThenDisconnect(t *testing.T) {
	tr := &fakeTransport{limit: 5}
	pub := &recordingPublisher{}
	states := &stateLog{}

	c := session.NewController(baseConfig(), opener(tr), registry(t),
		session.WithPublisher(pub),
		session.WithSampler(&constSampler{values: []uint64{1 << 20}}),
		session.WithStateObserver(states.observe))

	report, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, session.DeviceError, report.Reason.Kind)
	assert.Equal(t, device.ErrDisconnected, report.Reason.Device)
	assert.Equal(t, "device_error(device_disconnected)", report.Reason.String())
	assert.Equal(t, session.ExitDevice, report.Reason.ExitCode())
	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, pub.Sequences())
	assert.Equal(t, uint64(5), report.Counters.Published)

	opens, closes := tr.counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, closes)

	assert.Equal(t, []string{session.StateAcquiring, session.StateDraining, session.StateTerminated}, states.get())
	assert.Equal(t, session.StateTerminated, c.State())
	assert.NotEmpty(t, report.ID)
	assert.Equal(t, c.ID(), report.ID)
}

func TestPluginConstructionFailureNeverAcquires(t *testing.T) {
	tests := []struct {
		name    string
		plugins []plugin.Spec
		code    errors.ErrorCode
	}{
		{
			name:    "invalid options",
			plugins: []plugin.Spec{{Name: "identity"}, {Name: "roi", Options: map[string]any{"start": 10, "end": 2}}},
			code:    errors.ErrPluginConstruction,
		},
		{
			name:    "unknown plugin",
			plugins: []plugin.Spec{{Name: "identity"}, {Name: "wavecal"}},
			code:    errors.ErrUnknownPlugin,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{limit: -1}
			states := &stateLog{}
			cfg := baseConfig()
			cfg.Plugins = tt.plugins

			c := session.NewController(cfg, opener(tr), registry(t),
				session.WithSampler(&constSampler{values: []uint64{1}}),
				session.WithStateObserver(states.observe))

			report, err := c.Run(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err))
			assert.Equal(t, session.StartupFailed, report.Reason.Kind)
			assert.Equal(t, session.ExitStartup, report.Reason.ExitCode())

			opens, closes := tr.counts()
			assert.Equal(t, 1, opens)
			assert.Equal(t, 1, closes)
			assert.NotContains(t, states.get(), session.StateAcquiring)
			assert.Equal(t, []string{session.StateTerminated}, states.get())
		})
	}
}

func TestDeviceOpenFailure(t *testing.T) {
	tr := &fakeTransport{openErr: errors.New().New(device.ErrNotFound)}
	c := session.NewController(baseConfig(), opener(tr), registry(t))

	report, err := c.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, session.DeviceError, report.Reason.Kind)
	assert.Equal(t, device.ErrNotFound, report.Reason.Device)

	_, closes := tr.counts()
	assert.Zero(t, closes)
}

func TestOpenerFailureIsStartupFailure(t *testing.T) {
	c := session.NewController(baseConfig(), func() (device.Transport, device.Decoder, error) {
		return nil, nil, fmt.Errorf("no such device type")
	}, registry(t))

	report, err := c.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, session.StartupFailed, report.Reason.Kind)
}

func TestBudgetCompletes(t *testing.T) {
	tr := &fakeTransport{limit: -1, delay: time.Millisecond}
	cfg := baseConfig()
	cfg.Loop.Budget = 50 * time.Millisecond

	c := session.NewController(cfg, opener(tr), registry(t), session.WithSampler(&constSampler{values: []uint64{1}}))

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.Completed, report.Reason.Kind)
	assert.Equal(t, session.ExitOK, report.Reason.ExitCode())
	assert.GreaterOrEqual(t, report.Duration(), 50*time.Millisecond)
	assert.Equal(t, uint64(1), report.MemoryBaseline)

	_, closes := tr.counts()
	assert.Equal(t, 1, closes)
}

func TestMemoryGrowthExceeded(t *testing.T) {
	tr := &fakeTransport{limit: -1, delay: time.Millisecond}
	cfg := baseConfig()
	cfg.Watchdog.GrowthThresholdPercent = 50

	c := session.NewController(cfg, opener(tr), registry(t),
		session.WithSampler(&constSampler{values: []uint64{1000, 1200, 1600}}))

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.MemoryGrowthExceeded, report.Reason.Kind)
	assert.Equal(t, uint64(1000), report.Reason.Memory.Baseline)
	assert.Equal(t, uint64(1600), report.Reason.Memory.Current)
	assert.InDelta(t, 60, report.Reason.Memory.Percent, 1e-9)
	assert.Equal(t, session.ExitMemory, report.Reason.ExitCode())
	assert.Equal(t, uint64(1600), report.MemoryLatest)

	_, closes := tr.counts()
	assert.Equal(t, 1, closes)
}

func TestCancelled(t *testing.T) {
	tr := &fakeTransport{limit: -1, delay: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())

	c := session.NewController(baseConfig(), opener(tr), registry(t), session.WithSampler(&constSampler{values: []uint64{1}}))

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	report, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.Cancelled, report.Reason.Kind)
	assert.Equal(t, session.StateTerminated, c.State())
}

func TestReconnectContinuesSequence(t *testing.T) {
	tr := &fakeTransport{limit: 3}
	pub := &recordingPublisher{}
	cfg := baseConfig()
	cfg.Reconnect = session.ReconnectConfig{Attempts: 2, InitialInterval: time.Millisecond}

	// The second connection also disconnects after three frames, and so on;
	// two reconnects are allowed per disconnect, each succeeding at once.
	cfg.Loop.Budget = time.Second
	var connections atomic.Int32
	open := func() (device.Transport, device.Decoder, error) {
		if connections.Add(1) > 3 {
			return nil, nil, errors.New().New(device.ErrNotFound)
		}
		return tr, device.Uint16Decoder{Pixels: 3}, nil
	}

	c := session.NewController(cfg, open, registry(t),
		session.WithPublisher(pub),
		session.WithSampler(&constSampler{values: []uint64{1}}))

	report, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, session.DeviceError, report.Reason.Kind)
	assert.Equal(t, 2, report.Reconnects)
	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 5, 6, 7, 8}, pub.Sequences())
	assert.Equal(t, uint64(9), report.Counters.Published)

	opens, closes := tr.counts()
	assert.Equal(t, 3, opens)
	assert.Equal(t, 3, closes)
}

func TestPauseResumeUpdatesState(t *testing.T) {
	tr := &fakeTransport{limit: -1, delay: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	states := &stateLog{}
	c := session.NewController(baseConfig(), opener(tr), registry(t),
		session.WithSampler(&constSampler{values: []uint64{1}}),
		session.WithStateObserver(states.observe))

	assert.False(t, c.Pause(), "nothing to pause before the run starts")

	done := make(chan session.Report)
	go func() {
		report, _ := c.Run(ctx)
		done <- report
	}()

	require.Eventually(t, c.Pause, time.Second, time.Millisecond)
	assert.Equal(t, session.StatePaused, c.State())
	require.True(t, c.Resume())
	assert.Equal(t, session.StateAcquiring, c.State())

	cancel()
	report := <-done
	assert.Equal(t, session.Cancelled, report.Reason.Kind)
	assert.Equal(t, []string{
		session.StateAcquiring, session.StatePaused, session.StateAcquiring,
		session.StateDraining, session.StateTerminated,
	}, states.get())
}

type countingRecorder struct{ published atomic.Int64 }

func (r *countingRecorder) FrameAcquired()      {}
func (r *countingRecorder) FramePublished()     { r.published.Add(1) }
func (r *countingRecorder) FrameDropped(string) {}
func (r *countingRecorder) PluginFailed(string) {}
func (r *countingRecorder) FrameTimeout()       {}

func TestRecorderIsWired(t *testing.T) {
	rec := &countingRecorder{}
	c := session.NewController(baseConfig(), opener(&fakeTransport{limit: 4}), registry(t),
		session.WithRecorder(rec),
		session.WithSampler(&constSampler{values: []uint64{1}}))

	_, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec.published.Load())
}

var _ acquisition.Recorder = (*countingRecorder)(nil)

type releaseLog struct {
	mu    sync.Mutex
	order []string
}

func (l *releaseLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = append(l.order, name)
}

func (l *releaseLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

type closingPlugin struct{ released *releaseLog }

func (p *closingPlugin) Transform(f *frame.Frame) (*frame.Frame, error) { return f, nil }

func (p *closingPlugin) Close() error {
	p.released.add("plugin")
	return nil
}

func TestWatchdogFailureReleasesInReverseOrder(t *testing.T) {
	released := &releaseLog{}
	tr := &fakeTransport{limit: -1, onClose: func() { released.add("device") }}

	r := registry(t)
	require.NoError(t, r.Register(plugin.Descriptor{Name: "closer"}, func(plugin.Options) (plugin.Plugin, error) {
		return &closingPlugin{released: released}, nil
	}))
	cfg := baseConfig()
	cfg.Plugins = []plugin.Spec{{Name: "closer"}}

	states := &stateLog{}
	c := session.NewController(cfg, opener(tr), r,
		session.WithStateObserver(states.observe),
		session.WithSamplerFactory(func() (watchdog.Sampler, error) {
			return nil, fmt.Errorf("process stats unavailable")
		}))

	report, err := c.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, session.StartupFailed, report.Reason.Kind)
	assert.Equal(t, session.ExitStartup, report.Reason.ExitCode())
	assert.Equal(t, []string{"plugin", "device"}, released.get())
	assert.NotContains(t, states.get(), session.StateAcquiring)

	opens, closes := tr.counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, closes)
}

func TestReconnectLimitStopsFlappingDevice(t *testing.T) {
	// Every connection delivers two frames and drops; each reconnect succeeds
	// at the first attempt, so only the session-wide limit ends the run.
	tr := &fakeTransport{limit: 2}
	pub := &recordingPublisher{}
	cfg := baseConfig()
	cfg.Loop.Budget = 10 * time.Second
	cfg.Reconnect = session.ReconnectConfig{Attempts: 3, Limit: 2, InitialInterval: time.Millisecond}

	c := session.NewController(cfg, opener(tr), registry(t),
		session.WithPublisher(pub),
		session.WithSampler(&constSampler{values: []uint64{1}}))

	report, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, session.DeviceError, report.Reason.Kind)
	assert.Equal(t, device.ErrDisconnected, report.Reason.Device)
	assert.Equal(t, 2, report.Reconnects)
	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 5}, pub.Sequences())
	assert.Less(t, report.Duration(), cfg.Loop.Budget)

	opens, closes := tr.counts()
	assert.Equal(t, 3, opens)
	assert.Equal(t, 3, closes)
}

func TestCompleteEndsRunAsCompleted(t *testing.T) {
	tr := &fakeTransport{limit: -1, delay: time.Millisecond}
	pub := &recordingPublisher{}

	c := session.NewController(baseConfig(), opener(tr), registry(t),
		session.WithPublisher(pub),
		session.WithSampler(&constSampler{values: []uint64{1}}))

	done := make(chan session.Report)
	go func() {
		report, _ := c.Run(context.Background())
		done <- report
	}()

	require.Eventually(t, func() bool { return len(pub.Sequences()) >= 3 }, time.Second, time.Millisecond)
	c.Complete()

	select {
	case report := <-done:
		assert.Equal(t, session.Completed, report.Reason.Kind)
		assert.Equal(t, session.ExitOK, report.Reason.ExitCode())
	case <-time.After(time.Second):
		t.Fatal("run did not stop after Complete")
	}
}

func TestResetPluginsReachesRunningChain(t *testing.T) {
	tr := &fakeTransport{limit: -1, delay: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := baseConfig()
	cfg.Plugins = []plugin.Spec{{Name: "identity"}, {Name: "dark-subtract"}}
	c := session.NewController(cfg, opener(tr), registry(t),
		session.WithSampler(&constSampler{values: []uint64{1}}))

	assert.Zero(t, c.ResetPlugins(), "no chain before the run starts")

	done := make(chan session.Report)
	go func() {
		report, _ := c.Run(ctx)
		done <- report
	}()

	require.Eventually(t, func() bool { return c.ResetPlugins() == 1 }, time.Second, time.Millisecond)

	cancel()
	report := <-done
	assert.Equal(t, session.Cancelled, report.Reason.Kind)
	assert.Zero(t, c.ResetPlugins(), "chain is released after the run")
}
