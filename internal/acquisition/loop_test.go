package acquisition_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/spectractl/internal/acquisition"
	"codeberg.org/mutker/spectractl/internal/errors"
	"codeberg.org/mutker/spectractl/internal/frame"
	"codeberg.org/mutker/spectractl/internal/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type result struct {
	values []float64
	err    error
}

// scriptedSource replays results and then reports a disconnect. When
// endless is set it produces frames forever instead.
type scriptedSource struct {
	mu      sync.Mutex
	script  []result
	endless bool
	delay   time.Duration
	seq     uint64
	calls   int
	onCall  func(n int)
}

func (s *scriptedSource) NextFrame(time.Duration) (*frame.Frame, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	var r result
	switch {
	case len(s.script) > 0:
		r = s.script[0]
		s.script = s.script[1:]
	case s.endless:
		r = result{values: []float64{1}}
	default:
		r = result{err: errors.New().New(errors.ErrDeviceDisconnected)}
	}
	s.mu.Unlock()

	if s.onCall != nil {
		s.onCall(n)
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if r.err != nil {
		return nil, r.err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f := frame.New(s.seq, time.Now(), "fake", time.Millisecond, r.values)
	s.seq++

	return f, nil
}

func frames(n int) []result {
	out := make([]result, n)
	for i := range out {
		out[i] = result{values: []float64{float64(i)}}
	}
	return out
}

func coded(code errors.ErrorCode) result {
	return result{err: errors.New().New(code)}
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

type chainFunc func(*frame.Frame) (*frame.Frame, error)

func (c chainFunc) Apply(f *frame.Frame) (*frame.Frame, error) { return c(f) }

var identity = chainFunc(func(f *frame.Frame) (*frame.Frame, error) { return f, nil })

type flag struct{ atomic.Bool }

func (f *flag) Tripped() bool { return f.Load() }

type transitions struct {
	mu  sync.Mutex
	log []string
}

func (t *transitions) observe(from, to acquisition.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log = append(t.log, from.String()+">"+to.String())
}

func TestFramesThenDisconnect(t *testing.T) {
	src := &scriptedSource{script: frames(5)}
	pub := &recordingPublisher{}
	tr := &transitions{}

	loop := acquisition.New(acquisition.Config{}, src, identity, pub, acquisition.WithObserver(tr.observe))
	res := loop.Run(context.Background())

	assert.Equal(t, acquisition.CauseDevice, res.Cause)
	assert.Equal(t, errors.ErrDeviceDisconnected, errors.CodeOf(res.Err))
	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, pub.Sequences())
	assert.Equal(t, uint64(5), res.Counters.Acquired)
	assert.Equal(t, uint64(5), res.Counters.Published)
	assert.Equal(t, acquisition.StateStopped, loop.State())
	assert.Equal(t, []string{"starting>running", "running>stopping", "stopping>stopped"}, tr.log)
}

func TestNeverRunsWithoutAFrame(t *testing.T) {
	tr := &transitions{}
	loop := acquisition.New(acquisition.Config{}, &scriptedSource{}, identity, &recordingPublisher{},
		acquisition.WithObserver(tr.observe))

	res := loop.Run(context.Background())
	assert.Equal(t, acquisition.CauseDevice, res.Cause)
	assert.Equal(t, []string{"starting>stopping", "stopping>stopped"}, tr.log)
}

func TestBudget(t *testing.T) {
	src := &scriptedSource{endless: true, delay: 5 * time.Millisecond}
	budget := 100 * time.Millisecond

	loop := acquisition.New(acquisition.Config{Budget: budget}, src, identity, &recordingPublisher{})

	start := time.Now()
	res := loop.Run(context.Background())
	elapsed := time.Since(start)

	assert.Equal(t, acquisition.CauseBudget, res.Cause)
	assert.GreaterOrEqual(t, elapsed, budget)
	assert.Less(t, elapsed, budget+500*time.Millisecond)
	assert.Positive(t, res.Counters.Published)
}

func TestBudgetMeasuredFromStart(t *testing.T) {
	src := &scriptedSource{endless: true}
	loop := acquisition.New(acquisition.Config{
		Budget: time.Second,
		Start:  time.Now().Add(-time.Hour),
	}, src, identity, &recordingPublisher{})

	res := loop.Run(context.Background())
	assert.Equal(t, acquisition.CauseBudget, res.Cause)
	assert.Zero(t, res.Counters.Acquired)
}

func TestWatchdogTripStopsWithinOneIteration(t *testing.T) {
	trip := &flag{}
	src := &scriptedSource{endless: true, onCall: func(n int) {
		if n == 3 {
			trip.Store(true)
		}
	}}

	loop := acquisition.New(acquisition.Config{}, src, identity, &recordingPublisher{}, acquisition.WithWatchdog(trip))
	res := loop.Run(context.Background())

	assert.Equal(t, acquisition.CauseWatchdog, res.Cause)
	assert.Equal(t, uint64(3), res.Counters.Acquired)
}

func TestDisabledWatchdogNeverStopsTheLoop(t *testing.T) {
	src := &scriptedSource{endless: true, delay: time.Millisecond}
	loop := acquisition.New(acquisition.Config{Budget: 50 * time.Millisecond}, src, identity,
		&recordingPublisher{}, acquisition.WithWatchdog(&flag{}))

	res := loop.Run(context.Background())
	assert.Equal(t, acquisition.CauseBudget, res.Cause)
}

func TestCancellation(t *testing.T) {
	src := &scriptedSource{endless: true, delay: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())

	loop := acquisition.New(acquisition.Config{}, src, identity, &recordingPublisher{})

	done := make(chan acquisition.Result)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return loop.State() == acquisition.StateRunning }, time.Second, time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.Equal(t, acquisition.CauseCancelled, res.Cause)
		assert.NoError(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
}

func TestPauseResume(t *testing.T) {
	src := &scriptedSource{endless: true, delay: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := &transitions{}
	loop := acquisition.New(acquisition.Config{}, src, identity, &recordingPublisher{}, acquisition.WithObserver(tr.observe))

	done := make(chan acquisition.Result)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return loop.State() == acquisition.StateRunning }, time.Second, time.Millisecond)
	assert.False(t, loop.Resume(), "resume is only valid while paused")
	require.True(t, loop.Pause())
	assert.False(t, loop.Pause())

	// At most the frame in flight when Pause was called completes.
	time.Sleep(10 * time.Millisecond)
	paused := loop.Counters().Acquired
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, paused, loop.Counters().Acquired)
	assert.Equal(t, acquisition.StatePaused, loop.State())

	require.True(t, loop.Resume())
	require.Eventually(t, func() bool { return loop.Counters().Acquired > paused }, time.Second, time.Millisecond)

	cancel()
	res := <-done
	assert.Equal(t, acquisition.CauseCancelled, res.Cause)
	assert.Equal(t, []string{"running>paused", "paused>running"}, tr.log[1:3])
}

func TestPausedLoopObservesBudgetAndWatchdog(t *testing.T) {
	t.Run("budget", func(t *testing.T) {
		src := &scriptedSource{endless: true, delay: time.Millisecond}
		loop := acquisition.New(acquisition.Config{Budget: 100 * time.Millisecond}, src, identity, &recordingPublisher{})

		done := make(chan acquisition.Result)
		go func() { done <- loop.Run(context.Background()) }()

		require.Eventually(t, func() bool { return loop.State() == acquisition.StateRunning }, time.Second, time.Millisecond)
		require.True(t, loop.Pause())

		select {
		case res := <-done:
			assert.Equal(t, acquisition.CauseBudget, res.Cause)
		case <-time.After(2 * time.Second):
			t.Fatal("paused loop ignored the budget")
		}
	})

	t.Run("watchdog", func(t *testing.T) {
		trip := &flag{}
		src := &scriptedSource{endless: true, delay: time.Millisecond}
		loop := acquisition.New(acquisition.Config{}, src, identity, &recordingPublisher{}, acquisition.WithWatchdog(trip))

		done := make(chan acquisition.Result)
		go func() { done <- loop.Run(context.Background()) }()

		require.Eventually(t, func() bool { return loop.State() == acquisition.StateRunning }, time.Second, time.Millisecond)
		require.True(t, loop.Pause())
		trip.Store(true)

		select {
		case res := <-done:
			assert.Equal(t, acquisition.CauseWatchdog, res.Cause)
		case <-time.After(2 * time.Second):
			t.Fatal("paused loop ignored the watchdog")
		}
	})
}

func TestMalformedFramesAreDropped(t *testing.T) {
	script := append([]result{coded(errors.ErrFrameMalformed), coded(errors.ErrFrameMalformed)}, frames(3)...)
	src := &scriptedSource{script: script}
	pub := &recordingPublisher{}

	res := acquisition.New(acquisition.Config{}, src, identity, pub).Run(context.Background())

	assert.Equal(t, uint64(2), res.Counters.Malformed)
	assert.Equal(t, []uint64{0, 1, 2}, pub.Sequences())
	assert.Equal(t, errors.ErrDeviceDisconnected, errors.CodeOf(res.Err))
}

func TestConsecutiveMalformedEscalates(t *testing.T) {
	src := &scriptedSource{}
	for i := 0; i < 10; i++ {
		src.script = append(src.script, coded(errors.ErrFrameMalformed))
	}

	res := acquisition.New(acquisition.Config{MaxMalformed: 3}, src, identity, &recordingPublisher{}).Run(context.Background())

	assert.Equal(t, acquisition.CauseDevice, res.Cause)
	assert.Equal(t, errors.ErrDeviceProtocol, errors.CodeOf(res.Err))
	assert.Equal(t, uint64(4), res.Counters.Malformed)
}

func TestTimeoutRetries(t *testing.T) {
	timeout := coded(errors.ErrFrameTimeout)
	src := &scriptedSource{script: []result{
		timeout, timeout, {values: []float64{1}},
		timeout, timeout, timeout,
		{values: []float64{2}},
	}}
	pub := &recordingPublisher{}

	res := acquisition.New(acquisition.Config{TimeoutRetries: 2}, src, identity, pub).Run(context.Background())

	assert.Equal(t, acquisition.CauseDevice, res.Cause)
	assert.Equal(t, errors.ErrDeviceDisconnected, errors.CodeOf(res.Err))
	assert.True(t, errors.HasCode(res.Err, errors.ErrFrameTimeout))
	assert.Equal(t, uint64(5), res.Counters.Timeouts)
	assert.Equal(t, []uint64{0}, pub.Sequences())
}

type countingRecorder struct {
	mu      sync.Mutex
	failed  []string
	dropped map[string]int
}

func (r *countingRecorder) FrameAcquired()  {}
func (r *countingRecorder) FramePublished() {}
func (r *countingRecorder) FrameTimeout()   {}

func (r *countingRecorder) FrameDropped(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dropped == nil {
		r.dropped = map[string]int{}
	}
	r.dropped[reason]++
}

func (r *countingRecorder) PluginFailed(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, name)
}

func TestPluginFailureDropsOneFrame(t *testing.T) {
	chain := chainFunc(func(f *frame.Frame) (*frame.Frame, error) {
		switch f.Sequence {
		case 1:
			return nil, &plugin.StageError{Plugin: "calibrate", Err: fmt.Errorf("bad input")}
		case 3:
			return nil, nil
		}
		return f, nil
	})
	rec := &countingRecorder{}
	pub := &recordingPublisher{}

	res := acquisition.New(acquisition.Config{}, &scriptedSource{script: frames(5)}, chain, pub,
		acquisition.WithRecorder(rec)).Run(context.Background())

	assert.Equal(t, []uint64{0, 2, 4}, pub.Sequences())
	assert.Equal(t, uint64(1), res.Counters.PluginErrors)
	assert.Equal(t, uint64(2), res.Counters.Dropped)
	assert.Equal(t, []string{"calibrate"}, rec.failed)
	assert.Equal(t, map[string]int{"plugin_error": 1, "filtered": 1}, rec.dropped)
}

func TestFirstCauseWins(t *testing.T) {
	loop := acquisition.New(acquisition.Config{}, &scriptedSource{endless: true}, identity, &recordingPublisher{})

	assert.True(t, loop.Terminate(acquisition.CauseWatchdog, nil))
	assert.False(t, loop.Terminate(acquisition.CauseCancelled, nil))

	res := loop.Run(context.Background())
	assert.Equal(t, acquisition.CauseWatchdog, res.Cause)
	assert.Zero(t, res.Counters.Acquired)
}
