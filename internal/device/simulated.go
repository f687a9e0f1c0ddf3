package device

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/spectractl/internal/errors"
)

const (
	defaultSimPixels      = 1024
	defaultSimIntegration = 100 * time.Millisecond
	defaultSimBaseline    = 800
	defaultSimNoise       = 12
	simMaxCount           = 65535
)

// Peak is a gaussian emission line in a simulated spectrum.
type Peak struct {
	Center    float64
	Width     float64
	Amplitude float64
}

// SimulatedOptions configures the emulated spectrometer.
type SimulatedOptions struct {
	Serial          string
	Pixels          int
	IntegrationTime time.Duration
	Baseline        float64
	NoiseStdDev     float64
	Peaks           []Peak
	// SaturateEvery makes every Nth frame clip at full scale; 0 disables.
	SaturateEvery int
	Seed          int64
}

func (o SimulatedOptions) normalize() SimulatedOptions {
	if o.Serial == "" {
		o.Serial = "SIM-0001"
	}
	if o.Pixels <= 0 {
		o.Pixels = defaultSimPixels
	}
	if o.IntegrationTime <= 0 {
		o.IntegrationTime = defaultSimIntegration
	}
	if o.Baseline == 0 {
		o.Baseline = defaultSimBaseline
	}
	if o.NoiseStdDev == 0 {
		o.NoiseStdDev = defaultSimNoise
	}
	if len(o.Peaks) == 0 {
		px := float64(o.Pixels)
		o.Peaks = []Peak{
			{Center: px * 0.25, Width: px * 0.01, Amplitude: 12000},
			{Center: px * 0.55, Width: px * 0.02, Amplitude: 20000},
			{Center: px * 0.80, Width: px * 0.005, Amplitude: 8000},
		}
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}

	return o
}

// SimulatedTransport emulates a spectrometer that produces one spectrum per
// integration period.
type SimulatedTransport struct {
	opts SimulatedOptions

	mu     sync.Mutex
	rng    *rand.Rand
	opened atomic.Int64
}

type simHandle struct {
	id        string
	connected atomic.Bool
	frames    atomic.Uint64
}

func (h *simHandle) ID() string      { return h.id }
func (h *simHandle) Connected() bool { return h.connected.Load() }

func NewSimulatedTransport(opts SimulatedOptions) *SimulatedTransport {
	opts = opts.normalize()

	return &SimulatedTransport{
		opts: opts,
		rng:  rand.New(rand.NewSource(opts.Seed)),
	}
}

func (t *SimulatedTransport) Open() (Handle, error) {
	n := t.opened.Add(1)
	h := &simHandle{id: fmt.Sprintf("%s#%d", t.opts.Serial, n)}
	h.connected.Store(true)

	return h, nil
}

func (t *SimulatedTransport) Read(h Handle, timeout time.Duration) ([]byte, error) {
	errFactory := errors.New()

	sh, ok := h.(*simHandle)
	if !ok || !sh.Connected() {
		return nil, errFactory.New(ErrDisconnected)
	}

	if timeout > 0 && timeout < t.opts.IntegrationTime {
		time.Sleep(timeout)
		return nil, errFactory.New(ErrTimeout)
	}
	time.Sleep(t.opts.IntegrationTime)

	if !sh.Connected() {
		return nil, errFactory.New(ErrDisconnected)
	}

	n := sh.frames.Add(1)
	saturate := t.opts.SaturateEvery > 0 && n%uint64(t.opts.SaturateEvery) == 0

	return EncodeUint16(t.spectrum(saturate)), nil
}

func (t *SimulatedTransport) Close(h Handle) error {
	if sh, ok := h.(*simHandle); ok {
		sh.connected.Store(false)
	}

	return nil
}

func (t *SimulatedTransport) Describe(_ Handle) Info {
	return Info{
		Model:           "simulated",
		Serial:          t.opts.Serial,
		Pixels:          t.opts.Pixels,
		IntegrationTime: t.opts.IntegrationTime,
	}
}

func (t *SimulatedTransport) spectrum(saturate bool) []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	scale := float64(t.opts.IntegrationTime) / float64(defaultSimIntegration)
	values := make([]float64, t.opts.Pixels)

	for i := range values {
		x := float64(i)
		v := t.opts.Baseline
		for _, p := range t.opts.Peaks {
			d := (x - p.Center) / p.Width
			v += p.Amplitude * scale * math.Exp(-0.5*d*d)
		}
		v += t.rng.NormFloat64() * t.opts.NoiseStdDev
		if saturate {
			v *= 4
			if t.nearPeak(x) {
				v = simMaxCount
			}
		}
		values[i] = math.Min(math.Max(v, 0), simMaxCount)
	}

	return values
}

// nearPeak reports whether pixel x lies within one width of a peak center.
// The pixel closest to a center always qualifies.
func (t *SimulatedTransport) nearPeak(x float64) bool {
	for _, p := range t.opts.Peaks {
		if math.Abs(x-p.Center) <= math.Max(p.Width, 0.5) {
			return true
		}
	}

	return false
}
