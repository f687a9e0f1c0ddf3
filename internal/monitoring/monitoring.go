// Package monitoring exposes acquisition and resource metrics to prometheus.
package monitoring

import (
	"context"
	"net/http"
	"time"

	"codeberg.org/mutker/spectractl/internal/errors"
	"codeberg.org/mutker/spectractl/internal/logger"
	"codeberg.org/mutker/spectractl/internal/watchdog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spectractl"

var sessionStates = []string{"idle", "acquiring", "paused", "draining", "terminated"}

type Metrics struct {
	registry *prometheus.Registry

	framesAcquired  prometheus.Counter
	framesPublished prometheus.Counter
	framesDropped   *prometheus.CounterVec
	pluginErrors    *prometheus.CounterVec
	frameTimeouts   prometheus.Counter
	subscriberDrops *prometheus.CounterVec
	memoryBytes     prometheus.Gauge
	memoryGrowth    prometheus.Gauge
	sessionState    *prometheus.GaugeVec
	sessions        *prometheus.CounterVec
}

// New creates metrics on a dedicated registry that also carries the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		framesAcquired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_acquired_total",
			Help:      "Frames read from the spectrometer",
		}),
		framesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_published_total",
			Help:      "Frames that survived the plugin chain",
		}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames discarded before publication, by reason",
		}, []string{"reason"}),
		pluginErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_errors_total",
			Help:      "Plugin transform failures",
		}, []string{"plugin"}),
		frameTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_timeouts_total",
			Help:      "Frame reads that timed out",
		}),
		subscriberDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_drops_total",
			Help:      "Frames lost by slow downstream consumers",
		}, []string{"subscriber"}),
		memoryBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_memory_bytes",
			Help:      "Resident memory at the latest watchdog sample",
		}),
		memoryGrowth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_growth_percent",
			Help:      "Memory growth relative to the watchdog baseline",
		}),
		sessionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current session state (1 for the active state)",
		}, []string{"state"}),
		sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished sessions by terminal reason",
		}, []string{"reason"}),
	}

	m.SetState("", "idle")

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) FrameAcquired()  { m.framesAcquired.Inc() }
func (m *Metrics) FramePublished() { m.framesPublished.Inc() }
func (m *Metrics) FrameTimeout()   { m.frameTimeouts.Inc() }

func (m *Metrics) FrameDropped(reason string) {
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) PluginFailed(plugin string) {
	m.pluginErrors.WithLabelValues(plugin).Inc()
}

// SubscriberDropped counts a frame lost by a downstream consumer.
func (m *Metrics) SubscriberDropped(subscriber string) {
	m.subscriberDrops.WithLabelValues(subscriber).Inc()
}

// ObserveSample records a watchdog memory sample.
func (m *Metrics) ObserveSample(s watchdog.Sample, growth float64) {
	m.memoryBytes.Set(float64(s.Bytes))
	m.memoryGrowth.Set(growth)
}

// SetState marks to as the active session state.
func (m *Metrics) SetState(_, to string) {
	for _, state := range sessionStates {
		v := 0.0
		if state == to {
			v = 1
		}
		m.sessionState.WithLabelValues(state).Set(v)
	}
}

func (m *Metrics) SessionFinished(reason string) {
	m.sessions.WithLabelValues(reason).Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	errFactory := errors.New()
	log := logger.Component("monitoring")

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errC := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		errC <- srv.ListenAndServe()
	}()

	select {
	case err := <-errC:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errFactory.Wrap(errors.ErrInitFailed, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errFactory.Wrap(errors.ErrShutdownFailed, err)
		}
		return nil
	}
}
