package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"codeberg.org/mutker/spectractl/internal/batch"
	"codeberg.org/mutker/spectractl/internal/config"
	"codeberg.org/mutker/spectractl/internal/device"
	"codeberg.org/mutker/spectractl/internal/errors"
	"codeberg.org/mutker/spectractl/internal/export"
	"codeberg.org/mutker/spectractl/internal/logger"
	"codeberg.org/mutker/spectractl/internal/metrics"
	"codeberg.org/mutker/spectractl/internal/monitoring"
	"codeberg.org/mutker/spectractl/internal/pid"
	"codeberg.org/mutker/spectractl/internal/plugin"
	"codeberg.org/mutker/spectractl/internal/plugin/builtin"
	"codeberg.org/mutker/spectractl/internal/publish"
	"codeberg.org/mutker/spectractl/internal/session"
	"codeberg.org/mutker/spectractl/internal/telemetry"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return session.ExitOK
		}
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return session.ExitStartup
	}

	logger.Init(cfg.Level(), logger.IsService())
	log := logger.Component("main")
	log.Debug().Msg("Config loaded")

	guard, err := pid.Acquire(cfg.PIDDir, cfg.DeviceName())
	if err != nil {
		log.Error().Err(err).Str("device", cfg.DeviceName()).Msg("Failed to acquire PID file")
		return session.ExitStartup
	}
	defer func() {
		if err := guard.Release(); err != nil {
			log.Warn().Err(err).Msg("Failed to remove PID file")
		}
	}()

	registry := plugin.NewRegistry()
	if err := builtin.RegisterAll(registry); err != nil {
		log.Error().Err(err).Msg("Failed to register plugins")
		return session.ExitStartup
	}

	mon := monitoring.New()
	bus := publish.NewBus(publish.WithDropFunc(mon.SubscriberDropped))

	store, err := metrics.NewService(cfg.MetricsConfig(), logger.Component("metrics"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to open spectra store")
		return session.ExitStartup
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close spectra store")
		}
	}()

	history, err := telemetry.NewService(cfg.TelemetryConfig())
	if err != nil {
		log.Error().Err(err).Msg("Failed to open session history")
		return session.ExitStartup
	}
	defer func() {
		if err := history.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close session history")
		}
	}()

	monCtx, stopMonitoring := context.WithCancel(context.Background())
	defer stopMonitoring()
	if cfg.Monitoring.Listen != "" {
		go func() {
			if err := monitoring.Serve(monCtx, cfg.Monitoring.Listen, mon.Handler()); err != nil {
				log.Error().Err(err).Msg("Metrics endpoint failed")
			}
		}()
	}

	open := func() (device.Transport, device.Decoder, error) {
		return device.New(cfg.DeviceOptions())
	}

	controller := session.NewController(cfg.SessionConfig(), open, registry,
		session.WithPublisher(bus),
		session.WithRecorder(mon),
		session.WithSampleObserver(mon.ObserveSample),
		session.WithStateObserver(mon.SetState),
		session.WithLogger(logger.Component("session")),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(ctx, cancel, controller)

	var consumers sync.WaitGroup
	consume := func(fn func()) {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			fn()
		}()
	}

	storeSub := bus.Subscribe("spectra", publish.DefaultBuffer)
	consume(func() {
		metrics.Consume(context.Background(), store, storeSub, controller.ID(), logger.Component("metrics"))
	})

	exportCfg := cfg.ExportConfig()
	batchCfg := cfg.BatchConfig()

	// Batches exported on their own replace the whole-session export.
	sessionExport := exportCfg.Format != export.FormatNone && !(batchCfg.Enabled() && batchCfg.ExportAfterBatch)
	collector := export.NewCollector(exportCfg.MaxFrames, export.WithCollectorLogger(logger.Component("export")))
	if sessionExport {
		exportSub := bus.Subscribe("export", publish.DefaultBuffer)
		consume(func() { collector.Consume(exportSub) })
	}

	var batches *batch.Collection
	if batchCfg.Enabled() {
		batches = batch.New(batchCfg, exportCfg, time.Now(), controller, batch.WithLogger(logger.Component("batch")))
		batchSub := bus.Subscribe("batch", publish.DefaultBuffer)
		consume(func() { batches.Consume(batchSub) })
	}

	report, runErr := controller.Run(ctx)

	bus.Close()
	consumers.Wait()

	if sessionExport {
		if evicted := collector.Evicted(); evicted > 0 {
			log.Warn().
				Int("evicted", evicted).
				Int("max_frames", exportCfg.MaxFrames).
				Msg("Session export holds only the newest frames")
		}
		if _, err := export.Write(exportCfg, report.Started, collector.Frames(), logger.Component("export")); err != nil {
			log.Error().Err(err).Msg("Failed to export session")
		}
	}
	if batches != nil {
		log.Info().Int("batches", len(batches.Results())).Bool("complete", batches.Done()).Msg("Batch collection finished")
	}

	if err := history.Record(context.Background(), telemetry.FromReport(report)); err != nil {
		log.Warn().Err(err).Msg("Failed to record session history")
	}

	mon.SessionFinished(report.Reason.Kind.String())

	if runErr != nil {
		log.Error().Err(runErr).Str("reason", report.Reason.String()).Msg("Session failed to start")
	}

	code := report.Reason.ExitCode()
	log.Info().
		Str("reason", report.Reason.String()).
		Int("exit_code", code).
		Msg("Exiting...")

	return code
}

// pauser is the part of a session controlled by user signals.
type pauser interface {
	Pause() bool
	Resume() bool
}

// handleSignals cancels ctx on SIGINT or SIGTERM. SIGUSR1 pauses acquisition
// and SIGUSR2 resumes it.
func handleSignals(ctx context.Context, cancel context.CancelFunc, target pauser) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	for {
		select {
		case sig := <-sigs:
			if !dispatchSignal(sig, cancel, target) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatchSignal acts on sig and reports whether to keep listening.
func dispatchSignal(sig os.Signal, cancel context.CancelFunc, target pauser) bool {
	switch sig {
	case syscall.SIGUSR1:
		if !target.Pause() {
			logger.Warn().Msg("Ignoring pause request, acquisition is not running")
		}
		return true
	case syscall.SIGUSR2:
		if !target.Resume() {
			logger.Warn().Msg("Ignoring resume request, acquisition is not paused")
		}
		return true
	default:
		logger.Info().Str("signal", sig.String()).Msg("Received termination signal.")
		cancel()
		return false
	}
}
