// Package config loads spectractl settings from a TOML file, SPECTRACTL_*
// environment variables and command line flags, in increasing precedence.
package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/spectractl/internal/acquisition"
	"codeberg.org/mutker/spectractl/internal/batch"
	"codeberg.org/mutker/spectractl/internal/device"
	"codeberg.org/mutker/spectractl/internal/errors"
	"codeberg.org/mutker/spectractl/internal/export"
	"codeberg.org/mutker/spectractl/internal/logger"
	"codeberg.org/mutker/spectractl/internal/metrics"
	"codeberg.org/mutker/spectractl/internal/pid"
	"codeberg.org/mutker/spectractl/internal/plugin"
	"codeberg.org/mutker/spectractl/internal/session"
	"codeberg.org/mutker/spectractl/internal/telemetry"
	"codeberg.org/mutker/spectractl/internal/watchdog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix  = "SPECTRACTL"
	DefaultConfigFile = "/etc/spectractl.toml"
	DefaultLogLevel   = "info"
)

type Config struct {
	LogLevel        string  `mapstructure:"log_level"`
	RunSec          int     `mapstructure:"run_sec"`
	MaxMemoryGrowth float64 `mapstructure:"max_memory_growth"`
	PluginTimeoutMS int     `mapstructure:"plugin_timeout_ms"`
	PIDDir          string  `mapstructure:"pid_dir"`

	Watchdog   WatchdogConfig   `mapstructure:"watchdog"`
	Device     DeviceConfig     `mapstructure:"device"`
	Reconnect  ReconnectConfig  `mapstructure:"reconnect"`
	Plugins    []PluginConfig   `mapstructure:"plugins"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Export     ExportConfig     `mapstructure:"export"`
	Batch      BatchConfig      `mapstructure:"batch"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

type WatchdogConfig struct {
	WarmupSec   int `mapstructure:"warmup_sec"`
	IntervalSec int `mapstructure:"interval_sec"`
}

type DeviceConfig struct {
	Type           string `mapstructure:"type"`
	Path           string `mapstructure:"path"`
	BaudRate       int    `mapstructure:"baud_rate"`
	DataBits       int    `mapstructure:"data_bits"`
	StopBits       int    `mapstructure:"stop_bits"`
	Parity         string `mapstructure:"parity"`
	Pixels         int    `mapstructure:"pixels"`
	IntegrationMS  int    `mapstructure:"integration_ms"`
	ReadTimeoutMS  int    `mapstructure:"read_timeout_ms"`
	TimeoutRetries int    `mapstructure:"timeout_retries"`
	MaxMalformed   int    `mapstructure:"max_malformed"`
	Trigger        string `mapstructure:"trigger"`
	SaturateEvery  int    `mapstructure:"saturate_every"`
}

type ReconnectConfig struct {
	Attempts       int `mapstructure:"attempts"`
	Limit          int `mapstructure:"limit"`
	MaxIntervalSec int `mapstructure:"max_interval_sec"`
}

// PluginConfig is one [[plugins]] table. Options are passed to the plugin
// untouched.
type PluginConfig struct {
	Name    string         `mapstructure:"name"`
	Options map[string]any `mapstructure:"options"`
}

type MetricsConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	DBPath       string        `mapstructure:"db_path"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

type TelemetryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

type ExportConfig struct {
	Dir       string `mapstructure:"dir"`
	Format    string `mapstructure:"format"`
	MaxFrames int    `mapstructure:"max_frames"`
}

// BatchConfig enables batch collection when measurement_count is positive.
type BatchConfig struct {
	MeasurementCount    int  `mapstructure:"measurement_count"`
	MeasurementPeriodMS int  `mapstructure:"measurement_period_ms"`
	BatchCount          int  `mapstructure:"batch_count"`
	BatchPeriodSec      int  `mapstructure:"batch_period_sec"`
	DarkBeforeBatch     bool `mapstructure:"dark_before_batch"`
	ExportAfterBatch    bool `mapstructure:"export_after_batch"`
}

type MonitoringConfig struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	mc := metrics.DefaultConfig()
	tc := telemetry.DefaultConfig()

	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("run_sec", 0)
	v.SetDefault("max_memory_growth", 0.0)
	v.SetDefault("plugin_timeout_ms", 0)
	v.SetDefault("pid_dir", pid.DefaultDir)
	v.SetDefault("watchdog.warmup_sec", 10)
	v.SetDefault("watchdog.interval_sec", 5)
	v.SetDefault("device.type", device.TypeSimulated)
	v.SetDefault("device.path", "")
	v.SetDefault("device.baud_rate", 115200)
	v.SetDefault("device.data_bits", 8)
	v.SetDefault("device.stop_bits", 1)
	v.SetDefault("device.parity", "N")
	v.SetDefault("device.pixels", 1024)
	v.SetDefault("device.integration_ms", 100)
	v.SetDefault("device.read_timeout_ms", 1000)
	v.SetDefault("device.timeout_retries", 3)
	v.SetDefault("device.max_malformed", 10)
	v.SetDefault("device.trigger", "")
	v.SetDefault("device.saturate_every", 0)
	v.SetDefault("reconnect.attempts", 0)
	v.SetDefault("reconnect.limit", 10)
	v.SetDefault("reconnect.max_interval_sec", 30)
	v.SetDefault("metrics.enabled", mc.Enabled)
	v.SetDefault("metrics.db_path", mc.DBPath)
	v.SetDefault("metrics.batch_size", mc.BatchSize)
	v.SetDefault("metrics.batch_timeout", mc.BatchTimeout)
	v.SetDefault("telemetry.enabled", tc.Enabled)
	v.SetDefault("telemetry.db_path", tc.DBPath)
	v.SetDefault("export.dir", ".")
	v.SetDefault("export.format", string(export.FormatCSV))
	v.SetDefault("export.max_frames", export.DefaultMaxFrames)
	v.SetDefault("batch.measurement_count", 0)
	v.SetDefault("batch.measurement_period_ms", 0)
	v.SetDefault("batch.batch_count", 1)
	v.SetDefault("batch.batch_period_sec", 0)
	v.SetDefault("batch.dark_before_batch", false)
	v.SetDefault("batch.export_after_batch", true)
	v.SetDefault("monitoring.listen", "")
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("spectractl", pflag.ContinueOnError)
	fs.String("config", "", "Path to the TOML configuration file")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.Int("run-sec", 0, "Stop after this many seconds (0 runs until interrupted)")
	fs.Float64("max-memory-growth", 0, "Stop when process memory grows by this percent (0 disables)")
	fs.String("device-type", device.TypeSimulated, "Spectrometer transport (simulated, serial)")
	fs.String("device-path", "", "Serial port of the spectrometer")
	fs.Int("integration-ms", 100, "Integration time in milliseconds")
	fs.String("export-dir", ".", "Directory for session exports")
	fs.String("export-format", string(export.FormatCSV), "Session export format (csv, json, none)")
	fs.String("monitoring-listen", "", "Address serving prometheus metrics")
	fs.String("pid-dir", pid.DefaultDir, "Directory holding the PID file")

	return fs
}

var flagKeys = map[string]string{
	"log-level":         "log_level",
	"run-sec":           "run_sec",
	"max-memory-growth": "max_memory_growth",
	"device-type":       "device.type",
	"device-path":       "device.path",
	"integration-ms":    "device.integration_ms",
	"export-dir":        "export.dir",
	"export-format":     "export.format",
	"monitoring-listen": "monitoring.listen",
	"pid-dir":           "pid_dir",
}

// Load reads the configuration and validates it.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}
	if !o.argsSet {
		o.args = os.Args[1:]
	}

	fs := newFlagSet()
	if err := fs.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	if err := readConfigFile(v, o, fs); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// readConfigFile picks the file from WithConfigFile, --config, the
// <prefix>_CONFIG variable or the default path, in that order. Only the
// default path may be missing.
func readConfigFile(v *viper.Viper, o *options, fs *pflag.FlagSet) error {
	errFactory := errors.New()

	path := o.configPath
	if path == "" {
		path, _ = fs.GetString("config")
	}
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil
		}
	}

	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return errFactory.WithData(errors.ErrReadConfig, struct {
			Path  string
			Error string
		}{
			Path:  path,
			Error: err.Error(),
		})
	}

	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.RunSec < 0 {
		return errFactory.WithData(errors.ErrInvalidRunSec, c.RunSec)
	}
	if c.MaxMemoryGrowth < 0 {
		return errFactory.WithData(errors.ErrInvalidGrowth, c.MaxMemoryGrowth)
	}
	if c.Watchdog.WarmupSec < 0 || c.Watchdog.IntervalSec <= 0 || c.PluginTimeoutMS < 0 {
		return errFactory.WithMessage(errors.ErrInvalidInterval,
			"watchdog.interval_sec must be positive; watchdog.warmup_sec and plugin_timeout_ms must not be negative")
	}

	switch c.Device.Type {
	case device.TypeSimulated:
	case device.TypeSerial:
		if _, err := c.DeviceOptions().Serial.Normalize(); err != nil {
			return errFactory.WithMessage(errors.ErrInvalidDevice, err.Error())
		}
	default:
		return errFactory.WithData(errors.ErrInvalidDevice, c.Device.Type)
	}
	if c.Device.Pixels < 0 || c.Device.IntegrationMS < 0 || c.Device.ReadTimeoutMS <= 0 || c.Device.TimeoutRetries < 0 {
		return errFactory.WithMessage(errors.ErrInvalidDevice,
			"device pixels, integration_ms and timeout_retries must not be negative; read_timeout_ms must be positive")
	}
	if c.Reconnect.Attempts < 0 || c.Reconnect.Limit < 0 || c.Reconnect.MaxIntervalSec < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "reconnect settings must not be negative")
	}

	for i, p := range c.Plugins {
		if strings.TrimSpace(p.Name) == "" {
			return errFactory.WithData(errors.ErrInvalidPlugins, struct {
				Position int
				Reason   string
			}{
				Position: i,
				Reason:   "missing name",
			})
		}
	}

	if _, err := export.ParseFormat(c.Export.Format); err != nil {
		return errFactory.Wrap(errors.ErrInvalidExport, err)
	}
	if c.Export.MaxFrames < 0 {
		return errFactory.WithData(errors.ErrInvalidExport, c.Export.MaxFrames)
	}

	if err := c.BatchConfig().Validate(); err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := c.MetricsConfig().Validate(); err != nil {
		return err
	}

	return c.TelemetryConfig().Validate()
}

func (c *Config) Level() logger.LogLevel {
	level, _ := logger.ParseLevel(c.LogLevel)
	return level
}

func (c *Config) DeviceOptions() device.Options {
	integration := time.Duration(c.Device.IntegrationMS) * time.Millisecond

	return device.Options{
		Type: c.Device.Type,
		Simulated: device.SimulatedOptions{
			Pixels:          c.Device.Pixels,
			IntegrationTime: integration,
			SaturateEvery:   c.Device.SaturateEvery,
		},
		Serial: device.SerialOptions{
			Path:     c.Device.Path,
			BaudRate: c.Device.BaudRate,
			DataBits: c.Device.DataBits,
			StopBits: c.Device.StopBits,
			Parity:   c.Device.Parity,
			Pixels:   c.Device.Pixels,
			Trigger:  c.Device.Trigger,
		},
	}
}

// DeviceName identifies the configured device for the PID guard.
func (c *Config) DeviceName() string {
	if c.Device.Type == device.TypeSerial {
		return c.Device.Path
	}
	return c.Device.Type
}

func (c *Config) SessionConfig() session.Config {
	specs := make([]plugin.Spec, 0, len(c.Plugins))
	for _, p := range c.Plugins {
		specs = append(specs, plugin.Spec{Name: p.Name, Options: p.Options})
	}

	return session.Config{
		Plugins:       specs,
		PluginTimeout: time.Duration(c.PluginTimeoutMS) * time.Millisecond,
		Loop: acquisition.Config{
			ReadTimeout:    time.Duration(c.Device.ReadTimeoutMS) * time.Millisecond,
			TimeoutRetries: c.Device.TimeoutRetries,
			MaxMalformed:   c.Device.MaxMalformed,
			Budget:         time.Duration(c.RunSec) * time.Second,
		},
		Watchdog: watchdog.Config{
			WarmupDelay:            time.Duration(c.Watchdog.WarmupSec) * time.Second,
			PollInterval:           time.Duration(c.Watchdog.IntervalSec) * time.Second,
			GrowthThresholdPercent: c.MaxMemoryGrowth,
		},
		Reconnect: session.ReconnectConfig{
			Attempts:    c.Reconnect.Attempts,
			Limit:       c.Reconnect.Limit,
			MaxInterval: time.Duration(c.Reconnect.MaxIntervalSec) * time.Second,
		},
	}
}

func (c *Config) MetricsConfig() metrics.Config {
	return metrics.Config{
		DBPath:       c.Metrics.DBPath,
		BatchSize:    c.Metrics.BatchSize,
		BatchTimeout: c.Metrics.BatchTimeout,
		Enabled:      c.Metrics.Enabled,
	}
}

func (c *Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		DBPath:  c.Telemetry.DBPath,
		Enabled: c.Telemetry.Enabled,
	}
}

func (c *Config) ExportConfig() export.Config {
	format, _ := export.ParseFormat(c.Export.Format)
	return export.Config{Dir: c.Export.Dir, Format: format, MaxFrames: c.Export.MaxFrames}
}

func (c *Config) BatchConfig() batch.Config {
	return batch.Config{
		MeasurementCount:  c.Batch.MeasurementCount,
		MeasurementPeriod: time.Duration(c.Batch.MeasurementPeriodMS) * time.Millisecond,
		BatchCount:        c.Batch.BatchCount,
		BatchPeriod:       time.Duration(c.Batch.BatchPeriodSec) * time.Second,
		DarkBeforeBatch:   c.Batch.DarkBeforeBatch,
		ExportAfterBatch:  c.Batch.ExportAfterBatch,
	}
}
