// Package batch groups published frames into batches of a fixed number of
// measurements, optionally taking a fresh dark reference before each batch and
// exporting every batch as soon as it is complete.
package batch

import (
	"sync"
	"time"

	"codeberg.org/mutker/spectractl/internal/errors"
	"codeberg.org/mutker/spectractl/internal/export"
	"codeberg.org/mutker/spectractl/internal/frame"
	"codeberg.org/mutker/spectractl/internal/logger"
	"codeberg.org/mutker/spectractl/internal/publish"
)

const darkReferenceKey = "dark_reference"

type Config struct {
	// MeasurementCount is the number of frames per batch. Zero disables
	// batch collection.
	MeasurementCount int
	// MeasurementPeriod is the minimum spacing between the timestamps of
	// consecutive measurements. Zero takes every frame.
	MeasurementPeriod time.Duration
	// BatchCount ends the session after this many batches. Zero repeats
	// batches until the session ends.
	BatchCount int
	// BatchPeriod is the start-to-start spacing of batches.
	BatchPeriod time.Duration
	// DarkBeforeBatch resets the plugin chain between batches so every batch
	// is corrected against its own dark reference.
	DarkBeforeBatch  bool
	ExportAfterBatch bool
}

func (c Config) Enabled() bool {
	return c.MeasurementCount > 0
}

func (c Config) Validate() error {
	if c.MeasurementCount < 0 || c.MeasurementPeriod < 0 || c.BatchCount < 0 || c.BatchPeriod < 0 {
		return errors.New().WithMessage(errors.ErrInvalidArgument, "batch settings must not be negative")
	}

	return nil
}

// Control is the part of a running session a collection drives.
type Control interface {
	// ResetPlugins restarts stateful plugins such as dark subtraction.
	ResetPlugins() int
	// Complete ends the session as completed.
	Complete() bool
}

// Result describes one finished batch.
type Result struct {
	Index    int
	Frames   int
	Started  time.Time
	Path     string
	Complete bool
}

type Option func(*Collection)

func WithLogger(log logger.Logger) Option {
	return func(c *Collection) {
		c.log = log
	}
}

// Collection assigns frames to batches in arrival order. It is safe for
// concurrent use.
type Collection struct {
	cfg     Config
	export  export.Config
	started time.Time
	control Control
	log     logger.Logger

	mu        sync.Mutex
	current   []*frame.Frame
	batchAt   time.Time
	lastTaken time.Time
	nextBatch time.Time
	// staleRef is the dark reference of the previous batch while a fresh one
	// is being taken.
	staleRef string
	awaiting bool
	lastRef  string
	results  []Result
	done     bool
}

// New returns a collection for a session started at started. Batch exports go
// to exportCfg; they are skipped when ExportAfterBatch is false or the format
// is none.
func New(cfg Config, exportCfg export.Config, started time.Time, control Control, opts ...Option) *Collection {
	c := &Collection{
		cfg:     cfg,
		export:  exportCfg,
		started: started,
		control: control,
		log:     logger.Component("batch"),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Consume adds every frame delivered to sub until the subscription closes,
// then flushes a partially filled batch.
func (c *Collection) Consume(sub *publish.Subscription) {
	for f := range sub.C() {
		c.Add(f)
	}
	c.Flush()
}

// Add offers f to the current batch and reports whether it was taken.
func (c *Collection) Add(f *frame.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		return false
	}

	ref, hasRef := f.Metadata(darkReferenceKey)
	if c.awaiting {
		if hasRef && ref == c.staleRef {
			return false
		}
		c.awaiting = false
	}

	if len(c.current) == 0 {
		if !c.nextBatch.IsZero() && f.Timestamp.Before(c.nextBatch) {
			return false
		}
		c.batchAt = f.Timestamp
		c.log.Info().
			Int("batch", len(c.results)+1).
			Int("measurements", c.cfg.MeasurementCount).
			Msg("Batch started")
	} else if f.Timestamp.Sub(c.lastTaken) < c.cfg.MeasurementPeriod {
		return false
	}

	c.current = append(c.current, f)
	c.lastTaken = f.Timestamp
	if hasRef {
		c.lastRef = ref
	}

	if len(c.current) >= c.cfg.MeasurementCount {
		c.finishBatch(true)
	}

	return true
}

// Flush closes a partially filled batch. A full batch is never pending, so
// Flush is a no-op after the last batch.
func (c *Collection) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.current) > 0 {
		c.finishBatch(false)
	}
}

// Results returns the finished batches in order.
func (c *Collection) Results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]Result(nil), c.results...)
}

// Done reports whether the configured number of batches has been collected.
func (c *Collection) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Collection) finishBatch(complete bool) {
	result := Result{
		Index:    len(c.results) + 1,
		Frames:   len(c.current),
		Started:  c.batchAt,
		Complete: complete,
	}

	if c.cfg.ExportAfterBatch {
		path, err := export.WriteBatch(c.export, c.started, result.Index, c.current, c.log)
		if err != nil {
			c.log.Error().Err(err).Int("batch", result.Index).Msg("Failed to export batch")
		}
		result.Path = path
	}

	c.results = append(c.results, result)
	c.current = nil
	if c.cfg.BatchPeriod > 0 {
		c.nextBatch = c.batchAt.Add(c.cfg.BatchPeriod)
	}

	c.log.Info().
		Int("batch", result.Index).
		Int("frames", result.Frames).
		Bool("complete", complete).
		Str("path", result.Path).
		Msg("Batch finished")

	if !complete {
		return
	}

	if c.cfg.BatchCount > 0 && result.Index >= c.cfg.BatchCount {
		c.done = true
		c.log.Info().Int("batches", result.Index).Msg("Batch collection complete")
		c.control.Complete()
		return
	}

	if c.cfg.DarkBeforeBatch {
		n := c.control.ResetPlugins()
		if n == 0 {
			c.log.Warn().Msg("No resettable plugin in the chain, batch reuses the previous dark")
			return
		}
		c.staleRef, c.awaiting = c.lastRef, true
		c.log.Debug().Str("stale_reference", c.staleRef).Msg("Taking a fresh dark reference")
	}
}
