// Package export writes the frames published during a session to a file in
// the export directory when the session ends.
package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/spectractl/internal/errors"
	"codeberg.org/mutker/spectractl/internal/frame"
	"codeberg.org/mutker/spectractl/internal/logger"
	"codeberg.org/mutker/spectractl/internal/publish"
	"github.com/goccy/go-json"
	"github.com/spf13/cast"
)

const (
	ErrInvalidFormat = errors.ErrorCode("export_invalid_format")
	ErrWriteFailed   = errors.ErrorCode("export_write_failed")

	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644

	filenameLayout = "Session-20060102-150405"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatNone Format = "none"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON, FormatNone:
		return f, nil
	case "":
		return FormatNone, nil
	default:
		return "", errors.New().WithData(ErrInvalidFormat, s)
	}
}

type Config struct {
	Dir    string
	Format Format
	// MaxFrames bounds how many frames a Collector keeps. Zero keeps every
	// frame.
	MaxFrames int
}

// DefaultMaxFrames is the collector bound applied when none is configured.
const DefaultMaxFrames = 1000

// Collector keeps published frames in memory until the session ends. With a
// limit it holds the newest limit frames in a fixed ring.
type Collector struct {
	mu      sync.Mutex
	frames  []*frame.Frame
	head    int
	limit   int
	evicted int
	log     logger.Logger
}

type CollectorOption func(*Collector)

// WithCollectorLogger sets where the first eviction is reported.
func WithCollectorLogger(log logger.Logger) CollectorOption {
	return func(c *Collector) {
		c.log = log
	}
}

// NewCollector keeps at most limit frames, discarding the oldest once full.
// A limit of 0 keeps every frame.
func NewCollector(limit int, opts ...CollectorOption) *Collector {
	c := &Collector{limit: max(limit, 0), log: logger.Component("export")}
	for _, opt := range opts {
		opt(c)
	}
	if c.limit > 0 {
		c.frames = make([]*frame.Frame, 0, c.limit)
	}

	return c
}

func (c *Collector) Add(f *frame.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limit == 0 || len(c.frames) < c.limit {
		c.frames = append(c.frames, f)
		return
	}

	c.frames[c.head] = f
	c.head = (c.head + 1) % c.limit
	c.evicted++
	if c.evicted == 1 {
		c.log.Warn().
			Int("max_frames", c.limit).
			Uint64("sequence", f.Sequence).
			Msg("Export frame limit reached, discarding oldest frames")
	}
}

// Consume adds every frame delivered to sub until the subscription closes.
func (c *Collector) Consume(sub *publish.Subscription) {
	for f := range sub.C() {
		c.Add(f)
	}
}

// Frames returns the kept frames, oldest first.
func (c *Collector) Frames() []*frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*frame.Frame, 0, len(c.frames))
	out = append(out, c.frames[c.head:]...)
	return append(out, c.frames[:c.head]...)
}

// Len returns how many frames are held.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// Evicted returns how many frames were discarded to honor the limit.
func (c *Collector) Evicted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evicted
}

// Filename returns the export file name for a session started at t.
func Filename(t time.Time, format Format) string {
	return t.Format(filenameLayout) + "." + string(format)
}

// BatchFilename returns the export file name for batch index (from 1) of a
// session started at t.
func BatchFilename(t time.Time, index int, format Format) string {
	return fmt.Sprintf("%s-Batch-%04d.%s", t.Format(filenameLayout), index, format)
}

// Write exports frames and returns the path written. Nothing is written for
// FormatNone or when there are no frames; the returned path is then empty.
func Write(cfg Config, started time.Time, frames []*frame.Frame, log logger.Logger) (string, error) {
	return write(cfg, Filename(started, cfg.Format), frames, log)
}

// WriteBatch exports the frames of one batch under its own file name.
func WriteBatch(cfg Config, started time.Time, index int, frames []*frame.Frame, log logger.Logger) (string, error) {
	return write(cfg, BatchFilename(started, index, cfg.Format), frames, log)
}

func write(cfg Config, name string, frames []*frame.Frame, log logger.Logger) (string, error) {
	errFactory := errors.New()

	switch cfg.Format {
	case FormatNone, "":
		return "", nil
	case FormatCSV, FormatJSON:
	default:
		return "", errFactory.WithData(ErrInvalidFormat, string(cfg.Format))
	}

	if len(frames) == 0 {
		log.Info().Msg("No frames to export")
		return "", nil
	}

	if err := os.MkdirAll(cfg.Dir, defaultDirPerm); err != nil {
		return "", errFactory.Wrap(ErrWriteFailed, err)
	}

	path := filepath.Join(cfg.Dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, defaultFilePerm)
	if err != nil {
		return "", errFactory.Wrap(ErrWriteFailed, err)
	}

	if cfg.Format == FormatCSV {
		err = writeCSV(file, frames)
	} else {
		err = writeJSON(file, frames)
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", errFactory.WithData(ErrWriteFailed, struct {
			Path  string
			Error string
		}{
			Path:  path,
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", path).
		Int("frames", len(frames)).
		Str("format", string(cfg.Format)).
		Msg("Session exported")

	return path, nil
}

var metadataRows = []struct {
	label string
	value func(*frame.Frame) string
}{
	{"Sequence", func(f *frame.Frame) string { return cast.ToString(f.Sequence) }},
	{"Timestamp", func(f *frame.Frame) string { return f.Timestamp.UTC().Format(time.RFC3339Nano) }},
	{"Device", func(f *frame.Frame) string { return f.DeviceID }},
	{"Integration Time (ms)", func(f *frame.Frame) string {
		return cast.ToString(float64(f.IntegrationTime) / float64(time.Millisecond))
	}},
}

// writeCSV lays frames out column-wise: a metadata block, then one row per
// pixel with a column per frame. Cropped frames are placed at their roi_start
// offset and leave blank cells outside their range.
func writeCSV(file *os.File, frames []*frame.Frame) error {
	w := csv.NewWriter(file)

	offsets := make([]int, len(frames))
	pixels := 0
	for i, f := range frames {
		if v, ok := f.Metadata("roi_start"); ok {
			offsets[i] = cast.ToInt(v)
		}
		pixels = max(pixels, offsets[i]+f.Len())
	}

	row := make([]string, len(frames)+1)
	for _, m := range metadataRows {
		row[0] = m.label
		for i, f := range frames {
			row[i+1] = m.value(f)
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	if err := w.Write(nil); err != nil {
		return err
	}

	row[0] = "Pixel"
	for i, f := range frames {
		row[i+1] = "Frame " + cast.ToString(f.Sequence)
	}
	if err := w.Write(row); err != nil {
		return err
	}

	for px := 0; px < pixels; px++ {
		row[0] = cast.ToString(px)
		for i, f := range frames {
			idx := px - offsets[i]
			if idx < 0 || idx >= f.Len() {
				row[i+1] = ""
				continue
			}
			row[i+1] = cast.ToString(f.At(idx))
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}

	w.Flush()
	return w.Error()
}

type jsonFrame struct {
	Sequence        uint64            `json:"sequence"`
	Timestamp       time.Time         `json:"timestamp"`
	DeviceID        string            `json:"device_id"`
	IntegrationTime float64           `json:"integration_time_ms"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Intensities     []float64         `json:"intensities"`
}

func writeJSON(file *os.File, frames []*frame.Frame) error {
	out := make([]jsonFrame, 0, len(frames))
	for _, f := range frames {
		out = append(out, jsonFrame{
			Sequence:        f.Sequence,
			Timestamp:       f.Timestamp.UTC(),
			DeviceID:        f.DeviceID,
			IntegrationTime: float64(f.IntegrationTime) / float64(time.Millisecond),
			Metadata:        f.MetadataMap(),
			Intensities:     f.Intensities(),
		})
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}

	_, err = file.Write(append(data, '\n'))
	return err
}
