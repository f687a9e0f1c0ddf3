// Package telemetry keeps a history of acquisition sessions, one row per
// session.
package telemetry

import (
	"context"
	"strings"
	"time"

	"codeberg.org/mutker/spectractl/internal/acquisition"
	"codeberg.org/mutker/spectractl/internal/session"
)

// Collector records finished sessions.
type Collector interface {
	Record(ctx context.Context, run *SessionRun) error
	Close() error
}

// SessionRun is the stored summary of one session.
type SessionRun struct {
	ID             string
	Started        time.Time
	Ended          time.Time
	Reason         string
	ExitCode       int
	DeviceID       string
	Plugins        []string
	Counters       acquisition.Counters
	Reconnects     int
	MemoryBaseline uint64
	MemoryLatest   uint64
}

func FromReport(r session.Report) *SessionRun {
	deviceID := r.Device.Serial
	if deviceID == "" {
		deviceID = r.Device.Model
	}

	return &SessionRun{
		ID:             r.ID,
		Started:        r.Started,
		Ended:          r.Ended,
		Reason:         r.Reason.String(),
		ExitCode:       r.Reason.ExitCode(),
		DeviceID:       deviceID,
		Plugins:        r.Plugins,
		Counters:       r.Counters,
		Reconnects:     r.Reconnects,
		MemoryBaseline: r.MemoryBaseline,
		MemoryLatest:   r.MemoryLatest,
	}
}

func (r *SessionRun) pluginList() string {
	return strings.Join(r.Plugins, ",")
}
