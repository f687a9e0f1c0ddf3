package acquisition

// State of the acquisition loop.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StatePaused
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Cause is why the loop stopped. The first cause recorded wins.
type Cause int32

const (
	CauseNone Cause = iota
	CauseCancelled
	CauseBudget
	CauseWatchdog
	CauseDevice
)

func (c Cause) String() string {
	switch c {
	case CauseCancelled:
		return "cancelled"
	case CauseBudget:
		return "budget_expired"
	case CauseWatchdog:
		return "memory_growth_exceeded"
	case CauseDevice:
		return "device_error"
	default:
		return "none"
	}
}

// Counters summarises what happened to the frames of a run.
type Counters struct {
	Acquired     uint64
	Published    uint64
	Dropped      uint64
	Malformed    uint64
	PluginErrors uint64
	Timeouts     uint64
}

// Add returns the element-wise sum of c and o.
func (c Counters) Add(o Counters) Counters {
	return Counters{
		Acquired:     c.Acquired + o.Acquired,
		Published:    c.Published + o.Published,
		Dropped:      c.Dropped + o.Dropped,
		Malformed:    c.Malformed + o.Malformed,
		PluginErrors: c.PluginErrors + o.PluginErrors,
		Timeouts:     c.Timeouts + o.Timeouts,
	}
}

// Result is the outcome of Run.
type Result struct {
	Cause Cause
	// Err carries the device error when Cause is CauseDevice.
	Err      error
	Counters Counters
}
