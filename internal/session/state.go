package session

import (
	"context"
	"sync"

	"codeberg.org/mutker/spectractl/internal/errors"
	"codeberg.org/mutker/spectractl/internal/logger"
	"github.com/looplab/fsm"
)

// Session states.
const (
	StateIdle       = "idle"
	StateAcquiring  = "acquiring"
	StatePaused     = "paused"
	StateDraining   = "draining"
	StateTerminated = "terminated"
)

// Session events.
const (
	EventStart     = "start"
	EventPause     = "pause"
	EventResume    = "resume"
	EventDrain     = "drain"
	EventTerminate = "terminate"
)

// StateObserver is called after every state change.
type StateObserver func(from, to string)

// State is the lifecycle of one session. Transitions only move forward,
// except between acquiring and paused.
type State struct {
	mu       sync.Mutex
	fsm      *fsm.FSM
	reason   *Reason
	observer StateObserver
	log      logger.Logger
}

func NewState(observer StateObserver, log logger.Logger) *State {
	s := &State{observer: observer, log: log}

	s.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: EventStart, Src: []string{StateIdle}, Dst: StateAcquiring},
			{Name: EventPause, Src: []string{StateAcquiring}, Dst: StatePaused},
			{Name: EventResume, Src: []string{StatePaused}, Dst: StateAcquiring},
			{Name: EventDrain, Src: []string{StateAcquiring, StatePaused}, Dst: StateDraining},
			// Startup failures terminate straight from idle.
			{Name: EventTerminate, Src: []string{StateIdle, StateDraining}, Dst: StateTerminated},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.Debug().Str("from", e.Src).Str("to", e.Dst).Msg("Session state changed")
				if s.observer != nil {
					s.observer(e.Src, e.Dst)
				}
			},
		},
	)

	return s
}

func (s *State) Current() string {
	return s.fsm.Current()
}

// Fire applies event, returning a coded error when it is not valid in the
// current state.
func (s *State) Fire(event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fsm.Event(context.Background(), event); err != nil {
		return errors.New().Wrap(errors.ErrInvalidTransition, err)
	}

	return nil
}

// Terminate moves the session to terminated, draining first when needed, and
// records reason. Only the first reason is kept.
func (s *State) Terminate(reason Reason) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reason != nil {
		return errors.New().WithMessage(errors.ErrInvalidTransition, "session already terminated")
	}

	if s.fsm.Can(EventDrain) {
		if err := s.fsm.Event(context.Background(), EventDrain); err != nil {
			return errors.New().Wrap(errors.ErrInvalidTransition, err)
		}
	}
	if err := s.fsm.Event(context.Background(), EventTerminate); err != nil {
		return errors.New().Wrap(errors.ErrInvalidTransition, err)
	}

	s.reason = &reason

	return nil
}

// Reason returns the terminal reason once the session has terminated.
func (s *State) Reason() (Reason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reason == nil {
		return Reason{}, false
	}

	return *s.reason, true
}
