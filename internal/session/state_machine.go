package session

import "sync"

type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateError   State = "error"
)

type Event string

const (
	EventLoad      Event = "load"
	EventSucceeded Event = "succeeded"
	EventFailed    Event = "failed"
)

// StateMachine tracks the chart view. Loads are not cancelled, so a result may
// arrive after another load already settled; the last result wins.
type StateMachine struct {
	mu    sync.Mutex
	state State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateIdle}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nextState(s.state, event)
	return s.state
}

func (s *StateMachine) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func nextState(current State, event Event) State {
	switch event {
	case EventLoad:
		return StateLoading
	case EventSucceeded:
		if current != StateIdle {
			return StateReady
		}
	case EventFailed:
		if current != StateIdle {
			return StateError
		}
	}
	return current
}
