// Package fsm defines the recipe lifecycle states of one control session.
package fsm

import "fmt"

type State string
type Event string

const (
	StateWaitingForStart State = "waiting_for_start"
	StateRunning         State = "running"
	StateClosed          State = "closed"
)

const (
	EventStart  Event = "start"
	EventFinish Event = "finish"
	EventAbort  Event = "abort"
	EventFail   Event = "fail"
)

// Transition returns the state reached by applying event to current.
// Closed is terminal; EventFail reaches it from any live state.
func Transition(current State, event Event) (State, error) {
	if current == StateClosed {
		return current, invalidTransition(current, event)
	}
	if event == EventFail {
		return StateClosed, nil
	}

	switch current {
	case StateWaitingForStart:
		switch event {
		case EventStart:
			return StateRunning, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateRunning:
		switch event {
		case EventFinish, EventAbort:
			return StateWaitingForStart, nil
		default:
			return current, invalidTransition(current, event)
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
