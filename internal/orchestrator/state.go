package orchestrator

import (
	"errors"
	"fmt"

	"loom/internal/logging"
)

// ErrInvalidTransition marks an illegal state change.
var ErrInvalidTransition = errors.New("invalid orchestrator state transition")

// State is the orchestrator lifecycle position.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateRunning      State = "running"
	StateSynthesizing State = "synthesizing"
	StateCompleting   State = "completing"
	StateCompleted    State = "completed"
	StateError        State = "error"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateCompleted || s == StateError }

var transitions = map[State][]State{
	StateInitializing: {StateReady},
	StateReady:        {StateRunning},
	StateRunning:      {StateSynthesizing, StateCompleting},
	StateSynthesizing: {StateRunning, StateCompleting},
	StateCompleting:   {StateCompleted},
}

func canTransition(from, to State) bool {
	if to == StateError {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transitionLocked moves to next. Callers hold o.mu.
func (o *Orchestrator) transitionLocked(next State) error {
	if !canTransition(o.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.state, next)
	}
	o.logger.Debug("state transition",
		logging.String("from", string(o.state)),
		logging.String(logging.FieldState, string(next)),
	)
	o.state = next
	return nil
}

func (o *Orchestrator) transition(next State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transitionLocked(next)
}
