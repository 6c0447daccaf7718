package lifecycle

import (
	"fmt"
	"sync"
)

// State is a per-instance pipeline state
type State string

const (
	StateDetected   State = "detected"
	StateDiagnosing State = "diagnosing"
	StateDecided    State = "decided"
	StateHealing    State = "healing"
	StateVerifying  State = "verifying"
	StateVerified   State = "verified"
	StateEscalated  State = "escalated"
	StateSkipped    State = "skipped"
)

// Terminal reports whether the state ends the instance's pipeline run.
func (s State) Terminal() bool {
	return s == StateVerified || s == StateEscalated || s == StateSkipped
}

// transitions maps each state to the states reachable from it. An
// instance with no recorded state may only enter Detected; terminal
// states may only be left by a fresh detection.
var transitions = map[State][]State{
	"":              {StateDetected},
	StateDetected:   {StateDiagnosing},
	StateDiagnosing: {StateDecided, StateEscalated},
	StateDecided:    {StateHealing, StateSkipped, StateEscalated},
	StateHealing:    {StateVerifying, StateEscalated},
	StateVerifying:  {StateVerified, StateEscalated},
	StateVerified:   {StateDetected},
	StateEscalated:  {StateDetected},
	StateSkipped:    {StateDetected},
}

// ErrInvalidTransition wraps rejected state changes.
type ErrInvalidTransition struct {
	InstanceID string
	From, To   State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("instance %s: invalid transition %q -> %q", e.InstanceID, e.From, e.To)
}

// Tracker holds the current pipeline state for every instance and
// validates transitions against the state machine. It is safe for
// concurrent use.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{states: make(map[string]State)}
}

// State returns the current state for an instance. The second return is
// false when the instance has never entered the pipeline.
func (t *Tracker) State(instanceID string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[instanceID]
	return s, ok
}

// Transition moves an instance to the given state, validating the move
// against the current state. Invalid moves return ErrInvalidTransition
// and leave the tracker unchanged.
func (t *Tracker) Transition(instanceID string, to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	from := t.states[instanceID]
	for _, allowed := range transitions[from] {
		if allowed == to {
			t.states[instanceID] = to
			return nil
		}
	}
	return &ErrInvalidTransition{InstanceID: instanceID, From: from, To: to}
}

// Active reports whether the instance is mid-pipeline (entered but not
// yet at a terminal state).
func (t *Tracker) Active(instanceID string) bool {
	s, ok := t.State(instanceID)
	return ok && !s.Terminal()
}

// States returns a snapshot of every tracked instance's state.
func (t *Tracker) States() map[string]State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snapshot := make(map[string]State, len(t.states))
	for id, s := range t.states {
		snapshot[id] = s
	}
	return snapshot
}

// Reset removes an instance from the tracker.
func (t *Tracker) Reset(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, instanceID)
}
