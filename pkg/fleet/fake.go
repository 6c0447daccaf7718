package fleet

import (
	"context"
	"sync"
)

// Fake is an in-memory Manager for tests.
type Fake struct {
	mu       sync.Mutex
	states   map[string]string
	replaced []string
	err      error
}

// NewFake creates a fake fleet manager
func NewFake() *Fake {
	return &Fake{states: make(map[string]string)}
}

// SetInstanceState sets the reported compute state for an instance.
func (f *Fake) SetInstanceState(instanceID, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[instanceID] = state
}

// SetError makes every call fail with err until cleared with nil.
func (f *Fake) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *Fake) Replace(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.states[instanceID] = StateTerminated
	f.replaced = append(f.replaced, instanceID)
	return nil
}

func (f *Fake) InstanceState(ctx context.Context, instanceID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if state, ok := f.states[instanceID]; ok {
		return state, nil
	}
	return StateUnknown, nil
}

// Replaced returns the instance IDs replaced so far, in order.
func (f *Fake) Replaced() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.replaced...)
}
