package loadbalancer

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Client for tests and local runs.
type Fake struct {
	mu      sync.Mutex
	groups  map[string]map[string]TargetHealth // targetGroupRef -> instanceID -> health
	err     error
	deregs  []string
	regs    []string
}

// NewFake creates an empty fake load balancer
func NewFake() *Fake {
	return &Fake{groups: make(map[string]map[string]TargetHealth)}
}

// SetTargetHealth sets the reported health for a target, registering it
// in the group if needed.
func (f *Fake) SetTargetHealth(targetGroupRef string, health TargetHealth) {
	f.mu.Lock()
	defer f.mu.Unlock()
	group, ok := f.groups[targetGroupRef]
	if !ok {
		group = make(map[string]TargetHealth)
		f.groups[targetGroupRef] = group
	}
	group[health.InstanceID] = health
}

// SetError makes every call fail with err until cleared with nil.
func (f *Fake) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *Fake) DescribeTargetHealth(ctx context.Context, targetGroupRef string) ([]TargetHealth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	group, ok := f.groups[targetGroupRef]
	if !ok {
		return nil, fmt.Errorf("unknown target group %q", targetGroupRef)
	}
	targets := make([]TargetHealth, 0, len(group))
	for _, th := range group {
		targets = append(targets, th)
	}
	return targets, nil
}

func (f *Fake) DeregisterTarget(ctx context.Context, targetGroupRef, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if group, ok := f.groups[targetGroupRef]; ok {
		delete(group, instanceID)
	}
	f.deregs = append(f.deregs, instanceID)
	return nil
}

func (f *Fake) RegisterTarget(ctx context.Context, targetGroupRef, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	group, ok := f.groups[targetGroupRef]
	if !ok {
		group = make(map[string]TargetHealth)
		f.groups[targetGroupRef] = group
	}
	group[instanceID] = TargetHealth{InstanceID: instanceID, State: StateHealthy}
	f.regs = append(f.regs, instanceID)
	return nil
}

// Deregistered returns the instance IDs deregistered so far, in order.
func (f *Fake) Deregistered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deregs...)
}

// Registered returns the instance IDs registered so far, in order.
func (f *Fake) Registered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.regs...)
}
