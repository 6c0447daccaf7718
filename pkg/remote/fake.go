package remote

import (
	"context"
	"sync"
)

// Fake is a scripted Executor for tests. Commands not explicitly
// scripted succeed with an empty output.
type Fake struct {
	mu      sync.Mutex
	scripts map[string]scripted // command -> outcome
	ran     []string
}

type scripted struct {
	output Output
	err    error
}

// NewFake creates an empty fake executor
func NewFake() *Fake {
	return &Fake{scripts: make(map[string]scripted)}
}

// Script sets the outcome for a command.
func (f *Fake) Script(command string, output Output, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[command] = scripted{output: output, err: err}
}

func (f *Fake) Run(ctx context.Context, instanceID, command string) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, command)
	if s, ok := f.scripts[command]; ok {
		return s.output, s.err
	}
	return Output{ExitCode: 0}, nil
}

// Commands returns every command run so far, in order.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}
