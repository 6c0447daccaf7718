// Package remote defines the opaque remote command executor used for
// diagnostics and repair. How commands physically reach an instance is
// out of scope; the pipeline only depends on this interface.
package remote

import (
	"context"
)

// Output is the result of one remote command.
type Output struct {
	Stdout   string
	ExitCode int
}

// Executor runs a command on an instance. Implementations must honor
// context cancellation; every pipeline call passes a bounded deadline.
type Executor interface {
	Run(ctx context.Context, instanceID, command string) (Output, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, instanceID, command string) (Output, error)

func (f Func) Run(ctx context.Context, instanceID, command string) (Output, error) {
	return f(ctx, instanceID, command)
}
