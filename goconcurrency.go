package goconcurrency

import (
	"context"

	"github.com/slok/goconcurrency/errors"
)

// Func is a unit of work guarded by a Runner, usually an I/O call
// that must not affect the admission hot path (e.g. a snapshot write).
type Func func(ctx context.Context) error

// Runner knows how to execute a Func.
type Runner interface {
	// Run will run the unit of execution passed on f.
	Run(ctx context.Context, f Func) error
}

// Middleware wraps a Runner returning a new Runner.
type Middleware func(next Runner) Runner

// Command is the unit of execution, the last Runner of every chain.
type Command struct{}

// Run satisfies Runner interface.
func (Command) Run(ctx context.Context, f Func) error {
	// Only execute if the context has not been cancelled.
	select {
	case <-ctx.Done():
		return errors.ErrContextCanceled
	default:
		return f(ctx)
	}
}

// RunnerFunc is a helper that will satisfy the Runner interface by using a function.
type RunnerFunc func(ctx context.Context, f Func) error

// Run satisfies Runner interface.
func (r RunnerFunc) Run(ctx context.Context, f Func) error {
	select {
	case <-ctx.Done():
		return errors.ErrContextCanceled
	default:
		return r(ctx, f)
	}
}

// SanitizeRunner returns a safe Runner if the runner is nil.
func SanitizeRunner(r Runner) Runner {
	// In case of end of execution chain.
	if r == nil {
		return &Command{}
	}
	return r
}

// RunnerChain chains the middlewares, the first one will be the outermost.
func RunnerChain(middlewares ...Middleware) Runner {
	var runner Runner

	// Start from the end, the innermost middleware wraps the Command.
	for i := len(middlewares) - 1; i >= 0; i-- {
		runner = middlewares[i](runner)
	}

	return SanitizeRunner(runner)
}
