package timeout

import (
	"context"
	"time"

	"github.com/slok/goconcurrency"
	"github.com/slok/goconcurrency/errors"
)

const defaultTimeout = 5 * time.Second

// Config is the configuration of the timeout Runner.
type Config struct {
	// Timeout is the max duration the execution is allowed to take.
	Timeout time.Duration
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
}

// New returns a Runner that abandons the execution when the timeout is reached.
// The Func receives a context that is cancelled at that point, so well behaved
// storage clients stop their work, but the Runner never waits for them.
func New(cfg Config) goconcurrency.Runner {
	return NewMiddleware(cfg)(nil)
}

// NewMiddleware returns the timeout Runner as a middleware.
func NewMiddleware(cfg Config) goconcurrency.Middleware {
	cfg.defaults()

	return func(next goconcurrency.Runner) goconcurrency.Runner {
		next = goconcurrency.SanitizeRunner(next)

		return goconcurrency.RunnerFunc(func(ctx context.Context, f goconcurrency.Func) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()

			// Buffered so the execution goroutine never leaks blocked on send.
			errc := make(chan error, 1)
			go func() {
				errc <- next.Run(ctx, f)
			}()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
				return errors.ErrTimeout
			}
		})
	}
}
