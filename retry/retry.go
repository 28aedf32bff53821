package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/slok/goconcurrency"
)

// Config is the configuration used for the retry Runner.
type Config struct {
	// WaitBase is the base unit duration to wait on the retries.
	WaitBase time.Duration
	// DisableBackoff disables exponential backoff on the retry (also disables jitter).
	DisableBackoff bool
	// Times is the number of times that will be retried in case of error
	// before returning the error itself.
	Times int
}

func (c *Config) defaults() {
	if c.WaitBase <= 0 {
		c.WaitBase = 20 * time.Millisecond
	}

	if c.Times <= 0 {
		c.Times = 3
	}
}

// New returns a new retry Runner, the execution will be retried the number
// of times specified on the config (+1, the original execution that is not a retry).
func New(cfg Config) goconcurrency.Runner {
	return NewMiddleware(cfg)(nil)
}

// NewMiddleware returns a new retry middleware, see New.
//
// Waits between attempts are cut short when the context is done, in that case
// the last execution error is returned.
func NewMiddleware(cfg Config) goconcurrency.Middleware {
	cfg.defaults()

	return func(next goconcurrency.Runner) goconcurrency.Runner {
		next = goconcurrency.SanitizeRunner(next)

		// Use the algorithms for jitter and backoff.
		// https://aws.amazon.com/es/blogs/architecture/exponential-backoff-and-jitter/
		return goconcurrency.RunnerFunc(func(ctx context.Context, f goconcurrency.Func) error {
			var err error
			random := rand.New(rand.NewSource(time.Now().UnixNano()))

			for i := 0; i <= cfg.Times; i++ {
				err = next.Run(ctx, f)
				if err == nil {
					return nil
				}

				// No need to wait after the last attempt.
				if i == cfg.Times {
					break
				}

				waitDuration := cfg.WaitBase
				if !cfg.DisableBackoff {
					exp := math.Exp2(float64(i + 1))
					waitDuration = time.Duration(float64(cfg.WaitBase) * exp)
					waitDuration = waitDuration.Round(time.Millisecond)

					// Apply "full jitter".
					waitDuration = time.Duration(float64(waitDuration) * random.Float64())
				}

				select {
				case <-ctx.Done():
					return err
				case <-time.After(waitDuration):
				}
			}

			return err
		})
	}
}
