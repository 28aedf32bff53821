package concurrency

import (
	"runtime"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/slok/goconcurrency/concurrency/limit"
	gcerrors "github.com/slok/goconcurrency/errors"
	"github.com/slok/goconcurrency/metrics"
	"github.com/slok/goconcurrency/throttle"
)

const (
	// DefaultMaximumFunctionConcurrency is the default max concurrency a function can reach.
	DefaultMaximumFunctionConcurrency = 500
	// DefaultAdjustmentInterval is the default interval of the adjustment tick.
	DefaultAdjustmentInterval = time.Second
)

// Config is the configuration of the concurrency Manager (the concurrency options).
type Config struct {
	// DynamicConcurrencyEnabled enables the dynamic concurrency. When disabled
	// the callers are not constrained.
	DynamicConcurrencyEnabled bool
	// SnapshotPersistenceEnabled enables persisting the concurrency snapshot so
	// a restarted host starts from the previous concurrency.
	SnapshotPersistenceEnabled bool
	// MaximumFunctionConcurrency is the max concurrency a function can reach.
	MaximumFunctionConcurrency int
	// TotalAvailableMemoryBytes is the memory budget of the host, 0 disables
	// the memory throttling.
	TotalAvailableMemoryBytes int64
	// AdjustmentInterval is the interval of the adjustment tick.
	AdjustmentInterval time.Duration
	// IncreaseStep is the additive increase step of the default AIMD limiter.
	IncreaseStep int
	// DecreaseRatio is the multiplicative decrease ratio of the default AIMD limiter.
	DecreaseRatio float64
	// NumberOfCores is the number of cores of the host, by default the runtime ones.
	NumberOfCores int

	// ThrottleStatusGetter is the host throttle source, usually a throttle.Aggregator.
	// By default the host is never throttled.
	ThrottleStatusGetter throttle.StatusGetter
	// Limiter is the algorithm used to calculate the next concurrency of every
	// function. By default an AIMD limiter with the step and ratio of this config.
	Limiter limit.Limiter
	// Logger is the logger.
	Logger log.Logger
	// MetricsRecorder is the metrics recorder.
	MetricsRecorder metrics.Recorder
}

// Validate returns an error if the configuration can't be used.
func (c Config) Validate() error {
	if c.MaximumFunctionConcurrency < 0 {
		return errors.Wrapf(gcerrors.ErrInvalidConfig, "maximum function concurrency must be positive, got %d", c.MaximumFunctionConcurrency)
	}

	if c.TotalAvailableMemoryBytes < 0 {
		return errors.Wrapf(gcerrors.ErrInvalidConfig, "total available memory can't be negative, got %d", c.TotalAvailableMemoryBytes)
	}

	if c.AdjustmentInterval < 0 {
		return errors.Wrapf(gcerrors.ErrInvalidConfig, "adjustment interval can't be negative, got %s", c.AdjustmentInterval)
	}

	if c.IncreaseStep < 0 {
		return errors.Wrapf(gcerrors.ErrInvalidConfig, "increase step can't be negative, got %d", c.IncreaseStep)
	}

	if c.DecreaseRatio < 0 || c.DecreaseRatio >= 1 {
		return errors.Wrapf(gcerrors.ErrInvalidConfig, "decrease ratio must be in the [0, 1) range, got %f", c.DecreaseRatio)
	}

	if c.NumberOfCores < 0 {
		return errors.Wrapf(gcerrors.ErrInvalidConfig, "number of cores can't be negative, got %d", c.NumberOfCores)
	}

	return nil
}

func (c *Config) defaults() {
	if c.MaximumFunctionConcurrency == 0 {
		c.MaximumFunctionConcurrency = DefaultMaximumFunctionConcurrency
	}

	if c.AdjustmentInterval == 0 {
		c.AdjustmentInterval = DefaultAdjustmentInterval
	}

	if c.NumberOfCores == 0 {
		c.NumberOfCores = runtime.NumCPU()
	}

	if c.ThrottleStatusGetter == nil {
		c.ThrottleStatusGetter = throttle.StatusGetterFunc(func() throttle.Status {
			return throttle.Status{State: throttle.StateDisabled}
		})
	}

	if c.Limiter == nil {
		c.Limiter = limit.NewAIMD(limit.AIMDConfig{
			MinimumLimit: 1,
			MaximumLimit: c.MaximumFunctionConcurrency,
			IncreaseStep: c.IncreaseStep,
			BackoffRatio: c.DecreaseRatio,
		})
	}

	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}

	if c.MetricsRecorder == nil {
		c.MetricsRecorder = metrics.Dummy
	}
}
