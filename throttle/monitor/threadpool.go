package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"

	"github.com/slok/goconcurrency/metrics"
	"github.com/slok/goconcurrency/throttle"
)

// Prober measures how long the runtime takes to start running new work.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// ProberFunc is a helper to satisfy Prober with a function.
type ProberFunc func(ctx context.Context) (time.Duration, error)

// Probe satisfies Prober interface.
func (f ProberFunc) Probe(ctx context.Context) (time.Duration, error) { return f(ctx) }

// NewGoroutineProber returns a Prober that schedules a trivial goroutine and
// measures the latency until it runs. A probe that doesn't run before the timeout
// reports the timeout as latency.
func NewGoroutineProber(timeout time.Duration) Prober {
	return ProberFunc(func(ctx context.Context) (time.Duration, error) {
		start := time.Now()
		ranC := make(chan time.Time, 1)
		go func() {
			ranC <- time.Now()
		}()

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case ran := <-ranC:
			return ran.Sub(start), nil
		case <-timer.C:
			return timeout, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})
}

// ThreadPoolConfig is the configuration of the thread pool starvation monitor.
type ThreadPoolConfig struct {
	// Prober is the scheduling latency source. By default a goroutine prober.
	Prober Prober
	// LatencyThreshold is the scheduling latency above which a sample is bad.
	LatencyThreshold time.Duration
	// ProbeTimeout is the max time the default prober waits for the probe to run.
	ProbeTimeout time.Duration
	// SampleInterval is the interval between samples.
	SampleInterval time.Duration
	// EnableAfterSamples is the number of consecutive bad samples required to enable the throttle.
	EnableAfterSamples int
	// DisableAfterSamples is the number of consecutive good samples required to disable the throttle.
	DisableAfterSamples int
	// Logger is the logger of the monitor.
	Logger log.Logger
	// MetricsRecorder is the metrics recorder.
	MetricsRecorder metrics.Recorder
}

func (c *ThreadPoolConfig) defaults() {
	if c.LatencyThreshold <= 0 {
		c.LatencyThreshold = 100 * time.Millisecond
	}

	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = time.Second
	}

	if c.Prober == nil {
		c.Prober = NewGoroutineProber(c.ProbeTimeout)
	}

	if c.SampleInterval <= 0 {
		c.SampleInterval = time.Second
	}

	if c.EnableAfterSamples <= 0 {
		c.EnableAfterSamples = 3
	}

	if c.DisableAfterSamples <= 0 {
		c.DisableAfterSamples = 5
	}

	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}

	if c.MetricsRecorder == nil {
		c.MetricsRecorder = metrics.Dummy
	}
}

// ThreadPool is the thread pool (Go scheduler) starvation throttle monitor.
// High scheduling latency means the host can't promptly run new work, so
// dispatching more invocations would queue them behind the running ones.
type ThreadPool struct {
	services.Service
	*base

	cfg ThreadPoolConfig
}

// NewThreadPool returns a new thread pool starvation monitor.
func NewThreadPool(cfg ThreadPoolConfig) *ThreadPool {
	cfg.defaults()

	t := &ThreadPool{
		base: newBase(throttle.ReasonThreadPoolStarvation, cfg.EnableAfterSamples, cfg.DisableAfterSamples, cfg.Logger, cfg.MetricsRecorder),
		cfg:  cfg,
	}
	t.Service = services.NewTimerService(cfg.SampleInterval, nil, t.iteration, nil)

	return t
}

func (t *ThreadPool) iteration(ctx context.Context) error {
	t.Sample(ctx)
	return nil
}

// Sample probes the scheduling latency and updates the verdict.
func (t *ThreadPool) Sample(ctx context.Context) {
	latency, err := t.cfg.Prober.Probe(ctx)
	if err != nil {
		t.fail(err)
		return
	}

	msg := fmt.Sprintf("%s (scheduling latency %s > %s)", throttle.ReasonThreadPoolStarvation.Description(), latency, t.cfg.LatencyThreshold)
	t.observe(latency > t.cfg.LatencyThreshold, msg)
}
