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

// CPUConfig is the configuration of the CPU monitor.
type CPUConfig struct {
	// Sampler is the CPU utilization source. By default the host CPU is sampled.
	Sampler CPUSampler
	// ThresholdPercent is the CPU utilization (0-100) of the sliding window above
	// which a sample is considered bad.
	ThresholdPercent float64
	// WindowSize is the number of samples used for the sliding window average.
	WindowSize int
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

func (c *CPUConfig) defaults() {
	if c.Sampler == nil {
		c.Sampler = NewHostCPUSampler()
	}

	if c.ThresholdPercent <= 0 {
		c.ThresholdPercent = 80
	}

	if c.WindowSize <= 0 {
		c.WindowSize = 10
	}

	if c.SampleInterval <= 0 {
		c.SampleInterval = time.Second
	}

	if c.EnableAfterSamples <= 0 {
		c.EnableAfterSamples = 5
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

// CPU is the CPU throttle monitor.
type CPU struct {
	services.Service
	*base

	cfg    CPUConfig
	window *sampleWindow
}

// NewCPU returns a new CPU monitor. The verdict is enabled when the sustained
// CPU utilization is above the threshold.
func NewCPU(cfg CPUConfig) *CPU {
	cfg.defaults()

	c := &CPU{
		base:   newBase(throttle.ReasonCPU, cfg.EnableAfterSamples, cfg.DisableAfterSamples, cfg.Logger, cfg.MetricsRecorder),
		cfg:    cfg,
		window: newSampleWindow(cfg.WindowSize),
	}
	c.Service = services.NewTimerService(cfg.SampleInterval, nil, c.iteration, nil)

	return c
}

func (c *CPU) iteration(ctx context.Context) error {
	c.Sample(ctx)
	return nil
}

// Sample takes a CPU sample and updates the verdict.
func (c *CPU) Sample(ctx context.Context) {
	pct, err := c.cfg.Sampler.CPUPercent(ctx)
	if err != nil {
		c.window.reset()
		c.fail(err)
		return
	}

	avg := c.window.add(pct)
	msg := fmt.Sprintf("%s (%.0f < %.1f)", throttle.ReasonCPU.Description(), c.cfg.ThresholdPercent, avg)
	c.observe(avg > c.cfg.ThresholdPercent, msg)
}

// sampleWindow is a circular buffer of the latest samples.
type sampleWindow struct {
	samples []float64
	head    int
	count   int
}

func newSampleWindow(size int) *sampleWindow {
	return &sampleWindow{
		samples: make([]float64, size),
	}
}

// add adds a sample and returns the average of the window.
func (w *sampleWindow) add(sample float64) float64 {
	w.samples[w.head] = sample
	w.head = (w.head + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}

	var total float64
	for i := 0; i < w.count; i++ {
		total += w.samples[i]
	}

	return total / float64(w.count)
}

func (w *sampleWindow) reset() {
	w.head = 0
	w.count = 0
}
