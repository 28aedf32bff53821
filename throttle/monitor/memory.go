package monitor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"

	"github.com/slok/goconcurrency/metrics"
	"github.com/slok/goconcurrency/throttle"
)

// MemoryConfig is the configuration of the memory monitor.
type MemoryConfig struct {
	// Sampler is the memory usage source. By default the process resident memory.
	Sampler MemorySampler
	// TotalAvailableMemoryBytes is the memory budget of the host. If 0 the monitor
	// is disabled and never throttles.
	TotalAvailableMemoryBytes int64
	// ThresholdRatio is the ratio (0-1) of the budget above which a sample is bad.
	ThresholdRatio float64
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

func (c *MemoryConfig) defaults() {
	if c.Sampler == nil {
		c.Sampler = NewProcessMemorySampler()
	}

	if c.ThresholdRatio <= 0 || c.ThresholdRatio > 1 {
		c.ThresholdRatio = 0.8
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

// Memory is the memory throttle monitor.
type Memory struct {
	services.Service
	*base

	cfg       MemoryConfig
	threshold uint64
}

// NewMemory returns a new memory monitor. The verdict is enabled when the
// memory usage is above the configured ratio of the memory budget.
func NewMemory(cfg MemoryConfig) *Memory {
	cfg.defaults()

	m := &Memory{
		base: newBase(throttle.ReasonMemory, cfg.EnableAfterSamples, cfg.DisableAfterSamples, cfg.Logger, cfg.MetricsRecorder),
		cfg:  cfg,
	}
	if cfg.TotalAvailableMemoryBytes > 0 {
		// Rounded up, any budget has a positive threshold.
		m.threshold = uint64(math.Ceil(float64(cfg.TotalAvailableMemoryBytes) * cfg.ThresholdRatio))
	}
	m.Service = services.NewTimerService(cfg.SampleInterval, nil, m.iteration, nil)

	return m
}

// Enabled returns true if the monitor has a memory budget to watch.
func (m *Memory) Enabled() bool { return m.cfg.TotalAvailableMemoryBytes > 0 }

func (m *Memory) iteration(ctx context.Context) error {
	m.Sample(ctx)
	return nil
}

// Sample takes a memory sample and updates the verdict.
func (m *Memory) Sample(ctx context.Context) {
	// Without budget we don't even sample.
	if !m.Enabled() {
		return
	}

	used, err := m.cfg.Sampler.UsedBytes(ctx)
	if err != nil {
		m.fail(err)
		return
	}

	msg := fmt.Sprintf("%s (%s used of %s, threshold %s)", throttle.ReasonMemory.Description(),
		humanize.IBytes(used), humanize.IBytes(uint64(m.cfg.TotalAvailableMemoryBytes)), humanize.IBytes(m.threshold))
	m.observe(used > m.threshold, msg)
}
