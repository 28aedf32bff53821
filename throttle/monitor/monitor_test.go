package monitor_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/goconcurrency/throttle"
	"github.com/slok/goconcurrency/throttle/monitor"
)

func cpuSamples(samples ...float64) monitor.CPUSampler {
	i := 0
	return monitor.CPUSamplerFunc(func(_ context.Context) (float64, error) {
		s := samples[i%len(samples)]
		i++
		return s, nil
	})
}

func TestCPUMonitor(t *testing.T) {
	tests := []struct {
		name       string
		cfg        monitor.CPUConfig
		samples    int
		expEnabled bool
		expMessage string
	}{
		{
			name: "Sustained CPU over the threshold for the debounce window should enable the throttle.",
			cfg: monitor.CPUConfig{
				Sampler:            cpuSamples(95),
				ThresholdPercent:   80,
				EnableAfterSamples: 3,
			},
			samples:    3,
			expEnabled: true,
			expMessage: "Host CPU threshold exceeded (80 < 95.0)",
		},
		{
			name: "CPU over the threshold for less than the debounce window should not enable the throttle.",
			cfg: monitor.CPUConfig{
				Sampler:            cpuSamples(95),
				ThresholdPercent:   80,
				EnableAfterSamples: 3,
			},
			samples:    2,
			expEnabled: false,
		},
		{
			name: "A short CPU spike smoothed by the window should not enable the throttle.",
			cfg: monitor.CPUConfig{
				Sampler:            cpuSamples(10, 10, 10, 100),
				ThresholdPercent:   80,
				WindowSize:         4,
				EnableAfterSamples: 1,
			},
			samples:    4,
			expEnabled: false,
		},
		{
			name: "CPU under the threshold should not enable the throttle.",
			cfg: monitor.CPUConfig{
				Sampler:            cpuSamples(50),
				ThresholdPercent:   80,
				EnableAfterSamples: 1,
			},
			samples:    10,
			expEnabled: false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert := assert.New(t)

			m := monitor.NewCPU(test.cfg)
			for i := 0; i < test.samples; i++ {
				m.Sample(context.TODO())
			}

			v := m.Verdict()
			assert.Equal(throttle.ReasonCPU, m.Reason())
			assert.Equal(test.expEnabled, v.Enabled)
			assert.Equal(test.expMessage, v.Message)
		})
	}
}

func TestCPUMonitorRecovery(t *testing.T) {
	assert := assert.New(t)

	high := true
	sampler := monitor.CPUSamplerFunc(func(_ context.Context) (float64, error) {
		if high {
			return 99, nil
		}
		return 1, nil
	})

	m := monitor.NewCPU(monitor.CPUConfig{
		Sampler:             sampler,
		WindowSize:          1,
		EnableAfterSamples:  1,
		DisableAfterSamples: 2,
	})

	m.Sample(context.TODO())
	assert.True(m.Verdict().Enabled)

	high = false
	m.Sample(context.TODO())
	assert.True(m.Verdict().Enabled, "quiet period not reached")
	m.Sample(context.TODO())
	assert.False(m.Verdict().Enabled)
}

func TestMonitorSamplingFailureFailsOpenAndLogsOnce(t *testing.T) {
	assert := assert.New(t)

	var buf bytes.Buffer
	failing := false
	sampler := monitor.CPUSamplerFunc(func(_ context.Context) (float64, error) {
		if failing {
			return 0, errors.New("wanted error")
		}
		return 100, nil
	})

	m := monitor.NewCPU(monitor.CPUConfig{
		Sampler:            sampler,
		EnableAfterSamples: 1,
		Logger:             log.NewLogfmtLogger(&buf),
	})

	m.Sample(context.TODO())
	assert.True(m.Verdict().Enabled)

	failing = true
	for i := 0; i < 5; i++ {
		m.Sample(context.TODO())
	}

	assert.False(m.Verdict().Enabled)
	assert.Equal(1, strings.Count(buf.String(), "failed to sample resource usage"))
}

func TestMemoryMonitor(t *testing.T) {
	const gib = 1024 * 1024 * 1024

	tests := []struct {
		name       string
		cfg        monitor.MemoryConfig
		expEnabled bool
	}{
		{
			name: "Without memory budget the monitor should be disabled regardless of the usage.",
			cfg: monitor.MemoryConfig{
				TotalAvailableMemoryBytes: 0,
				Sampler: monitor.MemorySamplerFunc(func(_ context.Context) (uint64, error) {
					return 100 * gib, nil
				}),
				EnableAfterSamples: 1,
			},
			expEnabled: false,
		},
		{
			name: "Usage above the ratio of the budget should enable the throttle.",
			cfg: monitor.MemoryConfig{
				TotalAvailableMemoryBytes: 2 * gib,
				ThresholdRatio:            0.5,
				Sampler: monitor.MemorySamplerFunc(func(_ context.Context) (uint64, error) {
					return 1*gib + 1, nil
				}),
				EnableAfterSamples: 1,
			},
			expEnabled: true,
		},
		{
			name: "Usage under the ratio of the budget should not enable the throttle.",
			cfg: monitor.MemoryConfig{
				TotalAvailableMemoryBytes: 2 * gib,
				ThresholdRatio:            0.5,
				Sampler: monitor.MemorySamplerFunc(func(_ context.Context) (uint64, error) {
					return 1 * gib, nil
				}),
				EnableAfterSamples: 1,
			},
			expEnabled: false,
		},
		{
			name: "A tiny memory budget should still be watched.",
			cfg: monitor.MemoryConfig{
				TotalAvailableMemoryBytes: 1,
				ThresholdRatio:            0.8,
				Sampler: monitor.MemorySamplerFunc(func(_ context.Context) (uint64, error) {
					return 2, nil
				}),
				EnableAfterSamples: 1,
			},
			expEnabled: true,
		},
		{
			name: "A failing sampler should not enable the throttle.",
			cfg: monitor.MemoryConfig{
				TotalAvailableMemoryBytes: 2 * gib,
				Sampler: monitor.MemorySamplerFunc(func(_ context.Context) (uint64, error) {
					return 0, errors.New("wanted error")
				}),
				EnableAfterSamples: 1,
			},
			expEnabled: false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert := assert.New(t)

			m := monitor.NewMemory(test.cfg)
			assert.Equal(test.cfg.TotalAvailableMemoryBytes > 0, m.Enabled())
			for i := 0; i < 3; i++ {
				m.Sample(context.TODO())
			}

			v := m.Verdict()
			assert.Equal(throttle.ReasonMemory, m.Reason())
			assert.Equal(test.expEnabled, v.Enabled)
			if test.expEnabled {
				assert.Contains(v.Message, "Host memory threshold exceeded")
			}
		})
	}
}

func TestThreadPoolMonitor(t *testing.T) {
	tests := []struct {
		name       string
		latency    time.Duration
		err        error
		expEnabled bool
	}{
		{
			name:       "Scheduling latency over the threshold should enable the throttle.",
			latency:    500 * time.Millisecond,
			expEnabled: true,
		},
		{
			name:       "Scheduling latency under the threshold should not enable the throttle.",
			latency:    time.Millisecond,
			expEnabled: false,
		},
		{
			name:       "A failing probe should not enable the throttle.",
			err:        errors.New("wanted error"),
			expEnabled: false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert := assert.New(t)

			m := monitor.NewThreadPool(monitor.ThreadPoolConfig{
				Prober: monitor.ProberFunc(func(_ context.Context) (time.Duration, error) {
					return test.latency, test.err
				}),
				LatencyThreshold:   100 * time.Millisecond,
				EnableAfterSamples: 2,
			})
			m.Sample(context.TODO())
			m.Sample(context.TODO())

			v := m.Verdict()
			assert.Equal(throttle.ReasonThreadPoolStarvation, m.Reason())
			assert.Equal(test.expEnabled, v.Enabled)
			if test.expEnabled {
				assert.Contains(v.Message, "Thread pool starvation detected")
			}
		})
	}
}

func TestGoroutineProber(t *testing.T) {
	assert := assert.New(t)

	p := monitor.NewGoroutineProber(time.Second)
	latency, err := p.Probe(context.TODO())

	assert.NoError(err)
	assert.True(latency < time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// With a canceled context either the probe or the cancelation wins, never a hang.
	_, _ = p.Probe(ctx)
}

func TestMonitorService(t *testing.T) {
	require := require.New(t)

	m := monitor.NewCPU(monitor.CPUConfig{
		Sampler:            cpuSamples(100),
		SampleInterval:     time.Millisecond,
		EnableAfterSamples: 2,
	})

	require.NoError(services.StartAndAwaitRunning(context.Background(), m))
	require.Eventually(func() bool {
		return m.Verdict().Enabled
	}, time.Second, time.Millisecond)
	require.NoError(services.StopAndAwaitTerminated(context.Background(), m))
}
