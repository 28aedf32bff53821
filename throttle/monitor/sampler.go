package monitor

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
)

// CPUSampler knows how to get the current CPU utilization in percent (0-100).
type CPUSampler interface {
	CPUPercent(ctx context.Context) (float64, error)
}

// CPUSamplerFunc is a helper to satisfy CPUSampler with a function.
type CPUSamplerFunc func(ctx context.Context) (float64, error)

// CPUPercent satisfies CPUSampler interface.
func (f CPUSamplerFunc) CPUPercent(ctx context.Context) (float64, error) { return f(ctx) }

// MemorySampler knows how to get the current memory usage in bytes.
type MemorySampler interface {
	UsedBytes(ctx context.Context) (uint64, error)
}

// MemorySamplerFunc is a helper to satisfy MemorySampler with a function.
type MemorySamplerFunc func(ctx context.Context) (uint64, error)

// UsedBytes satisfies MemorySampler interface.
func (f MemorySamplerFunc) UsedBytes(ctx context.Context) (uint64, error) { return f(ctx) }

// NewHostCPUSampler returns a sampler of the whole host CPU utilization since the
// previous sample.
func NewHostCPUSampler() CPUSampler {
	return CPUSamplerFunc(func(ctx context.Context) (float64, error) {
		ps, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil {
			return 0, errors.Wrap(err, "failed to get host CPU utilization")
		}
		if len(ps) == 0 {
			return 0, errors.New("host CPU utilization not available")
		}
		return ps[0], nil
	})
}

// processCPUSampler computes the utilization of this process from the CPU time
// spent between samples, normalized by the number of cores.
type processCPUSampler struct {
	proc  procfs.Proc
	cores float64

	mu          sync.Mutex
	lastCPUTime float64
	lastSample  time.Time
}

// NewProcessCPUSampler returns a sampler of the CPU utilization of the current process
// using /proc (Linux only).
func NewProcessCPUSampler() (CPUSampler, error) {
	p, err := procfs.Self()
	if err != nil {
		return nil, errors.Wrap(err, "unable to read process stats, unsupported platform")
	}

	return &processCPUSampler{
		proc:  p,
		cores: float64(runtime.NumCPU()),
	}, nil
}

func (p *processCPUSampler) CPUPercent(_ context.Context) (float64, error) {
	ps, err := p.proc.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get process stats")
	}
	// Get wall time after CPU time, a delay on the stat read would report a higher load.
	now := time.Now()
	cpuTime := ps.CPUTime()

	p.mu.Lock()
	defer p.mu.Unlock()

	prevSample, prevCPUTime := p.lastSample, p.lastCPUTime
	p.lastSample, p.lastCPUTime = now, cpuTime

	// The first sample has nothing to compare with.
	if prevSample.IsZero() {
		return 0, nil
	}

	elapsed := now.Sub(prevSample).Seconds()
	if elapsed <= 0 {
		return 0, nil
	}

	return (cpuTime - prevCPUTime) / elapsed / p.cores * 100, nil
}

// NewProcessMemorySampler returns a sampler of the resident memory of the current process.
func NewProcessMemorySampler() MemorySampler {
	pid := int32(os.Getpid())

	return MemorySamplerFunc(func(ctx context.Context) (uint64, error) {
		p, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			return 0, errors.Wrap(err, "failed to get process")
		}

		mi, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			return 0, errors.Wrap(err, "failed to get process memory info")
		}

		return mi.RSS, nil
	})
}
