package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/slok/goconcurrency"
	"github.com/slok/goconcurrency/concurrency"
	gcerrors "github.com/slok/goconcurrency/errors"
	"github.com/slok/goconcurrency/metrics"
	"github.com/slok/goconcurrency/retry"
	"github.com/slok/goconcurrency/timeout"
)

// Snapshotter is the concurrency state source and sink of the pump,
// usually a concurrency.Manager.
type Snapshotter interface {
	GetSnapshot() concurrency.HostConcurrencySnapshot
	ApplySnapshot(snapshot concurrency.HostConcurrencySnapshot)
}

// PumpConfig is the configuration of the Pump.
type PumpConfig struct {
	// Snapshotter is the concurrency state source.
	Snapshotter Snapshotter
	// Repository is where the snapshots are persisted. If nil the pump
	// does nothing.
	Repository Repository
	// Interval is the interval between snapshot writes.
	Interval time.Duration
	// OperationTimeout is the max duration of a single repository operation.
	OperationTimeout time.Duration
	// WriteRetries is the number of retries of a failed periodic write.
	WriteRetries int
	// FlushTimeout is the max duration of the final write when the pump stops,
	// after it the write is abandoned.
	FlushTimeout time.Duration
	// Logger is the logger.
	Logger log.Logger
	// MetricsRecorder is the metrics recorder.
	MetricsRecorder metrics.Recorder
}

func (c *PumpConfig) defaults() error {
	if c.Snapshotter == nil {
		return errors.Wrap(gcerrors.ErrInvalidConfig, "snapshotter is required")
	}

	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}

	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 5 * time.Second
	}

	if c.WriteRetries <= 0 {
		c.WriteRetries = 2
	}

	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 2 * time.Second
	}

	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}

	if c.MetricsRecorder == nil {
		c.MetricsRecorder = metrics.Dummy
	}

	return nil
}

// Pump restores the concurrency snapshot when it starts, persists it
// periodically while running and flushes it one last time when stopping.
type Pump struct {
	services.Service

	cfg         PumpConfig
	logger      log.Logger
	readRunner  goconcurrency.Runner
	writeRunner goconcurrency.Runner
	flushRunner goconcurrency.Runner

	mu          sync.Mutex
	lastWritten *concurrency.HostConcurrencySnapshot
}

// NewPump returns a new snapshot Pump.
func NewPump(cfg PumpConfig) (*Pump, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}

	rec := cfg.MetricsRecorder
	p := &Pump{
		cfg:        cfg,
		logger:     log.With(cfg.Logger, "component", "snapshot-pump"),
		readRunner: metrics.NewMeasuredRunner("snapshot-read", rec, timeout.New(timeout.Config{Timeout: cfg.OperationTimeout})),
		writeRunner: metrics.NewMeasuredRunner("snapshot-write", rec, goconcurrency.RunnerChain(
			retry.NewMiddleware(retry.Config{Times: cfg.WriteRetries}),
			timeout.NewMiddleware(timeout.Config{Timeout: cfg.OperationTimeout}),
		)),
		flushRunner: metrics.NewMeasuredRunner("snapshot-flush", rec, timeout.New(timeout.Config{Timeout: cfg.FlushTimeout})),
	}
	p.Service = services.NewTimerService(cfg.Interval, p.starting, p.iteration, p.stopping)

	return p, nil
}

func (p *Pump) starting(ctx context.Context) error {
	p.Restore(ctx)
	return nil
}

func (p *Pump) iteration(ctx context.Context) error {
	// Write errors are never fatal for the service.
	_ = p.Persist(ctx)
	return nil
}

func (p *Pump) stopping(_ error) error {
	// The service context is already cancelled at this point.
	_ = p.Flush(context.Background())
	return nil
}

// Restore reads the persisted snapshot and applies it.
func (p *Pump) Restore(ctx context.Context) {
	if p.cfg.Repository == nil {
		return
	}

	var snap *concurrency.HostConcurrencySnapshot
	err := p.readRunner.Run(ctx, func(ctx context.Context) error {
		s, err := p.cfg.Repository.Read(ctx)
		if err != nil {
			return err
		}
		snap = s
		return nil
	})
	if err != nil {
		level.Warn(p.logger).Log("msg", "failed to read concurrency snapshot, starting from defaults", "err", err)
		return
	}

	if snap == nil {
		level.Info(p.logger).Log("msg", "no concurrency snapshot to restore")
		return
	}

	p.cfg.Snapshotter.ApplySnapshot(*snap)

	p.mu.Lock()
	restored := snap.Copy()
	p.lastWritten = &restored
	p.mu.Unlock()
}

// Persist writes the current snapshot if it changed since the last successful write.
func (p *Pump) Persist(ctx context.Context) error {
	return p.write(ctx, p.writeRunner)
}

// Flush writes the current snapshot bounded by the flush timeout, the write
// is abandoned when the timeout expires.
func (p *Pump) Flush(ctx context.Context) error {
	return p.write(ctx, p.flushRunner)
}

func (p *Pump) write(ctx context.Context, runner goconcurrency.Runner) error {
	if p.cfg.Repository == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	snap := p.cfg.Snapshotter.GetSnapshot()
	if p.lastWritten != nil && p.lastWritten.EqualFunctions(snap) {
		level.Debug(p.logger).Log("msg", "concurrency snapshot unchanged, skipping write")
		return nil
	}

	err := runner.Run(ctx, func(ctx context.Context) error {
		return p.cfg.Repository.Write(ctx, snap)
	})
	if err != nil {
		level.Warn(p.logger).Log("msg", "failed to write concurrency snapshot", "err", err)
		return err
	}

	written := snap.Copy()
	p.lastWritten = &written
	level.Debug(p.logger).Log("msg", "concurrency snapshot written", "functions", len(snap.FunctionSnapshots))

	return nil
}
