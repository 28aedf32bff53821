// Package dispatch has an admission controlled listener that fetches invocations
// from a source and executes them respecting the function dynamic concurrency.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/slok/goconcurrency"
	"github.com/slok/goconcurrency/concurrency"
	gcerrors "github.com/slok/goconcurrency/errors"
	"github.com/slok/goconcurrency/metrics"
)

// Item is a single function invocation input.
type Item struct {
	ID      string
	Payload []byte
}

// Source is where the invocation inputs come from (a queue, a topic...).
type Source interface {
	// Fetch returns at most limit items, it can return less (or none).
	Fetch(ctx context.Context, limit int) ([]Item, error)
}

// SourceFunc is a helper to satisfy Source with a function.
type SourceFunc func(ctx context.Context, limit int) ([]Item, error)

// Fetch satisfies Source interface.
func (s SourceFunc) Fetch(ctx context.Context, limit int) ([]Item, error) { return s(ctx, limit) }

// Handler executes a function invocation.
type Handler func(ctx context.Context, item Item) error

// Admission is the concurrency controller the dispatcher asks before fetching.
type Admission interface {
	GetStatus(functionID string) concurrency.Status
	GetAvailableInvocationCount(functionID string, pending int) int
	FunctionStarted(functionID string)
	FunctionCompleted(functionID string)
}

// Config is the configuration of the Dispatcher.
type Config struct {
	// FunctionID is the function the dispatcher invokes.
	FunctionID string
	// Source is the invocation source.
	Source Source
	// Handler executes every invocation.
	Handler Handler
	// Admission is the concurrency controller.
	Admission Admission
	// Runner wraps every handler execution, e.g. with a timeout.
	Runner goconcurrency.Runner
	// Backoff is the wait when there is no concurrency available, the source
	// is empty or it failed.
	Backoff time.Duration
	// BatchSize is the max number of items fetched at once.
	BatchSize int
	// Logger is the logger.
	Logger log.Logger
	// MetricsRecorder is the metrics recorder.
	MetricsRecorder metrics.Recorder
}

func (c *Config) defaults() error {
	if c.FunctionID == "" {
		return errors.Wrap(gcerrors.ErrInvalidConfig, "function ID is required")
	}

	if c.Source == nil {
		return errors.Wrap(gcerrors.ErrInvalidConfig, "source is required")
	}

	if c.Handler == nil {
		return errors.Wrap(gcerrors.ErrInvalidConfig, "handler is required")
	}

	if c.Admission == nil {
		return errors.Wrap(gcerrors.ErrInvalidConfig, "admission is required")
	}

	c.Runner = goconcurrency.SanitizeRunner(c.Runner)

	if c.Backoff <= 0 {
		c.Backoff = 500 * time.Millisecond
	}

	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}

	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}

	if c.MetricsRecorder == nil {
		c.MetricsRecorder = metrics.Dummy
	}

	return nil
}

// Dispatcher fetches invocations only when the function has concurrency available
// and executes each of them concurrently.
type Dispatcher struct {
	services.Service

	cfg      Config
	logger   log.Logger
	recorder metrics.Recorder
	inflight atomic.Int64
	wg       sync.WaitGroup
}

// New returns a new Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}

	// Every invocation is measured with the function ID.
	cfg.Runner = metrics.NewMeasuredRunner(cfg.FunctionID, cfg.MetricsRecorder, cfg.Runner)

	d := &Dispatcher{
		cfg:      cfg,
		logger:   log.With(cfg.Logger, "component", "dispatcher", "function", cfg.FunctionID),
		recorder: cfg.MetricsRecorder.WithID(cfg.FunctionID),
	}
	d.Service = services.NewBasicService(nil, d.running, d.stopping)

	return d, nil
}

// Inflight returns the number of invocations being executed.
func (d *Dispatcher) Inflight() int { return int(d.inflight.Load()) }

func (d *Dispatcher) running(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if !d.Poll(ctx) {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.cfg.Backoff):
			}
		}
	}
}

func (d *Dispatcher) stopping(_ error) error {
	d.wg.Wait()
	return nil
}

// Poll fetches and dispatches a single batch. It returns false when the caller
// should back off before polling again.
func (d *Dispatcher) Poll(ctx context.Context) bool {
	size := d.available()
	if size == 0 {
		return false
	}

	items, err := d.cfg.Source.Fetch(ctx, size)
	if err != nil {
		if ctx.Err() == nil {
			level.Warn(d.logger).Log("msg", "could not fetch invocations", "err", err)
		}
		return false
	}

	if len(items) == 0 {
		return false
	}

	// Never dispatch over the admitted count.
	if len(items) > size {
		level.Warn(d.logger).Log("msg", "source returned more items than requested, dropping the extra items", "requested", size, "got", len(items))
		items = items[:size]
	}

	for _, item := range items {
		d.dispatch(ctx, item)
	}

	return true
}

func (d *Dispatcher) available() int {
	pending := d.Inflight()
	available := d.cfg.Admission.GetAvailableInvocationCount(d.cfg.FunctionID, pending)
	if available == 0 {
		status := d.cfg.Admission.GetStatus(d.cfg.FunctionID)
		level.Debug(d.logger).Log("msg", "no concurrency available", "concurrency", status.CurrentConcurrency, "pending", pending)
		return 0
	}
	if available > d.cfg.BatchSize {
		available = d.cfg.BatchSize
	}

	return available
}

func (d *Dispatcher) dispatch(ctx context.Context, item Item) {
	d.cfg.Admission.FunctionStarted(d.cfg.FunctionID)
	d.recorder.SetDispatchInflightInvocations(int(d.inflight.Inc()))
	d.wg.Add(1)

	go func() {
		defer func() {
			d.cfg.Admission.FunctionCompleted(d.cfg.FunctionID)
			d.recorder.SetDispatchInflightInvocations(int(d.inflight.Dec()))
			d.wg.Done()
		}()

		err := d.cfg.Runner.Run(ctx, func(ctx context.Context) error {
			return d.cfg.Handler(ctx, item)
		})
		if err != nil {
			level.Warn(d.logger).Log("msg", "invocation failed", "item", item.ID, "err", err)
		}
	}()
}
