package concurrency

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"go.uber.org/atomic"

	"github.com/slok/goconcurrency/concurrency/limit"
	"github.com/slok/goconcurrency/metrics"
	"github.com/slok/goconcurrency/throttle"
)

const (
	directionIncrease = "increase"
	directionDecrease = "decrease"
)

// function is the tracked state of a single function. Each field is updated
// independently with atomic operations, the concurrency is only replaced as
// a whole value.
type function struct {
	id          string
	concurrency atomic.Int64
	outstanding atomic.Int64
	// activity counts the invocations since the last adjustment.
	activity atomic.Int64
	recorder metrics.Recorder
}

// Manager is the dynamic concurrency controller. It tracks the concurrency of
// every function seen by the host and adjusts it periodically based on the
// host throttle status.
//
// All the admission methods are safe to call concurrently and never block.
type Manager struct {
	services.Service

	cfg       Config
	logger    log.Logger
	functions sync.Map // map[string]*function
	now       func() time.Time
}

// New returns a new concurrency manager. The adjustment tick runs when
// the manager service is started, Adjust can be used to drive it manually.
func New(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.defaults()

	m := &Manager{
		cfg:    cfg,
		logger: log.With(cfg.Logger, "component", "concurrency-manager"),
		now:    time.Now,
	}
	m.Service = services.NewTimerService(cfg.AdjustmentInterval, nil, m.iteration, nil)

	return m, nil
}

// Enabled returns true if the dynamic concurrency is enabled.
func (m *Manager) Enabled() bool { return m.cfg.DynamicConcurrencyEnabled }

// GetStatus returns the concurrency status of the function. Functions that
// have not been seen before are registered with a concurrency of 1.
func (m *Manager) GetStatus(functionID string) Status {
	f := m.getOrRegister(functionID)
	return Status{
		FunctionID:             functionID,
		CurrentConcurrency:     int(f.concurrency.Load()),
		OutstandingInvocations: int(f.outstanding.Load()),
	}
}

// GetAvailableInvocationCount returns the number of new invocations the function
// can accept when it already has pending invocations in flight. If the dynamic
// concurrency is disabled it returns Unlimited.
func (m *Manager) GetAvailableInvocationCount(functionID string, pending int) int {
	if !m.Enabled() {
		return Unlimited
	}

	f := m.getOrRegister(functionID)
	if pending > 0 {
		f.activity.Inc()
	}

	return availableInvocationCount(int(f.concurrency.Load()), pending)
}

// FunctionStarted marks the start of a function invocation.
func (m *Manager) FunctionStarted(functionID string) {
	f := m.getOrRegister(functionID)
	f.outstanding.Inc()
	f.activity.Inc()
}

// FunctionCompleted marks the end of a function invocation.
func (m *Manager) FunctionCompleted(functionID string) {
	f := m.getOrRegister(functionID)
	for {
		current := f.outstanding.Load()
		if current <= 0 {
			return
		}
		if f.outstanding.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// GetSnapshot returns the current concurrency of all the tracked functions.
func (m *Manager) GetSnapshot() HostConcurrencySnapshot {
	snap := HostConcurrencySnapshot{
		NumberOfCores:     m.cfg.NumberOfCores,
		Timestamp:         m.now().UTC(),
		FunctionSnapshots: map[string]FunctionConcurrencySnapshot{},
	}

	m.functions.Range(func(_, v any) bool {
		f := v.(*function)
		snap.FunctionSnapshots[f.id] = FunctionConcurrencySnapshot{Concurrency: int(f.concurrency.Load())}
		return true
	})

	return snap
}

// ApplySnapshot sets the concurrency of the snapshot functions. Functions not
// present on the snapshot are left untouched. If the snapshot was taken on a
// host with a different number of cores the concurrency is scaled accordingly.
func (m *Manager) ApplySnapshot(snapshot HostConcurrencySnapshot) {
	ids := make([]string, 0, len(snapshot.FunctionSnapshots))
	for id := range snapshot.FunctionSnapshots {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		c := m.scaleToCores(snapshot.FunctionSnapshots[id].Concurrency, snapshot.NumberOfCores)
		c = m.clamp(c)

		f := m.getOrRegister(id)
		f.concurrency.Store(int64(c))
		f.recorder.SetFunctionConcurrency(c)

		level.Info(m.logger).Log("msg", fmt.Sprintf("Applying status snapshot for function %s (Concurrency: %d)", id, c), "function", id, "concurrency", c)
	}
}

// Adjust runs a single adjustment of all the tracked functions based on the
// current host throttle status.
func (m *Manager) Adjust() {
	defer func() {
		if r := recover(); r != nil {
			level.Error(m.logger).Log("msg", "concurrency adjustment failed", "err", fmt.Sprintf("%v", r))
		}
	}()

	status := m.cfg.ThrottleStatusGetter.Status()
	throttled := status.State == throttle.StateEnabled
	if throttled {
		for _, r := range status.Reasons {
			msg := status.Messages[r]
			if msg == "" {
				msg = r.Description()
			}
			level.Warn(m.logger).Log("msg", msg, "reason", string(r))
		}
	}

	m.functions.Range(func(_, v any) bool {
		m.adjust(v.(*function), throttled, status)
		return true
	})
}

func (m *Manager) iteration(_ context.Context) error {
	if !m.Enabled() {
		return nil
	}

	m.Adjust()
	return nil
}

func (m *Manager) adjust(f *function, throttled bool, status throttle.Status) {
	activity := f.activity.Swap(0)
	current := int(f.concurrency.Load())

	signal := limit.SignalIdle
	switch {
	case throttled:
		signal = limit.SignalThrottled
	case activity > 0 || f.outstanding.Load() > 0:
		signal = limit.SignalActive
	}

	next := m.clamp(m.cfg.Limiter.Next(current, signal))
	if next == current {
		return
	}

	// A snapshot applied while adjusting wins.
	if !f.concurrency.CompareAndSwap(int64(current), int64(next)) {
		return
	}
	f.recorder.SetFunctionConcurrency(next)

	if next < current {
		f.recorder.IncFunctionAdjustment(directionDecrease)
		level.Info(m.logger).Log("msg", fmt.Sprintf("%s Decreasing concurrency", f.id), "function", f.id, "concurrency", next, "reasons", status.ReasonsString())
		return
	}

	f.recorder.IncFunctionAdjustment(directionIncrease)
	level.Debug(m.logger).Log("msg", fmt.Sprintf("%s Increasing concurrency", f.id), "function", f.id, "concurrency", next)
}

func (m *Manager) getOrRegister(functionID string) *function {
	if v, ok := m.functions.Load(functionID); ok {
		return v.(*function)
	}

	f := &function{
		id:       functionID,
		recorder: m.cfg.MetricsRecorder.WithID(functionID),
	}
	f.concurrency.Store(1)

	v, loaded := m.functions.LoadOrStore(functionID, f)
	if !loaded {
		f.recorder.SetFunctionConcurrency(1)
		level.Debug(m.logger).Log("msg", "function registered", "function", functionID)
	}

	return v.(*function)
}

func (m *Manager) scaleToCores(concurrency, snapshotCores int) int {
	if snapshotCores <= 0 || snapshotCores == m.cfg.NumberOfCores {
		return concurrency
	}

	return int(math.Round(float64(concurrency) * float64(m.cfg.NumberOfCores) / float64(snapshotCores)))
}

func (m *Manager) clamp(concurrency int) int {
	if concurrency < 1 {
		return 1
	}
	if concurrency > m.cfg.MaximumFunctionConcurrency {
		return m.cfg.MaximumFunctionConcurrency
	}
	return concurrency
}
