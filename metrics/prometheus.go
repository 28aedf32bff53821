package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	promNamespace = "goconcurrency"

	promFunctionSubsystem = "function"
	promDispatchSubsystem = "dispatch"
	promThrottleSubsystem = "throttle"
	promSnapshotSubsystem = "snapshot"
	promRunnerSubsystem   = "runner"
)

type prometheusRec struct {
	// Metrics.
	fnConcurrency      *prometheus.GaugeVec
	fnAdjustments      *prometheus.CounterVec
	dispatchInflights  *prometheus.GaugeVec
	throttleEnabled    *prometheus.GaugeVec
	snapshotOperations *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec

	id  string
	reg prometheus.Registerer
}

// NewPrometheusRecorder returns a new Recorder that knows how to measure
// using Prometheus kind metrics.
func NewPrometheusRecorder(reg prometheus.Registerer) Recorder {
	p := &prometheusRec{
		reg: reg,
	}

	p.registerMetrics()
	return p
}

func (p prometheusRec) WithID(id string) Recorder {
	return &prometheusRec{
		fnConcurrency:      p.fnConcurrency,
		fnAdjustments:      p.fnAdjustments,
		dispatchInflights:  p.dispatchInflights,
		throttleEnabled:    p.throttleEnabled,
		snapshotOperations: p.snapshotOperations,
		executionDuration:  p.executionDuration,

		id:  id,
		reg: p.reg,
	}
}

func (p *prometheusRec) registerMetrics() {
	p.fnConcurrency = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Subsystem: promFunctionSubsystem,
		Name:      "concurrency",
		Help:      "The current dynamic concurrency of the function.",
	}, []string{"id"})

	p.fnAdjustments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promFunctionSubsystem,
		Name:      "adjustments_total",
		Help:      "Total number of concurrency adjustments made on the function.",
	}, []string{"id", "direction"})

	p.dispatchInflights = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Subsystem: promDispatchSubsystem,
		Name:      "inflight_invocations",
		Help:      "The number of function invocations being executed by the dispatcher.",
	}, []string{"id"})

	p.throttleEnabled = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Subsystem: promThrottleSubsystem,
		Name:      "enabled",
		Help:      "Whether the host throttle for a resource is enabled (1) or not (0).",
	}, []string{"reason"})

	p.snapshotOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSnapshotSubsystem,
		Name:      "operations_total",
		Help:      "Total number of snapshot repository operations.",
	}, []string{"operation", "success"})

	p.executionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: promNamespace,
		Subsystem: promRunnerSubsystem,
		Name:      "execution_duration_seconds",
		Help:      "The duration of the measured executions in seconds.",
	}, []string{"id", "success"})

	p.reg.MustRegister(p.fnConcurrency,
		p.fnAdjustments,
		p.dispatchInflights,
		p.throttleEnabled,
		p.snapshotOperations,
		p.executionDuration,
	)
}

func (p prometheusRec) SetFunctionConcurrency(concurrency int) {
	p.fnConcurrency.WithLabelValues(p.id).Set(float64(concurrency))
}

func (p prometheusRec) IncFunctionAdjustment(direction string) {
	p.fnAdjustments.WithLabelValues(p.id, direction).Inc()
}

func (p prometheusRec) SetDispatchInflightInvocations(inflight int) {
	p.dispatchInflights.WithLabelValues(p.id).Set(float64(inflight))
}

func (p prometheusRec) SetThrottleEnabled(reason string, enabled bool) {
	var v float64
	if enabled {
		v = 1
	}
	p.throttleEnabled.WithLabelValues(reason).Set(v)
}

func (p prometheusRec) IncSnapshotOperation(operation string, success bool) {
	p.snapshotOperations.WithLabelValues(operation, strconv.FormatBool(success)).Inc()
}

func (p prometheusRec) ObserveExecution(start time.Time, success bool) {
	secs := time.Since(start).Seconds()
	p.executionDuration.WithLabelValues(p.id, strconv.FormatBool(success)).Observe(secs)
}
