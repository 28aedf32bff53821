package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"

	"github.com/slok/goconcurrency/metrics"
)

func TestPrometheus(t *testing.T) {
	tests := []struct {
		name          string
		recordMetrics func(metrics.Recorder)
		expMetrics    []string
	}{
		{
			name: "Recording function metrics should expose the metrics.",
			recordMetrics: func(m metrics.Recorder) {
				m1 := m.WithID("F1")
				m2 := m.WithID("F2")
				m1.SetFunctionConcurrency(10)
				m1.SetFunctionConcurrency(5)
				m2.SetFunctionConcurrency(42)
				m1.IncFunctionAdjustment("decrease")
				m1.IncFunctionAdjustment("decrease")
				m2.IncFunctionAdjustment("increase")
			},
			expMetrics: []string{
				`goconcurrency_function_concurrency{id="F1"} 5`,
				`goconcurrency_function_concurrency{id="F2"} 42`,
				`goconcurrency_function_adjustments_total{direction="decrease",id="F1"} 2`,
				`goconcurrency_function_adjustments_total{direction="increase",id="F2"} 1`,
			},
		},
		{
			name: "Recording dispatch metrics should expose the metrics.",
			recordMetrics: func(m metrics.Recorder) {
				m.WithID("F1").SetDispatchInflightInvocations(7)
				m.WithID("F2").SetDispatchInflightInvocations(0)
			},
			expMetrics: []string{
				`goconcurrency_dispatch_inflight_invocations{id="F1"} 7`,
				`goconcurrency_dispatch_inflight_invocations{id="F2"} 0`,
			},
		},
		{
			name: "Recording throttle metrics should expose the metrics.",
			recordMetrics: func(m metrics.Recorder) {
				m.SetThrottleEnabled("cpu", true)
				m.SetThrottleEnabled("memory", true)
				m.SetThrottleEnabled("memory", false)
			},
			expMetrics: []string{
				`goconcurrency_throttle_enabled{reason="cpu"} 1`,
				`goconcurrency_throttle_enabled{reason="memory"} 0`,
			},
		},
		{
			name: "Recording snapshot metrics should expose the metrics.",
			recordMetrics: func(m metrics.Recorder) {
				m.IncSnapshotOperation("write", true)
				m.IncSnapshotOperation("write", true)
				m.IncSnapshotOperation("write", false)
				m.IncSnapshotOperation("read", true)
			},
			expMetrics: []string{
				`goconcurrency_snapshot_operations_total{operation="read",success="true"} 1`,
				`goconcurrency_snapshot_operations_total{operation="write",success="false"} 1`,
				`goconcurrency_snapshot_operations_total{operation="write",success="true"} 2`,
			},
		},
		{
			name: "Recording executions should expose the metrics.",
			recordMetrics: func(m metrics.Recorder) {
				start := time.Now().Add(-2 * time.Second)
				m.WithID("snapshot-write").ObserveExecution(start, true)
				m.WithID("snapshot-write").ObserveExecution(start, false)
				m.WithID("F1").ObserveExecution(time.Now(), true)
			},
			expMetrics: []string{
				`goconcurrency_runner_execution_duration_seconds_count{id="snapshot-write",success="true"} 1`,
				`goconcurrency_runner_execution_duration_seconds_count{id="snapshot-write",success="false"} 1`,
				`goconcurrency_runner_execution_duration_seconds_bucket{id="snapshot-write",success="true",le="2.5"} 1`,
				`goconcurrency_runner_execution_duration_seconds_bucket{id="snapshot-write",success="true",le="1"} 0`,
				`goconcurrency_runner_execution_duration_seconds_count{id="F1",success="true"} 1`,
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert := assert.New(t)

			reg := prometheus.NewRegistry()
			p := metrics.NewPrometheusRecorder(reg)

			test.recordMetrics(p)

			// Get the metrics handler and serve.
			h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/metrics", nil)
			h.ServeHTTP(rec, req)

			resp := rec.Result()

			// Check all metrics are present.
			if assert.Equal(http.StatusOK, resp.StatusCode) {
				body, _ := io.ReadAll(resp.Body)
				for _, expMetric := range test.expMetrics {
					assert.Contains(string(body), expMetric, "metric not present on the result of metrics service")
				}
			}
		})
	}
}
