package dispatch_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/slok/goconcurrency/concurrency"
	"github.com/slok/goconcurrency/dispatch"
	gcerrors "github.com/slok/goconcurrency/errors"
	"github.com/slok/goconcurrency/metrics"
	"github.com/slok/goconcurrency/timeout"
)

type queue struct {
	mu      sync.Mutex
	items   []dispatch.Item
	fetches []int
}

func newQueue(n int) *queue {
	q := &queue{}
	for i := 0; i < n; i++ {
		q.items = append(q.items, dispatch.Item{ID: fmt.Sprintf("item-%d", i)})
	}
	return q
}

func (q *queue) Fetch(_ context.Context, limit int) ([]dispatch.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.fetches = append(q.fetches, limit)
	n := limit
	if n > len(q.items) {
		n = len(q.items)
	}
	out := q.items[:n]
	q.items = q.items[n:]
	return out, nil
}

func (q *queue) fetchLimits() []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int(nil), q.fetches...)
}

func newManager(t *testing.T, enabled bool, concurrencies map[string]int) *concurrency.Manager {
	t.Helper()

	m, err := concurrency.New(concurrency.Config{DynamicConcurrencyEnabled: enabled})
	require.NoError(t, err)

	snap := concurrency.HostConcurrencySnapshot{FunctionSnapshots: map[string]concurrency.FunctionConcurrencySnapshot{}}
	for id, c := range concurrencies {
		snap.FunctionSnapshots[id] = concurrency.FunctionConcurrencySnapshot{Concurrency: c}
	}
	m.ApplySnapshot(snap)

	return m
}

func noopHandler(context.Context, dispatch.Item) error { return nil }

func TestNewInvalidConfig(t *testing.T) {
	m := newManager(t, true, nil)
	src := newQueue(0)

	tests := []struct {
		name string
		cfg  dispatch.Config
	}{
		{
			name: "Missing function ID should fail.",
			cfg:  dispatch.Config{Source: src, Handler: noopHandler, Admission: m},
		},
		{
			name: "Missing source should fail.",
			cfg:  dispatch.Config{FunctionID: "F1", Handler: noopHandler, Admission: m},
		},
		{
			name: "Missing handler should fail.",
			cfg:  dispatch.Config{FunctionID: "F1", Source: src, Admission: m},
		},
		{
			name: "Missing admission should fail.",
			cfg:  dispatch.Config{FunctionID: "F1", Source: src, Handler: noopHandler},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := dispatch.New(test.cfg)
			assert.ErrorIs(t, err, gcerrors.ErrInvalidConfig)
		})
	}
}

func TestDispatcherRespectsConcurrency(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	m := newManager(t, true, map[string]int{"F1": 2})
	src := newQueue(10)

	release := make(chan struct{})
	started := make(chan struct{}, 10)
	d, err := dispatch.New(dispatch.Config{
		FunctionID: "F1",
		Source:     src,
		Admission:  m,
		Handler: func(ctx context.Context, _ dispatch.Item) error {
			started <- struct{}{}
			<-release
			return nil
		},
	})
	require.NoError(err)

	ctx := context.Background()
	assert.True(d.Poll(ctx))
	<-started
	<-started
	assert.Equal(2, d.Inflight())
	assert.Equal(2, m.GetStatus("F1").OutstandingInvocations)

	// Without concurrency available the source should not be asked.
	assert.False(d.Poll(ctx))
	assert.Equal([]int{2}, src.fetchLimits())

	close(release)
	require.Eventually(func() bool { return d.Inflight() == 0 }, 5*time.Second, time.Millisecond)
	assert.Equal(0, m.GetStatus("F1").OutstandingInvocations)

	assert.True(d.Poll(ctx))
	assert.Equal([]int{2, 2}, src.fetchLimits())
	require.Eventually(func() bool { return d.Inflight() == 0 }, 5*time.Second, time.Millisecond)
}

func TestDispatcherUnlimitedUsesBatchSize(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	m := newManager(t, false, nil)
	src := newQueue(10)
	d, err := dispatch.New(dispatch.Config{
		FunctionID: "F1",
		Source:     src,
		Admission:  m,
		Handler:    noopHandler,
		BatchSize:  3,
	})
	require.NoError(err)

	assert.True(d.Poll(context.Background()))
	assert.Equal([]int{3}, src.fetchLimits())
	require.Eventually(func() bool { return d.Inflight() == 0 }, 5*time.Second, time.Millisecond)
}

func TestDispatcherDropsItemsOverAdmitted(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var buf bytes.Buffer
	m := newManager(t, true, map[string]int{"F1": 2})

	release := make(chan struct{})
	var handled atomic.Int64
	d, err := dispatch.New(dispatch.Config{
		FunctionID: "F1",
		// A source ignoring the requested limit.
		Source: dispatch.SourceFunc(func(context.Context, int) ([]dispatch.Item, error) {
			return newQueue(5).items, nil
		}),
		Admission: m,
		Handler: func(context.Context, dispatch.Item) error {
			handled.Inc()
			<-release
			return nil
		},
		Logger: log.NewLogfmtLogger(log.NewSyncWriter(&buf)),
	})
	require.NoError(err)

	assert.True(d.Poll(context.Background()))
	assert.Equal(2, d.Inflight())
	assert.Equal(2, m.GetStatus("F1").OutstandingInvocations)
	assert.Contains(buf.String(), "dropping the extra items")

	close(release)
	require.Eventually(func() bool { return d.Inflight() == 0 }, 5*time.Second, time.Millisecond)
	assert.Equal(int64(2), handled.Load())
}

func TestDispatcherWithoutConcurrencyLogsStatus(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var buf bytes.Buffer
	m := newManager(t, true, map[string]int{"F1": 1})
	release := make(chan struct{})
	d, err := dispatch.New(dispatch.Config{
		FunctionID: "F1",
		Source:     newQueue(2),
		Admission:  m,
		Handler: func(context.Context, dispatch.Item) error {
			<-release
			return nil
		},
		Logger: log.NewLogfmtLogger(log.NewSyncWriter(&buf)),
	})
	require.NoError(err)

	assert.True(d.Poll(context.Background()))
	assert.False(d.Poll(context.Background()))
	assert.Contains(buf.String(), `msg="no concurrency available" concurrency=1 pending=1`)

	close(release)
	require.Eventually(func() bool { return d.Inflight() == 0 }, 5*time.Second, time.Millisecond)
}

func TestDispatcherEmptySourceBacksOff(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	m := newManager(t, true, map[string]int{"F1": 5})
	src := newQueue(0)
	d, err := dispatch.New(dispatch.Config{
		FunctionID: "F1",
		Source:     src,
		Admission:  m,
		Handler:    noopHandler,
	})
	require.NoError(err)

	assert.False(d.Poll(context.Background()))
	assert.Equal([]int{5}, src.fetchLimits())
}

func TestDispatcherHandlerErrors(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var buf bytes.Buffer
	m := newManager(t, true, map[string]int{"F1": 1})
	d, err := dispatch.New(dispatch.Config{
		FunctionID: "F1",
		Source:     newQueue(1),
		Admission:  m,
		Handler: func(context.Context, dispatch.Item) error {
			return errors.New("wanted error")
		},
		Logger: log.NewLogfmtLogger(log.NewSyncWriter(&buf)),
	})
	require.NoError(err)

	assert.True(d.Poll(context.Background()))
	require.Eventually(func() bool { return d.Inflight() == 0 }, 5*time.Second, time.Millisecond)
	assert.Contains(buf.String(), "invocation failed")
	assert.Contains(buf.String(), "item=item-0")
}

func TestDispatcherSourceErrors(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var buf bytes.Buffer
	m := newManager(t, true, nil)
	d, err := dispatch.New(dispatch.Config{
		FunctionID: "F1",
		Source: dispatch.SourceFunc(func(context.Context, int) ([]dispatch.Item, error) {
			return nil, errors.New("wanted error")
		}),
		Admission: m,
		Handler:   noopHandler,
		Logger:    log.NewLogfmtLogger(log.NewSyncWriter(&buf)),
	})
	require.NoError(err)

	assert.False(d.Poll(context.Background()))
	assert.Contains(buf.String(), "could not fetch invocations")
}

func TestDispatcherService(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	assert := assert.New(t)
	require := require.New(t)

	m := newManager(t, true, map[string]int{"F1": 4})
	src := newQueue(50)

	var processed, current, maxCurrent atomic.Int64
	d, err := dispatch.New(dispatch.Config{
		FunctionID: "F1",
		Source:     src,
		Admission:  m,
		Runner:     timeout.New(timeout.Config{Timeout: time.Second}),
		Backoff:    time.Millisecond,
		Handler: func(ctx context.Context, _ dispatch.Item) error {
			c := current.Inc()
			for {
				mc := maxCurrent.Load()
				if c <= mc || maxCurrent.CompareAndSwap(mc, c) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			current.Dec()
			processed.Inc()
			return nil
		},
	})
	require.NoError(err)

	require.NoError(services.StartAndAwaitRunning(context.Background(), d))
	require.Eventually(func() bool { return processed.Load() == 50 }, 10*time.Second, time.Millisecond)
	require.NoError(services.StopAndAwaitTerminated(context.Background(), d))

	assert.LessOrEqual(maxCurrent.Load(), int64(4))
	assert.Equal(0, d.Inflight())
}

func TestDispatcherMeasuresInvocations(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	reg := prometheus.NewRegistry()
	m := newManager(t, true, map[string]int{"F1": 3})
	d, err := dispatch.New(dispatch.Config{
		FunctionID:      "F1",
		Source:          newQueue(3),
		Admission:       m,
		Handler:         noopHandler,
		MetricsRecorder: metrics.NewPrometheusRecorder(reg),
	})
	require.NoError(err)

	assert.True(d.Poll(context.Background()))
	require.Eventually(func() bool { return d.Inflight() == 0 }, 5*time.Second, time.Millisecond)

	count, err := testutil.GatherAndCount(reg, "goconcurrency_runner_execution_duration_seconds")
	require.NoError(err)
	assert.Equal(1, count)

	mfs, err := reg.Gather()
	require.NoError(err)
	for _, mf := range mfs {
		if mf.GetName() != "goconcurrency_runner_execution_duration_seconds" {
			continue
		}
		assert.Equal(uint64(3), mf.GetMetric()[0].GetHistogram().GetSampleCount())
	}
}
