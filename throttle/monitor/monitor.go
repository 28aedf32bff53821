package monitor

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/slok/goconcurrency/metrics"
	"github.com/slok/goconcurrency/throttle"
)

var disabledVerdict = &throttle.Verdict{}

// base has the verdict publishing shared by all the monitors.
type base struct {
	reason    throttle.Reason
	verdict   *atomic.Pointer[throttle.Verdict]
	debouncer *debouncer
	logger    log.Logger
	recorder  metrics.Recorder

	// failureLog makes sampling failures logged only once.
	failureLog rate.Sometimes
}

func newBase(reason throttle.Reason, enableAfter, disableAfter int, logger log.Logger, rec metrics.Recorder) *base {
	return &base{
		reason:     reason,
		verdict:    atomic.NewPointer(disabledVerdict),
		debouncer:  newDebouncer(enableAfter, disableAfter),
		logger:     log.With(logger, "monitor", string(reason)),
		recorder:   rec,
		failureLog: rate.Sometimes{First: 1},
	}
}

// Reason satisfies throttle.Monitor interface.
func (b *base) Reason() throttle.Reason { return b.reason }

// Verdict satisfies throttle.Monitor interface.
func (b *base) Verdict() throttle.Verdict { return *b.verdict.Load() }

// observe feeds a raw sample to the debouncer and publishes the result.
func (b *base) observe(bad bool, message string) {
	if !b.debouncer.sample(bad) {
		b.publish(disabledVerdict)
		return
	}

	b.publish(&throttle.Verdict{Enabled: true, Message: message})
}

// fail disables the monitor, sampling errors never throttle the host.
func (b *base) fail(err error) {
	b.failureLog.Do(func() {
		level.Warn(b.logger).Log("msg", "failed to sample resource usage, throttle disabled", "err", err)
	})

	b.debouncer.reset()
	b.publish(disabledVerdict)
}

func (b *base) publish(v *throttle.Verdict) {
	prev := b.verdict.Swap(v)
	if prev.Enabled == v.Enabled {
		return
	}

	b.recorder.SetThrottleEnabled(string(b.reason), v.Enabled)
	if v.Enabled {
		level.Warn(b.logger).Log("msg", v.Message)
	} else {
		level.Info(b.logger).Log("msg", "throttle disabled")
	}
}
