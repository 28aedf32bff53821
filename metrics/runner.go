package metrics

import (
	"context"
	"time"

	"github.com/slok/goconcurrency"
)

var ctxRecorderKey contextKey = "recorder"

type contextKey string

func (c contextKey) String() string {
	return "metrics-ctx-key" + string(c)
}

// RecorderFromContext will get the metrics recorder from the context.
// If there is no recorder on the context it returns a dummy recorder that is
// safe to use.
func RecorderFromContext(ctx context.Context) (recorder Recorder, ok bool) {
	rec, ok := ctx.Value(ctxRecorderKey).(Recorder)
	if !ok {
		return Dummy, false
	}

	return rec, true
}

func setRecorderOnContext(ctx context.Context, r Recorder) context.Context {
	return context.WithValue(ctx, ctxRecorderKey, r)
}

// NewMeasuredRunner is a decorator that measures the duration and result of the
// executions of the Runner, identified by id. The recorder is set on the execution
// context so the executed Func can record its own metrics with the same ID.
func NewMeasuredRunner(id string, rec Recorder, r goconcurrency.Runner) goconcurrency.Runner {
	if rec == nil {
		rec = Dummy
	}
	rec = rec.WithID(id)

	r = goconcurrency.SanitizeRunner(r)

	return goconcurrency.RunnerFunc(func(ctx context.Context, f goconcurrency.Func) (err error) {
		defer func(start time.Time) {
			rec.ObserveExecution(start, err == nil)
		}(time.Now())

		ctx = setRecorderOnContext(ctx, rec)
		err = r.Run(ctx, f)

		return err
	})
}
