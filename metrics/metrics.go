package metrics

import "time"

// Recorder knows how to measure the dynamic concurrency components.
type Recorder interface {
	// WithID will set the ID name to the recorder and every metric
	// measured with the obtained recorder will be identified with
	// the name. The ID is the function ID.
	WithID(id string) Recorder
	// SetFunctionConcurrency sets the current concurrency of the function.
	SetFunctionConcurrency(concurrency int)
	// IncFunctionAdjustment increments the number of concurrency adjustments
	// of the function in a direction (increase or decrease).
	IncFunctionAdjustment(direction string)
	// SetDispatchInflightInvocations sets the number of invocations being executed
	// by a dispatcher for the function.
	SetDispatchInflightInvocations(inflight int)
	// SetThrottleEnabled sets the state of a throttle monitor.
	SetThrottleEnabled(reason string, enabled bool)
	// IncSnapshotOperation increments the number of snapshot repository operations.
	IncSnapshotOperation(operation string, success bool)
	// ObserveExecution measures the duration of an execution guarded by a
	// measured Runner (snapshot storage calls, function invocations).
	ObserveExecution(start time.Time, success bool)
}

// Dummy is a dummy recorder.
var Dummy = &dummy{}

type dummy struct{}

func (d *dummy) WithID(id string) Recorder                        { return d }
func (dummy) SetFunctionConcurrency(concurrency int)              {}
func (dummy) IncFunctionAdjustment(direction string)              {}
func (dummy) SetDispatchInflightInvocations(inflight int)         {}
func (dummy) SetThrottleEnabled(reason string, enabled bool)      {}
func (dummy) IncSnapshotOperation(operation string, success bool) {}
func (dummy) ObserveExecution(start time.Time, success bool)      {}
