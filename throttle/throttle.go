package throttle

import (
	"strings"
)

// State is the aggregated throttle state of the host.
type State int

const (
	// StateDisabled means no resource constraint is active.
	StateDisabled State = iota
	// StateEnabled means at least one resource constraint is active.
	StateEnabled
)

func (s State) String() string {
	if s == StateEnabled {
		return "enabled"
	}
	return "disabled"
}

// Reason is the resource dimension that caused a throttle.
type Reason string

const (
	// ReasonCPU is used when host CPU is too high.
	ReasonCPU Reason = "cpu"
	// ReasonMemory is used when the memory budget is nearly used.
	ReasonMemory Reason = "memory"
	// ReasonThreadPoolStarvation is used when new work can't be scheduled promptly.
	ReasonThreadPoolStarvation Reason = "threadpool_starvation"
)

// reasonOrder is the stable order reasons are reported in.
var reasonOrder = []Reason{ReasonCPU, ReasonMemory, ReasonThreadPoolStarvation}

// Description returns the diagnostic message of the reason.
func (r Reason) Description() string {
	switch r {
	case ReasonCPU:
		return "Host CPU threshold exceeded"
	case ReasonMemory:
		return "Host memory threshold exceeded"
	case ReasonThreadPoolStarvation:
		return "Thread pool starvation detected"
	default:
		return string(r)
	}
}

// Verdict is the debounced output of a single monitor. Once published
// by a monitor it is never mutated.
type Verdict struct {
	Enabled bool
	// Message is the human readable detail of the verdict, set when Enabled.
	Message string
}

// Monitor samples a single resource dimension and publishes a debounced verdict.
type Monitor interface {
	// Reason returns the resource dimension the monitor watches.
	Reason() Reason
	// Verdict returns the last published verdict. It must be safe to call
	// concurrently with the monitor sampling.
	Verdict() Verdict
}

// Status is the aggregated throttle status, it's created fresh on every aggregation.
type Status struct {
	State   State
	Reasons []Reason
	// Messages has the monitor verdict message for each reason.
	Messages map[Reason]string
}

// Has returns true if the reason is on the status.
func (s Status) Has(r Reason) bool {
	for _, reason := range s.Reasons {
		if reason == r {
			return true
		}
	}
	return false
}

// ReasonsString returns the reasons as a comma separated list, useful for logging.
func (s Status) ReasonsString() string {
	rs := make([]string, 0, len(s.Reasons))
	for _, r := range s.Reasons {
		rs = append(rs, string(r))
	}
	return strings.Join(rs, ",")
}

// StatusGetter knows how to get the current host throttle status.
type StatusGetter interface {
	Status() Status
}

// StatusGetterFunc is a helper to satisfy StatusGetter with a function.
type StatusGetterFunc func() Status

// Status satisfies StatusGetter interface.
func (s StatusGetterFunc) Status() Status { return s() }
