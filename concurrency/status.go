package concurrency

import "math"

// Unlimited is the available invocation count returned when the dynamic
// concurrency is disabled, callers should use their own batch limits.
const Unlimited = math.MaxInt32

// Status is the concurrency status of a function at the moment it was requested.
type Status struct {
	FunctionID             string
	CurrentConcurrency     int
	OutstandingInvocations int
}

// AvailableInvocationCount returns how many new invocations the function can
// accept having pending invocations already in flight.
func (s Status) AvailableInvocationCount(pending int) int {
	return availableInvocationCount(s.CurrentConcurrency, pending)
}

func availableInvocationCount(concurrency, pending int) int {
	if pending < 0 {
		pending = 0
	}

	available := concurrency - pending
	if available < 0 {
		return 0
	}
	return available
}
