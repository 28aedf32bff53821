package limit

// Signal is the feedback the Limiter algorithm receives on every adjustment.
type Signal string

const (
	// SignalThrottled is used when the host is under resource pressure.
	SignalThrottled Signal = "throttled"
	// SignalActive is used when the host is healthy and the function had activity,
	// so it could use more concurrency.
	SignalActive Signal = "active"
	// SignalIdle is used when the host is healthy but the function had no activity.
	SignalIdle Signal = "idle"
)

// Limiter knows what should be the next concurrency limit based on the current
// one and the feedback signal. These are based on TCP congestion control algorithms.
//
// Limiters are stateless regarding the limit so a single one can be shared by
// all the functions, it must be safe for concurrent use.
type Limiter interface {
	// Next returns the new limit.
	Next(current int, signal Signal) int
}
