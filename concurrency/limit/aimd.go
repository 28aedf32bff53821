package limit

// AIMDConfig is the configuration of the algorithm used for the AIMD adaptive limit.
type AIMDConfig struct {
	// MinimumLimit is the minimum limit the algorithm will decrease to.
	MinimumLimit int
	// MaximumLimit is the maximum limit the algorithm will increase to.
	MaximumLimit int
	// IncreaseStep is the quantity the limit is increased when there is headroom.
	IncreaseStep int
	// BackoffRatio is the ratio used to decrease the limit when the host is throttled.
	// this will be the way is used: new limit = current limit * backoffRatio.
	BackoffRatio float64
}

func (c *AIMDConfig) defaults() {
	// Safety defaults.
	if c.BackoffRatio <= 0 || c.BackoffRatio >= 1 {
		c.BackoffRatio = 0.5
	}

	if c.MinimumLimit <= 0 {
		c.MinimumLimit = 1
	}

	if c.MaximumLimit <= 0 {
		c.MaximumLimit = 500
	}

	if c.MaximumLimit < c.MinimumLimit {
		c.MaximumLimit = c.MinimumLimit
	}

	if c.IncreaseStep <= 0 {
		c.IncreaseStep = 1
	}
}

// NewAIMD returns a new AIMD adaptive Limiter algorithm, based on the TCP congestion algorithm with the same name.
// It increases the limit at a constant rate and when congestion occurs it will decrease by a configured factor.
// More information about this algorithm in: https://en.wikipedia.org/wiki/Additive_increase/multiplicative_decrease
func NewAIMD(cfg AIMDConfig) Limiter {
	cfg.defaults()

	return &aimd{
		cfg: cfg,
	}
}

type aimd struct {
	cfg AIMDConfig
}

// Next satisfies Limiter interface.
func (a *aimd) Next(current int, signal Signal) int {
	var next int
	switch signal {
	case SignalThrottled:
		next = a.decreaseLimit(current)
	case SignalActive:
		next = a.increaseLimit(current)
	default:
		next = current
	}

	return a.clamp(next)
}

// decreaseLimit will decrease the limit based on the backoff ratio. A decrease
// always makes progress while the limit is above the minimum.
func (a *aimd) decreaseLimit(current int) int {
	next := int(float64(current) * a.cfg.BackoffRatio)
	if next >= current {
		next = current - 1
	}
	return next
}

func (a *aimd) increaseLimit(current int) int {
	return current + a.cfg.IncreaseStep
}

func (a *aimd) clamp(limit int) int {
	if limit < a.cfg.MinimumLimit {
		return a.cfg.MinimumLimit
	}
	if limit > a.cfg.MaximumLimit {
		return a.cfg.MaximumLimit
	}
	return limit
}
