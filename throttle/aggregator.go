package throttle

// Aggregator combines the verdicts of multiple monitors into a single Status.
//
// It doesn't debounce, that is the responsibility of each monitor.
type Aggregator struct {
	monitors []Monitor
}

// NewAggregator returns a new Aggregator for the monitors.
func NewAggregator(monitors ...Monitor) *Aggregator {
	ms := make([]Monitor, 0, len(monitors))
	for _, m := range monitors {
		if m != nil {
			ms = append(ms, m)
		}
	}

	return &Aggregator{monitors: ms}
}

// Status satisfies StatusGetter interface. The status is enabled if any of
// the monitors verdicts is enabled.
func (a *Aggregator) Status() Status {
	enabled := map[Reason]string{}
	for _, m := range a.monitors {
		// Read every verdict once, it's an immutable value.
		v := m.Verdict()
		if v.Enabled {
			enabled[m.Reason()] = v.Message
		}
	}

	st := Status{
		State:    StateDisabled,
		Messages: enabled,
	}
	if len(enabled) == 0 {
		return st
	}

	st.State = StateEnabled
	for _, r := range reasonOrder {
		if _, ok := enabled[r]; ok {
			st.Reasons = append(st.Reasons, r)
		}
	}

	// Custom monitors with unknown reasons go last.
	for _, m := range a.monitors {
		r := m.Reason()
		if _, ok := enabled[r]; ok && !st.Has(r) {
			st.Reasons = append(st.Reasons, r)
		}
	}

	return st
}
