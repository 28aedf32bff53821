package monitor

// debouncer converts raw samples into a debounced state. It's not safe for
// concurrent use, every monitor samples from a single goroutine.
type debouncer struct {
	enableAfter  int
	disableAfter int

	enabled     bool
	consecutive int
}

func newDebouncer(enableAfter, disableAfter int) *debouncer {
	if enableAfter < 1 {
		enableAfter = 1
	}
	if disableAfter < 1 {
		disableAfter = 1
	}

	return &debouncer{
		enableAfter:  enableAfter,
		disableAfter: disableAfter,
	}
}

// sample adds a raw sample and returns the debounced state.
func (d *debouncer) sample(bad bool) bool {
	// A sample that agrees with the current state breaks any streak.
	if bad == d.enabled {
		d.consecutive = 0
		return d.enabled
	}

	d.consecutive++
	required := d.enableAfter
	if d.enabled {
		required = d.disableAfter
	}

	if d.consecutive >= required {
		d.enabled = !d.enabled
		d.consecutive = 0
	}

	return d.enabled
}

func (d *debouncer) reset() {
	d.enabled = false
	d.consecutive = 0
}
