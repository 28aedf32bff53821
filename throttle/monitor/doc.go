// Package monitor has the host resource throttle monitors.
//
// Every monitor samples a single resource dimension on its own interval
// (each one is a dskit timer service) and publishes a debounced verdict:
//
//   - A raw "bad" sample needs to repeat for a number of consecutive samples
//     before the monitor verdict is enabled.
//   - Once enabled, a number of consecutive good samples (quiet period) is
//     required before the verdict is disabled again.
//
// A monitor whose sampling fails publishes a disabled verdict (fail open),
// logs the failure only once and never returns the error to its callers.
package monitor
