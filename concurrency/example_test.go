package concurrency_test

import (
	"fmt"

	"github.com/slok/goconcurrency/concurrency"
	"github.com/slok/goconcurrency/throttle"
)

// Manual adjustments of a function concurrency, without starting the
// manager periodic service.
func Example_adjust() {
	throttled := false
	m, _ := concurrency.New(concurrency.Config{
		DynamicConcurrencyEnabled: true,
		ThrottleStatusGetter: throttle.StatusGetterFunc(func() throttle.Status {
			if throttled {
				return throttle.Status{State: throttle.StateEnabled, Reasons: []throttle.Reason{throttle.ReasonCPU}}
			}
			return throttle.Status{State: throttle.StateDisabled}
		}),
	})

	// Invocations of the function make it active so the concurrency grows.
	for i := 0; i < 4; i++ {
		m.FunctionStarted("resize-image")
		m.FunctionCompleted("resize-image")
		m.Adjust()
	}
	fmt.Println(m.GetStatus("resize-image").CurrentConcurrency)

	// The host is under pressure so the concurrency decreases.
	throttled = true
	m.Adjust()
	fmt.Println(m.GetStatus("resize-image").CurrentConcurrency)
	fmt.Println(m.GetAvailableInvocationCount("resize-image", 1))

	// Output:
	// 5
	// 2
	// 1
}
