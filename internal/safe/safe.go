// Package safe provides panic isolation for executor decisions and
// runtime goroutines, so a single bad decision or handler cannot take
// down an agent's whole runtime loop.
package safe

import (
	"fmt"
	"runtime/debug"

	"github.com/converge-project/converge/internal/telemetry"
)

// Execute runs fn with panic recovery, logging and returning the panic as
// an error rather than letting it propagate.
func Execute(logger telemetry.Logger, operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			if logger != nil {
				logger.Error("panic_recovered", "operation", operation, "panic", r, "stack", stack)
			}
			err = fmt.Errorf("panic in %s: %v", operation, r)
		}
	}()
	return fn()
}

// Go runs fn in a new goroutine with panic recovery. onPanic, if non-nil, is
// called with the recovered value after the panic is logged.
func Go(logger telemetry.Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				if logger != nil {
					logger.Error("goroutine_panic_recovered", "operation", operation, "panic", r, "stack", stack)
				}
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
