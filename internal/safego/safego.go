// Package safego launches background goroutines that survive panics.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go runs fn in a new goroutine. A panic inside fn is recovered and logged
// instead of crashing the process.
func Go(fn func()) {
	GoRecover(fn, nil)
}

// GoRecover is like Go but also hands the recovered value to onPanic, letting the
// caller record the failure (for example, marking a job as errored).
func GoRecover(fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine", "panic", r, "stack", string(debug.Stack()))
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
