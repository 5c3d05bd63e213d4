package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with the full stack trace.
// Call it in a defer:
//
//	defer observability.RecoverPanic(logger, "retention job")
//
// After logging, the panic is not re-raised. Use for goroutines whose death
// must not take the process down (cron jobs, background sweeps).
func RecoverPanic(logger *Logger, context string) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("context", context).
			Error("PANIC recovered")
	}
}

// RecoverPanicWithCallback recovers from a panic, logs it, and then runs the
// callback, panic or not. The callback is for cleanup that must happen either
// way (closing channels, releasing locks).
func RecoverPanicWithCallback(logger *Logger, context string, callback func()) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("context", context).
			Error("PANIC recovered")
	}
	if callback != nil {
		callback()
	}
}

// MustRecover converts a recovered panic value into an error:
//
//	defer func() {
//	    err = observability.MustRecover(recover())
//	}()
//
// The stack trace is not included; use RecoverPanic when it matters.
func MustRecover(r interface{}) error {
	if r != nil {
		return fmt.Errorf("panic: %v", r)
	}
	return nil
}
